package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leozw/uptime-consensus/internal/checks"
	"github.com/leozw/uptime-consensus/internal/config"
	"github.com/leozw/uptime-consensus/internal/core"
	"github.com/leozw/uptime-consensus/internal/entitlement"
	"github.com/leozw/uptime-consensus/internal/store"
	"github.com/leozw/uptime-consensus/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func grant(key entitlement.FeatureKey, end time.Time) entitlement.Grant {
	return entitlement.Grant{UserID: "owner-1", Key: key, EndDate: end}
}

func TestEffectiveIntervalSeconds(t *testing.T) {
	tests := []struct {
		name      string
		requested int
		grants    []entitlement.Grant
		want      int
	}{
		{"no grants raises to baseline", 60, nil, 300},
		{"slower than minimum kept", 900, nil, 900},
		{"one minute grant", 60, []entitlement.Grant{grant(entitlement.FeatureOneMinuteChecks, t0.Add(time.Hour))}, 60},
		{"thirty second grant", 30, []entitlement.Grant{grant(entitlement.FeatureThirtySecondChecks, t0.Add(time.Hour))}, 30},
		{"expired grant ignored", 30, []entitlement.Grant{grant(entitlement.FeatureThirtySecondChecks, t0)}, 300},
		{"unset interval uses baseline", 0, []entitlement.Grant{grant(entitlement.FeatureThirtySecondChecks, t0.Add(time.Hour))}, 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EffectiveIntervalSeconds(tt.requested, tt.grants, t0))
		})
	}
}

func TestIsDue(t *testing.T) {
	assert.True(t, IsDue(time.Time{}, 300, t0), "never checked")
	assert.False(t, IsDue(t0.Add(-60*time.Second), 300, t0))
	assert.True(t, IsDue(t0.Add(-300*time.Second), 300, t0), "tie is due")
	assert.True(t, IsDue(t0.Add(-301*time.Second), 300, t0))
}

type recordingSweeps struct {
	due, dropped int
}

func (r *recordingSweeps) RecordSweep(due, dropped int, d time.Duration) {
	r.due, r.dropped = due, dropped
}

func (r *recordingSweeps) SetQueueDepth(int) {}

func newTestScheduler(st Store, queueSize int) (*Scheduler, *recordingSweeps) {
	rec := &recordingSweeps{}
	s := NewScheduler(st, nil, nil, rec, zap.NewNop(), config.SchedulerConfig{WorkerCount: 1, QueueSize: queueSize}, "worker-1")
	s.now = func() time.Time { return t0 }
	return s, rec
}

func drain(s *Scheduler) []checks.Request {
	var out []checks.Request
	for {
		select {
		case req := <-s.queue:
			out = append(out, req)
		default:
			return out
		}
	}
}

func seedSite(t *testing.T, st *memory.Store, id, owner string, interval int) {
	t.Helper()
	require.NoError(t, st.CreateSite(context.Background(), &core.Site{
		ID: id, OwnerID: owner, URL: "https://" + id + ".example.com", CheckIntervalSeconds: interval, Active: true,
	}))
}

func TestSweepHonoursEntitlementMinimum(t *testing.T) {
	st := memory.New()
	seedSite(t, st, "site-1", "owner-1", 60)
	s, _ := newTestScheduler(st, 10)

	require.NoError(t, s.Sweep(context.Background()))
	first := drain(s)
	require.Len(t, first, 1, "never checked sites are due")
	assert.Equal(t, 300, first[0].IntervalSeconds)
	assert.False(t, first[0].AdvancedDiagnostics)

	s.now = func() time.Time { return t0.Add(60 * time.Second) }
	require.NoError(t, s.Sweep(context.Background()))
	assert.Empty(t, drain(s), "60s requested without grants is not due after 60s")

	s.now = func() time.Time { return t0.Add(300 * time.Second) }
	require.NoError(t, s.Sweep(context.Background()))
	assert.Len(t, drain(s), 1)
}

func TestSweepUsesGrantedInterval(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedSite(t, st, "site-1", "owner-1", 60)
	require.NoError(t, st.UpsertGrant(ctx, grant(entitlement.FeatureOneMinuteChecks, t0.Add(24*time.Hour))))
	require.NoError(t, st.UpsertGrant(ctx, grant(entitlement.FeatureAdvancedDiagnostics, t0.Add(24*time.Hour))))
	s, _ := newTestScheduler(st, 10)

	require.NoError(t, s.Sweep(ctx))
	reqs := drain(s)
	require.Len(t, reqs, 1)
	assert.Equal(t, 60, reqs[0].IntervalSeconds)
	assert.True(t, reqs[0].AdvancedDiagnostics)

	s.now = func() time.Time { return t0.Add(60 * time.Second) }
	require.NoError(t, s.Sweep(ctx))
	assert.Len(t, drain(s), 1)
}

func TestSweepSeedsFromStoredObservations(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedSite(t, st, "site-1", "owner-1", 300)
	_, err := st.AppendObservation(ctx, &core.Observation{SiteID: "site-1", WorkerID: "worker-1", Timestamp: t0.Add(-time.Minute)})
	require.NoError(t, err)
	_, err = st.AppendObservation(ctx, &core.Observation{SiteID: "site-1", WorkerID: "worker-2", Timestamp: t0.Add(-10 * time.Minute)})
	require.NoError(t, err)

	s, _ := newTestScheduler(st, 10)

	require.NoError(t, s.Sweep(ctx))
	assert.Empty(t, drain(s), "this worker checked a minute ago")
}

func TestSweepQueueFull(t *testing.T) {
	st := memory.New()
	seedSite(t, st, "site-1", "owner-1", 300)
	seedSite(t, st, "site-2", "owner-1", 300)
	s, rec := newTestScheduler(st, 1)

	require.NoError(t, s.Sweep(context.Background()))
	assert.Equal(t, 2, rec.due)
	assert.Equal(t, 1, rec.dropped)
	require.Len(t, drain(s), 1)

	// The dropped site was not marked and is retried on the next sweep.
	require.NoError(t, s.Sweep(context.Background()))
	assert.Equal(t, 1, rec.due)
	assert.Len(t, drain(s), 1)
}

type flakyStore struct {
	*memory.Store
	grantsFail map[string]bool
	lastFail   map[string]bool
	listFail   bool
	grantCalls map[string]int
}

func (f *flakyStore) ListActiveSites(ctx context.Context) ([]*core.Site, error) {
	if f.listFail {
		return nil, store.ErrUnavailable
	}
	return f.Store.ListActiveSites(ctx)
}

func (f *flakyStore) ListGrants(ctx context.Context, userID string) ([]entitlement.Grant, error) {
	f.grantCalls[userID]++
	if f.grantsFail[userID] {
		return nil, errors.New("grants timeout")
	}
	return f.Store.ListGrants(ctx, userID)
}

func (f *flakyStore) LastObservationAt(ctx context.Context, siteID, workerID string) (time.Time, error) {
	if f.lastFail[siteID] {
		return time.Time{}, errors.New("observations timeout")
	}
	return f.Store.LastObservationAt(ctx, siteID, workerID)
}

func TestSweepIsolatesFailures(t *testing.T) {
	mem := memory.New()
	seedSite(t, mem, "a-1", "owner-a", 300)
	seedSite(t, mem, "a-2", "owner-a", 300)
	seedSite(t, mem, "b-1", "owner-b", 300)
	seedSite(t, mem, "c-1", "owner-c", 300)
	seedSite(t, mem, "c-2", "owner-c", 300)
	st := &flakyStore{
		Store:      mem,
		grantsFail: map[string]bool{"owner-b": true},
		lastFail:   map[string]bool{"c-1": true},
		grantCalls: make(map[string]int),
	}
	s, _ := newTestScheduler(st, 10)

	require.NoError(t, s.Sweep(context.Background()))

	var scheduled []string
	for _, req := range drain(s) {
		scheduled = append(scheduled, req.Site.ID)
	}
	assert.ElementsMatch(t, []string{"a-1", "a-2", "c-2"}, scheduled)
	assert.Equal(t, 1, st.grantCalls["owner-a"], "grants are read once per owner per sweep")

	require.NoError(t, s.Sweep(context.Background()))
	assert.Equal(t, 2, st.grantCalls["owner-a"], "grants are not cached across sweeps")
}

func TestSweepListFailureAborts(t *testing.T) {
	st := &flakyStore{Store: memory.New(), listFail: true, grantCalls: make(map[string]int)}
	s, _ := newTestScheduler(st, 10)

	err := s.Sweep(context.Background())
	assert.True(t, store.IsRetriable(err))
}

type fakeProber struct{}

func (fakeProber) Execute(ctx context.Context, req checks.Request) *core.Observation {
	return &core.Observation{SiteID: req.Site.ID, WorkerID: "worker-1", Timestamp: t0, IntervalSeconds: req.IntervalSeconds}
}

type collectingReporter struct {
	mu   sync.Mutex
	seen []string
	fail bool
	done chan struct{}
}

func (c *collectingReporter) Report(ctx context.Context, obs *core.Observation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, obs.SiteID)
	if len(c.seen) == 2 {
		close(c.done)
	}
	if c.fail {
		return store.ErrUnavailable
	}
	return nil
}

func TestStartProbesAndReports(t *testing.T) {
	st := memory.New()
	seedSite(t, st, "site-1", "owner-1", 300)
	seedSite(t, st, "site-2", "owner-1", 300)

	reporter := &collectingReporter{fail: true, done: make(chan struct{})}
	s := NewScheduler(st, fakeProber{}, reporter, nil, zap.NewNop(),
		config.SchedulerConfig{WorkerCount: 2, QueueSize: 10, SweepInterval: time.Hour}, "worker-1")

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(stopped)
	}()

	select {
	case <-reporter.done:
	case <-time.After(5 * time.Second):
		t.Fatal("observations were not reported")
	}
	cancel()
	<-stopped

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	assert.ElementsMatch(t, []string{"site-1", "site-2"}, reporter.seen)
}
