package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leozw/uptime-consensus/internal/config"
	"github.com/leozw/uptime-consensus/internal/core"
	"github.com/leozw/uptime-consensus/internal/events"
	"github.com/leozw/uptime-consensus/internal/store"
	"github.com/leozw/uptime-consensus/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testConfig = config.ConsensusConfig{
	Window:                   24 * time.Hour,
	FreshnessFactor:          2,
	DefaultFreshness:         10 * time.Minute,
	MaxObservationsPerWorker: 2880,
	MaxClockSkew:             time.Minute,
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(e events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) ofType(typ events.Type) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Event
	for _, e := range b.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func newTestAggregator(st Store, cfg config.ConsensusConfig) (*Aggregator, *recordingBus) {
	bus := &recordingBus{}
	agg := NewAggregator(st, bus, nil, zap.NewNop(), cfg)
	agg.now = func() time.Time { return t0 }
	return agg, bus
}

func ingest(t *testing.T, agg *Aggregator, obs *core.Observation) Outcome {
	t.Helper()
	outcome, err := agg.Ingest(context.Background(), obs)
	require.NoError(t, err)
	return outcome
}

// withoutClock strips fields that legitimately differ between recomputes.
func withoutClock(s *core.ConsensusStatus) *core.ConsensusStatus {
	c := s.Clone()
	c.UpdatedAt = time.Time{}
	return c
}

func TestIngestIsIdempotent(t *testing.T) {
	st := memory.New()
	agg, bus := newTestAggregator(st, testConfig)

	obs := observation("a", t0, withHTTP(true, 10), withPing(true))
	assert.Equal(t, Accepted, ingest(t, agg, obs))
	first, err := st.GetStatus(context.Background(), "site-1")
	require.NoError(t, err)

	replay := observation("a", t0, withHTTP(true, 10), withPing(true))
	assert.Equal(t, Duplicate, ingest(t, agg, replay))
	second, err := st.GetStatus(context.Background(), "site-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, bus.ofType(events.StatusUpdated), 1)
}

func TestIngestOrderDoesNotMatter(t *testing.T) {
	stream := []*core.Observation{
		observation("a", t0.Add(-2*time.Minute), withHTTP(false, 0), withPing(true)),
		observation("b", t0.Add(-time.Minute), withHTTP(true, 40), withPing(true)),
		observation("c", t0.Add(-30*time.Second), withHTTP(true, 60), withPing(false)),
		observation("a", t0, withHTTP(true, 20), withPing(true)),
	}

	forward, _ := newTestAggregator(memory.New(), testConfig)
	for _, obs := range stream {
		ingest(t, forward, obs)
	}

	backwardStore := memory.New()
	backward, _ := newTestAggregator(backwardStore, testConfig)
	for i := len(stream) - 1; i >= 0; i-- {
		o := *stream[i]
		ingest(t, backward, &o)
	}

	fwd := forward.sites["site-1"].status
	bwd := backward.sites["site-1"].status
	assert.Equal(t, withoutClock(fwd), withoutClock(bwd))
	assert.Equal(t, t0, bwd.CheckedAt)
}

func TestIngestRejections(t *testing.T) {
	st := memory.New()
	agg, bus := newTestAggregator(st, testConfig)

	malformed := observation("", t0, withHTTP(true, 1))
	assert.Equal(t, Malformed, ingest(t, agg, malformed))

	stale := observation("a", t0.Add(-25*time.Hour), withHTTP(true, 1))
	assert.Equal(t, Stale, ingest(t, agg, stale))

	_, err := st.GetStatus(context.Background(), "site-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, bus.events)
}

func TestCheckedAtIsMonotonic(t *testing.T) {
	agg, _ := newTestAggregator(memory.New(), testConfig)

	ingest(t, agg, observation("a", t0, withHTTP(true, 1)))
	ingest(t, agg, observation("b", t0.Add(-5*time.Minute), withHTTP(true, 1)))

	assert.Equal(t, t0, agg.sites["site-1"].status.CheckedAt)
}

func TestStatusChangedEvents(t *testing.T) {
	agg, bus := newTestAggregator(memory.New(), testConfig)

	// First status up: no transition to report.
	ingest(t, agg, observation("a", t0.Add(-2*time.Minute), withHTTP(true, 1)))
	assert.Empty(t, bus.ofType(events.StatusChanged))

	ingest(t, agg, observation("a", t0.Add(-time.Minute), withHTTP(false, 0)))
	changed := bus.ofType(events.StatusChanged)
	require.Len(t, changed, 1)
	assert.False(t, changed[0].Status.IsUp)
	assert.True(t, changed[0].Previous.IsUp)
	assert.Equal(t, "owner-1", changed[0].OwnerID)

	ingest(t, agg, observation("a", t0, withHTTP(true, 1)))
	assert.Len(t, bus.ofType(events.StatusChanged), 2)
	assert.Len(t, bus.ofType(events.StatusUpdated), 3)
}

func TestFirstStatusDownIsAChange(t *testing.T) {
	agg, bus := newTestAggregator(memory.New(), testConfig)

	ingest(t, agg, observation("a", t0, withPing(false)))

	assert.Len(t, bus.ofType(events.StatusChanged), 1)
}

func TestWindowLoadedFromStoreOnFirstTouch(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	for i, w := range []string{"a", "b"} {
		_, err := st.AppendObservation(ctx, observation(w, t0.Add(-time.Duration(i+1)*time.Second), withHTTP(false, 0)))
		require.NoError(t, err)
	}

	agg, _ := newTestAggregator(st, testConfig)
	ingest(t, agg, observation("c", t0, withHTTP(true, 1)))

	status := agg.sites["site-1"].status
	assert.Equal(t, 3, status.ContributingWorkerCount)
	assert.False(t, *status.HTTPIsUp, "two stored down votes outweigh one new up vote")
}

func TestPerWorkerCap(t *testing.T) {
	cfg := testConfig
	cfg.MaxObservationsPerWorker = 2
	agg, _ := newTestAggregator(memory.New(), cfg)

	ingest(t, agg, observation("a", t0.Add(-3*time.Minute), withHTTP(false, 0)))
	ingest(t, agg, observation("a", t0.Add(-2*time.Minute), withHTTP(true, 1)))
	ingest(t, agg, observation("a", t0.Add(-time.Minute), withHTTP(true, 1)))

	state := agg.sites["site-1"]
	require.Len(t, state.window, 2)
	assert.Equal(t, 100.0, *state.status.HTTPUptime)
}

type failingStore struct {
	*memory.Store
	failAppend bool
	failLoad   bool
	failSave   bool
}

func (f *failingStore) SaveStatus(ctx context.Context, status *core.ConsensusStatus) error {
	if f.failSave {
		return fmt.Errorf("save: %w", store.ErrUnavailable)
	}
	return f.Store.SaveStatus(ctx, status)
}

func (f *failingStore) AppendObservation(ctx context.Context, obs *core.Observation) (bool, error) {
	if f.failAppend {
		return false, fmt.Errorf("insert: %w", store.ErrUnavailable)
	}
	return f.Store.AppendObservation(ctx, obs)
}

func (f *failingStore) ListObservationsSince(ctx context.Context, siteID string, since time.Time) ([]*core.Observation, error) {
	if f.failLoad {
		return nil, fmt.Errorf("select: %w", store.ErrUnavailable)
	}
	return f.Store.ListObservationsSince(ctx, siteID, since)
}

func TestStoreFailuresAreRetriable(t *testing.T) {
	st := &failingStore{Store: memory.New(), failLoad: true}
	agg, bus := newTestAggregator(st, testConfig)

	_, err := agg.Ingest(context.Background(), observation("a", t0, withHTTP(true, 1)))
	assert.True(t, store.IsRetriable(err))

	st.failLoad = false
	st.failAppend = true
	_, err = agg.Ingest(context.Background(), observation("a", t0, withHTTP(true, 1)))
	assert.True(t, errors.Is(err, store.ErrUnavailable))
	assert.Empty(t, bus.events)

	st.failAppend = false
	assert.Equal(t, Accepted, ingest(t, agg, observation("a", t0, withHTTP(true, 1))))
}

func TestFailedSaveLeavesObservationRetriable(t *testing.T) {
	ctx := context.Background()
	st := &failingStore{Store: memory.New()}
	agg, bus := newTestAggregator(st, testConfig)

	ingest(t, agg, observation("a", t0.Add(-time.Minute), withHTTP(true, 1), withPing(true)))

	st.failSave = true
	_, err := agg.Ingest(ctx, observation("a", t0, withHTTP(false, 0), withPing(true)))
	require.Error(t, err)
	assert.True(t, store.IsRetriable(err))
	assert.Len(t, agg.sites["site-1"].window, 1)
	assert.True(t, agg.sites["site-1"].status.IsUp)
	assert.Empty(t, bus.ofType(events.StatusChanged))

	// The observation reached the store before the save failed, so the
	// retry is reported as a duplicate but still recomputes the status.
	st.failSave = false
	assert.Equal(t, Duplicate, ingest(t, agg, observation("a", t0, withHTTP(false, 0), withPing(true))))

	saved, err := st.GetStatus(ctx, "site-1")
	require.NoError(t, err)
	assert.False(t, saved.IsUp)
	assert.Equal(t, t0, saved.CheckedAt)
	assert.Len(t, agg.sites["site-1"].window, 2)
	assert.Len(t, bus.ofType(events.StatusChanged), 1)

	// A second replay is a no-op.
	assert.Equal(t, Duplicate, ingest(t, agg, observation("a", t0, withHTTP(false, 0), withPing(true))))
	assert.Len(t, bus.ofType(events.StatusUpdated), 2)
}

func TestFutureObservations(t *testing.T) {
	tests := []struct {
		name    string
		skew    time.Duration
		at      time.Time
		outcome Outcome
	}{
		{name: "within tolerance", skew: time.Minute, at: t0.Add(30 * time.Second), outcome: Accepted},
		{name: "at tolerance", skew: time.Minute, at: t0.Add(time.Minute), outcome: Accepted},
		{name: "beyond tolerance", skew: time.Minute, at: t0.Add(10 * time.Minute), outcome: Malformed},
		{name: "default tolerance", skew: 0, at: t0.Add(2 * time.Minute), outcome: Malformed},
		{name: "wider tolerance", skew: 5 * time.Minute, at: t0.Add(2 * time.Minute), outcome: Accepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig
			cfg.MaxClockSkew = tt.skew
			agg, _ := newTestAggregator(memory.New(), cfg)

			assert.Equal(t, tt.outcome, ingest(t, agg, observation("a", tt.at, withHTTP(true, 1))))
		})
	}
}

func TestFastClockWorkerCannotOutvoteOthers(t *testing.T) {
	st := memory.New()
	agg, _ := newTestAggregator(st, testConfig)

	assert.Equal(t, Malformed, ingest(t, agg, observation("skewed", t0.Add(10*time.Minute), withHTTP(true, 1), withPing(true))))
	assert.Equal(t, Accepted, ingest(t, agg, observation("b", t0, withHTTP(false, 0), withPing(false))))
	assert.Equal(t, Accepted, ingest(t, agg, observation("skewed", t0.Add(45*time.Second), withHTTP(true, 1), withPing(true))))
	assert.Equal(t, Accepted, ingest(t, agg, observation("c", t0, withHTTP(false, 0), withPing(false))))

	status, err := st.GetStatus(context.Background(), "site-1")
	require.NoError(t, err)
	assert.False(t, status.IsUp)
	assert.Equal(t, 3, status.ContributingWorkerCount)
	assert.Equal(t, t0, status.CheckedAt)
}

func TestConcurrentIngestSameSite(t *testing.T) {
	const workers = 32
	st := memory.New()
	agg, bus := newTestAggregator(st, testConfig)

	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obs := observation(fmt.Sprintf("w%02d", i), t0.Add(-time.Duration(i)*time.Second), withHTTP(true, 10), withPing(true))
			outcome, err := agg.Ingest(context.Background(), obs)
			assert.NoError(t, err)
			assert.Equal(t, Accepted, outcome)
		}()
	}
	wg.Wait()

	state := agg.sites["site-1"]
	assert.Len(t, state.window, workers)
	assert.Len(t, state.seen, workers)
	assert.Equal(t, workers, state.status.ContributingWorkerCount)
	assert.Len(t, bus.ofType(events.StatusUpdated), workers)

	saved, err := st.GetStatus(context.Background(), "site-1")
	require.NoError(t, err)
	assert.Equal(t, workers, saved.ContributingWorkerCount)
	assert.Equal(t, t0, saved.CheckedAt)
}

func TestConcurrentIngestAcrossSites(t *testing.T) {
	const perSite = 16
	sites := []string{"site-1", "site-2"}
	st := memory.New()
	agg, _ := newTestAggregator(st, testConfig)

	var wg sync.WaitGroup
	for _, siteID := range sites {
		for i := range perSite {
			wg.Add(1)
			go func() {
				defer wg.Done()
				obs := observation(fmt.Sprintf("w%02d", i), t0, withHTTP(siteID == "site-1", 10), withPing(true))
				obs.SiteID = siteID
				_, err := agg.Ingest(context.Background(), obs)
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	for _, siteID := range sites {
		saved, err := st.GetStatus(context.Background(), siteID)
		require.NoError(t, err)
		assert.Equal(t, perSite, saved.ContributingWorkerCount, siteID)
		assert.Len(t, agg.sites[siteID].window, perSite, siteID)
	}
	assert.True(t, agg.sites["site-1"].status.IsUp)
	assert.False(t, agg.sites["site-2"].status.IsUp)
}

func TestSitesAreIndependent(t *testing.T) {
	agg, _ := newTestAggregator(memory.New(), testConfig)

	down := observation("a", t0, withHTTP(false, 0))
	down.SiteID = "site-2"
	ingest(t, agg, down)
	ingest(t, agg, observation("a", t0, withHTTP(true, 1)))

	assert.True(t, agg.sites["site-1"].status.IsUp)
	assert.False(t, agg.sites["site-2"].status.IsUp)

	agg.Forget("site-2")
	_, ok := agg.sites["site-2"]
	assert.False(t, ok)
}
