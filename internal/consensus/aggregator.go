package consensus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/leozw/uptime-consensus/internal/config"
	"github.com/leozw/uptime-consensus/internal/core"
	"github.com/leozw/uptime-consensus/internal/events"
	"github.com/leozw/uptime-consensus/internal/store"
	"go.uber.org/zap"
)

type Outcome string

const (
	Accepted  Outcome = "accepted"
	Duplicate Outcome = "duplicate"
	Stale     Outcome = "stale"
	Malformed Outcome = "malformed"
)

// Store is the persistence the aggregator needs.
type Store interface {
	store.ObservationStore
	GetStatus(ctx context.Context, siteID string) (*core.ConsensusStatus, error)
	SaveStatus(ctx context.Context, status *core.ConsensusStatus) error
}

// Recorder receives ingestion outcomes and recomputed statuses.
type Recorder interface {
	RecordIngest(outcome string)
	RecordConsensus(status *core.ConsensusStatus)
}

type nopRecorder struct{}

func (nopRecorder) RecordIngest(string)                   {}
func (nopRecorder) RecordConsensus(*core.ConsensusStatus) {}

// DefaultMaxClockSkew is how far ahead of the local clock an observation
// may be stamped before it is rejected.
const DefaultMaxClockSkew = time.Minute

// siteState is the in-memory window of one site. Its mutex serializes all
// ingestion for the site.
type siteState struct {
	mu      sync.Mutex
	loaded  bool
	ownerID string
	window  []*core.Observation
	seen    map[core.ObservationKey]struct{}
	status  *core.ConsensusStatus
}

type Aggregator struct {
	store    Store
	bus      events.Publisher
	recorder Recorder
	logger   *zap.Logger
	cfg      config.ConsensusConfig
	now      func() time.Time

	mu    sync.Mutex
	sites map[string]*siteState
}

func NewAggregator(st Store, bus events.Publisher, recorder Recorder, logger *zap.Logger, cfg config.ConsensusConfig) *Aggregator {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Aggregator{
		store:    st,
		bus:      bus,
		recorder: recorder,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		sites:    make(map[string]*siteState),
	}
}

func (a *Aggregator) state(siteID string) *siteState {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.sites[siteID]
	if !ok {
		st = &siteState{seen: make(map[core.ObservationKey]struct{})}
		a.sites[siteID] = st
	}
	return st
}

// Forget drops the in-memory window of a deleted site.
func (a *Aggregator) Forget(siteID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sites, siteID)
}

// Ingest folds one observation into its site's status. Rejected
// observations are reported through the outcome; an error is only returned
// when the store fails, and is retriable when the store says so.
func (a *Aggregator) Ingest(ctx context.Context, obs *core.Observation) (Outcome, error) {
	outcome, err := a.ingest(ctx, obs)
	if err == nil {
		a.recorder.RecordIngest(string(outcome))
	}
	return outcome, err
}

func (a *Aggregator) ingest(ctx context.Context, obs *core.Observation) (Outcome, error) {
	if err := obs.Validate(); err != nil {
		a.logger.Warn("Dropping malformed observation",
			zap.String("site_id", obs.SiteID),
			zap.String("worker_id", obs.WorkerID),
			zap.Error(err),
		)
		return Malformed, nil
	}
	obs.Timestamp = core.NormalizeTimestamp(obs.Timestamp)

	now := a.now()
	if obs.Timestamp.After(now.Add(a.clockSkew())) {
		a.logger.Warn("Dropping observation from the future",
			zap.String("site_id", obs.SiteID),
			zap.String("worker_id", obs.WorkerID),
			zap.Time("timestamp", obs.Timestamp),
			zap.Time("now", now),
		)
		return Malformed, nil
	}
	cutoff := now.Add(-a.cfg.Window)
	if obs.Timestamp.Before(cutoff) {
		a.logger.Debug("Dropping observation older than window",
			zap.String("site_id", obs.SiteID),
			zap.String("worker_id", obs.WorkerID),
			zap.Time("timestamp", obs.Timestamp),
		)
		return Stale, nil
	}

	st := a.state(obs.SiteID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := a.load(ctx, st, obs.SiteID, cutoff); err != nil {
		return "", err
	}

	key := obs.Key()
	if _, dup := st.seen[key]; dup {
		a.logger.Debug("Ignoring duplicate observation",
			zap.String("site_id", obs.SiteID),
			zap.String("worker_id", obs.WorkerID),
		)
		return Duplicate, nil
	}

	inserted, err := a.store.AppendObservation(ctx, obs)
	if err != nil {
		return "", fmt.Errorf("append observation: %w", err)
	}
	outcome := Accepted
	if !inserted {
		// Another instance stored it first; it still belongs in our window.
		outcome = Duplicate
	}

	// The site state only changes once the status is saved, so a failed
	// save leaves the observation retriable.
	ownerID := st.ownerID
	if obs.OwnerID != "" {
		ownerID = obs.OwnerID
	}
	window, dropped := st.candidate(obs, cutoff, a.cfg.MaxObservationsPerWorker)

	previous := st.status
	next := Compute(obs.SiteID, ownerID, window, previous, Params{
		FreshnessFactor:  a.cfg.FreshnessFactor,
		DefaultFreshness: a.cfg.DefaultFreshness,
		Now:              now,
	})

	if err := a.store.SaveStatus(ctx, next); err != nil {
		return "", fmt.Errorf("save status: %w", err)
	}
	st.commit(obs, ownerID, window, dropped, next)

	a.recorder.RecordConsensus(next)
	a.publish(previous, next, now)

	return outcome, nil
}

func (a *Aggregator) clockSkew() time.Duration {
	if a.cfg.MaxClockSkew > 0 {
		return a.cfg.MaxClockSkew
	}
	return DefaultMaxClockSkew
}

// load fills the window from the store on the first touch of a site.
func (a *Aggregator) load(ctx context.Context, st *siteState, siteID string, cutoff time.Time) error {
	if st.loaded {
		return nil
	}

	observations, err := a.store.ListObservationsSince(ctx, siteID, cutoff)
	if err != nil {
		return fmt.Errorf("load window: %w", err)
	}
	status, err := a.store.GetStatus(ctx, siteID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load status: %w", err)
	}

	for _, obs := range observations {
		if obs.OwnerID != "" {
			st.ownerID = obs.OwnerID
		}
		st.insert(obs)
	}
	if status != nil {
		st.status = status
		if st.ownerID == "" {
			st.ownerID = status.OwnerID
		}
	}
	st.loaded = true

	a.logger.Debug("Loaded site window",
		zap.String("site_id", siteID),
		zap.Int("observations", len(st.window)),
	)
	return nil
}

func (a *Aggregator) publish(previous, next *core.ConsensusStatus, now time.Time) {
	if a.bus == nil {
		return
	}

	a.bus.Publish(events.Event{
		Type:       events.StatusUpdated,
		SiteID:     next.SiteID,
		OwnerID:    next.OwnerID,
		Status:     next.Clone(),
		Previous:   previous.Clone(),
		OccurredAt: now,
	})

	changed := (previous == nil && !next.IsUp) || (previous != nil && previous.IsUp != next.IsUp)
	if !changed {
		return
	}

	a.logger.Info("Site availability changed",
		zap.String("site_id", next.SiteID),
		zap.Bool("is_up", next.IsUp),
		zap.Int("workers", next.ContributingWorkerCount),
	)
	a.bus.Publish(events.Event{
		Type:       events.StatusChanged,
		SiteID:     next.SiteID,
		OwnerID:    next.OwnerID,
		Status:     next.Clone(),
		Previous:   previous.Clone(),
		OccurredAt: now,
	})
}

func less(a, b *core.Observation) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.WorkerID < b.WorkerID
	}
	return a.Timestamp.Before(b.Timestamp)
}

// insert keeps the window ordered by (Timestamp, WorkerID). It is only used
// while loading, before any status has been computed.
func (st *siteState) insert(obs *core.Observation) {
	key := obs.Key()
	if _, dup := st.seen[key]; dup {
		return
	}
	st.seen[key] = struct{}{}
	st.window = insertSorted(st.window, obs)
}

func insertSorted(window []*core.Observation, obs *core.Observation) []*core.Observation {
	i := sort.Search(len(window), func(i int) bool { return less(obs, window[i]) })
	window = append(window, nil)
	copy(window[i+1:], window[i:])
	window[i] = obs
	return window
}

// candidate returns a new window holding the current one plus obs, minus
// observations older than cutoff and the oldest of any worker holding more
// than perWorker entries. The current window is left untouched; dropped
// lists what commit must forget.
func (st *siteState) candidate(obs *core.Observation, cutoff time.Time, perWorker int) (window, dropped []*core.Observation) {
	merged := make([]*core.Observation, len(st.window), len(st.window)+1)
	copy(merged, st.window)
	merged = insertSorted(merged, obs)

	counts := make(map[string]int)
	for _, o := range merged {
		if !o.Timestamp.Before(cutoff) {
			counts[o.WorkerID]++
		}
	}

	window = merged[:0]
	for _, o := range merged {
		drop := o.Timestamp.Before(cutoff)
		if !drop && perWorker > 0 && counts[o.WorkerID] > perWorker {
			counts[o.WorkerID]--
			drop = true
		}
		if drop {
			dropped = append(dropped, o)
			continue
		}
		window = append(window, o)
	}
	return window, dropped
}

func (st *siteState) commit(obs *core.Observation, ownerID string, window, dropped []*core.Observation, status *core.ConsensusStatus) {
	st.seen[obs.Key()] = struct{}{}
	for _, o := range dropped {
		delete(st.seen, o.Key())
	}
	st.window = window
	st.ownerID = ownerID
	st.status = status
}
