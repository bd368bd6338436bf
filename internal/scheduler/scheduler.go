// Package scheduler decides which sites this worker probes and when.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leozw/uptime-consensus/internal/checks"
	"github.com/leozw/uptime-consensus/internal/config"
	"github.com/leozw/uptime-consensus/internal/core"
	"github.com/leozw/uptime-consensus/internal/entitlement"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Store is the read side the scheduler needs.
type Store interface {
	ListActiveSites(ctx context.Context) ([]*core.Site, error)
	ListGrants(ctx context.Context, userID string) ([]entitlement.Grant, error)
	LastObservationAt(ctx context.Context, siteID, workerID string) (time.Time, error)
}

type Prober interface {
	Execute(ctx context.Context, req checks.Request) *core.Observation
}

// Reporter delivers an observation to the aggregator.
type Reporter interface {
	Report(ctx context.Context, obs *core.Observation) error
}

type Recorder interface {
	RecordSweep(due, dropped int, duration time.Duration)
	SetQueueDepth(depth int)
}

type nopRecorder struct{}

func (nopRecorder) RecordSweep(int, int, time.Duration) {}
func (nopRecorder) SetQueueDepth(int)                   {}

// EffectiveIntervalSeconds is the interval a site is actually probed at:
// the requested interval raised to the fastest one the owner's active
// grants permit.
func EffectiveIntervalSeconds(requestedSeconds int, grants []entitlement.Grant, now time.Time) int {
	if requestedSeconds <= 0 {
		requestedSeconds = entitlement.BaselineIntervalSeconds
	}
	return max(requestedSeconds, entitlement.MinimumCheckIntervalSeconds(grants, now))
}

// IsDue reports whether a site last checked at lastChecked should be
// probed at now. A zero lastChecked means never checked.
func IsDue(lastChecked time.Time, intervalSeconds int, now time.Time) bool {
	if lastChecked.IsZero() {
		return true
	}
	return now.Sub(lastChecked) >= time.Duration(intervalSeconds)*time.Second
}

type Scheduler struct {
	store    Store
	prober   Prober
	reporter Reporter
	recorder Recorder
	logger   *zap.Logger
	cfg      config.SchedulerConfig
	workerID string
	limiter  *rate.Limiter
	now      func() time.Time

	queue chan checks.Request
	wg    sync.WaitGroup

	mu          sync.Mutex
	lastChecked map[string]time.Time
}

func NewScheduler(st Store, prober Prober, reporter Reporter, recorder Recorder, logger *zap.Logger, cfg config.SchedulerConfig, workerID string) *Scheduler {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}

	limit := rate.Inf
	burst := cfg.WorkerCount
	if cfg.ProbesPerSecond > 0 {
		limit = rate.Limit(cfg.ProbesPerSecond)
		burst = max(1, int(cfg.ProbesPerSecond))
	}

	return &Scheduler{
		store:       st,
		prober:      prober,
		reporter:    reporter,
		recorder:    recorder,
		logger:      logger,
		cfg:         cfg,
		workerID:    workerID,
		limiter:     rate.NewLimiter(limit, burst),
		now:         time.Now,
		queue:       make(chan checks.Request, cfg.QueueSize),
		lastChecked: make(map[string]time.Time),
	}
}

// Start runs sweeps and the probe pool until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting scheduler",
		zap.String("worker", s.workerID),
		zap.Int("worker_count", s.cfg.WorkerCount),
		zap.Duration("sweep_interval", s.cfg.SweepInterval),
	)

	for i := 0; i < s.cfg.WorkerCount; i++ {
		w := newProbeWorker(i, s.queue, s.limiter, s.prober, s.reporter, s.logger)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.Start(ctx)
		}()
	}

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping scheduler")
			close(s.queue)
			s.wg.Wait()
			return
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Scheduler) sweepAndLog(ctx context.Context) {
	if err := s.Sweep(ctx); err != nil {
		s.logger.Error("Sweep failed", zap.Error(err))
	}
}

// Sweep enqueues every active site that is due. Grants are read once per
// owner per sweep. A failed read skips only the sites it concerns; only a
// failure to list sites aborts the sweep.
func (s *Scheduler) Sweep(ctx context.Context) error {
	start := s.now()
	now := start

	sites, err := s.store.ListActiveSites(ctx)
	if err != nil {
		return fmt.Errorf("list active sites: %w", err)
	}

	grants := make(map[string][]entitlement.Grant)
	failedOwners := make(map[string]struct{})
	active := make(map[string]struct{}, len(sites))
	due, dropped := 0, 0

	for _, site := range sites {
		active[site.ID] = struct{}{}
		if _, failed := failedOwners[site.OwnerID]; failed {
			continue
		}

		ownerGrants, ok := grants[site.OwnerID]
		if !ok {
			ownerGrants, err = s.store.ListGrants(ctx, site.OwnerID)
			if err != nil {
				s.logger.Warn("Skipping owner sites, grants unavailable",
					zap.String("owner_id", site.OwnerID),
					zap.Error(err),
				)
				failedOwners[site.OwnerID] = struct{}{}
				continue
			}
			grants[site.OwnerID] = ownerGrants
		}

		last, err := s.lastCheckedAt(ctx, site.ID)
		if err != nil {
			s.logger.Warn("Skipping site, last check unknown",
				zap.String("site_id", site.ID),
				zap.Error(err),
			)
			continue
		}

		interval := EffectiveIntervalSeconds(site.CheckIntervalSeconds, ownerGrants, now)
		if !IsDue(last, interval, now) {
			continue
		}
		due++

		req := checks.Request{
			Site:                site,
			IntervalSeconds:     interval,
			AdvancedDiagnostics: entitlement.IsFeatureActive(ownerGrants, entitlement.FeatureAdvancedDiagnostics, now),
		}
		select {
		case s.queue <- req:
			s.markChecked(site.ID, now)
			s.logger.Debug("Scheduled check",
				zap.String("site_id", site.ID),
				zap.Int("interval_seconds", interval),
			)
		default:
			dropped++
			s.logger.Warn("Work queue full, retrying next sweep",
				zap.String("site_id", site.ID),
			)
		}
	}

	s.prune(active)
	s.recorder.RecordSweep(due, dropped, s.now().Sub(start))
	s.recorder.SetQueueDepth(len(s.queue))
	return nil
}

// lastCheckedAt is the later of this worker's last dispatch and its last
// stored observation. The store is consulted once per site per process.
func (s *Scheduler) lastCheckedAt(ctx context.Context, siteID string) (time.Time, error) {
	s.mu.Lock()
	last, ok := s.lastChecked[siteID]
	s.mu.Unlock()
	if ok {
		return last, nil
	}

	stored, err := s.store.LastObservationAt(ctx, siteID, s.workerID)
	if err != nil {
		return time.Time{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.lastChecked[siteID]; ok && current.After(stored) {
		return current, nil
	}
	s.lastChecked[siteID] = stored
	return stored, nil
}

func (s *Scheduler) markChecked(siteID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.After(s.lastChecked[siteID]) {
		s.lastChecked[siteID] = at
	}
}

func (s *Scheduler) prune(active map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.lastChecked {
		if _, ok := active[id]; !ok {
			delete(s.lastChecked, id)
		}
	}
}
