package scheduler

import (
	"context"
	"time"

	"github.com/leozw/uptime-consensus/internal/checks"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type probeWorker struct {
	id       int
	queue    <-chan checks.Request
	limiter  *rate.Limiter
	prober   Prober
	reporter Reporter
	logger   *zap.Logger
}

func newProbeWorker(id int, queue <-chan checks.Request, limiter *rate.Limiter, prober Prober, reporter Reporter, logger *zap.Logger) *probeWorker {
	return &probeWorker{
		id:       id,
		queue:    queue,
		limiter:  limiter,
		prober:   prober,
		reporter: reporter,
		logger:   logger.With(zap.Int("probe_worker", id)),
	}
}

func (w *probeWorker) Start(ctx context.Context) {
	w.logger.Debug("Probe worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Probe worker stopped")
			return
		case req, ok := <-w.queue:
			if !ok {
				return
			}
			w.process(ctx, req)
		}
	}
}

func (w *probeWorker) process(ctx context.Context, req checks.Request) {
	if err := w.limiter.Wait(ctx); err != nil {
		return
	}

	start := time.Now()
	obs := w.prober.Execute(ctx, req)

	if err := w.reporter.Report(ctx, obs); err != nil {
		w.logger.Error("Failed to report observation",
			zap.String("site_id", req.Site.ID),
			zap.Error(err),
		)
		return
	}

	w.logger.Debug("Check completed",
		zap.String("site_id", req.Site.ID),
		zap.Bool("http_up", obs.HTTP != nil && obs.HTTP.IsUp),
		zap.Duration("duration", time.Since(start)),
	)
}
