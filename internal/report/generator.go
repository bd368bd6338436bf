// Package report builds monthly availability reports from status history and
// hands them to the report service on each site's chosen day and hour.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/leozw/uptime-consensus/internal/config"
	"github.com/leozw/uptime-consensus/internal/core"
	"github.com/leozw/uptime-consensus/internal/entitlement"
	"github.com/leozw/uptime-consensus/internal/events"
	"github.com/leozw/uptime-consensus/internal/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const historyPageSize = 1000

type Store interface {
	store.RetentionStore
	ListActiveSites(ctx context.Context) ([]*core.Site, error)
	ListGrants(ctx context.Context, userID string) ([]entitlement.Grant, error)
	ListStatusHistory(ctx context.Context, siteID string, since time.Time, afterSeq int64, limit int) ([]store.Snapshot, error)
	CountIncidentsBetween(ctx context.Context, siteID string, from, to time.Time) (int, error)
}

type Recorder interface {
	RecordReport(ok bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordReport(bool) {}

type Generator struct {
	store     Store
	bus       events.Publisher
	recorder  Recorder
	logger    *zap.Logger
	schedule  string
	reports   bool
	retention time.Duration
	now       func() time.Time
}

func NewGenerator(st Store, bus events.Publisher, recorder Recorder, logger *zap.Logger, cfg config.ReportsConfig) *Generator {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "0 * * * *"
	}
	return &Generator{
		store:     st,
		bus:       bus,
		recorder:  recorder,
		logger:    logger,
		schedule:  schedule,
		reports:   cfg.Enabled,
		retention: cfg.Retention,
		now:       time.Now,
	}
}

// Start runs the retention sweep, and RunDue when reports are enabled, on
// the cron schedule until ctx is cancelled.
func (g *Generator) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	jobs := []func(context.Context) error{g.Prune}
	if g.reports {
		jobs = append(jobs, g.RunDue)
	}
	if _, err := c.AddFunc(g.schedule, func() {
		for _, job := range jobs {
			if err := job(ctx); err != nil {
				g.logger.Error("Scheduled report job failed", zap.Error(err))
			}
		}
	}); err != nil {
		return fmt.Errorf("invalid report schedule %q: %w", g.schedule, err)
	}

	g.logger.Info("Report scheduler started",
		zap.String("schedule", g.schedule),
		zap.Bool("reports", g.reports),
		zap.Duration("retention", g.retention),
	)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunDue publishes the previous month's report for every site whose report
// day and hour match the current UTC time and whose owner holds the
// monthly reports feature.
func (g *Generator) RunDue(ctx context.Context) error {
	now := g.now().UTC()

	sites, err := g.store.ListActiveSites(ctx)
	if err != nil {
		return fmt.Errorf("list sites: %w", err)
	}

	periodStart, periodEnd := PreviousMonth(now)
	entitled := make(map[string]bool)
	for _, site := range sites {
		if !site.MonthlyReport || site.ReportDay != now.Day() || site.ReportHour != now.Hour() {
			continue
		}

		ok, seen := entitled[site.OwnerID]
		if !seen {
			grants, err := g.store.ListGrants(ctx, site.OwnerID)
			if err != nil {
				g.logger.Warn("Skipping reports, grants unavailable",
					zap.String("owner_id", site.OwnerID),
					zap.Error(err),
				)
				continue
			}
			ok = entitlement.IsFeatureActive(grants, entitlement.FeatureMonthlyReports, now)
			entitled[site.OwnerID] = ok
		}
		if !ok {
			continue
		}

		report, err := g.Build(ctx, site, periodStart, periodEnd)
		g.recorder.RecordReport(err == nil)
		if err != nil {
			g.logger.Error("Failed to build monthly report",
				zap.String("site_id", site.ID),
				zap.Error(err),
			)
			continue
		}

		g.bus.Publish(events.Event{
			Type:       events.ReportDue,
			SiteID:     site.ID,
			OwnerID:    site.OwnerID,
			Report:     report,
			OccurredAt: now,
		})
		g.logger.Info("Monthly report generated",
			zap.String("site_id", site.ID),
			zap.Int("samples", report.Samples),
		)
	}
	return nil
}

// RetentionCutoff is the instant before which observations and status
// history may be deleted. It never cuts into the period the next monthly
// report reads.
func (g *Generator) RetentionCutoff() time.Time {
	now := g.now().UTC()
	periodStart, _ := PreviousMonth(now)
	if g.retention <= 0 {
		return periodStart
	}
	return minTime(now.Add(-g.retention), periodStart)
}

// Prune deletes observations and status history older than the retention
// cutoff.
func (g *Generator) Prune(ctx context.Context) error {
	cutoff := g.RetentionCutoff()

	observations, err := g.store.PruneObservations(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune observations: %w", err)
	}
	history, err := g.store.PruneStatusHistory(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune status history: %w", err)
	}

	g.logger.Info("Retention sweep completed",
		zap.Time("cutoff", cutoff),
		zap.Int64("observations", observations),
		zap.Int64("history", history),
	)
	return nil
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// PreviousMonth returns the UTC bounds [start, end) of the calendar month
// before the one containing now.
func PreviousMonth(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	end := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return end.AddDate(0, -1, 0), end
}

// Build summarizes the status snapshots of site checked in [from, to).
func (g *Generator) Build(ctx context.Context, site *core.Site, from, to time.Time) (*core.MonthlyReport, error) {
	report := &core.MonthlyReport{
		SiteID:      site.ID,
		OwnerID:     site.OwnerID,
		SiteName:    site.Name,
		SiteURL:     site.URL,
		PeriodStart: from,
		PeriodEnd:   to,
	}

	var (
		afterSeq      int64
		up            int
		responseSum   int64
		responseCount int64
		downSince     time.Time
		inDowntime    bool
		downtime      time.Duration
	)

	for {
		page, err := g.store.ListStatusHistory(ctx, site.ID, from, afterSeq, historyPageSize)
		if err != nil {
			return nil, fmt.Errorf("list status history: %w", err)
		}

		for _, snap := range page {
			afterSeq = snap.Seq
			s := snap.Status
			if !s.CheckedAt.Before(to) {
				continue
			}

			report.Samples++
			if s.IsUp {
				up++
			}
			if s.AvgResponseTimeMs != nil {
				responseSum += *s.AvgResponseTimeMs
				responseCount++
			}

			switch {
			case !s.IsUp && !inDowntime:
				inDowntime = true
				downSince = s.CheckedAt
			case s.IsUp && inDowntime:
				inDowntime = false
				downtime += s.CheckedAt.Sub(downSince)
			}
		}
		if len(page) < historyPageSize {
			break
		}
	}

	// Still down at the end of the period.
	if inDowntime {
		downtime += to.Sub(downSince)
	}

	if report.Samples > 0 {
		report.UptimePercentage = core.Float64Ptr(float64(up) / float64(report.Samples) * 100)
	}
	if responseCount > 0 {
		avg := responseSum / responseCount
		report.AvgResponseTimeMs = &avg
	}
	report.DowntimeMinutes = int(downtime.Minutes())

	incidents, err := g.store.CountIncidentsBetween(ctx, site.ID, from, to)
	if err != nil {
		return nil, fmt.Errorf("count incidents: %w", err)
	}
	report.Incidents = incidents
	return report, nil
}
