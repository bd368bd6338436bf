// Package incidents opens and resolves downtime incidents from consensus
// status updates.
package incidents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/uptime-consensus/internal/core"
	"github.com/leozw/uptime-consensus/internal/events"
	"github.com/leozw/uptime-consensus/internal/store"
	"go.uber.org/zap"
)

type Recorder interface {
	RecordIncidentOpened(incident *core.Incident)
	RecordIncidentResolved(incident *core.Incident)
}

type nopRecorder struct{}

func (nopRecorder) RecordIncidentOpened(*core.Incident)   {}
func (nopRecorder) RecordIncidentResolved(*core.Incident) {}

type Service struct {
	store    store.IncidentStore
	logger   *zap.Logger
	recorder Recorder
	timeout  time.Duration
}

func NewService(st store.IncidentStore, recorder Recorder, logger *zap.Logger) *Service {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Service{
		store:    st,
		logger:   logger,
		recorder: recorder,
		timeout:  10 * time.Second,
	}
}

// Handle is an events.Handler. Run it behind events.Async: it touches the
// store.
func (s *Service) Handle(event events.Event) {
	if event.Type != events.StatusUpdated {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.Process(ctx, event.Status); err != nil {
		s.logger.Error("Failed to process incident",
			zap.String("site_id", event.SiteID),
			zap.Error(err),
		)
	}
}

// Process opens an incident when a site goes down, extends it while the
// site stays down and resolves it once the site is back up.
func (s *Service) Process(ctx context.Context, status *core.ConsensusStatus) error {
	active, err := s.store.GetActiveIncident(ctx, status.SiteID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to get active incident: %w", err)
	}

	switch {
	case !status.IsUp && active == nil:
		incident := &core.Incident{
			ID:             uuid.New().String(),
			SiteID:         status.SiteID,
			OwnerID:        status.OwnerID,
			StartedAt:      status.CheckedAt,
			Severity:       determineSeverity(status),
			AffectedChecks: 1,
			Cause:          describeCause(status),
		}
		if err := s.store.CreateIncident(ctx, incident); err != nil {
			return fmt.Errorf("failed to create incident: %w", err)
		}
		s.recorder.RecordIncidentOpened(incident)
		s.logger.Info("Created new incident",
			zap.String("incident_id", incident.ID),
			zap.String("site_id", incident.SiteID),
			zap.String("cause", incident.Cause),
		)

	case !status.IsUp:
		active.AffectedChecks++
		active.DowntimeMinutes = minutesBetween(active.StartedAt, status.CheckedAt)
		if severity := determineSeverity(status); severity == core.SeverityCritical {
			active.Severity = severity
		}
		if err := s.store.UpdateIncident(ctx, active); err != nil {
			return fmt.Errorf("failed to update incident: %w", err)
		}

	case active != nil:
		resolvedAt := status.CheckedAt
		active.ResolvedAt = &resolvedAt
		active.DowntimeMinutes = minutesBetween(active.StartedAt, resolvedAt)
		if err := s.store.UpdateIncident(ctx, active); err != nil {
			return fmt.Errorf("failed to resolve incident: %w", err)
		}
		s.recorder.RecordIncidentResolved(active)
		s.logger.Info("Resolved incident",
			zap.String("incident_id", active.ID),
			zap.String("site_id", active.SiteID),
			zap.Int("downtime_minutes", active.DowntimeMinutes),
		)
	}
	return nil
}

func (s *Service) ListIncidents(ctx context.Context, siteID string, limit int) ([]*core.Incident, error) {
	return s.store.ListIncidentsBySite(ctx, siteID, limit)
}

// determineSeverity is critical when HTTP or ping is down and a warning when
// only DNS decided the outage.
func determineSeverity(status *core.ConsensusStatus) string {
	if isDown(status.HTTPIsUp) || isDown(status.PingIsUp) {
		return core.SeverityCritical
	}
	return core.SeverityWarning
}

func describeCause(status *core.ConsensusStatus) string {
	var down []string
	if isDown(status.HTTPIsUp) {
		down = append(down, "http")
	}
	if isDown(status.PingIsUp) {
		down = append(down, "ping")
	}
	if isDown(status.DNSIsUp) {
		down = append(down, "dns")
	}
	if len(down) == 0 {
		return "no data"
	}
	return strings.Join(down, ", ") + " down"
}

func isDown(v *bool) bool {
	return v != nil && !*v
}

func minutesBetween(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	return int(to.Sub(from).Minutes())
}
