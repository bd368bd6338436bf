// Package notify delivers availability changes and monthly reports to the
// downstream notification and report services.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/leozw/uptime-consensus/internal/config"
	"github.com/leozw/uptime-consensus/internal/core"
	"github.com/leozw/uptime-consensus/internal/entitlement"
	"github.com/leozw/uptime-consensus/internal/events"
	"go.uber.org/zap"
)

type Store interface {
	GetSite(ctx context.Context, id string) (*core.Site, error)
	ListGrants(ctx context.Context, userID string) ([]entitlement.Grant, error)
}

type Recorder interface {
	RecordNotification(eventType string, ok bool, latency time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordNotification(string, bool, time.Duration) {}

// Payload is the JSON body posted to a webhook.
type Payload struct {
	Type         events.Type           `json:"type"`
	SiteID       string                `json:"siteId"`
	OwnerID      string                `json:"ownerId"`
	SiteName     string                `json:"siteName,omitempty"`
	SiteURL      string                `json:"siteUrl,omitempty"`
	IsUp         *bool                 `json:"isUp,omitempty"`
	PreviousIsUp *bool                 `json:"previousIsUp,omitempty"`
	Status       *core.ConsensusStatus `json:"status,omitempty"`
	Report       *core.MonthlyReport   `json:"report,omitempty"`
	OccurredAt   time.Time             `json:"occurredAt"`
}

type Dispatcher struct {
	store    Store
	cfg      config.NotifyConfig
	client   *http.Client
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

func NewDispatcher(st Store, cfg config.NotifyConfig, recorder Recorder, logger *zap.Logger) *Dispatcher {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		store:    st,
		cfg:      cfg,
		client:   &http.Client{Timeout: timeout},
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle is an events.Handler; run it behind events.Async.
func (d *Dispatcher) Handle(event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.client.Timeout)
	defer cancel()

	var err error
	switch event.Type {
	case events.StatusChanged:
		err = d.notifyStatusChange(ctx, event)
	case events.ReportDue:
		err = d.deliverReport(ctx, event)
	default:
		return
	}
	if err != nil {
		d.logger.Warn("Failed to deliver notification",
			zap.String("type", string(event.Type)),
			zap.String("site_id", event.SiteID),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) notifyStatusChange(ctx context.Context, event events.Event) error {
	if d.cfg.WebhookURL == "" {
		return nil
	}

	site, err := d.store.GetSite(ctx, event.SiteID)
	if err != nil {
		return fmt.Errorf("get site: %w", err)
	}
	if !site.NotificationsEnabled {
		return nil
	}
	grants, err := d.store.ListGrants(ctx, site.OwnerID)
	if err != nil {
		return fmt.Errorf("list grants: %w", err)
	}
	if !entitlement.IsFeatureActive(grants, entitlement.FeatureNotifications, d.now()) {
		d.logger.Debug("Notifications not entitled",
			zap.String("site_id", site.ID),
			zap.String("owner_id", site.OwnerID),
		)
		return nil
	}

	payload := Payload{
		Type:       event.Type,
		SiteID:     site.ID,
		OwnerID:    site.OwnerID,
		SiteName:   site.Name,
		SiteURL:    site.URL,
		Status:     event.Status,
		OccurredAt: event.OccurredAt,
	}
	if event.Status != nil {
		payload.IsUp = core.BoolPtr(event.Status.IsUp)
	}
	if event.Previous != nil {
		payload.PreviousIsUp = core.BoolPtr(event.Previous.IsUp)
	}
	return d.post(ctx, d.cfg.WebhookURL, payload)
}

func (d *Dispatcher) deliverReport(ctx context.Context, event events.Event) error {
	if d.cfg.ReportURL == "" || event.Report == nil {
		return nil
	}
	return d.post(ctx, d.cfg.ReportURL, Payload{
		Type:       event.Type,
		SiteID:     event.SiteID,
		OwnerID:    event.OwnerID,
		SiteName:   event.Report.SiteName,
		SiteURL:    event.Report.SiteURL,
		Report:     event.Report,
		OccurredAt: event.OccurredAt,
	})
}

func (d *Dispatcher) post(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		d.recorder.RecordNotification(string(payload.Type), false, time.Since(start))
		return err
	}
	defer resp.Body.Close()

	ok := resp.StatusCode/100 == 2
	d.recorder.RecordNotification(string(payload.Type), ok, time.Since(start))
	if !ok {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}

	d.logger.Info("Sending notification",
		zap.String("type", string(payload.Type)),
		zap.String("site_id", payload.SiteID),
	)
	return nil
}
