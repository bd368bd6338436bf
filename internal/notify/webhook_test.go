package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/leozw/uptime-consensus/internal/config"
	"github.com/leozw/uptime-consensus/internal/core"
	"github.com/leozw/uptime-consensus/internal/entitlement"
	"github.com/leozw/uptime-consensus/internal/events"
	"github.com/leozw/uptime-consensus/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type webhookSink struct {
	mu       sync.Mutex
	payloads map[string][]Payload
	server   *httptest.Server
}

func newSink(t *testing.T) *webhookSink {
	s := &webhookSink{payloads: make(map[string][]Payload)}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		s.mu.Lock()
		s.payloads[r.URL.Path] = append(s.payloads[r.URL.Path], p)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *webhookSink) received(path string) []Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloads[path]
}

func setup(t *testing.T, notifications bool, grantEnd time.Time) (*Dispatcher, *webhookSink) {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.CreateSite(ctx, &core.Site{
		ID: "site-1", OwnerID: "owner-1", Name: "Shop", URL: "https://shop.example.com", NotificationsEnabled: notifications,
	}))
	require.NoError(t, st.UpsertGrant(ctx, entitlement.Grant{UserID: "owner-1", Key: entitlement.FeatureNotifications, EndDate: grantEnd}))

	sink := newSink(t)
	d := NewDispatcher(st, config.NotifyConfig{
		WebhookURL: sink.server.URL + "/status",
		ReportURL:  sink.server.URL + "/reports",
		Timeout:    time.Second,
	}, nil, zap.NewNop())
	d.now = func() time.Time { return t0 }
	return d, sink
}

func changed() events.Event {
	return events.Event{
		Type:       events.StatusChanged,
		SiteID:     "site-1",
		OwnerID:    "owner-1",
		Status:     &core.ConsensusStatus{SiteID: "site-1", IsUp: false},
		Previous:   &core.ConsensusStatus{SiteID: "site-1", IsUp: true},
		OccurredAt: t0,
	}
}

func TestStatusChangeNotification(t *testing.T) {
	tests := []struct {
		name          string
		notifications bool
		grantEnd      time.Time
		want          int
	}{
		{"enabled and entitled", true, t0.Add(time.Hour), 1},
		{"disabled on site", false, t0.Add(time.Hour), 0},
		{"grant expired", true, t0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, sink := setup(t, tt.notifications, tt.grantEnd)

			d.Handle(changed())

			got := sink.received("/status")
			require.Len(t, got, tt.want)
			if tt.want > 0 {
				assert.Equal(t, "Shop", got[0].SiteName)
				assert.False(t, *got[0].IsUp)
				assert.True(t, *got[0].PreviousIsUp)
			}
		})
	}
}

func TestStatusUpdatesAreNotNotified(t *testing.T) {
	d, sink := setup(t, true, t0.Add(time.Hour))

	e := changed()
	e.Type = events.StatusUpdated
	d.Handle(e)

	assert.Empty(t, sink.received("/status"))
}

func TestReportDelivery(t *testing.T) {
	d, sink := setup(t, false, t0)

	d.Handle(events.Event{
		Type:    events.ReportDue,
		SiteID:  "site-1",
		OwnerID: "owner-1",
		Report:  &core.MonthlyReport{SiteID: "site-1", SiteName: "Shop", Samples: 10, UptimePercentage: core.Float64Ptr(99.9)},
	})

	got := sink.received("/reports")
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Report)
	assert.Equal(t, 10, got[0].Report.Samples)
	assert.Equal(t, 99.9, *got[0].Report.UptimePercentage)
}

func TestWebhookFailureIsReported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	d := NewDispatcher(nil, config.NotifyConfig{}, nil, zap.NewNop())
	err := d.post(context.Background(), server.URL, Payload{Type: events.ReportDue})

	assert.ErrorContains(t, err, "502")
}
