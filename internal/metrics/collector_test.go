package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/leozw/uptime-consensus/internal/config"
	"github.com/leozw/uptime-consensus/internal/core"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testStatus() *core.ConsensusStatus {
	avg := int64(120)
	days := 30
	return &core.ConsensusStatus{
		SiteID:                  "site-1",
		OwnerID:                 "tenant-a",
		IsUp:                    true,
		HTTPUptime:              core.Float64Ptr(99.5),
		OverallUptime:           core.Float64Ptr(99.5),
		CheckedAt:               time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
		ContributingWorkerCount: 3,
		AvgResponseTimeMs:       &avg,
		HasSSL:                  true,
		SSLValid:                core.BoolPtr(true),
		SSLDaysUntilExpiry:      &days,
	}
}

// gauges returns the gauge values of one family keyed by the joined label
// values.
func gauges(t *testing.T, c *Collector, name string) map[string]float64 {
	t.Helper()
	mfs, err := c.Registry().Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			values[labelKey(m)] = m.GetGauge().GetValue()
		}
	}
	return values
}

func labelKey(m *dto.Metric) string {
	parts := make([]string, 0, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		parts = append(parts, l.GetValue())
	}
	return strings.Join(parts, "/")
}

func TestRecordConsensus(t *testing.T) {
	c := NewCollector(config.MimirConfig{}, "", zap.NewNop())
	c.RecordConsensus(testStatus())

	assert.Equal(t, map[string]float64{"site-1/tenant-a": 1}, gauges(t, c, "uptime_site_up"))
	assert.Equal(t, map[string]float64{"site-1/tenant-a": 3}, gauges(t, c, "uptime_site_contributing_workers"))
	assert.Equal(t, map[string]float64{"site-1/tenant-a": 30}, gauges(t, c, "ssl_cert_days_until_expiry"))
	assert.Equal(t, map[string]float64{
		"http/site-1/tenant-a":    99.5,
		"overall/site-1/tenant-a": 99.5,
	}, gauges(t, c, "uptime_site_uptime_percentage"), "checks without data have no series")

	c.RemoveSite("site-1")
	assert.Empty(t, gauges(t, c, "uptime_site_up"))
	assert.Empty(t, gauges(t, c, "uptime_site_uptime_percentage"))
}

func TestHandlerExposesRegistry(t *testing.T) {
	c := NewCollector(config.MimirConfig{}, "worker-1", zap.NewNop())
	c.RecordProbe("http", true, 50*time.Millisecond)
	c.RecordIngest("accepted")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, `uptime_probes_total{check="http",status="up",worker="worker-1"} 1`)
	assert.Contains(t, body, `uptime_observations_ingested_total{outcome="accepted"} 1`)
}

func TestRemoteWriteGroupsByTenant(t *testing.T) {
	var mu sync.Mutex
	received := make(map[string][]prompb.TimeSeries)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/push", r.URL.Path)
		assert.Equal(t, "snappy", r.Header.Get("Content-Encoding"))

		compressed, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		data, err := snappy.Decode(nil, compressed)
		assert.NoError(t, err)
		var req prompb.WriteRequest
		assert.NoError(t, req.Unmarshal(data))

		mu.Lock()
		tenant := r.Header.Get("X-Scope-OrgID")
		received[tenant] = append(received[tenant], req.Timeseries...)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := NewCollector(config.MimirConfig{URL: server.URL, TenantHeader: "X-Scope-OrgID", BatchSize: 2}, "", zap.NewNop())
	c.RecordConsensus(testStatus())
	other := testStatus()
	other.OwnerID = "tenant-b"
	other.SiteID = "site-2"
	c.RecordConsensus(other)
	c.RecordIngest("accepted")

	require.NoError(t, c.writeToMimir(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	for tenant, series := range received {
		for _, ts := range series {
			var name, seriesTenant string
			for i, l := range ts.Labels {
				if i > 0 {
					assert.Less(t, ts.Labels[i-1].Name, l.Name, "labels are sorted")
				}
				switch l.Name {
				case "__name__":
					name = l.Value
				case tenantLabel:
					seriesTenant = l.Value
				}
			}
			assert.Equal(t, tenant, seriesTenant)
			assert.False(t, strings.HasPrefix(name, "uptime_observations"), "series without tenant stay local")
		}
	}
}

func TestRemoteWriteFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := NewCollector(config.MimirConfig{URL: server.URL, TenantHeader: "X-Scope-OrgID"}, "", zap.NewNop())
	c.RecordConsensus(testStatus())

	assert.Error(t, c.writeToMimir(context.Background()))
}
