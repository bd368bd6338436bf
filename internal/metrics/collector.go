package metrics

import (
	"net/http"
	"time"

	"github.com/leozw/uptime-consensus/internal/config"
	"github.com/leozw/uptime-consensus/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Collector struct {
	config   *config.MimirConfig
	registry *prometheus.Registry
	client   *http.Client
	logger   *zap.Logger

	// Probe metrics, recorded by workers
	probeDuration *prometheus.HistogramVec
	probesTotal   *prometheus.CounterVec

	// Consensus metrics
	observationsTotal   *prometheus.CounterVec
	siteUp              *prometheus.GaugeVec
	siteUptime          *prometheus.GaugeVec
	contributingWorkers *prometheus.GaugeVec
	responseTime        *prometheus.GaugeVec
	lastCheckTimestamp  *prometheus.GaugeVec

	// SSL and domain
	sslDaysUntilExpiry    *prometheus.GaugeVec
	sslCertValid          *prometheus.GaugeVec
	domainDaysUntilExpiry *prometheus.GaugeVec

	// Incidents
	incidentsTotal   *prometheus.CounterVec
	incidentsActive  *prometheus.GaugeVec
	incidentDuration *prometheus.HistogramVec

	// Notifications and reports
	notificationsSent   *prometheus.CounterVec
	notificationLatency *prometheus.HistogramVec
	reportsGenerated    *prometheus.CounterVec
	archiveWrites       *prometheus.CounterVec

	// Scheduler
	checksScheduled *prometheus.GaugeVec
	checksDropped   *prometheus.CounterVec
	checksQueueSize *prometheus.GaugeVec
	sweepDuration   *prometheus.HistogramVec
}

// NewCollector registers every metric on a registry of its own. worker
// labels the probe and scheduler series; it is empty in the API process.
func NewCollector(cfg config.MimirConfig, worker string, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	workerLabels := prometheus.Labels{"worker": worker}

	return &Collector{
		config:   &cfg,
		registry: reg,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,

		probeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "uptime_probe_duration_seconds",
				Help:        "Duration of individual probe checks in seconds",
				Buckets:     []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10},
				ConstLabels: workerLabels,
			},
			[]string{"check"},
		),

		probesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "uptime_probes_total",
				Help:        "Total number of probe checks performed",
				ConstLabels: workerLabels,
			},
			[]string{"check", "status"},
		),

		observationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uptime_observations_ingested_total",
				Help: "Observations received from workers by outcome",
			},
			[]string{"outcome"},
		),

		siteUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "uptime_site_up",
				Help: "Consensus availability of the site, up (1) or down (0)",
			},
			[]string{"tenant_id", "site_id"},
		),

		siteUptime: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "uptime_site_uptime_percentage",
				Help: "Rolling uptime percentage over the consensus window",
			},
			[]string{"tenant_id", "site_id", "check"},
		),

		contributingWorkers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "uptime_site_contributing_workers",
				Help: "Workers with a fresh vote in the last consensus",
			},
			[]string{"tenant_id", "site_id"},
		),

		responseTime: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "uptime_site_response_time_ms",
				Help: "Average HTTP response time across fresh workers",
			},
			[]string{"tenant_id", "site_id"},
		),

		lastCheckTimestamp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "uptime_site_last_check_timestamp",
				Help: "Unix time of the newest observation folded into the status",
			},
			[]string{"tenant_id", "site_id"},
		),

		sslDaysUntilExpiry: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ssl_cert_days_until_expiry",
				Help: "Days until SSL certificate expires",
			},
			[]string{"tenant_id", "site_id"},
		),

		sslCertValid: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ssl_cert_valid",
				Help: "Whether the SSL certificate is valid (1) or not (0)",
			},
			[]string{"tenant_id", "site_id"},
		),

		domainDaysUntilExpiry: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "domain_days_until_expiry",
				Help: "Days until domain registration expires",
			},
			[]string{"tenant_id", "site_id"},
		),

		incidentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uptime_incidents_total",
				Help: "Total number of incidents opened",
			},
			[]string{"tenant_id", "severity"},
		),

		incidentsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "uptime_incidents_active",
				Help: "Number of unresolved incidents",
			},
			[]string{"tenant_id"},
		),

		incidentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "uptime_incident_duration_minutes",
				Help:    "Duration of resolved incidents in minutes",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 240, 480, 1440},
			},
			[]string{"tenant_id"},
		),

		notificationsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uptime_notifications_total",
				Help: "Webhook notifications by event type and result",
			},
			[]string{"type", "status"},
		),

		notificationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "uptime_notification_latency_seconds",
				Help:    "Latency of webhook deliveries in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"type"},
		),

		reportsGenerated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uptime_reports_generated_total",
				Help: "Monthly reports built by result",
			},
			[]string{"status"},
		),

		archiveWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uptime_archive_writes_total",
				Help: "Status archive writes by result",
			},
			[]string{"status"},
		),

		checksScheduled: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "uptime_checks_scheduled",
				Help:        "Sites found due in the last sweep",
				ConstLabels: workerLabels,
			},
			[]string{},
		),

		checksDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "uptime_checks_dropped_total",
				Help:        "Due checks not enqueued because the work queue was full",
				ConstLabels: workerLabels,
			},
			[]string{},
		),

		checksQueueSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "uptime_checks_queue_size",
				Help:        "Probe requests waiting in the work queue",
				ConstLabels: workerLabels,
			},
			[]string{},
		),

		sweepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "uptime_sweep_duration_seconds",
				Help:        "Duration of scheduler sweeps in seconds",
				Buckets:     []float64{.001, .005, .01, .05, .1, .5, 1, 5},
				ConstLabels: workerLabels,
			},
			[]string{},
		),
	}
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func statusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (c *Collector) RecordProbe(check string, up bool, duration time.Duration) {
	c.probeDuration.WithLabelValues(check).Observe(duration.Seconds())
	status := "up"
	if !up {
		status = "down"
	}
	c.probesTotal.WithLabelValues(check, status).Inc()
}

func (c *Collector) RecordIngest(outcome string) {
	c.observationsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordConsensus(status *core.ConsensusStatus) {
	tenant, site := status.OwnerID, status.SiteID

	c.siteUp.WithLabelValues(tenant, site).Set(boolValue(status.IsUp))
	c.contributingWorkers.WithLabelValues(tenant, site).Set(float64(status.ContributingWorkerCount))
	if !status.CheckedAt.IsZero() {
		c.lastCheckTimestamp.WithLabelValues(tenant, site).Set(float64(status.CheckedAt.Unix()))
	}
	if status.AvgResponseTimeMs != nil {
		c.responseTime.WithLabelValues(tenant, site).Set(float64(*status.AvgResponseTimeMs))
	}

	for check, value := range map[string]*float64{
		"overall": status.OverallUptime,
		"http":    status.HTTPUptime,
		"ping":    status.PingUptime,
		"dns":     status.DNSUptime,
	} {
		if value == nil {
			c.siteUptime.DeleteLabelValues(tenant, site, check)
			continue
		}
		c.siteUptime.WithLabelValues(tenant, site, check).Set(*value)
	}

	if status.HasSSL {
		c.sslCertValid.WithLabelValues(tenant, site).Set(boolValue(status.SSLValid != nil && *status.SSLValid))
		if status.SSLDaysUntilExpiry != nil {
			c.sslDaysUntilExpiry.WithLabelValues(tenant, site).Set(float64(*status.SSLDaysUntilExpiry))
		}
	}
	if status.DomainDaysUntilExpiry != nil {
		c.domainDaysUntilExpiry.WithLabelValues(tenant, site).Set(float64(*status.DomainDaysUntilExpiry))
	}
}

// RemoveSite drops every per-site series of a deleted site.
func (c *Collector) RemoveSite(siteID string) {
	labels := prometheus.Labels{"site_id": siteID}
	for _, vec := range []*prometheus.GaugeVec{
		c.siteUp, c.siteUptime, c.contributingWorkers, c.responseTime,
		c.lastCheckTimestamp, c.sslDaysUntilExpiry, c.sslCertValid, c.domainDaysUntilExpiry,
	} {
		vec.DeletePartialMatch(labels)
	}
}

func (c *Collector) RecordIncidentOpened(incident *core.Incident) {
	c.incidentsTotal.WithLabelValues(incident.OwnerID, incident.Severity).Inc()
	c.incidentsActive.WithLabelValues(incident.OwnerID).Inc()
}

func (c *Collector) RecordIncidentResolved(incident *core.Incident) {
	c.incidentsActive.WithLabelValues(incident.OwnerID).Dec()
	c.incidentDuration.WithLabelValues(incident.OwnerID).Observe(float64(incident.DowntimeMinutes))
}

func (c *Collector) RecordNotification(eventType string, ok bool, latency time.Duration) {
	c.notificationsSent.WithLabelValues(eventType, statusLabel(ok)).Inc()
	c.notificationLatency.WithLabelValues(eventType).Observe(latency.Seconds())
}

func (c *Collector) RecordReport(ok bool) {
	c.reportsGenerated.WithLabelValues(statusLabel(ok)).Inc()
}

func (c *Collector) RecordArchive(ok bool) {
	c.archiveWrites.WithLabelValues(statusLabel(ok)).Inc()
}

func (c *Collector) RecordSweep(due, dropped int, duration time.Duration) {
	c.checksScheduled.WithLabelValues().Set(float64(due))
	c.checksDropped.WithLabelValues().Add(float64(dropped))
	c.sweepDuration.WithLabelValues().Observe(duration.Seconds())
}

func (c *Collector) SetQueueDepth(depth int) {
	c.checksQueueSize.WithLabelValues().Set(float64(depth))
}
