// Package checks runs the probes of one monitoring cycle against a site.
package checks

import (
	"context"
	"sync"
	"time"

	"github.com/leozw/uptime-consensus/internal/config"
	"github.com/leozw/uptime-consensus/internal/core"
	"go.uber.org/zap"
)

// Request is one scheduled probe of a site.
type Request struct {
	Site                *core.Site
	IntervalSeconds     int
	AdvancedDiagnostics bool
}

// Recorder receives the outcome of every individual check.
type Recorder interface {
	RecordProbe(check string, up bool, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordProbe(string, bool, time.Duration) {}

type pinger interface {
	Ping(ctx context.Context, host string) *core.CheckResult
}

type whoisLooker interface {
	Lookup(ctx context.Context, domain string) *core.DomainResult
}

type Executor struct {
	workerID string
	region   string
	cfg      config.ProbeConfig
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time

	http   *HTTPChecker
	dns    *DNSChecker
	tcp    *TCPChecker
	ssl    *SSLChecker
	ping   pinger
	domain whoisLooker
}

func NewExecutor(worker config.WorkerConfig, cfg config.ProbeConfig, recorder Recorder, logger *zap.Logger) *Executor {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Executor{
		workerID: worker.ID,
		region:   worker.Region,
		cfg:      cfg,
		logger:   logger,
		recorder: recorder,
		now:      time.Now,
		http:     NewHTTPChecker(),
		dns:      NewDNSChecker(cfg.DNSServer),
		tcp:      NewTCPChecker(),
		ssl:      NewSSLChecker(),
		ping:     NewPingChecker(cfg.PrivilegedPing, logger),
		domain:   NewDomainChecker(cfg.WhoisTimeout),
	}
}

// Execute probes the site once. Every configured check runs concurrently
// under its own timeout; a failing check never prevents the others from
// being reported.
func (e *Executor) Execute(ctx context.Context, req Request) *core.Observation {
	site := req.Site
	obs := &core.Observation{
		SiteID:          site.ID,
		OwnerID:         site.OwnerID,
		WorkerID:        e.workerID,
		Region:          e.region,
		Timestamp:       core.NormalizeTimestamp(e.now()),
		IntervalSeconds: req.IntervalSeconds,
	}
	host := site.Host()

	var wg sync.WaitGroup
	// fn reports ok=false when the check produced no data.
	run := func(check string, timeout time.Duration, fn func(ctx context.Context) (up, ok bool)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checkCtx, cancel := withTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			if up, ok := fn(checkCtx); ok {
				e.recorder.RecordProbe(check, up, time.Since(start))
			}
		}()
	}

	run("http", e.cfg.HTTPTimeout, func(ctx context.Context) (bool, bool) {
		obs.HTTP = e.http.Check(ctx, site.URL)
		return obs.HTTP.IsUp, true
	})
	run("ping", e.cfg.PingTimeout, func(ctx context.Context) (bool, bool) {
		obs.Ping = e.ping.Ping(ctx, host)
		if obs.Ping == nil {
			return false, false
		}
		return obs.Ping.IsUp, true
	})
	run("dns", e.cfg.DNSTimeout, func(ctx context.Context) (bool, bool) {
		obs.DNS = e.dns.Check(ctx, host)
		return obs.DNS.IsUp, true
	})

	if len(site.TCPPorts) > 0 {
		obs.TCP = make([]core.TCPResult, len(site.TCPPorts))
		for i, port := range site.TCPPorts {
			run("tcp", e.cfg.TCPTimeout, func(ctx context.Context) (bool, bool) {
				obs.TCP[i] = e.tcp.Check(ctx, host, port)
				return obs.TCP[i].IsUp, true
			})
		}
	}

	if site.IsHTTPS() {
		run("ssl", e.cfg.SSLTimeout, func(ctx context.Context) (bool, bool) {
			obs.SSL = e.ssl.Check(ctx, site.URL)
			return obs.SSL.Valid, true
		})
	}

	if req.AdvancedDiagnostics {
		run("domain", e.cfg.WhoisTimeout, func(ctx context.Context) (bool, bool) {
			obs.Domain = e.domain.Lookup(ctx, host)
			return obs.Domain.Present, true
		})
	}

	wg.Wait()

	e.logger.Debug("Probe completed",
		zap.String("site_id", site.ID),
		zap.Bool("http_up", obs.HTTP.IsUp),
		zap.Bool("ping_up", obs.Ping != nil && obs.Ping.IsUp),
		zap.Bool("dns_up", obs.DNS.IsUp),
	)
	return obs
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
