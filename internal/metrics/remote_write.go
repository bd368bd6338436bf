package metrics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/golang/snappy"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"go.uber.org/zap"
)

const tenantLabel = "tenant_id"

// StartRemoteWrite pushes tenant-labelled series to Mimir every flush
// interval until ctx is cancelled.
func (c *Collector) StartRemoteWrite(ctx context.Context) {
	if c.config.URL == "" {
		c.logger.Info("Mimir remote write disabled")
		return
	}

	interval := c.config.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeToMimir(ctx); err != nil {
				c.logger.Warn("Remote write failed", zap.Error(err))
			}
		}
	}
}

func (c *Collector) writeToMimir(ctx context.Context) error {
	mfs, err := c.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	byTenant := metricsToSeries(mfs, time.Now())

	batchSize := c.config.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	for tenantID, series := range byTenant {
		for i := 0; i < len(series); i += batchSize {
			end := min(i+batchSize, len(series))
			if err := c.sendBatch(ctx, tenantID, series[i:end]); err != nil {
				return fmt.Errorf("failed to send batch for tenant %s: %w", tenantID, err)
			}
		}
	}
	return nil
}

// metricsToSeries converts gathered families into remote-write series
// grouped by tenant. Series without a tenant label are only exposed on
// /metrics.
func metricsToSeries(mfs []*dto.MetricFamily, now time.Time) map[string][]prompb.TimeSeries {
	ts := now.UnixMilli()
	byTenant := make(map[string][]prompb.TimeSeries)

	for _, mf := range mfs {
		for _, m := range mf.Metric {
			var tenantID string
			labels := make([]prompb.Label, 0, len(m.Label)+2)
			for _, l := range m.Label {
				if l.GetName() == tenantLabel {
					tenantID = l.GetValue()
				}
				labels = append(labels, prompb.Label{Name: l.GetName(), Value: l.GetValue()})
			}
			if tenantID == "" {
				continue
			}

			add := func(name string, value float64, extra ...prompb.Label) {
				series := make([]prompb.Label, 0, len(labels)+len(extra)+1)
				series = append(series, labels...)
				series = append(series, extra...)
				series = append(series, prompb.Label{Name: "__name__", Value: name})
				sort.Slice(series, func(i, j int) bool { return series[i].Name < series[j].Name })
				byTenant[tenantID] = append(byTenant[tenantID], prompb.TimeSeries{
					Labels:  series,
					Samples: []prompb.Sample{{Value: value, Timestamp: ts}},
				})
			}

			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				add(mf.GetName(), m.Counter.GetValue())
			case dto.MetricType_GAUGE:
				add(mf.GetName(), m.Gauge.GetValue())
			case dto.MetricType_HISTOGRAM:
				hist := m.Histogram
				for _, bucket := range hist.Bucket {
					le := prompb.Label{Name: "le", Value: strconv.FormatFloat(bucket.GetUpperBound(), 'g', -1, 64)}
					add(mf.GetName()+"_bucket", float64(bucket.GetCumulativeCount()), le)
				}
				add(mf.GetName()+"_bucket", float64(hist.GetSampleCount()), prompb.Label{Name: "le", Value: "+Inf"})
				add(mf.GetName()+"_sum", hist.GetSampleSum())
				add(mf.GetName()+"_count", float64(hist.GetSampleCount()))
			}
		}
	}
	return byTenant
}

func (c *Collector) sendBatch(ctx context.Context, tenantID string, series []prompb.TimeSeries) error {
	req := &prompb.WriteRequest{Timeseries: series}
	data, err := req.Marshal()
	if err != nil {
		return err
	}
	compressed := snappy.Encode(nil, data)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL+"/api/v1/push", bytes.NewReader(compressed))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	httpReq.Header.Set(c.config.TenantHeader, tenantID)
	if c.config.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("remote write failed: %s", resp.Status)
	}
	return nil
}
