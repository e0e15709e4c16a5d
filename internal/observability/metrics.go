package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the service's instruments: request latency and traffic,
// scan lifecycle counts, finding counts, observer connections, event
// throughput, and callback delivery.
type Metrics struct {
	meter metric.Meter

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	ScansTotal           metric.Int64Counter
	ScansFinished        metric.Int64Counter
	ScanDuration         metric.Float64Histogram
	ScansActive          metric.Int64Gauge
	VulnerabilitiesTotal metric.Int64Counter

	WSConnections   metric.Int64Gauge
	EventsPublished metric.Int64Counter
	BridgeDepth     metric.Int64Gauge

	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics registers all instruments against a Prometheus exporter
// and returns the scrape handler.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("scand")
	m := &Metrics{meter: meter}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}
	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}
	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total HTTP responses with status 4xx or 5xx"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ScansTotal, err = meter.Int64Counter(
		"scans_total",
		metric.WithDescription("Total scans created"),
	)
	if err != nil {
		return nil, nil, err
	}
	m.ScansFinished, err = meter.Int64Counter(
		"scans_finished_total",
		metric.WithDescription("Total scans reaching a terminal status"),
	)
	if err != nil {
		return nil, nil, err
	}
	m.ScanDuration, err = meter.Float64Histogram(
		"scan_duration_seconds",
		metric.WithDescription("Scan execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 300, 600, 1800, 3600, 7200, 14400),
	)
	if err != nil {
		return nil, nil, err
	}
	m.ScansActive, err = meter.Int64Gauge(
		"scans_active",
		metric.WithDescription("Scans currently running or stopping"),
	)
	if err != nil {
		return nil, nil, err
	}
	m.VulnerabilitiesTotal, err = meter.Int64Counter(
		"vulnerabilities_total",
		metric.WithDescription("Total vulnerability reports"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WSConnections, err = meter.Int64Gauge(
		"ws_connections",
		metric.WithDescription("Connected WebSocket observers"),
	)
	if err != nil {
		return nil, nil, err
	}
	m.EventsPublished, err = meter.Int64Counter(
		"events_published_total",
		metric.WithDescription("Total events published on the bridge"),
	)
	if err != nil {
		return nil, nil, err
	}
	m.BridgeDepth, err = meter.Int64Gauge(
		"bridge_depth",
		metric.WithDescription("Events waiting on the bridge"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}
	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Callbacks delivered"),
	)
	if err != nil {
		return nil, nil, err
	}
	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Callbacks failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}
	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Callbacks dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}
	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Events waiting in the dispatcher queue"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(methodAttr(method), pathAttr(path), statusAttr(statusCode))
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordScanCreated counts a new scan.
func (m *Metrics) RecordScanCreated() {
	m.ScansTotal.Add(context.Background(), 1)
}

// RecordScanFinished counts a terminal transition with its duration.
func (m *Metrics) RecordScanFinished(status string, duration time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(scanStatusAttr(status))
	m.ScansFinished.Add(ctx, 1, attrs)
	m.ScanDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordActiveScans records the current number of active scans.
func (m *Metrics) RecordActiveScans(n int64) {
	m.ScansActive.Record(context.Background(), n)
}

// RecordVulnerability counts one finding.
func (m *Metrics) RecordVulnerability(severity string) {
	m.VulnerabilitiesTotal.Add(context.Background(), 1, metric.WithAttributes(severityAttr(severity)))
}

// RecordWSConnections records the observer connection count.
func (m *Metrics) RecordWSConnections(n int64) {
	m.WSConnections.Record(context.Background(), n)
}

// RecordEventPublished counts one bridge event.
func (m *Metrics) RecordEventPublished(kind string) {
	m.EventsPublished.Add(context.Background(), 1, metric.WithAttributes(eventKindAttr(kind)))
}

// RecordBridgeDepth records the number of events queued on the bridge.
func (m *Metrics) RecordBridgeDepth(n int64) {
	m.BridgeDepth.Record(context.Background(), n)
}

// RecordDispatcherDelivered records one successful callback delivery.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a delivery failure.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped callback.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the queue depth.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
