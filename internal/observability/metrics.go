// Package observability wires application metrics through OpenTelemetry
// with a Prometheus exporter, covering the four golden signals for the HTTP
// surface, the worker pool and the log path.
package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application instruments.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (latency, traffic, errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (latency, traffic, errors, saturation)
	JobsSubmitted metric.Int64Counter
	JobsActive    metric.Int64UpDownCounter
	JobDuration   metric.Float64Histogram
	JobsFailed    metric.Int64Counter
	QueueDepth    metric.Int64Gauge

	// Log path metrics
	LogEntriesTotal    metric.Int64Counter
	LogSubscribers     metric.Int64UpDownCounter
	SubscribersDropped metric.Int64Counter

	// Webhook metrics
	NotifyDuration  metric.Float64Histogram
	NotifyDelivered metric.Int64Counter
	NotifyFailed    metric.Int64Counter
	NotifyDropped   metric.Int64Counter
}

// NewMetrics creates and registers all instruments with a Prometheus
// exporter, returning the handler to mount on the metrics port.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("jobsengine")
	m := &Metrics{meter: meter}

	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, nil, err
	}
	if m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, nil, err
	}
	if m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	); err != nil {
		return nil, nil, err
	}

	if m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of jobs accepted for execution"),
	); err != nil {
		return nil, nil, err
	}
	if m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of currently running jobs (saturation)"),
	); err != nil {
		return nil, nil, err
	}
	if m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Job execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800),
	); err != nil {
		return nil, nil, err
	}
	if m.JobsFailed, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of jobs that terminated failed"),
	); err != nil {
		return nil, nil, err
	}
	if m.QueueDepth, err = meter.Int64Gauge(
		"pool_queue_depth",
		metric.WithDescription("Current number of jobs waiting in the pending queue (saturation)"),
	); err != nil {
		return nil, nil, err
	}

	if m.LogEntriesTotal, err = meter.Int64Counter(
		"log_entries_total",
		metric.WithDescription("Total log entries persisted and broadcast"),
	); err != nil {
		return nil, nil, err
	}
	if m.LogSubscribers, err = meter.Int64UpDownCounter(
		"log_subscribers",
		metric.WithDescription("Currently attached live log subscribers"),
	); err != nil {
		return nil, nil, err
	}
	if m.SubscribersDropped, err = meter.Int64Counter(
		"log_subscribers_dropped_total",
		metric.WithDescription("Subscribers dropped for falling behind the per-subscriber buffer"),
	); err != nil {
		return nil, nil, err
	}

	if m.NotifyDuration, err = meter.Float64Histogram(
		"notify_duration_seconds",
		metric.WithDescription("Webhook delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, nil, err
	}
	if m.NotifyDelivered, err = meter.Int64Counter(
		"notify_delivered_total",
		metric.WithDescription("Webhooks successfully delivered"),
	); err != nil {
		return nil, nil, err
	}
	if m.NotifyFailed, err = meter.Int64Counter(
		"notify_failed_total",
		metric.WithDescription("Webhooks failed after retries"),
	); err != nil {
		return nil, nil, err
	}
	if m.NotifyDropped, err = meter.Int64Counter(
		"notify_dropped_total",
		metric.WithDescription("Webhooks dropped (buffer full or circuit open)"),
	); err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(methodAttr(method), pathAttr(path), statusAttr(statusCode))
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted counts an accepted submission.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, kind string) {
	m.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

// RecordJobStarted marks a job entering a pool slot.
func (m *Metrics) RecordJobStarted(ctx context.Context, kind string) {
	m.JobsActive.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

// RecordJobFinished records a terminal transition with its duration.
func (m *Metrics) RecordJobFinished(ctx context.Context, kind, status string, durationSeconds float64) {
	attrs := metric.WithAttributes(kindAttr(kind), jobStatusAttr(status))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(kindAttr(kind)))
	if status == "failed" {
		m.JobsFailed.Add(ctx, 1, attrs)
	}
}

// RecordQueueDepth records the pending queue size.
func (m *Metrics) RecordQueueDepth(ctx context.Context, depth int64) {
	m.QueueDepth.Record(ctx, depth)
}

// RecordLogPublished counts a persisted-and-broadcast log entry.
func (m *Metrics) RecordLogPublished(ctx context.Context, kind string) {
	m.LogEntriesTotal.Add(ctx, 1, metric.WithAttributes(logKindAttr(kind)))
}

// RecordSubscribers adjusts the live subscriber gauge.
func (m *Metrics) RecordSubscribers(ctx context.Context, delta int64) {
	m.LogSubscribers.Add(ctx, delta)
}

// RecordSubscriberDropped counts a subscriber dropped for falling behind.
func (m *Metrics) RecordSubscriberDropped(ctx context.Context) {
	m.SubscribersDropped.Add(ctx, 1)
}

// RecordNotifyDelivered records a successful webhook delivery.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

// RecordNotifyFailed records a failed webhook delivery.
func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

// RecordNotifyDropped records a dropped webhook.
func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}
