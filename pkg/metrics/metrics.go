// Package metrics exposes the library's Prometheus instrumentation
// surface, grounded on cuemby-warren's pkg/metrics package-level
// variables + single init() registration style.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PublishCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_publish_total",
			Help: "Total number of envelopes published by topic and outcome",
		},
		[]string{"topic", "outcome"},
	)

	ConsumeCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_consume_total",
			Help: "Total number of envelopes consumed by topic and outcome",
		},
		[]string{"topic", "outcome"},
	)

	ErrorCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_errors_total",
			Help: "Total number of errors by component and error code",
		},
		[]string{"component", "code"},
	)

	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventcore_outbox_pending",
			Help: "Current number of pending outbox entries",
		},
	)

	OutboxFailed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventcore_outbox_failed",
			Help: "Current number of failed outbox entries",
		},
	)

	DedupeSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_dedupe_skipped_total",
			Help: "Total number of envelopes skipped by the dedupe processor by outcome",
		},
		[]string{"outcome"},
	)

	DedupeProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventcore_dedupe_processed_total",
			Help: "Total number of envelopes the dedupe processor let through to a handler",
		},
	)

	OrderedQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventcore_ordered_queue_depth",
			Help: "Current queue depth per ordered processing partition",
		},
		[]string{"partition"},
	)

	ActiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventcore_active_subscriptions",
			Help: "Current number of open broker subscriptions",
		},
	)

	ConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventcore_consumer_lag",
			Help: "Difference between latest and committed offset by topic and partition",
		},
		[]string{"topic", "partition"},
	)

	PublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventcore_publish_duration_seconds",
			Help:    "Publish call duration in seconds by topic",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)
)

func init() {
	prometheus.MustRegister(
		PublishCount,
		ConsumeCount,
		ErrorCount,
		OutboxPending,
		OutboxFailed,
		DedupeSkipped,
		DedupeProcessed,
		OrderedQueueDepth,
		ActiveSubscriptions,
		ConsumerLag,
		PublishDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
