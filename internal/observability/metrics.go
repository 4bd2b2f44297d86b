// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Feed metrics
	TicksReceived   *prometheus.CounterVec
	TicksDropped    *prometheus.CounterVec
	FeedConnected   prometheus.Gauge
	FeedReconnects  prometheus.Counter
	TickQueueLength prometheus.Gauge

	// Classification metrics
	EventsDetected   *prometheus.CounterVec
	ClassifyDuration prometheus.Histogram

	// Session metrics
	SessionItems   *prometheus.GaugeVec
	SessionEvicted *prometheus.CounterVec

	// Mirror metrics
	MirrorWrites       *prometheus.CounterVec
	MirrorDropped      prometheus.Counter
	MirrorQueueLength  prometheus.Gauge
	MirrorWriteLatency *prometheus.HistogramVec
	MirrorBreakerState prometheus.Gauge
	MirrorPurged       prometheus.Counter

	// Delivery metrics
	NotificationsSent *prometheus.CounterVec
	WSClients         prometheus.Gauge
}

// NewMetrics creates a new Metrics instance registered with reg. A nil reg uses the default
// registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "flowradar"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		TicksReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "ticks_received_total",
			Help:      "Total number of normalized ticks received by source",
		}, []string{"source"}),
		TicksDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "ticks_dropped_total",
			Help:      "Total number of ticks dropped before classification by reason",
		}, []string{"reason"}),
		FeedConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "connected",
			Help:      "1 while the market feed is connected",
		}),
		FeedReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Total number of feed reconnect attempts",
		}),
		TickQueueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "tick_queue_length",
			Help:      "Ticks waiting for the monitor loop",
		}),

		EventsDetected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "events_detected_total",
			Help:      "Total number of classified events by kind and label",
		}, []string{"kind", "label"}),
		ClassifyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "tick_duration_seconds",
			Help:      "Time spent classifying one tick",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),

		SessionItems: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "items",
			Help:      "Current number of items per session collection",
		}, []string{"collection"}),
		SessionEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "evicted_total",
			Help:      "Total number of stale items removed by cleanup",
		}, []string{"collection"}),

		MirrorWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "writes_total",
			Help:      "Total number of mirror writes by table and status",
		}, []string{"table", "status"}),
		MirrorDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "dropped_total",
			Help:      "Total number of mirror writes dropped because the queue was full",
		}),
		MirrorQueueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "queue_length",
			Help:      "Writes waiting for the mirror worker",
		}),
		MirrorWriteLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "write_duration_seconds",
			Help:      "Mirror write duration in seconds including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"table"}),
		MirrorBreakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}),
		MirrorPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "purged_rows_total",
			Help:      "Total number of rows removed by retention housekeeping",
		}),

		NotificationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telegram",
			Name:      "notifications_total",
			Help:      "Total number of Telegram notifications by kind and status",
		}, []string{"kind", "status"}),
		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "ws_clients",
			Help:      "Connected WebSocket clients",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", nil)

// RecordTick counts a tick received from the feed.
func RecordTick(source string) {
	DefaultMetrics.TicksReceived.WithLabelValues(source).Inc()
}

// RecordDroppedTick counts a tick rejected before classification.
func RecordDroppedTick(reason string) {
	DefaultMetrics.TicksDropped.WithLabelValues(reason).Inc()
}

// SetFeedConnected updates the feed connection gauge.
func SetFeedConnected(connected bool) {
	if connected {
		DefaultMetrics.FeedConnected.Set(1)
		return
	}
	DefaultMetrics.FeedConnected.Set(0)
}

// RecordReconnect counts a feed reconnect attempt.
func RecordReconnect() {
	DefaultMetrics.FeedReconnects.Inc()
}

// RecordEvent counts a classified event.
func RecordEvent(kind, label string) {
	DefaultMetrics.EventsDetected.WithLabelValues(kind, label).Inc()
}

// RecordClassify observes the time spent on one tick.
func RecordClassify(seconds float64) {
	DefaultMetrics.ClassifyDuration.Observe(seconds)
}

// UpdateSessionSizes sets the per-collection gauges.
func UpdateSessionSizes(liquidations, anomalies, reversals, leaderboard int) {
	DefaultMetrics.SessionItems.WithLabelValues("liquidations").Set(float64(liquidations))
	DefaultMetrics.SessionItems.WithLabelValues("anomalies").Set(float64(anomalies))
	DefaultMetrics.SessionItems.WithLabelValues("reversals").Set(float64(reversals))
	DefaultMetrics.SessionItems.WithLabelValues("leaderboard").Set(float64(leaderboard))
}

// RecordEvicted counts items removed by session cleanup.
func RecordEvicted(collection string, n int) {
	if n > 0 {
		DefaultMetrics.SessionEvicted.WithLabelValues(collection).Add(float64(n))
	}
}

// RecordMirrorWrite records a mirror write outcome.
func RecordMirrorWrite(table string, seconds float64, err error) {
	DefaultMetrics.MirrorWriteLatency.WithLabelValues(table).Observe(seconds)
	status := "ok"
	if err != nil {
		status = "error"
	}
	DefaultMetrics.MirrorWrites.WithLabelValues(table, status).Inc()
}

// RecordMirrorDropped counts a write dropped on a full queue.
func RecordMirrorDropped() {
	DefaultMetrics.MirrorDropped.Inc()
}

// SetMirrorQueue updates the mirror queue gauge.
func SetMirrorQueue(n int) {
	DefaultMetrics.MirrorQueueLength.Set(float64(n))
}

// SetBreakerState records the circuit breaker state.
func SetBreakerState(state int) {
	DefaultMetrics.MirrorBreakerState.Set(float64(state))
}

// RecordPurged counts rows removed by housekeeping.
func RecordPurged(n int64) {
	if n > 0 {
		DefaultMetrics.MirrorPurged.Add(float64(n))
	}
}

// RecordNotification records a Telegram send outcome.
func RecordNotification(kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	DefaultMetrics.NotificationsSent.WithLabelValues(kind, status).Inc()
}

// SetWSClients updates the WebSocket client gauge.
func SetWSClients(n int) {
	DefaultMetrics.WSClients.Set(float64(n))
}
