// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Feed metrics
	FeedEventsReceived  *prometheus.CounterVec
	FeedReconnects      prometheus.Counter
	VenueEventsRejected *prometheus.CounterVec
	HighestSlotSeen     prometheus.Gauge

	// Aggregator metrics
	TradesProcessed *prometheus.CounterVec
	StoreErrors     *prometheus.CounterVec
	StoreLatency    *prometheus.HistogramVec
	DirtyBuckets    prometheus.Gauge
	FlushRunsTotal  *prometheus.CounterVec
	FlushRowsTotal  prometheus.Counter
	FlushDuration   prometheus.Histogram

	// Signal metrics
	ExitSignals    *prometheus.CounterVec
	EntrySignals   *prometheus.CounterVec
	DetectorErrors *prometheus.CounterVec
	TrackedEntries prometheus.Gauge

	// Health metrics
	LastTradeProcessed  prometheus.Gauge
	LastSuccessfulFlush prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "kline_engine"
	}

	return &Metrics{
		// Feed metrics
		FeedEventsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "events_received_total",
			Help:      "Total number of feed envelopes received by type",
		}, []string{"type"}),
		FeedReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Total number of feed reconnect attempts",
		}),
		VenueEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "normalizer",
			Name:      "events_rejected_total",
			Help:      "Total number of venue events rejected by the normalizer",
		}, []string{"kind"}),
		HighestSlotSeen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "highest_slot_seen",
			Help:      "Highest Solana slot number seen",
		}),

		// Aggregator metrics
		TradesProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kline",
			Name:      "trades_processed_total",
			Help:      "Total number of trades folded into K-lines by venue",
		}, []string{"venue"}),
		StoreErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kline",
			Name:      "store_errors_total",
			Help:      "Total number of K-line store errors by operation",
		}, []string{"operation"}),
		StoreLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "kline",
			Name:      "store_latency_seconds",
			Help:      "K-line store call latency in seconds",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"operation"}),
		DirtyBuckets: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "kline",
			Name:      "dirty_buckets",
			Help:      "Number of buckets awaiting flush to history",
		}),
		FlushRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "runs_total",
			Help:      "Total number of history flush runs by status",
		}, []string{"status"}),
		FlushRowsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "rows_total",
			Help:      "Total number of K-line deltas written to history",
		}),
		FlushDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "duration_seconds",
			Help:      "History flush duration in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		}),

		// Signal metrics
		ExitSignals: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exit",
			Name:      "signals_total",
			Help:      "Total number of exit signals by action",
		}, []string{"action"}),
		EntrySignals: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "signals_total",
			Help:      "Total number of triggered entry detections by detector",
		}, []string{"detector"}),
		DetectorErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "errors_total",
			Help:      "Total number of detector errors and panics by detector",
		}, []string{"detector"}),
		TrackedEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "exit",
			Name:      "tracked_entries",
			Help:      "Number of (token, wallet) entries tracked by the exit engine",
		}),

		// Health metrics
		LastTradeProcessed: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_trade_processed_timestamp",
			Help:      "Unix timestamp of the last processed trade",
		}),
		LastSuccessfulFlush: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_flush_timestamp",
			Help:      "Unix timestamp of the last successful history flush",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordFeedEvent increments the feed envelope counter.
func RecordFeedEvent(eventType string) {
	DefaultMetrics.FeedEventsReceived.WithLabelValues(eventType).Inc()
}

// RecordFeedReconnect increments the feed reconnect counter.
func RecordFeedReconnect() {
	DefaultMetrics.FeedReconnects.Inc()
}

// RecordRejectedEvent records a venue event dropped by the normalizer.
func RecordRejectedEvent(kind string) {
	DefaultMetrics.VenueEventsRejected.WithLabelValues(kind).Inc()
}

// UpdateHighestSlot updates the highest slot seen gauge.
func UpdateHighestSlot(slot int64) {
	DefaultMetrics.HighestSlotSeen.Set(float64(slot))
}

// RecordTradeProcessed records a trade folded into the live store.
func RecordTradeProcessed(venue string, unixSeconds float64) {
	DefaultMetrics.TradesProcessed.WithLabelValues(venue).Inc()
	DefaultMetrics.LastTradeProcessed.Set(unixSeconds)
}

// RecordStoreCall records store call latency and errors.
func RecordStoreCall(operation string, seconds float64, err error) {
	DefaultMetrics.StoreLatency.WithLabelValues(operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.StoreErrors.WithLabelValues(operation).Inc()
	}
}

// UpdateDirtyBuckets updates the dirty bucket gauge.
func UpdateDirtyBuckets(n int) {
	DefaultMetrics.DirtyBuckets.Set(float64(n))
}

// RecordFlush records a history flush run.
func RecordFlush(status string, rows int, durationSeconds, unixSeconds float64) {
	DefaultMetrics.FlushRunsTotal.WithLabelValues(status).Inc()
	DefaultMetrics.FlushDuration.Observe(durationSeconds)
	DefaultMetrics.FlushRowsTotal.Add(float64(rows))
	if status == "success" {
		DefaultMetrics.LastSuccessfulFlush.Set(unixSeconds)
	}
}

// RecordExitSignal increments the exit signal counter.
func RecordExitSignal(action string) {
	DefaultMetrics.ExitSignals.WithLabelValues(action).Inc()
}

// RecordEntrySignal increments the entry detection counter.
func RecordEntrySignal(detector string) {
	DefaultMetrics.EntrySignals.WithLabelValues(detector).Inc()
}

// RecordDetectorError increments the detector error counter.
func RecordDetectorError(detector string) {
	DefaultMetrics.DetectorErrors.WithLabelValues(detector).Inc()
}

// UpdateTrackedEntries updates the tracked entries gauge.
func UpdateTrackedEntries(n int) {
	DefaultMetrics.TrackedEntries.Set(float64(n))
}
