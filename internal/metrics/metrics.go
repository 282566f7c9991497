// Package metrics exposes Prometheus collectors for the ingestion layer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tokenfeed"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Inbound frames by decode result.",
		},
		[]string{"result"},
	)

	controlFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "control_frames_total",
			Help:      "Outbound subscribe frames by method and outcome.",
		},
		[]string{"method", "sent"},
	)

	streamState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "state",
			Help:      "Connection state: 0 disconnected, 1 connecting, 2 connected.",
		},
	)

	streamExhausted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "exhausted",
			Help:      "1 when automatic reconnection has given up.",
		},
	)

	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after a close or failed dial.",
		},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "accepted_total",
			Help:      "Canonical events accepted for delivery by kind.",
		},
		[]string{"kind"},
	)

	droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Canonical events dropped by kind and reason.",
		},
		[]string{"kind", "reason"},
	)

	flushes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "flush_size",
			Help:      "Events per coalesced flush.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		},
		[]string{"batch"},
	)

	fetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "fetches_total",
			Help:      "Market-data refreshes by result.",
		},
		[]string{"result"},
	)

	fetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of market-data HTTP fetches.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	trackedTokens = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "tracked_tokens",
			Help:      "Tokens in the shared poll set.",
		},
	)

	subscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "subscriptions",
			Help:      "Live consumer subscriptions by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	Registry.MustRegister(
		framesTotal,
		controlFrames,
		streamState,
		streamExhausted,
		reconnects,
		eventsTotal,
		droppedTotal,
		flushes,
		fetches,
		fetchDuration,
		trackedTokens,
		subscriptions,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordFrame counts an inbound frame: decoded, malformed or unrecognized.
func RecordFrame(result string) {
	framesTotal.WithLabelValues(result).Inc()
}

// RecordControlFrame counts an outbound subscribe request.
func RecordControlFrame(method string, sent bool) {
	result := "false"
	if sent {
		result = "true"
	}
	controlFrames.WithLabelValues(method, result).Inc()
}

// SetStreamState publishes the connection state.
func SetStreamState(state int) {
	streamState.Set(float64(state))
}

// SetStreamExhausted flags the degraded no-more-retries condition.
func SetStreamExhausted(exhausted bool) {
	if exhausted {
		streamExhausted.Set(1)
		return
	}
	streamExhausted.Set(0)
}

// RecordReconnect counts a scheduled reconnect attempt.
func RecordReconnect() {
	reconnects.Inc()
}

// RecordEvent counts an accepted canonical event.
func RecordEvent(kind string) {
	eventsTotal.WithLabelValues(kind).Inc()
}

// RecordDrop counts a dropped canonical event, e.g. duplicate or unchanged.
func RecordDrop(kind, reason string) {
	droppedTotal.WithLabelValues(kind, reason).Inc()
}

// RecordFlush observes the size of a coalesced batch.
func RecordFlush(batch string, size int) {
	flushes.WithLabelValues(batch).Observe(float64(size))
}

// RecordFetch counts a refresh outcome; duration is observed for real
// network calls only.
func RecordFetch(result string, duration time.Duration) {
	fetches.WithLabelValues(result).Inc()
	if duration > 0 {
		fetchDuration.Observe(duration.Seconds())
	}
}

// SetTrackedTokens publishes the poll set size.
func SetTrackedTokens(n int) {
	trackedTokens.Set(float64(n))
}

// SetSubscriptions publishes the live subscription count for kind.
func SetSubscriptions(kind string, n int) {
	subscriptions.WithLabelValues(kind).Set(float64(n))
}
