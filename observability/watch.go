package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WatchMetrics tracks the nhb-peer watch daemon.
type WatchMetrics struct {
	pings         *prometheus.CounterVec
	roundDuration prometheus.Histogram
	peers         *prometheus.GaugeVec
	disconnects   *prometheus.CounterVec
	droppedEvents prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
}

var (
	watchMetricsOnce sync.Once
	watchRegistry    *WatchMetrics
)

// Watch returns the lazily-initialised metrics registry of the watch daemon.
func Watch() *WatchMetrics {
	watchMetricsOnce.Do(func() {
		watchRegistry = &WatchMetrics{
			pings: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "watch",
				Name:      "pings_total",
				Help:      "Peer pings issued by the watch loop segmented by outcome.",
			}, []string{"outcome"}),
			roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "nhb",
				Subsystem: "watch",
				Name:      "round_duration_seconds",
				Help:      "Wall time of one watch round across all due peers.",
				Buckets:   prometheus.DefBuckets,
			}),
			peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "watch",
				Name:      "peers",
				Help:      "Known peers segmented by their last observed status.",
			}, []string{"status"}),
			disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "watch",
				Name:      "disconnects_total",
				Help:      "Peer disconnect events drained from the communicator.",
			}, []string{"reason"}),
			droppedEvents: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "watch",
				Name:      "dropped_events",
				Help:      "Events dropped because the queue was full.",
			}),
			httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "watch",
				Name:      "http_requests_total",
				Help:      "Requests served by the watch HTTP endpoint segmented by route and status.",
			}, []string{"route", "status"}),
			httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nhb",
				Subsystem: "watch",
				Name:      "http_request_duration_seconds",
				Help:      "Latency distribution of watch HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			watchRegistry.pings,
			watchRegistry.roundDuration,
			watchRegistry.peers,
			watchRegistry.disconnects,
			watchRegistry.droppedEvents,
			watchRegistry.httpRequests,
			watchRegistry.httpLatency,
		)
	})
	return watchRegistry
}

// RecordPing counts one ping. Outcomes should be stable strings such as
// "ok", "skipped" or "failed".
func (m *WatchMetrics) RecordPing(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unspecified"
	}
	m.pings.WithLabelValues(outcome).Inc()
}

// ObserveRound records the duration of a completed round.
func (m *WatchMetrics) ObserveRound(d time.Duration) {
	if m == nil {
		return
	}
	m.roundDuration.Observe(d.Seconds())
}

// SetPeerCounts replaces the per-status peer gauge.
func (m *WatchMetrics) SetPeerCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.peers.Reset()
	for status, n := range counts {
		m.peers.WithLabelValues(status).Set(float64(n))
	}
}

// RecordDisconnect counts a drained disconnect event. The free-form reason is
// reduced to its leading word to bound label cardinality.
func (m *WatchMetrics) RecordDisconnect(reason string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(reasonLabel(reason)).Inc()
}

// SetDroppedEvents publishes the queue's drop counter.
func (m *WatchMetrics) SetDroppedEvents(n uint64) {
	if m == nil {
		return
	}
	m.droppedEvents.Set(float64(n))
}

// ObserveHTTP records one served request.
func (m *WatchMetrics) ObserveHTTP(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(route).Observe(duration.Seconds())
}

func reasonLabel(reason string) string {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return "unspecified"
	}
	if i := strings.IndexAny(reason, " :"); i > 0 {
		reason = reason[:i]
	}
	return reason
}
