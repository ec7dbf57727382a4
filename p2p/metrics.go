package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "nhbpeer/p2p"

var (
	metricsInitOnce sync.Once
	sharedMetrics   *outboundMetrics
)

type outboundMetrics struct {
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	throttled     *prometheus.CounterVec
	socketErrors  *prometheus.CounterVec
	verifications *prometheus.CounterVec
	peerLatency   *prometheus.GaugeVec

	meter               metric.Meter
	requestCounter      metric.Int64Counter
	latencyHistogram    metric.Float64Histogram
	verificationCounter metric.Int64Counter
}

func newOutboundMetrics() *outboundMetrics {
	metricsInitOnce.Do(func() {
		m := &outboundMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "nhb_p2p_outbound_requests_total",
				Help: "Outbound peer requests by event and outcome.",
			}, []string{"event", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "nhb_p2p_outbound_latency_ms",
				Help:    "Round trip time of outbound peer requests.",
				Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			}, []string{"event"}),
			throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "nhb_p2p_throttled_total",
				Help: "Outbound calls delayed by the local rate limiter.",
			}, []string{"event"}),
			socketErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "nhb_p2p_socket_errors_total",
				Help: "Failed outbound calls by error kind.",
			}, []string{"kind"}),
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "nhb_p2p_verifications_total",
				Help: "Peer state verification outcomes.",
			}, []string{"result"}),
			peerLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "nhb_p2p_peer_latency_ms",
				Help: "Latency of the last successful call per peer.",
			}, []string{"peer"}),
		}
		prometheus.MustRegister(m.requests, m.latency, m.throttled, m.socketErrors, m.verifications, m.peerLatency)
		m.initMeter()
		sharedMetrics = m
	})
	return sharedMetrics
}

func (m *outboundMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter(instrumentationName)
	counter, err := meter.Int64Counter("nhb.p2p.outbound_requests")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter(instrumentationName)
		counter, _ = fallback.Int64Counter("nhb.p2p.outbound_requests")
		meter = fallback
	}
	latency, err := meter.Float64Histogram("nhb.p2p.outbound_latency_ms")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter(instrumentationName)
		latency, _ = fallback.Float64Histogram("nhb.p2p.outbound_latency_ms")
		meter = fallback
	}
	verifications, err := meter.Int64Counter("nhb.p2p.verifications")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter(instrumentationName)
		verifications, _ = fallback.Int64Counter("nhb.p2p.verifications")
		meter = fallback
	}
	m.meter = meter
	m.requestCounter = counter
	m.latencyHistogram = latency
	m.verificationCounter = verifications
}

func (m *outboundMetrics) recordRequest(ctx context.Context, event, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(event, outcome).Inc()
	ms := float64(elapsed) / float64(time.Millisecond)
	if elapsed > 0 {
		m.latency.WithLabelValues(event).Observe(ms)
	}
	if m.requestCounter != nil {
		m.requestCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event", event),
			attribute.String("outcome", outcome),
		))
	}
	if m.latencyHistogram != nil && elapsed > 0 {
		m.latencyHistogram.Record(ctx, ms, metric.WithAttributes(attribute.String("event", event)))
	}
}

func (m *outboundMetrics) recordThrottle(event string) {
	if m == nil {
		return
	}
	m.throttled.WithLabelValues(event).Inc()
}

func (m *outboundMetrics) recordSocketError(kind ErrorKind) {
	if m == nil {
		return
	}
	m.socketErrors.WithLabelValues(kind.String()).Inc()
}

func (m *outboundMetrics) recordVerification(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
	if m.verificationCounter != nil {
		m.verificationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func (m *outboundMetrics) observePeerLatency(peer string, latency time.Duration) {
	if m == nil || peer == "" {
		return
	}
	m.peerLatency.WithLabelValues(peer).Set(float64(latency) / float64(time.Millisecond))
}

func (m *outboundMetrics) removePeer(peer string) {
	if m == nil || peer == "" {
		return
	}
	m.peerLatency.DeleteLabelValues(peer)
}
