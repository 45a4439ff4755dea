// Package metrics holds the connector's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the connector.
type Metrics struct {
	// Packet pipeline
	PacketsTotal    *prometheus.CounterVec
	PacketLatency   *prometheus.HistogramVec
	RejectsByCode   *prometheus.CounterVec
	PacketsInFlight prometheus.Gauge

	// Rate limiting
	RateLimitDecisions *prometheus.CounterVec

	// Fraud
	FraudDetections *prometheus.CounterVec
	PausedPeers     prometheus.Gauge

	// Sessions and explorer
	PeerSessions     prometheus.Gauge
	WSClients        prometheus.Gauge
	EventStoreSize   prometheus.Gauge
	TelemetryDropped prometheus.Counter
}

// NewMetrics creates and registers all connector metrics. A nil registerer
// uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		PacketsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_packets_total",
				Help: "Total ILP packets handled, by peer and outcome",
			},
			[]string{"peer", "outcome"}, // outcome: fulfilled, rejected, timeout
		),

		PacketLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "connector_packet_latency_seconds",
				Help:    "End-to-end handling latency per packet",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		RejectsByCode: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_rejects_total",
				Help: "Reject packets returned upstream, by ILP error code",
			},
			[]string{"code"},
		),

		PacketsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "connector_packets_in_flight",
				Help: "Prepares currently awaiting a downstream response",
			},
		),

		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_rate_limit_decisions_total",
				Help: "Rate limiter outcomes, by class and decision",
			},
			[]string{"class", "decision"}, // decision: allowed, throttled, blocked
		),

		FraudDetections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_fraud_detections_total",
				Help: "Fraud rule hits, by rule and severity",
			},
			[]string{"rule", "severity"},
		),

		PausedPeers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "connector_paused_peers",
				Help: "Peers currently paused by the fraud detector",
			},
		),

		PeerSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "connector_peer_sessions",
				Help: "Open BTP peer sessions",
			},
		),

		WSClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "connector_explorer_ws_clients",
				Help: "Connected explorer WebSocket clients",
			},
		),

		EventStoreSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "connector_event_store_bytes",
				Help: "Approximate size of the event store on disk",
			},
		),

		TelemetryDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "connector_telemetry_dropped_total",
				Help: "Telemetry events dropped under backpressure",
			},
		),
	}
}

// RecordPacket records one handled packet.
func (m *Metrics) RecordPacket(peer, outcome string, latencySeconds float64) {
	m.PacketsTotal.WithLabelValues(peer, outcome).Inc()
	m.PacketLatency.WithLabelValues(outcome).Observe(latencySeconds)
}

// RecordReject counts a reject by its ILP code.
func (m *Metrics) RecordReject(code string) {
	m.RejectsByCode.WithLabelValues(code).Inc()
}

// RecordRateLimit counts one limiter decision.
func (m *Metrics) RecordRateLimit(class, decision string) {
	m.RateLimitDecisions.WithLabelValues(class, decision).Inc()
}

// RecordFraud counts one rule detection.
func (m *Metrics) RecordFraud(rule, severity string) {
	m.FraudDetections.WithLabelValues(rule, severity).Inc()
}
