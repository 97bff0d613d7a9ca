// Package metrics registers the prometheus collectors for the gateway, the
// rate limiter and identifier generation.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wavelink"

// Outcome labels for rate-limit decisions.
const (
	OutcomeAllowed  = "allowed"
	OutcomeRejected = "rejected"
	OutcomeSkipped  = "skipped"
)

// Metrics groups the collectors. A nil *Metrics records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	gatewayConnections prometheus.Gauge
	gatewayRelayed     *prometheus.CounterVec
	gatewayErrors      *prometheus.CounterVec
	rateLimitDecisions *prometheus.CounterVec
	snowflakeIDs       prometheus.Counter
	leaseOperations    *prometheus.CounterVec
	brokerDropped      *prometheus.CounterVec
}

// New registers every collector on registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	if registry == nil {
		return nil, errors.New("metrics: registry is required")
	}
	m := &Metrics{
		gatherer: registry,
		gatewayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Live gateway connections.",
		}),
		gatewayRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "relayed_messages_total",
			Help:      "Broker deliveries relayed to gateway sockets.",
		}, []string{"type"}),
		gatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "errors_total",
			Help:      "ERROR frames sent to gateway clients.",
		}, []string{"reason"}),
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Admission decisions by outcome.",
		}, []string{"outcome"}),
		snowflakeIDs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snowflake",
			Name:      "ids_total",
			Help:      "Identifiers minted by this process.",
		}),
		leaseOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "operations_total",
			Help:      "Worker lease coordinator calls by operation and result.",
		}, []string{"operation", "result"}),
		brokerDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "dropped_deliveries_total",
			Help:      "In-process deliveries abandoned because a subscriber stayed full.",
		}, []string{"kind"}),
	}
	collectors := []prometheus.Collector{
		m.gatewayConnections,
		m.gatewayRelayed,
		m.gatewayErrors,
		m.rateLimitDecisions,
		m.snowflakeIDs,
		m.leaseOperations,
		m.brokerDropped,
	}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.gatewayConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.gatewayConnections.Dec()
}

func (m *Metrics) MessageRelayed(messageType string) {
	if m == nil {
		return
	}
	m.gatewayRelayed.WithLabelValues(messageType).Inc()
}

func (m *Metrics) GatewayError(reason string) {
	if m == nil {
		return
	}
	m.gatewayErrors.WithLabelValues(reason).Inc()
}

// RateLimitDecision counts one admission outcome.
func (m *Metrics) RateLimitDecision(outcome string) {
	if m == nil {
		return
	}
	m.rateLimitDecisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SnowflakeIssued() {
	if m == nil {
		return
	}
	m.snowflakeIDs.Inc()
}

// LeaseOperation counts one coordinator call; err decides the result label.
func (m *Metrics) LeaseOperation(operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.leaseOperations.WithLabelValues(operation, result).Inc()
}

// BrokerDeliveryDropped counts one abandoned delivery; kind is the channel
// prefix, not the full channel name.
func (m *Metrics) BrokerDeliveryDropped(kind string) {
	if m == nil {
		return
	}
	m.brokerDropped.WithLabelValues(kind).Inc()
}
