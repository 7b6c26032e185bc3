// Package metrics exposes prometheus instrumentation for MCP transports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	MetricsNamespace          = "mcp"
	MetricsSubsystemTransport = "transport"
	MetricsSubsystemFrames    = "frames"

	OutcomeResult    = "result"
	OutcomeError     = "error"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Metrics is the instrumentation surface used by a Transport. Every method
// takes the backend name so several transports can share one registry.
type Metrics interface {
	GetRegistry() *prometheus.Registry

	ObserveRequest(backend, method string)
	ObserveResponse(backend, method, outcome string, elapsedSeconds float64)
	SetInFlight(backend string, count int)
	IncDiscardedFrames(backend string)
	IncHealthFailures(backend string)
	ObserveStateChange(backend, state string)
}

type metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	responseTime    *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec
	discardedFrames *prometheus.CounterVec
	healthFailures  *prometheus.CounterVec
	stateChanges    *prometheus.CounterVec
}

// NewMetrics creates a prometheus backed collector with its own registry.
func NewMetrics() Metrics {
	m := &metrics{}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
		Namespace: MetricsNamespace,
	}))
	m.registry.MustRegister(collectors.NewGoCollector())

	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemTransport,
		Name:      "requests_total",
		Help:      "The total number of requests sent to the peer.",
	}, []string{"backend", "method"})
	m.registry.MustRegister(m.requestsTotal)

	m.responseTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemTransport,
		Name:      "response_time_seconds",
		Help:      "Time between sending a request and completing its pending operation.",
	}, []string{"backend", "method", "outcome"})
	m.registry.MustRegister(m.responseTime)

	m.inFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemTransport,
		Name:      "in_flight",
		Help:      "The number of pending operations awaiting a reply.",
	}, []string{"backend"})
	m.registry.MustRegister(m.inFlight)

	m.discardedFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemFrames,
		Name:      "discarded_total",
		Help:      "The total number of malformed or oversized frames dropped.",
	}, []string{"backend"})
	m.registry.MustRegister(m.discardedFrames)

	m.healthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemTransport,
		Name:      "health_failures_total",
		Help:      "The total number of failed health checks.",
	}, []string{"backend"})
	m.registry.MustRegister(m.healthFailures)

	m.stateChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemTransport,
		Name:      "state_changes_total",
		Help:      "The total number of session state transitions, by target state.",
	}, []string{"backend", "state"})
	m.registry.MustRegister(m.stateChanges)

	return m
}

func (m *metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

func (m *metrics) ObserveRequest(backend, method string) {
	if m != nil {
		m.requestsTotal.With(prometheus.Labels{"backend": backend, "method": method}).Inc()
	}
}

func (m *metrics) ObserveResponse(backend, method, outcome string, elapsedSeconds float64) {
	if m != nil {
		m.responseTime.With(prometheus.Labels{"backend": backend, "method": method, "outcome": outcome}).Observe(elapsedSeconds)
	}
}

func (m *metrics) SetInFlight(backend string, count int) {
	if m != nil {
		m.inFlight.With(prometheus.Labels{"backend": backend}).Set(float64(count))
	}
}

func (m *metrics) IncDiscardedFrames(backend string) {
	if m != nil {
		m.discardedFrames.With(prometheus.Labels{"backend": backend}).Inc()
	}
}

func (m *metrics) IncHealthFailures(backend string) {
	if m != nil {
		m.healthFailures.With(prometheus.Labels{"backend": backend}).Inc()
	}
}

func (m *metrics) ObserveStateChange(backend, state string) {
	if m != nil {
		m.stateChanges.With(prometheus.Labels{"backend": backend, "state": state}).Inc()
	}
}
