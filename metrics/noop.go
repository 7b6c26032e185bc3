package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// NoopMetrics is a no-operation implementation of the Metrics interface.
type NoopMetrics struct{}

// NewNoopMetrics creates a new instance of NoopMetrics.
func NewNoopMetrics() Metrics {
	return &NoopMetrics{}
}

// GetRegistry returns a new empty registry.
func (m *NoopMetrics) GetRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func (m *NoopMetrics) ObserveRequest(string, string)                   {}
func (m *NoopMetrics) ObserveResponse(string, string, string, float64) {}
func (m *NoopMetrics) SetInFlight(string, int)                         {}
func (m *NoopMetrics) IncDiscardedFrames(string)                       {}
func (m *NoopMetrics) IncHealthFailures(string)                        {}
func (m *NoopMetrics) ObserveStateChange(string, string)               {}
