// Package observability provides Prometheus metrics for the MCP runtime.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects runtime metrics: tool invocation flow, health check
// outcomes, and proxy message traffic. All methods are nil-safe so
// components can treat metrics as optional.
type Metrics struct {
	// ToolInvocations counts tool calls by server and status.
	// Labels: server, tool, status (success|error)
	ToolInvocations *prometheus.CounterVec

	// ToolInvocationDuration measures tool call latency in seconds.
	// Labels: server
	ToolInvocationDuration *prometheus.HistogramVec

	// HealthChecks counts health checks by server and outcome.
	// Labels: server, status (success|failure)
	HealthChecks *prometheus.CounterVec

	// HealthConsecutiveFailures tracks the current consecutive failure
	// count per server.
	// Labels: server
	HealthConsecutiveFailures *prometheus.GaugeVec

	// ProxyMessages counts messages forwarded through proxies.
	// Labels: direction (to_client|to_server)
	ProxyMessages *prometheus.CounterVec

	// TransportErrors counts transport-level errors by server.
	// Labels: server
	TransportErrors *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default registry.
// Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates metrics registered against a specific
// registerer; tests use a private registry to avoid collisions.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ToolInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_tool_invocations_total",
				Help: "Total tool invocations by server, tool, and status",
			},
			[]string{"server", "tool", "status"},
		),
		ToolInvocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcp_tool_invocation_duration_seconds",
				Help:    "Tool invocation latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"server"},
		),
		HealthChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_health_checks_total",
				Help: "Total health checks by server and outcome",
			},
			[]string{"server", "status"},
		),
		HealthConsecutiveFailures: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mcp_health_consecutive_failures",
				Help: "Current consecutive health check failures per server",
			},
			[]string{"server"},
		),
		ProxyMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_proxy_messages_total",
				Help: "Messages forwarded through proxies by direction",
			},
			[]string{"direction"},
		),
		TransportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_transport_errors_total",
				Help: "Transport-level errors by server",
			},
			[]string{"server"},
		),
	}

	reg.MustRegister(
		m.ToolInvocations,
		m.ToolInvocationDuration,
		m.HealthChecks,
		m.HealthConsecutiveFailures,
		m.ProxyMessages,
		m.TransportErrors,
	)
	return m
}

// ObserveToolInvocation records one tool call outcome.
func (m *Metrics) ObserveToolInvocation(server, tool string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ToolInvocations.WithLabelValues(server, tool, status).Inc()
	m.ToolInvocationDuration.WithLabelValues(server).Observe(elapsed.Seconds())
}

// ObserveHealthCheck records one health check outcome.
func (m *Metrics) ObserveHealthCheck(server string, success bool, consecutiveFailures int) {
	if m == nil {
		return
	}
	status := "failure"
	if success {
		status = "success"
	}
	m.HealthChecks.WithLabelValues(server, status).Inc()
	m.HealthConsecutiveFailures.WithLabelValues(server).Set(float64(consecutiveFailures))
}

// ObserveProxyForward records one proxied message.
func (m *Metrics) ObserveProxyForward(direction string) {
	if m == nil {
		return
	}
	m.ProxyMessages.WithLabelValues(direction).Inc()
}

// ObserveTransportError records one transport error.
func (m *Metrics) ObserveTransportError(server string) {
	if m == nil {
		return
	}
	m.TransportErrors.WithLabelValues(server).Inc()
}
