package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	upstreamRetries   *prometheus.CounterVec
	upstreamHealthy   *prometheus.GaugeVec
	mcpSessionsActive *prometheus.GaugeVec
	mcpToolCalls      *prometheus.CounterVec
}

// New creates a metrics registry with all gateway collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accesspoint_requests_total",
			Help: "Completed requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "accesspoint_request_duration_seconds",
			Help:    "Request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		upstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accesspoint_upstream_retries_total",
			Help: "Upstream retry attempts.",
		}, []string{"upstream"}),
		upstreamHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "accesspoint_upstream_healthy",
			Help: "Per-node health, 1 healthy / 0 unhealthy.",
		}, []string{"upstream", "node"}),
		mcpSessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "accesspoint_mcp_sessions_active",
			Help: "Active MCP sessions by transport.",
		}, []string{"transport"}),
		mcpToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accesspoint_mcp_tool_calls_total",
			Help: "MCP tool calls by service, tool and upstream status code.",
		}, []string{"service", "tool", "code"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.upstreamRetries,
		m.upstreamHealthy,
		m.mcpSessionsActive,
		m.mcpToolCalls,
	)
	return m
}

// RecordRequest records a completed proxied request.
func (m *Metrics) RecordRequest(route, method string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordRetry records one upstream retry attempt.
func (m *Metrics) RecordRetry(upstream string) {
	m.upstreamRetries.WithLabelValues(upstream).Inc()
}

// SetNodeHealth records a node health transition.
func (m *Metrics) SetNodeHealth(upstream, node string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.upstreamHealthy.WithLabelValues(upstream, node).Set(v)
}

// SessionOpened increments the active session gauge for a transport.
func (m *Metrics) SessionOpened(transport string) {
	m.mcpSessionsActive.WithLabelValues(transport).Inc()
}

// SessionClosed decrements the active session gauge for a transport.
func (m *Metrics) SessionClosed(transport string) {
	m.mcpSessionsActive.WithLabelValues(transport).Dec()
}

// RecordToolCall records one MCP tool invocation.
func (m *Metrics) RecordToolCall(service, tool string, code int) {
	m.mcpToolCalls.WithLabelValues(service, tool, strconv.Itoa(code)).Inc()
}

// Handler serves the Prometheus text exposition for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
