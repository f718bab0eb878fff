package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can take one unconditionally.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.ToolExecuted("bash", "completed", time.Since(start))
type Metrics struct {
	// Turns counts finished chat turns.
	// Labels: agent, outcome (completed|error|aborted|blocked)
	Turns *prometheus.CounterVec

	// TurnDuration measures a whole turn including tool calls.
	// Labels: agent
	TurnDuration *prometheus.HistogramVec

	// ActiveTurns is the number of sessions currently streaming.
	ActiveTurns prometheus.Gauge

	// ProviderRequests counts model stream attempts.
	// Labels: provider, model, status (success|error)
	ProviderRequests *prometheus.CounterVec

	// Tokens counts model token usage.
	// Labels: provider, model, type (input|output|reasoning|cache_read|cache_write)
	Tokens *prometheus.CounterVec

	// StreamRetries counts transient stream failures that were retried.
	// Labels: provider
	StreamRetries *prometheus.CounterVec

	// ToolExecutions counts tool calls by final status.
	// Labels: tool, status (completed|error)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// PermissionAsks counts permission requests raised by tool calls.
	// Labels: permission, outcome (allowed|denied|rejected|corrected)
	PermissionAsks *prometheus.CounterVec

	// MCPServers reports 1 for the current status of each MCP server.
	// Labels: server, status (connected|disabled|failed)
	MCPServers *prometheus.GaugeVec

	// GatewayClients is the number of connected websocket clients.
	GatewayClients prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Turns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_turns_total",
				Help: "Total number of chat turns by agent and outcome",
			},
			[]string{"agent", "outcome"},
		),
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_turn_duration_seconds",
				Help:    "Duration of chat turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"agent"},
		),
		ActiveTurns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_active_turns",
				Help: "Number of sessions with a turn in progress",
			},
		),
		ProviderRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_provider_requests_total",
				Help: "Total number of model stream attempts by provider, model and status",
			},
			[]string{"provider", "model", "status"},
		),
		Tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tokens_total",
				Help: "Total number of tokens by provider, model and type",
			},
			[]string{"provider", "model", "type"},
		),
		StreamRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_stream_retries_total",
				Help: "Total number of retried model streams by provider",
			},
			[]string{"provider"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_tool_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		PermissionAsks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_permission_asks_total",
				Help: "Total number of tool permission checks by permission and outcome",
			},
			[]string{"permission", "outcome"},
		),
		MCPServers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conductor_mcp_servers",
				Help: "MCP server status, 1 for the current status of each server",
			},
			[]string{"server", "status"},
		),
		GatewayClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_gateway_clients",
				Help: "Number of connected gateway websocket clients",
			},
		),
	}
}

// TurnStarted marks a session as streaming.
func (m *Metrics) TurnStarted() {
	if m == nil {
		return
	}
	m.ActiveTurns.Inc()
}

// TurnFinished records a completed turn.
func (m *Metrics) TurnFinished(agent, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveTurns.Dec()
	m.Turns.WithLabelValues(agent, outcome).Inc()
	m.TurnDuration.WithLabelValues(agent).Observe(d.Seconds())
}

// ProviderRequest records one stream attempt.
func (m *Metrics) ProviderRequest(provider, model string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ProviderRequests.WithLabelValues(provider, model, status).Inc()
}

// TokensUsed adds one step's usage. Zero counts are skipped.
func (m *Metrics) TokensUsed(provider, model string, input, output, reasoning, cacheRead, cacheWrite int) {
	if m == nil {
		return
	}
	for typ, n := range map[string]int{
		"input":       input,
		"output":      output,
		"reasoning":   reasoning,
		"cache_read":  cacheRead,
		"cache_write": cacheWrite,
	} {
		if n > 0 {
			m.Tokens.WithLabelValues(provider, model, typ).Add(float64(n))
		}
	}
}

// StreamRetried counts a retried stream.
func (m *Metrics) StreamRetried(provider string) {
	if m == nil {
		return
	}
	m.StreamRetries.WithLabelValues(provider).Inc()
}

// ToolExecuted records a finished tool call.
func (m *Metrics) ToolExecuted(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// PermissionChecked records the outcome of a tool permission check.
func (m *Metrics) PermissionChecked(permission, outcome string) {
	if m == nil {
		return
	}
	m.PermissionAsks.WithLabelValues(permission, outcome).Inc()
}

// MCPStatus sets the status gauge of server. Every other status of the
// server is reset to 0.
func (m *Metrics) MCPStatus(server, status string) {
	if m == nil {
		return
	}
	for _, s := range []string{"connected", "disabled", "failed"} {
		v := 0.0
		if s == status {
			v = 1
		}
		m.MCPServers.WithLabelValues(server, s).Set(v)
	}
}

// GatewayClient adjusts the connected client gauge by delta.
func (m *Metrics) GatewayClient(delta int) {
	if m == nil {
		return
	}
	m.GatewayClients.Add(float64(delta))
}
