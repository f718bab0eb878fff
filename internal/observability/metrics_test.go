package observability

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.TurnStarted()
	m.TurnFinished("build", "completed", time.Second)
	m.ProviderRequest("anthropic", "claude", nil)
	m.TokensUsed("anthropic", "claude", 1, 2, 3, 4, 5)
	m.StreamRetried("anthropic")
	m.ToolExecuted("bash", "completed", time.Millisecond)
	m.PermissionChecked("bash", "allowed")
	m.MCPStatus("github", "connected")
}

func TestMetricsRegisterOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.TurnStarted()
	m.TurnFinished("build", "completed", 2*time.Second)
	m.ProviderRequest("openai", "gpt-4o", nil)
	m.ProviderRequest("openai", "gpt-4o", errors.New("503"))
	m.TokensUsed("openai", "gpt-4o", 10, 5, 0, 0, 0)
	m.ToolExecuted("read", "completed", 10*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if !strings.HasPrefix(f.GetName(), "conductor_") {
			t.Errorf("metric %q lacks the conductor_ prefix", f.GetName())
		}
	}

	if got := testutil.ToFloat64(m.ActiveTurns); got != 0 {
		t.Errorf("active turns = %v", got)
	}
	if got := testutil.ToFloat64(m.ProviderRequests.WithLabelValues("openai", "gpt-4o", "error")); got != 1 {
		t.Errorf("provider errors = %v", got)
	}
	if got := testutil.CollectAndCount(m.Tokens); got != 2 {
		t.Errorf("token series = %d, want input and output only", got)
	}
}

func TestMCPStatusKeepsOneActiveSeries(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.MCPStatus("github", "connected")
	m.MCPStatus("github", "failed")

	expected := `
		# HELP conductor_mcp_servers MCP server status, 1 for the current status of each server
		# TYPE conductor_mcp_servers gauge
		conductor_mcp_servers{server="github",status="connected"} 0
		conductor_mcp_servers{server="github",status="disabled"} 0
		conductor_mcp_servers{server="github",status="failed"} 1
	`
	if err := testutil.CollectAndCompare(m.MCPServers, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected gauge values: %v", err)
	}
}
