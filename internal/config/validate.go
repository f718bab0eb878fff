package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/conductor/internal/sessions"
	"github.com/haasonsaas/conductor/internal/tool"
)

// ValidationError collects every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "config validation failed"
	}
	return "config validation failed:\n  - " + strings.Join(e.Issues, "\n  - ")
}

// Validate checks the configuration and reports all issues at once.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		add("version: %v", err)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		add("server.path must start with /")
	}
	if c.Server.ShutdownTimeout < 0 {
		add("server.shutdown_timeout must be >= 0")
	}

	switch c.Storage.Driver {
	case StorageFile, StorageMemory, sessions.DriverSQLite, sessions.DriverSQLite3:
	case sessions.DriverPostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add("storage.dsn is required for the postgres driver")
		}
	default:
		add("storage.driver %q must be one of file, memory, sqlite, sqlite3, postgres", c.Storage.Driver)
	}
	if c.Storage.MaxOpenConns < 0 || c.Storage.MaxIdleConns < 0 {
		add("storage connection limits must be >= 0")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		add("logging.format %q must be json or text", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		add("metrics.path must start with /")
	}

	for _, field := range []struct{ name, value string }{
		{"model", c.Model},
		{"small_model", c.SmallModel},
	} {
		if field.value == "" {
			continue
		}
		if !validModel(field.value) {
			add("%s %q must be provider/model", field.name, field.value)
		}
	}
	for _, id := range sortedKeys(c.Providers) {
		p := c.Providers[id]
		for modelID, m := range p.Models {
			if m == nil {
				add("providers.%s.models.%s is empty", id, modelID)
			}
		}
	}

	if err := c.validatePermissions(); err != nil {
		add("%v", err)
	}
	if _, err := sessions.NewAgentRegistry(c.PermissionRules(), c.Agents); err != nil {
		add("agents: %v", err)
	}

	p := c.Processor
	if p.DoomLoopThreshold < 0 {
		add("processor.doom_loop_threshold must be >= 0")
	}
	if p.MaxSteps < 0 {
		add("processor.max_steps must be >= 0")
	}
	if p.RetryInitialDelay < 0 || p.RetryMaxDelay < 0 {
		add("processor retry delays must be >= 0")
	}
	if p.RetryMaxDelay > 0 && p.RetryInitialDelay > p.RetryMaxDelay {
		add("processor.retry_initial_delay must not exceed retry_max_delay")
	}

	t := c.Truncation
	if t.MaxLines < 0 || t.MaxBytes < 0 {
		add("truncation limits must be >= 0")
	}
	if t.Retention < 0 {
		add("truncation.retention must be >= 0")
	}
	if t.SweepSchedule != "" {
		if err := tool.ParseSchedule(t.SweepSchedule); err != nil {
			add("truncation.sweep_schedule: %v", err)
		}
	}

	for _, name := range sortedKeys(c.MCP) {
		if err := c.MCP[name].Validate(name); err != nil {
			add("mcp: %v", err)
		}
	}

	if c.Auth.Cooldown < 0 || c.Auth.CredentialCooldown < 0 {
		add("auth cooldowns must be >= 0")
	}
	for _, pins := range []struct {
		key string
		m   map[string]string
	}{{"auth.locked", c.Auth.Locked}, {"auth.preferred", c.Auth.Preferred}} {
		for _, providerID := range sortedKeys(pins.m) {
			if strings.TrimSpace(pins.m[providerID]) == "" {
				add("%s.%s must name a profile", pins.key, providerID)
			}
		}
	}
	if c.Auth.Gateway.TokenExpiry < 0 {
		add("auth.gateway.token_expiry must be >= 0")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func validModel(s string) bool {
	providerID, modelID, ok := strings.Cut(strings.TrimSpace(s), "/")
	return ok && providerID != "" && modelID != ""
}

func (c *Config) validatePermissions() error {
	for _, entry := range c.Permission {
		if strings.TrimSpace(entry.Permission) == "" {
			return fmt.Errorf("permission: empty permission name")
		}
		if len(entry.Patterns) == 0 && !entry.Action.Valid() {
			return fmt.Errorf("permission %q: invalid action %q", entry.Permission, entry.Action)
		}
		for _, pa := range entry.Patterns {
			if !pa.Action.Valid() {
				return fmt.Errorf("permission %q pattern %q: invalid action %q", entry.Permission, pa.Pattern, pa.Action)
			}
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
