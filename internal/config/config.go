// Package config loads the conductor configuration file.
//
// Files are YAML, or JSON/JSON5 by extension. A top-level "$include" (or
// "include") names other files merged underneath the including one, and
// ${VAR} / ${VAR:-default} references are expanded from the environment
// before parsing. Unknown fields are rejected.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/conductor/internal/mcp"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/permission"
	"github.com/haasonsaas/conductor/internal/provider"
	"github.com/haasonsaas/conductor/internal/sessions"
	"github.com/haasonsaas/conductor/internal/tool"
)

// Config is the root configuration.
type Config struct {
	Version int `yaml:"version"`

	Server  ServerConfig              `yaml:"server"`
	Storage StorageConfig             `yaml:"storage"`
	Logging observability.LogConfig   `yaml:"logging"`
	Tracing observability.TraceConfig `yaml:"tracing"`
	Metrics MetricsConfig             `yaml:"metrics"`

	Providers         map[string]provider.Config `yaml:"providers"`
	DisabledProviders []string                   `yaml:"disabled_providers"`
	// Model is the default "provider/model"; empty picks one from the
	// enabled providers.
	Model      string `yaml:"model"`
	SmallModel string `yaml:"small_model"`
	// BedrockDiscovery lists foundation models from the Bedrock control
	// plane at startup.
	BedrockDiscovery provider.DiscoveryConfig `yaml:"bedrock_discovery"`

	Agents     map[string]sessions.AgentConfig `yaml:"agents"`
	Permission permission.Config               `yaml:"permission"`
	Tools      ToolsConfig                     `yaml:"tools"`
	Truncation TruncationConfig                `yaml:"truncation"`
	Processor  sessions.Config                 `yaml:"processor"`
	MCP        mcp.Config                      `yaml:"mcp"`
	Auth       AuthConfig                      `yaml:"auth"`
}

// ServerConfig configures the websocket gateway started by "conductor serve".
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Path is where the websocket endpoint is mounted.
	Path string `yaml:"path"`
	// AllowedOrigins restricts browser clients; empty allows same-host only.
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Storage drivers.
const (
	StorageFile   = "file"
	StorageMemory = "memory"
)

// StorageConfig selects where sessions, messages and parts are kept.
type StorageConfig struct {
	// Driver is file, memory, or one of the SQL drivers sqlite, sqlite3 and
	// postgres.
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	Dir             string        `yaml:"dir"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// SQL reports whether the driver is backed by database/sql.
func (s StorageConfig) SQL() bool {
	switch s.Driver {
	case sessions.DriverSQLite, sessions.DriverSQLite3, sessions.DriverPostgres:
		return true
	}
	return false
}

// SQLConfig converts the section for sessions.OpenSQLStore.
func (s StorageConfig) SQLConfig() sessions.SQLConfig {
	cfg := sessions.DefaultSQLConfig(s.Driver, s.DSN)
	if s.MaxOpenConns > 0 {
		cfg.MaxOpenConns = s.MaxOpenConns
	}
	if s.MaxIdleConns > 0 {
		cfg.MaxIdleConns = s.MaxIdleConns
	}
	if s.ConnMaxLifetime > 0 {
		cfg.ConnMaxLifetime = s.ConnMaxLifetime
	}
	return cfg
}

// MetricsConfig exposes prometheus metrics on the gateway.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ToolsConfig controls the built-in tools.
type ToolsConfig struct {
	// Workspace is the directory file tools resolve relative paths against.
	// Defaults to the working directory.
	Workspace string   `yaml:"workspace"`
	Disabled  []string `yaml:"disabled"`
}

// TruncationConfig bounds tool output sent to the model.
type TruncationConfig struct {
	// Dir receives the full text of truncated outputs.
	Dir           string        `yaml:"dir"`
	MaxLines      int           `yaml:"max_lines"`
	MaxBytes      int           `yaml:"max_bytes"`
	Retention     time.Duration `yaml:"retention"`
	SweepSchedule string        `yaml:"sweep_schedule"`
	// TokenModel selects the tiktoken encoding used to report output size.
	TokenModel string `yaml:"token_model"`
}

// AuthConfig configures provider credentials and gateway access.
type AuthConfig struct {
	// ProfilesPath is the JSON file holding auth profiles.
	ProfilesPath string `yaml:"profiles_path"`
	// Order lists profile ids to try first, per provider.
	Order map[string][]string `yaml:"order"`
	// Locked pins a provider to one profile; no other profile is tried.
	Locked map[string]string `yaml:"locked"`
	// Preferred names the profile tried first for a provider.
	Preferred          map[string]string `yaml:"preferred"`
	Cooldown           time.Duration     `yaml:"cooldown"`
	CredentialCooldown time.Duration     `yaml:"credential_cooldown"`
	Gateway            GatewayAuthConfig `yaml:"gateway"`
}

// GatewayAuthConfig protects the websocket gateway. Auth is off when both
// the secret and the API keys are empty.
type GatewayAuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
	APIKeys     []string      `yaml:"api_keys"`
}

// Default returns the configuration used for any field a file leaves unset.
func Default() *Config {
	data := DataDir()
	return &Config{
		Version: CurrentVersion,
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            4096,
			Path:            "/ws",
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Driver: StorageFile,
			Dir:    data,
		},
		Logging: observability.LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: observability.TraceConfig{
			ServiceName:  "conductor",
			SamplingRate: 1,
		},
		Metrics: MetricsConfig{Path: "/metrics"},
		Truncation: TruncationConfig{
			Dir:           filepath.Join(data, "tool-output"),
			MaxLines:      tool.DefaultMaxLines,
			MaxBytes:      tool.DefaultMaxBytes,
			Retention:     tool.DefaultRetention,
			SweepSchedule: tool.DefaultSweepSchedule,
			TokenModel:    "gpt-4o",
		},
		Processor: sessions.DefaultConfig(),
		Auth: AuthConfig{
			ProfilesPath: filepath.Join(data, "auth.json"),
			Cooldown:     time.Minute,
			Gateway: GatewayAuthConfig{
				TokenExpiry: 24 * time.Hour,
			},
		},
	}
}

// DataDir is $XDG_DATA_HOME/conductor, falling back to
// ~/.local/share/conductor.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "conductor")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".local", "share", "conductor")
}

// DefaultPath returns the config file used when none is given:
// $CONDUCTOR_CONFIG, then conductor.yaml in the working directory, then
// $XDG_CONFIG_HOME/conductor/config.yaml. It returns "" when none exist.
func DefaultPath() string {
	if p := os.Getenv("CONDUCTOR_CONFIG"); p != "" {
		return p
	}
	candidates := []string{"conductor.yaml", "conductor.yml", "conductor.json5", "conductor.json"}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "conductor", "config.yaml"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load reads path, applies defaults and validates the result. An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		node, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decodeInto(node, cfg); err != nil {
			return nil, err
		}
	}
	cfg.finish()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// finish fills values that depend on other fields.
func (c *Config) finish() {
	if c.Storage.Dir == "" {
		c.Storage.Dir = DataDir()
	}
	if c.Storage.DSN == "" && (c.Storage.Driver == sessions.DriverSQLite || c.Storage.Driver == sessions.DriverSQLite3) {
		c.Storage.DSN = filepath.Join(c.Storage.Dir, "conductor.db")
	}
	if c.Truncation.Dir == "" {
		c.Truncation.Dir = filepath.Join(c.Storage.Dir, "tool-output")
	}
	if c.Server.Path == "" {
		c.Server.Path = "/ws"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// PermissionRules returns the user permission section as a ruleset.
func (c *Config) PermissionRules() permission.Ruleset {
	return permission.FromConfig(c.Permission)
}

// DefaultModelRef returns the configured default model, if any.
func (c *Config) DefaultModelRef() (provider.ModelRef, bool) {
	if c.Model == "" {
		return provider.ModelRef{}, false
	}
	return provider.ParseModel(c.Model), true
}

// SmallModelRef returns the configured small model, if any.
func (c *Config) SmallModelRef() (provider.ModelRef, bool) {
	if c.SmallModel == "" {
		return provider.ModelRef{}, false
	}
	return provider.ParseModel(c.SmallModel), true
}
