// Package provider resolves models, builds streaming language clients for
// each supported API, and fails over between auth profiles.
package provider

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/sahilm/fuzzy"
)

// API kinds select the client factory for a model.
const (
	KindAnthropic = "anthropic"
	KindOpenAI    = "openai"
	KindGoogle    = "google"
	KindBedrock   = "bedrock"
)

// Source records how a provider was enabled.
type Source string

const (
	SourceEnv    Source = "env"
	SourceConfig Source = "config"
	SourceAuth   Source = "auth"
)

// API identifies the wire API and endpoint for a model.
type API struct {
	Kind string `json:"kind" yaml:"kind"`
	// ID is the model name sent on the wire when it differs from Model.ID.
	ID  string `json:"id,omitempty" yaml:"id,omitempty"`
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
}

// Limit holds token limits.
type Limit struct {
	Context int `json:"context" yaml:"context"`
	Output  int `json:"output" yaml:"output"`
}

// Capabilities lists optional model features.
type Capabilities struct {
	Reasoning  bool `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
	ToolCall   bool `json:"toolcall,omitempty" yaml:"toolcall,omitempty"`
	Attachment bool `json:"attachment,omitempty" yaml:"attachment,omitempty"`
}

// Cost is USD per million tokens.
type Cost struct {
	Input      float64 `json:"input,omitempty" yaml:"input,omitempty"`
	Output     float64 `json:"output,omitempty" yaml:"output,omitempty"`
	CacheRead  float64 `json:"cache_read,omitempty" yaml:"cache_read,omitempty"`
	CacheWrite float64 `json:"cache_write,omitempty" yaml:"cache_write,omitempty"`
}

// Model describes one model of a provider.
type Model struct {
	ID           string            `json:"id" yaml:"id"`
	ProviderID   string            `json:"provider_id" yaml:"-"`
	Name         string            `json:"name" yaml:"name"`
	API          API               `json:"api" yaml:"api"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Limit        Limit             `json:"limit" yaml:"limit"`
	Capabilities Capabilities      `json:"capabilities" yaml:"capabilities"`
	Cost         Cost              `json:"cost" yaml:"cost"`
}

// WireID returns the model name to send to the provider API.
func (m *Model) WireID() string {
	if m.API.ID != "" {
		return m.API.ID
	}
	return m.ID
}

// Ref returns the provider/model reference.
func (m *Model) Ref() ModelRef {
	return ModelRef{ProviderID: m.ProviderID, ModelID: m.ID}
}

// Options are provider-wide client settings.
type Options struct {
	APIKey  string            `json:"-" yaml:"api_key,omitempty"`
	BaseURL string            `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Region  string            `json:"region,omitempty" yaml:"region,omitempty"`
}

// Info is an enabled provider.
type Info struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Source  Source            `json:"source"`
	Env     []string          `json:"env"`
	Options Options           `json:"options"`
	Models  map[string]*Model `json:"models"`
	Default string            `json:"default,omitempty"`
}

// Config customizes or adds a provider.
type Config struct {
	Name    string            `yaml:"name,omitempty"`
	Kind    string            `yaml:"kind,omitempty"`
	Env     []string          `yaml:"env,omitempty"`
	Options Options           `yaml:",inline"`
	Models  map[string]*Model `yaml:"models,omitempty"`
	Default string            `yaml:"default,omitempty"`
}

// ModelRef points at a model by provider and model id.
type ModelRef struct {
	ProviderID string `json:"provider_id" yaml:"provider_id"`
	ModelID    string `json:"model_id" yaml:"model_id"`
}

func (r ModelRef) String() string {
	return r.ProviderID + "/" + r.ModelID
}

// IsZero reports whether the ref is empty.
func (r ModelRef) IsZero() bool {
	return r.ProviderID == "" && r.ModelID == ""
}

// ParseModel splits "provider/model". Everything after the first slash is
// the model id, so "openrouter/openai/gpt-4o" keeps "openai/gpt-4o".
func ParseModel(s string) ModelRef {
	providerID, modelID, _ := strings.Cut(strings.TrimSpace(s), "/")
	return ModelRef{ProviderID: providerID, ModelID: modelID}
}

// InitOptions controls which providers are enabled.
type InitOptions struct {
	// Getenv defaults to os.Getenv.
	Getenv    func(string) string
	Providers map[string]Config
	Disabled  []string
	// AuthProviders are providers with at least one auth profile.
	AuthProviders []string
}

// Catalog holds the enabled providers and their models.
type Catalog struct {
	mu        sync.RWMutex
	providers map[string]*Info
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{providers: make(map[string]*Info)}
}

// Init enables providers from the environment, auth profiles and config.
// Config entries may add providers that are not built in.
func (c *Catalog) Init(opts InitOptions) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	disabled := make(map[string]bool, len(opts.Disabled))
	for _, id := range opts.Disabled {
		disabled[id] = true
	}
	authProviders := make(map[string]bool, len(opts.AuthProviders))
	for _, id := range opts.AuthProviders {
		authProviders[id] = true
	}

	enabled := make(map[string]*Info)
	for _, def := range builtinProviders() {
		if disabled[def.ID] {
			continue
		}
		for _, key := range def.Env {
			if v := getenv(key); v != "" {
				def.Source = SourceEnv
				if !strings.HasPrefix(key, "AWS_") {
					def.Options.APIKey = v
				}
				enabled[def.ID] = def
				break
			}
		}
		if _, ok := enabled[def.ID]; !ok && authProviders[def.ID] {
			def.Source = SourceAuth
			enabled[def.ID] = def
		}
	}

	builtins := make(map[string]*Info)
	for _, def := range builtinProviders() {
		builtins[def.ID] = def
	}
	for id, cfg := range opts.Providers {
		if disabled[id] {
			continue
		}
		info := enabled[id]
		if info == nil {
			info = builtins[id]
		}
		if info == nil {
			info = &Info{ID: id, Name: id, Models: make(map[string]*Model)}
		}
		info.Source = SourceConfig
		applyConfig(info, cfg)
		enabled[id] = info
	}

	c.mu.Lock()
	c.providers = enabled
	c.mu.Unlock()
}

func applyConfig(info *Info, cfg Config) {
	if cfg.Name != "" {
		info.Name = cfg.Name
	}
	if len(cfg.Env) > 0 {
		info.Env = cfg.Env
	}
	if cfg.Options.APIKey != "" {
		info.Options.APIKey = cfg.Options.APIKey
	}
	if cfg.Options.BaseURL != "" {
		info.Options.BaseURL = cfg.Options.BaseURL
	}
	if cfg.Options.Region != "" {
		info.Options.Region = cfg.Options.Region
	}
	if len(cfg.Options.Headers) > 0 {
		if info.Options.Headers == nil {
			info.Options.Headers = make(map[string]string)
		}
		for k, v := range cfg.Options.Headers {
			info.Options.Headers[k] = v
		}
	}
	if cfg.Default != "" {
		info.Default = cfg.Default
	}
	for id, m := range cfg.Models {
		model := *m
		model.ID = id
		model.ProviderID = info.ID
		if model.Name == "" {
			model.Name = id
		}
		if model.API.Kind == "" {
			model.API.Kind = cfg.Kind
		}
		if model.API.Kind == "" {
			model.API.Kind = KindOpenAI
		}
		if existing, ok := info.Models[id]; ok && model.Limit.Context == 0 {
			model.Limit = existing.Limit
			model.Capabilities = existing.Capabilities
		}
		info.Models[id] = &model
	}
}

// Register adds or replaces a provider.
func (c *Catalog) Register(info *Info) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, m := range info.Models {
		m.ID = id
		m.ProviderID = info.ID
	}
	c.providers[info.ID] = info
}

// AddModels merges models into an enabled provider. Models already in the
// catalog keep their definition.
func (c *Catalog) AddModels(providerID string, models []*Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.providers[providerID]
	if !ok {
		return
	}
	for _, m := range models {
		if _, exists := info.Models[m.ID]; exists {
			continue
		}
		m.ProviderID = providerID
		info.Models[m.ID] = m
	}
}

// List returns enabled providers sorted by id.
func (c *Catalog) List() []*Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Info, 0, len(c.providers))
	for _, info := range c.providers {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetProvider returns an enabled provider.
func (c *Catalog) GetProvider(providerID string) (*Info, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.providers[providerID]
	if !ok {
		ids := make([]string, 0, len(c.providers))
		for id := range c.providers {
			ids = append(ids, id)
		}
		return nil, &ModelNotFoundError{ProviderID: providerID, Suggestions: suggest(providerID, ids)}
	}
	return info, nil
}

// GetModel returns a model of an enabled provider. Unknown ids produce a
// ModelNotFoundError carrying up to three close matches.
func (c *Catalog) GetModel(providerID, modelID string) (*Model, error) {
	info, err := c.GetProvider(providerID)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := info.Models[modelID]; ok {
		return m, nil
	}
	ids := make([]string, 0, len(info.Models))
	for id := range info.Models {
		ids = append(ids, id)
	}
	return nil, &ModelNotFoundError{ProviderID: providerID, ModelID: modelID, Suggestions: suggest(modelID, ids)}
}

var providerPriority = []string{"anthropic", "openai", "google", "amazon-bedrock", "openrouter"}

// DefaultModel picks the first enabled provider by priority and its default model.
func (c *Catalog) DefaultModel() (ModelRef, error) {
	providers := c.List()
	if len(providers) == 0 {
		return ModelRef{}, fmt.Errorf("no providers found")
	}
	rank := func(id string) int {
		for i, p := range providerPriority {
			if p == id {
				return i
			}
		}
		return len(providerPriority)
	}
	sort.SliceStable(providers, func(i, j int) bool { return rank(providers[i].ID) < rank(providers[j].ID) })
	for _, info := range providers {
		if info.Default != "" {
			if _, ok := info.Models[info.Default]; ok {
				return ModelRef{ProviderID: info.ID, ModelID: info.Default}, nil
			}
		}
		ids := make([]string, 0, len(info.Models))
		for id := range info.Models {
			ids = append(ids, id)
		}
		if len(ids) > 0 {
			sort.Strings(ids)
			return ModelRef{ProviderID: info.ID, ModelID: ids[0]}, nil
		}
	}
	return ModelRef{}, fmt.Errorf("no models found")
}

var smallModelPriority = []string{"claude-haiku-4-5", "claude-3-5-haiku", "gemini-2.5-flash", "gpt-4o-mini", "nova-lite"}

// SmallModel returns a cheap model of the provider for titles and summaries.
func (c *Catalog) SmallModel(providerID string) *Model {
	info, err := c.GetProvider(providerID)
	if err != nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(info.Models))
	for id := range info.Models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, want := range smallModelPriority {
		for _, id := range ids {
			if strings.Contains(id, want) {
				return info.Models[id]
			}
		}
	}
	return nil
}

func suggest(pattern string, candidates []string) []string {
	sort.Strings(candidates)
	matches := fuzzy.Find(pattern, candidates)
	out := make([]string, 0, 3)
	for _, m := range matches {
		out = append(out, m.Str)
		if len(out) == 3 {
			return out
		}
	}
	if len(out) > 0 {
		return out
	}
	// Fall back to a shared family prefix, e.g. "gpt-5" suggests "gpt-4o".
	family, _, _ := strings.Cut(pattern, "-")
	for _, c := range candidates {
		if family != "" && strings.HasPrefix(c, family) {
			out = append(out, c)
			if len(out) == 3 {
				break
			}
		}
	}
	return out
}
