package sessions

import (
	"fmt"
	"sort"

	"github.com/haasonsaas/conductor/internal/permission"
	"github.com/haasonsaas/conductor/internal/provider"
)

// AgentMode says where an agent may be used.
type AgentMode string

const (
	ModePrimary  AgentMode = "primary"
	ModeSubagent AgentMode = "subagent"
	ModeAll      AgentMode = "all"
)

// Agent is a named persona: a prompt, a permission ruleset and model
// preferences.
type Agent struct {
	Name        string
	Description string
	Mode        AgentMode
	Native      bool
	Hidden      bool
	Prompt      string
	Permission  permission.Ruleset
	Model       *provider.ModelRef
	Fallbacks   []provider.ModelRef
	Temperature *float64
	Thinking    provider.ThinkingLevel
	// Steps bounds the agentic loop; zero uses the processor default.
	Steps int
}

// AgentConfig customizes a built-in agent or defines a new one.
type AgentConfig struct {
	Description string            `yaml:"description,omitempty"`
	Mode        AgentMode         `yaml:"mode,omitempty"`
	Hidden      *bool             `yaml:"hidden,omitempty"`
	Disable     bool              `yaml:"disable,omitempty"`
	Prompt      string            `yaml:"prompt,omitempty"`
	Model       string            `yaml:"model,omitempty"`
	Fallbacks   []string          `yaml:"fallbacks,omitempty"`
	Temperature *float64          `yaml:"temperature,omitempty"`
	Thinking    string            `yaml:"thinking,omitempty"`
	Steps       int               `yaml:"steps,omitempty"`
	Permission  permission.Config `yaml:"permission,omitempty"`
}

// Hidden agent prompts.
const (
	CompactionPrompt = "Summarize the conversation so far, preserving key context and decisions made."
	TitlePrompt      = "Generate a short title (3-8 words) for this conversation."
	SummaryPrompt    = "Summarize the changes made in this session."
)

// Built-in agent names.
const (
	AgentBuild      = "build"
	AgentPlan       = "plan"
	AgentGeneral    = "general"
	AgentExplore    = "explore"
	AgentCompaction = "compaction"
	AgentTitle      = "title"
	AgentSummary    = "summary"
)

func rule(perm, pattern string, action permission.Action) permission.Rule {
	return permission.Rule{Permission: perm, Pattern: pattern, Action: action}
}

// DefaultPermissions is the base ruleset every agent starts from.
func DefaultPermissions() permission.Ruleset {
	return permission.Ruleset{
		rule("*", "*", permission.ActionAllow),
		rule("doom_loop", "*", permission.ActionAsk),
		rule("external_directory", "*", permission.ActionAsk),
		rule("question", "*", permission.ActionDeny),
		rule("plan_enter", "*", permission.ActionDeny),
		rule("plan_exit", "*", permission.ActionDeny),
		rule("read", "*", permission.ActionAllow),
		rule("read", "*.env", permission.ActionAsk),
		rule("read", "*.env.*", permission.ActionAsk),
		rule("read", "*.env.example", permission.ActionAllow),
	}
}

func denyAll() permission.Ruleset {
	return permission.Ruleset{rule("*", "*", permission.ActionDeny)}
}

// AgentRegistry resolves agents by name.
type AgentRegistry struct {
	agents map[string]*Agent
	order  []string
}

// NewAgentRegistry builds the built-in agents, layering user permissions
// over the defaults, then applies config overrides. Unknown names in
// overrides define new agents.
func NewAgentRegistry(userPermission permission.Ruleset, overrides map[string]AgentConfig) (*AgentRegistry, error) {
	defaults := DefaultPermissions()
	r := &AgentRegistry{agents: make(map[string]*Agent)}

	r.add(&Agent{
		Name:        AgentBuild,
		Description: "The default agent. Executes tools based on configured permissions.",
		Mode:        ModePrimary,
		Native:      true,
		Permission: permission.Merge(defaults, permission.Ruleset{
			rule("question", "*", permission.ActionAllow),
			rule("plan_enter", "*", permission.ActionAllow),
		}, userPermission),
	})
	r.add(&Agent{
		Name:        AgentPlan,
		Description: "Plan mode. Disallows all edit tools.",
		Mode:        ModePrimary,
		Native:      true,
		Permission: permission.Merge(defaults, permission.Ruleset{
			rule("question", "*", permission.ActionAllow),
			rule("plan_exit", "*", permission.ActionAllow),
			rule("edit", "*", permission.ActionDeny),
		}, userPermission),
	})
	r.add(&Agent{
		Name:        AgentGeneral,
		Description: "General-purpose agent for multi-step tasks run in parallel.",
		Mode:        ModeSubagent,
		Native:      true,
		Permission:  permission.Merge(defaults, userPermission),
	})
	explore := denyAll()
	for _, id := range []string{"grep", "glob", "bash", "webfetch", "read"} {
		explore = append(explore, rule(id, "*", permission.ActionAllow))
	}
	explore = append(explore, rule("external_directory", "*", permission.ActionAsk))
	r.add(&Agent{
		Name:        AgentExplore,
		Description: "Fast read-only agent for exploring codebases.",
		Mode:        ModeSubagent,
		Native:      true,
		Permission:  permission.Merge(defaults, explore, userPermission),
	})
	r.add(&Agent{
		Name:       AgentCompaction,
		Mode:       ModePrimary,
		Native:     true,
		Hidden:     true,
		Prompt:     CompactionPrompt,
		Permission: permission.Merge(defaults, denyAll(), userPermission),
	})
	titleTemp := 0.5
	r.add(&Agent{
		Name:        AgentTitle,
		Mode:        ModePrimary,
		Native:      true,
		Hidden:      true,
		Prompt:      TitlePrompt,
		Temperature: &titleTemp,
		Permission:  permission.Merge(defaults, denyAll(), userPermission),
	})
	r.add(&Agent{
		Name:       AgentSummary,
		Mode:       ModePrimary,
		Native:     true,
		Hidden:     true,
		Prompt:     SummaryPrompt,
		Permission: permission.Merge(defaults, denyAll(), userPermission),
	})

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := r.apply(name, overrides[name], defaults, userPermission); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *AgentRegistry) add(a *Agent) {
	if _, ok := r.agents[a.Name]; !ok {
		r.order = append(r.order, a.Name)
	}
	r.agents[a.Name] = a
}

func (r *AgentRegistry) apply(name string, cfg AgentConfig, defaults, userPermission permission.Ruleset) error {
	if cfg.Disable {
		delete(r.agents, name)
		for i, n := range r.order {
			if n == name {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		return nil
	}
	a, ok := r.agents[name]
	if !ok {
		a = &Agent{
			Name:       name,
			Mode:       ModeAll,
			Permission: permission.Merge(defaults, userPermission),
		}
		r.add(a)
	}
	if cfg.Description != "" {
		a.Description = cfg.Description
	}
	if cfg.Mode != "" {
		switch cfg.Mode {
		case ModePrimary, ModeSubagent, ModeAll:
			a.Mode = cfg.Mode
		default:
			return fmt.Errorf("agent %q: unknown mode %q", name, cfg.Mode)
		}
	}
	if cfg.Hidden != nil {
		a.Hidden = *cfg.Hidden
	}
	if cfg.Prompt != "" {
		a.Prompt = cfg.Prompt
	}
	if cfg.Model != "" {
		ref := provider.ParseModel(cfg.Model)
		if ref.ProviderID == "" || ref.ModelID == "" {
			return fmt.Errorf("agent %q: model must be provider/model, got %q", name, cfg.Model)
		}
		a.Model = &ref
	}
	for _, fb := range cfg.Fallbacks {
		ref := provider.ParseModel(fb)
		if ref.ProviderID == "" || ref.ModelID == "" {
			return fmt.Errorf("agent %q: fallback must be provider/model, got %q", name, fb)
		}
		a.Fallbacks = append(a.Fallbacks, ref)
	}
	if cfg.Temperature != nil {
		a.Temperature = cfg.Temperature
	}
	if cfg.Thinking != "" {
		level, err := provider.ParseThinkingLevel(cfg.Thinking)
		if err != nil {
			return fmt.Errorf("agent %q: %w", name, err)
		}
		a.Thinking = level
	}
	if cfg.Steps > 0 {
		a.Steps = cfg.Steps
	}
	if len(cfg.Permission) > 0 {
		a.Permission = permission.Merge(a.Permission, permission.FromConfig(cfg.Permission))
	}
	return nil
}

// Get returns the named agent.
func (r *AgentRegistry) Get(name string) (*Agent, bool) {
	a, ok := r.agents[name]
	return a, ok
}

// List returns agents in registration order.
func (r *AgentRegistry) List() []*Agent {
	out := make([]*Agent, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.agents[name])
	}
	return out
}

// Default returns the configured default agent, or the first visible
// primary agent when configured is empty.
func (r *AgentRegistry) Default(configured string) (*Agent, error) {
	if configured != "" {
		a, ok := r.agents[configured]
		if !ok {
			return nil, fmt.Errorf("default agent %q not found", configured)
		}
		if a.Mode == ModeSubagent {
			return nil, fmt.Errorf("default agent %q is a subagent", configured)
		}
		if a.Hidden {
			return nil, fmt.Errorf("default agent %q is hidden", configured)
		}
		return a, nil
	}
	for _, name := range r.order {
		a := r.agents[name]
		if a.Mode != ModeSubagent && !a.Hidden {
			return a, nil
		}
	}
	return nil, fmt.Errorf("no primary visible agent found")
}
