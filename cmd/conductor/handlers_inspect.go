package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/conductor/internal/auth"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/mcp"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/permission"
	"github.com/haasonsaas/conductor/internal/provider"
)

// =============================================================================
// Models and Agents Handlers
// =============================================================================

func runModels(cmd *cobra.Command, configPath, providerID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	rt := &runtime{cfg: cfg, logger: observability.NewLogger(cfg.Logging)}
	if err := rt.initProviders(cmd.Context()); err != nil {
		return err
	}
	return printCatalog(cmd.OutOrStdout(), rt.catalog, providerID)
}

func printCatalog(out io.Writer, catalog *provider.Catalog, providerID string) error {
	infos := catalog.List()
	if providerID != "" {
		info, err := catalog.GetProvider(providerID)
		if err != nil {
			return err
		}
		infos = []*provider.Info{info}
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "No providers enabled. Set a provider API key or add an auth profile.")
		return nil
	}
	var defaultRef provider.ModelRef
	if ref, err := catalog.DefaultModel(); err == nil {
		defaultRef = ref
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tNAME\tCONTEXT\tSOURCE\tDEFAULT")
	for _, info := range infos {
		ids := make([]string, 0, len(info.Models))
		for id := range info.Models {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			model := info.Models[id]
			mark := ""
			if model.Ref() == defaultRef {
				mark = "*"
			}
			fmt.Fprintf(w, "%s/%s\t%s\t%d\t%s\t%s\n", info.ID, id, model.Name, model.Limit.Context, info.Source, mark)
		}
	}
	return w.Flush()
}

func runAgents(cmd *cobra.Command, configPath string, all bool) error {
	return withRuntime(cmd, configPath, func(_ context.Context, rt *runtime) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tMODE\tMODEL\tDESCRIPTION")
		for _, agent := range rt.agents.List() {
			if agent.Hidden && !all {
				continue
			}
			model := "-"
			if agent.Model != nil {
				model = agent.Model.String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", agent.Name, agent.Mode, model, agent.Description)
		}
		return w.Flush()
	})
}

// =============================================================================
// MCP Handlers
// =============================================================================

func connectMCP(cmd *cobra.Command, configPath string, fn func(context.Context, *mcp.Manager) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if len(cfg.MCP) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No MCP servers configured.")
		return nil
	}
	logger := observability.NewLogger(cfg.Logging)
	manager := mcp.NewManager(nil, logger)
	defer manager.Cleanup()

	ctx := cmd.Context()
	if err := manager.Init(ctx, cfg.MCP); err != nil {
		return fmt.Errorf("connect mcp servers: %w", err)
	}
	return fn(ctx, manager)
}

func runMcpServers(cmd *cobra.Command, configPath string) error {
	return connectMCP(cmd, configPath, func(_ context.Context, manager *mcp.Manager) error {
		statuses := manager.Status()
		names := make([]string, 0, len(statuses))
		for name := range statuses {
			names = append(names, name)
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SERVER\tSTATUS\tERROR")
		for _, name := range names {
			status := statuses[name]
			errText := status.Error
			if errText == "" {
				errText = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", name, status.Status, errText)
		}
		return w.Flush()
	})
}

func runMcpTools(cmd *cobra.Command, configPath string) error {
	return connectMCP(cmd, configPath, func(ctx context.Context, manager *mcp.Manager) error {
		out := cmd.OutOrStdout()
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TOOL\tDESCRIPTION")
		for _, t := range manager.Tools(ctx) {
			fmt.Fprintf(w, "%s\t%s\n", t.ID(), firstLine(t.Description()))
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if prompts := manager.Prompts(ctx); len(prompts) > 0 {
			fmt.Fprintln(out)
			w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROMPT\tSERVER\tDESCRIPTION")
			for _, p := range prompts {
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, p.Client, firstLine(p.Description))
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
		if resources := manager.Resources(ctx); len(resources) > 0 {
			fmt.Fprintln(out)
			w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RESOURCE\tSERVER\tURI")
			for _, r := range resources {
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, r.Client, r.URI)
			}
			return w.Flush()
		}
		return nil
	})
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

// =============================================================================
// Permissions Handlers
// =============================================================================

func runPermissionsList(cmd *cobra.Command, configPath string) error {
	return withRuntime(cmd, configPath, func(_ context.Context, rt *runtime) error {
		out := cmd.OutOrStdout()
		approved := rt.perms.Approved()
		if len(approved) == 0 {
			fmt.Fprintln(out, "No approved rules.")
			return nil
		}
		printRules(out, approved)
		return nil
	})
}

func printRules(out io.Writer, rules permission.Ruleset) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PERMISSION\tPATTERN\tACTION")
	for _, rule := range rules {
		fmt.Fprintf(w, "%s\t%s\t%s\n", rule.Permission, rule.Pattern, rule.Action)
	}
	_ = w.Flush()
}

func runPermissionsCheck(cmd *cobra.Command, configPath, agentName, perm, pattern string) error {
	return withRuntime(cmd, configPath, func(_ context.Context, rt *runtime) error {
		agent, ok := rt.agents.Get(agentName)
		if !ok {
			return fmt.Errorf("unknown agent %q", agentName)
		}
		rule := permission.Evaluate(perm, pattern, agent.Permission, rt.perms.Approved())
		fmt.Fprintf(cmd.OutOrStdout(), "%s (rule %s %s)\n", rule.Action, rule.Permission, rule.Pattern)
		return nil
	})
}

// =============================================================================
// Auth Handlers
// =============================================================================

func openProfiles(configPath string) (*auth.Store, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return auth.Open(cfg.Auth.ProfilesPath,
		auth.WithCooldown(cfg.Auth.Cooldown, cfg.Auth.CredentialCooldown),
		auth.WithLogger(observability.NewLogger(cfg.Logging)),
	)
}

func runAuthProfiles(cmd *cobra.Command, configPath string) error {
	store, err := openProfiles(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	ids := store.IDs()
	if len(ids) == 0 {
		fmt.Fprintf(out, "No auth profiles in %s.\n", store.Path())
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tTYPE\tERRORS\tCOOLDOWN")
	for _, id := range ids {
		profile, err := store.Get(id)
		if err != nil {
			continue
		}
		stats := store.Stats(id)
		cooldown := "-"
		if store.InCooldown(id) {
			cooldown = "until " + time.UnixMilli(stats.CooldownUntil).Format(time.RFC3339)
			if stats.FailureReason != "" {
				cooldown += " (" + string(stats.FailureReason) + ")"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", id, profile.Provider, profile.Type, stats.ErrorCount, cooldown)
	}
	return w.Flush()
}

func runAuthAdd(cmd *cobra.Command, configPath, providerID, id string) error {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return errors.New("provider is required")
	}
	if id == "" {
		id = providerID + ":default"
	}
	store, err := openProfiles(configPath)
	if err != nil {
		return err
	}
	key, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "API key for "+providerID)
	if err != nil {
		return err
	}
	store.Add(id, auth.Profile{Provider: providerID, Type: auth.CredentialAPIKey, Key: key})
	if err := store.Save(); err != nil {
		return fmt.Errorf("save auth profiles: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %s to %s\n", id, store.Path())
	return nil
}

// readSecret prompts for a value without echo on a terminal and reads one
// line from in otherwise.
func readSecret(in io.Reader, prompt io.Writer, label string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(prompt, "%s: ", label)
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", label, err)
		}
		return nonEmpty(label, string(raw))
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read %s: %w", label, err)
	}
	return nonEmpty(label, line)
}

func nonEmpty(label, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%s is required", label)
	}
	return value, nil
}

func runAuthRemove(cmd *cobra.Command, configPath, id string) error {
	store, err := openProfiles(configPath)
	if err != nil {
		return err
	}
	if _, err := store.Get(id); err != nil {
		return err
	}
	store.Remove(id)
	if err := store.Save(); err != nil {
		return fmt.Errorf("save auth profiles: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", id)
	return nil
}

func runAuthToken(cmd *cobra.Command, configPath, subject string, expiry time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	gw := cfg.Auth.Gateway
	if expiry <= 0 {
		expiry = gw.TokenExpiry
	}
	token, err := auth.NewGateway(gw.JWTSecret, expiry, gw.APIKeys, nil).Issue(subject)
	if err != nil {
		if errors.Is(err, auth.ErrAuthDisabled) {
			return errors.New("auth.gateway.jwt_secret is not configured")
		}
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// =============================================================================
// Config Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	if _, err := config.Load(configPath); err != nil {
		return err
	}
	if configPath == "" {
		configPath = "(defaults)"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", configPath)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

func runConfigShow(cmd *cobra.Command, configPath string) error {
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	if configPath == "" {
		return errors.New("no configuration file found")
	}
	raw, err := config.LoadRaw(configPath)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
