package main

import (
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Models and Agents Commands
// =============================================================================

func buildModelsCmd() *cobra.Command {
	var (
		configPath string
		providerID string
	)
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List enabled providers and their models",
		Long: `List the providers enabled by configuration, environment variables and
auth profiles, with every model they offer. The default model is marked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModels(cmd, configPath, providerID)
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&providerID, "provider", "p", "", "Only list models of this provider")
	return cmd
}

func buildAgentsCmd() *cobra.Command {
	var (
		configPath string
		all        bool
	)
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List configured agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgents(cmd, configPath, all)
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&all, "all", false, "Include hidden agents")
	return cmd
}

// =============================================================================
// MCP Commands
// =============================================================================

func buildMcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Inspect MCP tool servers",
	}
	cmd.AddCommand(buildMcpServersCmd(), buildMcpToolsCmd())
	return cmd
}

func buildMcpServersCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Connect to every configured server and report its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMcpServers(cmd, configPath)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func buildMcpToolsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List tools, prompts and resources offered by connected servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMcpTools(cmd, configPath)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

// =============================================================================
// Permissions Commands
// =============================================================================

func buildPermissionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Inspect permission rules",
	}
	cmd.AddCommand(buildPermissionsListCmd(), buildPermissionsCheckCmd())
	return cmd
}

func buildPermissionsListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules approved with \"always\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPermissionsList(cmd, configPath)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func buildPermissionsCheckCmd() *cobra.Command {
	var (
		configPath string
		agent      string
	)
	cmd := &cobra.Command{
		Use:   "check <permission> <pattern>",
		Short: "Show which action an agent gets for a permission and pattern",
		Example: `  conductor permissions check bash "git status"
  conductor permissions check --agent plan edit "src/main.go"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPermissionsCheck(cmd, configPath, agent, args[0], args[1])
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&agent, "agent", "a", "build", "Agent whose rules apply")
	return cmd
}

// =============================================================================
// Auth Commands
// =============================================================================

func buildAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage provider credentials and gateway tokens",
	}
	cmd.AddCommand(buildAuthProfilesCmd(), buildAuthAddCmd(), buildAuthRemoveCmd(), buildAuthTokenCmd())
	return cmd
}

func buildAuthProfilesCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List auth profiles and their cooldown state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthProfiles(cmd, configPath)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func buildAuthAddCmd() *cobra.Command {
	var (
		configPath string
		id         string
	)
	cmd := &cobra.Command{
		Use:   "add <provider>",
		Short: "Store an API key for a provider",
		Long: `Store an API key for a provider. The key is read from the terminal
without echo, or from stdin when it is not a terminal.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthAdd(cmd, configPath, args[0], id)
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&id, "id", "", "Profile id (default: <provider>:default)")
	return cmd
}

func buildAuthRemoveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "remove <profile-id>",
		Short: "Delete an auth profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthRemove(cmd, configPath, args[0])
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func buildAuthTokenCmd() *cobra.Command {
	var (
		configPath string
		subject    string
		expiry     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a gateway bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthToken(cmd, configPath, subject, expiry)
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&subject, "subject", "cli", "Token subject")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "Token lifetime (default: auth.gateway.token_expiry)")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and describe configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd(), buildConfigShowCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report every problem",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

func buildConfigShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the configuration after includes and environment expansion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd, configPath)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}
