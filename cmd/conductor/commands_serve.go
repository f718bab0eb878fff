package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the websocket gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the conductor gateway",
		Long: `Start the conductor gateway.

The server will:
1. Load configuration from the specified file (or conductor.yaml)
2. Open the session store and permission state
3. Enable providers with credentials and connect MCP servers
4. Serve the websocket control plane, health checks and metrics

Configuration changes to MCP servers and auth order are applied without a
restart. Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  conductor serve

  # Start with custom config and debug logging
  conductor serve --config /etc/conductor/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, debug)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}
