// Package main provides the CLI entry point for conductor, an agent
// orchestration runtime.
//
// # Basic Usage
//
// Run a single prompt in the current directory:
//
//	conductor run "explain the build"
//
// Serve the websocket gateway:
//
//	conductor serve --config conductor.yaml
//
// Inspect sessions, models and MCP servers:
//
//	conductor sessions list
//	conductor models
//	conductor mcp servers
//
// # Environment Variables
//
//   - CONDUCTOR_CONFIG: Path to the configuration file
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY: provider keys
//   - AWS_PROFILE / AWS_ACCESS_KEY_ID: enable Amazon Bedrock
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/conductor/internal/config"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "conductor - agent orchestration runtime",
		Long: `conductor runs LLM agents that call tools under a permission policy.

Sessions stream model output, execute tool calls, ask before risky actions
and fail over between credentials and models.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildRunCmd(),
		buildSessionsCmd(),
		buildModelsCmd(),
		buildAgentsCmd(),
		buildMcpCmd(),
		buildPermissionsCmd(),
		buildAuthCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

// addConfigFlag registers the --config flag shared by every command.
func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", "", "Path to configuration file (default: $CONDUCTOR_CONFIG or ./conductor.yaml)")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
