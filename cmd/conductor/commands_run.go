package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Run Command
// =============================================================================

type runOptions struct {
	configPath string
	sessionID  string
	title      string
	agent      string
	model      string
	yes        bool
}

// buildRunCmd creates the "run" command that executes one chat turn from the
// terminal and streams the reply.
func buildRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [message...]",
		Short: "Run a single prompt against an agent",
		Long: `Run a single prompt and stream the assistant reply to stdout.

The message is read from the arguments, or from stdin when none are given.
Permission requests are asked on the terminal. Without a terminal they are
rejected unless --yes is set.`,
		Example: `  # Start a new session
  conductor run "summarize the README"

  # Continue a session with a specific model
  conductor run --session ses_01H... --model anthropic/claude-sonnet-4-5 "now add tests"

  # Pipe the prompt and allow every tool call
  echo "fix the failing test" | conductor run --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, opts, args)
		},
	}

	addConfigFlag(cmd, &opts.configPath)
	cmd.Flags().StringVarP(&opts.sessionID, "session", "s", "", "Continue an existing session")
	cmd.Flags().StringVar(&opts.title, "title", "", "Title for a new session")
	cmd.Flags().StringVarP(&opts.agent, "agent", "a", "", "Agent to run (default: build)")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model as provider/model")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "Allow every permission request once without asking")
	return cmd
}
