package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/conductor/internal/sessions"
)

// =============================================================================
// Sessions Command Handlers
// =============================================================================

// withRuntime loads the config, builds a runtime without background work and
// passes it to fn.
func withRuntime(cmd *cobra.Command, configPath string, fn func(context.Context, *runtime) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	rt, err := newRuntime(ctx, cfg, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())
	return fn(ctx, rt)
}

func runSessionsList(cmd *cobra.Command, configPath, parentID string) error {
	return withRuntime(cmd, configPath, func(ctx context.Context, rt *runtime) error {
		var (
			list []sessions.Session
			err  error
		)
		if parentID != "" {
			list, err = rt.sessions.Children(ctx, parentID)
		} else {
			list, err = rt.sessions.List(ctx)
		}
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		return printSessions(cmd.OutOrStdout(), list)
	})
}

func printSessions(out io.Writer, list []sessions.Session) error {
	if len(list) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tPARENT\tUPDATED")
	for _, sess := range list {
		parent := sess.ParentID
		if parent == "" {
			parent = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", sess.ID, sess.Title, parent, sess.Time.Updated.Format(time.RFC3339))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, configPath, sessionID string, asJSON bool) error {
	return withRuntime(cmd, configPath, func(ctx context.Context, rt *runtime) error {
		sess, err := rt.sessions.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		msgs, err := rt.sessions.Messages(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("load messages: %w", err)
		}
		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"session": sess, "messages": msgs})
		}
		fmt.Fprintf(out, "%s  %s\n", sess.ID, sess.Title)
		for _, msg := range msgs {
			printMessage(out, msg)
		}
		return nil
	})
}

func printMessage(out io.Writer, msg sessions.WithParts) {
	info := msg.Info
	fmt.Fprintf(out, "\n--- %s", info.Role)
	if info.Role == sessions.RoleAssistant {
		fmt.Fprintf(out, " (%s %s/%s)", info.Agent, info.ProviderID, info.ModelID)
	}
	fmt.Fprintln(out, " ---")
	if info.Text != "" {
		fmt.Fprintln(out, info.Text)
	}
	for _, part := range msg.Parts {
		switch part.Type {
		case sessions.PartText:
			fmt.Fprintln(out, part.Text)
		case sessions.PartReasoning:
			fmt.Fprintf(out, "(thinking) %s\n", strings.TrimSpace(part.Text))
		case sessions.PartTool:
			if part.State == nil {
				continue
			}
			fmt.Fprintf(out, "[%s] %s %s\n", part.Tool, part.State.Status, part.State.Title)
		}
	}
	if info.Error != nil {
		fmt.Fprintf(out, "error: %s: %s\n", info.Error.Name, info.Error.Message)
	}
}

func runSessionsRemove(cmd *cobra.Command, configPath, sessionID string) error {
	return withRuntime(cmd, configPath, func(ctx context.Context, rt *runtime) error {
		if err := rt.sessions.Remove(ctx, sessionID); err != nil {
			return fmt.Errorf("remove session: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", sessionID)
		return nil
	})
}

func runSessionsCompact(cmd *cobra.Command, configPath, sessionID string) error {
	return withRuntime(cmd, configPath, func(ctx context.Context, rt *runtime) error {
		msg, err := rt.sessions.Compact(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("compact session: %w", err)
		}
		if msg.Error != nil {
			return fmt.Errorf("compact session: %s", msg.Error.Message)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Compacted %s into message %s\n", sessionID, msg.ID)
		return nil
	})
}

func runSessionsSummarize(cmd *cobra.Command, configPath, sessionID string) error {
	return withRuntime(cmd, configPath, func(ctx context.Context, rt *runtime) error {
		summary, err := rt.sessions.Summarize(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("summarize session: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), summary)
		return nil
	})
}
