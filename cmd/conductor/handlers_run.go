package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/conductor/internal/bus"
	"github.com/haasonsaas/conductor/internal/permission"
	"github.com/haasonsaas/conductor/internal/provider"
	"github.com/haasonsaas/conductor/internal/sessions"
)

// =============================================================================
// Run Command Handler
// =============================================================================

func runRun(cmd *cobra.Command, opts runOptions, args []string) error {
	text, err := readPrompt(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	var model *provider.ModelRef
	if opts.model != "" {
		ref := provider.ParseModel(opts.model)
		if ref.ProviderID == "" || ref.ModelID == "" {
			return fmt.Errorf("invalid model %q: expected provider/model", opts.model)
		}
		model = &ref
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, runtimeOptions{ConnectMCP: true})
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	sess, err := openRunSession(ctx, rt.sessions, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	prompt := &permissionPrompter{
		in:          bufio.NewReader(cmd.InOrStdin()),
		out:         errOut,
		interactive: len(args) > 0 && stdinIsTerminal(),
		autoApprove: opts.yes,
	}

	var streamed atomic.Bool
	stopStream := streamParts(rt.bus, sess.ID, out, errOut, &streamed)
	defer stopStream()

	unsubscribe := bus.Subscribe(rt.bus, permission.EventAsked, func(req permission.Request) {
		if req.SessionID != sess.ID {
			return
		}
		// Dispatch is synchronous; answer off the publisher's goroutine.
		go func() {
			reply := prompt.decide(req)
			if err := rt.perms.Reply(ctx, permission.ReplyInput{RequestID: req.ID, Reply: reply}); err != nil &&
				!errors.Is(err, permission.ErrRequestNotFound) {
				rt.logger.Warn("permission reply failed", "request_id", req.ID, "error", err)
			}
		}()
	})
	defer unsubscribe()

	result, err := rt.sessions.Chat(ctx, sessions.ChatInput{
		SessionID: sess.ID,
		Text:      text,
		Agent:     opts.agent,
		Model:     model,
	})
	if err != nil {
		return err
	}
	if !streamed.Load() && result.Text != "" {
		fmt.Fprint(out, result.Text)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(errOut, "\nsession %s  model %s  tokens in=%d out=%d  cost $%.4f\n",
		sess.ID, result.Model, result.Tokens.Input, result.Tokens.Output, result.Cost)
	if result.Error != nil {
		return fmt.Errorf("%s: %s", result.Error.Name, result.Error.Message)
	}
	return nil
}

// readPrompt joins args, or reads all of in when there are none.
func readPrompt(in io.Reader, args []string) (string, error) {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		data, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("read prompt: %w", err)
		}
		text = strings.TrimSpace(string(data))
	}
	if text == "" {
		return "", errors.New("message is required")
	}
	return text, nil
}

func openRunSession(ctx context.Context, svc *sessions.Service, opts runOptions) (*sessions.Session, error) {
	if opts.sessionID != "" {
		return svc.Get(ctx, opts.sessionID)
	}
	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return svc.Create(ctx, sessions.CreateInput{Title: opts.title, Directory: dir})
}

// streamParts writes text deltas of sessionID to out and one line per
// finished tool call to status.
func streamParts(b *bus.Bus, sessionID string, out, status io.Writer, streamed *atomic.Bool) func() {
	var mu sync.Mutex
	return bus.Subscribe(b, sessions.EventPartUpdated, func(ev sessions.PartEvent) {
		part := ev.Part
		if part.SessionID != sessionID {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		switch part.Type {
		case sessions.PartText:
			if ev.Delta != "" {
				streamed.Store(true)
				fmt.Fprint(out, ev.Delta)
			}
		case sessions.PartTool:
			if part.State == nil || !part.State.Status.Closed() {
				return
			}
			label := part.State.Title
			if label == "" {
				label = part.CallID
			}
			if part.State.Status == sessions.ToolError {
				fmt.Fprintf(status, "\n[%s] failed: %s\n", part.Tool, part.State.Error)
				return
			}
			fmt.Fprintf(status, "\n[%s] %s\n", part.Tool, label)
		}
	})
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// permissionPrompter answers permission requests one at a time.
type permissionPrompter struct {
	mu          sync.Mutex
	in          *bufio.Reader
	out         io.Writer
	interactive bool
	autoApprove bool
}

func (p *permissionPrompter) decide(req permission.Request) permission.Reply {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.autoApprove {
		fmt.Fprintf(p.out, "\n[permission] allowing %s %s\n", req.Permission, strings.Join(req.Patterns, ", "))
		return permission.ReplyOnce
	}
	if !p.interactive {
		fmt.Fprintf(p.out, "\n[permission] rejecting %s %s (no terminal, use --yes)\n", req.Permission, strings.Join(req.Patterns, ", "))
		return permission.ReplyReject
	}
	for {
		fmt.Fprintf(p.out, "\n[permission] %s %s\n  allow [o]nce, [a]lways or [r]eject? ", req.Permission, strings.Join(req.Patterns, ", "))
		line, err := p.in.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "o", "once", "y", "yes":
			return permission.ReplyOnce
		case "a", "always":
			return permission.ReplyAlways
		case "r", "reject", "n", "no":
			return permission.ReplyReject
		}
		if err != nil {
			return permission.ReplyReject
		}
	}
}
