package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/conductor/internal/provider"
)

const compactionRequest = "Provide a detailed summary of our conversation above so that work can continue from it."

// compact writes a summary message produced by the hidden compaction agent.
// Later turns only send the history from the newest summary onward.
func (s *Service) compact(ctx context.Context, sess *Session, model *provider.Model, client provider.LanguageClient, parent *Message) (*Message, error) {
	agent, ok := s.agents.Get(AgentCompaction)
	if !ok {
		return nil, errors.New("compaction agent is not configured")
	}
	persist := context.WithoutCancel(ctx)
	started := time.Now()
	if _, err := s.Update(persist, sess.ID, func(x *Session) { x.Time.Compacting = &started }); err != nil {
		return nil, err
	}
	defer func() {
		if _, err := s.Update(persist, sess.ID, func(x *Session) { x.Time.Compacting = nil }); err != nil {
			s.logger.Warn("clear compacting flag failed", "session_id", sess.ID, "error", err)
		}
	}()

	hist, err := s.history(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	hist.messages = append(hist.messages, provider.Message{Role: provider.RoleUser, Content: compactionRequest})

	p := s.newProcessor(ctx, sess, agent, model, client, parent, hist, false)
	p.summary = true
	out, err := p.run(ctx)
	if err != nil {
		return nil, err
	}
	if out.message.Error != nil {
		return out.message, out.message.Error
	}
	s.logger.Info("session compacted", "session_id", sess.ID, "duration", time.Since(started))
	return out.message, nil
}

// Compact summarizes the session with its default model. The session must
// be idle.
func (s *Service) Compact(ctx context.Context, sessionID string) (*Message, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var parent *Message
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Info.Role == RoleUser {
			parent = &msgs[i].Info
			break
		}
	}
	if parent == nil {
		return nil, fmt.Errorf("session %s has no messages to compact", sessionID)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	turn, ok := s.begin(sessionID, cancel)
	if !ok {
		cancel()
		return nil, &BusyError{SessionID: sessionID}
	}
	defer s.end(sessionID, turn)

	agent, err := s.resolveAgent(parent.Agent)
	if err != nil {
		agent, err = s.resolveAgent("")
		if err != nil {
			return nil, err
		}
	}
	ref, err := s.resolveModel(nil, agent)
	if err != nil {
		return nil, err
	}
	model, client, err := s.models.Client(turnCtx, ref, false)
	if err != nil {
		return nil, err
	}
	return s.compact(turnCtx, sess, model, client, parent)
}

// GenerateTitle names the session from its first message with the hidden
// title agent, preferring the provider's small model.
func (s *Service) GenerateTitle(ctx context.Context, sessionID, text string, ref provider.ModelRef) (string, error) {
	agent, ok := s.agents.Get(AgentTitle)
	if !ok {
		return "", errors.New("title agent is not configured")
	}
	if small, ok := s.models.SmallModel(ref.ProviderID); ok {
		ref = small
	}
	out, err := s.oneShot(ctx, agent, ref, text)
	if err != nil {
		return "", err
	}
	title := cleanTitle(out)
	if title == "" {
		return "", errors.New("model returned an empty title")
	}
	if _, err := s.Update(ctx, sessionID, func(x *Session) { x.Title = title }); err != nil {
		return "", err
	}
	return title, nil
}

// Summarize describes what happened in the session with the hidden summary
// agent. Nothing is stored.
func (s *Service) Summarize(ctx context.Context, sessionID string) (string, error) {
	agent, ok := s.agents.Get(AgentSummary)
	if !ok {
		return "", errors.New("summary agent is not configured")
	}
	hist, err := s.history(ctx, sessionID)
	if err != nil {
		return "", err
	}
	var transcript strings.Builder
	for _, m := range hist.messages {
		switch {
		case m.Content != "":
			fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
		case len(m.ToolResults) > 0:
			for _, r := range m.ToolResults {
				fmt.Fprintf(&transcript, "tool %s: %s\n", r.Name, firstLine(r.Output))
			}
		}
	}
	if transcript.Len() == 0 {
		return "", fmt.Errorf("session %s is empty", sessionID)
	}
	ref, err := s.resolveModel(nil, agent)
	if err != nil {
		return "", err
	}
	out, err := s.oneShot(ctx, agent, ref, transcript.String())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// oneShot streams a single tool-less completion and returns its text.
func (s *Service) oneShot(ctx context.Context, agent *Agent, ref provider.ModelRef, prompt string) (string, error) {
	model, client, err := s.models.Client(ctx, ref, false)
	if err != nil {
		return "", err
	}
	events, err := client.Stream(ctx, &provider.Request{
		System:      joinNonEmpty([]string{agent.Prompt}),
		Messages:    []provider.Message{{Role: provider.RoleUser, Content: prompt}},
		MaxTokens:   model.Limit.Output,
		Temperature: agent.Temperature,
	})
	if err != nil {
		return "", err
	}
	var text strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return text.String(), nil
			}
			switch ev.Type {
			case provider.EventTextDelta:
				text.WriteString(ev.Text)
			case provider.EventError:
				if ev.Err == nil {
					return "", errors.New("provider stream failed")
				}
				return "", ev.Err
			}
		}
	}
}

func cleanTitle(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.Trim(strings.TrimSpace(line), `"'`+"`")
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > 100 {
			line = string([]rune(line)[:97]) + "..."
		}
		return line
	}
	return ""
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
