// Package permission decides whether a tool call may run. Rules are matched
// with wildcards and the last matching rule wins; calls that need a human
// decision are parked in the Engine until a reply arrives.
package permission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/internal/bus"
	"github.com/haasonsaas/conductor/internal/identifier"
)

// Reply is the user's answer to a pending request.
type Reply string

const (
	// ReplyOnce allows only the targeted request.
	ReplyOnce Reply = "once"
	// ReplyAlways allows the request and remembers its "always" patterns.
	ReplyAlways Reply = "always"
	// ReplyReject blocks the request and every other pending request of the
	// same session.
	ReplyReject Reply = "reject"
)

// Valid reports whether r is a known reply.
func (r Reply) Valid() bool {
	switch r {
	case ReplyOnce, ReplyAlways, ReplyReject:
		return true
	}
	return false
}

// ToolRef links a request to the tool call that raised it.
type ToolRef struct {
	MessageID string `json:"messageID"`
	CallID    string `json:"callID"`
}

// Request asks permission for one action.
type Request struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionID"`
	Permission string         `json:"permission"`
	Patterns   []string       `json:"patterns"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Always     []string       `json:"always,omitempty"`
	Tool       *ToolRef       `json:"tool,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Replied is published once per resolved request.
type Replied struct {
	SessionID string `json:"sessionID"`
	RequestID string `json:"requestID"`
	Reply     Reply  `json:"reply"`
}

// ReplyInput carries a reply from the outside world.
type ReplyInput struct {
	RequestID string `json:"requestID"`
	Reply     Reply  `json:"reply"`
	Message   string `json:"message,omitempty"`
}

// Bus events.
var (
	EventAsked   = bus.Define[Request]("permission.asked")
	EventReplied = bus.Define[Replied]("permission.replied")
)

type pending struct {
	request Request
	ruleset Ruleset
	done    chan error
}

// Engine holds the approved ruleset and the pending request queue. It is
// created once per process and shared by every session.
type Engine struct {
	mu       sync.Mutex
	approved Ruleset
	pending  map[string]*pending
	order    []string

	bus    *bus.Bus
	store  ApprovedStore
	logger *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithStore persists the approved ruleset.
func WithStore(store ApprovedStore) EngineOption {
	return func(e *Engine) {
		e.store = store
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates an engine. When a store is configured the previously
// approved ruleset is loaded from it.
func NewEngine(ctx context.Context, b *bus.Bus, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		pending: make(map[string]*pending),
		bus:     b,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "permission")

	if e.store != nil {
		approved, err := e.store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load approved rules: %w", err)
		}
		e.approved = approved
	}
	return e, nil
}

// Ask checks every pattern of req against ruleset merged with the approved
// rules. A deny returns a DeniedError, an ask parks the request until Reply or
// ctx cancellation, and an allow continues with the next pattern.
func (e *Engine) Ask(ctx context.Context, req Request, ruleset Ruleset) error {
	if req.ID == "" {
		req.ID = identifier.Ascending(identifier.Permission)
	}

	for _, pattern := range req.Patterns {
		e.mu.Lock()
		rule := Evaluate(req.Permission, pattern, ruleset, e.approved)
		e.mu.Unlock()

		switch rule.Action {
		case ActionDeny:
			return &DeniedError{Rules: relevantRules(req.Permission, Merge(ruleset, e.Approved()))}
		case ActionAsk:
			return e.wait(ctx, req, ruleset)
		}
	}
	return nil
}

func (e *Engine) wait(ctx context.Context, req Request, ruleset Ruleset) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	p := &pending{
		request: req,
		ruleset: ruleset,
		done:    make(chan error, 1),
	}

	e.mu.Lock()
	e.pending[req.ID] = p
	e.order = append(e.order, req.ID)
	e.mu.Unlock()

	e.logger.Debug("permission requested",
		"request_id", req.ID,
		"session_id", req.SessionID,
		"permission", req.Permission,
		"patterns", req.Patterns)
	if err := bus.Publish(e.bus, EventAsked, req); err != nil {
		e.logger.Warn("publish permission.asked failed", "error", err)
	}

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		e.mu.Lock()
		_, still := e.pending[req.ID]
		if still {
			e.removeLocked(req.ID)
		}
		e.mu.Unlock()
		if still {
			return ctx.Err()
		}
		return <-p.done
	}
}

// Reply resolves a pending request. A reject cascades to the session's other
// pending requests; an always reply records allow rules and resolves every
// other request of the session that now passes.
func (e *Engine) Reply(ctx context.Context, in ReplyInput) error {
	if !in.Reply.Valid() {
		return fmt.Errorf("invalid permission reply %q", in.Reply)
	}

	type resolution struct {
		p     *pending
		reply Reply
		err   error
	}

	e.mu.Lock()
	target, ok := e.pending[in.RequestID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRequestNotFound, in.RequestID)
	}
	e.removeLocked(in.RequestID)

	resolved := []resolution{{p: target, reply: in.Reply}}
	var approvedSnapshot Ruleset

	switch in.Reply {
	case ReplyReject:
		if in.Message != "" {
			resolved[0].err = &CorrectedError{Feedback: in.Message}
		} else {
			resolved[0].err = &RejectedError{}
		}
		for _, id := range e.sessionPendingLocked(target.request.SessionID) {
			p := e.pending[id]
			e.removeLocked(id)
			resolved = append(resolved, resolution{p: p, reply: ReplyReject, err: &RejectedError{}})
		}

	case ReplyAlways:
		for _, pattern := range target.request.Always {
			e.approved = append(e.approved, Rule{
				Permission: target.request.Permission,
				Pattern:    pattern,
				Action:     ActionAllow,
			})
		}
		approvedSnapshot = append(Ruleset(nil), e.approved...)
		for _, id := range e.sessionPendingLocked(target.request.SessionID) {
			p := e.pending[id]
			if !e.passesLocked(p) {
				continue
			}
			e.removeLocked(id)
			resolved = append(resolved, resolution{p: p, reply: ReplyAlways})
		}
	}
	e.mu.Unlock()

	if approvedSnapshot != nil && e.store != nil {
		if err := e.store.Save(ctx, approvedSnapshot); err != nil {
			e.logger.Error("persist approved rules failed", "error", err)
		}
	}

	for _, r := range resolved {
		e.logger.Debug("permission replied",
			"request_id", r.p.request.ID,
			"session_id", r.p.request.SessionID,
			"reply", r.reply)
		if err := bus.Publish(e.bus, EventReplied, Replied{
			SessionID: r.p.request.SessionID,
			RequestID: r.p.request.ID,
			Reply:     r.reply,
		}); err != nil {
			e.logger.Warn("publish permission.replied failed", "error", err)
		}
		r.p.done <- r.err
	}
	return nil
}

// passesLocked reports whether every pattern of p is now allowed.
func (e *Engine) passesLocked(p *pending) bool {
	for _, pattern := range p.request.Patterns {
		if Evaluate(p.request.Permission, pattern, p.ruleset, e.approved).Action != ActionAllow {
			return false
		}
	}
	return true
}

// sessionPendingLocked lists pending request ids for a session in
// registration order.
func (e *Engine) sessionPendingLocked(sessionID string) []string {
	var ids []string
	for _, id := range e.order {
		if p, ok := e.pending[id]; ok && p.request.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (e *Engine) removeLocked(id string) {
	delete(e.pending, id)
	for i, existing := range e.order {
		if existing == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			return
		}
	}
}

// CloseSession resolves every pending request of a session with
// ErrSessionClosed. It returns the number of requests released.
func (e *Engine) CloseSession(sessionID string) int {
	e.mu.Lock()
	ids := e.sessionPendingLocked(sessionID)
	released := make([]*pending, 0, len(ids))
	for _, id := range ids {
		released = append(released, e.pending[id])
		e.removeLocked(id)
	}
	e.mu.Unlock()

	for _, p := range released {
		p.done <- ErrSessionClosed
	}
	return len(released)
}

// List returns pending requests in registration order.
func (e *Engine) List() []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Request, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.pending[id].request)
	}
	return out
}

// Approved returns a copy of the approved ruleset.
func (e *Engine) Approved() Ruleset {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append(Ruleset(nil), e.approved...)
}

func relevantRules(permission string, rules Ruleset) Ruleset {
	var out Ruleset
	for _, rule := range rules {
		if Match(permission, rule.Permission) {
			out = append(out, rule)
		}
	}
	return out
}
