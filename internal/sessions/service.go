package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/internal/backoff"
	"github.com/haasonsaas/conductor/internal/bus"
	"github.com/haasonsaas/conductor/internal/identifier"
	"github.com/haasonsaas/conductor/internal/models"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/permission"
	"github.com/haasonsaas/conductor/internal/provider"
	"github.com/haasonsaas/conductor/internal/tool"
)

// Config tunes the turn loop.
type Config struct {
	DoomLoopThreshold int `yaml:"doom_loop_threshold"`
	// MaxRetries is the number of stream retries per step. Zero uses the
	// default; a negative value disables retries.
	MaxRetries        int           `yaml:"max_retries"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	MaxSteps          int           `yaml:"max_steps"`
	// AutoCompact summarizes the history and retries once when the prompt
	// overflows the model context.
	AutoCompact bool `yaml:"auto_compact"`
	// AutoTitle names new sessions from their first message.
	AutoTitle    bool   `yaml:"auto_title"`
	DefaultAgent string `yaml:"default_agent"`
}

// DefaultConfig returns the stock turn settings.
func DefaultConfig() Config {
	retry := backoff.StreamRetryPolicy()
	return Config{
		DoomLoopThreshold: 3,
		MaxRetries:        3,
		RetryInitialDelay: retry.Initial,
		RetryMaxDelay:     retry.Max,
		MaxSteps:          50,
		AutoCompact:       true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DoomLoopThreshold <= 0 {
		c.DoomLoopThreshold = d.DoomLoopThreshold
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = d.MaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = d.RetryInitialDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	return c
}

// BusyError is returned when a session already has a turn in flight.
type BusyError struct {
	SessionID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("Session %s is busy", e.SessionID)
}

// Options wires a Service.
type Options struct {
	Bus         *bus.Bus
	Store       Store
	Permissions *permission.Engine
	Tools       *tool.Registry
	// ExtraTools returns tools that come and go at runtime, such as MCP
	// tools. It is called once per model attempt with the turn's context.
	ExtraTools func(context.Context) []tool.Tool
	Runner     *tool.Runner
	Agents     *AgentRegistry
	Models     Models
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
	Config     Config
	Directory  string
	Logger     *slog.Logger
}

// Service owns sessions and runs chat turns.
type Service struct {
	bus        *bus.Bus
	store      Store
	perms      *permission.Engine
	tools      *tool.Registry
	extraTools func(context.Context) []tool.Tool
	runner     *tool.Runner
	agents     *AgentRegistry
	models     Models
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	cfg        Config
	directory  string
	logger     *slog.Logger

	mu     sync.Mutex
	active map[string]*activeTurn

	wg sync.WaitGroup
}

type activeTurn struct {
	cancel context.CancelFunc
	// done is closed once the turn has written its last record.
	done chan struct{}
}

// NewService validates opts and creates a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Bus == nil {
		return nil, errors.New("sessions: bus is required")
	}
	if opts.Store == nil {
		return nil, errors.New("sessions: store is required")
	}
	if opts.Permissions == nil {
		return nil, errors.New("sessions: permission engine is required")
	}
	if opts.Agents == nil {
		return nil, errors.New("sessions: agent registry is required")
	}
	if opts.Models == nil {
		return nil, errors.New("sessions: models are required")
	}
	if opts.Tools == nil {
		opts.Tools = tool.NewRegistry()
	}
	if opts.Runner == nil {
		opts.Runner = tool.NewRunner(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		bus:        opts.Bus,
		store:      opts.Store,
		perms:      opts.Permissions,
		tools:      opts.Tools,
		extraTools: opts.ExtraTools,
		runner:     opts.Runner,
		agents:     opts.Agents,
		models:     opts.Models,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		cfg:        opts.Config.withDefaults(),
		directory:  opts.Directory,
		logger:     logger.With("component", "sessions"),
		active:     make(map[string]*activeTurn),
	}, nil
}

// Close waits for background work such as title generation.
func (s *Service) Close() {
	s.wg.Wait()
}

// CreateInput describes a new session.
type CreateInput struct {
	Title     string
	ParentID  string
	Directory string
}

// Create stores a new session and publishes session.created.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Session, error) {
	now := time.Now()
	title := in.Title
	if title == "" {
		prefix := "New session - "
		if in.ParentID != "" {
			prefix = "Child session - "
		}
		title = prefix + now.UTC().Format(time.RFC3339)
	}
	dir := in.Directory
	if dir == "" {
		dir = s.directory
	}
	sess := Session{
		ID:        identifier.Descending(identifier.Session),
		Title:     title,
		ParentID:  in.ParentID,
		Directory: dir,
		Time:      SessionTime{Created: now, Updated: now},
	}
	if err := s.store.Write(ctx, sessionKey(sess.ID), &sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info("session created", "session_id", sess.ID)
	publish(s.bus, s.logger, EventCreated, Info{Info: sess})
	return &sess, nil
}

// Get returns a session.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	if err := s.store.Read(ctx, sessionKey(id), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// List returns every session, most recently updated first.
func (s *Service) List(ctx context.Context) ([]Session, error) {
	keys, err := s.store.List(ctx, sessionPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(keys))
	for _, key := range keys {
		var sess Session
		if err := s.store.Read(ctx, key, &sess); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, sess)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time.Updated.After(out[j].Time.Updated)
	})
	return out, nil
}

// Children returns the sessions whose parent is id.
func (s *Service) Children(ctx context.Context, id string) ([]Session, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Session
	for _, sess := range all {
		if sess.ParentID == id {
			out = append(out, sess)
		}
	}
	return out, nil
}

// Update applies fn to the stored session, bumps its update time and
// publishes session.updated.
func (s *Service) Update(ctx context.Context, id string, fn func(*Session)) (*Session, error) {
	var sess Session
	err := s.store.Update(ctx, sessionKey(id), &sess, func() error {
		fn(&sess)
		sess.Time.Updated = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	publish(s.bus, s.logger, EventUpdated, Info{Info: sess})
	return &sess, nil
}

// Remove aborts any running turn, drops pending permission requests and
// deletes the session with its children, messages and parts. Removing a
// missing session is not an error.
func (s *Service) Remove(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	children, err := s.Children(ctx, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.Remove(ctx, child.ID); err != nil {
			return err
		}
	}

	if done := s.abort(id); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n := s.perms.CloseSession(id); n > 0 {
		s.logger.Debug("dropped pending permission requests", "session_id", id, "count", n)
	}

	msgKeys, err := s.store.List(ctx, messagePrefix(id))
	if err != nil {
		return err
	}
	for _, key := range msgKeys {
		messageID := key[len(key)-1]
		partKeys, err := s.store.List(ctx, partPrefix(messageID))
		if err != nil {
			return err
		}
		for _, pk := range partKeys {
			if err := s.store.Remove(ctx, pk); err != nil {
				return err
			}
		}
		if err := s.store.Remove(ctx, key); err != nil {
			return err
		}
		publish(s.bus, s.logger, EventMessageRemoved, MessageRemoved{SessionID: id, MessageID: messageID})
	}

	if err := s.store.Remove(ctx, sessionKey(id)); err != nil {
		return err
	}
	s.logger.Info("session removed", "session_id", id)
	publish(s.bus, s.logger, EventDeleted, Info{Info: *sess})
	return nil
}

// Messages returns the session's messages with their parts, oldest first.
func (s *Service) Messages(ctx context.Context, sessionID string) ([]WithParts, error) {
	keys, err := s.store.List(ctx, messagePrefix(sessionID))
	if err != nil {
		return nil, err
	}
	out := make([]WithParts, 0, len(keys))
	for _, key := range keys {
		var msg Message
		if err := s.store.Read(ctx, key, &msg); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		parts, err := s.parts(ctx, msg.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, WithParts{Info: msg, Parts: parts})
	}
	return out, nil
}

func (s *Service) parts(ctx context.Context, messageID string) ([]Part, error) {
	keys, err := s.store.List(ctx, partPrefix(messageID))
	if err != nil {
		return nil, err
	}
	parts := make([]Part, 0, len(keys))
	for _, key := range keys {
		var part Part
		if err := s.store.Read(ctx, key, &part); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		parts = append(parts, part)
	}
	return parts, nil
}

// Abort cancels the session's running turn. It reports whether one was
// running. The turn may still be finishing when Abort returns.
func (s *Service) Abort(sessionID string) bool {
	return s.abort(sessionID) != nil
}

// abort cancels the running turn and returns a channel closed when it has
// finished, or nil when nothing was running.
func (s *Service) abort(sessionID string) <-chan struct{} {
	s.mu.Lock()
	turn, ok := s.active[sessionID]
	if ok {
		delete(s.active, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	turn.cancel()
	s.logger.Info("turn aborted", "session_id", sessionID)
	return turn.done
}

// Busy reports whether a turn is running for the session.
func (s *Service) Busy(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[sessionID]
	return ok
}

func (s *Service) begin(sessionID string, cancel context.CancelFunc) (*activeTurn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[sessionID]; busy {
		return nil, false
	}
	turn := &activeTurn{cancel: cancel, done: make(chan struct{})}
	s.active[sessionID] = turn
	return turn, true
}

func (s *Service) end(sessionID string, turn *activeTurn) {
	s.mu.Lock()
	if s.active[sessionID] == turn {
		delete(s.active, sessionID)
	}
	s.mu.Unlock()
	turn.cancel()
	close(turn.done)
}

// ChatInput is one user turn.
type ChatInput struct {
	SessionID string
	Text      string
	Agent     string
	Model     *provider.ModelRef
	System    []string
	// Tools switches individual tools off (false) for this turn.
	Tools map[string]bool
}

// ChatResult is the outcome of a turn. Error is set when the turn ended
// with a user-visible failure.
type ChatResult struct {
	MessageID string
	Text      string
	Error     *MessageError
	Tokens    Tokens
	Cost      float64
	Model     provider.ModelRef
}

// Chat records the user message and runs the assistant turn to completion.
// A second chat on a busy session fails with *BusyError.
func (s *Service) Chat(ctx context.Context, in ChatInput) (*ChatResult, error) {
	sess, err := s.Get(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	agent, err := s.resolveAgent(in.Agent)
	if err != nil {
		return nil, err
	}
	ref, err := s.resolveModel(in.Model, agent)
	if err != nil {
		return nil, err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	turn, ok := s.begin(sess.ID, cancel)
	if !ok {
		cancel()
		return nil, &BusyError{SessionID: sess.ID}
	}
	defer s.end(sess.ID, turn)

	var (
		textMu sync.Mutex
		texts  = make(map[string]string)
	)
	unsubscribe := bus.Subscribe(s.bus, EventPartUpdated, func(ev PartEvent) {
		if ev.Part.SessionID != sess.ID || ev.Part.Type != PartText || !ev.Part.Closed() {
			return
		}
		textMu.Lock()
		texts[ev.Part.MessageID] = ev.Part.Text
		textMu.Unlock()
	})
	defer unsubscribe()

	s.setStatus(sess.ID, Status{Type: StatusBusy})
	defer s.setStatus(sess.ID, Status{Type: StatusIdle})

	turnCtx, span := s.tracer.TraceTurn(turnCtx, sess.ID, agent.Name)
	start := time.Now()
	s.metrics.TurnStarted()

	persist := context.WithoutCancel(turnCtx)
	user := Message{
		ID:        identifier.Ascending(identifier.Message),
		SessionID: sess.ID,
		Role:      RoleUser,
		Text:      in.Text,
		System:    in.System,
		Tools:     in.Tools,
		Agent:     agent.Name,
		Time:      MessageTime{Created: time.Now()},
	}
	if err := s.writeMessage(persist, &user); err != nil {
		s.metrics.TurnFinished(agent.Name, "error", time.Since(start))
		observability.End(span, err)
		return nil, err
	}
	first, err := s.isFirstTurn(persist, sess.ID)
	if err != nil {
		s.logger.Warn("count messages failed", "session_id", sess.ID, "error", err)
	}
	if _, err := s.Update(persist, sess.ID, func(*Session) {}); err != nil {
		s.logger.Warn("touch session failed", "session_id", sess.ID, "error", err)
	}

	msg, err := s.runTurn(turnCtx, sess, agent, ref, &user)
	if err != nil {
		s.metrics.TurnFinished(agent.Name, "error", time.Since(start))
		observability.End(span, err)
		return nil, err
	}

	outcome := "ok"
	var spanErr error
	if msg.Error != nil {
		outcome = msg.Error.Name
		spanErr = msg.Error
	}
	s.metrics.TurnFinished(agent.Name, outcome, time.Since(start))
	observability.End(span, spanErr)

	if first && s.cfg.AutoTitle && sess.ParentID == "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			tctx, cancel := context.WithTimeout(persist, time.Minute)
			defer cancel()
			if _, err := s.GenerateTitle(tctx, sess.ID, in.Text, ref); err != nil {
				s.logger.Warn("title generation failed", "session_id", sess.ID, "error", err)
			}
		}()
	}

	textMu.Lock()
	text := texts[msg.ID]
	textMu.Unlock()
	result := &ChatResult{
		MessageID: msg.ID,
		Text:      text,
		Error:     msg.Error,
		Cost:      msg.Cost,
		Model:     provider.ModelRef{ProviderID: msg.ProviderID, ModelID: msg.ModelID},
	}
	if msg.Tokens != nil {
		result.Tokens = *msg.Tokens
	}
	return result, nil
}

// runTurn walks the agent's model fallback chain. Only a failover error
// moves on to the next model; every other outcome is final.
func (s *Service) runTurn(ctx context.Context, sess *Session, agent *Agent, ref provider.ModelRef, user *Message) (*Message, error) {
	fallbacks := make([]string, 0, len(agent.Fallbacks))
	for _, fb := range agent.Fallbacks {
		fallbacks = append(fallbacks, fb.String())
	}
	cfg := &models.FallbackConfig{
		PrimaryProvider: ref.ProviderID,
		PrimaryModel:    ref.ModelID,
		Fallbacks:       fallbacks,
	}
	candidates := models.BuildFallbackCandidates(cfg)
	last := candidates[len(candidates)-1]

	var final *Message
	res, err := models.RunWithModelFallback(ctx, cfg, func(ctx context.Context, providerID, modelID string) (*Message, error) {
		hasFallbacks := providerID != last.Provider || modelID != last.Model
		msg, err := s.runModel(ctx, sess, agent, provider.ModelRef{ProviderID: providerID, ModelID: modelID}, user, hasFallbacks)
		if msg != nil {
			final = msg
		}
		return msg, err
	}, func(providerID, modelID string, err error, attempt, total int) {
		s.logger.Warn("model failed over",
			"session_id", sess.ID,
			"provider", providerID,
			"model", modelID,
			"attempt", attempt,
			"total", total,
			"error", err)
	})
	if err == nil {
		return res.Result, nil
	}
	if final == nil {
		return nil, err
	}
	// The chain is exhausted or was aborted between candidates.
	final.Error = s.messageError(ctx, err, agent)
	publish(s.bus, s.logger, EventError, ErrorEvent{SessionID: sess.ID, Error: *final.Error})
	if werr := s.writeMessage(context.WithoutCancel(ctx), final); werr != nil {
		return nil, werr
	}
	return final, nil
}

// runModel runs the turn against one model, compacting and retrying once
// when the prompt overflows.
func (s *Service) runModel(ctx context.Context, sess *Session, agent *Agent, ref provider.ModelRef, user *Message, hasFallbacks bool) (*Message, error) {
	model, client, err := s.models.Client(ctx, ref, hasFallbacks)
	if err != nil {
		return nil, err
	}
	hist, err := s.history(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	canCompact := s.cfg.AutoCompact && agent.Name != AgentCompaction
	p := s.newProcessor(ctx, sess, agent, model, client, user, hist, hasFallbacks)
	p.compactOnOverflow = canCompact
	out, err := p.run(ctx)
	if err != nil || !out.overflow || !canCompact {
		return out.messageOrNil(), err
	}

	s.logger.Info("context overflow, compacting", "session_id", sess.ID, "model", ref.String())
	if _, err := s.compact(ctx, sess, model, client, user); err != nil {
		s.logger.Warn("compaction failed", "session_id", sess.ID, "error", err)
		publish(s.bus, s.logger, EventError, ErrorEvent{SessionID: sess.ID, Error: *out.message.Error})
		return out.message, nil
	}
	hist, err = s.history(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	// The summary follows the user message, so the prompt is re-sent.
	hist.messages = append(hist.messages, provider.Message{Role: provider.RoleUser, Content: user.Text})
	p = s.newProcessor(ctx, sess, agent, model, client, user, hist, hasFallbacks)
	out, err = p.run(ctx)
	return out.messageOrNil(), err
}

func (s *Service) resolveAgent(name string) (*Agent, error) {
	if name == "" {
		return s.agents.Default(s.cfg.DefaultAgent)
	}
	agent, ok := s.agents.Get(name)
	if !ok {
		return nil, fmt.Errorf("agent %q not found", name)
	}
	return agent, nil
}

func (s *Service) resolveModel(override *provider.ModelRef, agent *Agent) (provider.ModelRef, error) {
	if override != nil && !override.IsZero() {
		return *override, nil
	}
	if agent.Model != nil {
		return *agent.Model, nil
	}
	return s.models.DefaultModel()
}

func (s *Service) isFirstTurn(ctx context.Context, sessionID string) (bool, error) {
	keys, err := s.store.List(ctx, messagePrefix(sessionID))
	if err != nil {
		return false, err
	}
	return len(keys) == 1, nil
}

func (s *Service) writeMessage(ctx context.Context, msg *Message) error {
	if err := s.store.Write(ctx, messageKey(msg.SessionID, msg.ID), msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	publish(s.bus, s.logger, EventMessageUpdated, MessageEvent{Info: msg.Clone()})
	return nil
}

func (s *Service) setStatus(sessionID string, status Status) {
	publish(s.bus, s.logger, EventStatus, StatusEvent{SessionID: sessionID, Status: status})
}

// messageError turns a turn failure into its user-visible form.
func (s *Service) messageError(ctx context.Context, err error, agent *Agent) *MessageError {
	switch {
	case ctx.Err() != nil || errors.Is(err, models.ErrAborted) || errors.Is(err, context.Canceled):
		return &MessageError{Name: ErrNameAborted, Message: "The operation was aborted."}
	case provider.IsContextOverflow(err):
		kind := KindContextOverflow
		if (agent != nil && agent.Name == AgentCompaction) || provider.IsCompactionFailure(err) {
			kind = KindCompactionFailure
		}
		return &MessageError{Name: ErrNameContextOverflow, Message: overflowMessage, Kind: kind}
	case permission.IsDenied(err):
		return &MessageError{Name: ErrNamePermissionDenied, Message: err.Error()}
	case permission.IsRejected(err) || permission.IsCorrected(err):
		return &MessageError{Name: ErrNamePermission, Message: err.Error()}
	}

	var providerErr *provider.ProviderError
	var failoverErr *models.FailoverError
	if errors.As(err, &providerErr) || errors.As(err, &failoverErr) || errors.Is(err, models.ErrAllCandidatesFailed) {
		e := &MessageError{Name: ErrNameAPI, Message: err.Error()}
		if reason := provider.ClassifyError(err); reason != models.ReasonUnknown {
			e.Kind = string(reason)
		}
		return e
	}
	return &MessageError{Name: ErrNameUnknown, Message: err.Error()}
}

const overflowMessage = "Context overflow: prompt too large for the model. Try again with less input or a larger-context model."

// publish logs instead of failing: a bad subscriber never breaks a turn.
func publish[T any](b *bus.Bus, logger *slog.Logger, et bus.EventType[T], payload T) {
	if err := bus.Publish(b, et, payload); err != nil {
		logger.Warn("publish failed", "event", et.Name(), "error", err)
	}
}

// toolSet returns the tools the agent may call this turn, keyed by id, and
// the definitions advertised to the model.
func (s *Service) toolSet(ctx context.Context, agent *Agent, user *Message) (map[string]tool.Tool, []provider.ToolDef, permission.Ruleset) {
	all := s.tools.List()
	if s.extraTools != nil {
		all = append(all, s.extraTools(ctx)...)
	}
	ruleset := agent.Permission
	var overrides permission.Ruleset
	for id, enabled := range user.Tools {
		if !enabled {
			overrides = append(overrides, permission.Rule{Permission: permission.PermissionFor(id), Pattern: "*", Action: permission.ActionDeny})
		}
	}
	ruleset = permission.Merge(ruleset, overrides)

	ids := make([]string, 0, len(all))
	for _, t := range all {
		ids = append(ids, t.ID())
	}
	disabled := permission.Disabled(ids, ruleset)

	byID := make(map[string]tool.Tool, len(all))
	var defs []provider.ToolDef
	for _, t := range all {
		id := t.ID()
		if id == invalidToolID {
			byID[id] = t
			continue
		}
		if enabled, ok := user.Tools[id]; disabled[id] || ok && !enabled {
			continue
		}
		byID[id] = t
		defs = append(defs, provider.ToolDef{Name: id, Description: t.Description(), Parameters: t.Parameters()})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return byID, defs, ruleset
}

const invalidToolID = "invalid"

func joinNonEmpty(parts ...[]string) []string {
	var out []string
	for _, group := range parts {
		for _, p := range group {
			if strings.TrimSpace(p) != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
