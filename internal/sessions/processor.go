package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/internal/backoff"
	"github.com/haasonsaas/conductor/internal/identifier"
	"github.com/haasonsaas/conductor/internal/models"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/permission"
	"github.com/haasonsaas/conductor/internal/provider"
	"github.com/haasonsaas/conductor/internal/tool"
)

// errToolAborted is the error of tool parts closed by an abort or a failed
// stream attempt.
const errToolAborted = "Tool execution aborted"

// processor drives one assistant message: it streams model steps, turns
// events into parts and runs the requested tools until the model stops.
type processor struct {
	svc          *Service
	session      *Session
	agent        *Agent
	model        *provider.Model
	client       provider.LanguageClient
	user         *Message
	hasFallbacks bool
	// summary marks the message as a compaction summary.
	summary bool
	// compactOnOverflow suppresses the session error for an overflow the
	// caller is going to recover from by compacting.
	compactOnOverflow bool

	system   []string
	messages []provider.Message
	recent   []Part
	tools    map[string]tool.Tool
	defs     []provider.ToolDef
	ruleset  permission.Ruleset
	logger   *slog.Logger

	persist context.Context
	msg     *Message

	mu    sync.Mutex
	open  map[string]*Part
	calls map[string]*Part
}

type turnOutcome struct {
	message  *Message
	overflow bool
}

func (o *turnOutcome) messageOrNil() *Message {
	if o == nil {
		return nil
	}
	return o.message
}

type stepOutcome struct {
	finish string
	text   []string
	calls  []*Part
}

func (s *Service) newProcessor(ctx context.Context, sess *Session, agent *Agent, model *provider.Model, client provider.LanguageClient, user *Message, hist *history, hasFallbacks bool) *processor {
	tools, defs, ruleset := s.toolSet(ctx, agent, user)
	return &processor{
		svc:          s,
		session:      sess,
		agent:        agent,
		model:        model,
		client:       client,
		user:         user,
		hasFallbacks: hasFallbacks,
		system:       joinNonEmpty([]string{agent.Prompt}, user.System),
		messages:     append([]provider.Message(nil), hist.messages...),
		recent:       append([]Part(nil), hist.toolParts...),
		tools:        tools,
		defs:         defs,
		ruleset:      ruleset,
		logger: s.logger.With(
			"session_id", sess.ID,
			"agent", agent.Name,
			"model", model.Ref().String()),
	}
}

func (p *processor) run(ctx context.Context) (*turnOutcome, error) {
	p.persist = context.WithoutCancel(ctx)
	p.open = make(map[string]*Part)
	p.calls = make(map[string]*Part)
	p.msg = &Message{
		ID:         identifier.Ascending(identifier.Message),
		SessionID:  p.session.ID,
		Role:       RoleAssistant,
		Agent:      p.agent.Name,
		ProviderID: p.model.ProviderID,
		ModelID:    p.model.ID,
		ParentID:   p.user.ID,
		Summary:    p.summary,
		Tokens:     &Tokens{},
		Time:       MessageTime{Created: time.Now()},
	}
	if err := p.svc.writeMessage(p.persist, p.msg); err != nil {
		return nil, err
	}

	steps := p.agent.Steps
	if steps <= 0 {
		steps = p.svc.cfg.MaxSteps
	}
	for step := 0; step < steps; step++ {
		out, err := p.step(ctx, step)
		if err != nil {
			return p.fail(ctx, err)
		}
		if len(out.calls) == 0 {
			break
		}
		calls, results, err := p.runTools(ctx, out.calls)
		p.messages = append(p.messages,
			provider.Message{Role: provider.RoleAssistant, Content: strings.Join(out.text, "\n"), ToolCalls: calls},
			provider.Message{Role: provider.RoleTool, ToolResults: results})
		if err != nil {
			return p.fail(ctx, err)
		}
		if step == steps-1 {
			p.logger.Warn("step budget exhausted", "steps", steps)
		}
	}

	p.complete()
	return &turnOutcome{message: p.msg}, nil
}

// step runs one model step, retrying transient stream failures. Parts
// closed by a failed attempt stay as they are; the retry only adds parts.
func (p *processor) step(ctx context.Context, step int) (*stepOutcome, error) {
	p.savePart(&Part{Type: PartStepStart})

	cfg := p.svc.cfg
	policy := backoff.StreamRetryPolicy()
	policy.Initial, policy.Max = cfg.RetryInitialDelay, cfg.RetryMaxDelay
	attempt := 0
	for {
		out, err := p.stream(ctx, step)
		if err == nil {
			return out, nil
		}
		p.cleanup()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !p.retryable(err) || attempt >= cfg.MaxRetries {
			return nil, err
		}

		attempt++
		delay := policy.Delay(attempt)
		next := time.Now().Add(delay)
		p.logger.Warn("stream failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err)
		p.svc.metrics.StreamRetried(p.model.ProviderID)
		p.svc.setStatus(p.session.ID, Status{Type: StatusRetry, Attempt: attempt, Message: err.Error(), Next: &next})
		if err := backoff.SleepUntil(ctx, next); err != nil {
			return nil, err
		}
		p.svc.setStatus(p.session.ID, Status{Type: StatusBusy})
	}
}

func (p *processor) retryable(err error) bool {
	if models.IsFailoverError(err) && p.hasFallbacks {
		return false
	}
	if provider.IsContextOverflow(err) {
		return false
	}
	return provider.IsTransient(err)
}

func (p *processor) stream(ctx context.Context, step int) (out *stepOutcome, err error) {
	ctx, span := p.svc.tracer.TraceStep(ctx, p.model.ProviderID, p.model.ID, step)
	defer func() {
		observability.End(span, err)
		p.svc.metrics.ProviderRequest(p.model.ProviderID, p.model.ID, err)
	}()

	req := &provider.Request{
		System:      p.system,
		Messages:    p.messages,
		Tools:       p.defs,
		MaxTokens:   p.model.Limit.Output,
		Temperature: p.agent.Temperature,
		Thinking:    p.agent.Thinking,
	}
	events, err := p.client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	p.calls = make(map[string]*Part)
	out = &stepOutcome{}
	for {
		var (
			ev provider.StreamEvent
			ok bool
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok = <-events:
		}
		if !ok {
			break
		}
		if err := p.handle(ev, out); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.closeBlocks(out)
	return out, nil
}

func (p *processor) handle(ev provider.StreamEvent, out *stepOutcome) error {
	switch ev.Type {
	case provider.EventTextStart:
		p.block(PartText, ev.ID)
	case provider.EventTextDelta:
		p.delta(PartText, ev.ID, ev.Text)
	case provider.EventTextEnd:
		if part := p.closeBlock(PartText, ev.ID); part != nil {
			out.text = append(out.text, part.Text)
		}
	case provider.EventReasoningStart:
		p.block(PartReasoning, ev.ID)
	case provider.EventReasoningDelta:
		p.delta(PartReasoning, ev.ID, ev.Text)
	case provider.EventReasoningEnd:
		p.closeBlock(PartReasoning, ev.ID)
	case provider.EventToolCallStart:
		p.toolPart(ev.ToolCallID, ev.ToolName)
	case provider.EventToolCall:
		part := p.toolPart(ev.ToolCallID, ev.ToolName)
		part.State.Input = inputOrEmpty(ev.Input)
		p.savePart(part)
		out.calls = append(out.calls, part)
	case provider.EventFinishStep:
		out.finish = ev.FinishReason
		p.finishStep(ev)
	case provider.EventError:
		if ev.Err == nil {
			return errors.New("provider stream failed")
		}
		return ev.Err
	}
	return nil
}

func blockKey(kind PartType, id string) string {
	return string(kind) + ":" + id
}

func (p *processor) block(kind PartType, id string) *Part {
	key := blockKey(kind, id)
	if part, ok := p.open[key]; ok {
		return part
	}
	part := &Part{Type: kind, Time: &PartTime{Start: time.Now()}}
	p.open[key] = part
	p.savePart(part)
	return part
}

func (p *processor) delta(kind PartType, id, text string) {
	if text == "" {
		return
	}
	part := p.block(kind, id)
	part.Text += text
	p.publishPart(part, text)
}

func (p *processor) closeBlock(kind PartType, id string) *Part {
	key := blockKey(kind, id)
	part, ok := p.open[key]
	if !ok {
		return nil
	}
	delete(p.open, key)
	part.Text = strings.TrimRight(part.Text, " \t\r\n")
	end := time.Now()
	part.Time.End = &end
	p.savePart(part)
	return part
}

// closeBlocks ends text and reasoning blocks the provider left open, in
// creation order.
func (p *processor) closeBlocks(out *stepOutcome) {
	keys := make([]string, 0, len(p.open))
	for key := range p.open {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return p.open[keys[i]].ID < p.open[keys[j]].ID })
	for _, key := range keys {
		kind, id, _ := strings.Cut(key, ":")
		part := p.closeBlock(PartType(kind), id)
		if part != nil && part.Type == PartText && out != nil {
			out.text = append(out.text, part.Text)
		}
	}
}

func (p *processor) toolPart(callID, name string) *Part {
	if callID == "" {
		callID = identifier.Ascending(identifier.Call)
	}
	if part, ok := p.calls[callID]; ok {
		return part
	}
	part := &Part{
		Type:   PartTool,
		Tool:   name,
		CallID: callID,
		State:  &ToolState{Status: ToolPending, Input: json.RawMessage(`{}`)},
	}
	p.calls[callID] = part
	p.savePart(part)
	return part
}

func (p *processor) finishStep(ev provider.StreamEvent) {
	var usage provider.Usage
	if ev.Usage != nil {
		usage = *ev.Usage
	}
	tokens := Tokens{
		Input:     usage.Input,
		Output:    usage.Output,
		Reasoning: usage.Reasoning,
		Cache:     CacheTokens{Read: usage.CacheRead, Write: usage.CacheWrite},
	}
	cost := stepCost(p.model.Cost, tokens)

	p.msg.Tokens.Add(tokens)
	p.msg.Cost += cost
	p.msg.Finish = ev.FinishReason
	p.savePart(&Part{Type: PartStepFinish, Reason: ev.FinishReason, Tokens: &tokens, Cost: cost})
	p.svc.metrics.TokensUsed(p.model.ProviderID, p.model.ID,
		tokens.Input, tokens.Output, tokens.Reasoning, tokens.Cache.Read, tokens.Cache.Write)
	if err := p.svc.writeMessage(p.persist, p.msg); err != nil {
		p.logger.Warn("write message failed", "error", err)
	}
}

// stepCost prices tokens in USD; catalog prices are per million tokens and
// reasoning is billed as output.
func stepCost(c provider.Cost, t Tokens) float64 {
	return (float64(t.Input)*c.Input +
		float64(t.Output+t.Reasoning)*c.Output +
		float64(t.Cache.Read)*c.CacheRead +
		float64(t.Cache.Write)*c.CacheWrite) / 1_000_000
}

// runTools executes the step's tool calls in order. A denied or rejected
// call stops the turn and is returned as the error.
func (p *processor) runTools(ctx context.Context, parts []*Part) ([]provider.ToolCall, []provider.ToolResult, error) {
	var (
		calls   []provider.ToolCall
		results []provider.ToolResult
	)
	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return calls, results, err
		}
		result, err := p.execute(ctx, part)
		if part.State.Status.Closed() {
			calls = append(calls, provider.ToolCall{ID: part.CallID, Name: part.Tool, Input: part.State.Input})
			results = append(results, result)
		}
		if err != nil {
			return calls, results, err
		}
	}
	return calls, results, nil
}

func (p *processor) execute(ctx context.Context, part *Part) (provider.ToolResult, error) {
	input := inputOrEmpty(part.State.Input)
	t, ok := p.tools[part.Tool]
	if !ok || part.Tool == invalidToolID {
		msg := p.unavailable(part.Tool)
		invalid, has := p.tools[invalidToolID]
		if !has {
			return p.toolFailed(ctx, part, errors.New(msg))
		}
		t = invalid
		input, _ = json.Marshal(map[string]string{"tool": part.Tool, "error": msg})
	} else {
		if err := p.checkPermission(ctx, part, t, input); err != nil {
			return p.toolFailed(ctx, part, err)
		}
		if err := p.checkDoomLoop(ctx, part, input); err != nil {
			return p.toolFailed(ctx, part, err)
		}
	}

	p.mu.Lock()
	now := time.Now()
	part.State.Status = ToolRunning
	part.State.Time = &PartTime{Start: now}
	p.savePart(part)
	p.mu.Unlock()

	tctx, span := p.svc.tracer.TraceTool(ctx, part.Tool, part.CallID)
	result, err := p.svc.runner.Run(tctx, t, input, p.toolContext(part), tool.TruncateOptions{})
	observability.End(span, err)
	if err != nil {
		p.svc.metrics.ToolExecuted(part.Tool, string(ToolError), time.Since(now))
		return p.toolFailed(ctx, part, err)
	}
	p.svc.metrics.ToolExecuted(part.Tool, string(ToolCompleted), time.Since(now))

	p.mu.Lock()
	end := time.Now()
	part.State.Status = ToolCompleted
	part.State.Output = result.Output
	if result.Title != "" {
		part.State.Title = result.Title
	}
	part.State.Metadata = maps.Clone(result.Metadata)
	part.State.Time.End = &end
	p.savePart(part)
	p.recent = append(p.recent, part.Clone())
	p.mu.Unlock()

	return provider.ToolResult{CallID: part.CallID, Name: part.Tool, Output: result.Output}, nil
}

func (p *processor) unavailable(name string) string {
	ids := make([]string, 0, len(p.defs))
	for _, def := range p.defs {
		ids = append(ids, def.Name)
	}
	return fmt.Sprintf("Model tried to call unavailable tool '%s'. Available tools: %s.", name, strings.Join(ids, ", "))
}

// toolFailed closes the part as an error. Denials and rejections end the
// turn; every other failure is reported to the model.
func (p *processor) toolFailed(ctx context.Context, part *Part, err error) (provider.ToolResult, error) {
	if ctx.Err() != nil {
		return provider.ToolResult{}, ctx.Err()
	}
	p.mu.Lock()
	p.errorPart(part, err.Error())
	p.recent = append(p.recent, part.Clone())
	p.mu.Unlock()

	result := provider.ToolResult{CallID: part.CallID, Name: part.Tool, Output: err.Error(), IsError: true}
	if permission.IsDenied(err) || permission.IsRejected(err) {
		return result, err
	}
	var verr *tool.ValidationError
	if errors.As(err, &verr) {
		p.logger.Debug("tool arguments rejected", "tool", part.Tool, "error", err)
	}
	return result, nil
}

// errorPart must be called with p.mu held or before the part is shared.
func (p *processor) errorPart(part *Part, msg string) {
	now := time.Now()
	part.State.Status = ToolError
	part.State.Error = msg
	if part.State.Time == nil {
		part.State.Time = &PartTime{Start: now}
	}
	part.State.Time.End = &now
	p.savePart(part)
}

func (p *processor) checkPermission(ctx context.Context, part *Part, t tool.Tool, input json.RawMessage) error {
	patterns, always := []string{"*"}, []string{"*"}
	if pt, ok := t.(tool.Patterner); ok {
		ps, as := pt.Patterns(input)
		if len(ps) > 0 {
			patterns = ps
		}
		always = as
	}
	return p.ask(ctx, part, permission.PermissionFor(part.Tool), patterns, always, nil)
}

// checkDoomLoop asks before running a call identical to each of the last
// DoomLoopThreshold tool calls of the session.
func (p *processor) checkDoomLoop(ctx context.Context, part *Part, input json.RawMessage) error {
	n := p.svc.cfg.DoomLoopThreshold
	if len(p.recent) < n {
		return nil
	}
	for _, prev := range p.recent[len(p.recent)-n:] {
		if prev.Tool != part.Tool || prev.State == nil || !sameInput(prev.State.Input, input) {
			return nil
		}
	}
	var args any
	_ = json.Unmarshal(input, &args)
	p.logger.Warn("repeated tool call detected", "tool", part.Tool, "threshold", n)
	return p.ask(ctx, part, "doom_loop", []string{part.Tool}, []string{part.Tool},
		map[string]any{"tool": part.Tool, "input": args})
}

// sameInput compares JSON documents structurally.
func sameInput(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(inputOrEmpty(a), &av); err != nil {
		return false
	}
	if err := json.Unmarshal(inputOrEmpty(b), &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

func (p *processor) ask(ctx context.Context, part *Part, perm string, patterns, always []string, metadata map[string]any) error {
	err := p.svc.perms.Ask(ctx, permission.Request{
		SessionID:  p.session.ID,
		Permission: perm,
		Patterns:   patterns,
		Always:     always,
		Metadata:   metadata,
		Tool:       &permission.ToolRef{MessageID: p.msg.ID, CallID: part.CallID},
	}, p.ruleset)

	outcome := "allowed"
	switch {
	case err == nil:
	case permission.IsDenied(err):
		outcome = "denied"
	case permission.IsRejected(err):
		outcome = "rejected"
	case permission.IsCorrected(err):
		outcome = "corrected"
	default:
		outcome = "error"
	}
	p.svc.metrics.PermissionChecked(perm, outcome)
	return err
}

func (p *processor) toolContext(part *Part) *tool.Context {
	_, hasTask := p.tools["task"]
	return &tool.Context{
		SessionID:   p.session.ID,
		MessageID:   p.msg.ID,
		Agent:       p.agent.Name,
		CallID:      part.CallID,
		HasTaskTool: hasTask,
		AskFunc: func(ctx context.Context, in tool.AskInput) error {
			return p.ask(ctx, part, in.Permission, in.Patterns, in.Always, in.Metadata)
		},
		MetadataFunc: func(update tool.MetadataUpdate) {
			p.mu.Lock()
			defer p.mu.Unlock()
			if part.State.Status != ToolRunning {
				return
			}
			if update.Title != "" {
				part.State.Title = update.Title
			}
			part.State.Metadata = maps.Clone(update.Metadata)
			p.savePart(part)
		},
	}
}

// cleanup closes every part the current attempt left open. Tool calls that
// never finished become errors.
func (p *processor) cleanup() {
	p.closeBlocks(nil)
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.calls))
	for id := range p.calls {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return p.calls[ids[i]].ID < p.calls[ids[j]].ID })
	for _, id := range ids {
		part := p.calls[id]
		if !part.State.Status.Closed() {
			p.errorPart(part, errToolAborted)
		}
	}
	p.calls = make(map[string]*Part)
}

func (p *processor) fail(ctx context.Context, err error) (*turnOutcome, error) {
	p.cleanup()
	p.msg.Error = p.svc.messageError(ctx, err, p.agent)

	if p.hasFallbacks && models.IsFailoverError(err) && ctx.Err() == nil {
		p.logger.Warn("model unavailable, trying next", "error", err)
		p.complete()
		return &turnOutcome{message: p.msg}, err
	}

	overflow := p.msg.Error.Name == ErrNameContextOverflow && p.msg.Error.Kind == KindContextOverflow
	p.logger.Warn("turn failed", "error_name", p.msg.Error.Name, "error", err)
	p.complete()
	if !(overflow && p.compactOnOverflow) {
		publish(p.svc.bus, p.svc.logger, EventError, ErrorEvent{SessionID: p.session.ID, Error: *p.msg.Error})
	}
	return &turnOutcome{message: p.msg, overflow: overflow}, nil
}

func (p *processor) complete() {
	now := time.Now()
	p.msg.Time.Completed = &now
	if err := p.svc.writeMessage(p.persist, p.msg); err != nil {
		p.logger.Warn("write message failed", "error", err)
	}
}

// savePart assigns an id on first save, persists the part and publishes
// a snapshot.
func (p *processor) savePart(part *Part) {
	if part.ID == "" {
		part.ID = identifier.Ascending(identifier.Part)
		part.SessionID = p.session.ID
		part.MessageID = p.msg.ID
	}
	p.publishPart(part, "")
}

// publishPart persists unless the update is a streamed delta.
func (p *processor) publishPart(part *Part, delta string) {
	if delta == "" {
		if err := p.svc.store.Write(p.persist, partKey(part.MessageID, part.ID), part); err != nil {
			p.logger.Warn("write part failed", "part_id", part.ID, "error", err)
		}
	}
	publish(p.svc.bus, p.svc.logger, EventPartUpdated, PartEvent{Part: part.Clone(), Delta: delta})
}
