package permission

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/bus"
)

type harness struct {
	t       *testing.T
	bus     *bus.Bus
	engine  *Engine
	asked   chan Request
	mu      sync.Mutex
	replies []Replied
}

func newHarness(t *testing.T, opts ...EngineOption) *harness {
	t.Helper()
	b := bus.New(nil)
	engine, err := NewEngine(context.Background(), b, opts...)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	h := &harness{t: t, bus: b, engine: engine, asked: make(chan Request, 16)}
	bus.Subscribe(b, EventAsked, func(r Request) { h.asked <- r })
	bus.Subscribe(b, EventReplied, func(r Replied) {
		h.mu.Lock()
		h.replies = append(h.replies, r)
		h.mu.Unlock()
	})
	return h
}

// ask starts an Ask in the background and waits until it is pending.
func (h *harness) ask(ctx context.Context, req Request, rules Ruleset) (Request, <-chan error) {
	h.t.Helper()
	result := make(chan error, 1)
	go func() { result <- h.engine.Ask(ctx, req, rules) }()
	select {
	case r := <-h.asked:
		return r, result
	case <-time.After(2 * time.Second):
		h.t.Fatal("request never became pending")
		return Request{}, nil
	}
}

func (h *harness) replyCount(requestID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.replies {
		if r.RequestID == requestID {
			n++
		}
	}
	return n
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("ask did not resolve")
		return nil
	}
}

var askAll = Ruleset{{Permission: "*", Pattern: "*", Action: ActionAsk}}

func TestAskAllowAndDeny(t *testing.T) {
	h := newHarness(t)
	rules := Ruleset{
		{Permission: "bash", Pattern: "*", Action: ActionAllow},
		{Permission: "bash", Pattern: "rm *", Action: ActionDeny},
	}

	if err := h.engine.Ask(context.Background(), Request{SessionID: "s", Permission: "bash", Patterns: []string{"ls"}}, rules); err != nil {
		t.Fatalf("allowed ask returned %v", err)
	}

	err := h.engine.Ask(context.Background(), Request{SessionID: "s", Permission: "bash", Patterns: []string{"ls", "rm -rf /"}}, rules)
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if len(denied.Rules) != 2 {
		t.Fatalf("expected relevant rules in error, got %+v", denied.Rules)
	}
	if len(h.engine.List()) != 0 {
		t.Fatal("denied request must not be pending")
	}
}

func TestReplyOnceResolvesOnlyTarget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, firstErr := h.ask(ctx, Request{SessionID: "s", Permission: "bash", Patterns: []string{"ls"}}, askAll)
	_, secondErr := h.ask(ctx, Request{SessionID: "s", Permission: "bash", Patterns: []string{"pwd"}}, askAll)

	if err := h.engine.Reply(ctx, ReplyInput{RequestID: first.ID, Reply: ReplyOnce}); err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if err := waitErr(t, firstErr); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	select {
	case err := <-secondErr:
		t.Fatalf("second request resolved unexpectedly: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	if len(h.engine.List()) != 1 {
		t.Fatalf("expected one pending request, got %d", len(h.engine.List()))
	}
}

func TestRejectCascadesWithinSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, aErr := h.ask(ctx, Request{SessionID: "s1", Permission: "bash", Patterns: []string{"a"}}, askAll)
	b, bErr := h.ask(ctx, Request{SessionID: "s1", Permission: "edit", Patterns: []string{"b"}}, askAll)
	c, cErr := h.ask(ctx, Request{SessionID: "s1", Permission: "read", Patterns: []string{"c"}}, askAll)
	other, otherErr := h.ask(ctx, Request{SessionID: "s2", Permission: "bash", Patterns: []string{"d"}}, askAll)

	if err := h.engine.Reply(ctx, ReplyInput{RequestID: b.ID, Reply: ReplyReject, Message: "use grep"}); err != nil {
		t.Fatalf("Reply() error = %v", err)
	}

	var corrected *CorrectedError
	if err := waitErr(t, bErr); !errors.As(err, &corrected) || corrected.Feedback != "use grep" {
		t.Fatalf("expected CorrectedError, got %v", err)
	}
	for _, ch := range []<-chan error{aErr, cErr} {
		if err := waitErr(t, ch); !IsRejected(err) {
			t.Fatalf("expected RejectedError, got %v", err)
		}
	}
	for _, id := range []string{a.ID, b.ID, c.ID} {
		if n := h.replyCount(id); n != 1 {
			t.Fatalf("request %s replied %d times, want 1", id, n)
		}
	}

	// A second reply to an already-resolved request must fail.
	if err := h.engine.Reply(ctx, ReplyInput{RequestID: a.ID, Reply: ReplyReject}); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}

	pending := h.engine.List()
	if len(pending) != 1 || pending[0].ID != other.ID {
		t.Fatalf("other session should stay pending, got %+v", pending)
	}
	h.engine.CloseSession("s2")
	if err := waitErr(t, otherErr); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestAlwaysApprovesAndCascades(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "approved.json"))
	h := newHarness(t, WithStore(store))
	ctx := context.Background()

	first, firstErr := h.ask(ctx, Request{SessionID: "s", Permission: "bash", Patterns: []string{"git status"}, Always: []string{"git *"}}, askAll)
	_, sameErr := h.ask(ctx, Request{SessionID: "s", Permission: "bash", Patterns: []string{"git log"}, Always: []string{"git *"}}, askAll)
	_, differentErr := h.ask(ctx, Request{SessionID: "s", Permission: "bash", Patterns: []string{"make"}}, askAll)

	if err := h.engine.Reply(ctx, ReplyInput{RequestID: first.ID, Reply: ReplyAlways}); err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if err := waitErr(t, firstErr); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := waitErr(t, sameErr); err != nil {
		t.Fatalf("cascaded: %v", err)
	}
	select {
	case err := <-differentErr:
		t.Fatalf("unrelated request resolved: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	// A later identical request passes without asking.
	if err := h.engine.Ask(ctx, Request{SessionID: "other", Permission: "bash", Patterns: []string{"git diff"}}, askAll); err != nil {
		t.Fatalf("expected approved rule to allow, got %v", err)
	}

	// The approved rule survives a restart.
	reloaded, err := NewEngine(ctx, bus.New(nil), WithStore(store))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	approved := reloaded.Approved()
	if len(approved) != 1 || approved[0].Pattern != "git *" || approved[0].Action != ActionAllow {
		t.Fatalf("unexpected persisted rules %+v", approved)
	}
	h.engine.CloseSession("s")
}

func TestAskCancelledByContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, errCh := h.ask(ctx, Request{SessionID: "s", Permission: "bash", Patterns: []string{"ls"}}, askAll)
	cancel()

	if err := waitErr(t, errCh); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(h.engine.List()) != 0 {
		t.Fatal("cancelled request still pending")
	}
}

func TestReplyValidation(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.Reply(context.Background(), ReplyInput{RequestID: "x", Reply: "maybe"}); err == nil {
		t.Fatal("expected invalid reply error")
	}
	if err := h.engine.Reply(context.Background(), ReplyInput{RequestID: "missing", Reply: ReplyOnce}); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestErrorMessages(t *testing.T) {
	if got := (&RejectedError{}).Error(); got != "The user rejected permission to use this specific tool call." {
		t.Fatalf("unexpected rejected message %q", got)
	}
	if got := (&CorrectedError{Feedback: "no"}).Error(); got != "The user rejected permission to use this specific tool call with the following feedback: no" {
		t.Fatalf("unexpected corrected message %q", got)
	}
	denied := &DeniedError{Rules: Ruleset{{Permission: "bash", Pattern: "*", Action: ActionDeny}}}
	want := `The user has specified a rule which prevents you from using this specific tool call. Here are some of the relevant rules [{"permission":"bash","pattern":"*","action":"deny"}]`
	if denied.Error() != want {
		t.Fatalf("unexpected denied message %q", denied.Error())
	}
}
