package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/conductor/internal/auth"
	"github.com/haasonsaas/conductor/internal/models"
)

// scriptedSource returns clients whose behaviour depends on the API key.
type scriptedSource struct {
	mu       sync.Mutex
	keys     []string
	thinking []ThinkingLevel
	behave   func(key string, req *Request) []StreamEvent
}

func (s *scriptedSource) GetLanguageClient(ctx context.Context, model *Model, cred Credential) (LanguageClient, error) {
	return LanguageClientFunc(func(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
		s.mu.Lock()
		s.keys = append(s.keys, cred.APIKey)
		s.thinking = append(s.thinking, req.Thinking)
		s.mu.Unlock()
		events := s.behave(cred.APIKey, req)
		ch := make(chan StreamEvent, len(events))
		for _, ev := range events {
			ch <- ev
		}
		close(ch)
		return ch, nil
	}), nil
}

func okEvents(text string) []StreamEvent {
	return []StreamEvent{
		{Type: EventTextStart, ID: "text-1"},
		{Type: EventTextDelta, ID: "text-1", Text: text},
		{Type: EventTextEnd, ID: "text-1"},
		{Type: EventFinishStep, FinishReason: FinishStop, Usage: &Usage{}},
	}
}

func errEvent(err error) []StreamEvent {
	return []StreamEvent{{Type: EventError, Err: err}}
}

func collect(t *testing.T, ch <-chan StreamEvent) (string, error) {
	t.Helper()
	var text strings.Builder
	var err error
	for ev := range ch {
		switch ev.Type {
		case EventTextDelta:
			text.WriteString(ev.Text)
		case EventError:
			err = ev.Err
		}
	}
	return text.String(), err
}

func testModel() *Model {
	return &Model{ID: "claude-sonnet-4-5", ProviderID: "anthropic", API: API{Kind: KindAnthropic}}
}

func twoProfiles() *auth.Store {
	store := auth.NewStore()
	store.Add("anthropic:a", auth.Profile{Provider: "anthropic", Type: auth.CredentialAPIKey, Key: "key-a"})
	store.Add("anthropic:b", auth.Profile{Provider: "anthropic", Type: auth.CredentialAPIKey, Key: "key-b"})
	return store
}

func authError() error {
	return NewProviderError("anthropic", "claude-sonnet-4-5", errors.New("invalid x-api-key")).WithStatus(http.StatusUnauthorized)
}

func TestFailoverRotatesOnAuthFailure(t *testing.T) {
	store := twoProfiles()
	source := &scriptedSource{behave: func(key string, _ *Request) []StreamEvent {
		if key == "key-a" {
			return errEvent(authError())
		}
		return okEvents("pong")
	}}
	client := NewFailoverClient(FailoverOptions{Model: testModel(), Clients: source, Profiles: store})

	ch, _ := client.Stream(context.Background(), &Request{})
	text, err := collect(t, ch)
	if err != nil || text != "pong" {
		t.Fatalf("Stream() = %q, %v", text, err)
	}
	if strings.Join(source.keys, ",") != "key-a,key-b" {
		t.Fatalf("keys tried = %v", source.keys)
	}
	if !store.InCooldown("anthropic:a") {
		t.Fatal("failed profile should be in cooldown")
	}
	if store.Stats("anthropic:b").ErrorCount != 0 {
		t.Fatal("good profile should have no errors")
	}
}

func TestFailoverRateLimitDoesNotRotate(t *testing.T) {
	store := twoProfiles()
	source := &scriptedSource{behave: func(string, *Request) []StreamEvent {
		return errEvent(NewProviderError("anthropic", "m", errors.New("overloaded")).WithStatus(529))
	}}
	client := NewFailoverClient(FailoverOptions{Model: testModel(), Clients: source, Profiles: store})

	ch, _ := client.Stream(context.Background(), &Request{})
	_, err := collect(t, ch)
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if len(source.keys) != 1 || store.InCooldown("anthropic:a") {
		t.Fatalf("rate limit should be left to the caller, tried %v", source.keys)
	}
}

func TestFailoverExhausted(t *testing.T) {
	tests := []struct {
		name         string
		hasFallbacks bool
		wantFailover bool
	}{
		{"plain error", false, false},
		{"failover error", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &scriptedSource{behave: func(string, *Request) []StreamEvent { return errEvent(authError()) }}
			client := NewFailoverClient(FailoverOptions{Model: testModel(), Clients: source, Profiles: twoProfiles(), HasFallbacks: tt.hasFallbacks})
			ch, _ := client.Stream(context.Background(), &Request{})
			_, err := collect(t, ch)
			if err == nil || !strings.Contains(err.Error(), "No available auth profile for anthropic (all in cooldown or unavailable).") {
				t.Fatalf("unexpected error %v", err)
			}
			if got := models.IsFailoverError(err); got != tt.wantFailover {
				t.Fatalf("IsFailoverError() = %v, want %v (%v)", got, tt.wantFailover, err)
			}
			var fe *models.FailoverError
			if tt.wantFailover && (!errors.As(err, &fe) || fe.Reason != models.ReasonAuth) {
				t.Fatalf("failover reason = %v", err)
			}
		})
	}
}

func TestFailoverSkipsCooldownAndHonoursLock(t *testing.T) {
	store := twoProfiles()
	store.MarkFailure("anthropic:a", models.ReasonAuth)

	source := &scriptedSource{behave: func(string, *Request) []StreamEvent { return okEvents("ok") }}
	client := NewFailoverClient(FailoverOptions{Model: testModel(), Clients: source, Profiles: store})
	ch, _ := client.Stream(context.Background(), &Request{})
	if _, err := collect(t, ch); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if strings.Join(source.keys, ",") != "key-b" {
		t.Fatalf("keys tried = %v", source.keys)
	}

	locked := &scriptedSource{behave: func(string, *Request) []StreamEvent { return errEvent(authError()) }}
	client = NewFailoverClient(FailoverOptions{Model: testModel(), Clients: locked, Profiles: twoProfiles(), LockedProfile: "anthropic:b"})
	ch, _ = client.Stream(context.Background(), &Request{})
	if _, err := collect(t, ch); err == nil {
		t.Fatal("expected failure with locked profile")
	}
	if strings.Join(locked.keys, ",") != "key-b" {
		t.Fatalf("locked profile should be the only candidate, tried %v", locked.keys)
	}
}

func TestFailoverDowngradesThinking(t *testing.T) {
	source := &scriptedSource{behave: func(_ string, req *Request) []StreamEvent {
		if req.Thinking == ThinkingHigh || req.Thinking == ThinkingMedium {
			return errEvent(errors.New("400 thinking is not supported at this level"))
		}
		return okEvents("thought")
	}}
	client := NewFailoverClient(FailoverOptions{Model: testModel(), Clients: source, Profiles: twoProfiles()})
	ch, _ := client.Stream(context.Background(), &Request{Thinking: ThinkingHigh})
	text, err := collect(t, ch)
	if err != nil || text != "thought" {
		t.Fatalf("Stream() = %q, %v", text, err)
	}
	got := make([]string, 0, len(source.thinking))
	for _, l := range source.thinking {
		got = append(got, string(l))
	}
	if strings.Join(got, ",") != "high,medium,low" {
		t.Fatalf("levels tried = %v", got)
	}
	if strings.Join(source.keys, ",") != "key-a,key-a,key-a" {
		t.Fatalf("downgrade should stay on the same profile, tried %v", source.keys)
	}
}

func TestFailoverWithoutProfilesUsesProviderKey(t *testing.T) {
	source := &scriptedSource{behave: func(key string, _ *Request) []StreamEvent { return okEvents(key) }}
	client := NewFailoverClient(FailoverOptions{Model: testModel(), Clients: source, Profiles: auth.NewStore()})
	ch, _ := client.Stream(context.Background(), &Request{})
	text, err := collect(t, ch)
	if err != nil || text != "" {
		t.Fatalf("Stream() = %q, %v", text, err)
	}
	if len(source.keys) != 1 {
		t.Fatalf("expected one attempt, got %v", source.keys)
	}
}
