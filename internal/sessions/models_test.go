package sessions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/conductor/internal/auth"
	"github.com/haasonsaas/conductor/internal/provider"
)

// keySource records the API key of every stream it serves. Keys listed in
// reject fail with an auth error.
type keySource struct {
	mu     sync.Mutex
	keys   []string
	reject map[string]bool
}

func (s *keySource) GetLanguageClient(_ context.Context, _ *provider.Model, cred provider.Credential) (provider.LanguageClient, error) {
	return provider.LanguageClientFunc(func(context.Context, *provider.Request) (<-chan provider.StreamEvent, error) {
		s.mu.Lock()
		s.keys = append(s.keys, cred.APIKey)
		s.mu.Unlock()
		ch := make(chan provider.StreamEvent, 4)
		if s.reject[cred.APIKey] {
			ch <- provider.StreamEvent{Type: provider.EventError, Err: provider.NewProviderError("anthropic", "m", errors.New("invalid x-api-key")).WithStatus(401)}
		} else {
			for _, ev := range textReply("ok", provider.Usage{}) {
				ch <- ev
			}
		}
		close(ch)
		return ch, nil
	}), nil
}

func (s *keySource) tried() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.keys, ",")
}

func TestProviderModelsProfilePins(t *testing.T) {
	tests := []struct {
		name      string
		locked    map[string]string
		preferred map[string]string
		reject    map[string]bool
		want      string
		wantErr   bool
	}{
		{name: "configured order", want: "key-a"},
		{name: "preferred first", preferred: map[string]string{"anthropic": "anthropic:b"}, want: "key-b"},
		{name: "preferred falls back", preferred: map[string]string{"anthropic": "anthropic:b"}, reject: map[string]bool{"key-b": true}, want: "key-b,key-a"},
		{name: "locked never rotates", locked: map[string]string{"anthropic": "anthropic:b"}, reject: map[string]bool{"key-b": true}, want: "key-b", wantErr: true},
		{name: "pins are per provider", locked: map[string]string{"openai": "openai:x"}, want: "key-a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			catalog := provider.NewCatalog()
			catalog.Register(&provider.Info{
				ID:     "anthropic",
				Models: map[string]*provider.Model{"m": {API: provider.API{Kind: provider.KindAnthropic}}},
			})
			profiles := auth.NewStore()
			profiles.Add("anthropic:a", auth.Profile{Provider: "anthropic", Type: auth.CredentialAPIKey, Key: "key-a"})
			profiles.Add("anthropic:b", auth.Profile{Provider: "anthropic", Type: auth.CredentialAPIKey, Key: "key-b"})
			source := &keySource{reject: tt.reject}

			models := &ProviderModels{Catalog: catalog, Clients: source, Profiles: profiles}
			models.SetProfilePins(tt.locked, tt.preferred)

			_, client, err := models.Client(context.Background(), provider.ModelRef{ProviderID: "anthropic", ModelID: "m"}, false)
			if err != nil {
				t.Fatalf("Client() error = %v", err)
			}
			ch, err := client.Stream(context.Background(), &provider.Request{})
			if err != nil {
				t.Fatalf("Stream() error = %v", err)
			}
			var streamErr error
			for ev := range ch {
				if ev.Type == provider.EventError {
					streamErr = ev.Err
				}
			}
			if (streamErr != nil) != tt.wantErr {
				t.Fatalf("stream error = %v, wantErr %v", streamErr, tt.wantErr)
			}
			if got := source.tried(); got != tt.want {
				t.Fatalf("keys tried = %s, want %s", got, tt.want)
			}
		})
	}
}
