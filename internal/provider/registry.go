package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Credential is the resolved secret and endpoint for one client.
type Credential struct {
	ProfileID string
	APIKey    string
	BaseURL   string
	Headers   map[string]string
	Region    string
}

// Factory builds a language client for a model.
type Factory func(ctx context.Context, model *Model, cred Credential) (LanguageClient, error)

// UnknownKindError is returned when no factory is registered for an API kind.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("no client factory registered for API kind %q", e.Kind)
}

// Registry maps API kinds to factories and caches built clients.
type Registry struct {
	catalog *Catalog
	logger  *slog.Logger

	mu        sync.Mutex
	factories map[string]Factory
	clients   map[string]LanguageClient
	// gen moves on every invalidation so builds that raced one are not cached.
	gen uint64

	group singleflight.Group
}

// NewRegistry creates a registry with the built-in factories registered.
func NewRegistry(catalog *Catalog, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		catalog:   catalog,
		logger:    logger.With("component", "provider"),
		factories: make(map[string]Factory),
		clients:   make(map[string]LanguageClient),
	}
	r.RegisterFactory(KindAnthropic, NewAnthropicClient)
	r.RegisterFactory(KindOpenAI, NewOpenAIClient)
	r.RegisterFactory(KindGoogle, NewGoogleClient)
	r.RegisterFactory(KindBedrock, NewBedrockClient)
	return r
}

// RegisterFactory installs or replaces the factory for kind and drops
// cached clients built by the previous one.
func (r *Registry) RegisterFactory(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
	r.gen++
	for key := range r.clients {
		if strings.HasPrefix(key, kind+"|") {
			delete(r.clients, key)
		}
	}
}

// Kinds lists registered API kinds.
func (r *Registry) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Catalog returns the model catalog backing the registry.
func (r *Registry) Catalog() *Catalog {
	return r.catalog
}

// GetLanguageClient returns a cached client for model and credential,
// building one on first use. Endpoint and headers come from the model
// first, then the provider options, then the credential.
func (r *Registry) GetLanguageClient(ctx context.Context, model *Model, cred Credential) (LanguageClient, error) {
	if model == nil {
		return nil, fmt.Errorf("model is required")
	}
	cred = r.resolveCredential(model, cred)
	key := clientKey(model, cred)

	r.mu.Lock()
	if client, ok := r.clients[key]; ok {
		r.mu.Unlock()
		return client, nil
	}
	r.mu.Unlock()

	// Factories may block on network setup, so they run outside mu.
	// Concurrent callers for the same key share one build.
	v, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.Lock()
		if client, ok := r.clients[key]; ok {
			r.mu.Unlock()
			return client, nil
		}
		factory, ok := r.factories[model.API.Kind]
		gen := r.gen
		r.mu.Unlock()
		if !ok {
			return nil, &UnknownKindError{Kind: model.API.Kind}
		}

		client, err := factory(ctx, model, cred)
		if err != nil {
			return nil, fmt.Errorf("create %s client for %s: %w", model.API.Kind, model.Ref(), err)
		}
		r.mu.Lock()
		if r.gen == gen {
			r.clients[key] = client
		}
		r.mu.Unlock()
		r.logger.Debug("language client created", "model", model.Ref().String(), "profile", cred.ProfileID)
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(LanguageClient), nil
}

// Invalidate drops cached clients for a credential profile, for example
// after its token was refreshed or the profile was removed.
func (r *Registry) Invalidate(profileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	for key := range r.clients {
		if strings.Contains(key, "|"+profileID+"|") {
			delete(r.clients, key)
		}
	}
}

// clientKey identifies a cached client. The secret fingerprint makes a
// refreshed token build a new client.
func clientKey(model *Model, cred Credential) string {
	sum := sha256.Sum256([]byte(cred.APIKey))
	return model.API.Kind + "|" + model.ProviderID + "/" + model.ID + "|" + cred.ProfileID + "|" + hex.EncodeToString(sum[:4])
}

func (r *Registry) resolveCredential(model *Model, cred Credential) Credential {
	var opts Options
	if r.catalog != nil {
		if info, err := r.catalog.GetProvider(model.ProviderID); err == nil {
			opts = info.Options
		}
	}
	if cred.APIKey == "" {
		cred.APIKey = opts.APIKey
	}
	if cred.Region == "" {
		cred.Region = opts.Region
	}
	switch {
	case model.API.URL != "":
		cred.BaseURL = model.API.URL
	case cred.BaseURL == "":
		cred.BaseURL = opts.BaseURL
	}
	headers := make(map[string]string, len(opts.Headers)+len(model.Headers)+len(cred.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}
	for k, v := range model.Headers {
		headers[k] = v
	}
	for k, v := range cred.Headers {
		headers[k] = v
	}
	cred.Headers = headers
	return cred
}
