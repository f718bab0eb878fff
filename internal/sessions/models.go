package sessions

import (
	"context"
	"log/slog"
	"sync"

	"github.com/haasonsaas/conductor/internal/auth"
	"github.com/haasonsaas/conductor/internal/provider"
)

// Models resolves model references to clients for a turn.
type Models interface {
	DefaultModel() (provider.ModelRef, error)
	// SmallModel returns a cheap model of the provider, if it has one.
	SmallModel(providerID string) (provider.ModelRef, bool)
	// Client returns the model and a client for it. hasFallbacks asks the
	// client to surface credential exhaustion as a *models.FailoverError.
	Client(ctx context.Context, ref provider.ModelRef, hasFallbacks bool) (*provider.Model, provider.LanguageClient, error)
}

// ProviderModels serves models from a catalog through auth-profile failover
// clients.
type ProviderModels struct {
	Catalog  *provider.Catalog
	Clients  provider.ClientSource
	Profiles *auth.Store
	Logger   *slog.Logger

	// Default and Small override the catalog's choices when set.
	Default provider.ModelRef
	Small   provider.ModelRef

	mu        sync.RWMutex
	locked    map[string]string
	preferred map[string]string
}

// SetProfilePins replaces the per-provider profile pins. A locked profile is
// the only one a client uses; a preferred one is tried before the rest.
func (m *ProviderModels) SetProfilePins(locked, preferred map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked = locked
	m.preferred = preferred
}

func (m *ProviderModels) pins(providerID string) (locked, preferred string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.locked[providerID], m.preferred[providerID]
}

func (m *ProviderModels) DefaultModel() (provider.ModelRef, error) {
	if !m.Default.IsZero() {
		if _, err := m.Catalog.GetModel(m.Default.ProviderID, m.Default.ModelID); err != nil {
			return provider.ModelRef{}, err
		}
		return m.Default, nil
	}
	return m.Catalog.DefaultModel()
}

func (m *ProviderModels) SmallModel(providerID string) (provider.ModelRef, bool) {
	if !m.Small.IsZero() {
		return m.Small, true
	}
	model := m.Catalog.SmallModel(providerID)
	if model == nil {
		return provider.ModelRef{}, false
	}
	return model.Ref(), true
}

func (m *ProviderModels) Client(ctx context.Context, ref provider.ModelRef, hasFallbacks bool) (*provider.Model, provider.LanguageClient, error) {
	model, err := m.Catalog.GetModel(ref.ProviderID, ref.ModelID)
	if err != nil {
		return nil, nil, err
	}
	locked, preferred := m.pins(ref.ProviderID)
	client := provider.NewFailoverClient(provider.FailoverOptions{
		Model:            model,
		Clients:          m.Clients,
		Profiles:         m.Profiles,
		LockedProfile:    locked,
		PreferredProfile: preferred,
		HasFallbacks:     hasFallbacks,
		Logger:           m.Logger,
	})
	return model, client, nil
}
