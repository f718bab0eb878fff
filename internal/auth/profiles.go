// Package auth stores provider credentials as ordered auth profiles with
// failure cooldowns, and authenticates gateway clients.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/internal/models"
)

const (
	profilesVersion = 1

	// DefaultCooldown is the first cooldown after a non-credential failure.
	DefaultCooldown = time.Minute
	// DefaultCredentialCooldown is the first cooldown after an auth or billing failure.
	DefaultCredentialCooldown = 5 * time.Hour

	maxCooldown           = time.Hour
	maxCredentialCooldown = 24 * time.Hour
)

// CredentialType identifies how a profile authenticates.
type CredentialType string

const (
	CredentialAPIKey CredentialType = "api_key"
	CredentialOAuth  CredentialType = "oauth"
	CredentialToken  CredentialType = "token"
)

var (
	ErrProfileNotFound   = errors.New("profile not found")
	ErrCredentialMissing = errors.New("profile has no usable credential")
	ErrCredentialExpired = errors.New("oauth credential expired and cannot be refreshed")
)

// Profile is one credential for one provider.
type Profile struct {
	Provider string         `json:"provider"`
	Type     CredentialType `json:"type"`
	Key      string         `json:"key,omitempty"`
	Token    string         `json:"token,omitempty"`
	Access   string         `json:"access,omitempty"`
	Refresh  string         `json:"refresh,omitempty"`
	Expires  int64          `json:"expires,omitempty"` // unix milliseconds
	TokenURL string         `json:"token_url,omitempty"`
	ClientID string         `json:"client_id,omitempty"`
	Email    string         `json:"email,omitempty"`
}

// Secret returns the value sent to the provider.
func (p Profile) Secret() string {
	switch p.Type {
	case CredentialOAuth:
		return p.Access
	case CredentialToken:
		return p.Token
	default:
		return p.Key
	}
}

// UsageStats tracks how a profile has been behaving.
type UsageStats struct {
	LastUsed      int64         `json:"last_used,omitempty"`
	LastFailure   int64         `json:"last_failure,omitempty"`
	CooldownUntil int64         `json:"cooldown_until,omitempty"`
	FailureReason models.Reason `json:"failure_reason,omitempty"`
	ErrorCount    int           `json:"error_count,omitempty"`
}

type storeFile struct {
	Version    int                   `json:"version"`
	Profiles   map[string]Profile    `json:"profiles"`
	Order      map[string][]string   `json:"order,omitempty"`
	LastGood   map[string]string     `json:"last_good,omitempty"`
	UsageStats map[string]UsageStats `json:"usage_stats,omitempty"`
}

// Store is the auth profile store. A Store with an empty path lives in memory.
type Store struct {
	mu     sync.RWMutex
	path   string
	data   storeFile
	now    func() time.Time
	logger *slog.Logger

	cooldown           time.Duration
	credentialCooldown time.Duration

	// onChange runs outside mu after a profile's secret changes or the
	// profile is removed.
	onChange func(id string)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCooldown overrides the base cooldowns. Zero keeps the default.
func WithCooldown(base, credential time.Duration) StoreOption {
	return func(s *Store) {
		if base > 0 {
			s.cooldown = base
		}
		if credential > 0 {
			s.credentialCooldown = credential
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithChangeHook registers fn to run after an OAuth refresh rotates a
// profile's token or the profile is removed.
func WithChangeHook(fn func(id string)) StoreOption {
	return func(s *Store) { s.onChange = fn }
}

func (s *Store) changed(id string) {
	if s.onChange != nil {
		s.onChange(id)
	}
}

// NewStore returns an empty in-memory store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		data:               emptyFile(),
		now:                time.Now,
		logger:             slog.Default(),
		cooldown:           DefaultCooldown,
		credentialCooldown: DefaultCredentialCooldown,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "auth")
	return s
}

// Open loads the store at path. A missing file yields an empty store that
// will be created on the first save.
func Open(path string, opts ...StoreOption) (*Store, error) {
	s := NewStore(opts...)
	s.path = path
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file, or "" for an in-memory store.
func (s *Store) Path() string {
	return s.path
}

// Reload re-reads the backing file.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.data = emptyFile()
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read auth profiles: %w", err)
	}
	data := emptyFile()
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse auth profiles %s: %w", s.path, err)
	}
	data.initMaps()
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

// Save writes the store atomically with owner-only permissions.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	raw, err := json.MarshalIndent(s.data, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) saveQuietly() {
	if err := s.Save(); err != nil {
		s.logger.Warn("failed to persist auth profiles", "error", err)
	}
}

// Add inserts or replaces a profile and appends it to the provider order.
func (s *Store) Add(id string, profile Profile) {
	s.mu.Lock()
	s.data.Profiles[id] = profile
	order := s.data.Order[profile.Provider]
	found := false
	for _, existing := range order {
		if existing == id {
			found = true
			break
		}
	}
	if !found {
		s.data.Order[profile.Provider] = append(order, id)
	}
	s.mu.Unlock()
}

// Remove deletes a profile and every reference to it.
func (s *Store) Remove(id string) {
	if s.remove(id) {
		s.changed(id)
	}
}

func (s *Store) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile, ok := s.data.Profiles[id]
	if !ok {
		return false
	}
	delete(s.data.Profiles, id)
	delete(s.data.UsageStats, id)
	order := s.data.Order[profile.Provider][:0]
	for _, existing := range s.data.Order[profile.Provider] {
		if existing != id {
			order = append(order, existing)
		}
	}
	if len(order) == 0 {
		delete(s.data.Order, profile.Provider)
	} else {
		s.data.Order[profile.Provider] = order
	}
	if s.data.LastGood[profile.Provider] == id {
		delete(s.data.LastGood, profile.Provider)
	}
	return true
}

// Get returns a copy of a profile.
func (s *Store) Get(id string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.data.Profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	return profile, nil
}

// IDs returns every profile id in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.data.Profiles))
	for id := range s.data.Profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns the usage stats of a profile.
func (s *Store) Stats(id string) UsageStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.UsageStats[id]
}

// Providers lists every provider with at least one profile.
func (s *Store) Providers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, profile := range s.data.Profiles {
		if !seen[profile.Provider] {
			seen[profile.Provider] = true
			out = append(out, profile.Provider)
		}
	}
	sort.Strings(out)
	return out
}

// SetOrder replaces the configured order for a provider.
func (s *Store) SetOrder(provider string, ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ids) == 0 {
		delete(s.data.Order, provider)
		return
	}
	s.data.Order[provider] = append([]string(nil), ids...)
}

// ResolveOrder returns the candidate profiles for provider: the preferred
// profile first, then the configured order, then every remaining profile
// with the last known good one leading.
func (s *Store) ResolveOrder(provider, preferred string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		profile, ok := s.data.Profiles[id]
		if !ok || !sameProvider(profile.Provider, provider) {
			return
		}
		seen[id] = true
		out = append(out, id)
	}

	add(preferred)
	for _, id := range s.data.Order[provider] {
		add(id)
	}
	add(s.data.LastGood[provider])
	var rest []string
	for id := range s.data.Profiles {
		rest = append(rest, id)
	}
	sort.Strings(rest)
	for _, id := range rest {
		add(id)
	}
	return out
}

// BelongsTo reports whether profile id exists for provider.
func (s *Store) BelongsTo(id, provider string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.data.Profiles[id]
	return ok && sameProvider(profile.Provider, provider)
}

// InCooldown reports whether the profile is still cooling down.
func (s *Store) InCooldown(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	until := s.data.UsageStats[id].CooldownUntil
	return until > 0 && s.now().UnixMilli() < until
}

// MarkFailure records a failure and starts a cooldown that grows with
// consecutive failures. Auth and billing failures cool down far longer.
func (s *Store) MarkFailure(id string, reason models.Reason) {
	s.mu.Lock()
	if _, ok := s.data.Profiles[id]; !ok {
		s.mu.Unlock()
		return
	}
	now := s.now()
	stats := s.data.UsageStats[id]
	stats.ErrorCount++
	stats.LastFailure = now.UnixMilli()
	stats.FailureReason = reason
	stats.CooldownUntil = now.Add(s.cooldownFor(reason, stats.ErrorCount)).UnixMilli()
	s.data.UsageStats[id] = stats
	profile := s.data.Profiles[id]
	if s.data.LastGood[profile.Provider] == id {
		delete(s.data.LastGood, profile.Provider)
	}
	s.mu.Unlock()

	s.logger.Warn("auth profile failed", "profile", id, "reason", reason, "errors", stats.ErrorCount, "cooldown_until", time.UnixMilli(stats.CooldownUntil))
	s.saveQuietly()
}

// MarkGood clears the failure state and remembers id as the provider's
// last good profile.
func (s *Store) MarkGood(id string) {
	s.mu.Lock()
	profile, ok := s.data.Profiles[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	stats := s.data.UsageStats[id]
	changed := stats.ErrorCount != 0 || stats.CooldownUntil != 0 || s.data.LastGood[profile.Provider] != id
	stats.ErrorCount = 0
	stats.CooldownUntil = 0
	stats.FailureReason = ""
	s.data.UsageStats[id] = stats
	s.data.LastGood[profile.Provider] = id
	s.mu.Unlock()

	if changed {
		s.saveQuietly()
	}
}

// MarkUsed stamps the last-used time.
func (s *Store) MarkUsed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Profiles[id]; !ok {
		return
	}
	stats := s.data.UsageStats[id]
	stats.LastUsed = s.now().UnixMilli()
	s.data.UsageStats[id] = stats
}

func (s *Store) cooldownFor(reason models.Reason, count int) time.Duration {
	exp := float64(count - 1)
	if reason.IsCredential() {
		d := float64(s.credentialCooldown) * math.Pow(2, exp)
		return time.Duration(math.Min(d, float64(maxCredentialCooldown)))
	}
	d := float64(s.cooldown) * math.Pow(5, exp)
	return time.Duration(math.Min(d, float64(maxCooldown)))
}

func sameProvider(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func emptyFile() storeFile {
	f := storeFile{Version: profilesVersion}
	f.initMaps()
	return f
}

func (f *storeFile) initMaps() {
	if f.Profiles == nil {
		f.Profiles = make(map[string]Profile)
	}
	if f.Order == nil {
		f.Order = make(map[string][]string)
	}
	if f.LastGood == nil {
		f.LastGood = make(map[string]string)
	}
	if f.UsageStats == nil {
		f.UsageStats = make(map[string]UsageStats)
	}
}
