package auth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/haasonsaas/conductor/internal/watch"
)

// refreshSkew refreshes oauth tokens slightly before they expire.
const refreshSkew = time.Minute

// Credential returns the profile with a usable secret, refreshing an oauth
// access token through its token endpoint when it is about to expire.
func (s *Store) Credential(ctx context.Context, id string) (Profile, error) {
	profile, err := s.Get(id)
	if err != nil {
		return Profile{}, err
	}
	if profile.Type != CredentialOAuth {
		if profile.Secret() == "" {
			return Profile{}, fmt.Errorf("%w: %s", ErrCredentialMissing, id)
		}
		return profile, nil
	}

	if profile.Access != "" && (profile.Expires == 0 || s.now().Add(refreshSkew).UnixMilli() < profile.Expires) {
		return profile, nil
	}
	if profile.Refresh == "" || profile.TokenURL == "" {
		return Profile{}, fmt.Errorf("%w: %s", ErrCredentialExpired, id)
	}

	cfg := oauth2.Config{
		ClientID: profile.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: profile.TokenURL},
	}
	expired := &oauth2.Token{
		AccessToken:  profile.Access,
		RefreshToken: profile.Refresh,
		Expiry:       s.now().Add(-time.Second),
	}
	token, err := cfg.TokenSource(ctx, expired).Token()
	if err != nil {
		return Profile{}, fmt.Errorf("refresh oauth profile %s: %w", id, err)
	}

	profile.Access = token.AccessToken
	if token.RefreshToken != "" {
		profile.Refresh = token.RefreshToken
	}
	profile.Expires = 0
	if !token.Expiry.IsZero() {
		profile.Expires = token.Expiry.UnixMilli()
	}

	s.mu.Lock()
	s.data.Profiles[id] = profile
	s.mu.Unlock()
	s.saveQuietly()
	s.logger.Info("refreshed oauth profile", "profile", id)
	s.changed(id)
	return profile, nil
}

// Watch reloads the store whenever its file changes on disk. It blocks
// until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	return watch.File(ctx, s.path, 0, s.logger, func() {
		if err := s.Reload(); err != nil {
			s.logger.Warn("auth profile reload failed", "error", err)
			return
		}
		s.logger.Info("auth profiles reloaded", "path", s.path)
	})
}
