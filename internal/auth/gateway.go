package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
)

// Principal is an authenticated gateway client.
type Principal struct {
	Subject string
	Via     string // "jwt" or "api_key"
}

// Claims are the JWT claims issued to gateway clients.
type Claims struct {
	jwt.RegisteredClaims
}

// Gateway authenticates websocket and HTTP clients with HS256 bearer tokens
// or static API keys. A Gateway with neither configured allows everyone.
type Gateway struct {
	secret  []byte
	expiry  time.Duration
	apiKeys []string
	logger  *slog.Logger
}

// NewGateway creates a gateway authenticator.
func NewGateway(secret string, expiry time.Duration, apiKeys []string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	var keys []string
	for _, key := range apiKeys {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	return &Gateway{
		secret:  []byte(strings.TrimSpace(secret)),
		expiry:  expiry,
		apiKeys: keys,
		logger:  logger.With("component", "gateway-auth"),
	}
}

// Enabled reports whether any credential is configured.
func (g *Gateway) Enabled() bool {
	return g != nil && (len(g.secret) > 0 || len(g.apiKeys) > 0)
}

// Issue signs a token for subject.
func (g *Gateway) Issue(subject string) (string, error) {
	if g == nil || len(g.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject required")
	}
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
	}}
	if g.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(g.expiry))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
}

// Validate parses a bearer token.
func (g *Gateway) Validate(token string) (*Principal, error) {
	if g == nil || len(g.secret) == 0 {
		return nil, ErrAuthDisabled
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return &Principal{Subject: claims.Subject, Via: "jwt"}, nil
}

// Authenticate checks the request's Authorization or X-API-Key header.
func (g *Gateway) Authenticate(r *http.Request) (*Principal, error) {
	if !g.Enabled() {
		return &Principal{Subject: "anonymous"}, nil
	}
	if header := r.Header.Get("Authorization"); len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return g.Validate(strings.TrimSpace(header[7:]))
	}
	key := strings.TrimSpace(r.Header.Get("X-API-Key"))
	if key == "" {
		key = strings.TrimSpace(r.URL.Query().Get("token"))
		if key != "" && len(g.secret) > 0 {
			if p, err := g.Validate(key); err == nil {
				return p, nil
			}
		}
	}
	if key == "" {
		return nil, ErrInvalidToken
	}
	matched := false
	for _, stored := range g.apiKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(stored)) == 1 {
			matched = true
		}
	}
	if !matched {
		return nil, ErrInvalidToken
	}
	return &Principal{Subject: "api_key", Via: "api_key"}, nil
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the authenticated client, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// Middleware rejects unauthenticated requests with 401.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := g.Authenticate(r)
		if err != nil {
			g.logger.Warn("rejected unauthenticated request", "path", r.URL.Path, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}
