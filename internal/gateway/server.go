// Package gateway exposes the session runtime over a websocket control
// plane. Clients send request frames (chat, abort, permission replies,
// session management) and receive every bus event as an event frame.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/conductor/internal/auth"
	"github.com/haasonsaas/conductor/internal/bus"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/permission"
	"github.com/haasonsaas/conductor/internal/sessions"
)

// Sessions is the part of sessions.Service the gateway drives.
type Sessions interface {
	Create(ctx context.Context, in sessions.CreateInput) (*sessions.Session, error)
	Get(ctx context.Context, id string) (*sessions.Session, error)
	List(ctx context.Context) ([]sessions.Session, error)
	Messages(ctx context.Context, sessionID string) ([]sessions.WithParts, error)
	Remove(ctx context.Context, id string) error
	Chat(ctx context.Context, in sessions.ChatInput) (*sessions.ChatResult, error)
	Abort(sessionID string) bool
}

// Permissions is the part of permission.Engine the gateway drives.
type Permissions interface {
	List() []permission.Request
	Reply(ctx context.Context, in permission.ReplyInput) error
}

// Options configure a Server.
type Options struct {
	Bus         *bus.Bus
	Sessions    Sessions
	Permissions Permissions
	// Auth guards the websocket and token endpoints. A nil or disabled
	// gateway allows every client.
	Auth    *auth.Gateway
	Metrics *observability.Metrics
	// MetricsHandler is mounted at MetricsPath when set.
	MetricsHandler http.Handler
	MetricsPath    string
	// Path is where the websocket endpoint is mounted. Defaults to /ws.
	Path           string
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server serves the control plane.
type Server struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
	started  time.Time

	// ctx outlives individual connections so chats keep running after the
	// client that started them disconnects.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	clients map[*wsSession]struct{}
}

// New validates opts and creates a Server.
func New(opts Options) (*Server, error) {
	if opts.Bus == nil {
		return nil, errors.New("gateway: bus is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("gateway: sessions are required")
	}
	if opts.Permissions == nil {
		return nil, errors.New("gateway: permissions are required")
	}
	if opts.Path == "" {
		opts.Path = "/ws"
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:    opts,
		logger:  logger.With("component", "gateway"),
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*wsSession]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// Handler returns the HTTP routes: the websocket endpoint, /healthz,
// POST /auth/token and the metrics endpoint when configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.opts.Path, s.opts.Auth.Middleware(http.HandlerFunc(s.serveWS)))
	mux.HandleFunc("/healthz", s.serveHealth)
	mux.Handle("/auth/token", s.opts.Auth.Middleware(http.HandlerFunc(s.serveToken)))
	if s.opts.MetricsHandler != nil {
		mux.Handle(s.opts.MetricsPath, s.opts.MetricsHandler)
	}
	return mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down within
// shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", ln.Addr().String(), "path", s.opts.Path)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown gateway: %w", err)
	}
	return nil
}

// Close disconnects every client and aborts chats they started.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	clients := make([]*wsSession, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.cancel()
		_ = c.conn.Close()
	}
	s.wg.Wait()
}

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) track(c *wsSession) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.opts.Metrics.GatewayClient(1)
}

func (s *Server) untrack(c *wsSession) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	s.opts.Metrics.GatewayClient(-1)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	// Same host as the request.
	host := origin
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	return strings.EqualFold(host, r.Host)
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptimeMs": time.Since(s.started).Milliseconds(),
		"clients":  s.Clients(),
	})
}

// serveToken exchanges an authenticated request (usually an API key) for a
// signed bearer token.
func (s *Server) serveToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	token, err := s.opts.Auth.Issue(principal.Subject)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, auth.ErrAuthDisabled) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}
