package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"time"
)

const sessionHeader = "Mcp-Session-Id"

// ErrSessionExpired is returned when the server no longer recognises the
// session id it issued.
var ErrSessionExpired = errors.New("mcp: session expired")

// HTTPTransport speaks the streamable HTTP protocol: every client message is
// a POST, and the server answers with either a JSON body or an event stream.
type HTTPTransport struct {
	*rpcState
	config ServerConfig
	logger *slog.Logger
	client *http.Client

	mu        sync.RWMutex
	sessionID string

	listenCtx    context.Context
	listenCancel context.CancelFunc
	listenDone   chan struct{}
	listenOnce   sync.Once
}

// NewHTTPTransport creates a streamable HTTP transport for cfg.URL.
func NewHTTPTransport(cfg ServerConfig, logger *slog.Logger) *HTTPTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPTransport{
		rpcState:     newRPCState(logger),
		config:       cfg,
		logger:       logger,
		client:       &http.Client{},
		listenCtx:    ctx,
		listenCancel: cancel,
		listenDone:   make(chan struct{}),
	}
}

// Start is a no-op: the session is created by the initialize request.
func (t *HTTPTransport) Start(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("url is required for http transport")
	}
	return ctx.Err()
}

func (t *HTTPTransport) session() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

func (t *HTTPTransport) httpRequest(ctx context.Context, method string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.config.URL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	setHeaders(req, t.config.Headers)
	if id := t.session(); id != "" {
		req.Header.Set(sessionHeader, id)
	}
	return req, nil
}

// send POSTs msg and feeds whatever the server returns through dispatch.
func (t *HTTPTransport) send(ctx context.Context, msg *jsonrpcMessage) error {
	if err := t.err(); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := t.httpRequest(ctx, http.MethodPost, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	if id := resp.Header.Get(sessionHeader); id != "" {
		t.mu.Lock()
		t.sessionID = id
		t.mu.Unlock()
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil
	case resp.StatusCode == http.StatusNotFound && req.Header.Get(sessionHeader) != "":
		return ErrSessionExpired
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("post message: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(text))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream":
		var want json.RawMessage
		if msg.Method != "" && len(msg.ID) > 0 {
			want = msg.ID
		}
		return readSSE(resp.Body, func(event, data string) bool {
			if event != "message" {
				return true
			}
			t.dispatch([]byte(data))
			// The stream may stay open after the response; stop once ours
			// has been delivered.
			return want == nil || t.isPending(want)
		})
	case "application/json":
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		t.dispatch(data)
		return nil
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
}

func (t *HTTPTransport) isPending(id json.RawMessage) bool {
	t.rpcState.mu.Lock()
	defer t.rpcState.mu.Unlock()
	_, ok := t.pending[idKey(id)]
	return ok
}

func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	msg, ch, err := t.newRequest(method, params)
	if err != nil {
		return nil, err
	}
	defer t.forget(msg.ID)
	if err := t.send(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		return resultOf(reply)
	default:
	}
	// The reply may still arrive on the listening stream.
	return t.await(ctx, ch)
}

func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	msg, err := notificationMessage(method, params)
	if err != nil {
		return err
	}
	return t.send(ctx, msg)
}

func (t *HTTPTransport) Respond(ctx context.Context, id json.RawMessage, result any, rpcErr *RPCError) error {
	msg, err := responseMessage(id, result, rpcErr)
	if err != nil {
		return err
	}
	return t.send(ctx, msg)
}

// Listen opens the optional GET stream for server-initiated messages.
// Servers that do not offer one answer 405 and are left alone.
func (t *HTTPTransport) Listen() {
	t.listenOnce.Do(func() {
		go t.listen()
	})
}

func (t *HTTPTransport) listen() {
	defer close(t.listenDone)
	req, err := t.httpRequest(t.listenCtx, http.MethodGet, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		if t.listenCtx.Err() == nil {
			t.logger.Debug("open listening stream", "error", err)
		}
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.logger.Debug("server offers no listening stream", "status", resp.StatusCode)
		return
	}
	err = readSSE(resp.Body, func(event, data string) bool {
		if event == "message" {
			t.dispatch([]byte(data))
		}
		return true
	})
	if err != nil && t.listenCtx.Err() == nil {
		t.logger.Debug("listening stream ended", "error", err)
	}
}

// Close stops the listening stream and asks the server to drop the session.
func (t *HTTPTransport) Close() error {
	t.shutdown(ErrTransportClosed)
	t.listenCancel()
	t.listenOnce.Do(func() { close(t.listenDone) })
	<-t.listenDone

	if t.session() == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := t.httpRequest(ctx, http.MethodDelete, nil)
	if err != nil {
		return nil
	}
	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("terminate session", "error", err)
		return nil
	}
	resp.Body.Close()
	return nil
}
