package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
)

// SSETransport speaks the legacy HTTP+SSE protocol: a long-lived GET event
// stream announces a message endpoint, and client messages are POSTed there.
type SSETransport struct {
	*rpcState
	config ServerConfig
	logger *slog.Logger
	client *http.Client

	cancel   context.CancelFunc
	endpoint *url.URL
	ready    chan struct{}
	readyMu  sync.Once
	loopDone chan struct{}
}

// NewSSETransport creates an SSE transport for cfg.URL.
func NewSSETransport(cfg ServerConfig, logger *slog.Logger) *SSETransport {
	return &SSETransport{
		rpcState: newRPCState(logger),
		config:   cfg,
		logger:   logger,
		client:   &http.Client{},
		ready:    make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

func (t *SSETransport) Start(ctx context.Context) error {
	base, err := url.Parse(t.config.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, base.String(), nil)
	if err != nil {
		cancel()
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	setHeaders(req, t.config.Headers)

	// The GET is issued on its own goroutine so ctx can abort the wait for
	// response headers without tearing down the stream afterwards.
	type result struct {
		resp *http.Response
		err  error
	}
	got := make(chan result, 1)
	go func() {
		resp, err := t.client.Do(req)
		got <- result{resp, err}
	}()

	var resp *http.Response
	select {
	case r := <-got:
		if r.err != nil {
			cancel()
			return fmt.Errorf("open event stream: %w", r.err)
		}
		resp = r.resp
	case <-ctx.Done():
		cancel()
		go func() {
			if r := <-got; r.resp != nil {
				r.resp.Body.Close()
			}
		}()
		return ctx.Err()
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return fmt.Errorf("open event stream: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	t.cancel = cancel
	go t.readLoop(resp.Body, base)

	select {
	case <-t.ready:
		return nil
	case <-t.done:
		return fmt.Errorf("event stream closed before endpoint was announced: %w", t.err())
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	}
}

func (t *SSETransport) readLoop(body io.ReadCloser, base *url.URL) {
	defer close(t.loopDone)
	defer body.Close()

	err := readSSE(body, func(event, data string) bool {
		switch event {
		case "endpoint":
			endpoint, err := base.Parse(data)
			if err != nil {
				t.logger.Warn("invalid endpoint event", "data", data, "error", err)
				return true
			}
			if endpoint.Host != base.Host || endpoint.Scheme != base.Scheme {
				t.logger.Warn("endpoint origin does not match connection origin", "endpoint", endpoint.String())
				return true
			}
			t.readyMu.Do(func() {
				t.endpoint = endpoint
				close(t.ready)
			})
		case "message":
			t.dispatch([]byte(data))
		}
		return true
	})
	if err == nil {
		err = errors.New("event stream ended")
	}
	t.shutdown(err)
}

func (t *SSETransport) post(ctx context.Context, msg *jsonrpcMessage) error {
	if err := t.err(); err != nil {
		return err
	}
	select {
	case <-t.ready:
	default:
		return errors.New("mcp: endpoint not yet announced")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setHeaders(req, t.config.Headers)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("post message: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(text))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (t *SSETransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	msg, ch, err := t.newRequest(method, params)
	if err != nil {
		return nil, err
	}
	defer t.forget(msg.ID)
	if err := t.post(ctx, msg); err != nil {
		return nil, err
	}
	return t.await(ctx, ch)
}

func (t *SSETransport) Notify(ctx context.Context, method string, params any) error {
	msg, err := notificationMessage(method, params)
	if err != nil {
		return err
	}
	return t.post(ctx, msg)
}

func (t *SSETransport) Respond(ctx context.Context, id json.RawMessage, result any, rpcErr *RPCError) error {
	msg, err := responseMessage(id, result, rpcErr)
	if err != nil {
		return err
	}
	return t.post(ctx, msg)
}

func (t *SSETransport) Close() error {
	t.shutdown(ErrTransportClosed)
	if t.cancel == nil {
		return nil
	}
	t.cancel()
	<-t.loopDone
	return nil
}

func setHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}
