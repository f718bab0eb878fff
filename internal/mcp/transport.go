package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrTransportClosed is returned by calls made after, or interrupted by,
// a transport shutdown.
var ErrTransportClosed = errors.New("mcp: transport closed")

// Transport carries JSON-RPC messages to and from one server.
type Transport interface {
	// Start establishes the connection. ctx bounds the handshake only; the
	// connection lives until Close.
	Start(ctx context.Context) error

	// Call sends a request and waits for its response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification.
	Notify(ctx context.Context, method string, params any) error

	// Respond answers a server-initiated request.
	Respond(ctx context.Context, id json.RawMessage, result any, rpcErr *RPCError) error

	Notifications() <-chan Notification
	Requests() <-chan Request

	// Done is closed once the connection is gone.
	Done() <-chan struct{}

	Close() error
}

// listener is implemented by transports that open a separate stream for
// server-initiated messages once the session is initialized.
type listener interface {
	Listen()
}

// NewTransport creates the transport for cfg.
func NewTransport(name string, cfg ServerConfig, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", name, "transport", string(cfg.Type))
	switch cfg.Type {
	case TransportStdio:
		return NewStdioTransport(cfg, logger), nil
	case TransportSSE:
		return NewSSETransport(cfg, logger), nil
	case TransportHTTP:
		return NewHTTPTransport(cfg, logger), nil
	default:
		return nil, fmt.Errorf("MCP server %q has unsupported type: %s", name, cfg.Type)
	}
}

// rpcState tracks in-flight requests and fans incoming messages out to the
// pending callers, the request queue and the notification queue.
type rpcState struct {
	logger *slog.Logger
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[string]chan *jsonrpcMessage

	notifications chan Notification
	requests      chan Request

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newRPCState(logger *slog.Logger) *rpcState {
	return &rpcState{
		logger:        logger,
		pending:       make(map[string]chan *jsonrpcMessage),
		notifications: make(chan Notification, 64),
		requests:      make(chan Request, 16),
		done:          make(chan struct{}),
	}
}

func idKey(id json.RawMessage) string {
	return string(bytes.TrimSpace(id))
}

// newRequest builds a request message and registers a pending slot for it.
func (s *rpcState) newRequest(method string, params any) (*jsonrpcMessage, chan *jsonrpcMessage, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, nil, err
	}
	id := json.RawMessage(strconv.FormatInt(s.nextID.Add(1), 10))
	ch := make(chan *jsonrpcMessage, 1)
	s.mu.Lock()
	s.pending[idKey(id)] = ch
	s.mu.Unlock()
	return &jsonrpcMessage{JSONRPC: "2.0", ID: id, Method: method, Params: raw}, ch, nil
}

func (s *rpcState) forget(id json.RawMessage) {
	s.mu.Lock()
	delete(s.pending, idKey(id))
	s.mu.Unlock()
}

func (s *rpcState) await(ctx context.Context, ch chan *jsonrpcMessage) (json.RawMessage, error) {
	select {
	case msg := <-ch:
		return resultOf(msg)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		// A response may have raced the shutdown.
		select {
		case msg := <-ch:
			return resultOf(msg)
		default:
		}
		return nil, s.err()
	}
}

func resultOf(msg *jsonrpcMessage) (json.RawMessage, error) {
	if msg.Error != nil {
		return nil, msg.Error
	}
	return msg.Result, nil
}

// dispatch routes one raw JSON-RPC message. Batches are unrolled.
func (s *rpcState) dispatch(data []byte) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return
	}
	if data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			s.logger.Warn("invalid JSON-RPC batch", "error", err)
			return
		}
		for _, item := range batch {
			s.dispatch(item)
		}
		return
	}

	var msg jsonrpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("invalid JSON-RPC message", "error", err)
		return
	}
	switch {
	case msg.isResponse():
		s.mu.Lock()
		ch, ok := s.pending[idKey(msg.ID)]
		delete(s.pending, idKey(msg.ID))
		s.mu.Unlock()
		if !ok {
			s.logger.Debug("response for unknown request", "id", string(msg.ID))
			return
		}
		ch <- &msg
	case msg.isRequest():
		select {
		case s.requests <- Request{ID: msg.ID, Method: msg.Method, Params: msg.Params}:
		case <-s.done:
		default:
			s.logger.Warn("request queue full, dropping", "method", msg.Method)
		}
	case msg.Method != "":
		select {
		case s.notifications <- Notification{Method: msg.Method, Params: msg.Params}:
		case <-s.done:
		default:
			s.logger.Warn("notification queue full, dropping", "method", msg.Method)
		}
	}
}

func (s *rpcState) shutdown(err error) {
	s.closeOnce.Do(func() {
		if err == nil {
			err = ErrTransportClosed
		}
		s.closeErr = err
		close(s.done)
	})
}

func (s *rpcState) err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

func (s *rpcState) Notifications() <-chan Notification { return s.notifications }
func (s *rpcState) Requests() <-chan Request           { return s.requests }
func (s *rpcState) Done() <-chan struct{}              { return s.done }

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}

func notificationMessage(method string, params any) (*jsonrpcMessage, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return &jsonrpcMessage{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

func responseMessage(id json.RawMessage, result any, rpcErr *RPCError) (*jsonrpcMessage, error) {
	msg := &jsonrpcMessage{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil {
		if result == nil {
			result = struct{}{}
		}
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		msg.Result = data
	}
	return msg, nil
}

// readSSE parses a text/event-stream body and calls fn for every event.
// Returning false from fn stops reading.
func readSSE(r io.Reader, fn func(event, data string) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var (
		event string
		data  []string
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				name := event
				if name == "" {
					name = "message"
				}
				if !fn(name, strings.Join(data, "\n")) {
					return nil
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}
