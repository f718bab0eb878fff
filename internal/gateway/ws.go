package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/conductor/internal/auth"
	"github.com/haasonsaas/conductor/internal/bus"
	"github.com/haasonsaas/conductor/internal/permission"
	"github.com/haasonsaas/conductor/internal/provider"
	"github.com/haasonsaas/conductor/internal/sessions"
)

const (
	wsProtocolVersion = 1
	wsMaxPayloadBytes = 1 << 20
	wsSendBuffer      = 256
	wsTickInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsConnectParams struct {
	MinProtocol int `json:"minProtocol"`
	MaxProtocol int `json:"maxProtocol"`
	// Sessions limits relayed events to these session ids. Empty relays
	// everything.
	Sessions []string `json:"sessions,omitempty"`
}

type wsSessionParams struct {
	SessionID string `json:"sessionId"`
}

type wsSessionCreateParams struct {
	Title     string `json:"title,omitempty"`
	ParentID  string `json:"parentId,omitempty"`
	Directory string `json:"directory,omitempty"`
}

type wsChatSendParams struct {
	SessionID string          `json:"sessionId,omitempty"`
	Content   string          `json:"content"`
	Agent     string          `json:"agent,omitempty"`
	Model     string          `json:"model,omitempty"`
	System    []string        `json:"system,omitempty"`
	Tools     map[string]bool `json:"tools,omitempty"`
}

type wsPermissionReplyParams struct {
	RequestID string           `json:"requestId"`
	Reply     permission.Reply `json:"reply"`
	Message   string           `json:"message,omitempty"`
}

var wsMethods = []string{
	"connect",
	"ping",
	"sessions.list",
	"sessions.create",
	"sessions.get",
	"sessions.messages",
	"sessions.remove",
	"chat.send",
	"chat.abort",
	"permission.list",
	"permission.reply",
}

type wsSession struct {
	server *Server
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	id        string
	principal *auth.Principal
	connected atomic.Bool
	seq       atomic.Int64

	sendMu    sync.Mutex
	send      chan []byte
	closed    bool
	writeDone chan struct{}

	filterMu sync.RWMutex
	filter   map[string]bool

	unsubscribe func()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	session := &wsSession{
		server: s,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		id:     uuid.NewString(),
		send:   make(chan []byte, wsSendBuffer),

		writeDone: make(chan struct{}),
	}
	session.principal, _ = auth.PrincipalFromContext(r.Context())

	s.wg.Add(1)
	defer s.wg.Done()
	s.track(session)
	defer s.untrack(session)
	session.run()
}

func (c *wsSession) run() {
	defer c.close()
	go func() {
		defer close(c.writeDone)
		c.writeLoop()
	}()
	c.readLoop()
}

// close flushes queued frames before tearing the connection down.
func (c *wsSession) close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.sendMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.sendMu.Unlock()
	select {
	case <-c.writeDone:
	case <-time.After(wsWriteWait):
	}
	c.cancel()
	_ = c.conn.Close()
}

func (c *wsSession) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// Any client traffic counts as liveness.
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		frame, err := decodeFrame(data)
		if err != nil {
			c.sendError("", "invalid_frame", err.Error())
			continue
		}
		if !c.connected.Load() {
			if frame.Method != "connect" {
				c.sendError(frame.ID, "handshake_required", "first request must be connect")
				continue
			}
			if err := c.handleConnect(frame); err != nil {
				c.sendError(frame.ID, "connect_failed", err.Error())
				return
			}
			continue
		}
		if err := c.handleRequest(frame); err != nil {
			c.sendError(frame.ID, errorCode(err), err.Error())
		}
	}
}

func (c *wsSession) writeLoop() {
	ping := time.NewTicker(wsPongWait * 9 / 10)
	defer ping.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func decodeFrame(raw []byte) (*wsFrame, error) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		frame.Type = "req"
	}
	if frame.Type != "req" {
		return nil, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	if strings.TrimSpace(frame.ID) == "" {
		return nil, errors.New("request id is required")
	}
	if strings.TrimSpace(frame.Method) == "" {
		return nil, errors.New("method is required")
	}
	return &frame, nil
}

func (c *wsSession) handleConnect(frame *wsFrame) error {
	var params wsConnectParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return err
		}
	}
	minProtocol, maxProtocol := params.MinProtocol, params.MaxProtocol
	if minProtocol <= 0 {
		minProtocol = wsProtocolVersion
	}
	if maxProtocol <= 0 {
		maxProtocol = wsProtocolVersion
	}
	if wsProtocolVersion < minProtocol || wsProtocolVersion > maxProtocol {
		return errors.New("unsupported protocol version")
	}
	if len(params.Sessions) > 0 {
		c.filter = make(map[string]bool, len(params.Sessions))
		for _, id := range params.Sessions {
			c.filter[id] = true
		}
	}

	subject := ""
	if c.principal != nil {
		subject = c.principal.Subject
	}
	// Subscribe first so no event published after the hello is missed.
	c.connected.Store(true)
	c.unsubscribe = c.server.opts.Bus.SubscribeAll(c.relay)
	if err := c.sendResponse(frame.ID, map[string]any{
		"type":     "hello-ok",
		"protocol": wsProtocolVersion,
		"server":   map[string]any{"connection": c.id},
		"subject":  subject,
		"features": map[string]any{"methods": wsMethods},
		"policy": map[string]any{
			"maxPayloadBytes": wsMaxPayloadBytes,
			"tickIntervalMs":  wsTickInterval.Milliseconds(),
		},
	}); err != nil {
		return err
	}
	go c.startTicking()
	c.server.logger.Debug("gateway client connected", "connection", c.id, "subject", subject)
	return nil
}

// relay forwards a bus event to the client. Events for sessions outside the
// client's filter are dropped.
func (c *wsSession) relay(ev bus.Event) {
	c.filterMu.RLock()
	filter := c.filter
	c.filterMu.RUnlock()
	if filter != nil {
		if id := eventSessionID(ev.Properties); id != "" && !filter[id] {
			return
		}
	}
	if err := c.sendEvent(ev.Type, ev.Properties); err != nil {
		c.server.logger.Debug("dropped event for slow client", "connection", c.id, "event", ev.Type, "error", err)
	}
}

func (c *wsSession) handleRequest(frame *wsFrame) error {
	ctx := c.ctx
	svc := c.server.opts.Sessions
	switch frame.Method {
	case "ping":
		return c.sendResponse(frame.ID, map[string]any{"timestamp": time.Now().UnixMilli()})
	case "sessions.list":
		list, err := svc.List(ctx)
		if err != nil {
			return err
		}
		return c.sendResponse(frame.ID, map[string]any{"sessions": list})
	case "sessions.create":
		var params wsSessionCreateParams
		if err := decodeParams(frame, &params); err != nil {
			return err
		}
		sess, err := svc.Create(ctx, sessions.CreateInput{
			Title:     params.Title,
			ParentID:  params.ParentID,
			Directory: params.Directory,
		})
		if err != nil {
			return err
		}
		c.follow(sess.ID)
		return c.sendResponse(frame.ID, sess)
	case "sessions.get":
		params, err := sessionParams(frame)
		if err != nil {
			return err
		}
		sess, err := svc.Get(ctx, params.SessionID)
		if err != nil {
			return err
		}
		return c.sendResponse(frame.ID, sess)
	case "sessions.messages":
		params, err := sessionParams(frame)
		if err != nil {
			return err
		}
		msgs, err := svc.Messages(ctx, params.SessionID)
		if err != nil {
			return err
		}
		return c.sendResponse(frame.ID, map[string]any{"messages": msgs})
	case "sessions.remove":
		params, err := sessionParams(frame)
		if err != nil {
			return err
		}
		if err := svc.Remove(ctx, params.SessionID); err != nil {
			return err
		}
		return c.sendResponse(frame.ID, map[string]any{"removed": true})
	case "chat.send":
		return c.handleChatSend(frame)
	case "chat.abort":
		params, err := sessionParams(frame)
		if err != nil {
			return err
		}
		return c.sendResponse(frame.ID, map[string]any{"aborted": svc.Abort(params.SessionID)})
	case "permission.list":
		return c.sendResponse(frame.ID, map[string]any{"requests": c.server.opts.Permissions.List()})
	case "permission.reply":
		var params wsPermissionReplyParams
		if err := decodeParams(frame, &params); err != nil {
			return err
		}
		err := c.server.opts.Permissions.Reply(ctx, permission.ReplyInput{
			RequestID: params.RequestID,
			Reply:     params.Reply,
			Message:   params.Message,
		})
		if err != nil {
			return err
		}
		return c.sendResponse(frame.ID, map[string]any{"replied": true})
	default:
		return fmt.Errorf("unknown method %q", frame.Method)
	}
}

// handleChatSend acknowledges the request and runs the turn in the
// background. Progress arrives as relayed bus events; the outcome is sent
// as a chat.complete event carrying the request id.
func (c *wsSession) handleChatSend(frame *wsFrame) error {
	var params wsChatSendParams
	if err := decodeParams(frame, &params); err != nil {
		return err
	}
	if strings.TrimSpace(params.Content) == "" {
		return errors.New("content is required")
	}
	in := sessions.ChatInput{
		SessionID: params.SessionID,
		Text:      params.Content,
		Agent:     params.Agent,
		System:    params.System,
		Tools:     params.Tools,
	}
	if params.Model != "" {
		ref := provider.ParseModel(params.Model)
		if ref.ProviderID == "" || ref.ModelID == "" {
			return fmt.Errorf("model %q must be provider/model", params.Model)
		}
		in.Model = &ref
	}

	svc := c.server.opts.Sessions
	if in.SessionID == "" {
		sess, err := svc.Create(c.ctx, sessions.CreateInput{})
		if err != nil {
			return err
		}
		in.SessionID = sess.ID
	} else if _, err := svc.Get(c.ctx, in.SessionID); err != nil {
		return err
	}
	c.follow(in.SessionID)

	if err := c.sendResponse(frame.ID, map[string]any{"status": "accepted", "sessionId": in.SessionID}); err != nil {
		return err
	}

	// The turn runs on the server context so a dropped connection does not
	// cancel it; chat.abort does.
	c.server.wg.Add(1)
	go func() {
		defer c.server.wg.Done()
		result, err := svc.Chat(c.server.ctx, in)
		if err != nil {
			_ = c.sendEvent("chat.error", map[string]any{
				"requestId": frame.ID,
				"sessionId": in.SessionID,
				"code":      errorCode(err),
				"message":   err.Error(),
			})
			return
		}
		_ = c.sendEvent("chat.complete", map[string]any{
			"requestId": frame.ID,
			"sessionId": in.SessionID,
			"result":    result,
		})
	}()
	return nil
}

// follow adds a session to the client's event filter, if it has one.
func (c *wsSession) follow(sessionID string) {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	if c.filter != nil {
		c.filter[sessionID] = true
	}
}

func decodeParams(frame *wsFrame, v any) error {
	if len(frame.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(frame.Params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func sessionParams(frame *wsFrame) (wsSessionParams, error) {
	var params wsSessionParams
	if err := decodeParams(frame, &params); err != nil {
		return params, err
	}
	if strings.TrimSpace(params.SessionID) == "" {
		return params, errors.New("sessionId is required")
	}
	return params, nil
}

func errorCode(err error) string {
	var busy *sessions.BusyError
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		return "not_found"
	case errors.As(err, &busy):
		return "busy"
	case errors.Is(err, permission.ErrRequestNotFound):
		return "not_found"
	}
	return "request_failed"
}

func (c *wsSession) sendResponse(id string, payload any) error {
	ok := true
	return c.enqueue(wsFrame{Type: "res", ID: id, OK: &ok, Payload: payload})
}

func (c *wsSession) sendEvent(event string, payload any) error {
	seq := c.seq.Add(1)
	return c.enqueue(wsFrame{Type: "event", Event: event, Payload: payload, Seq: &seq})
}

func (c *wsSession) sendError(id, code, message string) {
	ok := false
	_ = c.enqueue(wsFrame{Type: "res", ID: id, OK: &ok, Error: &wsError{Code: code, Message: message}})
}

func (c *wsSession) enqueue(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data) > wsMaxPayloadBytes {
		return errors.New("payload too large")
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (c *wsSession) startTicking() {
	ticker := time.NewTicker(wsTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.sendEvent("tick", map[string]any{"timestamp": time.Now().UnixMilli()})
		}
	}
}
