package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/conductor/internal/auth"
	"github.com/haasonsaas/conductor/internal/bus"
	"github.com/haasonsaas/conductor/internal/permission"
	"github.com/haasonsaas/conductor/internal/sessions"
)

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*sessions.Session
	chats    []sessions.ChatInput
	aborted  []string
	next     int
}

func newFakeSessions(ids ...string) *fakeSessions {
	f := &fakeSessions{sessions: map[string]*sessions.Session{}}
	for _, id := range ids {
		f.sessions[id] = &sessions.Session{ID: id, Title: "session " + id}
	}
	return f
}

func (f *fakeSessions) Create(_ context.Context, in sessions.CreateInput) (*sessions.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	sess := &sessions.Session{ID: fmt.Sprintf("ses_new%d", f.next), Title: in.Title}
	f.sessions[sess.ID] = sess
	return sess, nil
}

func (f *fakeSessions) Get(_ context.Context, id string) (*sessions.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return nil, sessions.ErrNotFound
	}
	return sess, nil
}

func (f *fakeSessions) List(context.Context) ([]sessions.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sessions.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeSessions) Messages(_ context.Context, id string) ([]sessions.WithParts, error) {
	if _, err := f.Get(context.Background(), id); err != nil {
		return nil, err
	}
	return []sessions.WithParts{{Info: sessions.Message{ID: "msg_1", SessionID: id, Role: sessions.RoleUser}}}, nil
}

func (f *fakeSessions) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

func (f *fakeSessions) Chat(_ context.Context, in sessions.ChatInput) (*sessions.ChatResult, error) {
	f.mu.Lock()
	f.chats = append(f.chats, in)
	f.mu.Unlock()
	if in.Text == "fail" {
		return nil, &sessions.BusyError{SessionID: in.SessionID}
	}
	return &sessions.ChatResult{MessageID: "msg_2", Text: "pong"}, nil
}

func (f *fakeSessions) Abort(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, id)
	return true
}

type fakePermissions struct {
	mu      sync.Mutex
	replies []permission.ReplyInput
}

func (f *fakePermissions) List() []permission.Request {
	return []permission.Request{{ID: "per_1", SessionID: "ses_a", Permission: "bash", Patterns: []string{"ls"}}}
}

func (f *fakePermissions) Reply(_ context.Context, in permission.ReplyInput) error {
	if in.RequestID != "per_1" {
		return fmt.Errorf("%w: %s", permission.ErrRequestNotFound, in.RequestID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, in)
	return nil
}

type testGateway struct {
	bus    *bus.Bus
	svc    *fakeSessions
	perms  *fakePermissions
	server *Server
	http   *httptest.Server
}

func newTestGateway(t *testing.T, gw *auth.Gateway) *testGateway {
	t.Helper()
	b := bus.New(nil)
	svc := newFakeSessions("ses_a", "ses_b")
	perms := &fakePermissions{}
	srv, err := New(Options{
		Bus:            b,
		Sessions:       svc,
		Permissions:    perms,
		Auth:           gw,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "metrics") }),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &testGateway{bus: b, svc: svc, perms: perms, server: srv, http: ts}
}

func (g *testGateway) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Dial() error = %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type testFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	OK      *bool           `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Error   *wsError        `json:"error"`
	Seq     int64           `json:"seq"`
}

func request(t *testing.T, conn *websocket.Conn, id, method string, params any) {
	t.Helper()
	frame := map[string]any{"type": "req", "id": id, "method": method}
	if params != nil {
		frame["params"] = params
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

// readUntil returns the first frame matching match, skipping others.
func readUntil(t *testing.T, conn *websocket.Conn, match func(testFrame) bool) testFrame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var f testFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if match(f) {
			return f
		}
	}
}

func response(t *testing.T, conn *websocket.Conn, id string) testFrame {
	t.Helper()
	return readUntil(t, conn, func(f testFrame) bool { return f.Type == "res" && f.ID == id })
}

func connect(t *testing.T, conn *websocket.Conn, params any) {
	t.Helper()
	request(t, conn, "hello", "connect", params)
	if res := response(t, conn, "hello"); res.OK == nil || !*res.OK {
		t.Fatalf("connect failed: %+v", res.Error)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without bus")
	}
	if _, err := New(Options{Bus: bus.New(nil)}); err == nil {
		t.Fatal("expected error without sessions")
	}
}

func TestHandshakeRequired(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t, nil)

	request(t, conn, "1", "ping", nil)
	res := response(t, conn, "1")
	if res.OK == nil || *res.OK || res.Error == nil || res.Error.Code != "handshake_required" {
		t.Fatalf("unexpected response %+v", res)
	}

	connect(t, conn, nil)
	request(t, conn, "2", "ping", nil)
	if res := response(t, conn, "2"); res.OK == nil || !*res.OK {
		t.Fatalf("ping failed: %+v", res.Error)
	}
}

func TestConnectRejectsProtocol(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t, nil)
	request(t, conn, "1", "connect", map[string]any{"minProtocol": 2, "maxProtocol": 3})
	res := response(t, conn, "1")
	if res.Error == nil || res.Error.Code != "connect_failed" {
		t.Fatalf("unexpected response %+v", res)
	}
}

func TestRelaysFilteredBusEvents(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t, nil)
	connect(t, conn, map[string]any{"sessions": []string{"ses_a"}})

	if err := bus.Publish(g.bus, sessions.EventStatus, sessions.StatusEvent{SessionID: "ses_b", Status: sessions.Status{Type: sessions.StatusBusy}}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := bus.Publish(g.bus, sessions.EventStatus, sessions.StatusEvent{SessionID: "ses_a", Status: sessions.Status{Type: sessions.StatusIdle}}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	ev := readUntil(t, conn, func(f testFrame) bool { return f.Type == "event" })
	if ev.Event != "session.status" {
		t.Fatalf("event = %q", ev.Event)
	}
	var status sessions.StatusEvent
	if err := json.Unmarshal(ev.Payload, &status); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if status.SessionID != "ses_a" || status.Status.Type != sessions.StatusIdle {
		t.Fatalf("relayed %+v, want only ses_a", status)
	}
	if ev.Seq != 1 {
		t.Fatalf("seq = %d, want 1", ev.Seq)
	}
}

func TestChatSendRunsTurnInBackground(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t, nil)
	connect(t, conn, nil)

	request(t, conn, "c1", "chat.send", map[string]any{
		"sessionId": "ses_a",
		"content":   "ping",
		"agent":     "plan",
		"model":     "anthropic/claude-sonnet-4-5",
	})
	res := response(t, conn, "c1")
	if res.OK == nil || !*res.OK || !strings.Contains(string(res.Payload), "accepted") {
		t.Fatalf("chat.send response %+v", res)
	}

	done := readUntil(t, conn, func(f testFrame) bool { return f.Event == "chat.complete" })
	var payload struct {
		RequestID string              `json:"requestId"`
		SessionID string              `json:"sessionId"`
		Result    sessions.ChatResult `json:"result"`
	}
	if err := json.Unmarshal(done.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.RequestID != "c1" || payload.SessionID != "ses_a" || payload.Result.Text != "pong" {
		t.Fatalf("chat.complete = %+v", payload)
	}

	g.svc.mu.Lock()
	defer g.svc.mu.Unlock()
	if len(g.svc.chats) != 1 {
		t.Fatalf("chats = %d, want 1", len(g.svc.chats))
	}
	in := g.svc.chats[0]
	if in.Agent != "plan" || in.Model == nil || in.Model.ModelID != "claude-sonnet-4-5" {
		t.Fatalf("chat input = %+v", in)
	}
}

func TestChatSendCreatesSessionAndReportsErrors(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t, nil)
	connect(t, conn, nil)

	request(t, conn, "c1", "chat.send", map[string]any{"content": "fail"})
	res := response(t, conn, "c1")
	if !strings.Contains(string(res.Payload), "ses_new1") {
		t.Fatalf("expected created session, got %s", res.Payload)
	}
	ev := readUntil(t, conn, func(f testFrame) bool { return f.Event == "chat.error" })
	if !strings.Contains(string(ev.Payload), `"code":"busy"`) {
		t.Fatalf("chat.error = %s", ev.Payload)
	}

	request(t, conn, "c2", "chat.send", map[string]any{"sessionId": "ses_missing", "content": "hi"})
	if res := response(t, conn, "c2"); res.Error == nil || res.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %+v", res)
	}
	request(t, conn, "c3", "chat.send", map[string]any{"sessionId": "ses_a", "content": "  "})
	if res := response(t, conn, "c3"); res.Error == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestSessionAndPermissionMethods(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t, nil)
	connect(t, conn, nil)

	tests := []struct {
		method  string
		params  any
		ok      bool
		payload string
	}{
		{"sessions.list", nil, true, "ses_b"},
		{"sessions.get", map[string]any{"sessionId": "ses_a"}, true, "session ses_a"},
		{"sessions.get", map[string]any{}, false, ""},
		{"sessions.messages", map[string]any{"sessionId": "ses_a"}, true, "msg_1"},
		{"sessions.create", map[string]any{"title": "fresh"}, true, "fresh"},
		{"chat.abort", map[string]any{"sessionId": "ses_a"}, true, `"aborted":true`},
		{"permission.list", nil, true, "per_1"},
		{"permission.reply", map[string]any{"requestId": "per_1", "reply": "once"}, true, "replied"},
		{"permission.reply", map[string]any{"requestId": "per_9", "reply": "once"}, false, ""},
		{"sessions.remove", map[string]any{"sessionId": "ses_b"}, true, "removed"},
		{"bogus", nil, false, ""},
	}
	for i, tt := range tests {
		id := fmt.Sprintf("r%d", i)
		request(t, conn, id, tt.method, tt.params)
		res := response(t, conn, id)
		if res.OK == nil || *res.OK != tt.ok {
			t.Fatalf("%s: ok = %v, want %v (%+v)", tt.method, res.OK, tt.ok, res.Error)
		}
		if tt.payload != "" && !strings.Contains(string(res.Payload), tt.payload) {
			t.Fatalf("%s: payload %s missing %q", tt.method, res.Payload, tt.payload)
		}
	}

	g.perms.mu.Lock()
	defer g.perms.mu.Unlock()
	if len(g.perms.replies) != 1 || g.perms.replies[0].Reply != permission.ReplyOnce {
		t.Fatalf("replies = %+v", g.perms.replies)
	}
}

func TestGatewayAuth(t *testing.T) {
	gw := auth.NewGateway("test-secret", time.Hour, []string{"key-1"}, nil)
	g := newTestGateway(t, gw)
	url := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if !errors.Is(err, websocket.ErrBadHandshake) || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Dial() without credentials error = %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, g.http.URL+"/auth/token", nil)
	req.Header.Set("X-API-Key", "key-1")
	tokenResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("token request error = %v", err)
	}
	defer tokenResp.Body.Close()
	if tokenResp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d", tokenResp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(tokenResp.Body).Decode(&body); err != nil || body.Token == "" {
		t.Fatalf("token body error = %v", err)
	}

	conn := g.dial(t, http.Header{"Authorization": []string{"Bearer " + body.Token}})
	request(t, conn, "hello", "connect", nil)
	res := response(t, conn, "hello")
	if res.OK == nil || !*res.OK || !strings.Contains(string(res.Payload), `"subject":"api_key"`) {
		t.Fatalf("connect response %+v %s", res.Error, res.Payload)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	g := newTestGateway(t, nil)
	for path, want := range map[string]string{"/healthz": `"status":"ok"`, "/metrics": "metrics"} {
		resp, err := http.Get(g.http.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), want) {
			t.Fatalf("GET %s = %d %s", path, resp.StatusCode, data)
		}
	}
}

func TestCloseDisconnectsClients(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t, nil)
	connect(t, conn, nil)
	if n := g.server.Clients(); n != 1 {
		t.Fatalf("Clients() = %d, want 1", n)
	}

	g.server.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	if n := g.server.Clients(); n != 0 {
		t.Fatalf("Clients() = %d after Close, want 0", n)
	}
}

func TestCheckOrigin(t *testing.T) {
	srv, err := New(Options{Bus: bus.New(nil), Sessions: newFakeSessions(), Permissions: &fakePermissions{}, AllowedOrigins: []string{"https://app.example.com"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Close()
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"http://localhost:4096", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://localhost:4096/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := srv.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}
