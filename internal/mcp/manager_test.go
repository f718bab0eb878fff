package mcp

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/bus"
)

func unreachableURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()
	return url
}

func TestManagerInitWithOneUnreachableServer(t *testing.T) {
	srv := newStreamableServer(t, false)
	mgr := NewManager(bus.New(quietLogger()), quietLogger())
	t.Cleanup(mgr.Cleanup)

	err := mgr.Init(context.Background(), Config{
		"good": {Type: TransportHTTP, URL: srv.URL},
		"bad":  {Type: TransportHTTP, URL: unreachableURL(t)},
	})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	status := mgr.Status()
	if status["good"].Status != StatusConnected {
		t.Fatalf("good = %+v", status["good"])
	}
	if status["bad"].Status != StatusFailed || status["bad"].Error == "" {
		t.Fatalf("bad = %+v", status["bad"])
	}

	tools := mgr.Tools(context.Background())
	if len(tools) != 2 {
		t.Fatalf("expected the reachable server's 2 tools, got %d", len(tools))
	}
	if tools[0].ID() != "good_echo" || tools[1].ID() != "good_fail" {
		t.Fatalf("ids = %s, %s", tools[0].ID(), tools[1].ID())
	}
	if !strings.Contains(string(tools[0].Parameters()), `"additionalProperties":false`) {
		t.Fatalf("schema not closed: %s", tools[0].Parameters())
	}

	res, err := tools[0].Execute(context.Background(), []byte(`{"text":"hello"}`), nil)
	if err != nil || res.Output != `{"text":"hello"}` {
		t.Fatalf("Execute() = %+v, %v", res, err)
	}
	if _, err := tools[1].Execute(context.Background(), nil, nil); err == nil || err.Error() != "boom" {
		t.Fatalf("expected tool error, got %v", err)
	}
}

func TestManagerDisabledAndInvalidServers(t *testing.T) {
	off := false
	mgr := NewManager(nil, quietLogger())
	t.Cleanup(mgr.Cleanup)

	_ = mgr.Init(context.Background(), Config{
		"off":    {Type: TransportStdio, Command: "never-run", Enabled: &off},
		"broken": {Type: TransportStdio},
	})
	status := mgr.Status()
	if status["off"] != (Status{Status: StatusDisabled}) {
		t.Fatalf("off = %+v", status["off"])
	}
	if status["broken"].Status != StatusFailed || !strings.Contains(status["broken"].Error, "requires a command") {
		t.Fatalf("broken = %+v", status["broken"])
	}
	if tools := mgr.Tools(context.Background()); len(tools) != 0 {
		t.Fatalf("expected no tools, got %d", len(tools))
	}
}

func TestManagerPublishesToolsChanged(t *testing.T) {
	b := bus.New(quietLogger())
	changed := make(chan string, 4)
	unsub := bus.Subscribe(b, EventToolsChanged, func(e ToolsChanged) { changed <- e.Server })
	defer unsub()

	srv := newStreamableServer(t, true)
	mgr := NewManager(b, quietLogger())
	t.Cleanup(mgr.Cleanup)

	if err := mgr.Init(context.Background(), Config{
		"local":  stdioConfig(),
		"remote": {Type: TransportHTTP, URL: srv.URL},
	}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	got := map[string]bool{}
	deadline := time.After(10 * time.Second)
	for len(got) < 2 {
		select {
		case server := <-changed:
			got[server] = true
		case <-deadline:
			t.Fatalf("tools changed events = %v", got)
		}
	}
	if !got["local"] || !got["remote"] {
		t.Fatalf("events = %v", got)
	}
}

func TestManagerPromptsAndResources(t *testing.T) {
	srv := newSSEServer(t)
	mgr := NewManager(nil, quietLogger())
	t.Cleanup(mgr.Cleanup)
	_ = mgr.Init(context.Background(), Config{"docs.v1": {Type: TransportSSE, URL: srv.URL + "/sse"}})

	prompts := mgr.Prompts(context.Background())
	if len(prompts) != 1 || prompts[0].Name != "docs_v1:review" || prompts[0].Client != "docs.v1" {
		t.Fatalf("prompts = %+v", prompts)
	}
	resources := mgr.Resources(context.Background())
	if len(resources) != 1 || resources[0].URI != "file:///README.md" || resources[0].Client != "docs.v1" {
		t.Fatalf("resources = %+v", resources)
	}
}

func TestManagerDisconnectReconnectCleanup(t *testing.T) {
	srv := newStreamableServer(t, false)

	var (
		mu       sync.Mutex
		observed []StatusKind
	)
	mgr := NewManager(nil, quietLogger(), WithStatusObserver(func(server string, st Status) {
		mu.Lock()
		observed = append(observed, st.Status)
		mu.Unlock()
	}))
	t.Cleanup(mgr.Cleanup)

	_ = mgr.Init(context.Background(), Config{"remote": {Type: TransportHTTP, URL: srv.URL}})
	if _, ok := mgr.Client("remote"); !ok {
		t.Fatal("client missing after Init")
	}

	mgr.Disconnect("remote")
	if _, ok := mgr.Status()["remote"]; ok {
		t.Fatal("Disconnect should drop the status")
	}
	if len(mgr.Tools(context.Background())) != 0 {
		t.Fatal("disconnected server still lists tools")
	}
	mgr.Disconnect("remote")

	if err := mgr.Reconnect(context.Background(), "remote"); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	if mgr.Status()["remote"].Status != StatusConnected {
		t.Fatalf("status after reconnect = %+v", mgr.Status()["remote"])
	}
	if err := mgr.Reconnect(context.Background(), "unknown"); err == nil {
		t.Fatal("expected error for unconfigured server")
	}

	mgr.Cleanup()
	if len(mgr.Status()) != 0 {
		t.Fatalf("Cleanup left status %v", mgr.Status())
	}
	if _, ok := mgr.Client("remote"); ok {
		t.Fatal("Cleanup left a client")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 2 || observed[0] != StatusConnected || observed[1] != StatusConnected {
		t.Fatalf("observed = %v", observed)
	}
}

func countMethod(methods []string, name string) int {
	n := 0
	for _, m := range methods {
		if m == name {
			n++
		}
	}
	return n
}

func TestManagerCachesToolsUntilChanged(t *testing.T) {
	srv := newStreamableServer(t, false)
	b := bus.New(quietLogger())
	mgr := NewManager(b, quietLogger())
	t.Cleanup(mgr.Cleanup)
	if err := mgr.Init(context.Background(), Config{"remote": {Type: TransportHTTP, URL: srv.URL}}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	before := countMethod(srv.handler.seen(), "tools/list")

	for i := 0; i < 3; i++ {
		if tools := mgr.Tools(context.Background()); len(tools) != 2 {
			t.Fatalf("Tools() returned %d tools", len(tools))
		}
	}
	if got := countMethod(srv.handler.seen(), "tools/list") - before; got != 1 {
		t.Fatalf("tools/list sent %d times for three lookups, want 1", got)
	}

	changed := make(chan string, 1)
	unsub := bus.Subscribe(b, EventToolsChanged, func(e ToolsChanged) { changed <- e.Server })
	defer unsub()
	client, ok := mgr.Client("remote")
	if !ok {
		t.Fatal("client missing")
	}
	client.onToolsChanged()
	if server := <-changed; server != "remote" {
		t.Fatalf("changed server = %q", server)
	}

	if tools := mgr.Tools(context.Background()); len(tools) != 2 {
		t.Fatalf("Tools() after change returned %d tools", len(tools))
	}
	if got := countMethod(srv.handler.seen(), "tools/list") - before; got != 2 {
		t.Fatalf("tools/list sent %d times after a change, want 2", got)
	}
}

func TestManagerToolsHonorsCancellation(t *testing.T) {
	srv := newStreamableServer(t, false)
	mgr := NewManager(nil, quietLogger())
	t.Cleanup(mgr.Cleanup)
	if err := mgr.Init(context.Background(), Config{"remote": {Type: TransportHTTP, URL: srv.URL}}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if tools := mgr.Tools(ctx); len(tools) != 0 {
		t.Fatalf("Tools() with a cancelled context returned %d tools", len(tools))
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("Tools() ignored cancellation")
	}
	if tools := mgr.Tools(context.Background()); len(tools) != 2 {
		t.Fatalf("failed lookup was cached: got %d tools", len(tools))
	}
}
