package scriptbridge

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pkt.systems/scriptbridge/httpapi"
	"pkt.systems/scriptbridge/internal/bridgeclient"
	"pkt.systems/scriptbridge/internal/browser"
	"pkt.systems/scriptbridge/internal/connmgr"
	"pkt.systems/scriptbridge/schema"
)

type fakePages struct {
	mu         sync.Mutex
	tabs       []schema.TabContext
	dispatcher browser.Dispatcher
	lifecycle  browser.Lifecycle
	closed     int
}

func (p *fakePages) Tab(id schema.TabID) (schema.TabContext, bool) {
	for _, tab := range p.Tabs() {
		if tab.ID == id {
			return tab, true
		}
	}
	return schema.TabContext{}, false
}

func (p *fakePages) Tabs() []schema.TabContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]schema.TabContext(nil), p.tabs...)
}

func (p *fakePages) InjectRuntime(context.Context, schema.TabID) error { return nil }

func (p *fakePages) RuntimeReady(context.Context, schema.TabID) (bool, bool, error) {
	return true, false, nil
}

func (p *fakePages) Deliver(context.Context, schema.TabID, []byte) ([]byte, error) { return nil, nil }

func (p *fakePages) RunScript(context.Context, schema.TabID, schema.Script) error { return nil }

func (p *fakePages) SetDispatcher(d browser.Dispatcher) {
	p.mu.Lock()
	p.dispatcher = d
	p.mu.Unlock()
}

func (p *fakePages) SetLifecycle(l browser.Lifecycle) {
	p.mu.Lock()
	p.lifecycle = l
	p.mu.Unlock()
}

func (p *fakePages) Close() {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
}

func startServer(t *testing.T, pages *fakePages) (Server, string) {
	t.Helper()
	dir := t.TempDir()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv, err := New(ServerConfig{
		StateDir: dir,
		StoreDSN: filepath.Join(dir, "scripts.db"),
		HTTP:     httpapi.Config{Addr: ln.Addr().String()},
	}, ServerDeps{
		OpenPages: func(context.Context, browser.Config, browser.Deps) (Pages, error) { return pages, nil },
	}, WithListener(ln))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return srv, "ws://" + ln.Addr().String() + "/api/bridge"
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(ServerConfig{StoreDSN: "x.db"}, ServerDeps{}); err == nil {
		t.Fatalf("expected missing state dir to fail")
	}
	if _, err := New(ServerConfig{StateDir: "s"}, ServerDeps{}); err == nil {
		t.Fatalf("expected missing dsn to fail")
	}
	if _, err := New(ServerConfig{StateDir: "s", StoreDSN: "x.db"}, ServerDeps{}, WithHTTP()); err == nil {
		t.Fatalf("expected missing http address to fail")
	}
	cfg := ServerConfig{StateDir: "s", StoreDSN: "x.db"}
	cfg.Connection.DefaultEndpoint = "http://localhost:1340"
	if _, err := New(cfg, ServerDeps{}); err == nil {
		t.Fatalf("expected non-websocket default endpoint to fail")
	}
}

func TestServerWiresBridgeEndToEnd(t *testing.T) {
	pages := &fakePages{tabs: []schema.TabContext{{ID: "tab-1", URL: "https://example.com/", Host: "example.com"}}}
	_, url := startServer(t, pages)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := bridgeclient.Dial(ctx, url, bridgeclient.Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	saved, err := client.SaveScript(ctx, `{:name "hello"} (println "hi")`, false)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.Name != "hello.cljs" || !saved.NewlyCreated {
		t.Fatalf("unexpected save result %+v", saved)
	}
	scripts, err := client.ListScripts(ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, s := range scripts {
		found = found || s.Name == "hello.cljs"
	}
	if !found {
		t.Fatalf("saved script missing from %+v", scripts)
	}
	conns, err := client.ListConnections(ctx)
	if err != nil {
		t.Fatalf("connections: %v", err)
	}
	if len(conns) != 1 || conns[0].TabID != "tab-1" || conns[0].Status != schema.StatusDisconnected {
		t.Fatalf("unexpected connections %+v", conns)
	}

	pages.mu.Lock()
	wired := pages.dispatcher != nil && pages.lifecycle != nil
	pages.mu.Unlock()
	if !wired {
		t.Fatalf("expected browser to be wired to router and connection manager")
	}
}

func TestServerStopClosesBrowser(t *testing.T) {
	pages := &fakePages{}
	srv, _ := startServer(t, pages)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := srv.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	pages.mu.Lock()
	closed := pages.closed
	pages.mu.Unlock()
	if closed != 1 {
		t.Fatalf("expected browser to be closed once, got %d", closed)
	}
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	srv, err := New(ServerConfig{StateDir: t.TempDir(), StoreDSN: "x.db"}, ServerDeps{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := srv.Wait(); err == nil {
		t.Fatalf("expected Wait to fail before Start")
	}
}

type recordingSink struct {
	events []schema.ConnectionEvent
}

func (r *recordingSink) OnConnectionEvent(event schema.ConnectionEvent) {
	r.events = append(r.events, event)
}

func TestEventFanoutReachesEverySink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	fan := eventFanout{sinks: []connmgr.StatusSink{a, nil, b}}
	fan.OnConnectionEvent(schema.ConnectionEvent{Snapshot: schema.ConnectionSnapshot{TabID: "t"}})
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both sinks to observe the event, got %d and %d", len(a.events), len(b.events))
	}
}
