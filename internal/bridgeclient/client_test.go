package bridgeclient

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/scriptbridge/httpapi"
	"pkt.systems/scriptbridge/internal/eventbus"
	"pkt.systems/scriptbridge/internal/router"
	"pkt.systems/scriptbridge/schema"
)

type harness struct {
	url string
	bus *eventbus.Bus
}

func newHarness(t *testing.T, routes ...router.Route) *harness {
	t.Helper()
	r, err := router.New(nil, nil, routes...)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	bus := eventbus.New(nil)
	srv := httptest.NewServer(httpapi.NewServer(httpapi.Config{}, httpapi.Deps{Dispatcher: r, Events: bus}).Handler())
	t.Cleanup(srv.Close)
	return &harness{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/bridge", bus: bus}
}

func (h *harness) dial(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := Dial(context.Background(), h.url, opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

var panelOnly = []schema.Source{schema.SourcePanel}

func TestCallDecodesResult(t *testing.T) {
	h := newHarness(t,
		router.Route{Type: schema.TypePing, Sources: panelOnly, Handler: func(context.Context, router.Request) (any, error) {
			return map[string]bool{"pong": true}, nil
		}},
		router.Route{Type: schema.TypeListScripts, Sources: panelOnly, Handler: func(_ context.Context, req router.Request) (any, error) {
			var p struct {
				IncludeHidden bool `json:"includeHidden"`
			}
			_ = req.Decode(&p)
			scripts := []schema.ScriptInfo{{Name: "a.cljs", Enabled: true}}
			if p.IncludeHidden {
				scripts = append(scripts, schema.ScriptInfo{Name: "scriptbridge/installer.cljs", Builtin: true})
			}
			return map[string]any{"scripts": scripts}, nil
		}},
	)
	c := h.dial(t, Options{})
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	scripts, err := c.ListScripts(context.Background(), true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(scripts) != 2 || scripts[0].Name != "a.cljs" || !scripts[1].Builtin {
		t.Fatalf("unexpected scripts %+v", scripts)
	}
}

func TestFailedBulkKeepsItems(t *testing.T) {
	h := newHarness(t, router.Route{Type: schema.TypeDeleteScript, Sources: panelOnly, Handler: func(context.Context, router.Request) (any, error) {
		result := map[string]any{
			"bulkId": "b1",
			"results": map[string]any{
				"a":     map[string]any{"success": true, "name": "a.cljs"},
				"ghost": map[string]any{"success": false, "notFound": true, "name": "ghost.cljs"},
			},
		}
		return result, fmt.Errorf("%w: ghost.cljs", schema.ErrSomeNotFound)
	}})
	c := h.dial(t, Options{})
	res, err := c.DeleteScripts(context.Background(), []string{"a", "ghost"}, true)
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	if res.BulkID != "b1" || !res.Results["a"].Success || !res.Results["ghost"].NotFound {
		t.Fatalf("unexpected bulk result %+v", res)
	}
}

func TestUnroutedCallTimesOut(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, Options{Source: schema.SourceEval, Timeout: 50 * time.Millisecond})
	err := c.Ping(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected silent drop to time out, got %v", err)
	}
	if c.pending.Len() != 0 {
		t.Fatalf("expected timed out request to be cancelled")
	}
}

func TestStatusPushes(t *testing.T) {
	h := newHarness(t, router.Route{Type: schema.TypePing, Sources: panelOnly, Handler: func(context.Context, router.Request) (any, error) {
		return nil, nil
	}})
	got := make(chan schema.ConnectionSnapshot, 1)
	c := h.dial(t, Options{OnStatus: func(snap schema.ConnectionSnapshot, removed bool) {
		if !removed {
			got <- snap
		}
	}})
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	h.bus.OnConnectionEvent(schema.ConnectionEvent{Snapshot: schema.ConnectionSnapshot{TabID: "t1", Status: schema.StatusConnecting}})
	select {
	case snap := <-got:
		if snap.TabID != "t1" || snap.Status != schema.StatusConnecting {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for status push")
	}
}

func TestConnectionLossFailsWaiters(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, router.Route{Type: schema.TypePing, Sources: panelOnly, Handler: func(ctx context.Context, _ router.Request) (any, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, nil
	}})
	defer close(block)
	c := h.dial(t, Options{Timeout: 5 * time.Second})
	errCh := make(chan error, 1)
	go func() { errCh <- c.Ping(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	_ = c.conn.UnderlyingConn().Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, schema.ErrRequestAbandoned) {
			t.Fatalf("expected abandoned request, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter was not released")
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected client to observe the closed connection")
	}
	if err := c.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed client error, got %v", err)
	}
}
