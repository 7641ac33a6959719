package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/scriptbridge/httpapi"
	"pkt.systems/scriptbridge/internal/appconfig"
	"pkt.systems/scriptbridge/internal/bridgeclient"
	"pkt.systems/scriptbridge/internal/eventbus"
	"pkt.systems/scriptbridge/internal/router"
	"pkt.systems/scriptbridge/schema"
)

func TestRootHasCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "config", "scripts", "tabs", "version"} {
		found := false
		for _, cmd := range root.Commands() {
			if cmd.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected root command to include %s", name)
		}
	}
}

func TestRenamePairs(t *testing.T) {
	pairs, err := renamePairs([]string{"a", "b", "c", "d"})
	if err != nil {
		t.Fatalf("renamePairs: %v", err)
	}
	if len(pairs) != 2 || pairs[1].From != "c" || pairs[1].To != "d" {
		t.Fatalf("unexpected pairs %+v", pairs)
	}
	if _, err := renamePairs([]string{"a", "b", "c"}); !errors.Is(err, errArgs) {
		t.Fatalf("expected odd argument count to fail, got %v", err)
	}
}

func TestBridgeURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{addr: "127.0.0.1:27490", want: "ws://127.0.0.1:27490/api/bridge"},
		{addr: ":27490", want: "ws://127.0.0.1:27490/api/bridge"},
		{addr: "[::1]:9000", want: "ws://[::1]:9000/api/bridge"},
	}
	for _, tc := range tests {
		if got := bridgeURL(tc.addr); got != tc.want {
			t.Fatalf("bridgeURL(%q) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}

func TestReadSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.cljs")
	if err := os.WriteFile(path, []byte(`{:name "a"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	codes, err := readSources(strings.NewReader(`{:name "b"}`), []string{path, "-"})
	if err != nil {
		t.Fatalf("readSources: %v", err)
	}
	if len(codes) != 2 || codes[0] != `{:name "a"}` || codes[1] != `{:name "b"}` {
		t.Fatalf("unexpected codes %q", codes)
	}
	if _, err := readSources(strings.NewReader(""), []string{"-", "-"}); !errors.Is(err, errArgs) {
		t.Fatalf("expected stdin twice to fail, got %v", err)
	}
}

func TestPrintBulkReportsEveryItem(t *testing.T) {
	var buf bytes.Buffer
	result := bridgeclient.BulkResult{Results: map[string]bridgeclient.ItemResult{
		"b.cljs": {Success: false, Error: "script not found", NotFound: true},
		"a.cljs": {Success: true, NewlyCreated: true},
		"c.cljs": {Success: true, PendingConfirmation: true},
	}}
	err := printBulk(&buf, result, nil)
	if err == nil || !strings.Contains(err.Error(), "1 of 3") {
		t.Fatalf("expected failure summary, got %v", err)
	}
	want := "a.cljs: created\nb.cljs: error: script not found\nc.cljs: pending confirmation\n"
	if buf.String() != want {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
	callErr := errors.New("remote")
	if err := printBulk(&buf, bridgeclient.BulkResult{}, callErr); err != callErr {
		t.Fatalf("expected call error to pass through, got %v", err)
	}
}

func TestToServerConfig(t *testing.T) {
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		t.Fatalf("DefaultConfig: %v", err)
	}
	cfg.Connection.ReadyTimeoutMS = 1500
	cfg.Browser.EvalTimeoutMS = 250
	got := toServerConfig(cfg)
	if got.Connection.ReadyTimeout != 1500*time.Millisecond || got.Browser.EvalTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected durations %+v %+v", got.Connection, got.Browser)
	}
	if string(got.Connection.DefaultEndpoint) != cfg.Connection.DefaultEndpoint || got.StoreDSN != cfg.Store.DSN {
		t.Fatalf("unexpected server config %+v", got)
	}
}

func TestScriptsListAgainstDaemon(t *testing.T) {
	r, err := router.New(nil, nil, router.Route{
		Type:    schema.TypeListScripts,
		Sources: []schema.Source{schema.SourcePanel},
		Handler: func(context.Context, router.Request) (any, error) {
			return map[string]any{"scripts": []schema.ScriptInfo{{Name: "hello.cljs", Enabled: true, Match: []string{"*://*/*"}}}}, nil
		},
	})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewServer(httpapi.Config{}, httpapi.Deps{Dispatcher: r, Events: eventbus.New(nil)}).Handler())
	defer srv.Close()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"scripts", "ls", "--url", "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/bridge"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("scripts ls: %v", err)
	}
	if !strings.Contains(out.String(), "hello.cljs") || !strings.Contains(out.String(), "*://*/*") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}
