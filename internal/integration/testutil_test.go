package integration_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/scriptbridge"
	"pkt.systems/scriptbridge/httpapi"
	"pkt.systems/scriptbridge/internal/appconfig"
	"pkt.systems/scriptbridge/internal/browser"
	"pkt.systems/scriptbridge/internal/connmgr"
	"pkt.systems/scriptbridge/schema"
)

func requireLong(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// requireChrome returns a Chromium binary or skips the test.
func requireChrome(t *testing.T) string {
	t.Helper()
	if path := strings.TrimSpace(os.Getenv("SCRIPTBRIDGE_CHROME")); path != "" {
		return path
	}
	for _, name := range []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable", "headless-shell"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	t.Skip("chromium not available; set SCRIPTBRIDGE_CHROME")
	return ""
}

type daemon struct {
	url string
}

func startDaemon(t *testing.T, chrome string) *daemon {
	t.Helper()
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	dir := t.TempDir()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv, err := scriptbridge.New(scriptbridge.ServerConfig{
		StateDir: dir,
		StoreDSN: filepath.Join(dir, "scripts.db"),
		HTTP:     httpapi.Config{Addr: ln.Addr().String()},
		Browser:  browser.Config{ExecPath: chrome, Headless: true, EvalTimeout: 10 * time.Second},
		Connection: connmgr.Config{
			PollInterval:    time.Duration(cfg.Connection.PollIntervalMS) * time.Millisecond,
			ReadyTimeout:    time.Duration(cfg.Connection.ReadyTimeoutMS) * time.Millisecond,
			DefaultEndpoint: schema.Endpoint(cfg.Connection.DefaultEndpoint),
		},
	}, scriptbridge.ServerDeps{}, scriptbridge.WithListener(ln))
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = srv.Stop(stopCtx)
	})
	return &daemon{url: "ws://" + ln.Addr().String() + "/api/bridge"}
}

// evalServer accepts evaluation transports and records the frames it
// receives.
type evalServer struct {
	srv *httptest.Server

	mu     sync.Mutex
	conns  int
	frames [][]byte
}

func startEvalServer(t *testing.T) *evalServer {
	t.Helper()
	es := &evalServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	es.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		es.mu.Lock()
		es.conns++
		es.mu.Unlock()
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			es.mu.Lock()
			es.frames = append(es.frames, frame)
			es.mu.Unlock()
		}
	}))
	t.Cleanup(es.srv.Close)
	return es
}

func (es *evalServer) endpoint() schema.Endpoint {
	return schema.Endpoint("ws" + strings.TrimPrefix(es.srv.URL, "http") + "/_nrepl")
}

func (es *evalServer) connections() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.conns
}

func waitFor(t *testing.T, timeout time.Duration, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
