// Package browser drives Chromium over the DevTools protocol. It discovers
// page targets, installs the page channel in every tab and implements the
// page side of the connection manager.
package browser

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"pkt.systems/pslog"
	"pkt.systems/scriptbridge/internal/pending"
	"pkt.systems/scriptbridge/internal/router"
	"pkt.systems/scriptbridge/schema"
)

//go:embed assets/bridge.js
var bridgeJS string

//go:embed assets/runtime.js
var runtimeJS string

// bindingName is the runtime binding page content reaches the daemon through.
const bindingName = "__scriptbridgePost"

const defaultEvalTimeout = 30 * time.Second

// Config selects the browser to drive.
type Config struct {
	// DevToolsURL attaches to a running browser. When empty a browser is
	// launched.
	DevToolsURL string
	ExecPath    string
	Headless    bool
	EvalTimeout time.Duration
}

// Dispatcher serves envelopes posted by page content.
type Dispatcher interface {
	Dispatch(ctx context.Context, ch router.Channel, tab schema.TabContext, raw []byte) ([]byte, bool)
}

// Lifecycle observes top-level navigation and tab teardown.
type Lifecycle interface {
	OnNavigated(id schema.TabID, url string)
	OnTabClosed(id schema.TabID)
}

// ScriptSource lists stored scripts for auto-injection.
type ScriptSource interface {
	List(ctx context.Context, includeHidden bool) ([]schema.Script, error)
}

// Deps wires the browser to the rest of the daemon.
type Deps struct {
	Scripts ScriptSource
	Pending *pending.Registry
	Logger  pslog.Logger
}

// Browser tracks attached page targets.
type Browser struct {
	cfg  Config
	deps Deps
	log  pslog.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	controlID     target.ID
	tasks         sync.WaitGroup

	mu         sync.Mutex
	tabs       map[schema.TabID]*tab
	dispatcher Dispatcher
	lifecycle  Lifecycle
	closed     bool
}

// Open launches or attaches to a browser and starts tracking its tabs.
func Open(ctx context.Context, cfg Config, deps Deps) (*Browser, error) {
	if deps.Pending == nil {
		return nil, errors.New("browser: pending registry is required")
	}
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = defaultEvalTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	base := pslog.ContextWithLogger(context.Background(), logger)

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if cfg.DevToolsURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(base, cfg.DevToolsURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", cfg.Headless))
		if cfg.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(base, opts...)
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser start: %w", err)
	}

	b := &Browser{
		cfg:           cfg,
		deps:          deps,
		log:           logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		tabs:          make(map[schema.TabID]*tab),
	}
	if c := chromedp.FromContext(browserCtx); c != nil && c.Target != nil {
		b.controlID = c.Target.TargetID
	}
	chromedp.ListenBrowser(browserCtx, b.onBrowserEvent)

	targets, err := chromedp.Targets(browserCtx)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("browser list targets: %w", err)
	}
	for _, info := range targets {
		if info.Type == "page" {
			b.spawn(func() { b.attach(info) })
		}
	}
	logger.Info("browser attached", "remote", cfg.DevToolsURL != "", "targets", len(targets))
	return b, nil
}

// SetDispatcher installs the router that serves the page channel.
func (b *Browser) SetDispatcher(d Dispatcher) {
	b.mu.Lock()
	b.dispatcher = d
	b.mu.Unlock()
}

// SetLifecycle installs the observer of navigation and tab teardown.
func (b *Browser) SetLifecycle(l Lifecycle) {
	b.mu.Lock()
	b.lifecycle = l
	b.mu.Unlock()
}

// Tab returns the metadata of a live tab.
func (b *Browser) Tab(id schema.TabID) (schema.TabContext, bool) {
	t, ok := b.tab(id)
	if !ok {
		return schema.TabContext{}, false
	}
	return t.context(), true
}

// Tabs lists live tabs sorted by id.
func (b *Browser) Tabs() []schema.TabContext {
	b.mu.Lock()
	out := make([]schema.TabContext, 0, len(b.tabs))
	for _, t := range b.tabs {
		out = append(out, t.context())
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops tracking tabs and releases the browser. The DevTools
// connection drops before tab contexts unwind so tabs of an attached browser
// stay open.
func (b *Browser) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	tabs := make([]*tab, 0, len(b.tabs))
	for id, t := range b.tabs {
		tabs = append(tabs, t)
		delete(b.tabs, id)
	}
	b.mu.Unlock()

	if b.cfg.DevToolsURL != "" {
		b.allocCancel()
	}
	for _, t := range tabs {
		t.cancel()
	}
	b.browserCancel()
	b.allocCancel()
	b.tasks.Wait()
	b.log.Info("browser closed")
}

func (b *Browser) spawn(fn func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.tasks.Add(1)
	b.mu.Unlock()
	go func() {
		defer b.tasks.Done()
		fn()
	}()
}

func (b *Browser) tab(id schema.TabID) (*tab, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tabs[id]
	return t, ok
}

func (b *Browser) onBrowserEvent(ev any) {
	switch ev := ev.(type) {
	case *target.EventTargetCreated:
		if ev.TargetInfo != nil && ev.TargetInfo.Type == "page" {
			info := ev.TargetInfo
			b.spawn(func() { b.attach(info) })
		}
	case *target.EventTargetInfoChanged:
		if ev.TargetInfo == nil {
			return
		}
		if t, ok := b.tab(schema.TabID(ev.TargetInfo.TargetID)); ok {
			t.setURL(ev.TargetInfo.URL)
		}
	case *target.EventTargetDestroyed:
		id := schema.TabID(ev.TargetID)
		b.spawn(func() { b.detach(id) })
	}
}

func (b *Browser) detach(id schema.TabID) {
	b.mu.Lock()
	t, ok := b.tabs[id]
	delete(b.tabs, id)
	lifecycle := b.lifecycle
	b.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	if lifecycle != nil {
		lifecycle.OnTabClosed(id)
	}
	b.log.Debug("browser tab detached", "tab", id)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
