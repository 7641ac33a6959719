// Package scriptbridge composes the daemon: the script store, the browser
// driver, the connection manager, the message router and the HTTP API.
package scriptbridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/scriptbridge/httpapi"
	"pkt.systems/scriptbridge/internal/bridge"
	"pkt.systems/scriptbridge/internal/browser"
	"pkt.systems/scriptbridge/internal/connmgr"
	"pkt.systems/scriptbridge/internal/evaltransport"
	"pkt.systems/scriptbridge/internal/eventbus"
	"pkt.systems/scriptbridge/internal/metrics"
	"pkt.systems/scriptbridge/internal/mutation"
	"pkt.systems/scriptbridge/internal/pending"
	"pkt.systems/scriptbridge/internal/router"
	"pkt.systems/scriptbridge/internal/scriptstore"
	"pkt.systems/scriptbridge/internal/settings"
	"pkt.systems/scriptbridge/schema"
)

// Server composes the daemon services.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	StateDir       string
	StoreDSN       string
	HTTP           httpapi.Config
	Browser        browser.Config
	Connection     connmgr.Config
	AutoReconnect  bool
	InstallerHosts []string
}

// Pages is the browser side of the daemon.
type Pages interface {
	connmgr.PageDriver
	Tabs() []schema.TabContext
	RunScript(ctx context.Context, id schema.TabID, script schema.Script) error
	SetDispatcher(d browser.Dispatcher)
	SetLifecycle(l browser.Lifecycle)
	Close()
}

// PagesOpener attaches to or launches the browser.
type PagesOpener func(ctx context.Context, cfg browser.Config, deps browser.Deps) (Pages, error)

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	Logger pslog.Logger
	// OpenPages defaults to driving Chromium through the browser package.
	OpenPages PagesOpener
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP bool
	listener   net.Listener
}

// WithHTTP enables the HTTP API on the configured address.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithListener enables the HTTP API on an existing listener.
func WithListener(ln net.Listener) ServerOption {
	return func(o *serverOptions) {
		o.enableHTTP = true
		o.listener = ln
	}
}

// New constructs a composable scriptbridge server. Nothing is opened until
// Start.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if cfg.StateDir == "" {
		return nil, errors.New("state directory is required")
	}
	if cfg.StoreDSN == "" {
		return nil, errors.New("store dsn is required")
	}
	if options.enableHTTP && options.listener == nil && cfg.HTTP.Addr == "" {
		return nil, errors.New("http address is required")
	}
	if cfg.Connection.DefaultEndpoint != "" {
		if err := evaltransport.ValidateEndpoint(cfg.Connection.DefaultEndpoint); err != nil {
			return nil, err
		}
	}
	if deps.OpenPages == nil {
		deps.OpenPages = openBrowser
	}
	return &compositeServer{cfg: cfg, deps: deps, options: options}, nil
}

func openBrowser(ctx context.Context, cfg browser.Config, deps browser.Deps) (Pages, error) {
	b, err := browser.Open(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}
	return b, nil
}

type compositeServer struct {
	cfg     ServerConfig
	deps    ServerDeps
	options serverOptions
	logger  pslog.Logger

	store *scriptstore.Store
	pages Pages
	conns *connmgr.Manager

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.mu.Unlock()

	logger := s.deps.Logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	handler, err := s.build(ctx, logger)
	if err != nil {
		s.release()
		logger.Error("server start failed", "err", err)
		return err
	}

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 1)
	s.started = true
	s.logger = logger
	runCtx := s.ctx
	s.mu.Unlock()

	logger.Info(
		"server start",
		"http", s.options.enableHTTP,
		"http_addr", s.cfg.HTTP.Addr,
		"devtools", s.cfg.Browser.DevToolsURL,
		"store", s.cfg.StoreDSN,
	)
	if s.options.enableHTTP {
		go func() {
			var err error
			if s.options.listener != nil {
				err = httpapi.Serve(runCtx, s.options.listener, handler)
			} else {
				err = httpapi.ListenAndServe(runCtx, s.cfg.HTTP.Addr, handler)
			}
			if err != nil {
				logger.Error("http server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	return nil
}

// build opens storage and the browser and wires every component. The
// returned handler serves the HTTP API.
func (s *compositeServer) build(ctx context.Context, logger pslog.Logger) (http.Handler, error) {
	store, err := scriptstore.Open(ctx, s.cfg.StoreDSN, logger)
	if err != nil {
		return nil, err
	}
	s.store = store
	if err := store.SeedBuiltins(ctx); err != nil {
		return nil, err
	}
	prefs, err := settings.Open(s.cfg.StateDir, schema.Settings{AutoReconnect: s.cfg.AutoReconnect}, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	bus := eventbus.New(logger)
	requests := pending.New("sb-")

	pages, err := s.deps.OpenPages(ctx, s.cfg.Browser, browser.Deps{Scripts: store, Pending: requests, Logger: logger})
	if err != nil {
		return nil, err
	}
	s.pages = pages

	conns, err := connmgr.New(s.cfg.Connection, connmgr.Deps{
		Driver:      pages,
		Dialer:      connmgr.WebSocketDialer(evaltransport.Dialer{Logger: logger}),
		Preferences: prefs,
		Sink:        eventFanout{sinks: []connmgr.StatusSink{bus, m}},
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	s.conns = conns
	conns.AddSweeper(func(id schema.TabID) int {
		return requests.SweepOwner(pending.Owner(id))
	})

	handlers := bridge.New(bridge.Config{InstallerHosts: s.cfg.InstallerHosts}, bridge.Deps{
		Scripts:     store,
		Mutations:   mutation.New(store, prefs, logger),
		Connections: conns,
		Tabs:        pages,
		Settings:    prefs,
		Metrics:     m,
		Logger:      logger,
	})
	rt, err := router.New(logger, m, handlers.Routes()...)
	if err != nil {
		return nil, err
	}
	conns.SetDispatcher(rt)
	pages.SetDispatcher(rt)
	pages.SetLifecycle(conns)

	srv := httpapi.NewServer(s.cfg.HTTP, httpapi.Deps{
		Dispatcher:  rt,
		Connections: conns,
		Events:      bus,
		Metrics:     m.Handler(),
	})
	return srv.Handler(), nil
}

// release closes whatever build opened, in reverse order.
func (s *compositeServer) release() {
	if s.conns != nil {
		s.conns.Close()
		s.conns = nil
	}
	if s.pages != nil {
		s.pages.Close()
		s.pages = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.release()
		s.mu.Unlock()
		close(done)
	}()
	if ctx == nil {
		<-done
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
		log.Info("server stopped")
		return nil
	}
}
