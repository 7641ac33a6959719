// Package connmgr owns the per-tab connection state machine that links a
// page runtime to an external evaluation server.
//
// Each tab moves disconnected -> connecting -> connected and back to
// disconnected on a voluntary or remote close. A connect attempt may end in
// failed, which behaves like disconnected but keeps the failure cause.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/scriptbridge/internal/logx"
	"pkt.systems/scriptbridge/internal/router"
	"pkt.systems/scriptbridge/schema"
)

const (
	// DefaultPollInterval is how often the page ready probe is checked.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultReadyTimeout bounds the ready probe and the transport dial.
	DefaultReadyTimeout = 5 * time.Second
	// DefaultReconnectAttempts bounds the tries of one auto-reconnect.
	DefaultReconnectAttempts = 3
)

// PageDriver reaches into a tab's page.
type PageDriver interface {
	// Tab returns the current metadata of a live tab.
	Tab(id schema.TabID) (schema.TabContext, bool)
	// InjectRuntime installs the evaluation runtime unless already present.
	InjectRuntime(ctx context.Context, id schema.TabID) error
	// RuntimeReady probes the page runtime. blocked is set when the page
	// forbids dynamic code execution.
	RuntimeReady(ctx context.Context, id schema.TabID) (ready bool, blocked bool, err error)
	// Deliver hands an opaque evaluation frame to the page runtime and
	// returns its reply, if any.
	Deliver(ctx context.Context, id schema.TabID, frame []byte) ([]byte, error)
}

// Transport is an open evaluation channel.
type Transport interface {
	Recv() ([]byte, error)
	Send(frame []byte) error
	Close() error
	Done() <-chan struct{}
}

// Dialer opens transports to evaluation servers.
type Dialer interface {
	Dial(ctx context.Context, endpoint schema.Endpoint) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint schema.Endpoint) (Transport, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, endpoint schema.Endpoint) (Transport, error) {
	return f(ctx, endpoint)
}

// Dispatcher routes envelopes relayed from the evaluation server.
type Dispatcher interface {
	Dispatch(ctx context.Context, ch router.Channel, tab schema.TabContext, raw []byte) ([]byte, bool)
}

// StatusSink observes connection changes. Implementations must not block and
// must not call back into the Manager.
type StatusSink interface {
	OnConnectionEvent(event schema.ConnectionEvent)
}

// Preferences supplies persisted connection preferences.
type Preferences interface {
	AutoReconnect() bool
	EndpointForHost(host string) (schema.Endpoint, bool)
	RememberEndpoint(host string, endpoint schema.Endpoint) error
}

// Sweeper releases waiting state owned by a closed tab and returns how many
// entries it released.
type Sweeper func(tab schema.TabID) int

// Config tunes connect attempts.
type Config struct {
	PollInterval      time.Duration
	ReadyTimeout      time.Duration
	ReconnectAttempts int
	DefaultEndpoint   schema.Endpoint
}

// Deps wires the Manager to its collaborators.
type Deps struct {
	Driver      PageDriver
	Dialer      Dialer
	Preferences Preferences
	Sink        StatusSink
	Logger      pslog.Logger
}

type tabConn struct {
	id            schema.TabID
	status        schema.ConnectionStatus
	endpoint      schema.Endpoint
	autoReconnect bool
	lastFailure   schema.FailureCause
	url           string
	updatedAt     time.Time

	gen       uint64
	cancel    context.CancelFunc
	transport Transport
}

func (c *tabConn) snapshot() schema.ConnectionSnapshot {
	return schema.ConnectionSnapshot{
		TabID:         c.id,
		Status:        c.status,
		Endpoint:      c.endpoint,
		AutoReconnect: c.autoReconnect,
		LastFailure:   c.lastFailure,
		URL:           c.url,
		UpdatedAt:     c.updatedAt,
	}
}

// Manager holds the connection table.
type Manager struct {
	cfg   Config
	deps  Deps
	log   pslog.Logger
	base  context.Context
	stop  context.CancelFunc
	now   func() time.Time
	tasks sync.WaitGroup

	mu         sync.Mutex
	tabs       map[schema.TabID]*tabConn
	dispatcher Dispatcher
	sweepers   []Sweeper
	closed     bool
}

// New constructs a Manager.
func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Driver == nil || deps.Dialer == nil {
		return nil, errors.New("connmgr: driver and dialer are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	base, stop := context.WithCancel(pslog.ContextWithLogger(context.Background(), logger))
	return &Manager{
		cfg:  cfg,
		deps: deps,
		log:  logger,
		base: base,
		stop: stop,
		now:  time.Now,
		tabs: make(map[schema.TabID]*tabConn),
	}, nil
}

// SetDispatcher installs the router that serves relayed envelopes.
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.mu.Lock()
	m.dispatcher = d
	m.mu.Unlock()
}

// AddSweeper registers waiting state to be released when a tab closes.
func (m *Manager) AddSweeper(s Sweeper) {
	if s == nil {
		return
	}
	m.mu.Lock()
	m.sweepers = append(m.sweepers, s)
	m.mu.Unlock()
}

// Snapshot returns the state of one tab.
func (m *Manager) Snapshot(id schema.TabID) (schema.ConnectionSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.tabs[id]
	if !ok {
		return schema.ConnectionSnapshot{}, false
	}
	return tc.snapshot(), true
}

// List returns every known tab sorted by id.
func (m *Manager) List() []schema.ConnectionSnapshot {
	m.mu.Lock()
	out := make([]schema.ConnectionSnapshot, 0, len(m.tabs))
	for _, tc := range m.tabs {
		out = append(out, tc.snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// Connect runs a connect attempt for the tab and returns the resulting
// state. Transport failures are reported through the snapshot, not err.
func (m *Manager) Connect(ctx context.Context, id schema.TabID, endpoint schema.Endpoint) (schema.ConnectionSnapshot, error) {
	tab, ok := m.deps.Driver.Tab(id)
	if !ok {
		return schema.ConnectionSnapshot{}, fmt.Errorf("%w: %s", schema.ErrTabNotFound, id)
	}
	if endpoint == "" {
		endpoint = m.resolveEndpoint(tab.Host)
	}
	if endpoint == "" {
		return schema.ConnectionSnapshot{}, fmt.Errorf("%w: no endpoint for %s", schema.ErrInvalidEndpoint, tab.Host)
	}
	done, err := m.begin(tab, endpoint, false)
	if err != nil {
		return schema.ConnectionSnapshot{}, err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return schema.ConnectionSnapshot{}, ctx.Err()
	}
	snap, ok := m.Snapshot(id)
	if !ok {
		return schema.ConnectionSnapshot{}, fmt.Errorf("%w: %s", schema.ErrTabNotFound, id)
	}
	return snap, nil
}

// Disconnect closes the tab's connection or abandons its attempt.
func (m *Manager) Disconnect(id schema.TabID) (schema.ConnectionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.tabs[id]
	if !ok {
		return schema.ConnectionSnapshot{}, fmt.Errorf("%w: %s", schema.ErrTabNotFound, id)
	}
	if tc.status == schema.StatusDisconnected {
		return tc.snapshot(), fmt.Errorf("%w: %s is already disconnected", schema.ErrInvalidTransition, id)
	}
	m.teardownLocked(tc)
	tc.lastFailure = ""
	m.setLocked(tc, schema.StatusDisconnected)
	logx.WithTab(m.base, id).Info("connmgr disconnect ok")
	return tc.snapshot(), nil
}

// SetAutoReconnect sets the per-tab auto-reconnect flag.
func (m *Manager) SetAutoReconnect(id schema.TabID, enabled bool) (schema.ConnectionSnapshot, error) {
	tab, ok := m.deps.Driver.Tab(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, known := m.tabs[id]
	if !known {
		if !ok {
			return schema.ConnectionSnapshot{}, fmt.Errorf("%w: %s", schema.ErrTabNotFound, id)
		}
		tc = m.entryLocked(tab)
	}
	tc.autoReconnect = enabled
	m.setLocked(tc, tc.status)
	return tc.snapshot(), nil
}

// OnNavigated handles a top-level navigation. The page runtime is gone, so
// an open connection closes. When the tab was connected and auto-reconnect
// is on, a fresh attempt against the last endpoint starts in the background.
// It retries up to ReconnectAttempts times and then settles on disconnected
// without reporting a failure.
func (m *Manager) OnNavigated(id schema.TabID, url string) {
	m.mu.Lock()
	tc, ok := m.tabs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	tc.url = url
	wasConnected := tc.status == schema.StatusConnected
	endpoint := tc.endpoint
	reconnect := wasConnected && tc.autoReconnect && endpoint != "" && !m.closed
	if wasConnected {
		m.teardownLocked(tc)
		m.setLocked(tc, schema.StatusDisconnected)
	}
	m.mu.Unlock()

	if !reconnect {
		return
	}
	log := logx.WithTab(m.base, id)
	tab, ok := m.deps.Driver.Tab(id)
	if !ok {
		return
	}
	tab.URL = url
	if _, err := m.begin(tab, endpoint, true); err != nil {
		log.Debug("connmgr auto-reconnect skipped", "err", err)
		return
	}
	log.Debug("connmgr auto-reconnect started", "url", url)
}

// OnTabClosed closes the tab's transport, releases every waiting state owned
// by the tab and forgets it.
func (m *Manager) OnTabClosed(id schema.TabID) {
	m.mu.Lock()
	tc, ok := m.tabs[id]
	if ok {
		m.teardownLocked(tc)
		delete(m.tabs, id)
		tc.status = schema.StatusDisconnected
		tc.updatedAt = m.now()
		m.publishLocked(schema.ConnectionEvent{Snapshot: tc.snapshot(), Removed: true})
	}
	sweepers := append([]Sweeper(nil), m.sweepers...)
	m.mu.Unlock()

	swept := 0
	for _, sweep := range sweepers {
		swept += sweep(id)
	}
	if ok || swept > 0 {
		logx.WithTab(m.base, id).Debug("connmgr tab closed", "swept", swept)
	}
}

// Close tears down every connection and waits for background work.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for _, tc := range m.tabs {
		if tc.status == schema.StatusDisconnected {
			continue
		}
		m.teardownLocked(tc)
		m.setLocked(tc, schema.StatusDisconnected)
	}
	m.mu.Unlock()
	m.stop()
	m.tasks.Wait()
}

func (m *Manager) resolveEndpoint(host string) schema.Endpoint {
	if m.deps.Preferences != nil {
		if endpoint, ok := m.deps.Preferences.EndpointForHost(host); ok {
			return endpoint
		}
	}
	return m.cfg.DefaultEndpoint
}

// begin validates the transition and starts the attempt. The returned
// channel closes when the attempt settles. A quiet attempt retries and never
// ends in failed.
func (m *Manager) begin(tab schema.TabContext, endpoint schema.Endpoint, quiet bool) (<-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%w: manager closed", schema.ErrInvalidTransition)
	}
	tc, ok := m.tabs[tab.ID]
	if !ok {
		tc = m.entryLocked(tab)
	}
	if !tc.status.Idle() {
		return nil, fmt.Errorf("%w: %s is %s", schema.ErrInvalidTransition, tab.ID, tc.status)
	}
	if tab.URL != "" {
		tc.url = tab.URL
	}
	tc.gen++
	gen := tc.gen
	ctx, cancel := context.WithCancel(logx.ContextWithTab(m.base, tab.ID))
	tc.cancel = cancel
	tc.endpoint = endpoint
	tc.lastFailure = ""
	m.setLocked(tc, schema.StatusConnecting)

	done := make(chan struct{})
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		defer close(done)
		m.attempt(ctx, tab, endpoint, gen, quiet)
	}()
	return done, nil
}

func (m *Manager) attempt(ctx context.Context, tab schema.TabContext, endpoint schema.Endpoint, gen uint64, quiet bool) {
	log := logx.WithEndpoint(logx.WithTab(ctx, tab.ID), endpoint)
	start := m.now()
	tries := 1
	if quiet {
		tries = m.cfg.ReconnectAttempts
	}

	var transport Transport
	for try := 1; ; try++ {
		opened, cause, err := m.open(ctx, tab.ID, endpoint)
		if ctx.Err() != nil {
			if opened != nil {
				_ = opened.Close()
			}
			return
		}
		if cause == "" {
			transport = opened
			break
		}
		if try < tries {
			log.Debug("connmgr reconnect retry", "try", try, "cause", cause, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.PollInterval):
			}
			continue
		}
		if quiet {
			log.Debug("connmgr reconnect gave up", "tries", try, "cause", cause, "err", err)
			m.settle(tab.ID, gen, schema.StatusDisconnected, "")
			return
		}
		log.Info("connmgr connect failed", "cause", cause, "err", err)
		m.settle(tab.ID, gen, schema.StatusFailed, cause)
		return
	}

	m.mu.Lock()
	tc, ok := m.tabs[tab.ID]
	if !ok || tc.gen != gen || tc.status != schema.StatusConnecting {
		m.mu.Unlock()
		_ = transport.Close()
		log.Debug("connmgr connect superseded")
		return
	}
	tc.transport = transport
	m.setLocked(tc, schema.StatusConnected)
	m.tasks.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.tasks.Done()
		m.relay(ctx, tab, gen, transport)
	}()

	log.Info("connmgr connect ok", "elapsed", m.now().Sub(start))
	if m.deps.Preferences != nil && tab.Host != "" {
		if err := m.deps.Preferences.RememberEndpoint(tab.Host, endpoint); err != nil {
			log.Warn("connmgr remember endpoint failed", "err", err)
		}
	}
}

// open readies the page runtime and dials endpoint. A non-empty cause means
// the attempt failed.
func (m *Manager) open(ctx context.Context, id schema.TabID, endpoint schema.Endpoint) (Transport, schema.FailureCause, error) {
	cause, err := m.awaitRuntime(ctx, id)
	if cause != "" || ctx.Err() != nil {
		return nil, cause, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ReadyTimeout)
	transport, err := m.deps.Dialer.Dial(dialCtx, endpoint)
	cancel()
	if err != nil {
		return nil, schema.CauseTransportRefused, err
	}
	return transport, "", nil
}

// awaitRuntime injects the runtime and polls the ready probe until it
// answers, reports blocked execution or the ceiling passes.
func (m *Manager) awaitRuntime(ctx context.Context, id schema.TabID) (schema.FailureCause, error) {
	inject := func() error {
		err := m.deps.Driver.InjectRuntime(ctx, id)
		if errors.Is(err, schema.ErrExecutionBlocked) {
			return err
		}
		if err != nil {
			logx.WithTab(ctx, id).Debug("connmgr inject failed", "err", err)
		}
		return nil
	}
	if err := inject(); err != nil {
		return schema.CauseExecutionBlocked, err
	}

	deadline := time.NewTimer(m.cfg.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		ready, blocked, err := m.deps.Driver.RuntimeReady(ctx, id)
		switch {
		case blocked:
			return schema.CauseExecutionBlocked, schema.ErrExecutionBlocked
		case ready:
			return "", nil
		case errors.Is(err, schema.ErrRuntimeUnavailable):
			if err := inject(); err != nil {
				return schema.CauseExecutionBlocked, err
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return schema.CauseTimeout, fmt.Errorf("page runtime not ready after %s", m.cfg.ReadyTimeout)
		case <-ticker.C:
		}
	}
}

// settle ends a connecting attempt that produced no transport.
func (m *Manager) settle(id schema.TabID, gen uint64, status schema.ConnectionStatus, cause schema.FailureCause) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.tabs[id]
	if !ok || tc.gen != gen || tc.status != schema.StatusConnecting {
		return
	}
	if tc.cancel != nil {
		tc.cancel()
		tc.cancel = nil
	}
	tc.lastFailure = cause
	m.setLocked(tc, status)
}

// transportClosed runs on the relay goroutine that observed the close, so
// observers see disconnected before anything else touches the tab.
func (m *Manager) transportClosed(id schema.TabID, gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.tabs[id]
	if !ok || tc.gen != gen || tc.status != schema.StatusConnected {
		return
	}
	m.teardownLocked(tc)
	m.setLocked(tc, schema.StatusDisconnected)
	logx.WithTab(m.base, id).Info("connmgr transport closed", "err", err)
}

func (m *Manager) entryLocked(tab schema.TabContext) *tabConn {
	autoReconnect := false
	if m.deps.Preferences != nil {
		autoReconnect = m.deps.Preferences.AutoReconnect()
	}
	tc := &tabConn{
		id:            tab.ID,
		status:        schema.StatusDisconnected,
		autoReconnect: autoReconnect,
		url:           tab.URL,
		updatedAt:     m.now(),
	}
	m.tabs[tab.ID] = tc
	return tc
}

func (m *Manager) teardownLocked(tc *tabConn) {
	tc.gen++
	if tc.cancel != nil {
		tc.cancel()
		tc.cancel = nil
	}
	if tc.transport != nil {
		_ = tc.transport.Close()
		tc.transport = nil
	}
}

func (m *Manager) setLocked(tc *tabConn, status schema.ConnectionStatus) {
	tc.status = status
	tc.updatedAt = m.now()
	m.publishLocked(schema.ConnectionEvent{Snapshot: tc.snapshot()})
}

func (m *Manager) publishLocked(event schema.ConnectionEvent) {
	if m.deps.Sink != nil {
		m.deps.Sink.OnConnectionEvent(event)
	}
}
