// Package evaltransport carries opaque frames between a tab and an external
// evaluation server over a WebSocket.
package evaltransport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"
	"pkt.systems/scriptbridge/schema"
)

const (
	writeWait      = 10 * time.Second
	maxFrameBytes  = 16 << 20
	defaultTimeout = 5 * time.Second
)

// ErrRefused wraps dial failures: unreachable servers, rejected handshakes
// and malformed endpoints.
var ErrRefused = errors.New("evaluation server refused connection")

// Transport is one open connection to an evaluation server.
type Transport struct {
	conn *websocket.Conn
	log  pslog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// Dialer opens transports.
type Dialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
	Logger           pslog.Logger
}

// ValidateEndpoint checks that endpoint is a ws:// or wss:// URL with a host.
func ValidateEndpoint(endpoint schema.Endpoint) error {
	u, err := url.Parse(string(endpoint))
	if err != nil {
		return fmt.Errorf("%w: %v", schema.ErrInvalidEndpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: scheme %q", schema.ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", schema.ErrInvalidEndpoint)
	}
	return nil
}

// Dial connects to endpoint. Every failure wraps ErrRefused.
func (d Dialer) Dial(ctx context.Context, endpoint schema.Endpoint) (*Transport, error) {
	if err := ValidateEndpoint(endpoint); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefused, err)
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, string(endpoint), d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefused, err)
	}
	conn.SetReadLimit(maxFrameBytes)
	logger := d.Logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	logger = logger.With("endpoint", endpoint)
	logger.Debug("evaltransport dial ok")
	return &Transport{conn: conn, log: logger, done: make(chan struct{})}, nil
}

// Recv blocks until the next frame arrives. Any error means the transport is
// closed; Done is closed before Recv returns it.
func (t *Transport) Recv() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			t.shutdown()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, schema.ErrTransportClosed
			}
			return nil, fmt.Errorf("%w: %v", schema.ErrTransportClosed, err)
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Send writes one text frame. Safe for concurrent use.
func (t *Transport) Send(frame []byte) error {
	select {
	case <-t.done:
		return schema.ErrTransportClosed
	default:
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: %v", schema.ErrTransportClosed, err)
	}
	return nil
}

// Close sends a close frame and tears the connection down. Idempotent.
func (t *Transport) Close() error {
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	t.shutdown()
	return nil
}

// Done is closed once the transport is closed from either side.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) shutdown() {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.Close()
		t.log.Debug("evaltransport closed")
	})
}
