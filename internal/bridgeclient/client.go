// Package bridgeclient talks to a running daemon over the privileged
// WebSocket channel.
package bridgeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"pkt.systems/pslog"
	"pkt.systems/scriptbridge/internal/pending"
	"pkt.systems/scriptbridge/schema"
)

const (
	writeWait      = 10 * time.Second
	defaultTimeout = 30 * time.Second
	owner          = pending.Owner("client")
)

// ErrClosed is returned for calls on a closed client.
var ErrClosed = errors.New("bridge client closed")

// RemoteError is a failed response from the daemon.
type RemoteError struct {
	Type     schema.MessageType
	Message  string
	NotFound bool
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// IsNotFound reports whether err is a not-found response.
func IsNotFound(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.NotFound
}

// Options tune the client.
type Options struct {
	// Source is the envelope source; the local panel when empty.
	Source schema.Source
	// Timeout bounds each call when the context has no deadline.
	Timeout time.Duration
	// OnStatus receives connection-status pushes. It runs on the read loop.
	OnStatus func(schema.ConnectionSnapshot, bool)
	Logger   pslog.Logger
}

// Client is a connection to the daemon.
type Client struct {
	conn    *websocket.Conn
	opts    Options
	log     pslog.Logger
	pending *pending.Registry

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
	err     error
}

// Dial connects to the daemon's /api/bridge endpoint at url.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.Source == "" {
		opts.Source = schema.SourcePanel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	logger = logger.With("daemon", url)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		conn:    conn,
		opts:    opts,
		log:     logger,
		pending: pending.New("cli-"),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	logger.Debug("bridgeclient connected")
	return c, nil
}

// Call sends a request of type typ with payload and decodes the response
// body into out when out is non-nil. A failed response is returned as a
// *RemoteError.
func (c *Client) Call(ctx context.Context, typ schema.MessageType, payload any, out any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	env := schema.Envelope{Source: c.opts.Source, Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Payload = data
	}
	id, ch := c.pending.Register(owner, schema.ResponseType(typ))
	env.RequestID = id
	frame, err := json.Marshal(env)
	if err != nil {
		c.pending.Cancel(id)
		return err
	}
	if err := c.write(frame); err != nil {
		c.pending.Cancel(id)
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	res, err := c.pending.Await(ctx, id, ch)
	if err != nil {
		return err
	}
	// A failed bulk response still carries per-item results, so the body is
	// decoded before the success flag is checked.
	if out != nil {
		if err := json.Unmarshal(res.Raw, out); err != nil {
			return err
		}
	}
	body := gjson.ParseBytes(res.Raw)
	if !body.Get("success").Bool() {
		return &RemoteError{Type: typ, Message: body.Get("error").String(), NotFound: body.Get("notFound").Bool()}
	}
	return nil
}

func (c *Client) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) readLoop() {
	defer func() {
		swept := c.pending.SweepOwner(owner)
		c.log.Debug("bridgeclient read loop done", "swept", swept, "err", c.err)
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		env := gjson.ParseBytes(data)
		typ := schema.MessageType(env.Get("type").String())
		if typ == schema.TypeConnectionStatus {
			c.status(env)
			continue
		}
		id := schema.RequestID(env.Get("requestId").String())
		if id == "" || !c.pending.ResolveOwned(owner, id, typ, data) {
			c.log.Trace("bridgeclient unmatched frame", "type", typ, "request", id)
		}
	}
}

func (c *Client) status(env gjson.Result) {
	if c.opts.OnStatus == nil {
		return
	}
	var snap schema.ConnectionSnapshot
	if err := json.Unmarshal([]byte(env.Get("connection").Raw), &snap); err != nil {
		c.log.Debug("bridgeclient status decode failed", "err", err)
		return
	}
	c.opts.OnStatus(snap, env.Get("removed").Bool())
}

func (c *Client) finish(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.finish(ErrClosed)
	return c.conn.Close()
}
