package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/sjson"
	"pkt.systems/pslog"
	"pkt.systems/scriptbridge/internal/eventbus"
	"pkt.systems/scriptbridge/internal/router"
	"pkt.systems/scriptbridge/schema"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameBytes  = 16 << 20
	sendQueueDepth = 64
)

// makeUpgrader accepts non-browser clients and browser origins that are
// explicitly allowed. Loopback alone is not enough: every page in the
// driven browser shares the loopback interface.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		originSet[strings.TrimRight(strings.ToLower(origin), "/")] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil || u.Host == "" {
				return false
			}
			return originSet[strings.ToLower(u.Scheme+"://"+u.Host)]
		},
	}
}

// privilegedConn is one client on the privileged channel. Requests are
// dispatched concurrently; all writes go through the send queue.
type privilegedConn struct {
	conn *websocket.Conn
	log  pslog.Logger
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *privilegedConn) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	}
}

func (c *privilegedConn) close() {
	c.once.Do(func() { close(c.done) })
}

func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		http.Error(w, "bridge unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		pslog.Ctx(r.Context()).Warn("http bridge upgrade failed", "err", err, "origin", r.Header.Get("Origin"))
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	client := &privilegedConn{
		conn: conn,
		log:  pslog.Ctx(ctx).With("client", uuid.NewString()),
		send: make(chan []byte, sendQueueDepth),
		done: make(chan struct{}),
	}
	ctx = pslog.ContextWithLogger(ctx, client.log)
	client.log.Info("http bridge opened")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(client)
	}()
	if s.deps.Events != nil {
		events, unsubscribe := s.deps.Events.Subscribe(eventbus.AllTabs)
		defer unsubscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.pushStatus(client, events)
		}()
	}

	s.readLoop(ctx, client, &wg)
	client.close()
	cancel()
	wg.Wait()
	_ = conn.Close()
	client.log.Info("http bridge closed")
}

func (s *Server) readLoop(ctx context.Context, client *privilegedConn, wg *sync.WaitGroup) {
	client.conn.SetReadLimit(maxFrameBytes)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				client.log.Debug("http bridge read failed", "err", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, ok := s.deps.Dispatcher.Dispatch(ctx, router.ChannelPrivileged, schema.TabContext{}, data)
			if ok {
				client.enqueue(resp)
			}
		}()
	}
}

func (s *Server) writeLoop(client *privilegedConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				client.log.Debug("http bridge write failed", "err", err)
				client.close()
				_ = client.conn.Close()
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.close()
				_ = client.conn.Close()
				return
			}
		case <-client.done:
			_ = client.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (s *Server) pushStatus(client *privilegedConn, events <-chan eventbus.Event) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			frame, err := statusEnvelope(event)
			if err != nil {
				client.log.Warn("http bridge status encode failed", "err", err)
				continue
			}
			if !client.enqueue(frame) {
				return
			}
		case <-client.done:
			return
		}
	}
}

// statusEnvelope encodes a connection-status push: the router source, the
// snapshot fields and removed when the tab closed.
func statusEnvelope(event eventbus.Event) ([]byte, error) {
	out := []byte(`{}`)
	var err error
	if out, err = sjson.SetBytes(out, "source", schema.SourceRouter); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "type", schema.TypeConnectionStatus); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "connection", event.Connection); err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "removed", event.Type == eventbus.EventTabRemoved)
}
