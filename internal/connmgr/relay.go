package connmgr

import (
	"context"

	"github.com/tidwall/gjson"
	"pkt.systems/scriptbridge/internal/logx"
	"pkt.systems/scriptbridge/internal/router"
	"pkt.systems/scriptbridge/schema"
)

// relay pumps frames from the evaluation server until the transport closes.
// Router envelopes tagged with the evaluation source are dispatched on the
// privileged channel; everything else is opaque and goes to the page runtime.
func (m *Manager) relay(ctx context.Context, tab schema.TabContext, gen uint64, transport Transport) {
	log := logx.WithTab(ctx, tab.ID)
	log.Debug("connmgr relay start")
	for {
		frame, err := transport.Recv()
		if err != nil {
			m.transportClosed(tab.ID, gen, err)
			log.Debug("connmgr relay stop")
			return
		}
		m.tasks.Add(1)
		go func() {
			defer m.tasks.Done()
			m.handleFrame(ctx, tab, transport, frame)
		}()
	}
}

func (m *Manager) handleFrame(ctx context.Context, tab schema.TabContext, transport Transport, frame []byte) {
	log := logx.WithTab(ctx, tab.ID)
	if isEvalEnvelope(frame) {
		m.mu.Lock()
		dispatcher := m.dispatcher
		m.mu.Unlock()
		if dispatcher == nil {
			log.Debug("connmgr relay no dispatcher")
			return
		}
		resp, ok := dispatcher.Dispatch(ctx, router.ChannelPrivileged, tab, frame)
		if !ok {
			return
		}
		if err := transport.Send(resp); err != nil {
			log.Debug("connmgr relay send failed", "err", err)
		}
		return
	}

	reply, err := m.deps.Driver.Deliver(ctx, tab.ID, frame)
	if err != nil {
		log.Debug("connmgr relay deliver failed", "err", err)
		return
	}
	if len(reply) == 0 {
		return
	}
	if err := transport.Send(reply); err != nil {
		log.Debug("connmgr relay send failed", "err", err)
	}
}

func isEvalEnvelope(frame []byte) bool {
	if !gjson.ValidBytes(frame) {
		return false
	}
	parsed := gjson.ParseBytes(frame)
	return parsed.IsObject() && parsed.Get("source").String() == string(schema.SourceEval)
}
