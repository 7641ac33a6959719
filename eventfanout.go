package scriptbridge

import (
	"pkt.systems/scriptbridge/internal/connmgr"
	"pkt.systems/scriptbridge/schema"
)

type eventFanout struct {
	sinks []connmgr.StatusSink
}

func (f eventFanout) OnConnectionEvent(event schema.ConnectionEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnConnectionEvent(event)
	}
}
