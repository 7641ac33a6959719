// Package eventbus fans connection status changes out to UI subscribers.
package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/scriptbridge/schema"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventConnection carries a tab connection status change.
	EventConnection EventType = "connection"
	// EventTabRemoved reports that a tab closed and its state was dropped.
	EventTabRemoved EventType = "tab-removed"
)

// Event represents a UI-facing event.
type Event struct {
	Type       EventType
	Connection schema.ConnectionSnapshot
}

// AllTabs subscribes to every tab.
const AllTabs schema.TabID = ""

// Bus fans out events to subscribers of one tab or of all tabs. Publishing
// never blocks; a full subscriber misses the event.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.TabID]map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.TabID]map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the tab, or for every tab with
// AllTabs, and returns a channel + cancel.
func (b *Bus) Subscribe(tabID schema.TabID) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	tabSubs := b.subs[tabID]
	if tabSubs == nil {
		tabSubs = make(map[chan Event]struct{})
		b.subs[tabID] = tabSubs
	}
	tabSubs[ch] = struct{}{}
	count := len(tabSubs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.With("tab", tabID).Debug("eventbus subscribe", "subs", count)
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[tabID]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, tabID)
				}
			}
			b.mu.Unlock()
			close(ch)
			if b.log != nil {
				b.log.With("tab", tabID).Debug("eventbus unsubscribe")
			}
		})
	}
}

// OnConnectionEvent publishes a connection status change.
func (b *Bus) OnConnectionEvent(event schema.ConnectionEvent) {
	typ := EventConnection
	if event.Removed {
		typ = EventTabRemoved
	}
	b.publish(event.Snapshot.TabID, Event{Type: typ, Connection: event.Snapshot})
}

func (b *Bus) publish(tabID schema.TabID, event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := make([]chan Event, 0, len(b.subs[tabID])+len(b.subs[AllTabs]))
	for sub := range b.subs[tabID] {
		subs = append(subs, sub)
	}
	if tabID != AllTabs {
		for sub := range b.subs[AllTabs] {
			subs = append(subs, sub)
		}
	}
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 && b.log != nil {
		b.log.With("tab", tabID).Trace("eventbus dropped", "count", dropped)
	}
}
