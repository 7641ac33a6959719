package eventbus

import (
	"testing"
	"time"

	"pkt.systems/scriptbridge/schema"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("tab1")
	defer cancel()

	snap := schema.ConnectionSnapshot{TabID: "tab1", Status: schema.StatusConnected}
	bus.OnConnectionEvent(schema.ConnectionEvent{Snapshot: snap})

	select {
	case got := <-ch:
		if got.Type != EventConnection {
			t.Fatalf("expected connection event, got %v", got.Type)
		}
		if got.Connection.TabID != snap.TabID || got.Connection.Status != snap.Status {
			t.Fatalf("unexpected payload: %+v", got.Connection)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for event")
	}
}

func TestAllTabsSeesEveryTab(t *testing.T) {
	bus := New(nil)
	all, cancelAll := bus.Subscribe(AllTabs)
	defer cancelAll()
	other, cancelOther := bus.Subscribe("tab2")
	defer cancelOther()

	bus.OnConnectionEvent(schema.ConnectionEvent{Snapshot: schema.ConnectionSnapshot{TabID: "tab1"}, Removed: true})
	select {
	case got := <-all:
		if got.Type != EventTabRemoved || got.Connection.TabID != "tab1" {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for event")
	}
	select {
	case got := <-other:
		t.Fatalf("tab2 subscriber must not see tab1 events, got %+v", got)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("tab1")
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed")
	}
}

func TestPublishDoesNotBlockWhenFull(t *testing.T) {
	bus := New(nil)
	bus.depth = 1
	_, cancel := bus.Subscribe("tab1")
	defer cancel()

	var sendCh chan Event
	bus.mu.Lock()
	for ch := range bus.subs["tab1"] {
		sendCh = ch
		break
	}
	bus.mu.Unlock()
	if sendCh == nil {
		t.Fatalf("expected subscriber channel")
	}
	sendCh <- Event{Type: EventConnection}
	done := make(chan struct{})
	go func() {
		bus.OnConnectionEvent(schema.ConnectionEvent{Snapshot: schema.ConnectionSnapshot{TabID: "tab1"}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("publish blocked on full channel")
	}
}
