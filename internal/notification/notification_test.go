package notification

import (
	"testing"
	"time"

	"breakout-engine/internal/events"
)

// sinkNotifier hands every notification to the test goroutine.
type sinkNotifier struct {
	ch chan *Notification
}

func (s *sinkNotifier) Send(n *Notification) error { s.ch <- n; return nil }
func (s *sinkNotifier) Name() string               { return "sink" }
func (s *sinkNotifier) IsEnabled() bool            { return true }

func newObservedManager(t *testing.T) (*events.Bus, *sinkNotifier) {
	t.Helper()
	bus := events.NewBus()
	m := NewManager()
	sink := &sinkNotifier{ch: make(chan *Notification, 8)}
	m.AddNotifier(sink)
	Observe(bus, m)
	return bus, sink
}

func waitNotification(t *testing.T, sink *sinkNotifier, what string) *Notification {
	t.Helper()
	select {
	case n := <-sink.ch:
		return n
	case <-time.After(time.Second):
		t.Fatalf("Expected %s notification", what)
		return nil
	}
}

func TestObserveForwardsRangeLocked(t *testing.T) {
	bus, sink := newObservedManager(t)

	bus.PublishRangeLocked("2025-03-10:RTH:15:00:NQ", "NQZ5", 18010, 17990, 18005, 18010.25, 17989.75, 15)

	n := waitNotification(t, sink, "range locked")
	if n.Type != NotifyRangeLocked {
		t.Errorf("Expected range locked type, got %s", n.Type)
	}
	if n.Contract != "NQZ5" || n.StreamID != "2025-03-10:RTH:15:00:NQ" {
		t.Errorf("Unexpected identity on notification: contract=%q stream=%q", n.Contract, n.StreamID)
	}
	if got := n.Extra["breakout_long"].(float64); got != 18010.25 {
		t.Errorf("Expected breakout long 18010.25, got %v", got)
	}
}

func TestObserveForwardsEntryFillsOnly(t *testing.T) {
	bus, sink := newObservedManager(t)

	// Protective fills are not operator-facing entries.
	bus.Publish(events.Event{Type: events.EventFillApplied, StreamID: "s1",
		Data: map[string]interface{}{"kind": "STOP", "contract": "NQZ5", "avg_price": 17995.0, "delta": 2}})
	bus.Publish(events.Event{Type: events.EventFillApplied, StreamID: "s1",
		Data: map[string]interface{}{
			"kind": "ENTRY", "contract": "NQZ5", "direction": "LONG",
			"avg_price": 18013.25, "delta": 2,
		}})

	n := waitNotification(t, sink, "trade open")
	if n.Type != NotifyTradeOpen {
		t.Errorf("Expected trade open type, got %s", n.Type)
	}
	if n.Price != 18013.25 || n.Contract != "NQZ5" {
		t.Errorf("Unexpected trade open payload: price=%v contract=%q", n.Price, n.Contract)
	}

	select {
	case n := <-sink.ch:
		t.Errorf("Expected no notification for a protective fill, got %s", n.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
