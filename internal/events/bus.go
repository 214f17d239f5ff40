package events

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType identifies a lifecycle event on the structured event stream.
type EventType string

const (
	EventStateChanged     EventType = "STATE_CHANGED"
	EventRangeLocked      EventType = "RANGE_LOCKED"
	EventBreakoutDetected EventType = "BREAKOUT_DETECTED"
	EventImmediateEntry   EventType = "IMMEDIATE_ENTRY"
	EventOrderSubmitted   EventType = "ORDER_SUBMITTED"
	EventOrderRejected    EventType = "ORDER_REJECTED"
	EventOrderCancelled   EventType = "ORDER_CANCELLED"
	EventFillApplied      EventType = "FILL_APPLIED"
	EventBreakEvenMoved   EventType = "BREAK_EVEN_MOVED"
	EventFailClosed       EventType = "FAIL_CLOSED"
	EventStreamCommitted  EventType = "STREAM_COMMITTED"
	EventStreamSuspended  EventType = "STREAM_SUSPENDED"
	EventIncidentRaised   EventType = "INCIDENT_RAISED"
	EventBarIngested      EventType = "BAR_INGESTED"
	EventBarRejected      EventType = "BAR_REJECTED"
	EventEngineStarted    EventType = "ENGINE_STARTED"
	EventEngineStopped    EventType = "ENGINE_STOPPED"
)

// Event is one entry on the structured event stream. ID is a ULID so that
// events sort lexicographically in emission order across consumers.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	StreamID  string                 `json:"stream_id,omitempty"`
	IntentID  string                 `json:"intent_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscriber is a function that handles events.
type Subscriber func(Event)

// Bus fans events out to subscribers. Publishing never blocks the caller:
// handlers run on their own goroutines, so a slow consumer cannot stall a
// stream's tick or fill path.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
		entropy:     ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Subscribe registers a subscriber for a specific event type.
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for every event.
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// NewID mints a ULID for callers that persist their own records (incidents)
// and want ids ordered consistently with the event stream.
func (b *Bus) NewID() string {
	b.entropyMu.Lock()
	defer b.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), b.entropy).String()
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = b.NewID()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishStateChanged publishes a stream state transition.
func (b *Bus) PublishStateChanged(streamID, from, to, reason string) {
	b.Publish(Event{
		Type:     EventStateChanged,
		StreamID: streamID,
		Data: map[string]interface{}{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// PublishRangeLocked publishes the final range for a stream.
func (b *Bus) PublishRangeLocked(streamID, contract string, high, low, freezeClose, breakoutLong, breakoutShort float64, bars int) {
	b.Publish(Event{
		Type:     EventRangeLocked,
		StreamID: streamID,
		Data: map[string]interface{}{
			"contract":       contract,
			"range_high":     high,
			"range_low":      low,
			"freeze_close":   freezeClose,
			"breakout_long":  breakoutLong,
			"breakout_short": breakoutShort,
			"bars":           bars,
		},
	})
}

// PublishBreakout publishes a detected breakout.
func (b *Bus) PublishBreakout(streamID, intentID, direction string, level, barExtreme float64) {
	b.Publish(Event{
		Type:     EventBreakoutDetected,
		StreamID: streamID,
		IntentID: intentID,
		Data: map[string]interface{}{
			"direction":   direction,
			"level":       level,
			"bar_extreme": barExtreme,
		},
	})
}

// PublishFailClosed publishes a fail-closed trigger (flatten + stand-down).
func (b *Bus) PublishFailClosed(streamID, intentID, kind, message string) {
	b.Publish(Event{
		Type:     EventFailClosed,
		StreamID: streamID,
		IntentID: intentID,
		Data: map[string]interface{}{
			"kind":    kind,
			"message": message,
		},
	})
}

// PublishCommitted publishes a stream's terminal commit.
func (b *Bus) PublishCommitted(streamID, reason string) {
	b.Publish(Event{
		Type:     EventStreamCommitted,
		StreamID: streamID,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}
