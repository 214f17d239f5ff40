package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"breakout-engine/internal/events"
)

// eventually polls a condition; bus subscribers run on their own
// goroutines so counter updates land asynchronously.
func eventually(t *testing.T, msg string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestObserveCountsBarTraffic(t *testing.T) {
	bus := events.NewBus()
	Observe(bus)

	ingestedBefore := testutil.ToFloat64(barsIngested.WithLabelValues("LIVE"))
	rejectedBefore := testutil.ToFloat64(barsRejected.WithLabelValues("duplicate_same_precedence"))

	bus.Publish(events.Event{Type: events.EventBarIngested,
		Data: map[string]interface{}{"source": "LIVE"}})
	bus.Publish(events.Event{Type: events.EventBarRejected,
		Data: map[string]interface{}{"reason": "duplicate_same_precedence"}})

	eventually(t, "Expected bar ingest and reject counters to advance", func() bool {
		return testutil.ToFloat64(barsIngested.WithLabelValues("LIVE")) == ingestedBefore+1 &&
			testutil.ToFloat64(barsRejected.WithLabelValues("duplicate_same_precedence")) == rejectedBefore+1
	})
}
