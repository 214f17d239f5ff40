package hydrator

import (
	"testing"
	"time"

	"breakout-engine/internal/clock"
	"breakout-engine/internal/market"
)

func bar(contract string, start time.Time, source market.BarSource, close float64) market.Bar {
	return market.Bar{
		Contract: contract,
		Start:    start,
		Open:     close - 1,
		High:     close + 2,
		Low:      close - 2,
		Close:    close,
		Volume:   10,
		Source:   source,
	}
}

func TestIngestAccepts(t *testing.T) {
	minute := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	clk := clock.NewManualClock(minute.Add(5 * time.Minute))
	h := New("NQZ5", clk, 0)

	res := h.Ingest(bar("NQZ5", minute, market.SourceFile, 18000))
	if res.Status != StatusAccepted {
		t.Fatalf("Expected ACCEPTED, got %s (%s)", res.Status, res.Reason)
	}
	if h.Count() != 1 {
		t.Errorf("Expected 1 bar, got %d", h.Count())
	}
}

// TestPrecedence verifies live > backfill > file for the same minute, and
// first-wins on equal precedence.
func TestPrecedence(t *testing.T) {
	minute := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	clk := clock.NewManualClock(minute.Add(5 * time.Minute))
	h := New("NQZ5", clk, 0)

	h.Ingest(bar("NQZ5", minute, market.SourceFile, 18000))

	res := h.Ingest(bar("NQZ5", minute, market.SourceBackfill, 18001))
	if res.Status != StatusReplaced {
		t.Fatalf("Backfill should replace file, got %s", res.Status)
	}
	if res.Evicted.Close != 18000 {
		t.Errorf("Expected evicted file bar, got close %f", res.Evicted.Close)
	}

	res = h.Ingest(bar("NQZ5", minute, market.SourceLive, 18002))
	if res.Status != StatusReplaced {
		t.Fatalf("Live should replace backfill, got %s", res.Status)
	}

	// Equal precedence: bar already held wins.
	res = h.Ingest(bar("NQZ5", minute, market.SourceLive, 18003))
	if res.Status != StatusRejected || res.Reason != ReasonDuplicate {
		t.Fatalf("Duplicate live bar should be rejected, got %s (%s)", res.Status, res.Reason)
	}

	// Lower precedence after live: rejected.
	res = h.Ingest(bar("NQZ5", minute, market.SourceBackfill, 18004))
	if res.Status != StatusRejected || res.Reason != ReasonLowerPrecedence {
		t.Fatalf("Backfill after live should be rejected, got %s (%s)", res.Status, res.Reason)
	}

	got, ok := h.BarAt(minute)
	if !ok || got.Close != 18002 {
		t.Errorf("Expected the live bar to survive, got %+v ok=%v", got, ok)
	}
}

// TestOrderIndependence ingests the same bars in opposite orders and
// expects identical buffers.
func TestOrderIndependence(t *testing.T) {
	minute := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	clk := clock.NewManualClock(minute.Add(5 * time.Minute))

	offered := []market.Bar{
		bar("NQZ5", minute, market.SourceFile, 18000),
		bar("NQZ5", minute, market.SourceLive, 18002),
		bar("NQZ5", minute, market.SourceBackfill, 18001),
	}

	forward := New("NQZ5", clk, 0)
	for _, b := range offered {
		forward.Ingest(b)
	}

	backward := New("NQZ5", clk, 0)
	for i := len(offered) - 1; i >= 0; i-- {
		backward.Ingest(offered[i])
	}

	a, _ := forward.BarAt(minute)
	b, _ := backward.BarAt(minute)
	if a != b {
		t.Errorf("Buffer depends on arrival order: %+v vs %+v", a, b)
	}
	if a.Source != market.SourceLive {
		t.Errorf("Expected live bar to win, got %s", a.Source)
	}
}

func TestRejectsWrongContract(t *testing.T) {
	minute := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	clk := clock.NewManualClock(minute.Add(5 * time.Minute))
	h := New("NQZ5", clk, 0)

	res := h.Ingest(bar("ESZ5", minute, market.SourceLive, 5700))
	if res.Status != StatusRejected || res.Reason != ReasonWrongContract {
		t.Fatalf("Expected wrong-contract rejection, got %s (%s)", res.Status, res.Reason)
	}
}

func TestRejectsFutureBar(t *testing.T) {
	now := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	clk := clock.NewManualClock(now)
	h := New("NQZ5", clk, 0)

	res := h.Ingest(bar("NQZ5", now.Add(2*time.Minute), market.SourceLive, 18000))
	if res.Status != StatusRejected || res.Reason != ReasonFuture {
		t.Fatalf("Expected future rejection, got %s (%s)", res.Status, res.Reason)
	}
}

// TestMinAge verifies non-live bars younger than minAge are rejected while
// live bars bypass the check.
func TestMinAge(t *testing.T) {
	minute := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	clk := clock.NewManualClock(minute.Add(30 * time.Second))
	h := New("NQZ5", clk, time.Minute)

	res := h.Ingest(bar("NQZ5", minute, market.SourceBackfill, 18000))
	if res.Status != StatusRejected || res.Reason != ReasonTooFresh {
		t.Fatalf("Expected too-fresh rejection for backfill, got %s (%s)", res.Status, res.Reason)
	}

	res = h.Ingest(bar("NQZ5", minute, market.SourceLive, 18000))
	if res.Status != StatusAccepted {
		t.Fatalf("Live bar should bypass the min-age check, got %s (%s)", res.Status, res.Reason)
	}

	clk.Advance(time.Minute)
	res = h.Ingest(bar("NQZ5", minute.Add(time.Minute), market.SourceBackfill, 18001))
	if res.Status != StatusAccepted {
		t.Fatalf("Aged backfill bar should be accepted, got %s (%s)", res.Status, res.Reason)
	}
}

func TestRejectsInvalid(t *testing.T) {
	minute := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	clk := clock.NewManualClock(minute.Add(5 * time.Minute))
	h := New("NQZ5", clk, 0)

	broken := bar("NQZ5", minute, market.SourceLive, 18000)
	broken.High = broken.Low - 1
	res := h.Ingest(broken)
	if res.Status != StatusRejected || res.Reason != ReasonInvalid {
		t.Fatalf("Expected invalid rejection, got %s (%s)", res.Status, res.Reason)
	}
}

func TestSnapshotAndGaps(t *testing.T) {
	start := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	clk := clock.NewManualClock(start.Add(time.Hour))
	h := New("NQZ5", clk, 0)

	// Minutes 0, 1, 3 loaded; minute 2 missing.
	for _, i := range []int{0, 1, 3} {
		h.Ingest(bar("NQZ5", start.Add(time.Duration(i)*time.Minute), market.SourceBackfill, 18000+float64(i)))
	}

	end := start.Add(4 * time.Minute)
	snap := h.Snapshot(start, end)
	if len(snap) != 3 {
		t.Fatalf("Expected 3 bars in snapshot, got %d", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if !snap[i].Start.After(snap[i-1].Start) {
			t.Error("Snapshot must be ordered by start time")
		}
	}

	if gaps := h.GapMinutes(start, end); gaps != 1 {
		t.Errorf("Expected 1 gap minute, got %d", gaps)
	}
	if c := h.Completeness(start, end); c != 0.75 {
		t.Errorf("Expected completeness 0.75, got %f", c)
	}

	last, ok := h.LastAtOrBefore(start.Add(2 * time.Minute))
	if !ok || !last.Start.Equal(start.Add(time.Minute)) {
		t.Errorf("Expected last bar at minute 1, got %+v ok=%v", last, ok)
	}
}
