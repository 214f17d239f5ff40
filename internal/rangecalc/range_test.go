package rangecalc

import (
	"testing"
	"time"

	"breakout-engine/internal/market"
)

var testInst = market.Instrument{
	Canonical:  "NQ",
	Contract:   "NQZ5",
	TickSize:   0.25,
	PointValue: 20,
}

func minuteBar(start time.Time, high, low, close float64) market.Bar {
	return market.Bar{
		Contract: "NQZ5",
		Start:    start,
		Open:     (high + low) / 2,
		High:     high,
		Low:      low,
		Close:    close,
		Volume:   100,
		Source:   market.SourceLive,
	}
}

// TestComputeRange verifies high/low tracking and the one-tick breakout
// levels.
func TestComputeRange(t *testing.T) {
	rangeStart := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	slotTime := rangeStart.Add(30 * time.Minute)

	bars := []market.Bar{
		minuteBar(rangeStart, 18000, 17990, 17995),
		minuteBar(rangeStart.Add(10*time.Minute), 18012.5, 17998, 18010),
		minuteBar(rangeStart.Add(25*time.Minute), 18005, 17985.25, 17990),
	}

	r, err := Compute(bars, rangeStart, slotTime, testInst)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}

	if r.High != 18012.5 {
		t.Errorf("Expected high 18012.5, got %f", r.High)
	}
	if r.Low != 17985.25 {
		t.Errorf("Expected low 17985.25, got %f", r.Low)
	}
	if r.BreakoutLong != 18012.75 {
		t.Errorf("Expected breakout long 18012.75, got %f", r.BreakoutLong)
	}
	if r.BreakoutShort != 17985.0 {
		t.Errorf("Expected breakout short 17985.0, got %f", r.BreakoutShort)
	}
	if r.BarCount != 3 {
		t.Errorf("Expected 3 bars counted, got %d", r.BarCount)
	}
	if r.FreezeClose != 17990 {
		t.Errorf("Expected freeze close 17990, got %f", r.FreezeClose)
	}
}

// TestComputeWindowBounds verifies the [rangeStart, slotTime) window: a bar
// exactly at slotTime contributes its close as freeze close but not its
// extremes.
func TestComputeWindowBounds(t *testing.T) {
	rangeStart := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	slotTime := rangeStart.Add(30 * time.Minute)

	bars := []market.Bar{
		minuteBar(rangeStart.Add(-time.Minute), 19000, 18999, 18999.5), // before window
		minuteBar(rangeStart, 18000, 17990, 17995),
		minuteBar(slotTime, 18100, 18050, 18080), // at slot: freeze close only
	}

	r, err := Compute(bars, rangeStart, slotTime, testInst)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}

	if r.BarCount != 1 {
		t.Fatalf("Expected only the in-window bar counted, got %d", r.BarCount)
	}
	if r.High != 18000 {
		t.Errorf("Bar at slot time must not extend the range high, got %f", r.High)
	}
	if r.FreezeClose != 18080 {
		t.Errorf("Freeze close should come from the bar at slot time, got %f", r.FreezeClose)
	}
}

func TestComputeNoBars(t *testing.T) {
	rangeStart := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	slotTime := rangeStart.Add(30 * time.Minute)

	_, err := Compute(nil, rangeStart, slotTime, testInst)
	if err != ErrNoBars {
		t.Fatalf("Expected ErrNoBars, got %v", err)
	}
}

// TestComputeOrderIndependent feeds the same bars in two different orders
// and expects identical ranges.
func TestComputeOrderIndependent(t *testing.T) {
	rangeStart := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	slotTime := rangeStart.Add(30 * time.Minute)

	bars := []market.Bar{
		minuteBar(rangeStart, 18000, 17990, 17995),
		minuteBar(rangeStart.Add(5*time.Minute), 18020, 18000, 18015),
		minuteBar(rangeStart.Add(15*time.Minute), 17995, 17980, 17985),
	}
	reversed := []market.Bar{bars[2], bars[1], bars[0]}

	a, err := Compute(bars, rangeStart, slotTime, testInst)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	b, err := Compute(reversed, rangeStart, slotTime, testInst)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}

	if a != b {
		t.Errorf("Range depends on bar order: %+v vs %+v", a, b)
	}
}

// TestDetectBreakoutStrict verifies that a print exactly at the level is a
// touch, not a breakout.
func TestDetectBreakoutStrict(t *testing.T) {
	r := Range{BreakoutLong: 18012.75, BreakoutShort: 17985.0}

	touch := minuteBar(time.Now(), 18012.75, 17985.0, 18000)
	if _, ok := DetectBreakout(r, touch); ok {
		t.Error("Touch at the level must not trigger a breakout")
	}

	long := minuteBar(time.Now(), 18013.0, 18000, 18010)
	dir, ok := DetectBreakout(r, long)
	if !ok || dir != market.Long {
		t.Errorf("Expected long breakout, got dir=%s ok=%v", dir, ok)
	}

	short := minuteBar(time.Now(), 18000, 17984.75, 17990)
	dir, ok = DetectBreakout(r, short)
	if !ok || dir != market.Short {
		t.Errorf("Expected short breakout, got dir=%s ok=%v", dir, ok)
	}
}

// TestDetectBreakoutLongFirst verifies the long side wins when one bar
// crosses both levels.
func TestDetectBreakoutLongFirst(t *testing.T) {
	r := Range{BreakoutLong: 18012.75, BreakoutShort: 17985.0}

	wide := minuteBar(time.Now(), 18020, 17980, 18000)
	dir, ok := DetectBreakout(r, wide)
	if !ok || dir != market.Long {
		t.Errorf("Bar crossing both levels should resolve long, got dir=%s ok=%v", dir, ok)
	}
}

func TestImmediateEntry(t *testing.T) {
	r := Range{BreakoutLong: 18012.75, BreakoutShort: 17985.0}

	r.FreezeClose = 18013.0
	if dir, ok := ImmediateEntry(r); !ok || dir != market.Long {
		t.Errorf("Freeze close above breakout long should be immediate long, got dir=%s ok=%v", dir, ok)
	}

	r.FreezeClose = 17984.0
	if dir, ok := ImmediateEntry(r); !ok || dir != market.Short {
		t.Errorf("Freeze close below breakout short should be immediate short, got dir=%s ok=%v", dir, ok)
	}

	r.FreezeClose = 18012.75
	if _, ok := ImmediateEntry(r); ok {
		t.Error("Freeze close exactly at the level must not be an immediate entry")
	}

	r.FreezeClose = 18000
	if _, ok := ImmediateEntry(r); ok {
		t.Error("Freeze close inside the band must not be an immediate entry")
	}
}
