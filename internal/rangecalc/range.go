// Package rangecalc computes the pre-breakout price range and the derived
// breakout levels. Everything here is a pure function of a bar set; feeding
// the same bars in any order produces the same result.
package rangecalc

import (
	"errors"
	"time"

	"breakout-engine/internal/market"
)

var ErrNoBars = errors.New("no bars in range window")

// Range is the locked price band for one stream.
type Range struct {
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	FreezeClose   float64   `json:"freeze_close"`
	BreakoutLong  float64   `json:"breakout_long"`
	BreakoutShort float64   `json:"breakout_short"`
	BarCount      int       `json:"bar_count"`
	RangeStart    time.Time `json:"range_start"`
	SlotTime      time.Time `json:"slot_time"`
}

// Size returns the high-low width of the range in points.
func (r Range) Size() float64 { return r.High - r.Low }

// Compute derives the range over bars with start time in
// [rangeStart, slotTime). freezeClose is the close of the last bar at or
// before slotTime, which may sit outside the window when the window itself
// is empty of recent bars. Breakout levels are one tick beyond the band,
// snapped to the instrument's tick grid.
func Compute(bars []market.Bar, rangeStart, slotTime time.Time, inst market.Instrument) (Range, error) {
	r := Range{RangeStart: rangeStart, SlotTime: slotTime}

	var lastAtOrBefore market.Bar
	haveLast := false
	for _, b := range bars {
		if !b.Start.After(slotTime) && (!haveLast || b.Start.After(lastAtOrBefore.Start)) {
			lastAtOrBefore = b
			haveLast = true
		}
		if b.Start.Before(rangeStart) || !b.Start.Before(slotTime) {
			continue
		}
		if r.BarCount == 0 || b.High > r.High {
			r.High = b.High
		}
		if r.BarCount == 0 || b.Low < r.Low {
			r.Low = b.Low
		}
		r.BarCount++
	}
	if r.BarCount == 0 {
		return r, ErrNoBars
	}
	if haveLast {
		r.FreezeClose = lastAtOrBefore.Close
	}

	r.BreakoutLong = inst.RoundToTick(r.High + inst.TickSize)
	r.BreakoutShort = inst.RoundToTick(r.Low - inst.TickSize)
	return r, nil
}

// DetectBreakout tests a bar against the locked levels. Detection is strict:
// a print exactly at the level is a touch, not a breakout.
func DetectBreakout(r Range, bar market.Bar) (market.Direction, bool) {
	// Long side first; within a single bar the long extreme is checked
	// before the short one, matching level-trigger order at the venue.
	if bar.High > r.BreakoutLong {
		return market.Long, true
	}
	if bar.Low < r.BreakoutShort {
		return market.Short, true
	}
	return "", false
}

// ImmediateEntry reports whether the freeze close already sits beyond a
// breakout level at lock time. When it does, the stream enters at the level
// immediately instead of resting stop orders.
func ImmediateEntry(r Range) (market.Direction, bool) {
	if r.FreezeClose > r.BreakoutLong {
		return market.Long, true
	}
	if r.FreezeClose < r.BreakoutShort {
		return market.Short, true
	}
	return "", false
}
