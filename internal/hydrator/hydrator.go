// Package hydrator maintains the deduplicated minute-bar buffer for one
// contract. Bars arrive from live push, on-demand backfill, and offline
// files in any order; the buffer keeps exactly one bar per minute, chosen
// by source precedence, so range math downstream is order-independent.
package hydrator

import (
	"sort"
	"sync"
	"time"

	"breakout-engine/internal/clock"
	"breakout-engine/internal/market"
)

// IngestStatus classifies the outcome of offering a bar to the buffer.
type IngestStatus string

const (
	StatusAccepted IngestStatus = "ACCEPTED" // new (contract, minute) cell
	StatusReplaced IngestStatus = "REPLACED" // displaced a lower-precedence bar
	StatusRejected IngestStatus = "REJECTED"
)

// Rejection reasons.
const (
	ReasonInvalid         = "invalid_bar"
	ReasonWrongContract   = "wrong_contract"
	ReasonFuture          = "future_bar"
	ReasonTooFresh        = "younger_than_min_age"
	ReasonDuplicate       = "duplicate_same_precedence"
	ReasonLowerPrecedence = "lower_precedence"
)

// IngestResult reports what the buffer did with an offered bar.
type IngestResult struct {
	Status IngestStatus
	Reason string
	// Evicted holds the bar that was displaced when Status is REPLACED.
	Evicted market.Bar
}

// DefaultMinAge is how old a non-live bar must be before it is trusted as
// closed. Live bars are delivered on close and bypass the check.
const DefaultMinAge = 60 * time.Second

// Hydrator is the per-contract bar buffer. Safe for concurrent use.
type Hydrator struct {
	mu       sync.RWMutex
	contract string
	clk      clock.Clock
	minAge   time.Duration
	bars     map[int64]market.Bar // unix minute -> bar
}

// New creates an empty buffer for the given contract. minAge <= 0 selects
// DefaultMinAge.
func New(contract string, clk clock.Clock, minAge time.Duration) *Hydrator {
	if minAge <= 0 {
		minAge = DefaultMinAge
	}
	return &Hydrator{
		contract: contract,
		clk:      clk,
		minAge:   minAge,
		bars:     make(map[int64]market.Bar),
	}
}

// Contract returns the contract this buffer is keyed to.
func (h *Hydrator) Contract() string { return h.contract }

// Ingest offers a bar to the buffer. Duplicate minutes are resolved purely
// by source precedence: live > backfill > file, and on equal precedence the
// bar already held wins. Arrival order never matters.
func (h *Hydrator) Ingest(bar market.Bar) IngestResult {
	if err := bar.Validate(); err != nil {
		return IngestResult{Status: StatusRejected, Reason: ReasonInvalid}
	}
	if bar.Contract != h.contract {
		return IngestResult{Status: StatusRejected, Reason: ReasonWrongContract}
	}

	now := h.clk.Now()
	minute := bar.Minute()
	if minute.After(now) {
		return IngestResult{Status: StatusRejected, Reason: ReasonFuture}
	}
	// Historical sources can hand back a bar for the minute still in
	// progress; only the live feed delivers bars that are known closed.
	if bar.Source != market.SourceLive && now.Sub(minute) < h.minAge {
		return IngestResult{Status: StatusRejected, Reason: ReasonTooFresh}
	}

	key := minute.Unix()

	h.mu.Lock()
	defer h.mu.Unlock()

	existing, ok := h.bars[key]
	if !ok {
		h.bars[key] = normalize(bar, minute)
		return IngestResult{Status: StatusAccepted}
	}
	switch {
	case bar.Source.Precedence() > existing.Source.Precedence():
		h.bars[key] = normalize(bar, minute)
		return IngestResult{Status: StatusReplaced, Evicted: existing}
	case bar.Source.Precedence() == existing.Source.Precedence():
		return IngestResult{Status: StatusRejected, Reason: ReasonDuplicate}
	default:
		return IngestResult{Status: StatusRejected, Reason: ReasonLowerPrecedence}
	}
}

func normalize(bar market.Bar, minute time.Time) market.Bar {
	bar.Start = minute
	return bar
}

// BarAt returns the bar for a minute, if loaded.
func (h *Hydrator) BarAt(minute time.Time) (market.Bar, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.bars[minute.UTC().Truncate(time.Minute).Unix()]
	return b, ok
}

// Snapshot returns the bars with Start in [from, to), ordered by Start.
func (h *Hydrator) Snapshot(from, to time.Time) []market.Bar {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]market.Bar, 0, len(h.bars))
	for _, b := range h.bars {
		if !b.Start.Before(from) && b.Start.Before(to) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// LastAtOrBefore returns the newest bar whose Start is <= t.
func (h *Hydrator) LastAtOrBefore(t time.Time) (market.Bar, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var best market.Bar
	found := false
	for _, b := range h.bars {
		if b.Start.After(t) {
			continue
		}
		if !found || b.Start.After(best.Start) {
			best = b
			found = true
		}
	}
	return best, found
}

// Count returns the number of loaded bars.
func (h *Hydrator) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bars)
}

// Completeness reports loaded/expected minutes over [from, to).
func (h *Hydrator) Completeness(from, to time.Time) float64 {
	expected := expectedMinutes(from, to)
	if expected == 0 {
		return 0
	}
	return float64(expected-h.GapMinutes(from, to)) / float64(expected)
}

// GapMinutes counts the minutes in [from, to) with no bar loaded.
func (h *Hydrator) GapMinutes(from, to time.Time) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	gaps := 0
	for m := from.UTC().Truncate(time.Minute); m.Before(to); m = m.Add(time.Minute) {
		if _, ok := h.bars[m.Unix()]; !ok {
			gaps++
		}
	}
	return gaps
}

func expectedMinutes(from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	return int(to.Sub(from) / time.Minute)
}
