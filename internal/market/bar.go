package market

import (
	"fmt"
	"time"
)

// BarSource identifies where a bar came from. Sources are ranked so that a
// higher-precedence bar always replaces a lower one for the same
// (contract, minute) cell, regardless of arrival order.
type BarSource string

const (
	SourceFile     BarSource = "FILE"     // offline/session files
	SourceBackfill BarSource = "BACKFILL" // on-demand historical requests
	SourceLive     BarSource = "LIVE"     // push delivery from the live feed
)

// Precedence returns the dedup rank of the source. Unknown sources rank
// lowest so a typo can never displace real data.
func (s BarSource) Precedence() int {
	switch s {
	case SourceLive:
		return 3
	case SourceBackfill:
		return 2
	case SourceFile:
		return 1
	default:
		return 0
	}
}

// BarPeriod is the bar interval handled by the engine.
const BarPeriod = time.Minute

// Bar is a single minute bar. Start is the UTC minute bucket (inclusive);
// the bar covers [Start, Start+BarPeriod).
type Bar struct {
	Contract string    `json:"contract"`
	Start    time.Time `json:"start"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	Source   BarSource `json:"source"`
}

// End returns the exclusive end of the bar's interval.
func (b Bar) End() time.Time { return b.Start.Add(BarPeriod) }

// Minute returns the bar's bucket truncated to the minute, in UTC.
func (b Bar) Minute() time.Time { return b.Start.UTC().Truncate(time.Minute) }

// Validate rejects structurally broken bars before they reach the buffer.
func (b Bar) Validate() error {
	if b.Contract == "" {
		return fmt.Errorf("bar has no contract")
	}
	if b.Start.IsZero() {
		return fmt.Errorf("bar %s has zero start time", b.Contract)
	}
	if b.High < b.Low {
		return fmt.Errorf("bar %s %s: high %.4f below low %.4f", b.Contract, b.Start.Format(time.RFC3339), b.High, b.Low)
	}
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return fmt.Errorf("bar %s %s: non-positive price", b.Contract, b.Start.Format(time.RFC3339))
	}
	return nil
}
