package market

import (
	"fmt"
	"math"
)

// Direction is the side of a breakout trade.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Instrument binds a canonical symbol to the tradable contract and its
// price geometry. Canonical identifies the opportunity ("NQ"); Contract is
// what orders are actually routed to ("NQZ5").
type Instrument struct {
	Canonical  string  `json:"canonical"`
	Contract   string  `json:"contract"`
	TickSize   float64 `json:"tick_size"`
	PointValue float64 `json:"point_value"`
}

// RoundToTick snaps a price to the instrument's tick grid, rounding half
// away from zero. Every derived price in the engine goes through this so
// that two components computing the same level can never disagree.
func (i Instrument) RoundToTick(price float64) float64 {
	if i.TickSize <= 0 {
		return price
	}
	return math.Round(price/i.TickSize) * i.TickSize
}

// Validate checks the instrument is usable for order placement.
func (i Instrument) Validate() error {
	if i.Canonical == "" {
		return fmt.Errorf("instrument has no canonical symbol")
	}
	if i.Contract == "" {
		return fmt.Errorf("instrument %s has no tradable contract", i.Canonical)
	}
	if i.TickSize <= 0 {
		return fmt.Errorf("instrument %s: tick size must be positive, got %v", i.Canonical, i.TickSize)
	}
	if i.PointValue <= 0 {
		return fmt.Errorf("instrument %s: point value must be positive, got %v", i.Canonical, i.PointValue)
	}
	return nil
}
