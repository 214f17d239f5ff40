// Package intent builds deterministically identified trade intents. The
// intent id is a pure function of the fields that define the trade, so a
// resubmission of the same opportunity always carries the same id and the
// execution ledger can detect it.
package intent

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"breakout-engine/internal/market"
)

var (
	ErrIncompleteIntent = errors.New("intent is missing required fields")
	ErrInvalidDirection = errors.New("intent direction must be LONG or SHORT")
)

// Intent is one proposed trade: an entry with its protective stop, target
// and break-even trigger, all priced on the instrument's tick grid.
type Intent struct {
	ID           string           `json:"id"`
	TradingDate  string           `json:"trading_date"`
	StreamID     string           `json:"stream_id"`
	Canonical    string           `json:"canonical"`
	Contract     string           `json:"contract"`
	Session      string           `json:"session"`
	SlotTime     string           `json:"slot_time"`
	Direction    market.Direction `json:"direction"`
	EntryPrice   float64          `json:"entry_price"`
	StopPrice    float64          `json:"stop_price"`
	TargetPrice  float64          `json:"target_price"`
	BETrigger    float64          `json:"be_trigger"`
	Quantity     int              `json:"quantity"`
	TickSize     float64          `json:"tick_size"`
	TargetPoints float64          `json:"target_points"`
	RangeSize    float64          `json:"range_size"`

	// PointValue is carried for P&L accounting. It is an instrument
	// constant, not part of the trade's identity, so it stays out of the
	// id fields.
	PointValue float64 `json:"point_value"`
}

// idFields returns the canonical encoding of the 15 identity fields, in a
// fixed order. Changing any field changes the encoding and therefore the id.
func (it *Intent) idFields() []string {
	return []string{
		it.TradingDate,
		it.StreamID,
		it.Canonical,
		it.Contract,
		it.Session,
		it.SlotTime,
		string(it.Direction),
		formatPrice(it.EntryPrice),
		formatPrice(it.StopPrice),
		formatPrice(it.TargetPrice),
		formatPrice(it.BETrigger),
		strconv.Itoa(it.Quantity),
		formatPrice(it.TickSize),
		formatPrice(it.TargetPoints),
		formatPrice(it.RangeSize),
	}
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

// ComputeID hashes the identity fields and stamps the result onto the
// intent. Called by the builder; exposed for recovery paths that rebuild an
// intent from persisted fields and need to verify the stored id.
func (it *Intent) ComputeID() string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(strings.Join(it.idFields(), "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

// Validate checks the intent is complete enough to submit. An incomplete
// intent is treated exactly like a submission failure: it must never reach
// the venue.
func (it *Intent) Validate() error {
	if it.Direction != market.Long && it.Direction != market.Short {
		return ErrInvalidDirection
	}
	if it.TradingDate == "" || it.StreamID == "" || it.Contract == "" {
		return fmt.Errorf("%w: identity fields empty", ErrIncompleteIntent)
	}
	if it.EntryPrice <= 0 || it.StopPrice <= 0 || it.TargetPrice <= 0 || it.BETrigger <= 0 {
		return fmt.Errorf("%w: non-positive price", ErrIncompleteIntent)
	}
	if it.Quantity <= 0 {
		return fmt.Errorf("%w: non-positive quantity", ErrIncompleteIntent)
	}
	if it.ID == "" || it.ID != it.ComputeID() {
		return fmt.Errorf("%w: id does not match fields", ErrIncompleteIntent)
	}
	return nil
}

// BuildParams carries the stream-level inputs to the builder.
type BuildParams struct {
	TradingDate  string
	StreamID     string
	Session      string
	SlotTime     string
	Instrument   market.Instrument
	Quantity     int
	TargetPoints float64
	RangeSize    float64
}

// Build constructs the intent for one side of a breakout. Target sits
// targetPoints beyond entry; the stop offset is the range size capped at
// three targets, so a wide range can never put the stop further away than
// the risk model allows; break-even triggers at 0.65 of the target. All
// derived prices go through the instrument's tick rounding.
func Build(p BuildParams, direction market.Direction, entryPrice float64) (*Intent, error) {
	if direction != market.Long && direction != market.Short {
		return nil, ErrInvalidDirection
	}

	inst := p.Instrument
	stopOffset := p.RangeSize
	if c := 3 * p.TargetPoints; c < stopOffset {
		stopOffset = c
	}

	sign := 1.0
	if direction == market.Short {
		sign = -1.0
	}

	it := &Intent{
		TradingDate:  p.TradingDate,
		StreamID:     p.StreamID,
		Canonical:    inst.Canonical,
		Contract:     inst.Contract,
		Session:      p.Session,
		SlotTime:     p.SlotTime,
		Direction:    direction,
		EntryPrice:   inst.RoundToTick(entryPrice),
		TargetPrice:  inst.RoundToTick(entryPrice + sign*p.TargetPoints),
		StopPrice:    inst.RoundToTick(entryPrice - sign*stopOffset),
		BETrigger:    inst.RoundToTick(entryPrice + sign*0.65*p.TargetPoints),
		Quantity:     p.Quantity,
		TickSize:     inst.TickSize,
		TargetPoints: p.TargetPoints,
		RangeSize:    p.RangeSize,
		PointValue:   inst.PointValue,
	}
	it.ID = it.ComputeID()

	if err := it.Validate(); err != nil {
		return nil, err
	}
	return it, nil
}

// BreakEvenStop returns the stop price after a break-even move: entry plus
// one tick in the trade's favor.
func (it *Intent) BreakEvenStop(inst market.Instrument) float64 {
	if it.Direction == market.Long {
		return inst.RoundToTick(it.EntryPrice + inst.TickSize)
	}
	return inst.RoundToTick(it.EntryPrice - inst.TickSize)
}

// BreakEvenCrossed reports whether a bar's extremes crossed the trigger in
// the trade's favor. Strict crossing, same convention as breakout detection.
func (it *Intent) BreakEvenCrossed(high, low float64) bool {
	if it.Direction == market.Long {
		return high > it.BETrigger
	}
	return low < it.BETrigger
}
