// Package timetable loads the operator-editable schedule declaring which
// streams should exist for a trading day. The file is polled, so directives
// can be added or disabled intraday without a restart.
package timetable

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"breakout-engine/internal/clock"
	"breakout-engine/internal/market"
	"breakout-engine/internal/stream"
)

// SessionDef declares one trading session in venue-local wall time, with
// the closed set of slot times allowed inside it.
type SessionDef struct {
	Open  string   `yaml:"open"`  // HH:MM
	Close string   `yaml:"close"` // HH:MM
	Slots []string `yaml:"slots"` // allowed slot times, HH:MM
}

// InstrumentDef binds a canonical symbol to its tradable contract.
type InstrumentDef struct {
	Contract   string  `yaml:"contract"`
	TickSize   float64 `yaml:"tick_size"`
	PointValue float64 `yaml:"point_value"`
}

// Directive declares one opportunity per trading day.
type Directive struct {
	Instrument   string  `yaml:"instrument"`
	Session      string  `yaml:"session"`
	Slot         string  `yaml:"slot"`
	RangeMinutes int     `yaml:"range_minutes"`
	Quantity     int     `yaml:"quantity"`
	TargetPoints float64 `yaml:"target_points"`
	Enabled      bool    `yaml:"enabled"`
}

// Defaults apply to every resolved directive.
type Defaults struct {
	GapToleranceMinutes int  `yaml:"gap_tolerance_minutes"`
	ArmGraceSeconds     int  `yaml:"arm_grace_seconds"`
	ForceFlattenAtClose bool `yaml:"force_flatten_at_close"`
}

// Timetable is the parsed schedule file.
type Timetable struct {
	Defaults    Defaults                 `yaml:"defaults"`
	Sessions    map[string]SessionDef    `yaml:"sessions"`
	Instruments map[string]InstrumentDef `yaml:"instruments"`
	Directives  []Directive              `yaml:"directives"`
}

// Load parses the timetable file.
func Load(path string) (*Timetable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read timetable %s: %w", path, err)
	}
	var t Timetable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse timetable %s: %w", path, err)
	}
	return &t, nil
}

// Resolve expands enabled directives into stream configs for the trading
// date. A directive whose slot time is not in its session's allowed set is
// skipped, not defaulted; same for unknown sessions and instruments.
func (t *Timetable) Resolve(date string, sc *clock.SessionClock, logger zerolog.Logger) []stream.Config {
	var out []stream.Config
	for _, d := range t.Directives {
		if !d.Enabled {
			continue
		}
		cfg, err := t.resolveOne(date, d, sc)
		if err != nil {
			logger.Warn().Err(err).Str("instrument", d.Instrument).Str("session", d.Session).
				Str("slot", d.Slot).Msg("directive skipped")
			continue
		}
		out = append(out, cfg)
	}
	return out
}

func (t *Timetable) resolveOne(date string, d Directive, sc *clock.SessionClock) (stream.Config, error) {
	sess, ok := t.Sessions[d.Session]
	if !ok {
		return stream.Config{}, fmt.Errorf("unknown session %q", d.Session)
	}
	if !contains(sess.Slots, d.Slot) {
		return stream.Config{}, fmt.Errorf("slot %q not in allowed set for session %q", d.Slot, d.Session)
	}
	inst, ok := t.Instruments[d.Instrument]
	if !ok {
		return stream.Config{}, fmt.Errorf("unknown instrument %q", d.Instrument)
	}
	if d.RangeMinutes <= 0 {
		return stream.Config{}, fmt.Errorf("non-positive range_minutes %d", d.RangeMinutes)
	}

	slotTime, err := sc.At(date, d.Slot)
	if err != nil {
		return stream.Config{}, err
	}
	sessionClose, err := sc.At(date, sess.Close)
	if err != nil {
		return stream.Config{}, err
	}
	if !slotTime.Before(sessionClose) {
		return stream.Config{}, fmt.Errorf("slot %s at or after session close %s", d.Slot, sess.Close)
	}

	cfg := stream.Config{
		TradingDate: date,
		Session:     d.Session,
		Slot:        d.Slot,
		Instrument: market.Instrument{
			Canonical:  d.Instrument,
			Contract:   inst.Contract,
			TickSize:   inst.TickSize,
			PointValue: inst.PointValue,
		},
		RangeStart:          slotTime.Add(-time.Duration(d.RangeMinutes) * time.Minute),
		SlotTime:            slotTime,
		SessionClose:        sessionClose,
		Quantity:            d.Quantity,
		TargetPoints:        d.TargetPoints,
		GapToleranceMin:     t.Defaults.GapToleranceMinutes,
		ArmGrace:            time.Duration(t.Defaults.ArmGraceSeconds) * time.Second,
		ForceFlattenAtClose: t.Defaults.ForceFlattenAtClose,
	}
	if err := cfg.Validate(); err != nil {
		return stream.Config{}, err
	}
	return cfg, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
