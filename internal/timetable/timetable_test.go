package timetable

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"breakout-engine/internal/clock"
	"breakout-engine/internal/logging"
)

const sampleTimetable = `
defaults:
  gap_tolerance_minutes: 3
  arm_grace_seconds: 90
  force_flatten_at_close: true
sessions:
  RTH:
    open: "08:30"
    close: "15:00"
    slots: ["09:00", "10:30", "13:00"]
instruments:
  NQ:
    contract: NQZ5
    tick_size: 0.25
    point_value: 20
  ES:
    contract: ESZ5
    tick_size: 0.25
    point_value: 50
directives:
  - instrument: NQ
    session: RTH
    slot: "10:30"
    range_minutes: 15
    quantity: 2
    target_points: 10
    enabled: true
  - instrument: ES
    session: RTH
    slot: "09:00"
    range_minutes: 30
    quantity: 1
    target_points: 8
    enabled: false
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "timetable.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func sessionClock(t *testing.T) *clock.SessionClock {
	t.Helper()
	sc, err := clock.NewSessionClock(clock.NewSystemClock(), "America/Chicago")
	if err != nil {
		t.Fatalf("NewSessionClock: %v", err)
	}
	return sc
}

func TestLoadAndResolve(t *testing.T) {
	tt, err := Load(writeFile(t, sampleTimetable))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if tt.Defaults.GapToleranceMinutes != 3 || !tt.Defaults.ForceFlattenAtClose {
		t.Errorf("Defaults not parsed: %+v", tt.Defaults)
	}

	sc := sessionClock(t)
	cfgs := tt.Resolve("2025-03-10", sc, logging.Default())
	if len(cfgs) != 1 {
		t.Fatalf("Expected 1 resolved config (one directive disabled), got %d", len(cfgs))
	}

	cfg := cfgs[0]
	if cfg.ID() != "2025-03-10:RTH:10:30:NQ" {
		t.Errorf("Unexpected stream id %q", cfg.ID())
	}
	if cfg.Instrument.Contract != "NQZ5" || cfg.Instrument.PointValue != 20 {
		t.Errorf("Instrument not bound: %+v", cfg.Instrument)
	}

	slot, err := sc.At("2025-03-10", "10:30")
	if err != nil {
		t.Fatalf("At: %v", err)
	}
	if !cfg.SlotTime.Equal(slot) {
		t.Errorf("Expected slot time %v, got %v", slot, cfg.SlotTime)
	}
	if !cfg.RangeStart.Equal(slot.Add(-15 * time.Minute)) {
		t.Errorf("Expected range start 15m before slot, got %v", cfg.RangeStart)
	}
	closeAt, _ := sc.At("2025-03-10", "15:00")
	if !cfg.SessionClose.Equal(closeAt) {
		t.Errorf("Expected session close %v, got %v", closeAt, cfg.SessionClose)
	}
	if cfg.GapToleranceMin != 3 || cfg.ArmGrace != 90*time.Second || !cfg.ForceFlattenAtClose {
		t.Errorf("Defaults not applied to config: %+v", cfg)
	}
}

// TestResolveSkipsInvalidDirectives: a bad directive is skipped with a
// warning, never defaulted, and never takes the others down with it.
func TestResolveSkipsInvalidDirectives(t *testing.T) {
	const bad = `
sessions:
  RTH:
    open: "08:30"
    close: "15:00"
    slots: ["10:30"]
instruments:
  NQ:
    contract: NQZ5
    tick_size: 0.25
    point_value: 20
directives:
  - {instrument: NQ, session: RTH, slot: "10:30", range_minutes: 15, quantity: 1, target_points: 10, enabled: true}
  - {instrument: NQ, session: RTH, slot: "11:45", range_minutes: 15, quantity: 1, target_points: 10, enabled: true}
  - {instrument: NQ, session: OVN, slot: "10:30", range_minutes: 15, quantity: 1, target_points: 10, enabled: true}
  - {instrument: CL, session: RTH, slot: "10:30", range_minutes: 15, quantity: 1, target_points: 10, enabled: true}
  - {instrument: NQ, session: RTH, slot: "10:30", range_minutes: 0, quantity: 1, target_points: 10, enabled: true}
  - {instrument: NQ, session: RTH, slot: "10:30", range_minutes: 15, quantity: 0, target_points: 10, enabled: true}
`
	tt, err := Load(writeFile(t, bad))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	cfgs := tt.Resolve("2025-03-10", sessionClock(t), logging.Default())
	if len(cfgs) != 1 {
		t.Fatalf("Expected only the valid directive to resolve, got %d", len(cfgs))
	}
	if cfgs[0].Slot != "10:30" || cfgs[0].Instrument.Canonical != "NQ" {
		t.Errorf("Wrong directive survived: %+v", cfgs[0])
	}
}

func TestResolveRejectsSlotAtClose(t *testing.T) {
	const atClose = `
sessions:
  RTH:
    open: "08:30"
    close: "15:00"
    slots: ["15:00"]
instruments:
  NQ:
    contract: NQZ5
    tick_size: 0.25
    point_value: 20
directives:
  - {instrument: NQ, session: RTH, slot: "15:00", range_minutes: 15, quantity: 1, target_points: 10, enabled: true}
`
	tt, err := Load(writeFile(t, atClose))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfgs := tt.Resolve("2025-03-10", sessionClock(t), logging.Default()); len(cfgs) != 0 {
		t.Errorf("Expected slot at session close rejected, got %d configs", len(cfgs))
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Errorf("Expected error for missing file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	if _, err := Load(writeFile(t, "sessions: [not a map")); err == nil {
		t.Errorf("Expected error for malformed yaml")
	}
}
