package clock

import (
	"testing"
	"time"
)

func TestManualClock(t *testing.T) {
	start := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	clk := NewManualClock(start)

	if !clk.Now().Equal(start) {
		t.Errorf("Expected %v, got %v", start, clk.Now())
	}
	clk.Advance(90 * time.Second)
	if !clk.Now().Equal(start.Add(90 * time.Second)) {
		t.Errorf("Advance off: got %v", clk.Now())
	}
	later := start.Add(2 * time.Hour)
	clk.Set(later)
	if !clk.Now().Equal(later) {
		t.Errorf("Set off: got %v", clk.Now())
	}
}

func TestSessionClockAtAcrossDST(t *testing.T) {
	sc, err := NewSessionClock(NewSystemClock(), "America/Chicago")
	if err != nil {
		t.Fatalf("NewSessionClock: %v", err)
	}

	// 2025-03-10 is the first weekday after the US spring-forward; Chicago
	// is UTC-5 there and UTC-6 in January.
	summer, err := sc.At("2025-03-10", "09:00")
	if err != nil {
		t.Fatalf("At: %v", err)
	}
	if want := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC); !summer.Equal(want) {
		t.Errorf("Expected %v, got %v", want, summer)
	}

	winter, err := sc.At("2025-01-10", "09:00")
	if err != nil {
		t.Fatalf("At: %v", err)
	}
	if want := time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC); !winter.Equal(want) {
		t.Errorf("Expected %v, got %v", want, winter)
	}
}

func TestSessionClockLocalDate(t *testing.T) {
	sc, err := NewSessionClock(NewSystemClock(), "America/Chicago")
	if err != nil {
		t.Fatalf("NewSessionClock: %v", err)
	}

	// 03:00 UTC is still the previous evening in Chicago.
	early := time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC)
	if got := sc.LocalDate(early); got != "2025-03-09" {
		t.Errorf("Expected 2025-03-09, got %s", got)
	}
	midday := time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)
	if got := sc.LocalDate(midday); got != "2025-03-10" {
		t.Errorf("Expected 2025-03-10, got %s", got)
	}
}

func TestSessionClockBadZone(t *testing.T) {
	if _, err := NewSessionClock(NewSystemClock(), "Nowhere/Imaginary"); err == nil {
		t.Errorf("Expected error for unknown zone")
	}
}

func TestSessionClockBadTime(t *testing.T) {
	sc, err := NewSessionClock(NewSystemClock(), "America/Chicago")
	if err != nil {
		t.Fatalf("NewSessionClock: %v", err)
	}
	if _, err := sc.At("2025-03-10", "25:99"); err == nil {
		t.Errorf("Expected error for invalid wall time")
	}
}
