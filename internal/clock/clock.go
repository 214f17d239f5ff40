package clock

import (
	"fmt"
	"sync"
	"time"
)

// Clock supplies the current instant. All engine timestamps are UTC; the
// exchange-calendar projection lives in SessionClock so that session
// boundaries follow the venue's local clock across DST changes.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func NewSystemClock() *SystemClock { return &SystemClock{} }

func (c *SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock is a settable clock for tests and replays.
type ManualClock struct {
	mu  sync.RWMutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SessionClock projects instants onto a named exchange calendar.
type SessionClock struct {
	Clock
	loc *time.Location
}

// NewSessionClock wraps a clock with the venue's time zone, e.g.
// "America/Chicago" for CME futures.
func NewSessionClock(c Clock, zone string) (*SessionClock, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load location %q: %w", zone, err)
	}
	return &SessionClock{Clock: c, loc: loc}, nil
}

// Location returns the venue time zone.
func (s *SessionClock) Location() *time.Location { return s.loc }

// LocalDate returns the venue-local calendar date of the given instant,
// formatted YYYY-MM-DD.
func (s *SessionClock) LocalDate(t time.Time) string {
	return t.In(s.loc).Format("2006-01-02")
}

// At resolves a venue-local date and HH:MM wall time to a UTC instant.
func (s *SessionClock) At(date string, hhmm string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04", date+" "+hhmm, s.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse session time %s %s: %w", date, hhmm, err)
	}
	return t.UTC(), nil
}
