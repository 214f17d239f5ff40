// Package journal is the execution ledger: the durable, restart-surviving
// record of what has been submitted, filled and rejected per intent. Both
// order idempotency and stream recovery read from here, so every write goes
// to the store before the in-memory cache is updated.
package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"breakout-engine/internal/market"
)

var (
	ErrEntryNotFound    = errors.New("journal entry not found")
	ErrStoreUnavailable = errors.New("journal store unavailable")
	ErrTradeNotClosed   = errors.New("realized pnl undefined until exit quantity equals entry quantity")
)

// Entry is the per-intent ledger row. Fill quantities are cumulative as
// reported by the venue; the ledger never sums deltas itself.
type Entry struct {
	IntentID    string           `json:"intent_id"`
	StreamID    string           `json:"stream_id"`
	Contract    string           `json:"contract"`
	Direction   market.Direction `json:"direction"`
	EntryPrice  float64          `json:"entry_price"`
	StopPrice   float64          `json:"stop_price"`
	TargetPrice float64          `json:"target_price"`
	Quantity    int              `json:"quantity"`
	PointValue  float64          `json:"point_value"`

	Submitted   bool       `json:"submitted"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	Rejected    bool       `json:"rejected"`
	RejectedAt  *time.Time `json:"rejected_at,omitempty"`
	RejectNote  string     `json:"reject_note,omitempty"`

	EntryFilledQty int        `json:"entry_filled_qty"` // cumulative
	AvgEntryPrice  float64    `json:"avg_entry_price"`
	FirstFillAt    *time.Time `json:"first_fill_at,omitempty"`
	ExitFilledQty  int        `json:"exit_filled_qty"` // cumulative
	AvgExitPrice   float64    `json:"avg_exit_price"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`

	BreakEvenDone bool    `json:"break_even_done"`
	RealizedPnl   float64 `json:"realized_pnl"`
	PnlFinal      bool    `json:"pnl_final"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OpenQuantity is the live exposure on this intent.
func (e *Entry) OpenQuantity() int { return e.EntryFilledQty - e.ExitFilledQty }

// Incident kinds. One incident row is persisted per fail-closed trigger.
const (
	IncidentUnprotectedFill     = "unprotected_fill"
	IncidentProtectiveExhausted = "protective_exhausted"
	IncidentProtectiveRejected  = "protective_rejected"
	IncidentUnknownFill         = "unknown_fill"
	IncidentFlattenFailed       = "flatten_failed"
	IncidentRegistrationFailed  = "registration_failed"
)

// Incident records a fail-closed trigger for audit and alerting.
type Incident struct {
	ID        string    `json:"id"` // ULID
	StreamID  string    `json:"stream_id"`
	IntentID  string    `json:"intent_id,omitempty"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists ledger rows and incidents. Implemented by the Postgres
// store and by MemoryStore for tests and dry runs.
type Store interface {
	SaveEntry(ctx context.Context, e *Entry) error
	LoadEntry(ctx context.Context, intentID string) (*Entry, error)
	LoadStreamEntries(ctx context.Context, streamID string) ([]*Entry, error)
	SaveIncident(ctx context.Context, inc *Incident) error
	LoadIncidents(ctx context.Context, limit int) ([]*Incident, error)
}

// Journal is the execution ledger service.
type Journal struct {
	mu     sync.RWMutex
	store  Store
	cache  map[string]*Entry
	logger zerolog.Logger
}

// New creates a journal backed by the given store.
func New(store Store, logger zerolog.Logger) *Journal {
	return &Journal{
		store:  store,
		cache:  make(map[string]*Entry),
		logger: logger.With().Str("component", "ExecutionJournal").Logger(),
	}
}

// RecordIntent registers an intent in the ledger before any order can
// reference it. Idempotent: recording an id that already exists returns the
// existing row untouched.
func (j *Journal) RecordIntent(ctx context.Context, e *Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if existing, ok := j.cache[e.IntentID]; ok {
		j.logger.Debug().Str("intent_id", existing.IntentID).Msg("intent already registered")
		return nil
	}

	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	if err := j.store.SaveEntry(ctx, e); err != nil {
		return fmt.Errorf("persist intent %s: %w", e.IntentID, err)
	}
	j.cache[e.IntentID] = e
	return nil
}

// RecordSubmission marks the intent submitted. Idempotent.
func (j *Journal) RecordSubmission(ctx context.Context, intentID string) error {
	return j.update(ctx, intentID, func(e *Entry) {
		if e.Submitted {
			return
		}
		now := time.Now().UTC()
		e.Submitted = true
		e.SubmittedAt = &now
	})
}

// RecordEntryFill applies an entry fill. cumulative is the venue-reported
// total filled quantity, which is authoritative; delta is carried for
// logging only.
func (j *Journal) RecordEntryFill(ctx context.Context, intentID string, delta, cumulative int, avgPrice float64) error {
	return j.update(ctx, intentID, func(e *Entry) {
		if cumulative < e.EntryFilledQty {
			j.logger.Warn().Str("intent_id", intentID).
				Int("reported", cumulative).Int("recorded", e.EntryFilledQty).
				Msg("venue cumulative below recorded, keeping recorded")
			return
		}
		if e.FirstFillAt == nil {
			now := time.Now().UTC()
			e.FirstFillAt = &now
		}
		e.EntryFilledQty = cumulative
		if avgPrice > 0 {
			e.AvgEntryPrice = avgPrice
		}
		j.logger.Info().Str("intent_id", intentID).
			Int("delta", delta).Int("cumulative", cumulative).
			Msg("entry fill recorded")
	})
}

// RecordExitFill applies a stop/target/flatten fill on the exit side.
func (j *Journal) RecordExitFill(ctx context.Context, intentID string, delta, cumulative int, avgPrice float64) error {
	return j.update(ctx, intentID, func(e *Entry) {
		if cumulative < e.ExitFilledQty {
			return
		}
		e.ExitFilledQty = cumulative
		if avgPrice > 0 {
			e.AvgExitPrice = avgPrice
		}
		if e.EntryFilledQty > 0 && e.ExitFilledQty >= e.EntryFilledQty {
			now := time.Now().UTC()
			e.ClosedAt = &now
			e.RealizedPnl = realized(e)
			e.PnlFinal = true
		}
		j.logger.Info().Str("intent_id", intentID).
			Int("delta", delta).Int("cumulative", cumulative).Bool("closed", e.PnlFinal).
			Msg("exit fill recorded")
	})
}

// RecordRejection marks the intent rejected by the venue.
func (j *Journal) RecordRejection(ctx context.Context, intentID, note string) error {
	return j.update(ctx, intentID, func(e *Entry) {
		now := time.Now().UTC()
		e.Rejected = true
		e.RejectedAt = &now
		e.RejectNote = note
	})
}

// MarkBreakEven latches the break-even-done flag. Write-once.
func (j *Journal) MarkBreakEven(ctx context.Context, intentID string) error {
	return j.update(ctx, intentID, func(e *Entry) {
		e.BreakEvenDone = true
	})
}

// IsSubmitted reports whether this intent id was ever submitted. This is
// the idempotency check the coordinator runs before every submission.
func (j *Journal) IsSubmitted(ctx context.Context, intentID string) (bool, error) {
	e, err := j.Get(ctx, intentID)
	if errors.Is(err, ErrEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.Submitted, nil
}

// Get returns a copy of the ledger row, loading from the store on a cache
// miss so restart recovery sees persisted rows.
func (j *Journal) Get(ctx context.Context, intentID string) (*Entry, error) {
	j.mu.RLock()
	e, ok := j.cache[intentID]
	j.mu.RUnlock()
	if ok {
		cp := *e
		return &cp, nil
	}

	e, err := j.store.LoadEntry(ctx, intentID)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	j.cache[intentID] = e
	j.mu.Unlock()
	cp := *e
	return &cp, nil
}

// CumulativeEntryQty returns the current cumulative entry fill for sizing
// protective orders. Zero if the intent is unknown.
func (j *Journal) CumulativeEntryQty(ctx context.Context, intentID string) int {
	e, err := j.Get(ctx, intentID)
	if err != nil {
		return 0
	}
	return e.EntryFilledQty
}

// RealizedPnl returns the realized P&L for a completed trade. Returns
// ErrTradeNotClosed while exit quantity lags entry quantity.
func (j *Journal) RealizedPnl(ctx context.Context, intentID string) (float64, error) {
	e, err := j.Get(ctx, intentID)
	if err != nil {
		return 0, err
	}
	if !e.PnlFinal {
		return 0, ErrTradeNotClosed
	}
	return e.RealizedPnl, nil
}

// RaiseIncident persists one incident row.
func (j *Journal) RaiseIncident(ctx context.Context, inc *Incident) error {
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = time.Now().UTC()
	}
	if err := j.store.SaveIncident(ctx, inc); err != nil {
		return fmt.Errorf("persist incident %s: %w", inc.Kind, err)
	}
	j.logger.Error().Str("incident_id", inc.ID).Str("stream_id", inc.StreamID).
		Str("kind", inc.Kind).Str("message", inc.Message).
		Msg("incident recorded")
	return nil
}

// Incidents returns the most recent incidents, newest first.
func (j *Journal) Incidents(ctx context.Context, limit int) ([]*Incident, error) {
	return j.store.LoadIncidents(ctx, limit)
}

// StreamEntries returns the ledger rows for one stream.
func (j *Journal) StreamEntries(ctx context.Context, streamID string) ([]*Entry, error) {
	return j.store.LoadStreamEntries(ctx, streamID)
}

func (j *Journal) update(ctx context.Context, intentID string, mutate func(*Entry)) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	e, ok := j.cache[intentID]
	if !ok {
		loaded, err := j.store.LoadEntry(ctx, intentID)
		if err != nil {
			return err
		}
		e = loaded
		j.cache[intentID] = e
	}

	mutate(e)
	e.UpdatedAt = time.Now().UTC()
	if err := j.store.SaveEntry(ctx, e); err != nil {
		return fmt.Errorf("persist journal entry %s: %w", intentID, err)
	}
	return nil
}

func realized(e *Entry) float64 {
	sign := 1.0
	if e.Direction == market.Short {
		sign = -1.0
	}
	return sign * (e.AvgExitPrice - e.AvgEntryPrice) * float64(e.EntryFilledQty) * e.PointValue
}
