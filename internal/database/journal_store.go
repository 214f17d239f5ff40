package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"breakout-engine/internal/journal"
	"breakout-engine/internal/market"
)

// JournalStore is the Postgres implementation of journal.Store.
type JournalStore struct {
	db *DB
}

func NewJournalStore(db *DB) *JournalStore {
	return &JournalStore{db: db}
}

// SaveEntry upserts the ledger row for an intent.
func (s *JournalStore) SaveEntry(ctx context.Context, e *journal.Entry) error {
	query := `
		INSERT INTO execution_journal (
			intent_id, stream_id, contract, direction,
			entry_price, stop_price, target_price, quantity, point_value,
			submitted, submitted_at, rejected, rejected_at, reject_note,
			entry_filled_qty, avg_entry_price, first_fill_at,
			exit_filled_qty, avg_exit_price, closed_at,
			break_even_done, realized_pnl, pnl_final,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25
		)
		ON CONFLICT (intent_id) DO UPDATE SET
			submitted = EXCLUDED.submitted,
			submitted_at = EXCLUDED.submitted_at,
			rejected = EXCLUDED.rejected,
			rejected_at = EXCLUDED.rejected_at,
			reject_note = EXCLUDED.reject_note,
			entry_filled_qty = EXCLUDED.entry_filled_qty,
			avg_entry_price = EXCLUDED.avg_entry_price,
			first_fill_at = EXCLUDED.first_fill_at,
			exit_filled_qty = EXCLUDED.exit_filled_qty,
			avg_exit_price = EXCLUDED.avg_exit_price,
			closed_at = EXCLUDED.closed_at,
			break_even_done = EXCLUDED.break_even_done,
			realized_pnl = EXCLUDED.realized_pnl,
			pnl_final = EXCLUDED.pnl_final,
			updated_at = EXCLUDED.updated_at`

	_, err := s.db.Pool.Exec(ctx, query,
		e.IntentID, e.StreamID, e.Contract, string(e.Direction),
		e.EntryPrice, e.StopPrice, e.TargetPrice, e.Quantity, e.PointValue,
		e.Submitted, e.SubmittedAt, e.Rejected, e.RejectedAt, e.RejectNote,
		e.EntryFilledQty, e.AvgEntryPrice, e.FirstFillAt,
		e.ExitFilledQty, e.AvgExitPrice, e.ClosedAt,
		e.BreakEvenDone, e.RealizedPnl, e.PnlFinal,
		e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert execution journal entry: %w", err)
	}
	return nil
}

const entryColumns = `
	intent_id, stream_id, contract, direction,
	entry_price, stop_price, target_price, quantity, point_value,
	submitted, submitted_at, rejected, rejected_at, reject_note,
	entry_filled_qty, avg_entry_price, first_fill_at,
	exit_filled_qty, avg_exit_price, closed_at,
	break_even_done, realized_pnl, pnl_final,
	created_at, updated_at`

func scanEntry(row pgx.Row) (*journal.Entry, error) {
	var e journal.Entry
	var direction string
	err := row.Scan(
		&e.IntentID, &e.StreamID, &e.Contract, &direction,
		&e.EntryPrice, &e.StopPrice, &e.TargetPrice, &e.Quantity, &e.PointValue,
		&e.Submitted, &e.SubmittedAt, &e.Rejected, &e.RejectedAt, &e.RejectNote,
		&e.EntryFilledQty, &e.AvgEntryPrice, &e.FirstFillAt,
		&e.ExitFilledQty, &e.AvgExitPrice, &e.ClosedAt,
		&e.BreakEvenDone, &e.RealizedPnl, &e.PnlFinal,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Direction = market.Direction(direction)
	return &e, nil
}

// LoadEntry fetches one ledger row by intent id.
func (s *JournalStore) LoadEntry(ctx context.Context, intentID string) (*journal.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM execution_journal WHERE intent_id = $1`
	e, err := scanEntry(s.db.Pool.QueryRow(ctx, query, intentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, journal.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load execution journal entry %s: %w", intentID, err)
	}
	return e, nil
}

// LoadStreamEntries fetches every ledger row for a stream.
func (s *JournalStore) LoadStreamEntries(ctx context.Context, streamID string) ([]*journal.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM execution_journal WHERE stream_id = $1 ORDER BY created_at`
	rows, err := s.db.Pool.Query(ctx, query, streamID)
	if err != nil {
		return nil, fmt.Errorf("load stream entries %s: %w", streamID, err)
	}
	defer rows.Close()

	var out []*journal.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveIncident inserts one incident row. Incident ids are ULIDs, so a
// replayed insert conflicts and is dropped, keeping one row per trigger.
func (s *JournalStore) SaveIncident(ctx context.Context, inc *journal.Incident) error {
	query := `
		INSERT INTO incidents (id, stream_id, intent_id, kind, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`
	_, err := s.db.Pool.Exec(ctx, query,
		inc.ID, inc.StreamID, inc.IntentID, inc.Kind, inc.Message, inc.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

// LoadIncidents returns the newest incidents first.
func (s *JournalStore) LoadIncidents(ctx context.Context, limit int) ([]*journal.Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, stream_id, intent_id, kind, message, created_at
		FROM incidents ORDER BY created_at DESC LIMIT $1`
	rows, err := s.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("load incidents: %w", err)
	}
	defer rows.Close()

	var out []*journal.Incident
	for rows.Next() {
		var inc journal.Incident
		if err := rows.Scan(&inc.ID, &inc.StreamID, &inc.IntentID, &inc.Kind, &inc.Message, &inc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, &inc)
	}
	return out, rows.Err()
}
