package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"breakout-engine/internal/stream"
)

// StreamStore is the Postgres implementation of stream.RecordStore.
type StreamStore struct {
	db *DB
}

func NewStreamStore(db *DB) *StreamStore {
	return &StreamStore{db: db}
}

// Save upserts the stream journal row.
func (s *StreamStore) Save(ctx context.Context, rec *stream.Record) error {
	query := `
		INSERT INTO stream_journal (
			stream_id, state, committed, commit_reason, entry_detected,
			range_locked, range_high, range_low, freeze_close,
			breakout_long, breakout_short, range_bar_count,
			range_start, slot_time, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (stream_id) DO UPDATE SET
			state = EXCLUDED.state,
			committed = EXCLUDED.committed,
			commit_reason = EXCLUDED.commit_reason,
			entry_detected = EXCLUDED.entry_detected,
			range_locked = EXCLUDED.range_locked,
			range_high = EXCLUDED.range_high,
			range_low = EXCLUDED.range_low,
			freeze_close = EXCLUDED.freeze_close,
			breakout_long = EXCLUDED.breakout_long,
			breakout_short = EXCLUDED.breakout_short,
			range_bar_count = EXCLUDED.range_bar_count,
			range_start = EXCLUDED.range_start,
			slot_time = EXCLUDED.slot_time,
			updated_at = EXCLUDED.updated_at`

	_, err := s.db.Pool.Exec(ctx, query,
		rec.StreamID, string(rec.State), rec.Committed, rec.CommitReason, rec.EntryDetected,
		rec.RangeLocked, rec.Range.High, rec.Range.Low, rec.Range.FreezeClose,
		rec.Range.BreakoutLong, rec.Range.BreakoutShort, rec.Range.BarCount,
		rec.Range.RangeStart, rec.Range.SlotTime, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert stream journal %s: %w", rec.StreamID, err)
	}
	return nil
}

// Load fetches one stream journal row.
func (s *StreamStore) Load(ctx context.Context, streamID string) (*stream.Record, error) {
	query := `
		SELECT stream_id, state, committed, commit_reason, entry_detected,
			range_locked, range_high, range_low, freeze_close,
			breakout_long, breakout_short, range_bar_count,
			range_start, slot_time, updated_at
		FROM stream_journal WHERE stream_id = $1`

	var rec stream.Record
	var state string
	err := s.db.Pool.QueryRow(ctx, query, streamID).Scan(
		&rec.StreamID, &state, &rec.Committed, &rec.CommitReason, &rec.EntryDetected,
		&rec.RangeLocked, &rec.Range.High, &rec.Range.Low, &rec.Range.FreezeClose,
		&rec.Range.BreakoutLong, &rec.Range.BreakoutShort, &rec.Range.BarCount,
		&rec.Range.RangeStart, &rec.Range.SlotTime, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, stream.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load stream journal %s: %w", streamID, err)
	}
	rec.State = stream.State(state)
	return &rec, nil
}

// RangeLogStore is the Postgres implementation of stream.RangeLog: the
// append-only table that is the sole canonical range-recovery source.
type RangeLogStore struct {
	db *DB
}

func NewRangeLogStore(db *DB) *RangeLogStore {
	return &RangeLogStore{db: db}
}

// Append writes one log record. Append-only: nothing here updates or
// deletes.
func (s *RangeLogStore) Append(ctx context.Context, streamID string, rec stream.WalRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal range log record: %w", err)
	}
	query := `INSERT INTO range_log (stream_id, kind, payload) VALUES ($1, $2, $3)`
	if _, err := s.db.Pool.Exec(ctx, query, streamID, string(rec.Kind), payload); err != nil {
		return fmt.Errorf("append range log %s: %w", streamID, err)
	}
	return nil
}

// Replay returns the stream's log records in append order.
func (s *RangeLogStore) Replay(ctx context.Context, streamID string) ([]stream.WalRecord, error) {
	query := `SELECT payload FROM range_log WHERE stream_id = $1 ORDER BY seq`
	rows, err := s.db.Pool.Query(ctx, query, streamID)
	if err != nil {
		return nil, fmt.Errorf("replay range log %s: %w", streamID, err)
	}
	defer rows.Close()

	var out []stream.WalRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan range log row: %w", err)
		}
		var rec stream.WalRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal range log record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
