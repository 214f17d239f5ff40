package stream

import (
	"context"
	"sync"
)

// MemoryRecordStore is an in-memory RecordStore for tests and dry runs.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]*Record)}
}

func (s *MemoryRecordStore) Load(ctx context.Context, streamID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[streamID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryRecordStore) Save(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.StreamID] = &cp
	return nil
}

// MemoryRangeLog is an in-memory RangeLog for tests and dry runs.
type MemoryRangeLog struct {
	mu   sync.RWMutex
	logs map[string][]WalRecord

	// FailReplay forces Replay to fail, for exercising the suspension
	// path in tests.
	FailReplay bool
}

func NewMemoryRangeLog() *MemoryRangeLog {
	return &MemoryRangeLog{logs: make(map[string][]WalRecord)}
}

func (l *MemoryRangeLog) Append(ctx context.Context, streamID string, rec WalRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs[streamID] = append(l.logs[streamID], rec)
	return nil
}

func (l *MemoryRangeLog) Replay(ctx context.Context, streamID string) ([]WalRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.FailReplay {
		return nil, ErrRecordNotFound
	}
	out := make([]WalRecord, len(l.logs[streamID]))
	copy(out, l.logs[streamID])
	return out, nil
}
