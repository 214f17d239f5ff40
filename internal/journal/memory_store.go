package journal

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and journal-less dry runs.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	incidents []*Incident

	// FailSaves forces SaveEntry to fail, for exercising the fail-closed
	// registration path in tests.
	FailSaves bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) SaveEntry(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSaves {
		return ErrStoreUnavailable
	}
	cp := *e
	s.entries[e.IntentID] = &cp
	return nil
}

func (s *MemoryStore) LoadEntry(ctx context.Context, intentID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[intentID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) LoadStreamEntries(ctx context.Context, streamID string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for _, e := range s.entries {
		if e.StreamID == streamID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveIncident(ctx context.Context, inc *Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inc
	s.incidents = append(s.incidents, &cp)
	return nil
}

func (s *MemoryStore) LoadIncidents(ctx context.Context, limit int) ([]*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Incident, 0, len(s.incidents))
	for i := len(s.incidents) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		cp := *s.incidents[i]
		out = append(out, &cp)
	}
	return out, nil
}
