package incident

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu        sync.Mutex
	incidents []Incident
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Log(ctx context.Context, in Incident) (Incident, error) {
	if err := ctx.Err(); err != nil {
		return Incident{}, storeError("log", err)
	}
	in = prepare(in)
	s.mu.Lock()
	s.incidents = append(s.incidents, in)
	s.mu.Unlock()
	return in, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Incident, 0, len(s.incidents))
	for i := len(s.incidents) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, s.incidents[i])
	}
	return out, nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }
