package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/softadastra/chatcore/internal/protocol"
)

// MemoryStore keeps envelopes in process memory. Same contract as the
// SQLite provider minus durability.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*protocol.Envelope
	gen  *idGenerator
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[string]*protocol.Envelope),
		gen:  newIDGenerator(),
	}
}

func (s *MemoryStore) Append(_ context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	out := normalized(env, s.gen, time.Now)

	s.mu.Lock()
	s.rows[out.ID] = out
	s.mu.Unlock()
	return out, nil
}

func (s *MemoryStore) ListByRoom(_ context.Context, room string, limit int, beforeID string) ([]*protocol.Envelope, error) {
	if limit <= 0 {
		return []*protocol.Envelope{}, nil
	}

	s.mu.RLock()
	matched := make([]*protocol.Envelope, 0)
	for _, env := range s.rows {
		if env.Room != room {
			continue
		}
		if beforeID != "" && env.ID >= beforeID {
			continue
		}
		matched = append(matched, env)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) ReplayFrom(_ context.Context, startID string, limit int) ([]*protocol.Envelope, error) {
	if limit <= 0 {
		return []*protocol.Envelope{}, nil
	}

	s.mu.RLock()
	matched := make([]*protocol.Envelope, 0)
	for _, env := range s.rows {
		if env.ID > startID {
			matched = append(matched, env)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) Close() error { return nil }
