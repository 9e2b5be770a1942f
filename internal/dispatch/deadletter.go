package dispatch

import (
	"context"
	"sync"

	"github.com/eventbridge-systems/eventbridge/internal/models"
)

// DeadLetterStore retains deliveries that exhausted their retry budget until
// they are inspected, replayed, or purged.
type DeadLetterStore interface {
	Write(ctx context.Context, dl models.DeadLetter) error
	List(ctx context.Context, limit int) ([]models.DeadLetter, error)
	// Drain returns all retained dead letters and removes them, so a replay
	// cannot double-deliver from a stale listing.
	Drain(ctx context.Context) ([]models.DeadLetter, error)
	Purge(ctx context.Context) error
	Close() error
}

// MemoryDeadLetterStore keeps dead letters in process memory.
type MemoryDeadLetterStore struct {
	mu      sync.Mutex
	entries []models.DeadLetter
}

func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{}
}

func (s *MemoryDeadLetterStore) Write(_ context.Context, dl models.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, dl)
	return nil
}

func (s *MemoryDeadLetterStore) List(_ context.Context, limit int) ([]models.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.entries) {
		limit = len(s.entries)
	}
	out := make([]models.DeadLetter, limit)
	copy(out, s.entries[:limit])
	return out, nil
}

func (s *MemoryDeadLetterStore) Drain(_ context.Context) ([]models.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.entries
	s.entries = nil
	return out, nil
}

func (s *MemoryDeadLetterStore) Purge(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return nil
}

func (s *MemoryDeadLetterStore) Close() error { return nil }
