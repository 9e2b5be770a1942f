package registry

import (
	"context"
	"sync"

	"github.com/eventbridge-systems/eventbridge/internal/models"
)

// MemoryStore keeps subscriptions in process memory. Used for single-node
// deployments and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]models.Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]models.Subscription)}
}

func (s *MemoryStore) Create(_ context.Context, sub *models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[sub.ID]; exists {
		return ErrSubscriptionExists
	}
	s.subs[sub.ID] = *sub
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		sub := sub
		out = append(out, &sub)
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(s.subs, id)
	return nil
}

func (s *MemoryStore) SetActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.Active = active
	s.subs[id] = sub
	return nil
}

func (s *MemoryStore) UpdateRetryPolicy(_ context.Context, id string, policy models.RetryPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.RetryPolicy = policy
	s.subs[id] = sub
	return nil
}

func (s *MemoryStore) Close() {}
