// Package memory provides an in-memory PendingStore. It backs tests and the
// supervisor's read-through mirror of the durable store.
package memory

import (
	"context"
	"sync"

	"github.com/oddsync/oddsync/internal/domain"
)

// PendingStore is a map-backed domain.PendingStore. Safe for concurrent use.
type PendingStore struct {
	mu   sync.RWMutex
	bets map[domain.CorrelationKey]domain.PendingBet
}

// NewPendingStore creates an empty in-memory store.
func NewPendingStore() *PendingStore {
	return &PendingStore{bets: make(map[domain.CorrelationKey]domain.PendingBet)}
}

// Put stores the bet, overwriting any existing entry under the same key.
func (s *PendingStore) Put(ctx context.Context, key domain.CorrelationKey, bet domain.PendingBet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bets[key] = bet
	return nil
}

// Get retrieves the bet for key. The second return value reports presence.
func (s *PendingStore) Get(ctx context.Context, key domain.CorrelationKey) (domain.PendingBet, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bet, ok := s.bets[key]
	return bet, ok, nil
}

// Remove deletes the entry for key. Removing an absent key is a no-op.
func (s *PendingStore) Remove(ctx context.Context, key domain.CorrelationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bets, key)
	return nil
}

// ListAll returns a copy of every stored entry.
func (s *PendingStore) ListAll(ctx context.Context) (map[domain.CorrelationKey]domain.PendingBet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.CorrelationKey]domain.PendingBet, len(s.bets))
	for k, v := range s.bets {
		out[k] = v
	}
	return out, nil
}

// Len reports the number of stored entries.
func (s *PendingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bets)
}

// Compile-time interface check.
var _ domain.PendingStore = (*PendingStore)(nil)
