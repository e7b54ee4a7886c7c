package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/oddsync/oddsync/internal/domain"
)

// pendingPrefix namespaces correlation keys inside the Redis keyspace.
const pendingPrefix = "pending:"

// PendingStore implements domain.PendingStore with one Redis key per
// correlation key. Every operation is atomic at the key level, so concurrent
// writers never lose each other's updates.
type PendingStore struct {
	rdb *redis.Client
}

// NewPendingStore creates a PendingStore backed by the given Client.
func NewPendingStore(c *Client) *PendingStore {
	return &PendingStore{rdb: c.Underlying()}
}

func pendingKey(key domain.CorrelationKey) string {
	return pendingPrefix + key.String()
}

// Put stores the bet as a JSON value, overwriting any existing entry.
// Entries carry no TTL: a pending bet stays correlatable until the owner
// answers.
func (s *PendingStore) Put(ctx context.Context, key domain.CorrelationKey, bet domain.PendingBet) error {
	data, err := json.Marshal(bet)
	if err != nil {
		return fmt.Errorf("redis: encode pending %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, pendingKey(key), data, 0).Err(); err != nil {
		return fmt.Errorf("redis: put pending %s: %w", key, err)
	}
	return nil
}

// Get retrieves the bet for key. A value that fails to decode is treated as
// absent; the store is advisory state, not a source of hard failures.
func (s *PendingStore) Get(ctx context.Context, key domain.CorrelationKey) (domain.PendingBet, bool, error) {
	data, err := s.rdb.Get(ctx, pendingKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.PendingBet{}, false, nil
	}
	if err != nil {
		return domain.PendingBet{}, false, fmt.Errorf("redis: get pending %s: %w", key, err)
	}

	var bet domain.PendingBet
	if err := json.Unmarshal(data, &bet); err != nil {
		return domain.PendingBet{}, false, nil
	}
	return bet, true, nil
}

// Remove deletes the entry for key. Removing an absent key is a no-op.
func (s *PendingStore) Remove(ctx context.Context, key domain.CorrelationKey) error {
	if err := s.rdb.Del(ctx, pendingKey(key)).Err(); err != nil {
		return fmt.Errorf("redis: remove pending %s: %w", key, err)
	}
	return nil
}

// ListAll scans the pending keyspace and returns every decodable entry.
// Undecodable values are skipped, matching Get's corruption handling.
func (s *PendingStore) ListAll(ctx context.Context) (map[domain.CorrelationKey]domain.PendingBet, error) {
	out := make(map[domain.CorrelationKey]domain.PendingBet)

	iter := s.rdb.Scan(ctx, 0, pendingPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		data, err := s.rdb.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis: list pending: %w", err)
		}

		var bet domain.PendingBet
		if err := json.Unmarshal(data, &bet); err != nil {
			continue
		}
		out[domain.CorrelationKey(full[len(pendingPrefix):])] = bet
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: scan pending: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.PendingStore = (*PendingStore)(nil)
