// Package dedupe suppresses webhook redeliveries before they reach the
// pipeline. The database unique index on provider message ids stays the
// source of truth; this is the fast path.
package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a provider message id is remembered.
const DefaultTTL = 24 * time.Hour

// Store remembers provider message ids in Redis.
type Store struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{redis: client, ttl: ttl}
}

func (s *Store) key(tenantID, provider, messageID string) string {
	return fmt.Sprintf("inbox:seen:%s:%s:%s", tenantID, provider, messageID)
}

// FirstSeen records the id and reports whether this is its first delivery.
// An empty id is always treated as first seen.
func (s *Store) FirstSeen(ctx context.Context, tenantID, provider, messageID string) (bool, error) {
	if s == nil || s.redis == nil || messageID == "" {
		return true, nil
	}
	ok, err := s.redis.SetNX(ctx, s.key(tenantID, provider, messageID), 1, s.ttl).Result()
	if err != nil {
		return true, fmt.Errorf("dedupe: setnx: %w", err)
	}
	return ok, nil
}

// Forget removes an id so a failed job can be redelivered.
func (s *Store) Forget(ctx context.Context, tenantID, provider, messageID string) error {
	if s == nil || s.redis == nil || messageID == "" {
		return nil
	}
	if err := s.redis.Del(ctx, s.key(tenantID, provider, messageID)).Err(); err != nil {
		return fmt.Errorf("dedupe: del: %w", err)
	}
	return nil
}
