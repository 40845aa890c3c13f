package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DedupTTL bounds how long a delivered notification key is remembered.
// The store's unique dedup key covers anything older.
const DedupTTL = 24 * time.Hour

// DedupRegistry lets gateway instances agree on which notification
// deliveries have already been claimed.
type DedupRegistry struct {
	client *Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewDedupRegistry(client *Client, logger *zap.Logger) *DedupRegistry {
	return &DedupRegistry{client: client, ttl: DedupTTL, logger: logger}
}

func (r *DedupRegistry) key(dedupKey string) string {
	return "notify:" + dedupKey
}

// Claim atomically records dedupKey. It returns false when another delivery
// already claimed it.
func (r *DedupRegistry) Claim(ctx context.Context, dedupKey string) (bool, error) {
	ok, err := r.client.rdb.SetNX(ctx, r.key(dedupKey), time.Now().Unix(), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		r.logger.Debug("dedup key already claimed", zap.String("dedup_key", dedupKey))
	}
	return ok, nil
}

// Release forgets a claim whose delivery could not be recorded, so a later
// attempt is not mistaken for a duplicate.
func (r *DedupRegistry) Release(ctx context.Context, dedupKey string) error {
	if err := r.client.rdb.Del(ctx, r.key(dedupKey)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
