package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dedupKeyPrefix = "ingest:seen:"
	dedupTTL       = 6 * time.Hour
)

// Deduper is an advisory duplicate suppressor backed by redis. Catalog
// idempotency remains the authority; this only saves redundant pipeline runs
// when the same video id is enqueued twice in quick succession. A nil Deduper
// suppresses nothing.
type Deduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDeduper wraps a redis client; returns nil when the client is nil.
func NewDeduper(client *redis.Client) *Deduper {
	if client == nil {
		return nil
	}
	return &Deduper{client: client, ttl: dedupTTL}
}

// Seen marks videoID as in progress and reports whether it was already
// marked within the TTL. Redis failures are returned so the caller can log
// and proceed as unseen.
func (d *Deduper) Seen(ctx context.Context, videoID string) (bool, error) {
	if d == nil || videoID == "" {
		return false, nil
	}
	set, err := d.client.SetNX(ctx, dedupKeyPrefix+videoID, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !set, nil
}

// Forget clears the suppression mark, letting a failed job be retried
// immediately on redelivery.
func (d *Deduper) Forget(ctx context.Context, videoID string) {
	if d == nil || videoID == "" {
		return
	}
	d.client.Del(ctx, dedupKeyPrefix+videoID)
}
