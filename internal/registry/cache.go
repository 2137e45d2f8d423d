package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStore wraps a Store with a Redis read-through cache for the
// active SnapshotSet lookup, which sits on the Execution Gate's
// critical path: every replay re-resolves its compiling SnapshotSet,
// so a cold Postgres round trip on every step would be a real latency
// hit. Redis rather than an in-process map because the cache must be
// shared across Execution Gate workers.
type CachedStore struct {
	*Store
	rdb *redis.Client
	ttl time.Duration
}

func NewCachedStore(store *Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedStore{Store: store, rdb: rdb, ttl: ttl}
}

const activeSetCacheKey = "obpoc:registry:active_snapshot_set"

// ActiveSnapshotSet returns the freshest SnapshotSet the cache knows
// about, falling back to the latest frozen set in Postgres on a miss.
// A broken or unreachable Redis degrades to a plain store read, never
// a failure.
func (c *CachedStore) ActiveSnapshotSet(ctx context.Context) (SnapshotSet, error) {
	if c.rdb != nil {
		if raw, err := c.rdb.Get(ctx, activeSetCacheKey).Bytes(); err == nil {
			var set SnapshotSet
			if jsonErr := json.Unmarshal(raw, &set); jsonErr == nil {
				return set, nil
			}
		} else if err != redis.Nil {
			// Treat a broken cache as a miss rather than a hard failure;
			// the store is still the source of truth.
			_ = err
		}
	}

	set, err := c.Store.LatestSet(ctx)
	if err != nil {
		return SnapshotSet{}, fmt.Errorf("registry: refresh active set: %w", err)
	}

	if c.rdb != nil {
		if raw, err := json.Marshal(set); err == nil {
			_ = c.rdb.Set(ctx, activeSetCacheKey, raw, c.ttl).Err()
		}
	}
	return set, nil
}

// Invalidate clears the cached active set, called after a successful
// Publish so the next read observes the new version immediately
// instead of waiting out the TTL.
func (c *CachedStore) Invalidate(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Del(ctx, activeSetCacheKey).Err()
}
