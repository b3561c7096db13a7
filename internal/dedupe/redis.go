// Package dedupe implements SubmissionGuard: an ambient, cross-restart
// cache of in-flight submissions, backed by Redis exactly the way the
// teacher's RedisIdempotencyStore uses SET NX PX for its idempotency
// locks. This guards against double-submission across a keeper restart;
// it is NOT the position/order index itself, which stays purely
// in-memory per spec §1's Non-goals.
package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SubmissionGuard reports whether a transaction submission for a given
// key (market + account + action) is already in flight, so a keeper
// crash-restart mid-tick doesn't double-submit before the chain state
// catches up.
type SubmissionGuard struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewSubmissionGuard wires a SubmissionGuard against a Redis instance.
func NewSubmissionGuard(client *redis.Client, ttl time.Duration) *SubmissionGuard {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &SubmissionGuard{client: client, ttl: ttl, prefix: "keeper:submission:"}
}

// TryAcquire sets a short-lived lock for key, returning true if this
// caller won the race (no other in-flight submission for the same
// market/account/action), following the teacher's SET NX PX pattern.
func (g *SubmissionGuard) TryAcquire(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+key, "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe: acquire %s: %w", key, err)
	}
	return ok, nil
}

// Release removes the lock early, once a submission's outcome (success or
// permanent failure) is known.
func (g *SubmissionGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.prefix+key).Err(); err != nil {
		return fmt.Errorf("dedupe: release %s: %w", key, err)
	}
	return nil
}

// SubmissionKey builds the guard key for one action against one account
// on one market.
func SubmissionKey(market, account, action string) string {
	return fmt.Sprintf("%s:%s:%s", market, account, action)
}
