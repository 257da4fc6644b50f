package stats

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRecorder counts claim outcomes per tenant in Redis for the operations
// dashboard. Totals are cumulative; minute buckets expire after ttl. A nil
// recorder or nil client is a no-op, so the engine runs fine without Redis.
type RedisRecorder struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRecorder creates a recorder over the given client.
func NewRedisRecorder(rdb *redis.Client) *RedisRecorder {
	return &RedisRecorder{
		rdb:    rdb,
		prefix: "claims:stats",
		ttl:    24 * time.Hour,
	}
}

// RecordClaim increments the outcome counters. Errors are logged, never
// propagated: stats must not gate reservations.
func (r *RedisRecorder) RecordClaim(ctx context.Context, tenantID, outcome string) {
	if r == nil || r.rdb == nil {
		return
	}

	totalKey := r.prefix + ":total"
	tenantKey := r.prefix + ":tenant:" + tenantID
	bucketKey := fmt.Sprintf("%s:minute:%s", r.prefix, time.Now().UTC().Format("200601021504"))

	pipe := r.rdb.Pipeline()
	pipe.HIncrBy(ctx, totalKey, outcome, 1)
	pipe.HIncrBy(ctx, tenantKey, outcome, 1)
	pipe.HIncrBy(ctx, bucketKey, outcome, 1)
	if r.ttl > 0 {
		pipe.Expire(ctx, bucketKey, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("stats: recording claim outcome failed: %v", err)
	}
}
