package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimited is returned when a caller exhausted its window budget.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimiter is a fixed-window counter on redis. A nil client or a
// non-positive limit disables it, and redis outages fail open so chat
// never hard-depends on redis availability.
type RateLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

func NewRateLimiter(rdb *redis.Client, limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{rdb: rdb, limit: limit, window: window}
}

// Allow consumes one unit from the caller's bucket.
func (r *RateLimiter) Allow(ctx context.Context, callerID, bucket string) error {
	if r == nil || r.rdb == nil || r.limit <= 0 {
		return nil
	}
	key := fmt.Sprintf("clausechat:ratelimit:%s:%s:%d", bucket, callerID, time.Now().Unix()/int64(r.window.Seconds()))
	n, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return nil
	}
	if n == 1 {
		r.rdb.Expire(ctx, key, r.window)
	}
	if n > int64(r.limit) {
		return ErrRateLimited
	}
	return nil
}
