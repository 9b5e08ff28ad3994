package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter is a sliding-window limiter over Redis sorted sets, shared by
// every API replica.
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewRateLimiter(client *redis.Client, limit int, window time.Duration, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
		logger: logger,
		now:    time.Now,
	}
}

// Allow records a request for key and reports whether it is within the limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := r.now()
	windowStart := now.Add(-r.window)
	k := RateLimitPrefix + key
	member := uuid.NewString()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
	count := pipe.ZCard(ctx, k)
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, k, r.window+RateLimitGrace)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter pipeline failed: %w", err)
	}

	if count.Val() >= int64(r.limit) {
		// rejected requests do not count against the window
		r.client.ZRem(ctx, k, member)
		r.logger.Debug("Rate limit exceeded", zap.String("key", key), zap.Int64("count", count.Val()))
		return false, nil
	}
	return true, nil
}
