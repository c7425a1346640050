package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// WindowLimiter implements fixed-window rate limiting on Redis.
// Counters live in Redis so every replica shares the same budget.
type WindowLimiter struct {
	redisClient *redis.Client
	logger      *zap.Logger
	limit       int
	window      time.Duration
	fallback    bool // If true, allow requests when Redis is unavailable (fail-open)
	now         func() time.Time
}

// NewWindowLimiter creates a new fixed-window rate limiter
//
// Parameters:
//   - redisClient: Redis client for storing counters
//   - logger: Logger for recording rate limit events
//   - limit: Maximum number of requests per window
//   - window: Length of one window
//   - fallback: If true, allows requests when Redis fails (fail-open strategy)
func NewWindowLimiter(redisClient *redis.Client, logger *zap.Logger, limit int, window time.Duration, fallback bool) *WindowLimiter {
	return &WindowLimiter{
		redisClient: redisClient,
		logger:      logger,
		limit:       limit,
		window:      window,
		fallback:    fallback,
		now:         time.Now,
	}
}

// Allow consumes one request from key's budget.
//
// Returns:
//   - bool: true if the request is allowed, false if the limit is exceeded
//   - error: Redis failure when fail-open is disabled
func (l *WindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucketKey := l.bucketKey(key, l.now())

	pipe := l.redisClient.Pipeline()
	incrCmd := pipe.Incr(ctx, bucketKey)
	pipe.Expire(ctx, bucketKey, l.window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		if l.fallback {
			l.logger.Warn("rate limit check failed, allowing request (fail-open)",
				zap.String("key", key),
				zap.Error(err),
			)
			return true, nil
		}
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := incrCmd.Val()
	allowed := count <= int64(l.limit)
	if !allowed {
		l.logger.Warn("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Int("limit", l.limit),
			zap.Duration("window", l.window),
		)
	}
	return allowed, nil
}

// Remaining returns the number of requests left in the current window.
func (l *WindowLimiter) Remaining(ctx context.Context, key string) (int, error) {
	count, err := l.redisClient.Get(ctx, l.bucketKey(key, l.now())).Int()
	if err == redis.Nil {
		return l.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get remaining requests: %w", err)
	}
	return max(l.limit-count, 0), nil
}

func (l *WindowLimiter) bucketKey(key string, now time.Time) string {
	bucket := now.UnixMilli() / l.window.Milliseconds()
	return fmt.Sprintf("ratelimit:%s:%d", key, bucket)
}
