package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aman-churiwal/rate-guard/internal/storage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Sliding log over a sorted set; only admitted requests are logged
type SlidingWindowLimiter struct {
	redis  *storage.RedisClient
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewSlidingWindowLimiter(redis *storage.RedisClient, limit int, window time.Duration, now func() time.Time) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		redis:  redis,
		limit:  limit,
		window: window,
		now:    now,
	}
}

func (s *SlidingWindowLimiter) redisKey(key string) string {
	return fmt.Sprintf("ratelimit:sliding:%s", key)
}

func (s *SlidingWindowLimiter) Allow(ctx context.Context, key string) (Result, error) {
	redisKey := s.redisKey(key)
	now := s.now()
	windowStart := now.Add(-s.window)

	pipe := s.redis.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, err
	}

	count := countCmd.Val()
	resetAt := now.Add(s.window)
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		resetAt = time.Unix(0, int64(oldest[0].Score)).Add(s.window)
	}

	if count >= int64(s.limit) {
		return Result{Allowed: false, Count: count, Remaining: 0, ResetAt: resetAt}, nil
	}

	// Member must be unique per request, not per nanosecond
	add := s.redis.Pipeline()
	add.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString(),
	})
	add.Expire(ctx, redisKey, s.window)
	if _, err := add.Exec(ctx); err != nil {
		return Result{}, err
	}

	count++
	if count == 1 {
		resetAt = now.Add(s.window)
	}

	return Result{
		Allowed:   true,
		Count:     count,
		Remaining: remainingFor(s.limit, count),
		ResetAt:   resetAt,
	}, nil
}
