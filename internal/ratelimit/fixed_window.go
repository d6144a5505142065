package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/aman-churiwal/rate-guard/internal/storage"
)

// Counts every attempt, admitted or not, in fixed windows aligned to the epoch
type FixedWindowLimiter struct {
	redis  *storage.RedisClient
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewFixedWindow(redis *storage.RedisClient, limit int, window time.Duration, now func() time.Time) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		redis:  redis,
		limit:  limit,
		window: window,
		now:    now,
	}
}

func (f *FixedWindowLimiter) currentWindow() int64 {
	return f.now().Unix() / int64(f.window.Seconds())
}

func (f *FixedWindowLimiter) redisKey(key string, window int64) string {
	return fmt.Sprintf("ratelimit:fixed:%s:%d", key, window)
}

func (f *FixedWindowLimiter) Allow(ctx context.Context, key string) (Result, error) {
	currentWindow := f.currentWindow()
	redisKey := f.redisKey(key, currentWindow)

	count, err := f.redis.Incr(ctx, redisKey)
	if err != nil {
		return Result{}, err
	}

	if count == 1 {
		if err := f.redis.Expire(ctx, redisKey, f.window); err != nil {
			return Result{}, err
		}
	}

	return Result{
		Allowed:   count <= int64(f.limit),
		Count:     count,
		Remaining: remainingFor(f.limit, count),
		ResetAt:   f.resetAt(currentWindow),
	}, nil
}

// Start of the window after this one
func (f *FixedWindowLimiter) resetAt(window int64) time.Time {
	next := (window + 1) * int64(f.window.Seconds())
	return time.Unix(next, 0)
}
