package ratelimit

import (
	"time"

	"github.com/aman-churiwal/rate-guard/internal/storage"
)

const (
	AlgorithmFixedWindow   = "fixed_window"
	AlgorithmSlidingWindow = "sliding_window"
)

// Builds a limiter for one decision; limit may differ per request
func NewLimiter(redis *storage.RedisClient, algorithm string, limit int, window time.Duration, now func() time.Time) Limiter {
	if now == nil {
		now = time.Now
	}

	switch algorithm {
	case AlgorithmSlidingWindow:
		return NewSlidingWindowLimiter(redis, limit, window, now)
	case AlgorithmFixedWindow:
		return NewFixedWindow(redis, limit, window, now)
	default:
		return NewFixedWindow(redis, limit, window, now)
	}
}
