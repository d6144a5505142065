package ratelimit

import (
	"context"
	"time"
)

// Outcome of counting one request against a window
type Result struct {
	Allowed   bool
	Count     int64
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	// Counts the request for key and reports whether it fits under the limit
	Allow(ctx context.Context, key string) (Result, error)
}

func remainingFor(limit int, count int64) int {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}
