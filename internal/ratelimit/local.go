package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// In-process token buckets used while the shared cache is unreachable.
// Limits are per process, so a fleet admits roughly N times the quota.
type LocalLimiter struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	window  time.Duration
	idleTTL time.Duration
	now     func() time.Time
}

type localEntry struct {
	lim      *rate.Limiter
	limit    int
	lastSeen time.Time
}

func NewLocalLimiter(window time.Duration, now func() time.Time) *LocalLimiter {
	if now == nil {
		now = time.Now
	}
	return &LocalLimiter{
		entries: make(map[string]*localEntry),
		window:  window,
		idleTTL: 15 * time.Minute,
		now:     now,
	}
}

// Spends one token for key; the bucket refills limit tokens per window
func (l *LocalLimiter) Allow(key string, limit int) Result {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	ent, ok := l.entries[key]
	if !ok {
		ent = &localEntry{
			lim:   rate.NewLimiter(l.rateFor(limit), limit),
			limit: limit,
		}
		l.entries[key] = ent
	} else if ent.limit != limit {
		ent.lim.SetLimitAt(now, l.rateFor(limit))
		ent.lim.SetBurstAt(now, limit)
		ent.limit = limit
	}
	ent.lastSeen = now

	allowed := ent.lim.AllowN(now, 1)
	tokens := ent.lim.TokensAt(now)
	if tokens < 0 {
		tokens = 0
	}

	resetAt := now
	if missing := float64(limit) - tokens; missing > 0 {
		resetAt = now.Add(time.Duration(missing / float64(l.rateFor(limit)) * float64(time.Second)))
	}

	return Result{
		Allowed:   allowed,
		Remaining: int(tokens),
		ResetAt:   resetAt,
	}
}

func (l *LocalLimiter) rateFor(limit int) rate.Limit {
	return rate.Limit(float64(limit) / l.window.Seconds())
}

// Drops buckets that have not been used recently
func (l *LocalLimiter) Cleanup() int {
	cutoff := l.now().Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, ent := range l.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
