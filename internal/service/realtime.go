package service

import (
	"sync"
	"time"
)

const ringSeconds = 60

type secondBucket struct {
	second    int64
	requests  int64
	throttled int64
	burst     int64
}

// Per-second counters covering the last minute of decisions in this process
type rollingWindow struct {
	mu      sync.Mutex
	buckets [ringSeconds]secondBucket
}

func (w *rollingWindow) add(ts time.Time, throttled, burst bool) {
	sec := ts.Unix()

	w.mu.Lock()
	defer w.mu.Unlock()

	b := &w.buckets[sec%ringSeconds]
	if b.second != sec {
		*b = secondBucket{second: sec}
	}
	b.requests++
	if throttled {
		b.throttled++
	}
	if burst {
		b.burst++
	}
}

// Sums the buckets that fall within the minute ending at now
func (w *rollingWindow) totals(now time.Time) (requests, throttled, burst int64) {
	cutoff := now.Unix() - ringSeconds

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, b := range w.buckets {
		if b.second <= cutoff || b.second > now.Unix() {
			continue
		}
		requests += b.requests
		throttled += b.throttled
		burst += b.burst
	}
	return requests, throttled, burst
}
