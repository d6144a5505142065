package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/aman-churiwal/rate-guard/internal/storage"
)

const burstKeyPrefix = "ratelimit:burst:"

// Burst mode flags in the shared cache. A flag's presence means the
// elevated quota is in force; it ends only when its TTL runs out.
type BurstState struct {
	redis *storage.RedisClient
}

func NewBurstState(redis *storage.RedisClient) *BurstState {
	return &BurstState{redis: redis}
}

func burstKey(identity, endpoint string) string {
	return fmt.Sprintf("%s%s:%s", burstKeyPrefix, identity, endpoint)
}

func (b *BurstState) IsActive(ctx context.Context, identity, endpoint string) (bool, error) {
	return b.redis.Exists(ctx, burstKey(identity, endpoint))
}

// Enters burst mode for duration. Returns false when a flag already exists;
// the existing expiry is never extended.
func (b *BurstState) Activate(ctx context.Context, identity, endpoint string, duration time.Duration) (bool, error) {
	if duration <= 0 {
		return false, nil
	}
	return b.redis.SetNX(ctx, burstKey(identity, endpoint), time.Now().Unix(), duration)
}

// Number of flags currently in force across all instances
func (b *BurstState) ActiveCount(ctx context.Context) (int64, error) {
	return b.redis.CountPrefix(ctx, burstKeyPrefix)
}
