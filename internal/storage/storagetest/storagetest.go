// Package storagetest provides throwaway databases and caches for tests.
package storagetest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aman-churiwal/rate-guard/internal/storage"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// NewPostgres returns a migrated in-memory sqlite database behind the
// storage.Postgres handle. Every call gets its own database.
func NewPostgres(t testing.TB) *storage.Postgres {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_busy_timeout=5000", name, dbSeq.Add(1))

	db, err := storage.Open(sqlite.Open(dsn), storage.PoolOptions{
		MaxOpenConns: 1,
		LogLevel:     logger.Silent,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

// NewRedis starts a miniredis server and returns a client for it together
// with the server, so tests can fast-forward TTLs or simulate outages.
func NewRedis(t testing.TB) (*storage.RedisClient, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return storage.NewRedisFromClient(client), mr
}
