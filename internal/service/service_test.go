package service

import (
	"context"
	"testing"
	"time"

	"github.com/aman-churiwal/rate-guard/internal/config"
	"github.com/aman-churiwal/rate-guard/internal/models"
	"github.com/aman-churiwal/rate-guard/internal/repository"
	"github.com/aman-churiwal/rate-guard/internal/storage"
	"github.com/aman-churiwal/rate-guard/internal/storage/storagetest"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func clockAt(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func monitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		IPThreshold:      10,
		UserThreshold:    15,
		EscalationWindow: 5 * time.Minute,
		BlockDuration:    24 * time.Hour,
		BufferSize:       100,
		BatchSize:        10,
		FlushInterval:    time.Hour,
		RetryInterval:    time.Hour,
		TopN:             5,
	}
}

func tunerConfig() config.TunerConfig {
	return config.TunerConfig{
		Enabled:        true,
		Interval:       time.Hour,
		Lookback:       time.Hour,
		LowThreshold:   0.01,
		HighThreshold:  0.10,
		StepPercent:    5,
		MinPerMinute:   10,
		MinPerSecond:   1,
		MinPerHour:     10,
		MinPerDay:      100,
		MaxConcurrency: 2,
	}
}

type fixture struct {
	db        *storage.Postgres
	overrides *OverrideService
	budgets   *BudgetResolver
	history   *repository.HistoryRepository
	monitor   *Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := storagetest.NewPostgres(t)

	f := &fixture{db: db}
	f.overrides = NewOverrideService(repository.NewOverrideRepository(db), nil)
	f.overrides.now = clockAt(baseTime)
	f.budgets = NewBudgetResolver(repository.NewBudgetRepository(db), nil, nil)
	f.history = repository.NewHistoryRepository(db)
	f.monitor = NewMonitor(f.history, f.overrides, nil, monitorConfig(), 1, nil, nil)
	f.monitor.now = clockAt(baseTime)

	return f
}

func (f *fixture) seed(t *testing.T, records ...models.HistoryRecord) {
	t.Helper()
	require.NoError(t, f.history.CreateBatch(context.Background(), records))
}

func throttled(ip, userID string, at time.Time) models.HistoryRecord {
	return models.HistoryRecord{
		Timestamp:    at,
		UserID:       userID,
		IPAddress:    ip,
		Endpoint:     "/api/payments",
		RequestCount: 1,
		LimitApplied: 30,
		WasThrottled: true,
	}
}

func repeat(n int, rec models.HistoryRecord) []models.HistoryRecord {
	out := make([]models.HistoryRecord, n)
	for i := range out {
		out[i] = rec
	}
	return out
}
