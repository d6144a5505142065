package repository

import (
	"context"
	"testing"
	"time"

	"github.com/aman-churiwal/rate-guard/internal/models"
	"github.com/aman-churiwal/rate-guard/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func record(ip, user, endpoint string, at time.Time, throttled bool) models.HistoryRecord {
	return models.HistoryRecord{
		Timestamp:    at,
		IPAddress:    ip,
		UserID:       user,
		Endpoint:     endpoint,
		RequestCount: 1,
		LimitApplied: 30,
		WasThrottled: throttled,
	}
}

func TestBudgetRepository_ScopeIsUniqueAmongActiveRows(t *testing.T) {
	repo := NewBudgetRepository(storagetest.NewPostgres(t))
	ctx := context.Background()

	first := &models.BudgetConfig{MerchantID: "m-1", Role: "merchant", RequestsPerMinute: 60, IsActive: true}
	require.NoError(t, repo.Create(ctx, first))

	dup := &models.BudgetConfig{MerchantID: "m-1", Role: "merchant", RequestsPerMinute: 90, IsActive: true}
	assert.ErrorIs(t, repo.Create(ctx, dup), ErrDuplicateScope)

	ok, err := repo.Deactivate(ctx, first.ID.String())
	require.NoError(t, err)
	require.True(t, ok)

	// A deactivated row no longer holds the scope
	again := &models.BudgetConfig{MerchantID: "m-1", Role: "merchant", RequestsPerMinute: 90, IsActive: true}
	require.NoError(t, repo.Create(ctx, again))

	found, err := repo.FindActiveByMerchantRole(ctx, "m-1", "merchant")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, again.ID, found.ID)

	all, err := repo.List(ctx, "m-1", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestBudgetRepository_UpdateQuotaWritesZeroValues(t *testing.T) {
	repo := NewBudgetRepository(storagetest.NewPostgres(t))
	ctx := context.Background()

	cfg := &models.BudgetConfig{MerchantID: "m-2", Tier: "basic", RequestsPerSecond: 2, RequestsPerMinute: 60, BurstMultiplier: 1.5, IsActive: true}
	require.NoError(t, repo.Create(ctx, cfg))

	require.NoError(t, repo.UpdateQuota(ctx, cfg.ID.String(), models.Quota{
		RequestsPerSecond:    0,
		RequestsPerMinute:    70,
		RequestsPerHour:      700,
		RequestsPerDay:       7000,
		BurstMultiplier:      1,
		BurstDurationSeconds: 60,
	}))

	got, err := repo.FindByID(ctx, cfg.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 0, got.RequestsPerSecond)
	assert.Equal(t, 70, got.RequestsPerMinute)

	missing, err := repo.FindActiveByMerchantTier(ctx, "m-2", "premium")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestOverrideRepository_FindActiveByScopes(t *testing.T) {
	repo := NewOverrideRepository(storagetest.NewPostgres(t))
	ctx := context.Background()

	for _, e := range []*models.OverrideEntry{
		{Kind: models.OverrideDeny, ScopeType: models.ScopeIP, ScopeValue: "192.0.2.1", Reason: "abuse", AddedBy: "ops"},
		{Kind: models.OverrideAllow, ScopeType: models.ScopeUser, ScopeValue: "u-1", Reason: "partner", AddedBy: "ops"},
		{Kind: models.OverrideDeny, ScopeType: models.ScopeUser, ScopeValue: "192.0.2.1", Reason: "wrong scope", AddedBy: "ops"},
	} {
		require.NoError(t, repo.Upsert(ctx, e))
	}

	entries, err := repo.FindActiveByScopes(ctx, []ScopeRef{
		{Type: models.ScopeIP, Value: "192.0.2.1"},
		{Type: models.ScopeUser, Value: "u-1"},
		{Type: models.ScopeMerchant, Value: ""},
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	none, err := repo.FindActiveByScopes(ctx, []ScopeRef{{Type: models.ScopeIP}})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestOverrideRepository_UpsertReactivates(t *testing.T) {
	repo := NewOverrideRepository(storagetest.NewPostgres(t))
	ctx := context.Background()

	entry := &models.OverrideEntry{Kind: models.OverrideDeny, ScopeType: models.ScopeIP, ScopeValue: "192.0.2.2", Reason: "abuse", AddedBy: "system"}
	require.NoError(t, repo.Upsert(ctx, entry))
	id := entry.ID

	ok, err := repo.Deactivate(ctx, id.String())
	require.NoError(t, err)
	require.True(t, ok)

	again := &models.OverrideEntry{Kind: models.OverrideDeny, ScopeType: models.ScopeIP, ScopeValue: "192.0.2.2", Reason: "manual", AddedBy: "ops"}
	require.NoError(t, repo.Upsert(ctx, again))
	assert.Equal(t, id, again.ID)
	assert.True(t, again.IsActive)

	got, err := repo.FindActive(ctx, models.OverrideDeny, models.ScopeIP, "192.0.2.2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "manual", got.Reason)
}

func TestOverrideRepository_DeactivateExpired(t *testing.T) {
	repo := NewOverrideRepository(storagetest.NewPostgres(t))
	ctx := context.Background()

	past := t0.Add(-time.Minute)
	future := t0.Add(time.Hour)
	require.NoError(t, repo.Upsert(ctx, &models.OverrideEntry{Kind: models.OverrideDeny, ScopeType: models.ScopeIP, ScopeValue: "a", Reason: "r", AddedBy: "ops", ExpiresAt: &past}))
	require.NoError(t, repo.Upsert(ctx, &models.OverrideEntry{Kind: models.OverrideDeny, ScopeType: models.ScopeIP, ScopeValue: "b", Reason: "r", AddedBy: "ops", ExpiresAt: &future}))
	require.NoError(t, repo.Upsert(ctx, &models.OverrideEntry{Kind: models.OverrideDeny, ScopeType: models.ScopeIP, ScopeValue: "c", Reason: "r", AddedBy: "ops"}))

	n, err := repo.DeactivateExpired(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	active, err := repo.List(ctx, models.OverrideDeny, true)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestHistoryRepository_Aggregates(t *testing.T) {
	repo := NewHistoryRepository(storagetest.NewPostgres(t))
	ctx := context.Background()

	blocked := record("192.0.2.9", "", "/api/a", t0.Add(-time.Minute), true)
	blocked.LimitApplied = 0

	require.NoError(t, repo.CreateBatch(ctx, []models.HistoryRecord{
		record("192.0.2.1", "u-1", "/api/a", t0.Add(-time.Minute), true),
		record("192.0.2.1", "u-1", "/api/a", t0.Add(-2*time.Minute), true),
		record("192.0.2.2", "u-2", "/api/b", t0.Add(-3*time.Minute), false),
		record("192.0.2.2", "u-2", "/api/b", t0.Add(-2*time.Hour), true),
		blocked,
	}))

	throttles, err := repo.CountThrottled(ctx, ColumnIPAddress, "192.0.2.1", t0.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), throttles)

	hard, err := repo.CountThrottled(ctx, ColumnIPAddress, "192.0.2.9", t0.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, hard, "hard blocks are not quota throttles")

	_, err = repo.CountThrottled(ctx, ColumnEndpoint, "/api/a", t0)
	assert.Error(t, err)

	totals, err := repo.Totals(ctx, t0.Add(-time.Hour), t0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), totals.Total)
	assert.Equal(t, int64(3), totals.Throttled)

	byEndpoint, err := repo.GroupBy(ctx, ColumnEndpoint, t0.Add(-time.Hour), t0)
	require.NoError(t, err)
	require.Len(t, byEndpoint, 2)
	assert.Equal(t, "/api/a", byEndpoint[0].Key)
	assert.Equal(t, int64(3), byEndpoint[0].Total)

	top, err := repo.TopThrottled(ctx, ColumnUserID, t0.Add(-time.Hour), t0, 5)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "u-1", top[0].Key)

	deleted, err := repo.DeleteOlderThan(ctx, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestHistoryRepository_MerchantEndpointStats(t *testing.T) {
	repo := NewHistoryRepository(storagetest.NewPostgres(t))
	ctx := context.Background()

	withMerchant := func(r models.HistoryRecord, merchant string) models.HistoryRecord {
		r.MerchantID = merchant
		return r
	}
	blocked := withMerchant(record("192.0.2.9", "u-9", "/api/pay", t0.Add(-time.Minute), true), "m-1")
	blocked.LimitApplied = 0

	require.NoError(t, repo.CreateBatch(ctx, []models.HistoryRecord{
		withMerchant(record("192.0.2.1", "u-1", "/api/pay", t0.Add(-time.Minute), true), "m-1"),
		withMerchant(record("192.0.2.1", "u-1", "/api/pay", t0.Add(-time.Minute), false), "m-1"),
		withMerchant(record("192.0.2.1", "u-1", "/api/refund", t0.Add(-time.Minute), false), "m-1"),
		withMerchant(record("192.0.2.3", "u-3", "/api/pay", t0.Add(-time.Minute), false), "m-2"),
		record("192.0.2.4", "", "/api/pay", t0.Add(-time.Minute), true),
		blocked,
	}))

	stats, err := repo.MerchantEndpointStats(ctx, t0.Add(-time.Hour), t0)
	require.NoError(t, err)
	assert.Equal(t, []PairStat{
		{MerchantID: "m-1", Endpoint: "/api/pay", Total: 2, Throttled: 1},
		{MerchantID: "m-1", Endpoint: "/api/refund", Total: 1, Throttled: 0},
		{MerchantID: "m-2", Endpoint: "/api/pay", Total: 1, Throttled: 0},
	}, stats)
}

func TestHistoryRepository_SignalCountsAndUserHistory(t *testing.T) {
	repo := NewHistoryRepository(storagetest.NewPostgres(t))
	ctx := context.Background()

	burst := record("192.0.2.5", "u-5", "/api/c", t0.Add(-2*time.Minute), false)
	burst.BurstActive = true

	require.NoError(t, repo.CreateBatch(ctx, []models.HistoryRecord{
		record("192.0.2.5", "u-5", "/api/a", t0.Add(-time.Minute), true),
		record("192.0.2.6", "u-5", "/api/b", t0.Add(-time.Minute), true),
		burst,
		record("192.0.2.5", "", "/api/a", t0.Add(-3*time.Minute), true),
	}))

	counts, err := repo.SignalCounts(ctx, "u-5", "192.0.2.5", t0.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, SignalCounts{ThrottledEvents: 3, BurstUsages: 1, DistinctEndpoints: 3}, counts)

	empty, err := repo.SignalCounts(ctx, "", "", t0.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, empty)

	records, err := repo.FindThrottledByUser(ctx, "u-5", t0.Add(-time.Hour), t0, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.False(t, records[0].Timestamp.Before(records[1].Timestamp), "newest first")
}
