package service

import (
	"context"
	"sync"
	"testing"

	"github.com/aman-churiwal/rate-guard/internal/models"
	"github.com/aman-churiwal/rate-guard/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierFor(t *testing.T) {
	tests := map[string]string{
		"Acme Enterprise Holdings": TierEnterprise,
		"premium coffee ltd":       TierPremium,
		"Corner Shop":              TierStandard,
		"":                         TierStandard,
	}
	for name, want := range tests {
		assert.Equal(t, want, TierFor(name), name)
	}
}

func TestSystemDefault_RoleThenTierThenBasic(t *testing.T) {
	assert.Equal(t, 200, SystemDefault("admin", TierEnterprise).RequestsPerMinute)
	assert.Equal(t, 300, SystemDefault("merchant", TierPremium).RequestsPerMinute)
	assert.Equal(t, 60, SystemDefault("merchant", "unknown").RequestsPerMinute)
}

func TestResolve_MaterializesDefaultOnFirstUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := ResolveRequest{UserID: "u-1", MerchantID: "m-1", MerchantName: "Blue Premium Goods", Role: "merchant"}

	first := f.budgets.Resolve(ctx, req)
	require.False(t, first.Fallback)
	assert.Equal(t, 300, first.RequestsPerMinute)
	assert.Equal(t, "merchant", first.Role)

	second := f.budgets.Resolve(ctx, req)
	assert.Equal(t, first.ID, second.ID)

	rows, err := f.budgets.List(ctx, "m-1", false)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestResolve_ConcurrentFirstUseCreatesOneRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := ResolveRequest{MerchantID: "m-c", Role: "merchant"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.budgets.Resolve(ctx, req)
		}()
	}
	wg.Wait()

	rows, err := f.budgets.List(ctx, "m-c", true)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestResolve_Precedence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tierCfg := &models.BudgetConfig{MerchantID: "m-2", Tier: TierPremium}
	tierCfg.ApplyQuota(models.Quota{RequestsPerSecond: 5, RequestsPerMinute: 500, RequestsPerHour: 5000, RequestsPerDay: 50000})
	require.NoError(t, f.budgets.Create(ctx, tierCfg))

	// No role config yet: the tier config wins over the system default
	got := f.budgets.Resolve(ctx, ResolveRequest{MerchantID: "m-2", MerchantName: "Premium Parts", Role: "cashier"})
	assert.Equal(t, tierCfg.ID, got.ID)
	assert.Equal(t, 500, got.RequestsPerMinute)

	roleCfg := &models.BudgetConfig{MerchantID: "m-2", Role: "cashier"}
	roleCfg.ApplyQuota(models.Quota{RequestsPerSecond: 1, RequestsPerMinute: 42, RequestsPerHour: 420, RequestsPerDay: 4200})
	require.NoError(t, f.budgets.Create(ctx, roleCfg))

	got = f.budgets.Resolve(ctx, ResolveRequest{MerchantID: "m-2", MerchantName: "Premium Parts", Role: "cashier"})
	assert.Equal(t, 42, got.RequestsPerMinute)
	assert.Equal(t, 1.0, got.BurstMultiplier)
	assert.Equal(t, 300, got.BurstDurationSeconds)
}

func TestResolve_FallsBackWhenStoreIsDown(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Close())

	got := f.budgets.Resolve(context.Background(), ResolveRequest{MerchantID: "m-3", Role: "merchant"})
	require.NotNil(t, got)
	assert.True(t, got.Fallback)
	assert.Equal(t, 30, got.RequestsPerMinute)
	assert.Equal(t, 30, got.BurstLimit())
}

func TestBudgetConfig_BurstLimitFloors(t *testing.T) {
	cfg := models.BudgetConfig{RequestsPerMinute: 45, BurstMultiplier: 1.5}
	assert.Equal(t, 67, cfg.BurstLimit())

	cfg = models.BudgetConfig{RequestsPerMinute: 60, BurstMultiplier: 2}
	assert.Equal(t, 120, cfg.BurstLimit())
}

func TestCreate_RejectsDuplicateActiveScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	quota := models.Quota{RequestsPerSecond: 1, RequestsPerMinute: 60, RequestsPerHour: 600, RequestsPerDay: 6000}

	a := &models.BudgetConfig{MerchantID: "m-4", Role: "merchant"}
	a.ApplyQuota(quota)
	require.NoError(t, f.budgets.Create(ctx, a))

	b := &models.BudgetConfig{MerchantID: "m-4", Role: "merchant"}
	b.ApplyQuota(quota)
	assert.ErrorIs(t, f.budgets.Create(ctx, b), repository.ErrDuplicateScope)

	// Once deactivated the scope is free again
	ok, err := f.budgets.Deactivate(ctx, a.ID.String())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.budgets.Create(ctx, b))
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	good := models.Quota{RequestsPerSecond: 1, RequestsPerMinute: 60, RequestsPerHour: 600, RequestsPerDay: 6000}

	tests := []struct {
		name  string
		cfg   models.BudgetConfig
		quota models.Quota
		field string
	}{
		{"no merchant", models.BudgetConfig{Role: "merchant"}, good, "merchant_id"},
		{"no scope", models.BudgetConfig{MerchantID: "m"}, good, "role"},
		{"both scopes", models.BudgetConfig{MerchantID: "m", Role: "r", Tier: "premium"}, good, "tier"},
		{"zero minute", models.BudgetConfig{MerchantID: "m", Role: "r"}, models.Quota{RequestsPerSecond: 1, RequestsPerHour: 1, RequestsPerDay: 1}, "requests_per_minute"},
		{"hour below minute", models.BudgetConfig{MerchantID: "m", Role: "r"}, models.Quota{RequestsPerSecond: 1, RequestsPerMinute: 60, RequestsPerHour: 30, RequestsPerDay: 600}, "requests_per_hour"},
		{"multiplier", models.BudgetConfig{MerchantID: "m", Role: "r"}, models.Quota{RequestsPerSecond: 1, RequestsPerMinute: 60, RequestsPerHour: 600, RequestsPerDay: 6000, BurstMultiplier: 0.5}, "burst_multiplier"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.ApplyQuota(tt.quota)
			err := f.budgets.Create(ctx, &cfg)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestUpdate_WritesAllCeilings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := f.budgets.Resolve(ctx, ResolveRequest{MerchantID: "m-5", Role: "merchant"})

	updated, err := f.budgets.Update(ctx, cfg.ID.String(), models.Quota{
		RequestsPerSecond:    3,
		RequestsPerMinute:    90,
		RequestsPerHour:      900,
		RequestsPerDay:       9000,
		BurstMultiplier:      2.5,
		BurstDurationSeconds: 120,
	})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, 90, updated.RequestsPerMinute)
	assert.Equal(t, 225, updated.BurstLimit())

	missing, err := f.budgets.Update(ctx, "6b0f3c1e-0000-4000-8000-000000000000", updated.Quota())
	require.NoError(t, err)
	assert.Nil(t, missing)
}
