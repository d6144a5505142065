package service

import (
	"context"
	"testing"
	"time"

	"github.com/aman-churiwal/rate-guard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverride_AddAndLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.overrides.AddDeny(ctx, models.ScopeIP, "203.0.113.7", "manual", "ops@example.com", nil)
	require.NoError(t, err)

	denied, err := f.overrides.IsDenied(ctx, models.ScopeIP, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, denied)

	// Lookup is exact-match on scope type and value
	denied, err = f.overrides.IsDenied(ctx, models.ScopeUser, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, denied)

	allowed, err := f.overrides.IsAllowed(ctx, models.ScopeIP, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestOverride_LazyExpiryDeactivatesOnRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expires := baseTime.Add(time.Hour)
	entry, err := f.overrides.AddAllow(ctx, models.ScopeUser, "user-42", "partner", "ops", &expires)
	require.NoError(t, err)

	allowed, err := f.overrides.IsAllowed(ctx, models.ScopeUser, "user-42")
	require.NoError(t, err)
	require.True(t, allowed)

	f.overrides.now = clockAt(baseTime.Add(2 * time.Hour))

	allowed, err = f.overrides.IsAllowed(ctx, models.ScopeUser, "user-42")
	require.NoError(t, err)
	assert.False(t, allowed)

	stored, err := f.overrides.Get(ctx, entry.ID.String())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.IsActive, "expired entry should be durably deactivated")
}

func TestOverride_UpsertReactivatesInsteadOfDuplicating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.overrides.AddDeny(ctx, models.ScopeUser, "user-1", "chargebacks", "ops", nil)
	require.NoError(t, err)

	removed, err := f.overrides.Remove(ctx, first.ID.String())
	require.NoError(t, err)
	require.True(t, removed)

	expires := baseTime.Add(48 * time.Hour)
	second, err := f.overrides.AddDeny(ctx, models.ScopeUser, "user-1", "abuse", "system", &expires)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "abuse", second.Reason)
	assert.True(t, second.IsActive)
	require.NotNil(t, second.ExpiresAt)
	assert.True(t, second.ExpiresAt.Equal(expires))

	all, err := f.overrides.List(ctx, models.OverrideDeny, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestOverride_DenyBeatsAllow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.overrides.AddAllow(ctx, models.ScopeUser, "user-7", "vip", "ops", nil)
	require.NoError(t, err)
	_, err = f.overrides.AddDeny(ctx, models.ScopeMerchant, "merchant-9", "fraud", "ops", nil)
	require.NoError(t, err)

	verdict, err := f.overrides.Evaluate(ctx, Identity{IP: "198.51.100.1", UserID: "user-7", MerchantID: "merchant-9"})
	require.NoError(t, err)
	require.NotNil(t, verdict.Denied)
	require.NotNil(t, verdict.Allowed)
	assert.Equal(t, models.ScopeMerchant, verdict.Denied.ScopeType)

	_, err = f.overrides.AddDeny(ctx, models.ScopeUser, "user-7", "fraud", "ops", nil)
	require.NoError(t, err)

	check, err := f.overrides.Check(ctx, models.ScopeUser, "user-7")
	require.NoError(t, err)
	assert.Equal(t, "deny", check.Effective)
}

func TestOverride_EvaluateFollowsIPUserMerchantOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.overrides.AddDeny(ctx, models.ScopeMerchant, "m-1", "merchant", "ops", nil)
	require.NoError(t, err)
	_, err = f.overrides.AddDeny(ctx, models.ScopeIP, "192.0.2.1", "ip", "ops", nil)
	require.NoError(t, err)

	verdict, err := f.overrides.Evaluate(ctx, Identity{IP: "192.0.2.1", UserID: "u", MerchantID: "m-1"})
	require.NoError(t, err)
	require.NotNil(t, verdict.Denied)
	assert.Equal(t, "ip", verdict.Denied.Reason)
}

func TestOverride_EvaluateSkipsExpiredEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expires := baseTime.Add(time.Minute)
	entry, err := f.overrides.AddDeny(ctx, models.ScopeIP, "192.0.2.50", "abuse", "system", &expires)
	require.NoError(t, err)

	f.overrides.now = clockAt(baseTime.Add(time.Hour))

	verdict, err := f.overrides.Evaluate(ctx, Identity{IP: "192.0.2.50"})
	require.NoError(t, err)
	assert.Nil(t, verdict.Denied)

	stored, err := f.overrides.Get(ctx, entry.ID.String())
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
}

func TestOverride_SweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	soon := baseTime.Add(time.Minute)
	later := baseTime.Add(48 * time.Hour)
	_, err := f.overrides.AddDeny(ctx, models.ScopeIP, "192.0.2.1", "abuse", "system", &soon)
	require.NoError(t, err)
	_, err = f.overrides.AddDeny(ctx, models.ScopeIP, "192.0.2.2", "abuse", "system", &later)
	require.NoError(t, err)

	f.overrides.now = clockAt(baseTime.Add(time.Hour))
	n, err := f.overrides.SweepExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	active, err := f.overrides.List(ctx, models.OverrideDeny, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "192.0.2.2", active[0].ScopeValue)
}

func TestOverride_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := baseTime.Add(-time.Minute)

	tests := []struct {
		name  string
		in    OverrideInput
		field string
	}{
		{"bad scope", OverrideInput{ScopeType: "country", ScopeValue: "x", Reason: "r", AddedBy: "a"}, "scope_type"},
		{"empty value", OverrideInput{ScopeType: models.ScopeIP, ScopeValue: " ", Reason: "r", AddedBy: "a"}, "scope_value"},
		{"no reason", OverrideInput{ScopeType: models.ScopeIP, ScopeValue: "1.1.1.1", AddedBy: "a"}, "reason"},
		{"no actor", OverrideInput{ScopeType: models.ScopeIP, ScopeValue: "1.1.1.1", Reason: "r"}, "added_by"},
		{"expired", OverrideInput{ScopeType: models.ScopeIP, ScopeValue: "1.1.1.1", Reason: "r", AddedBy: "a", ExpiresAt: &past}, "expires_at"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.overrides.Add(ctx, models.OverrideDeny, tt.in)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	_, err := f.overrides.Remove(ctx, "not-a-uuid")
	assert.True(t, IsValidation(err))
}
