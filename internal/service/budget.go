package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aman-churiwal/rate-guard/internal/metrics"
	"github.com/aman-churiwal/rate-guard/internal/models"
	"github.com/aman-churiwal/rate-guard/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// Merchant tiers derived from the business name
const (
	TierBasic      = "basic"
	TierStandard   = "standard"
	TierPremium    = "premium"
	TierEnterprise = "enterprise"
)

// System default quotas by role, consulted before the tier table
var roleDefaults = map[string]models.Quota{
	"admin":       {RequestsPerSecond: 10, RequestsPerMinute: 200, RequestsPerHour: 10000, RequestsPerDay: 100000, BurstMultiplier: 2, BurstDurationSeconds: 300},
	"super_admin": {RequestsPerSecond: 20, RequestsPerMinute: 500, RequestsPerHour: 20000, RequestsPerDay: 200000, BurstMultiplier: 2, BurstDurationSeconds: 300},
}

// System default quotas by merchant tier
var tierDefaults = map[string]models.Quota{
	TierBasic:      {RequestsPerSecond: 2, RequestsPerMinute: 60, RequestsPerHour: 1000, RequestsPerDay: 10000, BurstMultiplier: 1.5, BurstDurationSeconds: 300},
	TierStandard:   {RequestsPerSecond: 5, RequestsPerMinute: 120, RequestsPerHour: 3000, RequestsPerDay: 30000, BurstMultiplier: 1.5, BurstDurationSeconds: 300},
	TierPremium:    {RequestsPerSecond: 10, RequestsPerMinute: 300, RequestsPerHour: 10000, RequestsPerDay: 100000, BurstMultiplier: 2, BurstDurationSeconds: 300},
	TierEnterprise: {RequestsPerSecond: 50, RequestsPerMinute: 1000, RequestsPerHour: 50000, RequestsPerDay: 500000, BurstMultiplier: 2, BurstDurationSeconds: 600},
}

// Returned when the durable store cannot be read. Burst is disabled by the
// multiplier of 1.
var fallbackQuota = models.Quota{
	RequestsPerSecond:    1,
	RequestsPerMinute:    30,
	RequestsPerHour:      1000,
	RequestsPerDay:       10000,
	BurstMultiplier:      1,
	BurstDurationSeconds: 60,
}

const (
	maxBurstMultiplier   = 10.0
	maxBurstDurationSecs = 24 * 60 * 60
)

// TierFor derives a merchant tier from its business name.
func TierFor(merchantName string) string {
	name := strings.ToLower(merchantName)
	switch {
	case strings.Contains(name, TierEnterprise):
		return TierEnterprise
	case strings.Contains(name, TierPremium):
		return TierPremium
	default:
		return TierStandard
	}
}

// SystemDefault picks the built-in quota for a scope: role first, then
// tier, then basic.
func SystemDefault(role, tier string) models.Quota {
	if q, ok := roleDefaults[role]; ok {
		return q
	}
	if q, ok := tierDefaults[tier]; ok {
		return q
	}
	return tierDefaults[TierBasic]
}

// FallbackConfig is the conservative config used while persistence is down.
func FallbackConfig(merchantID, role string) *models.BudgetConfig {
	cfg := &models.BudgetConfig{MerchantID: merchantID, Role: role, IsActive: true, Fallback: true}
	cfg.ApplyQuota(fallbackQuota)
	return cfg
}

type ResolveRequest struct {
	UserID       string
	MerchantID   string
	MerchantName string
	Role         string
}

type BudgetResolver struct {
	repo    *repository.BudgetRepository
	logger  *zap.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
}

func NewBudgetResolver(repo *repository.BudgetRepository, logger *zap.Logger, m *metrics.Metrics) *BudgetResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BudgetResolver{
		repo:    repo,
		logger:  logger.With(zap.String("component", "budgets")),
		metrics: m,
	}
}

// Resolve returns the effective config for a scope. It never fails: when
// the store is unavailable it returns FallbackConfig.
func (r *BudgetResolver) Resolve(ctx context.Context, req ResolveRequest) *models.BudgetConfig {
	cfg, err := r.resolve(ctx, req)
	if err != nil {
		r.logger.Warn("budget resolution fell back to defaults",
			zap.String("merchant_id", req.MerchantID),
			zap.String("role", req.Role),
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
		r.metrics.RecordStoreFallback("postgres", "resolve_budget")
		return FallbackConfig(req.MerchantID, req.Role)
	}
	return cfg
}

func (r *BudgetResolver) resolve(ctx context.Context, req ResolveRequest) (*models.BudgetConfig, error) {
	tier := TierFor(req.MerchantName)

	cfg, err := r.lookup(ctx, req.MerchantID, req.Role, tier)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}

	return r.materialize(ctx, req.MerchantID, req.Role, tier)
}

// Exact (merchant, role) first, then (merchant, tier)
func (r *BudgetResolver) lookup(ctx context.Context, merchantID, role, tier string) (*models.BudgetConfig, error) {
	if role != "" {
		cfg, err := r.repo.FindActiveByMerchantRole(ctx, merchantID, role)
		if err != nil || cfg != nil {
			return cfg, err
		}
	}
	return r.repo.FindActiveByMerchantTier(ctx, merchantID, tier)
}

// Persists the system default as the scope's own row. Concurrent callers
// for one scope share a single insert; a row created by another instance
// in the meantime is read back instead.
func (r *BudgetResolver) materialize(ctx context.Context, merchantID, role, tier string) (*models.BudgetConfig, error) {
	key := merchantID + "|" + role + "|" + tier

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		cfg := &models.BudgetConfig{MerchantID: merchantID, Role: role, IsActive: true}
		if role == "" {
			cfg.Tier = tier
		}
		cfg.ApplyQuota(SystemDefault(role, tier))

		err := r.repo.Create(ctx, cfg)
		if errors.Is(err, repository.ErrDuplicateScope) {
			existing, lookupErr := r.lookup(ctx, merchantID, role, tier)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if existing == nil {
				return nil, ErrConfigurationNotFound
			}
			return existing, nil
		}
		if err != nil {
			return nil, err
		}

		r.logger.Info("budget config materialized",
			zap.String("id", cfg.ID.String()),
			zap.String("merchant_id", merchantID),
			zap.String("role", role),
			zap.String("tier", cfg.Tier),
		)
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}

	// Callers must not share one pointer
	cfg := *v.(*models.BudgetConfig)
	return &cfg, nil
}

// ValidateQuota rejects ceilings an administrator or the tuner may not set.
func ValidateQuota(q models.Quota) error {
	switch {
	case q.RequestsPerSecond <= 0:
		return invalid("requests_per_second", "must be positive")
	case q.RequestsPerMinute <= 0:
		return invalid("requests_per_minute", "must be positive")
	case q.RequestsPerHour <= 0:
		return invalid("requests_per_hour", "must be positive")
	case q.RequestsPerDay <= 0:
		return invalid("requests_per_day", "must be positive")
	case q.RequestsPerMinute < q.RequestsPerSecond:
		return invalid("requests_per_minute", "must be at least requests_per_second")
	case q.RequestsPerHour < q.RequestsPerMinute:
		return invalid("requests_per_hour", "must be at least requests_per_minute")
	case q.RequestsPerDay < q.RequestsPerHour:
		return invalid("requests_per_day", "must be at least requests_per_hour")
	case q.BurstMultiplier < 1 || q.BurstMultiplier > maxBurstMultiplier:
		return invalid("burst_multiplier", "must be between 1 and %v", maxBurstMultiplier)
	case q.BurstDurationSeconds <= 0 || q.BurstDurationSeconds > maxBurstDurationSecs:
		return invalid("burst_duration_seconds", "must be between 1 and %d", maxBurstDurationSecs)
	}
	return nil
}

// Zero burst settings take the column defaults
func withBurstDefaults(q models.Quota) models.Quota {
	if q.BurstMultiplier == 0 {
		q.BurstMultiplier = 1
	}
	if q.BurstDurationSeconds == 0 {
		q.BurstDurationSeconds = 300
	}
	return q
}

// Create stores a new config for a (merchant, role) or (merchant, tier)
// scope.
func (r *BudgetResolver) Create(ctx context.Context, cfg *models.BudgetConfig) error {
	cfg.MerchantID = strings.TrimSpace(cfg.MerchantID)
	cfg.Role = strings.TrimSpace(cfg.Role)
	cfg.Tier = strings.ToLower(strings.TrimSpace(cfg.Tier))

	switch {
	case cfg.MerchantID == "":
		return invalid("merchant_id", "is required")
	case cfg.Role != "" && cfg.Tier != "":
		return invalid("tier", "a config is scoped by role or by tier, not both")
	case cfg.Role == "" && cfg.Tier == "":
		return invalid("role", "either role or tier is required")
	}

	quota := withBurstDefaults(cfg.Quota())
	if err := ValidateQuota(quota); err != nil {
		return err
	}
	cfg.ApplyQuota(quota)
	cfg.ID = uuid.Nil
	cfg.IsActive = true

	if err := r.repo.Create(ctx, cfg); err != nil {
		return err
	}

	r.logger.Info("budget config created",
		zap.String("id", cfg.ID.String()),
		zap.String("merchant_id", cfg.MerchantID),
		zap.String("role", cfg.Role),
		zap.String("tier", cfg.Tier),
	)
	return nil
}

// Update replaces the quota of an active config. Administrators and the
// tuner both write through here.
func (r *BudgetResolver) Update(ctx context.Context, id string, quota models.Quota) (*models.BudgetConfig, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, invalid("id", "must be a UUID")
	}

	quota = withBurstDefaults(quota)
	if err := ValidateQuota(quota); err != nil {
		return nil, err
	}

	if err := r.repo.UpdateQuota(ctx, id, quota); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to update budget config: %w", err)
	}

	return r.repo.FindByID(ctx, id)
}

func (r *BudgetResolver) Get(ctx context.Context, id string) (*models.BudgetConfig, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, invalid("id", "must be a UUID")
	}
	return r.repo.FindByID(ctx, id)
}

func (r *BudgetResolver) List(ctx context.Context, merchantID string, activeOnly bool) ([]models.BudgetConfig, error) {
	return r.repo.List(ctx, merchantID, activeOnly)
}

// Deactivate soft-deletes a config; the next resolution for its scope
// materializes a fresh default.
func (r *BudgetResolver) Deactivate(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, invalid("id", "must be a UUID")
	}

	ok, err := r.repo.Deactivate(ctx, id)
	if err == nil && ok {
		r.logger.Info("budget config deactivated", zap.String("id", id))
	}
	return ok, err
}
