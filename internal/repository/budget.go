package repository

import (
	"context"
	"errors"

	"github.com/aman-churiwal/rate-guard/internal/models"
	"github.com/aman-churiwal/rate-guard/internal/storage"
	"gorm.io/gorm"
)

// Returned when an active config already exists for the scope
var ErrDuplicateScope = errors.New("an active budget config already exists for this scope")

type BudgetRepository struct {
	db *storage.Postgres
}

func NewBudgetRepository(db *storage.Postgres) *BudgetRepository {
	return &BudgetRepository{db: db}
}

func (r *BudgetRepository) Create(ctx context.Context, cfg *models.BudgetConfig) error {
	err := r.db.DB.WithContext(ctx).Create(cfg).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateScope
	}
	return err
}

func (r *BudgetRepository) FindByID(ctx context.Context, id string) (*models.BudgetConfig, error) {
	var cfg models.BudgetConfig
	err := r.db.DB.WithContext(ctx).
		Where("id = ?", id).
		First(&cfg).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	return &cfg, err
}

// Retrieves the active (merchant, role) config
func (r *BudgetRepository) FindActiveByMerchantRole(ctx context.Context, merchantID, role string) (*models.BudgetConfig, error) {
	return r.findActive(ctx, "merchant_id = ? AND role = ? AND tier = ?", merchantID, role, "")
}

// Retrieves the active (merchant, tier) config
func (r *BudgetRepository) FindActiveByMerchantTier(ctx context.Context, merchantID, tier string) (*models.BudgetConfig, error) {
	return r.findActive(ctx, "merchant_id = ? AND role = ? AND tier = ?", merchantID, "", tier)
}

func (r *BudgetRepository) findActive(ctx context.Context, query string, args ...interface{}) (*models.BudgetConfig, error) {
	var cfg models.BudgetConfig
	err := r.db.DB.WithContext(ctx).
		Where(query, args...).
		Where("is_active = ?", true).
		First(&cfg).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	return &cfg, err
}

// Lists configs, optionally narrowed to one merchant
func (r *BudgetRepository) List(ctx context.Context, merchantID string, activeOnly bool) ([]models.BudgetConfig, error) {
	var configs []models.BudgetConfig

	q := r.db.DB.WithContext(ctx).Order("merchant_id ASC, created_at ASC")
	if merchantID != "" {
		q = q.Where("merchant_id = ?", merchantID)
	}
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}

	err := q.Find(&configs).Error
	return configs, err
}

// Writes all six quota columns, including zero values
func (r *BudgetRepository) UpdateQuota(ctx context.Context, id string, quota models.Quota) error {
	result := r.db.DB.WithContext(ctx).
		Model(&models.BudgetConfig{}).
		Where("id = ? AND is_active = ?", id, true).
		Select("requests_per_second", "requests_per_minute", "requests_per_hour",
			"requests_per_day", "burst_multiplier", "burst_duration_seconds").
		Updates(&models.BudgetConfig{
			RequestsPerSecond:    quota.RequestsPerSecond,
			RequestsPerMinute:    quota.RequestsPerMinute,
			RequestsPerHour:      quota.RequestsPerHour,
			RequestsPerDay:       quota.RequestsPerDay,
			BurstMultiplier:      quota.BurstMultiplier,
			BurstDurationSeconds: quota.BurstDurationSeconds,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Soft-deactivates a config; rows are never hard-deleted
func (r *BudgetRepository) Deactivate(ctx context.Context, id string) (bool, error) {
	result := r.db.DB.WithContext(ctx).
		Model(&models.BudgetConfig{}).
		Where("id = ? AND is_active = ?", id, true).
		Update("is_active", false)

	return result.RowsAffected > 0, result.Error
}
