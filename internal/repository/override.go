package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aman-churiwal/rate-guard/internal/models"
	"github.com/aman-churiwal/rate-guard/internal/storage"
	"gorm.io/gorm"
)

type OverrideRepository struct {
	db *storage.Postgres
}

func NewOverrideRepository(db *storage.Postgres) *OverrideRepository {
	return &OverrideRepository{db: db}
}

// Retrieves the active entry for an exact (kind, scope type, value) match
func (r *OverrideRepository) FindActive(ctx context.Context, kind models.OverrideKind, scope models.ScopeType, value string) (*models.OverrideEntry, error) {
	var entry models.OverrideEntry
	err := r.db.DB.WithContext(ctx).
		Where("kind = ? AND scope_type = ? AND scope_value = ? AND is_active = ?", kind, scope, value, true).
		First(&entry).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	return &entry, err
}

// Scope type and value of one identity facet
type ScopeRef struct {
	Type  models.ScopeType
	Value string
}

// Retrieves active entries of both kinds matching any of the given scopes
// in a single round trip
func (r *OverrideRepository) FindActiveByScopes(ctx context.Context, scopes []ScopeRef) ([]models.OverrideEntry, error) {
	clauses := make([]string, 0, len(scopes))
	args := make([]interface{}, 0, 2*len(scopes)+1)
	args = append(args, true)

	for _, s := range scopes {
		if s.Value == "" {
			continue
		}
		clauses = append(clauses, "(scope_type = ? AND scope_value = ?)")
		args = append(args, s.Type, s.Value)
	}

	if len(clauses) == 0 {
		return nil, nil
	}

	var entries []models.OverrideEntry
	err := r.db.DB.WithContext(ctx).
		Where("is_active = ? AND ("+strings.Join(clauses, " OR ")+")", args...).
		Find(&entries).Error

	return entries, err
}

func (r *OverrideRepository) FindByID(ctx context.Context, id string) (*models.OverrideEntry, error) {
	var entry models.OverrideEntry
	err := r.db.DB.WithContext(ctx).
		Where("id = ?", id).
		First(&entry).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	return &entry, err
}

// Creates the entry, or re-activates and updates the existing one for the
// same (kind, scope type, value)
func (r *OverrideRepository) Upsert(ctx context.Context, entry *models.OverrideEntry) error {
	return r.db.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.OverrideEntry
		err := tx.
			Where("kind = ? AND scope_type = ? AND scope_value = ?", entry.Kind, entry.ScopeType, entry.ScopeValue).
			Order("is_active DESC, updated_at DESC").
			First(&existing).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			entry.IsActive = true
			return tx.Create(entry).Error
		}
		if err != nil {
			return err
		}

		err = tx.Model(&existing).
			Select("reason", "detail", "added_by", "expires_at", "is_active", "updated_at").
			Updates(&models.OverrideEntry{
				Reason:    entry.Reason,
				Detail:    entry.Detail,
				AddedBy:   entry.AddedBy,
				ExpiresAt: entry.ExpiresAt,
				IsActive:  true,
				UpdatedAt: time.Now().UTC(),
			}).Error
		if err != nil {
			return err
		}

		existing.Reason = entry.Reason
		existing.Detail = entry.Detail
		existing.AddedBy = entry.AddedBy
		existing.ExpiresAt = entry.ExpiresAt
		existing.IsActive = true
		*entry = existing
		return nil
	})
}

// Flips an entry inactive; reports whether it was active
func (r *OverrideRepository) Deactivate(ctx context.Context, id string) (bool, error) {
	result := r.db.DB.WithContext(ctx).
		Model(&models.OverrideEntry{}).
		Where("id = ? AND is_active = ?", id, true).
		Update("is_active", false)

	return result.RowsAffected > 0, result.Error
}

// Lists entries of one kind; activeOnly hides deactivated rows
func (r *OverrideRepository) List(ctx context.Context, kind models.OverrideKind, activeOnly bool) ([]models.OverrideEntry, error) {
	var entries []models.OverrideEntry

	q := r.db.DB.WithContext(ctx).Order("created_at DESC")
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}

	err := q.Find(&entries).Error
	return entries, err
}

// Deactivates every active entry whose expiry has passed
func (r *OverrideRepository) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.DB.WithContext(ctx).
		Model(&models.OverrideEntry{}).
		Where("is_active = ? AND expires_at IS NOT NULL AND expires_at <= ?", true, now).
		Update("is_active", false)

	return result.RowsAffected, result.Error
}
