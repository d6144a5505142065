package models

import (
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// A quota tuple for one scope: (merchant, role) or (merchant, tier).
// At most one active row exists per scope.
type BudgetConfig struct {
	ID                   uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	MerchantID           string    `gorm:"not null;uniqueIndex:idx_budget_scope_active,where:is_active = true" json:"merchant_id"`
	Role                 string    `gorm:"uniqueIndex:idx_budget_scope_active,where:is_active = true" json:"role,omitempty"`
	Tier                 string    `gorm:"uniqueIndex:idx_budget_scope_active,where:is_active = true" json:"tier,omitempty"`
	RequestsPerSecond    int       `gorm:"not null" json:"requests_per_second"`
	RequestsPerMinute    int       `gorm:"not null" json:"requests_per_minute"`
	RequestsPerHour      int       `gorm:"not null" json:"requests_per_hour"`
	RequestsPerDay       int       `gorm:"not null" json:"requests_per_day"`
	BurstMultiplier      float64   `gorm:"not null;default:1" json:"burst_multiplier"`
	BurstDurationSeconds int       `gorm:"not null;default:300" json:"burst_duration_seconds"`
	IsActive             bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`

	// Set on the conservative in-memory config returned when the store is down
	Fallback bool `gorm:"-" json:"fallback,omitempty"`
}

func (b *BudgetConfig) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

func (BudgetConfig) TableName() string {
	return "budget_configs"
}

// Requests per minute allowed while burst mode is in force
func (b *BudgetConfig) BurstLimit() int {
	return int(math.Floor(float64(b.RequestsPerMinute) * b.BurstMultiplier))
}

func (b *BudgetConfig) BurstDuration() time.Duration {
	return time.Duration(b.BurstDurationSeconds) * time.Second
}

// Quota ceilings without identity or bookkeeping fields
type Quota struct {
	RequestsPerSecond    int     `json:"requests_per_second"`
	RequestsPerMinute    int     `json:"requests_per_minute"`
	RequestsPerHour      int     `json:"requests_per_hour"`
	RequestsPerDay       int     `json:"requests_per_day"`
	BurstMultiplier      float64 `json:"burst_multiplier"`
	BurstDurationSeconds int     `json:"burst_duration_seconds"`
}

func (b *BudgetConfig) Quota() Quota {
	return Quota{
		RequestsPerSecond:    b.RequestsPerSecond,
		RequestsPerMinute:    b.RequestsPerMinute,
		RequestsPerHour:      b.RequestsPerHour,
		RequestsPerDay:       b.RequestsPerDay,
		BurstMultiplier:      b.BurstMultiplier,
		BurstDurationSeconds: b.BurstDurationSeconds,
	}
}

func (b *BudgetConfig) ApplyQuota(q Quota) {
	b.RequestsPerSecond = q.RequestsPerSecond
	b.RequestsPerMinute = q.RequestsPerMinute
	b.RequestsPerHour = q.RequestsPerHour
	b.RequestsPerDay = q.RequestsPerDay
	b.BurstMultiplier = q.BurstMultiplier
	b.BurstDurationSeconds = q.BurstDurationSeconds
}
