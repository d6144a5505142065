package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type OverrideKind string

const (
	OverrideAllow OverrideKind = "allow"
	OverrideDeny  OverrideKind = "deny"
)

type ScopeType string

const (
	ScopeIP       ScopeType = "ip"
	ScopeUser     ScopeType = "user"
	ScopeMerchant ScopeType = "merchant"
)

func (s ScopeType) Valid() bool {
	switch s {
	case ScopeIP, ScopeUser, ScopeMerchant:
		return true
	}
	return false
}

// An allow-list or deny-list entry. (kind, scope type, scope value) is
// unique among active entries.
type OverrideEntry struct {
	ID         uuid.UUID    `gorm:"type:uuid;primary_key" json:"id"`
	Kind       OverrideKind `gorm:"not null;uniqueIndex:idx_override_scope_active,where:is_active = true" json:"kind"`
	ScopeType  ScopeType    `gorm:"not null;uniqueIndex:idx_override_scope_active,where:is_active = true" json:"scope_type"`
	ScopeValue string       `gorm:"not null;uniqueIndex:idx_override_scope_active,where:is_active = true;index" json:"scope_value"`
	Reason     string       `gorm:"not null" json:"reason"`
	Detail     string       `json:"detail,omitempty"`
	AddedBy    string       `gorm:"not null" json:"added_by"`
	ExpiresAt  *time.Time   `json:"expires_at,omitempty"`
	IsActive   bool         `gorm:"default:true;index" json:"is_active"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func (o *OverrideEntry) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

func (OverrideEntry) TableName() string {
	return "override_entries"
}

func (o *OverrideEntry) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}
