package models

import "time"

// One gate decision. Append-only.
type HistoryRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Timestamp    time.Time `gorm:"index" json:"timestamp"`
	UserID       string    `gorm:"index" json:"user_id,omitempty"`
	Role         string    `json:"role,omitempty"`
	MerchantID   string    `gorm:"index" json:"merchant_id,omitempty"`
	MerchantTier string    `json:"merchant_tier,omitempty"`
	Endpoint     string    `gorm:"index" json:"endpoint"`
	IPAddress    string    `gorm:"index" json:"ip_address"`
	RequestCount int       `gorm:"not null;default:1" json:"request_count"`
	LimitApplied int       `json:"limit_applied"`
	WasThrottled bool      `gorm:"index" json:"was_throttled"`
	BurstActive  bool      `json:"burst_active"`
	UserAgent    string    `json:"user_agent,omitempty"`
}

func (HistoryRecord) TableName() string {
	return "rate_limit_history"
}
