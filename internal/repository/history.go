package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aman-churiwal/rate-guard/internal/models"
	"github.com/aman-churiwal/rate-guard/internal/storage"
)

// Columns history can be grouped or filtered by
const (
	ColumnEndpoint   = "endpoint"
	ColumnRole       = "role"
	ColumnIPAddress  = "ip_address"
	ColumnUserID     = "user_id"
	ColumnMerchantID = "merchant_id"
)

var groupableColumns = map[string]bool{
	ColumnEndpoint:   true,
	ColumnRole:       true,
	ColumnIPAddress:  true,
	ColumnUserID:     true,
	ColumnMerchantID: true,
}

// Weighted request totals for one group
type GroupStat struct {
	Key       string `gorm:"column:group_key" json:"key"`
	Total     int64  `gorm:"column:total" json:"total"`
	Throttled int64  `gorm:"column:throttled" json:"throttled"`
	Burst     int64  `gorm:"column:burst" json:"burst"`
}

// Traffic seen for one (merchant, endpoint) pair
type PairStat struct {
	MerchantID string `gorm:"column:merchant_id"`
	Endpoint   string `gorm:"column:endpoint"`
	Total      int64  `gorm:"column:total"`
	Throttled  int64  `gorm:"column:throttled"`
}

// Counts consumed by the external fraud scorer
type SignalCounts struct {
	ThrottledEvents   int64 `gorm:"column:throttled" json:"throttled_events"`
	BurstUsages       int64 `gorm:"column:burst" json:"burst_usages"`
	DistinctEndpoints int64 `gorm:"column:endpoints" json:"distinct_endpoints"`
}

const aggregateSelect = "COALESCE(SUM(request_count), 0) AS total, " +
	"COALESCE(SUM(CASE WHEN was_throttled THEN request_count ELSE 0 END), 0) AS throttled, " +
	"COALESCE(SUM(CASE WHEN burst_active THEN request_count ELSE 0 END), 0) AS burst"

const pairSelect = "merchant_id, endpoint, " +
	"COALESCE(SUM(request_count), 0) AS total, " +
	"COALESCE(SUM(CASE WHEN was_throttled THEN request_count ELSE 0 END), 0) AS throttled"

const signalSelect = "COALESCE(SUM(CASE WHEN was_throttled THEN 1 ELSE 0 END), 0) AS throttled, " +
	"COALESCE(SUM(CASE WHEN burst_active THEN 1 ELSE 0 END), 0) AS burst, " +
	"COUNT(DISTINCT endpoint) AS endpoints"

type HistoryRepository struct {
	db *storage.Postgres
}

func NewHistoryRepository(db *storage.Postgres) *HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) Create(ctx context.Context, record *models.HistoryRecord) error {
	return r.db.DB.WithContext(ctx).Create(record).Error
}

// Inserts multiple records (for batch insertion)
func (r *HistoryRepository) CreateBatch(ctx context.Context, records []models.HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}

	return r.db.DB.WithContext(ctx).CreateInBatches(&records, 500).Error
}

// Counts quota throttles (hard blocks excluded) for a single IP or user
// since a point in time
func (r *HistoryRepository) CountThrottled(ctx context.Context, column, value string, since time.Time) (int64, error) {
	if column != ColumnIPAddress && column != ColumnUserID {
		return 0, fmt.Errorf("cannot count throttles by %q", column)
	}

	var count int64
	err := r.db.DB.WithContext(ctx).
		Model(&models.HistoryRecord{}).
		Where(column+" = ? AND was_throttled = ? AND limit_applied > 0 AND timestamp >= ?", value, true, since).
		Count(&count).Error

	return count, err
}

// Totals across all records in [from, to)
func (r *HistoryRepository) Totals(ctx context.Context, from, to time.Time) (GroupStat, error) {
	var stat GroupStat

	err := r.db.DB.WithContext(ctx).
		Model(&models.HistoryRecord{}).
		Select(aggregateSelect).
		Where("timestamp >= ? AND timestamp < ?", from, to).
		Scan(&stat).Error

	return stat, err
}

// Totals grouped by one column, ordered by traffic
func (r *HistoryRepository) GroupBy(ctx context.Context, column string, from, to time.Time) ([]GroupStat, error) {
	if !groupableColumns[column] {
		return nil, fmt.Errorf("cannot group history by %q", column)
	}

	var stats []GroupStat
	err := r.db.DB.WithContext(ctx).
		Model(&models.HistoryRecord{}).
		Select(column+" AS group_key, "+aggregateSelect).
		Where("timestamp >= ? AND timestamp < ?", from, to).
		Group(column).
		Order("total DESC").
		Scan(&stats).Error

	return stats, err
}

// Returns the identities with the most throttled requests
func (r *HistoryRepository) TopThrottled(ctx context.Context, column string, from, to time.Time, limit int) ([]GroupStat, error) {
	if column != ColumnIPAddress && column != ColumnUserID {
		return nil, fmt.Errorf("cannot rank throttles by %q", column)
	}

	var stats []GroupStat
	err := r.db.DB.WithContext(ctx).
		Model(&models.HistoryRecord{}).
		Select(column+" AS group_key, "+aggregateSelect).
		Where("timestamp >= ? AND timestamp < ? AND was_throttled = ? AND "+column+" <> ''", from, to, true).
		Group(column).
		Order("throttled DESC").
		Limit(limit).
		Scan(&stats).Error

	return stats, err
}

// Traffic per (merchant, endpoint) pair for merchants that had any. Hard
// blocks (limit 0) are left out; they say nothing about quota pressure.
func (r *HistoryRepository) MerchantEndpointStats(ctx context.Context, from, to time.Time) ([]PairStat, error) {
	var stats []PairStat

	err := r.db.DB.WithContext(ctx).
		Model(&models.HistoryRecord{}).
		Select(pairSelect).
		Where("timestamp >= ? AND timestamp < ? AND merchant_id <> '' AND limit_applied > 0", from, to).
		Group("merchant_id, endpoint").
		Order("merchant_id ASC, endpoint ASC").
		Scan(&stats).Error

	return stats, err
}

// Signal counts for a (user, ip) pair; either side may be empty
func (r *HistoryRepository) SignalCounts(ctx context.Context, userID, ip string, since time.Time) (SignalCounts, error) {
	var counts SignalCounts

	q := r.db.DB.WithContext(ctx).
		Model(&models.HistoryRecord{}).
		Select(signalSelect).
		Where("timestamp >= ?", since)

	switch {
	case userID != "" && ip != "":
		q = q.Where("(user_id = ? OR ip_address = ?)", userID, ip)
	case userID != "":
		q = q.Where("user_id = ?", userID)
	case ip != "":
		q = q.Where("ip_address = ?", ip)
	default:
		return counts, nil
	}

	err := q.Scan(&counts).Error
	return counts, err
}

// Retrieves a user's throttled records, newest first
func (r *HistoryRepository) FindThrottledByUser(ctx context.Context, userID string, from, to time.Time, limit, offset int) ([]models.HistoryRecord, error) {
	var records []models.HistoryRecord

	err := r.db.DB.WithContext(ctx).
		Where("user_id = ? AND was_throttled = ? AND timestamp BETWEEN ? AND ?", userID, true, from, to).
		Order("timestamp DESC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error

	return records, err
}

// Deletes records older than the specified time
func (r *HistoryRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.DB.WithContext(ctx).
		Where("timestamp < ?", before).
		Delete(&models.HistoryRecord{})

	return result.RowsAffected, result.Error
}
