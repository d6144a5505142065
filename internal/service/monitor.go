package service

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/aman-churiwal/rate-guard/internal/config"
	"github.com/aman-churiwal/rate-guard/internal/metrics"
	"github.com/aman-churiwal/rate-guard/internal/models"
	"github.com/aman-churiwal/rate-guard/internal/periodic"
	"github.com/aman-churiwal/rate-guard/internal/ratelimit"
	"github.com/aman-churiwal/rate-guard/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Aggregation windows
const (
	TimeframeMinute = "minute"
	TimeframeHour   = "hour"
	TimeframeDay    = "day"
)

var timeframes = map[string]time.Duration{
	TimeframeMinute: time.Minute,
	TimeframeHour:   time.Hour,
	TimeframeDay:    24 * time.Hour,
}

// Reason recorded on deny entries created by escalation
const AbuseReason = "abuse"

type pendingEscalation struct {
	scope models.ScopeType
	value string
	count int64
}

// Monitor is the history sink. It batches decision records into the
// durable store, keeps a rolling in-process view of the last minute and
// promotes repeatedly throttled identities to the deny-list.
type Monitor struct {
	repo      *repository.HistoryRepository
	overrides *OverrideService
	burst     *ratelimit.BurstState
	cfg       config.MonitorConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics

	sampleRate float64
	random     func() float64
	now        func() time.Time

	window   rollingWindow
	queue    chan models.HistoryRecord
	overflow *semaphore.Weighted

	mu      sync.Mutex
	pending map[string]pendingEscalation

	maintenance *periodic.Task
	lifecycle   sync.Mutex
	stop        chan struct{}
	done        chan struct{}
}

func NewMonitor(
	repo *repository.HistoryRepository,
	overrides *OverrideService,
	burst *ratelimit.BurstState,
	cfg config.MonitorConfig,
	sampleRate float64,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1
	}

	mon := &Monitor{
		repo:       repo,
		overrides:  overrides,
		burst:      burst,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "monitor")),
		metrics:    m,
		sampleRate: sampleRate,
		random:     rand.Float64,
		now:        func() time.Time { return time.Now().UTC() },
		queue:      make(chan models.HistoryRecord, cfg.BufferSize),
		overflow:   semaphore.NewWeighted(int64(max(cfg.OverflowWriters, 1))),
		pending:    make(map[string]pendingEscalation),
	}
	mon.maintenance = periodic.New("monitor-maintenance", cfg.RetryInterval, mon.Maintain, logger)
	return mon
}

// Record accepts one decision without blocking. Admitted decisions are
// sampled; throttled ones are always kept unless both the buffer and the
// overflow writers are full.
func (m *Monitor) Record(rec models.HistoryRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now()
	}
	rec.Timestamp = rec.Timestamp.UTC()

	m.window.add(rec.Timestamp, rec.WasThrottled, rec.BurstActive)

	if rec.RequestCount <= 0 {
		rec.RequestCount = 1
	}
	if !rec.WasThrottled && m.sampleRate < 1 {
		if m.random() >= m.sampleRate {
			return
		}
		// Each kept sample stands in for the ones skipped
		rec.RequestCount = int(math.Round(1 / m.sampleRate))
	}

	select {
	case m.queue <- rec:
	default:
		// Throttles feed escalation, so they get a bounded number of direct
		// writers; admitted samples are only dropped
		if rec.WasThrottled && m.overflow.TryAcquire(1) {
			go m.writeDirect(rec)
			return
		}
		m.metrics.RecordHistoryDropped(rec.WasThrottled)
		m.logger.Debug("history buffer full, dropping record", zap.Bool("throttled", rec.WasThrottled))
	}
}

// Holds one overflow slot, released on return
func (m *Monitor) writeDirect(rec models.HistoryRecord) {
	defer m.overflow.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Write(ctx, rec); err != nil {
		m.logger.Warn("direct history write failed", zap.Error(err))
	}
}

// Write persists records and then runs abuse escalation for every identity
// throttled among them. Escalation failures are queued for retry and do
// not fail the write.
func (m *Monitor) Write(ctx context.Context, records ...models.HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}

	if err := m.repo.CreateBatch(ctx, records); err != nil {
		m.metrics.RecordHistoryWrite(false, len(records))
		return fmt.Errorf("%w: failed to write %d history records: %v", ErrStoreUnavailable, len(records), err)
	}
	m.metrics.RecordHistoryWrite(true, len(records))

	m.escalate(ctx, records)
	return nil
}

func (m *Monitor) escalate(ctx context.Context, records []models.HistoryRecord) {
	seen := make(map[string]bool)

	for _, rec := range records {
		if !rec.WasThrottled || rec.LimitApplied == 0 {
			continue
		}
		if rec.IPAddress != "" && !seen["ip:"+rec.IPAddress] {
			seen["ip:"+rec.IPAddress] = true
			m.checkEscalation(ctx, models.ScopeIP, rec.IPAddress)
		}
		if rec.UserID != "" && !seen["user:"+rec.UserID] {
			seen["user:"+rec.UserID] = true
			m.checkEscalation(ctx, models.ScopeUser, rec.UserID)
		}
	}
}

func (m *Monitor) checkEscalation(ctx context.Context, scope models.ScopeType, value string) {
	column, threshold := repository.ColumnIPAddress, m.cfg.IPThreshold
	if scope == models.ScopeUser {
		column, threshold = repository.ColumnUserID, m.cfg.UserThreshold
	}

	count, err := m.repo.CountThrottled(ctx, column, value, m.now().Add(-m.cfg.EscalationWindow))
	if err != nil {
		m.logger.Warn("failed to count recent throttles",
			zap.String("scope_type", string(scope)),
			zap.String("scope_value", value),
			zap.Error(err),
		)
		return
	}
	if count <= int64(threshold) {
		return
	}

	denied, err := m.overrides.IsDenied(ctx, scope, value)
	if err != nil {
		m.queueEscalation(pendingEscalation{scope: scope, value: value, count: count}, err)
		return
	}
	if denied {
		return
	}

	if err := m.deny(ctx, scope, value, count); err != nil {
		m.queueEscalation(pendingEscalation{scope: scope, value: value, count: count}, err)
	}
}

func (m *Monitor) deny(ctx context.Context, scope models.ScopeType, value string, count int64) error {
	expiresAt := m.now().Add(m.cfg.BlockDuration)

	_, err := m.overrides.Add(ctx, models.OverrideDeny, OverrideInput{
		ScopeType:  scope,
		ScopeValue: value,
		Reason:     AbuseReason,
		Detail:     fmt.Sprintf("%d throttled requests within %s", count, m.cfg.EscalationWindow),
		AddedBy:    SystemActor,
		ExpiresAt:  &expiresAt,
	})
	m.metrics.RecordEscalation(string(scope), err == nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEscalationWrite, err)
	}

	m.logger.Warn("identity escalated to deny-list",
		zap.String("scope_type", string(scope)),
		zap.String("scope_value", value),
		zap.Int64("throttled", count),
		zap.Time("expires_at", expiresAt),
	)
	return nil
}

func (m *Monitor) queueEscalation(p pendingEscalation, err error) {
	m.mu.Lock()
	m.pending[string(p.scope)+":"+p.value] = p
	m.mu.Unlock()

	m.logger.Error("escalation failed, will retry",
		zap.String("scope_type", string(p.scope)),
		zap.String("scope_value", p.value),
		zap.Error(err),
	)
}

func (m *Monitor) PendingEscalations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Maintain retries failed escalations, sweeps expired overrides and applies
// history retention. It is the monitor's periodic tick.
func (m *Monitor) Maintain(ctx context.Context) error {
	m.mu.Lock()
	batch := make([]pendingEscalation, 0, len(m.pending))
	for _, p := range m.pending {
		batch = append(batch, p)
	}
	m.mu.Unlock()

	var failed int
	for _, p := range batch {
		if err := m.deny(ctx, p.scope, p.value, p.count); err != nil {
			failed++
			continue
		}
		m.mu.Lock()
		delete(m.pending, string(p.scope)+":"+p.value)
		m.mu.Unlock()
	}

	if _, err := m.overrides.SweepExpired(ctx); err != nil {
		m.logger.Warn("override sweep failed", zap.Error(err))
	}

	if m.cfg.Retention > 0 {
		n, err := m.repo.DeleteOlderThan(ctx, m.now().Add(-m.cfg.Retention))
		if err != nil {
			m.logger.Warn("history retention failed", zap.Error(err))
		} else if n > 0 {
			m.logger.Info("old history deleted", zap.Int64("count", n), zap.Duration("retention", m.cfg.Retention))
		}
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d escalations still pending", ErrEscalationWrite, failed)
	}
	return nil
}

// Start launches the batch writer and the maintenance tick.
func (m *Monitor) Start(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go m.run(m.stop, m.done)
	m.maintenance.Start(ctx)
}

// Stop flushes everything still buffered and stops background work.
func (m *Monitor) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.stop == nil {
		return
	}
	close(m.stop)
	<-m.done
	m.stop, m.done = nil, nil

	m.maintenance.Stop()
}

func (m *Monitor) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	batchSize := m.cfg.BatchSize
	batch := make([]models.HistoryRecord, 0, batchSize)
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.Write(ctx, batch...); err != nil {
			m.logger.Error("history batch write failed", zap.Int("records", len(batch)), zap.Error(err))
		}
		cancel()
		batch = make([]models.HistoryRecord, 0, batchSize)
	}

	for {
		select {
		case rec := <-m.queue:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-stop:
			for {
				select {
				case rec := <-m.queue:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Traffic for one group within a report
type Breakdown struct {
	Key          string  `json:"key"`
	Total        int64   `json:"total"`
	Throttled    int64   `json:"throttled"`
	ThrottleRate float64 `json:"throttle_rate"`
	Burst        int64   `json:"burst"`
	BurstRate    float64 `json:"burst_rate"`
}

func newBreakdown(s repository.GroupStat) Breakdown {
	return Breakdown{
		Key:          s.Key,
		Total:        s.Total,
		Throttled:    s.Throttled,
		ThrottleRate: ratio(s.Throttled, s.Total),
		Burst:        s.Burst,
		BurstRate:    ratio(s.Burst, s.Total),
	}
}

func ratio(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}

type MetricsReport struct {
	Timeframe         string      `json:"timeframe"`
	From              time.Time   `json:"from"`
	To                time.Time   `json:"to"`
	TotalRequests     int64       `json:"total_requests"`
	ThrottledRequests int64       `json:"throttled_requests"`
	ThrottleRate      float64     `json:"throttle_rate"`
	BurstRequests     int64       `json:"burst_requests"`
	BurstRate         float64     `json:"burst_rate"`
	ByEndpoint        []Breakdown `json:"by_endpoint"`
	ByRole            []Breakdown `json:"by_role"`
	TopIPs            []Breakdown `json:"top_ips"`
	TopUsers          []Breakdown `json:"top_users"`
}

// Metrics aggregates the durable history over the trailing minute, hour or
// day.
func (m *Monitor) Metrics(ctx context.Context, timeframe string) (*MetricsReport, error) {
	span, ok := timeframes[timeframe]
	if !ok {
		return nil, invalid("timeframe", "must be one of minute, hour, day")
	}

	to := m.now()
	from := to.Add(-span)

	totals, err := m.repo.Totals(ctx, from, to)
	if err != nil {
		return nil, err
	}

	report := &MetricsReport{
		Timeframe:         timeframe,
		From:              from,
		To:                to,
		TotalRequests:     totals.Total,
		ThrottledRequests: totals.Throttled,
		ThrottleRate:      ratio(totals.Throttled, totals.Total),
		BurstRequests:     totals.Burst,
		BurstRate:         ratio(totals.Burst, totals.Total),
	}

	groups := []struct {
		dst  *[]Breakdown
		load func() ([]repository.GroupStat, error)
	}{
		{&report.ByEndpoint, func() ([]repository.GroupStat, error) {
			return m.repo.GroupBy(ctx, repository.ColumnEndpoint, from, to)
		}},
		{&report.ByRole, func() ([]repository.GroupStat, error) {
			return m.repo.GroupBy(ctx, repository.ColumnRole, from, to)
		}},
		{&report.TopIPs, func() ([]repository.GroupStat, error) {
			return m.repo.TopThrottled(ctx, repository.ColumnIPAddress, from, to, m.cfg.TopN)
		}},
		{&report.TopUsers, func() ([]repository.GroupStat, error) {
			return m.repo.TopThrottled(ctx, repository.ColumnUserID, from, to, m.cfg.TopN)
		}},
	}

	for _, g := range groups {
		stats, err := g.load()
		if err != nil {
			return nil, err
		}
		out := make([]Breakdown, 0, len(stats))
		for _, s := range stats {
			out = append(out, newBreakdown(s))
		}
		*g.dst = out
	}

	return report, nil
}

type RealtimeStatus struct {
	Timestamp          time.Time `json:"timestamp"`
	WindowSeconds      int       `json:"window_seconds"`
	Requests           int64     `json:"requests"`
	Throttled          int64     `json:"throttled"`
	Burst              int64     `json:"burst"`
	RequestsPerSecond  float64   `json:"requests_per_second"`
	ThrottleRate       float64   `json:"throttle_rate"`
	ActiveBursts       int64     `json:"active_bursts"` // -1 when the cache could not be counted
	QueueDepth         int       `json:"queue_depth"`
	PendingEscalations int       `json:"pending_escalations"`
}

// RealtimeStatus reports this process's last minute plus a census of the
// burst flags in force across every instance.
func (m *Monitor) RealtimeStatus(ctx context.Context) *RealtimeStatus {
	now := m.now()
	requests, throttled, burst := m.window.totals(now)

	status := &RealtimeStatus{
		Timestamp:          now,
		WindowSeconds:      ringSeconds,
		Requests:           requests,
		Throttled:          throttled,
		Burst:              burst,
		RequestsPerSecond:  float64(requests) / ringSeconds,
		ThrottleRate:       ratio(throttled, requests),
		ActiveBursts:       -1,
		QueueDepth:         len(m.queue),
		PendingEscalations: m.PendingEscalations(),
	}

	if m.burst != nil {
		active, err := m.burst.ActiveCount(ctx)
		if err != nil {
			m.logger.Warn("burst census failed", zap.Error(err))
			m.metrics.RecordStoreFallback("redis", "burst_census")
		} else {
			status.ActiveBursts = active
		}
	}

	return status
}

// UserHistory returns a user's throttled decisions, newest first.
func (m *Monitor) UserHistory(ctx context.Context, userID string, from, to time.Time, limit, offset int) ([]models.HistoryRecord, error) {
	if userID == "" {
		return nil, invalid("user_id", "is required")
	}
	if !from.Before(to) {
		return nil, invalid("from", "must be before to")
	}
	return m.repo.FindThrottledByUser(ctx, userID, from.UTC(), to.UTC(), limit, offset)
}

type FraudSignals struct {
	UserID string `json:"user_id,omitempty"`
	IP     string `json:"ip,omitempty"`
	Window string `json:"window"`
	repository.SignalCounts
}

// FraudSignals summarizes a (user, ip) pair over a trailing window for the
// external fraud scorer.
func (m *Monitor) FraudSignals(ctx context.Context, userID, ip string, window time.Duration) (*FraudSignals, error) {
	if userID == "" && ip == "" {
		return nil, invalid("user_id", "user_id or ip is required")
	}
	if window <= 0 || window > 7*24*time.Hour {
		return nil, invalid("window", "must be positive and at most 7 days")
	}

	counts, err := m.repo.SignalCounts(ctx, userID, ip, m.now().Add(-window))
	if err != nil {
		return nil, err
	}

	return &FraudSignals{UserID: userID, IP: ip, Window: window.String(), SignalCounts: counts}, nil
}
