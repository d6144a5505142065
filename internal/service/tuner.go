package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/aman-churiwal/rate-guard/internal/config"
	"github.com/aman-churiwal/rate-guard/internal/metrics"
	"github.com/aman-churiwal/rate-guard/internal/models"
	"github.com/aman-churiwal/rate-guard/internal/periodic"
	"github.com/aman-churiwal/rate-guard/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Direction of one tuning step
type Direction string

const (
	DirectionUp   Direction = "increase"
	DirectionDown Direction = "decrease"
	DirectionHold Direction = "hold"
)

// ErrTickInProgress is returned by RunNow while a tick is still running.
var ErrTickInProgress = periodic.ErrAlreadyRunning

type Adjustment struct {
	ConfigID   string       `json:"config_id"`
	MerchantID string       `json:"merchant_id"`
	Role       string       `json:"role,omitempty"`
	Tier       string       `json:"tier,omitempty"`
	Direction  Direction    `json:"direction"`
	Before     models.Quota `json:"before"`
	After      models.Quota `json:"after"`
}

type TickReport struct {
	StartedAt          time.Time    `json:"started_at"`
	Duration           string       `json:"duration"`
	MerchantsEvaluated int          `json:"merchants_evaluated"`
	Adjustments        []Adjustment `json:"adjustments"`
	Errors             int          `json:"errors"`
}

// Tuner nudges stored budgets toward the observed throttle rate. Each tick
// reads the trailing lookback window of history and, per merchant, steps
// every active config up or down.
type Tuner struct {
	history *repository.HistoryRepository
	budgets *BudgetResolver
	cfg     config.TunerConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	task *periodic.Task

	mu   sync.Mutex
	last *TickReport
}

func NewTuner(history *repository.HistoryRepository, budgets *BudgetResolver, cfg config.TunerConfig, logger *zap.Logger, m *metrics.Metrics) *Tuner {
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Tuner{
		history: history,
		budgets: budgets,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "tuner")),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
	t.task = periodic.New("adaptive-tuner", cfg.Interval, func(ctx context.Context) error {
		_, err := t.Tick(ctx)
		return err
	}, logger)
	return t
}

func (t *Tuner) Start(ctx context.Context) {
	t.task.Start(ctx)
}

func (t *Tuner) Stop() {
	t.task.Stop()
}

// RunNow runs one tick outside the schedule. Ticks never overlap: while one
// is running it returns ErrTickInProgress.
func (t *Tuner) RunNow(ctx context.Context) (*TickReport, error) {
	ran, err := t.task.RunOnce(ctx)
	if !ran {
		return nil, ErrTickInProgress
	}
	return t.LastReport(), err
}

func (t *Tuner) LastReport() *TickReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Decide returns the step for one merchant from its (merchant, endpoint)
// pairs. Any pair above the high threshold pulls the merchant down; it goes
// up only when every pair with traffic is below the low threshold.
func (t *Tuner) Decide(pairs []repository.PairStat) Direction {
	withTraffic := 0
	allLow := true

	for _, p := range pairs {
		if p.Total <= 0 {
			continue
		}
		withTraffic++

		rate := float64(p.Throttled) / float64(p.Total)
		if rate > t.cfg.HighThreshold {
			return DirectionDown
		}
		if rate >= t.cfg.LowThreshold {
			allLow = false
		}
	}

	if withTraffic > 0 && allLow {
		return DirectionUp
	}
	return DirectionHold
}

// Rescale applies one step to a quota. The per-minute ceiling moves by
// StepPercent, rounded up going up and down going down, and never drops
// below MinPerMinute. The other ceilings follow by the same ratio within
// their own floors and stay ordered day >= hour >= minute >= second.
func (t *Tuner) Rescale(q models.Quota, dir Direction) models.Quota {
	if dir == DirectionHold || q.RequestsPerMinute <= 0 {
		return q
	}

	old := int64(q.RequestsPerMinute)
	step := int64(t.cfg.StepPercent)

	// A config already at or under the floor is never pulled up by a decrease
	if dir == DirectionDown && old <= int64(t.cfg.MinPerMinute) {
		return q
	}

	var next int64
	if dir == DirectionUp {
		next = (old*(100+step) + 99) / 100
	} else {
		next = old * (100 - step) / 100
	}
	next = max(next, int64(t.cfg.MinPerMinute))
	if next == old {
		return q
	}

	scale := func(v int64, floor int) int {
		var out int64
		if next > old {
			out = (v*next + old - 1) / old
		} else {
			out = v * next / old
		}
		return int(max(out, int64(floor)))
	}

	out := q
	out.RequestsPerMinute = int(next)
	out.RequestsPerSecond = scale(int64(q.RequestsPerSecond), t.cfg.MinPerSecond)
	out.RequestsPerHour = scale(int64(q.RequestsPerHour), t.cfg.MinPerHour)
	out.RequestsPerDay = scale(int64(q.RequestsPerDay), t.cfg.MinPerDay)

	out.RequestsPerSecond = min(out.RequestsPerSecond, out.RequestsPerMinute)
	out.RequestsPerHour = max(out.RequestsPerHour, out.RequestsPerMinute)
	out.RequestsPerDay = max(out.RequestsPerDay, out.RequestsPerHour)

	return out
}

// Tick runs one tuning pass. Merchants without traffic in the window are
// skipped.
func (t *Tuner) Tick(ctx context.Context) (*TickReport, error) {
	started := t.now()
	report := &TickReport{StartedAt: started, Adjustments: []Adjustment{}}

	defer func() {
		elapsed := t.now().Sub(started)
		report.Duration = elapsed.String()
		t.metrics.RecordTunerTick(elapsed.Seconds())

		t.mu.Lock()
		t.last = report
		t.mu.Unlock()
	}()

	stats, err := t.history.MerchantEndpointStats(ctx, started.Add(-t.cfg.Lookback), started)
	if err != nil {
		t.logger.Error("failed to read history for tuning", zap.Error(err))
		return report, err
	}

	byMerchant := make(map[string][]repository.PairStat)
	for _, s := range stats {
		byMerchant[s.MerchantID] = append(byMerchant[s.MerchantID], s)
	}

	merchants := make([]string, 0, len(byMerchant))
	for id := range byMerchant {
		merchants = append(merchants, id)
	}
	sort.Strings(merchants)
	report.MerchantsEvaluated = len(merchants)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.MaxConcurrency)

	for _, merchantID := range merchants {
		dir := t.Decide(byMerchant[merchantID])
		if dir == DirectionHold {
			continue
		}

		g.Go(func() error {
			adjusted, errs := t.adjustMerchant(gctx, merchantID, dir)

			mu.Lock()
			report.Adjustments = append(report.Adjustments, adjusted...)
			report.Errors += errs
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Adjustments, func(i, j int) bool {
		a, b := report.Adjustments[i], report.Adjustments[j]
		if a.MerchantID != b.MerchantID {
			return a.MerchantID < b.MerchantID
		}
		return a.ConfigID < b.ConfigID
	})

	t.logger.Info("tuner tick complete",
		zap.Int("merchants", report.MerchantsEvaluated),
		zap.Int("adjustments", len(report.Adjustments)),
		zap.Int("errors", report.Errors),
	)

	if report.Errors > 0 {
		return report, errors.New("some budget updates failed")
	}
	return report, nil
}

func (t *Tuner) adjustMerchant(ctx context.Context, merchantID string, dir Direction) ([]Adjustment, int) {
	configs, err := t.budgets.List(ctx, merchantID, true)
	if err != nil {
		t.logger.Warn("failed to list budgets", zap.String("merchant_id", merchantID), zap.Error(err))
		return nil, 1
	}

	var out []Adjustment
	errs := 0

	for _, cfg := range configs {
		before := cfg.Quota()
		after := t.Rescale(before, dir)
		if after == before {
			continue
		}

		updated, err := t.budgets.Update(ctx, cfg.ID.String(), after)
		if err != nil || updated == nil {
			errs++
			t.logger.Warn("failed to apply tuned budget",
				zap.String("config_id", cfg.ID.String()),
				zap.Error(err),
			)
			continue
		}

		t.metrics.RecordTunerAdjustment(string(dir))
		t.logger.Info("budget tuned",
			zap.String("config_id", cfg.ID.String()),
			zap.String("merchant_id", merchantID),
			zap.String("direction", string(dir)),
			zap.Int("rpm_before", before.RequestsPerMinute),
			zap.Int("rpm_after", after.RequestsPerMinute),
		)

		out = append(out, Adjustment{
			ConfigID:   cfg.ID.String(),
			MerchantID: merchantID,
			Role:       cfg.Role,
			Tier:       cfg.Tier,
			Direction:  dir,
			Before:     before,
			After:      updated.Quota(),
		})
	}

	return out, errs
}
