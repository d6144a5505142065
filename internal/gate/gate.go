// Package gate decides, per request, whether a caller is admitted and under
// which limit.
package gate

import (
	"context"
	"strings"
	"time"

	"github.com/aman-churiwal/rate-guard/internal/circuitbreaker"
	"github.com/aman-churiwal/rate-guard/internal/config"
	"github.com/aman-churiwal/rate-guard/internal/metrics"
	"github.com/aman-churiwal/rate-guard/internal/models"
	"github.com/aman-churiwal/rate-guard/internal/ratelimit"
	"github.com/aman-churiwal/rate-guard/internal/service"
	"github.com/aman-churiwal/rate-guard/internal/storage"
	"go.uber.org/zap"
)

type OverrideChecker interface {
	Evaluate(ctx context.Context, id service.Identity) (service.Verdict, error)
}

type BudgetSource interface {
	Resolve(ctx context.Context, req service.ResolveRequest) *models.BudgetConfig
}

type Recorder interface {
	Record(rec models.HistoryRecord)
}

type Deps struct {
	Overrides OverrideChecker
	Budgets   BudgetSource
	Recorder  Recorder
	Redis     *storage.RedisClient
	Breaker   *circuitbreaker.CircuitBreaker
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type Gate struct {
	cfg        config.GateConfig
	adminRoles map[string]bool

	overrides OverrideChecker
	budgets   BudgetSource
	recorder  Recorder
	redis     *storage.RedisClient
	burst     *ratelimit.BurstState
	local     *ratelimit.LocalLimiter
	breaker   *circuitbreaker.CircuitBreaker

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(cfg config.GateConfig, deps Deps) *Gate {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "gate"))

	breaker := deps.Breaker
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.Config{Name: "redis"})
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	adminRoles := make(map[string]bool, len(cfg.AdminRoles))
	for _, r := range cfg.AdminRoles {
		adminRoles[r] = true
	}

	return &Gate{
		cfg:        cfg,
		adminRoles: adminRoles,
		overrides:  deps.Overrides,
		budgets:    deps.Budgets,
		recorder:   deps.Recorder,
		redis:      deps.Redis,
		burst:      ratelimit.NewBurstState(deps.Redis),
		local:      ratelimit.NewLocalLimiter(cfg.Window, now),
		breaker:    breaker,
		logger:     logger,
		metrics:    deps.Metrics,
		now:        now,
	}
}

// Decide runs the full admission algorithm for one request. It never
// returns an error: store failures degrade to conservative defaults, or to
// a block when the deny-list cannot be read and fails closed.
func (g *Gate) Decide(ctx context.Context, rc RequestContext) Decision {
	start := time.Now()
	d := g.decide(ctx, rc)
	g.metrics.RecordDecision(string(d.Outcome), time.Since(start).Seconds())
	return d
}

func (g *Gate) decide(ctx context.Context, rc RequestContext) Decision {
	if g.Exempt(rc.Endpoint) {
		return Decision{Outcome: OutcomeExempt, Admit: true, Unbounded: true, Source: SourceExempt}
	}

	kind, identity := rc.Identity()
	d := Decision{IdentityKind: kind, Identity: identity}

	verdict, err := g.checkOverrides(ctx, rc)
	if err != nil {
		d.Degraded = true
		g.metrics.RecordStoreFallback("postgres", "override_check")
		g.logger.Warn("override check failed",
			zap.String("identity", kind+":"+identity),
			zap.Bool("fail_open", g.cfg.DenyFailOpen),
			zap.Error(err),
		)
		if !g.cfg.DenyFailOpen {
			return g.block(rc, d, nil)
		}
	}

	// Deny beats allow
	if verdict.Denied != nil {
		return g.block(rc, d, verdict.Denied)
	}
	if verdict.Allowed != nil {
		d.Outcome = OutcomeBypassed
		d.Admit = true
		d.Unbounded = true
		d.Source = SourceAllowList
		d.Override = verdict.Allowed
		return d
	}

	burstKey := kind + ":" + identity

	switch {
	case rc.UserID != "" && rc.MerchantID != "":
		d.Budget = g.resolveBudget(ctx, rc)
		d.Source = SourceBudget
		d.Limit = d.Budget.RequestsPerMinute
		d.Degraded = d.Degraded || d.Budget.Fallback
		d.BurstEligible = !d.Budget.Fallback && d.Budget.BurstMultiplier > 1

		if d.BurstEligible {
			active, err := g.burstActive(ctx, burstKey, rc.Endpoint)
			if err != nil {
				d.Degraded = true
				g.metrics.RecordStoreFallback("redis", "burst_check")
				g.logger.Warn("burst check failed", zap.String("identity", burstKey), zap.Error(err))
			}
			if active {
				d.BurstActive = true
				d.Limit = d.Budget.BurstLimit()
			}
		}
	case rc.UserID != "":
		d.Source = SourceRoleDefault
		d.Limit = g.cfg.UserLimit
		if g.adminRoles[rc.Role] {
			d.Limit = g.cfg.AdminLimit
		}
	default:
		d.Source = SourceAnonymousDefault
		d.Limit = g.cfg.AnonymousLimit
	}

	res, degraded := g.count(ctx, burstKey+":"+rc.Endpoint, d.Limit)
	d.Degraded = d.Degraded || degraded
	d.Remaining = res.Remaining
	d.ResetAt = res.ResetAt

	if res.Allowed {
		d.Outcome = OutcomeAdmitted
		d.Admit = true
		g.record(rc, d)
		return d
	}

	d.Outcome = OutcomeThrottled
	d.RetryAfter = max(d.ResetAt.Sub(g.now()), time.Second)
	g.metrics.RecordThrottle(kind)

	// First throttle while normal enters burst mode for the next attempt
	if d.BurstEligible && !d.BurstActive {
		activated, err := g.activateBurst(ctx, burstKey, rc.Endpoint, d.Budget.BurstDuration())
		if err != nil {
			d.Degraded = true
			g.metrics.RecordStoreFallback("redis", "burst_activate")
			g.logger.Warn("burst activation failed", zap.String("identity", burstKey), zap.Error(err))
		}
		if activated {
			d.BurstActivated = true
			d.RetryAfter = time.Second
			g.metrics.RecordBurstActivation()
			g.logger.Info("burst mode activated",
				zap.String("identity", burstKey),
				zap.String("endpoint", rc.Endpoint),
				zap.Int("burst_limit", d.Budget.BurstLimit()),
				zap.Duration("duration", d.Budget.BurstDuration()),
			)
		}
	}

	g.record(rc, d)
	return d
}

// Exempt reports whether a path skips the gate entirely.
func (g *Gate) Exempt(path string) bool {
	for _, prefix := range g.cfg.ExemptPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (g *Gate) block(rc RequestContext, d Decision, entry *models.OverrideEntry) Decision {
	d.Outcome = OutcomeBlocked
	d.Admit = false
	d.Limit = 0
	d.Remaining = 0
	d.Source = SourceDenyList
	d.Override = entry
	g.record(rc, d)
	return d
}

func (g *Gate) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.cfg.StoreTimeout)
}

func (g *Gate) checkOverrides(ctx context.Context, rc RequestContext) (service.Verdict, error) {
	ctx, cancel := g.storeContext(ctx)
	defer cancel()

	return g.overrides.Evaluate(ctx, service.Identity{
		IP:         rc.IP,
		UserID:     rc.UserID,
		MerchantID: rc.MerchantID,
	})
}

func (g *Gate) resolveBudget(ctx context.Context, rc RequestContext) *models.BudgetConfig {
	ctx, cancel := g.storeContext(ctx)
	defer cancel()

	return g.budgets.Resolve(ctx, service.ResolveRequest{
		UserID:       rc.UserID,
		MerchantID:   rc.MerchantID,
		MerchantName: rc.MerchantName,
		Role:         rc.Role,
	})
}

func (g *Gate) burstActive(ctx context.Context, identity, endpoint string) (bool, error) {
	var active bool
	err := g.breaker.Call(func() error {
		ctx, cancel := g.storeContext(ctx)
		defer cancel()

		var err error
		active, err = g.burst.IsActive(ctx, identity, endpoint)
		return err
	})
	return active, err
}

func (g *Gate) activateBurst(ctx context.Context, identity, endpoint string, duration time.Duration) (bool, error) {
	var activated bool
	err := g.breaker.Call(func() error {
		ctx, cancel := g.storeContext(ctx)
		defer cancel()

		var err error
		activated, err = g.burst.Activate(ctx, identity, endpoint, duration)
		return err
	})
	return activated, err
}

// Counts the request in the shared window, or in this process when the
// cache is unreachable
func (g *Gate) count(ctx context.Context, key string, limit int) (ratelimit.Result, bool) {
	var res ratelimit.Result
	err := g.breaker.Call(func() error {
		ctx, cancel := g.storeContext(ctx)
		defer cancel()

		var err error
		res, err = ratelimit.NewLimiter(g.redis, g.cfg.Algorithm, limit, g.cfg.Window, g.now).Allow(ctx, key)
		return err
	})
	if err == nil {
		return res, false
	}

	g.metrics.RecordStoreFallback("redis", "count")
	g.logger.Warn("shared counter unavailable, counting locally", zap.String("key", key), zap.Error(err))
	return g.local.Allow(key, limit), true
}

func (g *Gate) record(rc RequestContext, d Decision) {
	if g.recorder == nil {
		return
	}

	tier := ""
	if d.Budget != nil && d.Budget.Tier != "" {
		tier = d.Budget.Tier
	} else if rc.MerchantID != "" {
		tier = service.TierFor(rc.MerchantName)
	}

	g.recorder.Record(models.HistoryRecord{
		Timestamp:    g.now().UTC(),
		UserID:       rc.UserID,
		Role:         rc.Role,
		MerchantID:   rc.MerchantID,
		MerchantTier: tier,
		Endpoint:     rc.Endpoint,
		IPAddress:    rc.IP,
		RequestCount: 1,
		LimitApplied: d.Limit,
		WasThrottled: !d.Admit,
		BurstActive:  d.BurstActive,
		UserAgent:    rc.UserAgent,
	})
}

// Maintain drops idle local fallback buckets.
func (g *Gate) Maintain(ctx context.Context) error {
	if n := g.local.Cleanup(); n > 0 {
		g.logger.Debug("local limiter buckets dropped", zap.Int("count", n))
	}
	return nil
}
