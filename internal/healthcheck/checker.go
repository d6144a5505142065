package healthcheck

import (
	"context"
	"sync"
	"time"

	"github.com/aman-churiwal/rate-guard/internal/metrics"
	"github.com/aman-churiwal/rate-guard/internal/periodic"
	"go.uber.org/zap"
)

// A named dependency check, e.g. a database ping
type Target struct {
	Name  string
	Check func(ctx context.Context) error
}

// Checks the stores the gate depends on and keeps their last known status
type Checker struct {
	mu           sync.RWMutex
	targets      []Target
	healthStatus map[string]*Status
	timeout      time.Duration
	maxFailures  int
	task         *periodic.Task
	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

// Holds health checker configuration
type Config struct {
	Interval    time.Duration // How often to check (default: 10s)
	Timeout     time.Duration // Per-check timeout (default: 2s)
	MaxFailures int           // Failures before marking unhealthy (default: 1)
}

func NewChecker(cfg Config, targets []Target, logger *zap.Logger, m *metrics.Metrics) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Checker{
		targets:      targets,
		healthStatus: make(map[string]*Status, len(targets)),
		timeout:      cfg.Timeout,
		maxFailures:  cfg.MaxFailures,
		logger:       logger.With(zap.String("component", "healthcheck")),
		metrics:      m,
		now:          time.Now,
	}

	// Assume healthy until the first check says otherwise
	for _, p := range targets {
		c.healthStatus[p.Name] = &Status{Target: p.Name, IsHealthy: true}
		m.SetStoreHealthy(p.Name, true)
	}

	c.task = periodic.New("store-health", cfg.Interval, func(ctx context.Context) error {
		c.CheckAll(ctx)
		return nil
	}, c.logger)

	return c
}

// Checks once immediately, then on every interval
func (c *Checker) Start(ctx context.Context) {
	c.CheckAll(ctx)
	c.task.Start(ctx)
}

func (c *Checker) Stop() {
	c.task.Stop()
}

// Runs every check concurrently and waits for all of them
func (c *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup

	for _, p := range c.targets {
		wg.Add(1)
		go func(p Target) {
			defer wg.Done()
			c.check(ctx, p)
		}(p)
	}

	wg.Wait()
}

func (c *Checker) check(ctx context.Context, p Target) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := p.Check(ctx); err != nil {
		c.recordFailure(p.Name, err)
		return
	}
	c.recordSuccess(p.Name)
}

func (c *Checker) recordSuccess(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	status := c.healthStatus[name]
	status.LastCheck = now
	status.LastSuccess = now
	status.FailureCount = 0
	status.LastError = ""

	if !status.IsHealthy {
		c.logger.Info("store is healthy again", zap.String("store", name))
		status.IsHealthy = true
		c.metrics.SetStoreHealthy(name, true)
	}
}

func (c *Checker) recordFailure(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	status := c.healthStatus[name]
	status.LastCheck = now
	status.LastFailure = now
	status.FailureCount++
	status.LastError = err.Error()

	if status.IsHealthy && status.FailureCount >= c.maxFailures {
		c.logger.Warn("store is unhealthy",
			zap.String("store", name),
			zap.Int("failures", status.FailureCount),
			zap.Error(err),
		)
		status.IsHealthy = false
		c.metrics.SetStoreHealthy(name, false)
	}
}

// Return the health status of a specific store
func (c *Checker) GetStatus(name string) *Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if status, exists := c.healthStatus[name]; exists {
		statusCopy := *status
		return &statusCopy
	}

	return nil
}

// Returns health status of all stores
func (c *Checker) GetAllStatus() map[string]*Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	statusMap := make(map[string]*Status, len(c.healthStatus))
	for name, status := range c.healthStatus {
		statusCopy := *status
		statusMap[name] = &statusCopy
	}

	return statusMap
}

// Healthy when every store answers, Unhealthy when none does
func (c *Checker) OverallHealth() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	healthy := 0
	for _, status := range c.healthStatus {
		if status.IsHealthy {
			healthy++
		}
	}

	switch {
	case healthy == len(c.healthStatus):
		return Healthy
	case healthy == 0:
		return Unhealthy
	default:
		return Degraded
	}
}
