package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/aman-churiwal/rate-guard/internal/circuitbreaker"
	"github.com/aman-churiwal/rate-guard/internal/config"
	"github.com/aman-churiwal/rate-guard/internal/gate"
	"github.com/aman-churiwal/rate-guard/internal/handler"
	"github.com/aman-churiwal/rate-guard/internal/healthcheck"
	"github.com/aman-churiwal/rate-guard/internal/metrics"
	"github.com/aman-churiwal/rate-guard/internal/middleware"
	"github.com/aman-churiwal/rate-guard/internal/periodic"
	"github.com/aman-churiwal/rate-guard/internal/proxy"
	"github.com/aman-churiwal/rate-guard/internal/ratelimit"
	"github.com/aman-churiwal/rate-guard/internal/repository"
	"github.com/aman-churiwal/rate-guard/internal/service"
	"github.com/aman-churiwal/rate-guard/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var startTime = time.Now()

type Server struct {
	router   *gin.Engine
	config   *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	redis    *storage.RedisClient
	postgres *storage.Postgres

	gate      *gate.Gate
	overrides *service.OverrideService
	budgets   *service.BudgetResolver
	monitor   *service.Monitor
	tuner     *service.Tuner
	identity  *service.IdentityService
	checker   *healthcheck.Checker
	sweeper   *periodic.Task

	proxies  map[string]*proxy.Proxy
	breakers map[string]*circuitbreaker.CircuitBreaker

	httpServer *http.Server
}

func New(cfg *config.Config, postgres *storage.Postgres, redis *storage.RedisClient, logger *zap.Logger) *Server {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := metrics.New()

	s := &Server{
		router:   gin.New(),
		config:   cfg,
		logger:   logger,
		metrics:  m,
		redis:    redis,
		postgres: postgres,
		proxies:  make(map[string]*proxy.Proxy),
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
	}

	// The gate keys deny checks, anonymous windows and escalation on the
	// client IP, so forwarding headers count only from configured proxies
	if err := s.router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		logger.Error("invalid trusted proxies, trusting none", zap.Error(err))
		_ = s.router.SetTrustedProxies(nil)
	}

	s.initializeServices()
	s.initializeProxies()
	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) initializeServices() {
	historyRepo := repository.NewHistoryRepository(s.postgres)

	s.overrides = service.NewOverrideService(repository.NewOverrideRepository(s.postgres), s.logger)
	s.budgets = service.NewBudgetResolver(repository.NewBudgetRepository(s.postgres), s.logger, s.metrics)
	s.monitor = service.NewMonitor(
		historyRepo,
		s.overrides,
		ratelimit.NewBurstState(s.redis),
		s.config.Monitor,
		s.config.Gate.SampleRate,
		s.logger,
		s.metrics,
	)
	if s.config.Tuner.Enabled {
		s.tuner = service.NewTuner(historyRepo, s.budgets, s.config.Tuner, s.logger, s.metrics)
	}
	s.identity = service.NewIdentityService(s.config.Auth.JWTSecret)

	redisBreaker := s.newBreaker("redis")
	s.gate = gate.New(s.config.Gate, gate.Deps{
		Overrides: s.overrides,
		Budgets:   s.budgets,
		Recorder:  s.monitor,
		Redis:     s.redis,
		Breaker:   redisBreaker,
		Logger:    s.logger,
		Metrics:   s.metrics,
	})

	s.checker = healthcheck.NewChecker(healthcheck.Config{}, []healthcheck.Target{
		{Name: "postgres", Check: s.postgres.Ping},
		{Name: "redis", Check: s.redis.Ping},
	}, s.logger, s.metrics)

	// Expired overrides are swept by the monitor; this only drops idle
	// fallback buckets
	s.sweeper = periodic.New("local-limiter-cleanup", 5*time.Minute, s.gate.Maintain, s.logger)
}

func (s *Server) newBreaker(name string) *circuitbreaker.CircuitBreaker {
	cb := circuitbreaker.New(circuitbreaker.Config{Name: name, OnStateChange: s.breakerChanged})
	s.breakers[name] = cb
	return cb
}

// Breakers report state changes to logs and metrics
func (s *Server) breakerChanged(name string, from, to circuitbreaker.State) {
	s.logger.Warn("circuit breaker state changed",
		zap.String("breaker", name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	s.metrics.SetBreakerState(name, int(to))
}

func (s *Server) initializeProxies() {
	for _, svc := range s.config.Services {
		p, err := proxy.New(proxy.Config{
			Target: svc.Target,
			CircuitBreaker: circuitbreaker.Config{
				Name:            svc.Path,
				MaxFailures:     5,
				Timeout:         30 * time.Second,
				HalfOpenSuccess: 1,
				OnStateChange:   s.breakerChanged,
			},
		}, s.logger)
		if err != nil {
			s.logger.Error("failed to create proxy", zap.String("path", svc.Path), zap.Error(err))
			continue
		}

		s.proxies[svc.Path] = p
		s.breakers[svc.Path] = p.CircuitBreaker()
	}
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Identity(s.identity, s.logger))
	s.router.Use(middleware.RateLimit(s.gate))
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	s.router.GET("/api/ping", s.ping)

	budgetHandler := handler.NewBudgetHandler(s.budgets)
	overrideHandler := handler.NewOverrideHandler(s.overrides)
	monitoringHandler := handler.NewMonitoringHandler(s.monitor, s.tuner)
	fraudHandler := handler.NewFraudHandler(s.monitor)
	systemHandler := handler.NewSystemHandler(s.breakers)

	admin := s.router.Group("/admin")
	{
		admin.GET("/status", s.adminStatus)

		admin.GET("/budgets", budgetHandler.List)
		admin.GET("/budgets/resolve", budgetHandler.Resolve)
		admin.GET("/budgets/:id", budgetHandler.Get)
		admin.POST("/budgets", budgetHandler.Create)
		admin.PUT("/budgets/:id", budgetHandler.Update)
		admin.DELETE("/budgets/:id", budgetHandler.Delete)

		admin.GET("/overrides", overrideHandler.List)
		admin.GET("/overrides/check", overrideHandler.Check)
		admin.POST("/overrides/allow", overrideHandler.Allow)
		admin.POST("/overrides/deny", overrideHandler.Deny)
		admin.DELETE("/overrides/:id", overrideHandler.Delete)

		admin.GET("/monitoring/metrics", monitoringHandler.Metrics)
		admin.GET("/monitoring/realtime", monitoringHandler.Realtime)
		admin.GET("/monitoring/users/:id/history", monitoringHandler.UserHistory)
		admin.GET("/monitoring/tuner", monitoringHandler.TunerStatus)
		admin.POST("/monitoring/tuner/run", monitoringHandler.RunTuner)

		admin.GET("/fraud/signals", fraudHandler.Signals)

		admin.GET("/circuit-breakers", systemHandler.CircuitBreakerStatus)
		admin.POST("/circuit-breakers/reset/*name", systemHandler.ResetCircuitBreaker)
	}

	s.setupProxyRoutes()
}

func (s *Server) setupProxyRoutes() {
	paths := make([]string, 0, len(s.proxies))
	for path := range s.proxies {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		p := s.proxies[path]
		s.router.Any(path+"/*proxyPath", p.Handle)
		s.router.Any(path, p.Handle)

		s.logger.Info("registered proxy route", zap.String("path", path))
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	overall := s.checker.OverallHealth()

	statusCode := http.StatusOK
	if overall != healthcheck.Healthy {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    overall.String(),
		"service":   "rate-guard",
		"timestamp": time.Now().Unix(),
		"checks":    s.checker.GetAllStatus(),
	})
}

func (s *Server) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":   "pong",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) adminStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"gateway":             "running",
		"services":            len(s.proxies),
		"tuner_enabled":       s.tuner != nil,
		"pending_escalations": s.monitor.PendingEscalations(),
		"uptime":              time.Since(startTime).Seconds(),
		"timestamp":           time.Now().Unix(),
	})
}

// Start launches the background workers: history writer, health checks,
// sweeper and, when enabled, the adaptive tuner.
func (s *Server) Start(ctx context.Context) {
	s.monitor.Start(ctx)
	s.checker.Start(ctx)
	s.sweeper.Start(ctx)
	if s.tuner != nil {
		s.tuner.Start(ctx)
	}
}

func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	s.logger.Info("starting rate guard",
		zap.String("addr", addr),
		zap.String("environment", s.config.Server.Environment),
	)

	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then stops the workers. The history
// writer flushes what it has buffered before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	if s.tuner != nil {
		s.tuner.Stop()
	}
	s.sweeper.Stop()
	s.checker.Stop()
	s.monitor.Stop()

	return err
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
