package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Database DatabaseConfig  `yaml:"database"`
	Redis    RedisConfig     `yaml:"redis"`
	Auth     AuthConfig      `yaml:"auth"`
	Gate     GateConfig      `yaml:"gate"`
	Monitor  MonitorConfig   `yaml:"monitor"`
	Tuner    TunerConfig     `yaml:"tuner"`
	Services []ServiceConfig `yaml:"services"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	Environment  string        `yaml:"environment"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// Peers whose X-Forwarded-For / X-Real-IP headers are believed (IPs or
	// CIDRs). Empty means the connection address is always the client IP.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	AutoMigrate  bool   `yaml:"auto_migrate"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (r RedisConfig) GetRedisAddr() string {
	return r.Host + ":" + r.Port
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// GateConfig controls the per-request decision gate.
type GateConfig struct {
	Algorithm      string        `yaml:"algorithm"` // "fixed_window" or "sliding_window"
	Window         time.Duration `yaml:"window"`
	AnonymousLimit int           `yaml:"anonymous_limit"`
	UserLimit      int           `yaml:"user_limit"`
	AdminLimit     int           `yaml:"admin_limit"`
	AdminRoles     []string      `yaml:"admin_roles"`
	ExemptPrefixes []string      `yaml:"exempt_prefixes"`
	StoreTimeout   time.Duration `yaml:"store_timeout"`
	DenyFailOpen   bool          `yaml:"deny_fail_open"` // deny-list lookups fail closed unless set
	SampleRate     float64       `yaml:"sample_rate"`
}

// MonitorConfig holds the history sink and abuse escalation policy.
type MonitorConfig struct {
	IPThreshold      int           `yaml:"ip_threshold"`
	UserThreshold    int           `yaml:"user_threshold"`
	EscalationWindow time.Duration `yaml:"escalation_window"`
	BlockDuration    time.Duration `yaml:"block_duration"`
	BufferSize       int           `yaml:"buffer_size"`
	BatchSize        int           `yaml:"batch_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	TopN             int           `yaml:"top_n"`
	Retention        time.Duration `yaml:"retention"` // history older than this is deleted; 0 keeps everything

	// Concurrent direct writes for throttled records that found the buffer
	// full; beyond this they are dropped and counted
	OverflowWriters int `yaml:"overflow_writers"`
}

// TunerConfig holds the adaptive tuning policy.
type TunerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	Lookback       time.Duration `yaml:"lookback"`
	LowThreshold   float64       `yaml:"low_threshold"`
	HighThreshold  float64       `yaml:"high_threshold"`
	StepPercent    int           `yaml:"step_percent"`
	MinPerMinute   int           `yaml:"min_per_minute"`
	MinPerSecond   int           `yaml:"min_per_second"`
	MinPerHour     int           `yaml:"min_per_hour"`
	MinPerDay      int           `yaml:"min_per_day"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

type ServiceConfig struct {
	Path   string `yaml:"path"`
	Target string `yaml:"target"`
}

func Load(path string) (*Config, error) {
	var config Config

	file, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Defaults and environment only
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(file, &config); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	config.applyEnv()
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Server.Environment = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		c.Redis.Port = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Environment == "" {
		c.Server.Environment = "development"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = 15 * time.Second
	}

	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 100
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == "" {
		c.Redis.Port = "6379"
	}

	g := &c.Gate
	if g.Algorithm == "" {
		g.Algorithm = "fixed_window"
	}
	if g.Window <= 0 {
		g.Window = time.Minute
	}
	if g.AnonymousLimit <= 0 {
		g.AnonymousLimit = 30
	}
	if g.UserLimit <= 0 {
		g.UserLimit = 100
	}
	if g.AdminLimit <= 0 {
		g.AdminLimit = 200
	}
	if len(g.AdminRoles) == 0 {
		g.AdminRoles = []string{"admin", "super_admin"}
	}
	if g.ExemptPrefixes == nil {
		g.ExemptPrefixes = []string{"/health", "/metrics", "/docs", "/swagger", "/static", "/favicon.ico"}
	}
	if g.StoreTimeout <= 0 {
		g.StoreTimeout = 250 * time.Millisecond
	}
	if g.SampleRate <= 0 {
		g.SampleRate = 1
	}

	m := &c.Monitor
	if m.IPThreshold <= 0 {
		m.IPThreshold = 10
	}
	if m.UserThreshold <= 0 {
		m.UserThreshold = 15
	}
	if m.EscalationWindow <= 0 {
		m.EscalationWindow = 5 * time.Minute
	}
	if m.BlockDuration <= 0 {
		m.BlockDuration = 24 * time.Hour
	}
	if m.BufferSize <= 0 {
		m.BufferSize = 10000
	}
	if m.BatchSize <= 0 {
		m.BatchSize = 100
	}
	if m.FlushInterval <= 0 {
		m.FlushInterval = 5 * time.Second
	}
	if m.RetryInterval <= 0 {
		m.RetryInterval = time.Minute
	}
	if m.TopN <= 0 {
		m.TopN = 10
	}
	if m.OverflowWriters <= 0 {
		m.OverflowWriters = 4
	}

	t := &c.Tuner
	if t.Interval <= 0 {
		t.Interval = 5 * time.Minute
	}
	if t.Lookback <= 0 {
		t.Lookback = time.Hour
	}
	if t.LowThreshold <= 0 {
		t.LowThreshold = 0.01
	}
	if t.HighThreshold <= 0 {
		t.HighThreshold = 0.10
	}
	if t.StepPercent <= 0 {
		t.StepPercent = 5
	}
	if t.MinPerMinute <= 0 {
		t.MinPerMinute = 10
	}
	if t.MinPerSecond <= 0 {
		t.MinPerSecond = 1
	}
	if t.MinPerHour <= 0 {
		t.MinPerHour = 10
	}
	if t.MinPerDay <= 0 {
		t.MinPerDay = 100
	}
	if t.MaxConcurrency <= 0 {
		t.MaxConcurrency = 4
	}
}

// Validate rejects settings the gate cannot operate with.
func (c *Config) Validate() error {
	switch c.Gate.Algorithm {
	case "fixed_window", "sliding_window":
	default:
		return fmt.Errorf("unknown rate limit algorithm: %s", c.Gate.Algorithm)
	}
	if c.Gate.SampleRate > 1 {
		return fmt.Errorf("gate.sample_rate must be within (0, 1], got %v", c.Gate.SampleRate)
	}
	if c.Tuner.LowThreshold >= c.Tuner.HighThreshold {
		return fmt.Errorf("tuner.low_threshold (%v) must be below tuner.high_threshold (%v)",
			c.Tuner.LowThreshold, c.Tuner.HighThreshold)
	}
	if c.Tuner.StepPercent >= 100 {
		return fmt.Errorf("tuner.step_percent must be below 100, got %d", c.Tuner.StepPercent)
	}
	for _, p := range c.Server.TrustedProxies {
		if net.ParseIP(p) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(p); err != nil {
			return fmt.Errorf("server.trusted_proxies: %q is neither an IP nor a CIDR", p)
		}
	}
	for _, svc := range c.Services {
		if svc.Path == "" || svc.Target == "" {
			return errors.New("every service needs a path and a target")
		}
	}
	return nil
}
