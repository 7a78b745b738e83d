// Package config loads the orchestrator's YAML configuration, applies
// environment overrides, and validates the result. Every knob has a
// production default; an absent file yields a fully defaulted config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full configuration surface.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Routing      RoutingConfig      `yaml:"routing"`
	Timeouts     TimeoutsConfig     `yaml:"timeouts"`
	PaymentPlan  PaymentPlanConfig  `yaml:"payment_plan"`
	Breaker      BreakerConfig      `yaml:"circuit_breaker"`
	Retry        RetryConfig        `yaml:"retry"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Dependencies DependenciesConfig `yaml:"dependencies"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Redis        RedisConfig        `yaml:"redis"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`
}

// RoutingConfig holds the confidence thresholds.
type RoutingConfig struct {
	AutoApprovalThreshold   float64 `yaml:"auto_approval_threshold"`
	ManualApprovalThreshold float64 `yaml:"manual_approval_threshold"`
}

// TimeoutsConfig separates the two business timeouts: the conversation
// response deadline and the manager approval ceiling.
type TimeoutsConfig struct {
	EscalationTimeoutHours     int `yaml:"escalation_timeout_hours"`
	ApprovalTimeoutHours       int `yaml:"approval_timeout_hours"`
	MonitorScanIntervalSeconds int `yaml:"monitor_scan_interval_seconds"`
}

type PaymentPlanConfig struct {
	MinWeeklyPayment float64 `yaml:"min_weekly_payment"`
	MaxWeeklyPayment float64 `yaml:"max_weekly_payment"`
	MaxPaymentWeeks  int     `yaml:"max_payment_weeks"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"cb_failure_threshold"`
	SuccessThreshold int `yaml:"cb_success_threshold"`
	TimeoutSeconds   int `yaml:"cb_timeout_seconds"`
	HalfOpenMaxCalls int `yaml:"cb_half_open_max_calls"`
}

type RetryConfig struct {
	MaxAttempts      int `yaml:"retry_max_attempts"`
	BaseDelaySeconds int `yaml:"retry_base_delay_seconds"`
	MaxDelaySeconds  int `yaml:"retry_max_delay_seconds"`
}

type MetricsConfig struct {
	WindowPoints      int `yaml:"metrics_window_points"`
	HistogramCapacity int `yaml:"metrics_histogram_capacity"`
}

// Dependency is one external collaborator's endpoint and budget.
type Dependency struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Token          string `yaml:"token"`
}

type DependenciesConfig struct {
	TenantData   Dependency `yaml:"tenant_data"`
	LLM          Dependency `yaml:"llm"`
	SMSGateway   Dependency `yaml:"sms_gateway"`
	Notification Dependency `yaml:"notification"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type RateLimitConfig struct {
	MaxCallsPerMinute int `yaml:"max_calls_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, Env: "development"},
		Routing: RoutingConfig{
			AutoApprovalThreshold:   0.85,
			ManualApprovalThreshold: 0.60,
		},
		Timeouts: TimeoutsConfig{
			EscalationTimeoutHours:     36,
			ApprovalTimeoutHours:       24,
			MonitorScanIntervalSeconds: 300,
		},
		PaymentPlan: PaymentPlanConfig{
			MinWeeklyPayment: 25.00,
			MaxWeeklyPayment: 1000.00,
			MaxPaymentWeeks:  12,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 3,
			TimeoutSeconds:   60,
			HalfOpenMaxCalls: 5,
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			BaseDelaySeconds: 1,
			MaxDelaySeconds:  30,
		},
		Metrics: MetricsConfig{
			WindowPoints:      10000,
			HistogramCapacity: 1000,
		},
		Dependencies: DependenciesConfig{
			TenantData:   Dependency{URL: "http://localhost:9001", TimeoutSeconds: 60},
			LLM:          Dependency{URL: "http://localhost:9002", TimeoutSeconds: 30},
			SMSGateway:   Dependency{URL: "http://localhost:9003", TimeoutSeconds: 30},
			Notification: Dependency{URL: "http://localhost:9004", TimeoutSeconds: 30},
		},
		Postgres: PostgresConfig{DSN: "postgres://localhost:5432/collectra?sslmode=disable"},
		Redis:    RedisConfig{Addr: "localhost:6379", Channel: "collectra:events"},
		RateLimit: RateLimitConfig{
			MaxCallsPerMinute: 120,
			BurstSize:         240,
		},
	}
}

// Load reads path (when it exists) over the defaults, applies environment
// overrides, and validates. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		switch {
		case os.IsNotExist(err):
			// defaults + env only
		case err != nil:
			return nil, fmt.Errorf("open config: %w", err)
		default:
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployment environments override file settings without
// touching the file. Only the operationally relevant knobs are exposed.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("TENANT_DATA_URL"); v != "" {
		c.Dependencies.TenantData.URL = v
	}
	if v := os.Getenv("LLM_URL"); v != "" {
		c.Dependencies.LLM.URL = v
	}
	if v := os.Getenv("LLM_TOKEN"); v != "" {
		c.Dependencies.LLM.Token = v
	}
	if v := os.Getenv("SMS_GATEWAY_URL"); v != "" {
		c.Dependencies.SMSGateway.URL = v
	}
	if v := os.Getenv("NOTIFICATION_URL"); v != "" {
		c.Dependencies.Notification.URL = v
	}
	if v := os.Getenv("AUTO_APPROVAL_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Routing.AutoApprovalThreshold = f
		}
	}
	if v := os.Getenv("MANUAL_APPROVAL_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Routing.ManualApprovalThreshold = f
		}
	}
}

// Validate rejects configurations that would misroute or wedge the pipeline.
func (c *Config) Validate() error {
	r := c.Routing
	if r.AutoApprovalThreshold < 0 || r.AutoApprovalThreshold > 1 {
		return fmt.Errorf("auto_approval_threshold %.2f outside [0,1]", r.AutoApprovalThreshold)
	}
	if r.ManualApprovalThreshold < 0 || r.ManualApprovalThreshold > 1 {
		return fmt.Errorf("manual_approval_threshold %.2f outside [0,1]", r.ManualApprovalThreshold)
	}
	if r.ManualApprovalThreshold > r.AutoApprovalThreshold {
		return fmt.Errorf("manual_approval_threshold %.2f exceeds auto_approval_threshold %.2f",
			r.ManualApprovalThreshold, r.AutoApprovalThreshold)
	}

	if c.Timeouts.EscalationTimeoutHours <= 0 {
		return fmt.Errorf("escalation_timeout_hours must be positive, got %d", c.Timeouts.EscalationTimeoutHours)
	}
	if c.Timeouts.ApprovalTimeoutHours <= 0 {
		return fmt.Errorf("approval_timeout_hours must be positive, got %d", c.Timeouts.ApprovalTimeoutHours)
	}
	if c.Timeouts.MonitorScanIntervalSeconds <= 0 {
		return fmt.Errorf("monitor_scan_interval_seconds must be positive, got %d", c.Timeouts.MonitorScanIntervalSeconds)
	}

	p := c.PaymentPlan
	if p.MinWeeklyPayment <= 0 || p.MaxWeeklyPayment <= p.MinWeeklyPayment {
		return fmt.Errorf("payment bounds invalid: min %.2f max %.2f", p.MinWeeklyPayment, p.MaxWeeklyPayment)
	}
	if p.MaxPaymentWeeks < 1 {
		return fmt.Errorf("max_payment_weeks must be at least 1, got %d", p.MaxPaymentWeeks)
	}

	b := c.Breaker
	if b.FailureThreshold < 1 || b.SuccessThreshold < 1 || b.TimeoutSeconds < 1 || b.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("circuit breaker settings must all be at least 1: %+v", b)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry_max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelaySeconds < 0 || c.Retry.MaxDelaySeconds < c.Retry.BaseDelaySeconds {
		return fmt.Errorf("retry delays invalid: base %ds max %ds", c.Retry.BaseDelaySeconds, c.Retry.MaxDelaySeconds)
	}

	if c.Metrics.WindowPoints < 1 || c.Metrics.HistogramCapacity < 1 {
		return fmt.Errorf("metrics bounds must be positive: %+v", c.Metrics)
	}

	for name, dep := range map[string]Dependency{
		"tenant_data":  c.Dependencies.TenantData,
		"llm":          c.Dependencies.LLM,
		"sms_gateway":  c.Dependencies.SMSGateway,
		"notification": c.Dependencies.Notification,
	} {
		if dep.URL == "" {
			return fmt.Errorf("dependency %s has no url", name)
		}
		if dep.TimeoutSeconds < 1 {
			return fmt.Errorf("dependency %s timeout must be positive, got %d", name, dep.TimeoutSeconds)
		}
	}
	return nil
}

// Convenience accessors for duration-typed settings.

func (c *Config) EscalationTimeout() time.Duration {
	return time.Duration(c.Timeouts.EscalationTimeoutHours) * time.Hour
}

func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Timeouts.ApprovalTimeoutHours) * time.Hour
}

func (c *Config) MonitorScanInterval() time.Duration {
	return time.Duration(c.Timeouts.MonitorScanIntervalSeconds) * time.Second
}

func (c *Config) BreakerTimeout() time.Duration {
	return time.Duration(c.Breaker.TimeoutSeconds) * time.Second
}

func (d Dependency) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}
