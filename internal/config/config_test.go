package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 0.85, cfg.Routing.AutoApprovalThreshold)
	assert.Equal(t, 0.60, cfg.Routing.ManualApprovalThreshold)
	assert.Equal(t, 36, cfg.Timeouts.EscalationTimeoutHours)
	assert.Equal(t, 24, cfg.Timeouts.ApprovalTimeoutHours)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 10000, cfg.Metrics.WindowPoints)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
routing:
  auto_approval_threshold: 0.90
circuit_breaker:
  cb_failure_threshold: 3
  cb_success_threshold: 2
  cb_timeout_seconds: 1
  cb_half_open_max_calls: 5
dependencies:
  llm:
    url: https://llm.internal
    timeout_seconds: 15
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 0.90, cfg.Routing.AutoApprovalThreshold)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, "https://llm.internal", cfg.Dependencies.LLM.URL)
	assert.Equal(t, 15, cfg.Dependencies.LLM.TimeoutSeconds)
	// untouched sections keep their defaults
	assert.Equal(t, 0.60, cfg.Routing.ManualApprovalThreshold)
	assert.Equal(t, 25.00, cfg.PaymentPlan.MinWeeklyPayment)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7777")
	t.Setenv("DATABASE_URL", "postgres://db.internal/collectra")
	t.Setenv("AUTO_APPROVAL_THRESHOLD", "0.95")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "postgres://db.internal/collectra", cfg.Postgres.DSN)
	assert.Equal(t, 0.95, cfg.Routing.AutoApprovalThreshold)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"auto threshold above one", func(c *Config) { c.Routing.AutoApprovalThreshold = 1.5 }},
		{"manual above auto", func(c *Config) { c.Routing.ManualApprovalThreshold = 0.95 }},
		{"zero escalation timeout", func(c *Config) { c.Timeouts.EscalationTimeoutHours = 0 }},
		{"payment bounds inverted", func(c *Config) { c.PaymentPlan.MaxWeeklyPayment = 10 }},
		{"zero breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"zero retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"max delay below base", func(c *Config) { c.Retry.MaxDelaySeconds = 0 }},
		{"missing dependency url", func(c *Config) { c.Dependencies.SMSGateway.URL = "" }},
		{"zero dependency timeout", func(c *Config) { c.Dependencies.LLM.TimeoutSeconds = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "36h0m0s", cfg.EscalationTimeout().String())
	assert.Equal(t, "24h0m0s", cfg.ApprovalTimeout().String())
	assert.Equal(t, "5m0s", cfg.MonitorScanInterval().String())
	assert.Equal(t, "1m0s", cfg.BreakerTimeout().String())
	assert.Equal(t, "30s", cfg.Dependencies.LLM.Timeout().String())
}
