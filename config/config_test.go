package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "execution:\n  dry_run: true\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://clob.polymarket.com", cfg.API.CLOBBase)
	assert.Equal(t, "ws", cfg.Markets.Feed)
	assert.Equal(t, 2*time.Second, cfg.ArbCooldown())
	assert.Equal(t, 5*time.Second, cfg.MMCooldown())
	assert.Equal(t, 3, cfg.Execution.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Execution.OrderMaxAge())
	assert.Equal(t, 200*time.Millisecond, cfg.Execution.BaseBackoff())
	assert.Equal(t, "polyarb.db", cfg.Storage.DSN)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_YAMLValues(t *testing.T) {
	path := writeConfig(t, `
markets:
  feed: poll
  blacklist: ["0xbad"]
detector:
  min_edge: 0.02
  market_making: true
risk:
  max_per_market: 50
  max_global: 200
execution:
  dry_run: true
  max_attempts: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "poll", cfg.Markets.Feed)
	assert.Equal(t, []string{"0xbad"}, cfg.Markets.Blacklist)
	assert.InDelta(t, 0.02, cfg.Detector.MinEdge, 1e-9)
	assert.True(t, cfg.Detector.MarketMaking)
	assert.InDelta(t, 200, cfg.Risk.MaxGlobal, 1e-9)
	assert.Equal(t, 5, cfg.Execution.MaxAttempts)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("POLY_PRIVATE_KEY", "0xdeadbeef")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("LOG_LEVEL", "debug")

	path := writeConfig(t, "log:\n  level: warn\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "deadbeef", cfg.API.PrivateKey)
	assert.Equal(t, "redis://cache:6379/1", cfg.Dashboard.RedisURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Execution.DryRun)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.Load: read")

	_, err = Load(writeConfig(t, "risk: [not, a, map]\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse YAML")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad feed", "execution: {dry_run: true}\nmarkets: {feed: grpc}\n", "markets.feed"},
		{"per market above global", "execution: {dry_run: true}\nrisk: {max_per_market: 600, max_global: 500}\n", "exceeds risk.max_global"},
		{"drawdown without capital", "execution: {dry_run: true}\nrisk: {max_drawdown_pct: 0.1}\n", "requires risk.capital"},
		{"negative slippage", "execution: {dry_run: true, slippage_tolerance: -0.1}\n", "execution.slippage_tolerance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
