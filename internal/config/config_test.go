package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sample = `
server:
  port: "9090"
  request_timeout: 15s
log:
  level: debug
oracle:
  recency: 2m
  prices:
    - asset_id: usdc.near
      multiplier: "10001"
      decimals: 10
auth:
  jwt_secret: from-file
admins: [owner.near]
limits:
  max_holder: "1000000000000000000000"
  pools:
    usdc.near: "5000000000"
reconciler:
  interval: 10s
  stale_after: 1m
assets:
  - asset_id: usdc.near
    decimals: 6
`

// clearEnv blanks the overrides so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"PORT", "DATABASE_URL", "REDIS_URL", "ORACLE_URL", "TRANSFER_URL", "JWT_SECRET", "LOG_LEVEL", "ADMINS"} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	require.Equal(t, "9090", cfg.Server.Port)
	require.Equal(t, 15*time.Second, cfg.Server.RequestTimeout.Duration)
	// Unset fields keep their defaults.
	require.Equal(t, 10*time.Second, cfg.Server.ReadTimeout.Duration)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, 2*time.Minute, cfg.Oracle.Recency.Duration)
	require.Len(t, cfg.Oracle.Prices, 1)
	require.Equal(t, uint8(10), cfg.Oracle.Prices[0].Decimals)
	require.Equal(t, []string{"owner.near"}, cfg.Admins)
	require.Equal(t, "5000000000", cfg.Limits.Pools["usdc.near"])
	require.Equal(t, time.Minute, cfg.Reconciler.StaleAfter.Duration)
	require.Len(t, cfg.Assets, 1)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "7070")
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("DATABASE_URL", "postgres://localhost/ktex")
	t.Setenv("ADMINS", "a.near, b.near")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	require.Equal(t, "7070", cfg.Server.Port)
	require.Equal(t, "from-env", cfg.Auth.JWTSecret)
	require.Equal(t, "postgres://localhost/ktex", cfg.Store.PostgresURL)
	require.Equal(t, []string{"a.near", "b.near"}, cfg.Admins)
}

func TestLoad_Invalid(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeConfig(t, "reconciler:\n  interval: soon\n"))
	require.ErrorContains(t, err, "parse duration")

	_, err = Load(writeConfig(t, "limits:\n  max_pool: \"-5\"\n"))
	require.ErrorContains(t, err, "jwt_secret")
	require.ErrorContains(t, err, "limits.max_pool")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_StaleAfterCoversInFlight(t *testing.T) {
	clearEnv(t)
	body := "auth:\n  jwt_secret: s\noracle:\n  timeout: 5s\ntransfer:\n  timeout: 10s\nreconciler:\n  stale_after: 15s\n"
	_, err := Load(writeConfig(t, body))
	require.ErrorContains(t, err, "reconciler.stale_after (15s) must exceed oracle.timeout + transfer.timeout (15s)")

	cfg, err := Load(writeConfig(t, strings.Replace(body, "stale_after: 15s", "stale_after: 16s", 1)))
	require.NoError(t, err)
	require.Equal(t, 16*time.Second, cfg.Reconciler.StaleAfter.Duration)
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("")
	require.NoError(t, err)
	require.True(t, v.IsZero())

	v, err = ParseAmount("42")
	require.NoError(t, err)
	require.Equal(t, "42", v.String())
}
