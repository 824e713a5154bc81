package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sternrassler/reqdispatch/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, logging.LevelInfo, cfg.LogLevel())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":9090"
client:
  userAgent: "orders-sync/2.0 (ops@example.com)"
  poolSize: 8
  timeout: 5s
  serveStale: true
cache:
  dir: /var/cache/dispatch
redis:
  address: redis:6379
  db: 2
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "orders-sync/2.0 (ops@example.com)", cfg.Client.UserAgent)
	assert.Equal(t, 8, cfg.Client.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.Client.Timeout)
	assert.True(t, cfg.Client.ServeStale)
	assert.True(t, cfg.Client.RateLimit, "unset fields keep their defaults")
	assert.Equal(t, "/var/cache/dispatch", cfg.Cache.Dir)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, logging.LevelDebug, cfg.LogLevel())
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		errorMsg string
	}{
		{"invalid yaml", "server: [", "unmarshal yaml"},
		{"zero pool", "client:\n  poolSize: 0\n", "client.poolSize"},
		{"bad log level", "log:\n  level: loud\n", "log.level"},
		{"negative cache size", "cache:\n  maxBytes: -1\n", "cache.maxBytes"},
		{"empty user agent", "client:\n  userAgent: \"\"\n", "client.userAgent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DISPATCH_ADDRESS":     ":7000",
		"DISPATCH_POOL_SIZE":   "2",
		"DISPATCH_SERVE_STALE": "true",
		"DISPATCH_TIMEOUT":     "750ms",
		"DISPATCH_REDIS_ADDR":  "localhost:6379",
		"DISPATCH_LOG_LEVEL":   "",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))

	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, 2, cfg.Client.PoolSize)
	assert.True(t, cfg.Client.ServeStale)
	assert.Equal(t, 750*time.Millisecond, cfg.Client.Timeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.Equal(t, "info", cfg.Log.Level, "empty values are ignored")
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	tests := map[string]string{
		"DISPATCH_POOL_SIZE":  "four",
		"DISPATCH_RATE_LIMIT": "maybe",
		"DISPATCH_TIMEOUT":    "soon",
	}

	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			lookup := func(k string) (string, bool) {
				if k == key {
					return value, true
				}
				return "", false
			}
			err := Default().applyEnv(lookup)
			assert.ErrorContains(t, err, key)
		})
	}
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	t.Setenv("DISPATCH_POOL_SIZE", "6")
	cfg, err := Load(writeConfig(t, "client:\n  poolSize: 3\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Client.PoolSize)
}
