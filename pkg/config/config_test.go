package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mindburn-Labs/mcphost/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"MCPHOST_DATA_DIR", "MCPHOST_STORE", "DATABASE_URL", "REDIS_ADDR", "REDIS_PASSWORD",
		"REDIS_DB", "MCPHOST_LISTEN_ADDR", "LOG_LEVEL", "MCPHOST_REQUEST_TTL",
		"MCPHOST_RESOLVE_GRACE", "MCPHOST_CERT_VALIDITY", "MCPHOST_CHANNEL_RPS",
		"MCPHOST_CHANNEL_BURST", "MCPHOST_URL_POLICY", "MCPHOST_OTEL_ENABLED", "MCPHOST_OTEL_ENDPOINT",
	} {
		t.Setenv(k, "")
	}
}

// TestLoad_Defaults verifies that Load() returns safe defaults when no
// environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.BackendFile, cfg.Store.Backend)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 5*time.Minute, cfg.Elicitation.RequestTTL)
	assert.Equal(t, 10*time.Second, cfg.Elicitation.ResolveGrace)
	assert.Equal(t, 365*24*time.Hour, cfg.Trust.CertValidity)
	assert.Equal(t, config.DefaultURLPolicy, cfg.Elicitation.URLPolicy)
	assert.False(t, cfg.Observability.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MCPHOST_STORE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://mcphost@db:5432/mcphost")
	t.Setenv("MCPHOST_RESOLVE_GRACE", "30s")
	t.Setenv("MCPHOST_CHANNEL_BURST", "3")
	t.Setenv("MCPHOST_OTEL_ENABLED", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, "postgres://mcphost@db:5432/mcphost", cfg.Store.DatabaseURL)
	assert.Equal(t, 30*time.Second, cfg.Elicitation.ResolveGrace)
	assert.Equal(t, 3, cfg.Channel.Burst)
	assert.True(t, cfg.Observability.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_BadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("MCPHOST_REQUEST_TTL", "soon")
	t.Setenv("REDIS_DB", "zero")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MCPHOST_REQUEST_TTL")
	assert.Contains(t, err.Error(), "REDIS_DB")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*config.Config){
		"unknown backend":   func(c *config.Config) { c.Store.Backend = "etcd" },
		"postgres no url":   func(c *config.Config) { c.Store.Backend = config.BackendPostgres },
		"zero ttl":          func(c *config.Config) { c.Elicitation.RequestTTL = 0 },
		"negative grace":    func(c *config.Config) { c.Elicitation.ResolveGrace = -time.Second },
		"zero validity":     func(c *config.Config) { c.Trust.CertValidity = 0 },
		"zero channel rate": func(c *config.Config) { c.Channel.RPS = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFile_EnvWins(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "mcphost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/mcphost
store:
  backend: sqlite
elicitation:
  request_ttl: 2m
  resolve_grace: 5s
channel:
  rps: 1
  burst: 2
`), 0600))
	t.Setenv("MCPHOST_RESOLVE_GRACE", "20s")

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/mcphost", cfg.DataDir)
	assert.Equal(t, config.BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Elicitation.RequestTTL)
	assert.Equal(t, 20*time.Second, cfg.Elicitation.ResolveGrace)
	assert.Equal(t, 2, cfg.Channel.Burst)
	// Unset keys keep their defaults.
	assert.Equal(t, config.DefaultURLPolicy, cfg.Elicitation.URLPolicy)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := config.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [unclosed"), 0600))
	_, err = config.LoadFile(path)
	assert.Error(t, err)
}
