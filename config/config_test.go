package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	loader := NewLoader("SPECTRAL_TEST")
	loader.SetConfigDefaults()

	cfg := &Config{}
	require.NoError(t, loader.Load(filepath.Join(t.TempDir(), "missing.yaml"), cfg))

	assert.Equal(t, "spectralnotify", cfg.Service.Name)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Broker.IdempotencyTTL)
	assert.Equal(t, 200, cfg.Broker.HistoryLimit)
	assert.False(t, cfg.Broker.StrictComplete)
	assert.Equal(t, 30*time.Second, cfg.Broker.PingInterval)
	assert.Equal(t, 90*time.Second, cfg.Broker.IdleTimeout)
	assert.Equal(t, 64, cfg.Broker.SendBuffer)
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
security:
  api_key: file-secret
database:
  driver: postgres
  url: postgres://localhost/notify
broker:
  strict_complete: true
  idempotency_ttl: 1h
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	loader := NewLoader("SPECTRAL_TEST")
	loader.SetConfigDefaults()
	cfg := &Config{}
	require.NoError(t, loader.Load(path, cfg))

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "file-secret", cfg.Security.APIKey)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.True(t, cfg.Broker.StrictComplete)
	assert.Equal(t, time.Hour, cfg.Broker.IdempotencyTTL)
	// Untouched keys keep their defaults.
	assert.Equal(t, "./data", cfg.Database.DataDir)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("SPECTRAL_TEST_SERVER_PORT", "7070")
	t.Setenv("SPECTRAL_TEST_SECURITY_API_KEY", "env-secret")

	loader := NewLoader("SPECTRAL_TEST")
	loader.SetConfigDefaults()
	cfg := &Config{}
	require.NoError(t, loader.Load(filepath.Join(t.TempDir(), "missing.yaml"), cfg))

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "env-secret", cfg.Security.APIKey)
}

func TestValidateConfig(t *testing.T) {
	valid := func() *Config {
		loader := NewLoader("SPECTRAL_TEST")
		loader.SetConfigDefaults()
		cfg := &Config{}
		require.NoError(t, loader.Load(filepath.Join(t.TempDir(), "missing.yaml"), cfg))
		return cfg
	}

	cfg := valid()
	assert.NoError(t, ValidateConfig(cfg))

	cfg = valid()
	cfg.Server.Port = 0
	assert.Error(t, ValidateConfig(cfg))

	cfg = valid()
	cfg.Database.Driver = "oracle"
	assert.Error(t, ValidateConfig(cfg))

	cfg = valid()
	cfg.Database.Driver = "postgres"
	assert.Error(t, ValidateConfig(cfg), "postgres requires a url")

	cfg = valid()
	cfg.Broker.IdempotencyTTL = 0
	assert.Error(t, ValidateConfig(cfg))

	cfg = valid()
	cfg.Broker.SendBuffer = 0
	assert.Error(t, ValidateConfig(cfg))
}
