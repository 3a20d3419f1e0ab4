package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Offline.APITTL.Std())
	assert.Equal(t, 7*24*time.Hour, cfg.Offline.ImageTTL.Std())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "availd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
pms:
  base_url: "https://pms.villamira.example"
  timeout: 5s
cache:
  stale_after: 90s
  evict_after: 10m
  max_entries: 64
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "https://pms.villamira.example", cfg.PMS.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.PMS.Timeout.Std())
	assert.Equal(t, 90*time.Second, cfg.Cache.StaleAfter.Std())
	assert.Equal(t, 64, cfg.Cache.MaxEntries)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Channel.HeartbeatInterval.Std())
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("PMS_BASE_URL", "https://env.example")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "https://env.example", cfg.PMS.BaseURL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"empty pms url", func(c *Config) { c.PMS.BaseURL = "" }},
		{"stale >= evict", func(c *Config) { c.Cache.StaleAfter = c.Cache.EvictAfter }},
		{"zero entries", func(c *Config) { c.Cache.MaxEntries = 0 }},
		{"zero api ttl", func(c *Config) { c.Offline.APITTL = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestInvalidDurationRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "availd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pms:\n  timeout: \"fast\"\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
