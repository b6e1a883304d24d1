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
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http", cfg.Server.Transport)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, 10, cfg.Database.MaxConns)
	assert.Equal(t, 15, cfg.Storage.SignedURLTTLMins)
	assert.Equal(t, 100, cfg.Ingest.MaxSizeMB)
	assert.Equal(t, 3, cfg.Ingest.MaxAttempts)
	assert.False(t, cfg.Auth.Enabled)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15*time.Minute, cfg.SignedURLTTL())
	assert.Equal(t, int64(100)*1024*1024, cfg.MaxSizeBytes())
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loist.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
  transport: stdio
ingest:
  max_size_mb: 50
`), 0o644))

	t.Setenv("LOIST_PORT", "9100")
	t.Setenv("LOIST_MAX_ATTEMPTS", "5")

	m := NewManager()
	require.NoError(t, m.Load(path))
	cfg := m.Get()

	assert.Equal(t, 9100, cfg.Server.Port, "environment beats the file")
	assert.Equal(t, "stdio", cfg.Server.Transport, "file beats the default")
	assert.Equal(t, 50, cfg.Ingest.MaxSizeMB)
	assert.Equal(t, 5, cfg.Ingest.MaxAttempts)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Load(""))
	assert.Equal(t, 8080, m.Get().Server.Port)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad transport", func(c *Config) { c.Server.Transport = "grpc" }},
		{"bad database type", func(c *Config) { c.Database.Type = "mysql" }},
		{"inverted pool bounds", func(c *Config) { c.Database.MinConns = 20 }},
		{"zero ttl", func(c *Config) { c.Storage.SignedURLTTLMins = 0 }},
		{"zero max size", func(c *Config) { c.Ingest.MaxSizeMB = 0 }},
		{"auth without token", func(c *Config) { c.Auth.Enabled = true; c.Auth.Token = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWatchersRunOnReload(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Load(""))

	changed := make(chan int, 1)
	m.AddWatcher(func(oldConfig, newConfig *Config) {
		changed <- newConfig.Server.Port
	})

	t.Setenv("LOIST_PORT", "9999")
	require.NoError(t, m.Load(""))

	select {
	case port := <-changed:
		assert.Equal(t, 9999, port)
	case <-time.After(time.Second):
		t.Fatal("watcher never fired")
	}
}
