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
	path := filepath.Join(t.TempDir(), "relayq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, []string{"default"}, cfg.Worker.Queues)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, time.Minute, cfg.Visibility())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
worker:
  queues: [default, mail, reports]
  slots: 8
  visibility_sec: 120
beat:
  enabled: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, []string{"default", "mail", "reports"}, cfg.Worker.Queues)
	assert.Equal(t, 8, cfg.Worker.Slots)
	assert.Equal(t, 2*time.Minute, cfg.Visibility())
	assert.False(t, cfg.Beat.Enabled)

	// untouched sections keep their defaults
	assert.Equal(t, "relayq.db", cfg.Storage.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "worker: [not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero slots", func(c *Config) { c.Worker.Slots = 0 }},
		{"negative prefetch", func(c *Config) { c.Worker.Prefetch = -1 }},
		{"no queues", func(c *Config) { c.Worker.Queues = nil }},
		{"no storage path", func(c *Config) { c.Storage.Path = "" }},
		{"zero beat interval", func(c *Config) { c.Beat.IntervalSec = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestInMemoryNeedsNoPath(t *testing.T) {
	cfg := Default()
	cfg.Storage.InMemory = true
	cfg.Storage.Path = ""
	assert.NoError(t, cfg.Validate())
}
