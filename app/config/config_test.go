package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	data := `
gangadir: /tmp/gangadir
repository:
  type: sqlite
  lock_attempts: 10
  lock_delay: 50ms
polling:
  interval: 5s
  concurrency: 8
  timeout: 30
  shutdown_timeout: 1m
registry:
  autoflush_interval: 0
notify:
  on_error: true
  webhooks: ["https://example.com/hook"]
web:
  enabled: true
  address: 127.0.0.1:9090
`
	fname := filepath.Join(t.TempDir(), "gangarc.yml")
	require.NoError(t, os.WriteFile(fname, []byte(data), 0o600))

	cfg, err := Load(fname)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/gangadir", cfg.GangaDir)
	assert.Equal(t, "sqlite", cfg.Repository.Type)
	assert.Equal(t, 10, cfg.Repository.LockAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Repository.LockDelay.D())
	assert.Equal(t, 5*time.Second, cfg.Polling.Interval.D())
	assert.Equal(t, 8, cfg.Polling.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Polling.Timeout.D(), "plain number is seconds")
	assert.Equal(t, time.Minute, cfg.Polling.ShutdownTimeout.D())
	assert.Equal(t, 3, cfg.Polling.MaxResubmits, "default kept")
	assert.Equal(t, time.Duration(0), cfg.Registry.AutoflushInterval.D())
	assert.True(t, cfg.Notify.OnError)
	assert.Equal(t, []string{"https://example.com/hook"}, cfg.Notify.Webhooks)
	assert.Equal(t, "127.0.0.1:9090", cfg.Web.Address)

	// defaults kept for missing keys
	assert.True(t, cfg.Cleanup.StaleSessions)
	assert.Equal(t, 24*time.Hour, cfg.Cleanup.SessionMaxAge.D())
	assert.Equal(t, 10, cfg.Web.RateLimit)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	cfg, err := LoadOrDefault(filepath.Join(dir, "missing.yml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	tbl := []struct {
		name, data, err string
	}{
		{"unknown key", "blah: 1\n", "field blah not found"},
		{"bad duration", "polling:\n  interval: soon\n", "invalid duration"},
		{"bad type", "repository:\n  type: pickle\n", `unknown type "pickle"`},
		{"interval too small", "polling:\n  interval: 1ms\n", "polling: interval must be between"},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			fname := filepath.Join(dir, "gangarc.yml")
			require.NoError(t, os.WriteFile(fname, []byte(tt.data), 0o600))
			_, err := Load(fname)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestParse_HomeDir(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	cfg := Default()
	require.NoError(t, Parse([]byte("gangadir: ~/work/gangadir\n"), cfg))
	assert.Equal(t, filepath.Join(home, "work/gangadir"), cfg.GangaDir)

	cfg = Default()
	require.NoError(t, Parse([]byte("  \n"), cfg), "empty file keeps defaults")
	assert.Equal(t, Default(), cfg)
}

func TestConfig_Verify(t *testing.T) {
	tbl := []struct {
		name   string
		modify func(c *Config)
		err    string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"no gangadir", func(c *Config) { c.GangaDir = " " }, "gangadir is required"},
		{"lock attempts", func(c *Config) { c.Repository.LockAttempts = 0 }, "lock_attempts must be between 1 and 100"},
		{"lock delay", func(c *Config) { c.Repository.LockDelay = Duration(time.Hour) }, "lock_delay must be between"},
		{"concurrency", func(c *Config) { c.Polling.Concurrency = 1000 }, "concurrency must be between 1 and 256"},
		{"poll timeout", func(c *Config) { c.Polling.Timeout = 0 }, "polling: timeout must be between"},
		{"max resubmits", func(c *Config) { c.Polling.MaxResubmits = -1 }, "max_resubmits must be between 0 and 100, got -1"},
		{"no resubmits", func(c *Config) { c.Polling.MaxResubmits = 0 }, ""},
		{"autoflush", func(c *Config) { c.Registry.AutoflushInterval = Duration(-time.Second) }, "can't be negative"},
		{"session age", func(c *Config) { c.Cleanup.SessionMaxAge = Duration(time.Second) }, "session_max_age must be at least"},
		{"session age ignored", func(c *Config) {
			c.Cleanup.StaleSessions = false
			c.Cleanup.SessionMaxAge = 0
		}, ""},
		{"notify no destinations", func(c *Config) { c.Notify.OnCompletion = true }, "no destinations"},
		{"notify no smtp", func(c *Config) {
			c.Notify.OnError = true
			c.Notify.To = []string{"me@example.com"}
		}, "smtp host is required"},
		{"notify no slack token", func(c *Config) {
			c.Notify.OnError = true
			c.Notify.SlackChannels = []string{"general"}
		}, "slack_token is required"},
		{"notify bad webhook", func(c *Config) {
			c.Notify.OnError = true
			c.Notify.Webhooks = []string{"ftp://example.com"}
		}, "webhook 1: http or https url expected"},
		{"web no address", func(c *Config) {
			c.Web.Enabled = true
			c.Web.Address = ""
		}, "web: address is required"},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(c)
			err := c.Verify()
			if tt.err == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestGenerateSchema(t *testing.T) {
	schema, err := GenerateSchema()
	require.NoError(t, err)
	data, err := json.Marshal(schema)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"gangadir"`)
	assert.Contains(t, string(data), `"autoflush_interval"`)
	assert.Contains(t, string(data), `"1m30s"`, "durations described as strings")
}

func TestConfig_VerifyConditions(t *testing.T) {
	c := Default()
	require.NoError(t, Parse([]byte("conditions:\n  load_avg_below: 4.5\n  disk_free_above: 10\n"), c))
	require.NoError(t, c.Verify())
	require.NotNil(t, c.Conditions.LoadAvgBelow)
	assert.InDelta(t, 4.5, *c.Conditions.LoadAvgBelow, 0.001)
	assert.True(t, c.Conditions.Enabled())

	c = Default()
	require.NoError(t, Parse([]byte("conditions:\n  memory_below: 150\n"), c))
	assert.EqualError(t, c.Verify(), "conditions: memory_below must be between 0 and 100, got 150")
}
