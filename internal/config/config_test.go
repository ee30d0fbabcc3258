package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3*time.Second, cfg.HistoryFallback())
	assert.Equal(t, 30*time.Second, cfg.RingTimeout())
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty url", func(c *Config) { c.Server.URL = " " }, "server.url is required"},
		{"bad url", func(c *Config) { c.Server.URL = "ftp://x" }, "server.url must be"},
		{"http timeout", func(c *Config) { c.Server.HTTPTimeoutSec = 0 }, "http_timeout_seconds"},
		{"handshake timeout", func(c *Config) { c.Server.HandshakeTimeoutSec = 301 }, "handshake_timeout_seconds"},
		{"fallback", func(c *Config) { c.Chat.HistoryFallbackMs = -1 }, "history_fallback_ms"},
		{"ring timeout", func(c *Config) { c.Call.RingTimeoutSec = 0 }, "ring_timeout_seconds"},
		{"ice server", func(c *Config) { c.Call.ICEServers = []string{"http://x"} }, "ice_servers"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"subsystem level", func(c *Config) { c.Log.Subsystems = map[string]string{"chat": "x"} }, "log.subsystems.chat"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default(), cfg)

	cfg.Server.URL = "http://chat.example:3000"
	require.NoError(t, Save(path, cfg))

	got, created, err := Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "http://chat.example:3000", got.Server.URL)
}

func TestLoadKeepsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"server":{"url":"chat.example:3000/"}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://chat.example:3000", cfg.Server.URL)
	assert.Equal(t, 10, cfg.Server.HTTPTimeoutSec)
	assert.Equal(t, 30, cfg.Call.RingTimeoutSec)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"call":{"ring_timeout_seconds":0}}`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)

	cfg, err := LoadPartial(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Call.RingTimeoutSec)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvServerURL, "https://chat.example/")
	t.Setenv(EnvLogLevel, "DEBUG")
	t.Setenv(EnvMetricsAddr, "127.0.0.1:9100")

	cfg := Default()
	require.NoError(t, ApplyEnv(&cfg))
	assert.Equal(t, "https://chat.example", cfg.Server.URL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Addr)

	t.Setenv(EnvLogLevel, "chatty")
	cfg = Default()
	assert.Error(t, ApplyEnv(&cfg))
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, LoadDotEnv(dir), "missing .env is fine")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(EnvMetricsAddr+"=:9200\n"), 0o644))
	t.Setenv(EnvMetricsAddr, "") // restored after the test
	require.NoError(t, os.Unsetenv(EnvMetricsAddr))
	require.NoError(t, LoadDotEnv(dir))
	assert.Equal(t, ":9200", os.Getenv(EnvMetricsAddr))
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	_, _, err := Ensure(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c Config) { got <- c }) }()
	time.Sleep(100 * time.Millisecond) // let the watcher register

	// Invalid edits are skipped; other files in the directory are ignored.
	require.NoError(t, os.WriteFile(path, []byte(`{"log":{"level":"nope"}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0o644))

	cfg := Default()
	cfg.Log.Level = "debug"
	require.NoError(t, Save(path, cfg))

	select {
	case c := <-got:
		assert.Equal(t, "debug", c.Log.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}
