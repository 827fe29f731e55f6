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

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
stream_url: http://radio.example/live
matcher:
  endpoint: http://matcher.local/match
fingerprint:
  threshold: 30
  interval: 5s
web:
  port: 9000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://radio.example/live", cfg.StreamURL)
	assert.Equal(t, 30, cfg.Fingerprint.Threshold)
	assert.Equal(t, 5*time.Second, cfg.Fingerprint.Interval)
	assert.Equal(t, 400_000, cfg.Fingerprint.BufferCap)
	assert.Equal(t, 10*time.Second, cfg.Fingerprint.Cooldown)
	assert.Equal(t, 60*time.Second, cfg.Download.RequestTimeout)
	assert.Equal(t, 9000, cfg.Web.Port)
	assert.Equal(t, "http", cfg.Matcher.Kind)
	assert.NotEmpty(t, cfg.ScratchDir)

	sc := cfg.SchedulerConfig()
	assert.Equal(t, 30, sc.Threshold)
	assert.Equal(t, 15*time.Second, sc.Policy.Suppression)
	assert.Equal(t, 16*1024, cfg.DownloadOptions().ReadSize)
}

func TestLoad_EnvOverlay(t *testing.T) {
	t.Setenv(EnvStreamURL, "http://env.example/stream")
	t.Setenv(EnvGeminiAPIKey, "secret")
	t.Setenv(EnvWebPort, "7000")

	path := writeConfig(t, t.TempDir(), `
matcher:
  kind: gemini
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://env.example/stream", cfg.StreamURL)
	assert.Equal(t, "secret", cfg.Gemini.APIKey)
	assert.Equal(t, 7000, cfg.Web.Port)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("RADIOTAP_LOG_LEVEL=debug\n"), 0o600))
	t.Setenv(EnvLogLevel, "")
	os.Unsetenv(EnvLogLevel)

	require.NoError(t, LoadDotEnv(envFile, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "debug", os.Getenv(EnvLogLevel))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
		want string
	}{
		{"threshold", func(c *Config) { c.Fingerprint.Threshold = 101 }, "fingerprint.threshold"},
		{"cap", func(c *Config) { c.Fingerprint.BufferCap = 0 }, "buffer_cap"},
		{"suppression", func(c *Config) { c.Fingerprint.Suppression = time.Second }, "suppression"},
		{"matcher kind", func(c *Config) { c.Matcher.Kind = "magic" }, "matcher.kind"},
		{"gemini key", func(c *Config) { c.Matcher.Kind = "gemini" }, "gemini.api_key"},
		{"half credentials", func(c *Config) { c.Web.Username = "admin" }, "password_hash"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Matcher.Endpoint = "http://matcher.local"
			tt.edit(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	cfg := Default()
	cfg.Matcher.Endpoint = "http://matcher.local"
	assert.NoError(t, cfg.Validate())
}

func TestHotConfig_Reload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "matcher:\n  endpoint: http://m\nfingerprint:\n  threshold: 20\n")

	hc, err := NewHotConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 20, hc.Get().Fingerprint.Threshold)

	got := make(chan int, 8)
	hc.OnReload(func(c *Config) { got <- c.Fingerprint.Threshold })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hc.Watch(ctx))

	// invalid content keeps the old config
	require.NoError(t, os.WriteFile(path, []byte("fingerprint:\n  threshold: 500\n"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("matcher:\n  endpoint: http://m\nfingerprint:\n  threshold: 45\n"), 0o644))

	deadline := time.After(3 * time.Second)
	for n := 0; n != 45; {
		select {
		case n = <-got:
			assert.Contains(t, []int{20, 45}, n)
		case <-deadline:
			t.Fatal("reload not observed")
		}
	}
	assert.Equal(t, 45, hc.Get().Fingerprint.Threshold)
}
