package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Server.Mode)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(32768), cfg.Server.ReadLimit)

	assert.Equal(t, "gorilla", cfg.Transport.Kind)
	assert.Equal(t, time.Second, cfg.Transport.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.Transport.MaxDelay)
	assert.Equal(t, 10, cfg.Transport.MaxAttempts)
	assert.Equal(t, 32, cfg.Transport.SendBuffer)

	assert.Equal(t, 15.0, cfg.VAD.Threshold)
	assert.Equal(t, 50*time.Millisecond, cfg.VAD.SampleInterval)
	assert.Equal(t, 200*time.Millisecond, cfg.VAD.Debounce)
	assert.Equal(t, 3*time.Minute, cfg.VAD.OpenMicInactivity)

	assert.Len(t, cfg.ICE.STUNServers, 2)
	assert.Equal(t, 3*time.Second, cfg.Presence.Timeout)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadSurfacesMalformedConfig(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))

	yaml := []byte(`
server:
  port: not-a-number
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.dev.yaml"), yaml, 0o644))
	t.Setenv("CONFIG_ENV", "dev")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoadReadsEnvSpecificFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))

	yaml := []byte(`
server:
  mode: debug
  port: 9999
transport:
  kind: coder
  max_attempts: 3
vad:
  threshold: 30
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.staging.yaml"), yaml, 0o644))
	t.Setenv("CONFIG_ENV", "staging")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Server.Mode)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "coder", cfg.Transport.Kind)
	assert.Equal(t, 3, cfg.Transport.MaxAttempts)
	assert.Equal(t, 30.0, cfg.VAD.Threshold)

	// Unspecified keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Transport.MaxDelay)
	assert.Equal(t, 200*time.Millisecond, cfg.VAD.Debounce)
}
