package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(kv map[string]string) func(string) string {
	return func(k string) string { return kv[k] }
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 16666666*time.Nanosecond, cfg.Display.VsyncPeriod)
	assert.Equal(t, 8*time.Millisecond, cfg.Dispatch.CallbackTimeout)
	assert.Equal(t, []string{"app", "sf"}, cfg.Dispatch.Dispatchers)
	assert.Equal(t, 750*time.Millisecond, cfg.Scheduler.ResyncThrottle)
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load("testdata/full.yaml")
	require.NoError(t, err)

	assert.Equal(t, 8333333*time.Nanosecond, cfg.Display.VsyncPeriod)
	assert.Equal(t, 50*time.Microsecond, cfg.Display.Jitter)
	assert.Equal(t, 4*time.Millisecond, cfg.Dispatch.CallbackTimeout)
	assert.Equal(t, []string{"app", "sf", "ui"}, cfg.Dispatch.Dispatchers)
	assert.Equal(t, "policy.cue", cfg.Scheduler.Policy)
	assert.Equal(t, ":9464", cfg.Metrics.Listen)
	assert.Equal(t, "/tmp/framepace.db", cfg.Store.Database)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, TracingConfig{
		Endpoint:    "otel-collector:4317",
		Insecure:    false,
		ServiceName: "framepace-test",
		SampleRatio: 0.25,
	}, cfg.Tracing)
}

func TestLoad_PartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 8*time.Millisecond, cfg.Dispatch.CallbackTimeout)
}

func TestLoad_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Log, cfg.Log)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	_, err := Load("testdata/unknown.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("testdata/missing.yaml")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"FRAMEPACE_VSYNC_PERIOD":     "11ms",
		"FRAMEPACE_CALLBACK_TIMEOUT": "2ms",
		"FRAMEPACE_DATABASE":         "trace.db",
		"FRAMEPACE_LOG_LEVEL":        "debug",
		"FRAMEPACE_DISPATCHERS":      "app,sf,extra",
		"FRAMEPACE_TRACING_ENDPOINT": "localhost:4317",
	}))
	require.NoError(t, err)

	assert.Equal(t, 11*time.Millisecond, cfg.Display.VsyncPeriod)
	assert.Equal(t, 2*time.Millisecond, cfg.Dispatch.CallbackTimeout)
	assert.Equal(t, "trace.db", cfg.Store.Database)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"app", "sf", "extra"}, cfg.Dispatch.Dispatchers)
	assert.Equal(t, "localhost:4317", cfg.Tracing.Endpoint)
}

func TestApplyEnv_BadDuration(t *testing.T) {
	err := Default().ApplyEnv(env(map[string]string{"FRAMEPACE_RESYNC_THROTTLE": "soon"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FRAMEPACE_RESYNC_THROTTLE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero vsync period", func(c *Config) { c.Display.VsyncPeriod = 0 }, "display.vsync_period"},
		{"negative jitter", func(c *Config) { c.Display.Jitter = -1 }, "display.jitter"},
		{"zero timeout", func(c *Config) { c.Dispatch.CallbackTimeout = 0 }, "dispatch.callback_timeout"},
		{"no dispatchers", func(c *Config) { c.Dispatch.Dispatchers = nil }, "at least one"},
		{"duplicate dispatcher", func(c *Config) { c.Dispatch.Dispatchers = []string{"app", "app"} }, "duplicate"},
		{"blank dispatcher", func(c *Config) { c.Dispatch.Dispatchers = []string{" "} }, "empty name"},
		{"sample ratio above one", func(c *Config) { c.Tracing.SampleRatio = 1.5 }, "tracing.sample_ratio"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	for level, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := LogConfig{Level: level}.SlogLevel()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestMarshal_RoundTripsThroughLoad(t *testing.T) {
	data, err := Default().Marshal()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
