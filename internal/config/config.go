// Package config loads framepace configuration.
// Priority: defaults < file < env (FRAMEPACE_*) < flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all framepace configuration.
type Config struct {
	Display   DisplayConfig   `yaml:"display"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
}

// DisplayConfig describes the synthetic display used by `framepace run`.
type DisplayConfig struct {
	VsyncPeriod time.Duration `yaml:"vsync_period"`
	Jitter      time.Duration `yaml:"jitter"`
}

// DispatchConfig controls event dispatchers.
type DispatchConfig struct {
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
	Dispatchers     []string      `yaml:"dispatchers"`
}

// SchedulerConfig controls the scheduler.
type SchedulerConfig struct {
	FallbackPeriod time.Duration `yaml:"fallback_period"`
	ResyncThrottle time.Duration `yaml:"resync_throttle"`
	Policy         string        `yaml:"policy"` // CUE file; empty = defaults
}

// MetricsConfig controls Prometheus exposition.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	Listen    string `yaml:"listen"` // empty = not served
}

// TracingConfig controls OTLP span export.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"` // OTLP gRPC host:port; empty = not exported
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// StoreConfig controls the SQLite trace store.
type StoreConfig struct {
	Database string `yaml:"database"` // empty = not recorded
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Display: DisplayConfig{
			VsyncPeriod: 16666666 * time.Nanosecond,
		},
		Dispatch: DispatchConfig{
			CallbackTimeout: 8 * time.Millisecond,
			Dispatchers:     []string{"app", "sf"},
		},
		Scheduler: SchedulerConfig{
			FallbackPeriod: 16666666 * time.Nanosecond,
			ResyncThrottle: 750 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Namespace: "framepace",
		},
		Tracing: TracingConfig{
			Insecure:    true,
			ServiceName: "framepace",
			SampleRatio: 1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path on top of the defaults, then applies the environment.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode merges YAML into cfg. Unknown fields are rejected.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from FRAMEPACE_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"FRAMEPACE_VSYNC_PERIOD", &c.Display.VsyncPeriod},
		{"FRAMEPACE_CALLBACK_TIMEOUT", &c.Dispatch.CallbackTimeout},
		{"FRAMEPACE_FALLBACK_PERIOD", &c.Scheduler.FallbackPeriod},
		{"FRAMEPACE_RESYNC_THROTTLE", &c.Scheduler.ResyncThrottle},
	}
	for _, d := range durations {
		v := getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"FRAMEPACE_POLICY", &c.Scheduler.Policy},
		{"FRAMEPACE_METRICS_LISTEN", &c.Metrics.Listen},
		{"FRAMEPACE_TRACING_ENDPOINT", &c.Tracing.Endpoint},
		{"FRAMEPACE_DATABASE", &c.Store.Database},
		{"FRAMEPACE_LOG_LEVEL", &c.Log.Level},
		{"FRAMEPACE_LOG_FORMAT", &c.Log.Format},
	}
	for _, s := range strs {
		if v := getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	if v := getenv("FRAMEPACE_DISPATCHERS"); v != "" {
		c.Dispatch.Dispatchers = strings.Split(v, ",")
	}
	return nil
}

// Validate checks the configuration for values the runtime cannot use.
func (c *Config) Validate() error {
	var errs []error

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"display.vsync_period", c.Display.VsyncPeriod},
		{"dispatch.callback_timeout", c.Dispatch.CallbackTimeout},
		{"scheduler.fallback_period", c.Scheduler.FallbackPeriod},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", p.name, p.d))
		}
	}
	if c.Display.Jitter < 0 {
		errs = append(errs, fmt.Errorf("display.jitter must not be negative, got %v", c.Display.Jitter))
	}
	if c.Scheduler.ResyncThrottle < 0 {
		errs = append(errs, fmt.Errorf("scheduler.resync_throttle must not be negative, got %v", c.Scheduler.ResyncThrottle))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be between 0 and 1, got %g", c.Tracing.SampleRatio))
	}

	if len(c.Dispatch.Dispatchers) == 0 {
		errs = append(errs, errors.New("dispatch.dispatchers must name at least one dispatcher"))
	}
	seen := make(map[string]bool)
	for _, name := range c.Dispatch.Dispatchers {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("dispatch.dispatchers has an empty name"))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("dispatch.dispatchers has duplicate %q", name))
		}
		seen[name] = true
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// SlogLevel maps Level onto slog.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level: unknown level %q", l.Level)
	}
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
