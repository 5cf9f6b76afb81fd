package logging

import (
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/epicflow/internal/config"
)

// Config holds logger settings.
type Config struct {
	Level    zapcore.Level
	Format   string
	Output   string
	Sampling SamplingConfig
	Caller   bool
	// Stacktrace is the minimum level that records a stack trace.
	Stacktrace zapcore.Level
	Fields     map[string]string
	// Redact lists field keys whose values are never written.
	Redact []string
}

// SamplingConfig controls per-level volume reduction. Error and above are
// never sampled.
type SamplingConfig struct {
	Enabled bool
	Tick    time.Duration
	Levels  map[zapcore.Level]LevelSampling
}

// LevelSampling logs the first Initial entries per tick, then every
// Thereafter-th. Thereafter 0 drops the rest.
type LevelSampling struct {
	Initial    int
	Thereafter int
}

// NewDefaultConfig returns console logging to stderr at info.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "console",
		Output: "stderr",
		Sampling: SamplingConfig{
			Tick:   time.Second,
			Levels: DefaultLevelSampling(),
		},
		Stacktrace: zapcore.DPanicLevel,
		Fields:     map[string]string{"service": "epicflow"},
		Redact:     []string{"api_key", "token", "password", "secret", "authorization"},
	}
}

// DefaultLevelSampling returns the per-level sampling table.
func DefaultLevelSampling() map[zapcore.Level]LevelSampling {
	return map[zapcore.Level]LevelSampling{
		zapcore.DebugLevel: {Initial: 50, Thereafter: 0},
		zapcore.InfoLevel:  {Initial: 100, Thereafter: 10},
		zapcore.WarnLevel:  {Initial: 100, Thereafter: 100},
	}
}

// FromSettings builds a Config from the loaded configuration record.
func FromSettings(s config.LoggingConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	level, err := LevelFromString(s.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	cfg.Level = level
	if s.Format != "" {
		cfg.Format = s.Format
	}
	if s.Output != "" {
		cfg.Output = s.Output
	}
	cfg.Sampling.Enabled = s.Sampling
	if level <= zapcore.DebugLevel {
		cfg.Caller = true
	}
	return cfg, cfg.Validate()
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if c.Output != "stdout" && c.Output != "stderr" {
		return fmt.Errorf("output must be 'stdout' or 'stderr', got %q", c.Output)
	}
	if c.Sampling.Enabled && c.Sampling.Tick <= 0 {
		return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
	}
	for k, v := range c.Fields {
		if k == "" {
			return fmt.Errorf("field key cannot be empty")
		}
		if v == "" {
			return fmt.Errorf("field %q has empty value", k)
		}
	}
	return nil
}
