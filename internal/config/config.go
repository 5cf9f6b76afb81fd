// Package config loads the immutable epicflow configuration record. It is
// read once at startup and passed explicitly to the components that need it;
// nothing downstream reads the process environment.
package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"time"
)

const (
	// DefaultFileName is looked up in the workspace when no path is given.
	DefaultFileName = "epicflow.yaml"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "EPICFLOW_"
)

// Config is the full configuration record.
type Config struct {
	Workspace WorkspaceConfig `koanf:"workspace"`
	Artifacts ArtifactsConfig `koanf:"artifacts"`
	Agent     AgentConfig     `koanf:"agent"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Git       GitConfig       `koanf:"git"`
	Project   ProjectConfig   `koanf:"project"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// WorkspaceConfig locates the repository the pipeline operates on.
type WorkspaceConfig struct {
	Root string `koanf:"root"`
	// StateDir holds lock files, relative to Root.
	StateDir string `koanf:"state_dir"`
}

// ArtifactsConfig controls where epic artifacts live:
// <root>/<dir>/<epic>/<file>.
type ArtifactsConfig struct {
	Dir   string            `koanf:"dir"`
	Files map[string]string `koanf:"files"`
}

// AgentConfig configures the external agent process.
type AgentConfig struct {
	Command string            `koanf:"command"`
	Args    []string          `koanf:"args"`
	Timeout Duration          `koanf:"timeout"`
	Env     map[string]Secret `koanf:"env"`
}

// PipelineConfig bounds the loop groups.
type PipelineConfig struct {
	MaxRounds int `koanf:"max_rounds"`
}

// GitConfig configures checkpoint commits.
type GitConfig struct {
	AuthorName  string `koanf:"author_name"`
	AuthorEmail string `koanf:"author_email"`
	BaseBranch  string `koanf:"base_branch"`
	// Init creates the repository when the workspace is not inside one.
	Init bool `koanf:"init"`
}

// ProjectConfig carries the commands handed to implementation phases.
type ProjectConfig struct {
	TestCommand string `koanf:"test_command"`
	LintCommand string `koanf:"lint_command"`
}

// ServerConfig configures the run control API.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// StartRate limits run submissions per second; 0 disables the limit.
	StartRate  float64 `koanf:"start_rate"`
	StartBurst int     `koanf:"start_burst"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	Output   string `koanf:"output"`
	Sampling bool   `koanf:"sampling"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Endpoint     string  `koanf:"endpoint"`
	Protocol     string  `koanf:"protocol"`
	Insecure     bool    `koanf:"insecure"`
	SamplingRate float64 `koanf:"sampling_rate"`
	ServiceName  string  `koanf:"service_name"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

var artifactFilePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate checks the record for errors.
func (c *Config) Validate() error {
	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace.root is required")
	}
	if c.Artifacts.Dir == "" || filepath.IsAbs(c.Artifacts.Dir) {
		return fmt.Errorf("artifacts.dir must be a non-empty relative path, got %q", c.Artifacts.Dir)
	}
	for name, file := range c.Artifacts.Files {
		if !artifactFilePattern.MatchString(file) {
			return fmt.Errorf("artifacts.files.%s: invalid file name %q", name, file)
		}
	}
	if c.Pipeline.MaxRounds < 1 || c.Pipeline.MaxRounds > 50 {
		return fmt.Errorf("pipeline.max_rounds must be between 1 and 50, got %d", c.Pipeline.MaxRounds)
	}
	if c.Agent.Timeout.Duration() <= 0 {
		return fmt.Errorf("agent.timeout must be positive")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.StartRate < 0 {
		return fmt.Errorf("server.start_rate must not be negative, got %f", c.Server.StartRate)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	switch c.Logging.Output {
	case "stdout", "stderr":
	default:
		return fmt.Errorf("logging.output must be 'stdout' or 'stderr', got %q", c.Logging.Output)
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
		}
		switch c.Telemetry.Protocol {
		case "grpc", "http/protobuf":
		default:
			return fmt.Errorf("telemetry.protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
			return fmt.Errorf("telemetry.sampling_rate must be between 0 and 1, got %f", c.Telemetry.SamplingRate)
		}
	}
	return nil
}

// applyDefaults fills zero values.
func applyDefaults(cfg *Config) {
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = "."
	}
	if cfg.Workspace.StateDir == "" {
		cfg.Workspace.StateDir = ".epicflow"
	}

	if cfg.Artifacts.Dir == "" {
		cfg.Artifacts.Dir = "specs"
	}

	if cfg.Agent.Command == "" {
		cfg.Agent.Command = "claude"
	}
	if cfg.Agent.Args == nil {
		cfg.Agent.Args = []string{"-p", "{prompt}"}
	}
	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = Duration(30 * time.Minute)
	}

	if cfg.Pipeline.MaxRounds == 0 {
		cfg.Pipeline.MaxRounds = 5
	}

	if cfg.Git.AuthorName == "" {
		cfg.Git.AuthorName = "epicflow"
	}
	if cfg.Git.AuthorEmail == "" {
		cfg.Git.AuthorEmail = "epicflow@localhost"
	}
	if cfg.Git.BaseBranch == "" {
		cfg.Git.BaseBranch = "main"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.StartRate > 0 && cfg.Server.StartBurst < 1 {
		cfg.Server.StartBurst = 1
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "epicflow"
	}
}
