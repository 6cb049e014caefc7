// Package config provides configuration types and defaults for maestro.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all configuration options for the maestro daemon.
type Config struct {
	// WorkspaceBase is the root directory for task workspaces and the
	// global index. Defaults to ~/.maestro/workspaces.
	WorkspaceBase string `mapstructure:"workspace_base"`

	// LogFile is where daemon logs are written. stdout/stderr are reserved
	// for the tool transport.
	LogFile string `mapstructure:"log_file"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `mapstructure:"log_level"`

	// ListenAddr is the host:port the tool server binds to.
	ListenAddr string `mapstructure:"listen_addr"`

	Agent         AgentConfig         `mapstructure:"agent"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
}

// AgentConfig describes how worker processes are launched.
type AgentConfig struct {
	// Binary is the external agent executable spawned for each worker.
	Binary string `mapstructure:"binary"`

	// ExtraArgs are appended to the agent command line after the built-in
	// stream-json flags.
	ExtraArgs []string `mapstructure:"extra_args"`

	// MuxBinary is the terminal multiplexer executable (tmux-compatible).
	MuxBinary string `mapstructure:"mux_binary"`
}

// OrchestrationConfig holds the per-task limits and review policy.
type OrchestrationConfig struct {
	// MaxAgents is the lifetime cap on workers spawned per task.
	MaxAgents int `mapstructure:"max_agents"`

	// MaxDepth is the maximum worker hierarchy depth (orchestrator is 0).
	MaxDepth int `mapstructure:"max_depth"`

	// MaxConcurrent caps simultaneously active workers per task.
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// ReviewerCount is how many reviewers an agentic review spawns.
	ReviewerCount int `mapstructure:"reviewer_count"`

	// MinFreeDiskBytes is the free-disk pre-flight threshold for spawning.
	MinFreeDiskBytes int64 `mapstructure:"min_free_disk_bytes"`

	// LineCapBytes is the smart-tee per-line cap on worker output streams.
	LineCapBytes int `mapstructure:"line_cap_bytes"`

	// FieldCapBytes is the per-field cap inside oversized JSON lines.
	FieldCapBytes int `mapstructure:"field_cap_bytes"`

	// CoordinationResponseCapBytes bounds update_progress/report_finding
	// responses.
	CoordinationResponseCapBytes int `mapstructure:"coordination_response_cap_bytes"`

	// HealthScanInterval is the period of the background health scan.
	HealthScanInterval time.Duration `mapstructure:"health_scan_interval"`

	// ReviewTimeout bounds wall-clock time per review. Zero means unbounded.
	ReviewTimeout time.Duration `mapstructure:"review_timeout"`

	// TemplateDir is an optional directory of user phase templates.
	TemplateDir string `mapstructure:"template_dir"`
}

// TracingConfig controls OpenTelemetry span export for tool calls.
type TracingConfig struct {
	// Exporter is "none", "stdout", or "otlp".
	Exporter string `mapstructure:"exporter"`

	// OTLPEndpoint is the gRPC collector endpoint when Exporter is "otlp".
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Defaults returns a Config with sensible default values. The limits mirror
// the documented operational defaults of the daemon.
func Defaults() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".maestro")
	return Config{
		WorkspaceBase: filepath.Join(base, "workspaces"),
		LogFile:       filepath.Join(base, "maestro.log"),
		LogLevel:      "info",
		ListenAddr:    "127.0.0.1:7433",
		Agent: AgentConfig{
			Binary:    "agent",
			MuxBinary: "tmux",
		},
		Orchestration: OrchestrationConfig{
			MaxAgents:                    45,
			MaxDepth:                     5,
			MaxConcurrent:                20,
			ReviewerCount:                3,
			MinFreeDiskBytes:             100 * 1024 * 1024,
			LineCapBytes:                 8 * 1024,
			FieldCapBytes:                2 * 1024,
			CoordinationResponseCapBytes: 2 * 1024,
			HealthScanInterval:           30 * time.Second,
			ReviewTimeout:                0,
		},
		Tracing: TracingConfig{
			Exporter: "none",
		},
	}
}

// Validate checks the configuration for errors that would make the daemon
// unable to operate.
func (c Config) Validate() error {
	if c.WorkspaceBase == "" {
		return fmt.Errorf("workspace_base is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if err := c.Orchestration.Validate(); err != nil {
		return err
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be one of none, stdout, otlp (got %q)", c.Tracing.Exporter)
	}
	if c.Tracing.Exporter == "otlp" && c.Tracing.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint is required when tracing.exporter is otlp")
	}
	return nil
}

// Validate checks orchestration limits for internal consistency.
func (o OrchestrationConfig) Validate() error {
	if o.MaxAgents <= 0 {
		return fmt.Errorf("orchestration.max_agents must be positive")
	}
	if o.MaxDepth <= 0 {
		return fmt.Errorf("orchestration.max_depth must be positive")
	}
	if o.MaxConcurrent <= 0 {
		return fmt.Errorf("orchestration.max_concurrent must be positive")
	}
	if o.MaxConcurrent > o.MaxAgents {
		return fmt.Errorf("orchestration.max_concurrent (%d) cannot exceed max_agents (%d)", o.MaxConcurrent, o.MaxAgents)
	}
	if o.ReviewerCount <= 0 {
		return fmt.Errorf("orchestration.reviewer_count must be positive")
	}
	if o.MinFreeDiskBytes < 0 {
		return fmt.Errorf("orchestration.min_free_disk_bytes cannot be negative")
	}
	if o.LineCapBytes <= 0 {
		return fmt.Errorf("orchestration.line_cap_bytes must be positive")
	}
	if o.FieldCapBytes <= 0 || o.FieldCapBytes > o.LineCapBytes {
		return fmt.Errorf("orchestration.field_cap_bytes must be positive and at most line_cap_bytes")
	}
	if o.HealthScanInterval <= 0 {
		return fmt.Errorf("orchestration.health_scan_interval must be positive")
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Maestro Configuration

# Root directory for task workspaces and the global index
# workspace_base: ~/.maestro/workspaces

# Daemon log file (stdout/stderr carry the tool transport)
# log_file: ~/.maestro/maestro.log
log_level: info

# Tool server bind address
listen_addr: 127.0.0.1:7433

# Worker agent settings
agent:
  # External agent binary spawned for each worker
  binary: agent
  # Terminal multiplexer used to host worker sessions
  mux_binary: tmux

# Orchestration limits and review policy
orchestration:
  max_agents: 45           # lifetime worker cap per task
  max_depth: 5             # hierarchy depth (orchestrator = 0)
  max_concurrent: 20       # simultaneously active workers per task
  reviewer_count: 3        # reviewers spawned per agentic review
  min_free_disk_bytes: 104857600   # 100 MiB pre-flight
  line_cap_bytes: 8192     # smart-tee per-line cap
  field_cap_bytes: 2048    # per-field cap inside oversized JSON lines
  coordination_response_cap_bytes: 2048
  health_scan_interval: 30s
  # review_timeout: 0      # unbounded by default
  # template_dir: ~/.maestro/templates

# OpenTelemetry tracing for tool calls
tracing:
  exporter: none           # none, stdout, or otlp
  # otlp_endpoint: localhost:4317
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
