// Package config provides configuration types and defaults for the control plane.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ServerConfig holds the HTTP surface configuration.
// The server binds loopback-only unless AllowLAN is set.
type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	AllowLAN    bool     `mapstructure:"allow_lan"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	host := s.Host
	if host == "" {
		host = "127.0.0.1"
	}
	if s.AllowLAN {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, s.Port)
}

// AgentConfig holds the external agent CLI configuration.
type AgentConfig struct {
	// CLIPath is the agent binary invoked for every run.
	CLIPath string `mapstructure:"cli_path"`
	// Model is the default model passed to the agent (optional).
	Model string `mapstructure:"model"`
	// TimeoutMinutes is the hard per-invocation timeout.
	TimeoutMinutes int `mapstructure:"timeout_minutes"`
	// TrustedHosts is the server-configured trusted host pack used when
	// a thread's network access is "trusted".
	TrustedHosts []string `mapstructure:"trusted_hosts"`
}

// Timeout returns the per-invocation timeout as a duration.
func (a AgentConfig) Timeout() time.Duration {
	if a.TimeoutMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(a.TimeoutMinutes) * time.Minute
}

// WorkerConfig enumerates the run-worker launch strategy, resolved once
// at server start. The compiled binary is preferred; the source launcher
// is a fallback for development trees.
type WorkerConfig struct {
	// BinaryPath is the compiled control-plane binary ("pcc").
	// Empty means use the current executable.
	BinaryPath string `mapstructure:"binary_path"`
	// SourceLauncher is a main package directory runnable via the
	// toolchain (e.g. "." in a checkout). Used when BinaryPath is unset
	// and the current executable cannot be resolved.
	SourceLauncher string `mapstructure:"source_launcher"`
	// Toolchain is the Go toolchain binary for the source launcher.
	Toolchain string `mapstructure:"toolchain"`
}

// TracingConfig mirrors tracing.Config for file-based configuration.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"`
	FilePath     string  `mapstructure:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// Config holds all configuration options for the control plane.
type Config struct {
	// Portfolio is the workspace root that owns .system/ state.
	Portfolio string `mapstructure:"portfolio"`
	// FailInProgressOnRestart marks orphaned running runs as failed at
	// server start.
	FailInProgressOnRestart bool `mapstructure:"fail_in_progress_on_restart"`
	// SummaryChunk is the rolling-summary chunk size in messages.
	SummaryChunk int `mapstructure:"summary_chunk"`

	Server  ServerConfig  `mapstructure:"server"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		Portfolio:               ".",
		FailInProgressOnRestart: false,
		SummaryChunk:            50,
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 7777,
		},
		Agent: AgentConfig{
			CLIPath:        "codex",
			TimeoutMinutes: 30,
		},
		Worker: WorkerConfig{
			Toolchain: "go",
		},
		Tracing: TracingConfig{
			Exporter:   "file",
			SampleRate: 1.0,
		},
	}
}

// Validate checks invariants that cannot be defaulted away.
func (c Config) Validate() error {
	if c.Portfolio == "" {
		return fmt.Errorf("portfolio directory is required")
	}
	if c.Agent.CLIPath == "" {
		return fmt.Errorf("agent.cli_path is required")
	}
	if c.SummaryChunk <= 0 {
		return fmt.Errorf("summary_chunk must be positive, got %d", c.SummaryChunk)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// DefaultConfigDir returns the user configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "pcc")
}
