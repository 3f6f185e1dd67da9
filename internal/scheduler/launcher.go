// Package scheduler owns worker processes: resolving how workers are
// launched, spawning one detached worker per claimed run, and restart
// recovery for runs orphaned in the running state.
package scheduler

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/lemoz/project-control-center-sub001/internal/config"
)

// Launcher is the resolved worker launch strategy. Resolution happens
// once at server start; there is no runtime discovery.
type Launcher struct {
	// Program is the executable to run.
	Program string

	// Prefix holds arguments inserted before the worker subcommand,
	// used when launching from source via a toolchain.
	Prefix []string
}

// ResolveLauncher picks the worker launch strategy from explicit
// configuration: a compiled binary when configured or when the current
// executable is usable, else a source-level launcher via the toolchain.
func ResolveLauncher(cfg config.WorkerConfig) (*Launcher, error) {
	if cfg.BinaryPath != "" {
		if _, err := os.Stat(cfg.BinaryPath); err != nil {
			return nil, fmt.Errorf("worker binary %s: %w", cfg.BinaryPath, err)
		}
		return &Launcher{Program: cfg.BinaryPath}, nil
	}

	if exe, err := os.Executable(); err == nil && exe != "" {
		return &Launcher{Program: exe}, nil
	}

	if cfg.SourceLauncher != "" {
		toolchain := cfg.Toolchain
		if toolchain == "" {
			toolchain = "go"
		}
		return &Launcher{Program: toolchain, Prefix: []string{"run", cfg.SourceLauncher}}, nil
	}

	return nil, fmt.Errorf("no worker launch strategy: configure worker.binary_path or worker.source_launcher")
}

// Command builds the exec.Cmd for one worker run.
func (l *Launcher) Command(runID int64) *exec.Cmd {
	args := append(append([]string{}, l.Prefix...), "worker", "--run", fmt.Sprintf("%d", runID))
	return exec.Command(l.Program, args...)
}
