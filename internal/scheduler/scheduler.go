package scheduler

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lemoz/project-control-center-sub001/internal/bus"
	"github.com/lemoz/project-control-center-sub001/internal/log"
	"github.com/lemoz/project-control-center-sub001/internal/paths"
	"github.com/lemoz/project-control-center-sub001/internal/store"
)

// RestartFailureReason is recorded on running rows marked failed during
// restart recovery.
const RestartFailureReason = "Server restarted; run aborted."

// Scheduler spawns detached workers for queued runs. It holds no queue
// state of its own: per-thread serialization lives entirely in the
// store's claim statement, so the scheduler only ever needs to attempt
// a dispatch when a run is created or finishes.
type Scheduler struct {
	db        *store.DB
	portfolio paths.Portfolio
	launcher  *Launcher
	bus       *bus.Bus
}

// New creates a Scheduler. b may be nil.
func New(db *store.DB, portfolio paths.Portfolio, launcher *Launcher, b *bus.Bus) *Scheduler {
	return &Scheduler{db: db, portfolio: portfolio, launcher: launcher, bus: b}
}

// Dispatch spawns a worker for the thread's next queued run, if any.
// The worker performs the claim itself; a losing worker exits silently,
// so dispatching more than once is harmless.
func (s *Scheduler) Dispatch(threadID string) error {
	runID, err := s.db.Runs().NextQueuedID(threadID)
	if err != nil {
		return err
	}
	if runID == 0 {
		return nil
	}
	return s.Spawn(runID)
}

// Spawn launches one detached worker for a run. The worker's stdio goes
// to a log file in the run directory; the server keeps no handle on the
// child so either process can exit independently.
func (s *Scheduler) Spawn(runID int64) error {
	runDir := s.portfolio.RunDir(runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(runDir, "worker.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open worker log: %w", err)
	}
	defer logFile.Close()

	cmd := s.launcher.Command(runID)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = detachAttr()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		log.Warn(log.CatSched, "failed to release worker process", "run", runID, "error", err.Error())
	}

	log.Info(log.CatSched, "worker spawned", "run", runID, "pid", pid)
	return nil
}

// RecoverOnStart handles runs orphaned in the running state by a prior
// server exit. With failInProgress set, every running row is marked
// failed; queued rows are left alone and are not auto-chained, since a
// detached worker may still be alive and will chain them itself.
func (s *Scheduler) RecoverOnStart(failInProgress bool) error {
	if !failInProgress {
		return nil
	}
	failed, err := s.db.Runs().FailAllRunning(RestartFailureReason)
	if err != nil {
		return err
	}
	for _, runID := range failed {
		run, err := s.db.Runs().Get(runID)
		if err != nil {
			log.ErrorErr(log.CatSched, "failed to load recovered run", err, "run", runID)
			continue
		}
		log.Warn(log.CatSched, "run failed by restart recovery", "run", runID, "thread", run.ThreadID)
		if s.bus != nil {
			s.bus.RunStatus(run.ThreadID, runID, string(store.RunFailed))
		}
	}
	return nil
}
