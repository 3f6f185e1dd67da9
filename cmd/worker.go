package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lemoz/project-control-center-sub001/internal/log"
	"github.com/lemoz/project-control-center-sub001/internal/orchestrator"
	"github.com/lemoz/project-control-center-sub001/internal/paths"
	"github.com/lemoz/project-control-center-sub001/internal/scheduler"
	"github.com/lemoz/project-control-center-sub001/internal/store"
	"github.com/lemoz/project-control-center-sub001/internal/summarizer"
	"github.com/lemoz/project-control-center-sub001/internal/tracing"
	"github.com/lemoz/project-control-center-sub001/internal/worktree"
)

var workerRunID int64

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Execute one run turn (spawned by the scheduler)",
	Long: `Execute a single run turn in a detached process: claim the run,
invoke the agent, persist the result, and chain the thread's next queued
run. Exits silently when the claim is lost to another worker.`,
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().Int64Var(&workerRunID, "run", 0, "run id to execute")
	_ = workerCmd.MarkFlagRequired("run")
}

func runWorker(_ *cobra.Command, _ []string) error {
	if workerRunID <= 0 {
		return fmt.Errorf("--run must be a positive run id")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cleanup, err := initLogging()
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()

	root, err := filepath.Abs(cfg.Portfolio)
	if err != nil {
		return fmt.Errorf("resolving portfolio root: %w", err)
	}
	portfolio := paths.New(root)

	db, err := store.NewDB(portfolio.DatabasePath())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	provider, err := tracing.NewProvider(cfg.Tracing, portfolio.SystemDir())
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	launcher, err := scheduler.ResolveLauncher(cfg.Worker)
	if err != nil {
		return err
	}
	// The worker chains the next queued run itself; no bus, since event
	// subscribers live in the server process.
	sched := scheduler.New(db, portfolio, launcher, nil)

	orch := orchestrator.New(
		db,
		portfolio,
		cfg.Agent,
		worktree.NewManager(portfolio, nil),
		summarizer.New(db, portfolio, cfg.Agent, cfg.SummaryChunk, nil),
		nil,
		provider.Tracer(),
		nil,
		sched.Spawn,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info(log.CatSched, "worker turn starting", "run", workerRunID)
	if err := orch.Turn(ctx, workerRunID); err != nil {
		log.ErrorErr(log.CatSched, "worker turn failed", err, "run", workerRunID)
		return err
	}
	return nil
}
