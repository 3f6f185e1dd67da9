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

	"github.com/lemoz/project-control-center-sub001/internal/actions"
	"github.com/lemoz/project-control-center-sub001/internal/advisor"
	"github.com/lemoz/project-control-center-sub001/internal/bus"
	"github.com/lemoz/project-control-center-sub001/internal/gate"
	"github.com/lemoz/project-control-center-sub001/internal/httpapi"
	"github.com/lemoz/project-control-center-sub001/internal/log"
	"github.com/lemoz/project-control-center-sub001/internal/paths"
	"github.com/lemoz/project-control-center-sub001/internal/scheduler"
	"github.com/lemoz/project-control-center-sub001/internal/store"
	"github.com/lemoz/project-control-center-sub001/internal/worktree"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control-plane server",
	Long: `Run the control plane: the HTTP API, the event bus, and the run
scheduler. Each run executes in its own detached worker process, so the
server can restart without killing in-flight agent work.`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "",
		"listen address (host:port), overrides server.host/server.port")
}

func runServe(_ *cobra.Command, _ []string) error {
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

	b := bus.New()
	defer b.Close()

	// The global thread always exists so the UI has somewhere to talk.
	if _, err := db.Threads().Ensure(store.ScopeGlobal, "", ""); err != nil {
		return fmt.Errorf("ensuring global thread: %w", err)
	}

	launcher, err := scheduler.ResolveLauncher(cfg.Worker)
	if err != nil {
		return err
	}
	sched := scheduler.New(db, portfolio, launcher, b)
	if err := sched.RecoverOnStart(cfg.FailInProgressOnRestart); err != nil {
		return fmt.Errorf("restart recovery: %w", err)
	}

	followers := newLogFollowers(db, b, portfolio)
	defer followers.Close()

	// Spawn then follow: the run directory exists once Spawn returns.
	dispatch := func(runID int64) error {
		if err := sched.Spawn(runID); err != nil {
			return err
		}
		followers.Follow(runID)
		return nil
	}

	worktrees := worktree.NewManager(portfolio, nil)
	submissions := gate.New(db, b, cfg.Agent.TrustedHosts, cfg.Agent.Model, cfg.Agent.CLIPath)

	applier := actions.NewApplier(db, b, actions.SideEffects{
		Rescan: func() error {
			return rescanProjects(db, portfolio)
		},
		StartRun: func(workOrderID, message string) error {
			return startWorkOrderRun(db, submissions, dispatch, workOrderID, message)
		},
		MergeWorktree: func(threadID string) error {
			return mergeThreadWorktree(db, b, portfolio, worktrees, threadID)
		},
	})

	handler := httpapi.NewHandler(httpapi.HandlerConfig{
		DB:           db,
		Bus:          b,
		Gate:         submissions,
		Advisor:      advisor.New(db, portfolio, cfg.Agent, nil),
		Applier:      applier,
		Worktrees:    worktrees,
		Portfolio:    portfolio,
		TrustedHosts: cfg.Agent.TrustedHosts,
		Dispatch:     dispatch,
	})

	addr := cfg.Server.Addr()
	if serveAddr != "" {
		addr = serveAddr
	}
	server, err := httpapi.NewServer(httpapi.ServerConfig{
		Addr:        addr,
		Handler:     handler,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	fmt.Printf("pcc server listening on port %d (portfolio: %s)\n", server.Port(), root)

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatHTTP, "error stopping API server", err)
	}
	fmt.Println("Server stopped")
	return nil
}

// rescanProjects walks the portfolio's first level and upserts every git
// repository as a project named after its directory.
func rescanProjects(db *store.DB, portfolio paths.Portfolio) error {
	entries, err := os.ReadDir(portfolio.Root())
	if err != nil {
		return fmt.Errorf("reading portfolio root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		repoPath := filepath.Join(portfolio.Root(), entry.Name())
		if _, err := os.Stat(filepath.Join(repoPath, ".git")); err != nil {
			continue
		}
		if _, err := db.Projects().Upsert(entry.Name(), entry.Name(), repoPath); err != nil {
			return err
		}
		log.Debug(log.CatDB, "project scanned", "project", entry.Name())
	}
	return nil
}

// startWorkOrderRun enqueues a message on a work order's thread with the
// thread's current settings. Applying the action is the human
// confirmation, so no further approval gating applies.
func startWorkOrderRun(db *store.DB, g *gate.Gate, dispatch func(int64) error, workOrderID, message string) error {
	thread, err := db.Threads().Ensure(store.ScopeWorkOrder, "", workOrderID)
	if err != nil {
		return err
	}
	result, err := g.Submit(gate.Submission{
		ThreadID:       thread.ID,
		Content:        message,
		ContextDepth:   thread.ContextDepth,
		Access:         thread.Access,
		ConfirmWrite:   true,
		ConfirmNetwork: true,
	})
	if err != nil {
		return err
	}
	return dispatch(result.Run.ID)
}

// mergeThreadWorktree folds a thread's worktree into its base branch and
// clears the thread's worktree state. Conflicts leave everything in
// place for manual resolution.
func mergeThreadWorktree(db *store.DB, b *bus.Bus, portfolio paths.Portfolio, worktrees *worktree.Manager, threadID string) error {
	thread, err := db.Threads().Get(threadID)
	if err != nil {
		return err
	}
	if thread.WorktreePath == "" {
		return fmt.Errorf("thread %s has no worktree", threadID)
	}

	repoPath, err := threadRepoPath(db, portfolio, thread)
	if err != nil {
		return err
	}
	branch := paths.WorktreeBranch(threadID)
	if err := worktrees.Merge(repoPath, threadID, thread.WorktreePath, branch); err != nil {
		return err
	}

	if err := db.Threads().SetWorktree(threadID, ""); err != nil {
		return err
	}
	if err := db.Threads().SetPendingChanges(threadID, false); err != nil {
		return err
	}
	if b != nil {
		b.ThreadUpdated(threadID, map[string]any{"worktree_merged": true})
	}
	return nil
}

// threadRepoPath resolves the repository a thread's scope is rooted at.
func threadRepoPath(db *store.DB, portfolio paths.Portfolio, thread *store.Thread) (string, error) {
	switch thread.Scope {
	case store.ScopeProject:
		project, err := db.Projects().Get(thread.ProjectID)
		if err != nil {
			return "", err
		}
		return project.Path, nil
	case store.ScopeWorkOrder:
		wo, err := db.WorkOrders().Get(thread.WorkOrderID)
		if err != nil {
			return "", err
		}
		project, err := db.Projects().Get(wo.ProjectID)
		if err != nil {
			return "", err
		}
		return project.Path, nil
	default:
		return portfolio.Root(), nil
	}
}
