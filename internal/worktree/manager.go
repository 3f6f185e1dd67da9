// Package worktree manages per-thread git worktrees: creation on isolated
// branches, pending-change tracking, and the merge/abort protocol back
// into the base branch.
package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lemoz/project-control-center-sub001/internal/git"
	"github.com/lemoz/project-control-center-sub001/internal/log"
	"github.com/lemoz/project-control-center-sub001/internal/paths"
)

// Commits created by the merge protocol carry a fixed identity so they
// are distinguishable from the user's own commits.
const (
	commitAuthorName  = "Chat Agent"
	commitAuthorEmail = "chat-agent@localhost"
)

// MergeConflictError reports a merge stopped on conflicts. The worktree
// and branch are left intact for manual resolution.
type MergeConflictError struct {
	ThreadID string
	Files    []string
}

func (e *MergeConflictError) Error() string {
	if len(e.Files) == 0 {
		return fmt.Sprintf("merge conflict in thread %s", e.ThreadID)
	}
	return fmt.Sprintf("merge conflict in thread %s: %s", e.ThreadID, strings.Join(e.Files, ", "))
}

// Info describes an ensured worktree.
type Info struct {
	Path       string
	Branch     string
	BaseBranch string
	Created    bool
}

// Status describes the working state of a worktree.
type Status struct {
	HasPendingChanges bool
	Untracked         []string
}

// ExecutorFactory builds a git executor rooted at dir.
type ExecutorFactory func(dir string) git.Executor

// Manager creates, inspects, merges, and removes per-thread worktrees.
type Manager struct {
	portfolio paths.Portfolio
	newGit    ExecutorFactory
}

// NewManager creates a Manager. factory may be nil, in which case the
// real git executor is used.
func NewManager(portfolio paths.Portfolio, factory ExecutorFactory) *Manager {
	if factory == nil {
		factory = func(dir string) git.Executor { return git.NewRealExecutor(dir) }
	}
	return &Manager{portfolio: portfolio, newGit: factory}
}

// Ensure resolves or creates the worktree for a thread. overridePath
// replaces the default portfolio location when non-empty. The branch is
// chat/thread-<slug>, created off the base branch unless it already
// exists.
func (m *Manager) Ensure(repoPath, threadID, overridePath string) (*Info, error) {
	repo := m.newGit(repoPath)
	if !repo.IsGitRepo() {
		return nil, fmt.Errorf("%w: %s", git.ErrNotGitRepo, repoPath)
	}

	base, err := repo.BaseBranch()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base branch: %w", err)
	}

	branch := paths.WorktreeBranch(threadID)
	target := overridePath
	if target == "" {
		target = m.portfolio.WorktreeDir(threadID)
	}

	// An already-registered worktree at the target is reused as-is.
	worktrees, err := repo.ListWorktrees()
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	for _, wt := range worktrees {
		if samePath(wt.Path, target) {
			return &Info{Path: wt.Path, Branch: wt.Branch, BaseBranch: base, Created: false}, nil
		}
	}

	// A stale directory at the target blocks worktree add.
	if _, err := os.Stat(target); err == nil {
		if err := os.RemoveAll(target); err != nil {
			return nil, fmt.Errorf("failed to remove stale worktree directory: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree parent directory: %w", err)
	}

	newBranch := !repo.BranchExists(branch)
	if err := repo.CreateWorktree(target, branch, base, newBranch); err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w", err)
	}

	log.Info(log.CatWorktree, "worktree created", "thread", threadID, "path", target, "branch", branch, "base", base)
	return &Info{Path: target, Branch: branch, BaseBranch: base, Created: true}, nil
}

// Status reports whether a worktree has pending changes and which files
// are untracked.
func (m *Manager) Status(worktreePath string) (*Status, error) {
	wt := m.newGit(worktreePath)
	porcelain, err := wt.StatusPorcelain()
	if err != nil {
		return nil, fmt.Errorf("failed to read worktree status: %w", err)
	}
	untracked, err := wt.UntrackedFiles()
	if err != nil {
		return nil, fmt.Errorf("failed to list untracked files: %w", err)
	}
	return &Status{HasPendingChanges: porcelain != "", Untracked: untracked}, nil
}

// Diff returns the worktree's pending diff against the base branch, with
// untracked files listed in an appended section.
func (m *Manager) Diff(worktreePath, baseBranch string) (string, error) {
	wt := m.newGit(worktreePath)
	diff, err := wt.Diff(baseBranch)
	if err != nil {
		return "", fmt.Errorf("failed to diff worktree: %w", err)
	}
	untracked, err := wt.UntrackedFiles()
	if err != nil {
		return "", fmt.Errorf("failed to list untracked files: %w", err)
	}
	if len(untracked) > 0 {
		var b strings.Builder
		b.WriteString(diff)
		if diff != "" {
			b.WriteString("\n")
		}
		b.WriteString("Untracked files:\n")
		for _, f := range untracked {
			b.WriteString("  " + f + "\n")
		}
		return b.String(), nil
	}
	return diff, nil
}

// Merge folds the worktree's changes into the base branch. With no
// pending changes it is equivalent to Cleanup. On conflict the merge is
// aborted, the prior branch restored, and a MergeConflictError returned
// with the worktree left intact.
func (m *Manager) Merge(repoPath, threadID, worktreePath, branch string) error {
	status, err := m.Status(worktreePath)
	if err != nil {
		return err
	}
	if !status.HasPendingChanges {
		return m.Cleanup(repoPath, threadID, worktreePath, branch)
	}

	wt := m.newGit(worktreePath)
	if err := wt.AddAll(); err != nil {
		return fmt.Errorf("failed to stage worktree changes: %w", err)
	}
	if err := wt.Commit("Chat thread "+threadID, commitAuthorName, commitAuthorEmail); err != nil {
		return fmt.Errorf("failed to commit worktree changes: %w", err)
	}

	repo := m.newGit(repoPath)
	dirty, err := repo.HasUncommittedChanges()
	if err != nil {
		return fmt.Errorf("failed to check main working tree: %w", err)
	}
	if dirty {
		return fmt.Errorf("main working tree has uncommitted changes; commit or stash them before merging")
	}

	original, err := repo.CurrentBranch()
	if err != nil {
		return fmt.Errorf("failed to read current branch: %w", err)
	}
	base, err := repo.BaseBranch()
	if err != nil {
		return fmt.Errorf("failed to resolve base branch: %w", err)
	}
	if original != base {
		if err := repo.Checkout(base); err != nil {
			return fmt.Errorf("failed to switch to base branch: %w", err)
		}
	}

	if err := repo.Merge(branch, commitAuthorName, commitAuthorEmail); err != nil {
		unmerged, listErr := repo.UnmergedFiles()
		if listErr != nil {
			log.ErrorErr(log.CatWorktree, "failed to list unmerged files", listErr, "thread", threadID)
		}
		if abortErr := repo.MergeAbort(); abortErr != nil {
			log.ErrorErr(log.CatWorktree, "failed to abort merge", abortErr, "thread", threadID)
		}
		if original != base {
			if coErr := repo.Checkout(original); coErr != nil {
				log.ErrorErr(log.CatWorktree, "failed to restore branch after aborted merge", coErr, "thread", threadID)
			}
		}
		log.Warn(log.CatWorktree, "merge conflict", "thread", threadID, "files", strings.Join(unmerged, ","))
		return &MergeConflictError{ThreadID: threadID, Files: unmerged}
	}

	if original != base {
		if err := repo.Checkout(original); err != nil {
			return fmt.Errorf("merge succeeded but failed to restore branch %s: %w", original, err)
		}
	}

	log.Info(log.CatWorktree, "worktree merged", "thread", threadID, "branch", branch, "base", base)
	return m.Cleanup(repoPath, threadID, worktreePath, branch)
}

// Cleanup removes the worktree, its directory, and its branch together.
// Removal is best-effort; the first hard failure is returned.
func (m *Manager) Cleanup(repoPath, threadID, worktreePath, branch string) error {
	repo := m.newGit(repoPath)

	if err := repo.RemoveWorktree(worktreePath); err != nil {
		log.Warn(log.CatWorktree, "worktree remove failed", "thread", threadID, "error", err.Error())
	}
	if err := os.RemoveAll(worktreePath); err != nil {
		return fmt.Errorf("failed to delete worktree directory: %w", err)
	}
	if repo.BranchExists(branch) {
		if err := repo.DeleteBranch(branch); err != nil {
			return fmt.Errorf("failed to delete worktree branch: %w", err)
		}
	}
	if err := repo.PruneWorktrees(); err != nil {
		log.Warn(log.CatWorktree, "worktree prune failed", "thread", threadID, "error", err.Error())
	}

	log.Info(log.CatWorktree, "worktree cleaned up", "thread", threadID, "path", worktreePath, "branch", branch)
	return nil
}

func samePath(a, b string) bool {
	ra, err := filepath.EvalSymlinks(a)
	if err != nil {
		ra = filepath.Clean(a)
	}
	rb, err := filepath.EvalSymlinks(b)
	if err != nil {
		rb = filepath.Clean(b)
	}
	return ra == rb
}
