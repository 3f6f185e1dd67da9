package git

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Git-specific errors for worktree operations.
var (
	// ErrBranchAlreadyCheckedOut indicates the branch is checked out in another worktree.
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another worktree")

	// ErrPathAlreadyExists indicates the worktree path already exists.
	ErrPathAlreadyExists = errors.New("worktree path already exists")

	// ErrWorktreeLocked indicates the worktree is locked.
	ErrWorktreeLocked = errors.New("worktree is locked")

	// ErrNotGitRepo indicates the directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrDetachedHead indicates HEAD is detached where a branch is required.
	ErrDetachedHead = errors.New("HEAD is detached")

	// ErrMergeConflict indicates a merge stopped on conflicts.
	ErrMergeConflict = errors.New("merge conflict")
)

// Compile-time check that RealExecutor implements Executor.
var _ Executor = (*RealExecutor)(nil)

// RealExecutor implements Executor by executing actual git commands.
type RealExecutor struct {
	workDir string
}

// NewRealExecutor creates a new RealExecutor running commands in workDir.
func NewRealExecutor(workDir string) *RealExecutor {
	return &RealExecutor{workDir: workDir}
}

// runGit executes a git command and returns an error if it fails.
func (e *RealExecutor) runGit(args ...string) error {
	_, err := e.runGitOutput(args...)
	return err
}

// runGitOutput executes a git command and returns stdout and any error.
func (e *RealExecutor) runGitOutput(args ...string) (string, error) {
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.Command("git", args...)
	if e.workDir != "" {
		cmd.Dir = e.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", parseGitError(stderrStr, err)
		}
		// Merge conflicts are reported on stdout.
		stdoutStr := strings.TrimSpace(stdout.String())
		if strings.Contains(strings.ToLower(stdoutStr), "conflict") {
			return "", fmt.Errorf("%w: %s", ErrMergeConflict, stdoutStr)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to specific error types.
func parseGitError(stderr string, originalErr error) error {
	stderrLower := strings.ToLower(stderr)

	// Branch already checked out: fatal: '<branch>' is already checked out
	if strings.Contains(stderrLower, "is already checked out") ||
		strings.Contains(stderrLower, "already checked out at") {
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, stderr)
	}

	// Path already exists: fatal: '<path>' already exists
	if strings.Contains(stderrLower, "already exists") {
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	}

	// Locked worktree: fatal: '<path>' is locked
	if strings.Contains(stderrLower, "is locked") {
		return fmt.Errorf("%w: %s", ErrWorktreeLocked, stderr)
	}

	// Not a git repository
	if strings.Contains(stderrLower, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	}

	if strings.Contains(stderrLower, "conflict") ||
		strings.Contains(stderrLower, "merge failed") {
		return fmt.Errorf("%w: %s", ErrMergeConflict, stderr)
	}

	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// IsGitRepo checks if the working directory is inside a git repository.
func (e *RealExecutor) IsGitRepo() bool {
	err := e.runGit("rev-parse", "--git-dir")
	return err == nil
}

// IsDetachedHead checks if HEAD is detached (not on a branch).
func (e *RealExecutor) IsDetachedHead() (bool, error) {
	// symbolic-ref fails if HEAD is detached
	err := e.runGit("symbolic-ref", "HEAD")
	if err != nil {
		// Distinguish detached HEAD from other failures
		if _, revErr := e.runGitOutput("rev-parse", "HEAD"); revErr == nil {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// CurrentBranch returns the name of the current branch.
func (e *RealExecutor) CurrentBranch() (string, error) {
	output, err := e.runGitOutput("branch", "--show-current")
	if err == nil && output != "" {
		return output, nil
	}

	// Fallback: parse symbolic-ref
	output, err = e.runGitOutput("symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return output, nil
}

// BaseBranch resolves the merge base: main, then master, else the current
// HEAD branch. A detached HEAD without main or master is an error.
func (e *RealExecutor) BaseBranch() (string, error) {
	if e.BranchExists("main") {
		return "main", nil
	}
	if e.BranchExists("master") {
		return "master", nil
	}

	detached, err := e.IsDetachedHead()
	if err != nil {
		return "", err
	}
	if detached {
		return "", fmt.Errorf("%w: cannot resolve a base branch", ErrDetachedHead)
	}
	return e.CurrentBranch()
}

// BranchExists checks if a local branch with the given name exists.
func (e *RealExecutor) BranchExists(name string) bool {
	err := e.runGit("show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// DeleteBranch force-deletes a local branch.
func (e *RealExecutor) DeleteBranch(name string) error {
	return e.runGit("branch", "-D", name)
}

// Checkout switches the working directory to the given branch.
func (e *RealExecutor) Checkout(branch string) error {
	return e.runGit("checkout", branch)
}

// HasUncommittedChanges checks for uncommitted changes in the working directory.
func (e *RealExecutor) HasUncommittedChanges() (bool, error) {
	output, err := e.runGitOutput("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return output != "", nil
}

// StatusPorcelain returns the raw porcelain status output.
func (e *RealExecutor) StatusPorcelain() (string, error) {
	return e.runGitOutput("status", "--porcelain")
}

// UntrackedFiles returns files not yet known to git.
func (e *RealExecutor) UntrackedFiles() ([]string, error) {
	output, err := e.runGitOutput("ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	if output == "" {
		return nil, nil
	}
	return strings.Split(output, "\n"), nil
}

// Diff returns the unified diff against the given ref.
func (e *RealExecutor) Diff(ref string) (string, error) {
	return e.runGitOutput("diff", ref)
}

// CreateWorktree registers a worktree at path on the given branch.
// With newBranch set, the branch is created off baseBranch; otherwise the
// existing branch is checked out into the worktree.
func (e *RealExecutor) CreateWorktree(path, branch, baseBranch string, newBranch bool) error {
	var args []string
	if newBranch {
		args = []string{"worktree", "add", "-b", branch, path}
		if baseBranch != "" {
			args = append(args, baseBranch)
		}
	} else {
		args = []string{"worktree", "add", path, branch}
	}
	return e.runGit(args...)
}

// RemoveWorktree removes a worktree, falling back to --force.
func (e *RealExecutor) RemoveWorktree(path string) error {
	err := e.runGit("worktree", "remove", path)
	if err != nil {
		return e.runGit("worktree", "remove", "--force", path)
	}
	return nil
}

// PruneWorktrees removes stale worktree references.
func (e *RealExecutor) PruneWorktrees() error {
	return e.runGit("worktree", "prune")
}

// ListWorktrees returns information about all registered worktrees.
func (e *RealExecutor) ListWorktrees() ([]WorktreeInfo, error) {
	output, err := e.runGitOutput("worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(output), nil
}

// parseWorktreeList parses the porcelain output of git worktree list.
// Format:
//
//	worktree /path/to/worktree
//	HEAD <sha>
//	branch refs/heads/branch-name
//	<blank line>
func parseWorktreeList(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
			}
			current = WorktreeInfo{}
			continue
		}

		parts := strings.SplitN(line, " ", 2)
		if len(parts) < 2 {
			continue
		}

		key, value := parts[0], parts[1]
		switch key {
		case "worktree":
			current.Path = value
		case "HEAD":
			current.HEAD = value
		case "branch":
			if after, found := strings.CutPrefix(value, "refs/heads/"); found {
				current.Branch = after
			} else {
				current.Branch = value
			}
		}
	}

	// The last entry when output doesn't end with a blank line
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees
}

// AddAll stages every change in the working directory.
func (e *RealExecutor) AddAll() error {
	return e.runGit("add", "-A")
}

// Commit records staged changes with an explicit author identity.
func (e *RealExecutor) Commit(message, authorName, authorEmail string) error {
	return e.runGit(
		"-c", "user.name="+authorName,
		"-c", "user.email="+authorEmail,
		"commit", "-m", message,
		"--author", fmt.Sprintf("%s <%s>", authorName, authorEmail),
	)
}

// Merge merges the given branch into the current one without fast-forward.
// The committer identity is set explicitly so merges work in repositories
// without user-level git config.
func (e *RealExecutor) Merge(branch, committerName, committerEmail string) error {
	return e.runGit(
		"-c", "user.name="+committerName,
		"-c", "user.email="+committerEmail,
		"merge", "--no-ff", "--no-edit", branch,
	)
}

// MergeAbort abandons an in-progress merge.
func (e *RealExecutor) MergeAbort() error {
	return e.runGit("merge", "--abort")
}

// UnmergedFiles lists conflicted paths after a failed merge.
func (e *RealExecutor) UnmergedFiles() ([]string, error) {
	output, err := e.runGitOutput("diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if output == "" {
		return nil, nil
	}
	return strings.Split(output, "\n"), nil
}
