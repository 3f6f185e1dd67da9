// Package git shells out to the system git binary for the repository and
// worktree operations the control plane needs.
package git

// WorktreeInfo holds information about a registered git worktree.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// Executor defines the git operations used by the worktree manager.
// The abstraction allows mock implementations in tests.
type Executor interface {
	IsGitRepo() bool
	IsDetachedHead() (bool, error)
	CurrentBranch() (string, error)
	// BaseBranch resolves the merge base branch: the first existing of
	// main and master, else the current HEAD branch. Fails when HEAD is
	// detached and neither exists.
	BaseBranch() (string, error)
	BranchExists(name string) bool
	DeleteBranch(name string) error
	Checkout(branch string) error
	HasUncommittedChanges() (bool, error)
	StatusPorcelain() (string, error)
	UntrackedFiles() ([]string, error)
	Diff(ref string) (string, error)

	CreateWorktree(path, branch, baseBranch string, newBranch bool) error
	RemoveWorktree(path string) error
	PruneWorktrees() error
	ListWorktrees() ([]WorktreeInfo, error)

	AddAll() error
	Commit(message, authorName, authorEmail string) error
	Merge(branch, committerName, committerEmail string) error
	MergeAbort() error
	// UnmergedFiles lists conflicted paths after a failed merge.
	UnmergedFiles() ([]string, error)
}
