package git

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// initTestRepo creates a git repository with one commit on main.
func initTestRepo(t *testing.T) (string, *RealExecutor) {
	t.Helper()
	dir := t.TempDir()
	runGitCmd(t, dir, "init", "-b", "main")
	runGitCmd(t, dir, "config", "user.name", "Test")
	runGitCmd(t, dir, "config", "user.email", "test@example.com")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644))
	runGitCmd(t, dir, "add", "-A")
	runGitCmd(t, dir, "commit", "-m", "initial")

	return dir, NewRealExecutor(dir)
}

func runGitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func TestIsGitRepo(t *testing.T) {
	_, exec := initTestRepo(t)
	require.True(t, exec.IsGitRepo())

	outside := NewRealExecutor(t.TempDir())
	require.False(t, outside.IsGitRepo())
}

func TestCurrentBranch(t *testing.T) {
	_, exec := initTestRepo(t)
	branch, err := exec.CurrentBranch()
	require.NoError(t, err)
	require.Equal(t, "main", branch)
}

func TestBaseBranch(t *testing.T) {
	t.Run("prefers main", func(t *testing.T) {
		_, exec := initTestRepo(t)
		base, err := exec.BaseBranch()
		require.NoError(t, err)
		require.Equal(t, "main", base)
	})

	t.Run("falls back to master", func(t *testing.T) {
		dir := t.TempDir()
		runGitCmd(t, dir, "init", "-b", "master")
		runGitCmd(t, dir, "config", "user.name", "Test")
		runGitCmd(t, dir, "config", "user.email", "test@example.com")
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644))
		runGitCmd(t, dir, "add", "-A")
		runGitCmd(t, dir, "commit", "-m", "initial")

		exec := NewRealExecutor(dir)
		base, err := exec.BaseBranch()
		require.NoError(t, err)
		require.Equal(t, "master", base)
	})

	t.Run("falls back to current branch", func(t *testing.T) {
		dir := t.TempDir()
		runGitCmd(t, dir, "init", "-b", "trunk")
		runGitCmd(t, dir, "config", "user.name", "Test")
		runGitCmd(t, dir, "config", "user.email", "test@example.com")
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644))
		runGitCmd(t, dir, "add", "-A")
		runGitCmd(t, dir, "commit", "-m", "initial")

		exec := NewRealExecutor(dir)
		base, err := exec.BaseBranch()
		require.NoError(t, err)
		require.Equal(t, "trunk", base)
	})
}

func TestBranchOperations(t *testing.T) {
	dir, exec := initTestRepo(t)

	require.False(t, exec.BranchExists("feature"))
	runGitCmd(t, dir, "branch", "feature")
	require.True(t, exec.BranchExists("feature"))

	require.NoError(t, exec.DeleteBranch("feature"))
	require.False(t, exec.BranchExists("feature"))
}

func TestUncommittedChangesAndStatus(t *testing.T) {
	dir, exec := initTestRepo(t)

	dirty, err := exec.HasUncommittedChanges()
	require.NoError(t, err)
	require.False(t, dirty)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0644))
	dirty, err = exec.HasUncommittedChanges()
	require.NoError(t, err)
	require.True(t, dirty)

	status, err := exec.StatusPorcelain()
	require.NoError(t, err)
	require.Contains(t, status, "new.txt")

	untracked, err := exec.UntrackedFiles()
	require.NoError(t, err)
	require.Equal(t, []string{"new.txt"}, untracked)
}

func TestCreateAndRemoveWorktree(t *testing.T) {
	dir, exec := initTestRepo(t)
	wtPath := filepath.Join(dir, ".wt", "thread-x")

	require.NoError(t, exec.CreateWorktree(wtPath, "chat/thread-x", "main", true))
	require.True(t, exec.BranchExists("chat/thread-x"))
	require.DirExists(t, wtPath)

	worktrees, err := exec.ListWorktrees()
	require.NoError(t, err)
	require.Len(t, worktrees, 2)
	require.Equal(t, "chat/thread-x", worktrees[1].Branch)

	require.NoError(t, exec.RemoveWorktree(wtPath))
	worktrees, err = exec.ListWorktrees()
	require.NoError(t, err)
	require.Len(t, worktrees, 1)
	// The branch survives worktree removal.
	require.True(t, exec.BranchExists("chat/thread-x"))
}

func TestCreateWorktree_ExistingBranch(t *testing.T) {
	dir, exec := initTestRepo(t)
	runGitCmd(t, dir, "branch", "chat/thread-y")

	wtPath := filepath.Join(dir, ".wt", "thread-y")
	require.NoError(t, exec.CreateWorktree(wtPath, "chat/thread-y", "", false))
	require.DirExists(t, wtPath)
}

func TestCommitAndMerge(t *testing.T) {
	dir, exec := initTestRepo(t)

	wtPath := filepath.Join(dir, ".wt", "thread-z")
	require.NoError(t, exec.CreateWorktree(wtPath, "chat/thread-z", "main", true))

	wtExec := NewRealExecutor(wtPath)
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "agent.txt"), []byte("edit\n"), 0644))
	require.NoError(t, wtExec.AddAll())
	require.NoError(t, wtExec.Commit("Chat thread chat-wo-z", "Chat Agent", "chat@localhost"))

	require.NoError(t, exec.Merge("chat/thread-z", "Chat Agent", "chat@localhost"))
	require.FileExists(t, filepath.Join(dir, "agent.txt"))
}

func TestMergeConflict(t *testing.T) {
	dir, exec := initTestRepo(t)

	wtPath := filepath.Join(dir, ".wt", "thread-c")
	require.NoError(t, exec.CreateWorktree(wtPath, "chat/thread-c", "main", true))

	// Diverge the same file on both branches.
	wtExec := NewRealExecutor(wtPath)
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "README.md"), []byte("agent version\n"), 0644))
	require.NoError(t, wtExec.AddAll())
	require.NoError(t, wtExec.Commit("agent edit", "Chat Agent", "chat@localhost"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("user version\n"), 0644))
	require.NoError(t, exec.AddAll())
	require.NoError(t, exec.Commit("user edit", "User", "user@example.com"))

	err := exec.Merge("chat/thread-c", "Chat Agent", "chat@localhost")
	require.Error(t, err)

	unmerged, err := exec.UnmergedFiles()
	require.NoError(t, err)
	require.Equal(t, []string{"README.md"}, unmerged)

	require.NoError(t, exec.MergeAbort())
	dirty, err := exec.HasUncommittedChanges()
	require.NoError(t, err)
	require.False(t, dirty, "abort must restore a clean tree")
}

func TestDiff(t *testing.T) {
	dir, exec := initTestRepo(t)
	runGitCmd(t, dir, "checkout", "-b", "feature")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("changed\n"), 0644))
	runGitCmd(t, dir, "add", "-A")
	runGitCmd(t, dir, "commit", "-m", "change")

	diff, err := exec.Diff("main")
	require.NoError(t, err)
	require.Contains(t, diff, "changed")
}

func TestParseWorktreeList(t *testing.T) {
	output := `worktree /repo
HEAD abc123
branch refs/heads/main

worktree /repo/.wt/thread-a
HEAD def456
branch refs/heads/chat/thread-a
`
	worktrees := parseWorktreeList(output)
	require.Len(t, worktrees, 2)
	require.Equal(t, "/repo", worktrees[0].Path)
	require.Equal(t, "main", worktrees[0].Branch)
	require.Equal(t, "/repo/.wt/thread-a", worktrees[1].Path)
	require.Equal(t, "chat/thread-a", worktrees[1].Branch)
}

func TestIsDetachedHead(t *testing.T) {
	dir, exec := initTestRepo(t)

	detached, err := exec.IsDetachedHead()
	require.NoError(t, err)
	require.False(t, detached)

	runGitCmd(t, dir, "checkout", "--detach")
	detached, err = exec.IsDetachedHead()
	require.NoError(t, err)
	require.True(t, detached)
}
