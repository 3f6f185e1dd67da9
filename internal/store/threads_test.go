package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lemoz/project-control-center-sub001/internal/policy"
)

func TestThreadID(t *testing.T) {
	id, err := ThreadID(ScopeGlobal, "", "")
	require.NoError(t, err)
	require.Equal(t, "chat-global", id)

	id, err = ThreadID(ScopeProject, "web-app", "")
	require.NoError(t, err)
	require.Equal(t, "chat-project-web-app", id)

	id, err = ThreadID(ScopeWorkOrder, "", "wo-42")
	require.NoError(t, err)
	require.Equal(t, "chat-wo-wo-42", id)

	_, err = ThreadID(ScopeGlobal, "p1", "")
	require.Error(t, err, "global scope must not carry a project id")

	_, err = ThreadID(ScopeProject, "", "")
	require.Error(t, err, "project scope requires a project id")

	_, err = ThreadID(ScopeWorkOrder, "p1", "")
	require.Error(t, err, "workorder scope requires a work-order id")

	_, err = ThreadID("team", "", "")
	require.Error(t, err)
}

func TestThreadStore_EnsureIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	threads := db.Threads()

	first, err := threads.Ensure(ScopeProject, "web-app", "")
	require.NoError(t, err)
	require.Equal(t, "chat-project-web-app", first.ID)
	require.Equal(t, policy.DefaultAccess(), first.Access)
	require.Equal(t, DepthMessages, first.ContextDepth)

	name := "Renamed"
	_, err = threads.Patch(first.ID, ThreadPatch{Name: &name})
	require.NoError(t, err)

	again, err := threads.Ensure(ScopeProject, "web-app", "")
	require.NoError(t, err)
	require.Equal(t, "Renamed", again.Name, "Ensure must return the existing row unchanged")
}

func TestThreadStore_GetNotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Threads().Get("chat-project-missing")
	var notFound *ThreadNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "chat-project-missing", notFound.ID)
}

func TestThreadStore_Patch(t *testing.T) {
	db := newTestDB(t)
	threads := db.Threads()

	thread, err := threads.Ensure(ScopeGlobal, "", "")
	require.NoError(t, err)

	access := policy.Access{
		Filesystem:       policy.FSReadWrite,
		CLI:              policy.CLIReadWrite,
		Network:          policy.NetAllowlist,
		NetworkAllowlist: []string{"github.com"},
	}
	depth := DepthBlended
	archived := true
	updated, err := threads.Patch(thread.ID, ThreadPatch{Access: &access, ContextDepth: &depth, Archived: &archived})
	require.NoError(t, err)
	require.Equal(t, access, updated.Access)
	require.Equal(t, DepthBlended, updated.ContextDepth)
	require.True(t, updated.Archived)

	bad := ContextDepth("everything")
	_, err = threads.Patch(thread.ID, ThreadPatch{ContextDepth: &bad})
	require.Error(t, err)
}

func TestThreadStore_ListExcludesArchived(t *testing.T) {
	db := newTestDB(t)
	threads := db.Threads()

	_, err := threads.Ensure(ScopeGlobal, "", "")
	require.NoError(t, err)
	archived, err := threads.Ensure(ScopeProject, "old", "")
	require.NoError(t, err)
	yes := true
	_, err = threads.Patch(archived.ID, ThreadPatch{Archived: &yes})
	require.NoError(t, err)

	visible, err := threads.List(false)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	require.Equal(t, "chat-global", visible[0].ID)

	all, err := threads.List(true)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestThreadStore_WorktreeAndPendingChanges(t *testing.T) {
	db := newTestDB(t)
	threads := db.Threads()

	thread, err := threads.Ensure(ScopeProject, "web-app", "")
	require.NoError(t, err)

	require.NoError(t, threads.SetWorktree(thread.ID, "/tmp/wt"))
	require.NoError(t, threads.SetPendingChanges(thread.ID, true))

	got, err := threads.Get(thread.ID)
	require.NoError(t, err)
	require.Equal(t, "/tmp/wt", got.WorktreePath)
	require.True(t, got.HasPendingChanges)

	require.NoError(t, threads.SetWorktree(thread.ID, ""))
	got, err = threads.Get(thread.ID)
	require.NoError(t, err)
	require.Empty(t, got.WorktreePath)

	var notFound *ThreadNotFoundError
	require.ErrorAs(t, threads.SetWorktree("chat-project-missing", "/x"), &notFound)
}

func TestThreadStore_SummaryAndAck(t *testing.T) {
	db := newTestDB(t)
	threads := db.Threads()

	thread, err := threads.Ensure(ScopeGlobal, "", "")
	require.NoError(t, err)
	require.Nil(t, thread.LastAckAt)

	require.NoError(t, threads.SetSummary(thread.ID, "early history", 50))
	require.NoError(t, threads.Ack(thread.ID))

	got, err := threads.Get(thread.ID)
	require.NoError(t, err)
	require.Equal(t, "early history", got.Summary)
	require.Equal(t, 50, got.SummarizedCount)
	require.NotNil(t, got.LastAckAt)
}
