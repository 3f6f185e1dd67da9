package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lemoz/project-control-center-sub001/internal/policy"
)

func writeAccess() policy.Access {
	return policy.Access{
		Filesystem: policy.FSReadWrite,
		CLI:        policy.CLIReadWrite,
		Network:    policy.NetNone,
	}
}

func TestPendingSendStore_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	thread := seedThread(t, db)

	p, err := db.PendingSends().Create(thread.ID, "deploy it", DepthMessages, writeAccess(), true, false)
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
	require.Equal(t, PendingOpen, p.Status)
	require.True(t, p.RequiresWrite)
	require.False(t, p.RequiresNetwork)
	require.Equal(t, writeAccess(), p.Access)

	got, err := db.PendingSends().Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)
}

func TestPendingSendStore_ResolveMatching(t *testing.T) {
	db := newTestDB(t)
	thread := seedThread(t, db)
	sends := db.PendingSends()

	// Two identical parked sends plus one with different content.
	p1, err := sends.Create(thread.ID, "deploy it", DepthMessages, writeAccess(), true, false)
	require.NoError(t, err)
	p2, err := sends.Create(thread.ID, "deploy it", DepthMessages, writeAccess(), true, false)
	require.NoError(t, err)
	other, err := sends.Create(thread.ID, "something else", DepthMessages, writeAccess(), true, false)
	require.NoError(t, err)

	n, err := sends.ResolveMatching(thread.ID, "deploy it", DepthMessages, writeAccess())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for _, id := range []string{p1.ID, p2.ID} {
		got, err := sends.Get(id)
		require.NoError(t, err)
		require.Equal(t, PendingResolved, got.Status)
		require.NotNil(t, got.ResolvedAt)
	}
	untouched, err := sends.Get(other.ID)
	require.NoError(t, err)
	require.Equal(t, PendingOpen, untouched.Status)

	// Different access does not match.
	n, err = sends.ResolveMatching(thread.ID, "something else", DepthMessages, policy.DefaultAccess())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPendingSendStore_Cancel(t *testing.T) {
	db := newTestDB(t)
	thread := seedThread(t, db)
	sends := db.PendingSends()

	p, err := sends.Create(thread.ID, "deploy it", DepthMessages, writeAccess(), true, false)
	require.NoError(t, err)
	require.NoError(t, sends.Cancel(p.ID))

	got, err := sends.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, PendingCancelled, got.Status)

	var notFound *PendingSendNotFoundError
	require.ErrorAs(t, sends.Cancel(p.ID), &notFound, "cancelling twice must fail")
	require.ErrorAs(t, sends.Cancel("nope"), &notFound)
}

func TestPendingSendStore_ListOpen(t *testing.T) {
	db := newTestDB(t)
	thread := seedThread(t, db)
	sends := db.PendingSends()

	p1, err := sends.Create(thread.ID, "one", DepthMessages, writeAccess(), true, false)
	require.NoError(t, err)
	p2, err := sends.Create(thread.ID, "two", DepthMessages, writeAccess(), true, false)
	require.NoError(t, err)
	require.NoError(t, sends.Cancel(p1.ID))

	open, err := sends.ListOpen(thread.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, p2.ID, open[0].ID)
}
