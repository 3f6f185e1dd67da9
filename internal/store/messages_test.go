package store

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func seedThread(t *testing.T, db *DB) *Thread {
	t.Helper()
	thread, err := db.Threads().Ensure(ScopeGlobal, "", "")
	require.NoError(t, err)
	return thread
}

func TestMessageStore_InsertAssignsSequence(t *testing.T) {
	db := newTestDB(t)
	thread := seedThread(t, db)
	messages := db.Messages()

	for i := 1; i <= 3; i++ {
		m, err := messages.Insert(NewMessage{ThreadID: thread.ID, Role: RoleUser, Content: fmt.Sprintf("msg %d", i)})
		require.NoError(t, err)
		require.Equal(t, i, m.Seq)
	}

	list, err := messages.List(thread.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, m := range list {
		require.Equal(t, i+1, m.Seq)
	}
}

func TestMessageStore_SequencesArePerThread(t *testing.T) {
	db := newTestDB(t)
	messages := db.Messages()

	a, err := db.Threads().Ensure(ScopeProject, "a", "")
	require.NoError(t, err)
	b, err := db.Threads().Ensure(ScopeProject, "b", "")
	require.NoError(t, err)

	_, err = messages.Insert(NewMessage{ThreadID: a.ID, Role: RoleUser, Content: "a1"})
	require.NoError(t, err)
	m, err := messages.Insert(NewMessage{ThreadID: b.ID, Role: RoleUser, Content: "b1"})
	require.NoError(t, err)
	require.Equal(t, 1, m.Seq, "each thread owns its own sequence")
}

func TestMessageStore_ActionsRoundTrip(t *testing.T) {
	db := newTestDB(t)
	thread := seedThread(t, db)

	actions := json.RawMessage(`[{"type":"project_set_star","payload":{"project_id":"p1","starred":true}}]`)
	runID := int64(7)
	m, err := db.Messages().Insert(NewMessage{
		ThreadID:       thread.ID,
		Role:           RoleAssistant,
		Content:        "done",
		Actions:        actions,
		NeedsUserInput: true,
		RunID:          &runID,
	})
	require.NoError(t, err)
	require.JSONEq(t, string(actions), string(m.Actions))
	require.True(t, m.NeedsUserInput)
	require.NotNil(t, m.RunID)
	require.Equal(t, int64(7), *m.RunID)
}

func TestMessageStore_TailAndRange(t *testing.T) {
	db := newTestDB(t)
	thread := seedThread(t, db)
	messages := db.Messages()

	for i := 1; i <= 10; i++ {
		_, err := messages.Insert(NewMessage{ThreadID: thread.ID, Role: RoleUser, Content: fmt.Sprintf("msg %d", i)})
		require.NoError(t, err)
	}

	tail, err := messages.Tail(thread.ID, 3)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	require.Equal(t, 8, tail[0].Seq)
	require.Equal(t, 10, tail[2].Seq)

	chunk, err := messages.Range(thread.ID, 2, 5)
	require.NoError(t, err)
	require.Len(t, chunk, 4)
	require.Equal(t, 2, chunk[0].Seq)
	require.Equal(t, 5, chunk[3].Seq)

	count, err := messages.Count(thread.ID)
	require.NoError(t, err)
	require.Equal(t, 10, count)
}
