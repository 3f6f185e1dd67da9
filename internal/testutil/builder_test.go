package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lemoz/project-control-center-sub001/internal/store"
)

func TestBuilder_SeedsThreadMessagesAndRuns(t *testing.T) {
	db := NewTestDB(t)

	seeded := NewBuilder(t, db).
		WithThread(store.ScopeGlobal, "", "").
		WithMessage("chat-global", store.RoleUser, "hello").
		WithRun("chat-global", store.RunDone, Reply("hi there")).
		Build()

	require.Len(t, seeded.Threads, 1)
	require.Equal(t, "chat-global", seeded.Threads[0].ID)

	msgs, err := db.Messages().List("chat-global")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, store.RoleUser, msgs[0].Role)
	require.Equal(t, store.RoleAssistant, msgs[1].Role)
	require.Equal(t, "hi there", msgs[1].Content)

	require.Len(t, seeded.Runs, 1)
	run := seeded.Runs[0]
	require.Equal(t, store.RunDone, run.Status)
	require.Equal(t, msgs[0].ID, run.UserMessageID)
	require.NotNil(t, run.AssistantMessageID)
	require.Equal(t, msgs[1].ID, *run.AssistantMessageID)
}

func TestBuilder_RunWithoutMessageInsertsOne(t *testing.T) {
	db := NewTestDB(t)

	seeded := NewBuilder(t, db).
		WithThread(store.ScopeGlobal, "", "").
		WithRun("chat-global", store.RunQueued).
		Build()

	require.Equal(t, store.RunQueued, seeded.Runs[0].Status)
	msgs, err := db.Messages().List("chat-global")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "run request", msgs[0].Content)
}

func TestBuilder_FailedRunRecordsReason(t *testing.T) {
	db := NewTestDB(t)

	seeded := NewBuilder(t, db).
		WithThread(store.ScopeGlobal, "", "").
		WithRun("chat-global", store.RunFailed, FailureReason("agent crashed")).
		Build()

	require.Equal(t, store.RunFailed, seeded.Runs[0].Status)
	require.Equal(t, "agent crashed", seeded.Runs[0].Error)
}

func TestPresets(t *testing.T) {
	db := NewTestDB(t)

	NewBuilder(t, db).
		WithThread(store.ScopeGlobal, "", "").
		WithConversation("chat-global", 3).
		WithFinishedRun("chat-global", "ship it", "shipped").
		Build()

	count, err := db.Messages().Count("chat-global")
	require.NoError(t, err)
	require.Equal(t, 8, count)

	runs, err := db.Runs().ListByThread("chat-global")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, store.RunDone, runs[0].Status)
}
