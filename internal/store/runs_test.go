package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/lemoz/project-control-center-sub001/internal/policy"
)

func seedRun(t *testing.T, db *DB, threadID string) *Run {
	t.Helper()
	msg, err := db.Messages().Insert(NewMessage{ThreadID: threadID, Role: RoleUser, Content: "go"})
	require.NoError(t, err)
	run, err := db.Runs().Create(NewRun{
		ThreadID:      threadID,
		UserMessageID: msg.ID,
		CLIPath:       "codex",
		ContextDepth:  DepthMessages,
		Access:        policy.DefaultAccess(),
	})
	require.NoError(t, err)
	return run
}

func TestRunStore_CreateStartsQueued(t *testing.T) {
	db := newTestDB(t)
	thread := seedThread(t, db)

	run := seedRun(t, db, thread.ID)
	require.Equal(t, RunQueued, run.Status)
	require.Nil(t, run.StartedAt)
	require.Nil(t, run.FinishedAt)
	require.Equal(t, policy.DefaultAccess(), run.Access)
}

func TestRunStore_ClaimIsExclusive(t *testing.T) {
	db := newTestDB(t)
	thread := seedThread(t, db)
	runs := db.Runs()

	r1 := seedRun(t, db, thread.ID)
	r2 := seedRun(t, db, thread.ID)

	// R1 is the oldest queued run; only it can be claimed.
	ok, err := runs.Claim(r2.ID)
	require.NoError(t, err)
	require.False(t, ok, "claiming a newer run while an older one is queued must fail")

	ok, err = runs.Claim(r1.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// Re-claiming and claiming the next while one is running both fail.
	ok, err = runs.Claim(r1.ID)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = runs.Claim(r2.ID)
	require.NoError(t, err)
	require.False(t, ok, "no claim may succeed while another run is running")

	// After R1 finishes, R2 becomes claimable.
	require.NoError(t, runs.MarkFailed(r1.ID, "boom"))
	ok, err = runs.Claim(r2.ID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRunStore_ClaimIsIndependentAcrossThreads(t *testing.T) {
	db := newTestDB(t)
	a, err := db.Threads().Ensure(ScopeProject, "a", "")
	require.NoError(t, err)
	b, err := db.Threads().Ensure(ScopeProject, "b", "")
	require.NoError(t, err)

	ra := seedRun(t, db, a.ID)
	rb := seedRun(t, db, b.ID)

	ok, err := db.Runs().Claim(ra.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = db.Runs().Claim(rb.ID)
	require.NoError(t, err)
	require.True(t, ok, "a running run in one thread must not block another thread")
}

func TestRunStore_NextQueuedID(t *testing.T) {
	db := newTestDB(t)
	thread := seedThread(t, db)
	runs := db.Runs()

	id, err := runs.NextQueuedID(thread.ID)
	require.NoError(t, err)
	require.Zero(t, id)

	r1 := seedRun(t, db, thread.ID)
	r2 := seedRun(t, db, thread.ID)
	_ = r2

	id, err = runs.NextQueuedID(thread.ID)
	require.NoError(t, err)
	require.Equal(t, r1.ID, id, "peek must return the oldest queued run")
}

func TestRunStore_MarkDone(t *testing.T) {
	db := newTestDB(t)
	thread := seedThread(t, db)
	runs := db.Runs()

	run := seedRun(t, db, thread.ID)
	require.Error(t, runs.MarkDone(run.ID, 1), "done requires the run to be running")

	ok, err := runs.Claim(run.ID)
	require.NoError(t, err)
	require.True(t, ok)

	assistant, err := db.Messages().Insert(NewMessage{ThreadID: thread.ID, Role: RoleAssistant, Content: "reply"})
	require.NoError(t, err)
	require.NoError(t, runs.MarkDone(run.ID, assistant.ID))

	got, err := runs.Get(run.ID)
	require.NoError(t, err)
	require.Equal(t, RunDone, got.Status)
	require.NotNil(t, got.AssistantMessageID)
	require.Equal(t, assistant.ID, *got.AssistantMessageID)
	require.NotNil(t, got.FinishedAt)
}

func TestRunStore_FailAllRunning(t *testing.T) {
	db := newTestDB(t)
	thread := seedThread(t, db)
	runs := db.Runs()

	running := seedRun(t, db, thread.ID)
	ok, err := runs.Claim(running.ID)
	require.NoError(t, err)
	require.True(t, ok)

	queued := seedRun(t, db, thread.ID)

	ids, err := runs.FailAllRunning("Server restarted; run aborted.")
	require.NoError(t, err)
	require.Equal(t, []int64{running.ID}, ids)

	got, err := runs.Get(running.ID)
	require.NoError(t, err)
	require.Equal(t, RunFailed, got.Status)
	require.Equal(t, "Server restarted; run aborted.", got.Error)

	still, err := runs.Get(queued.ID)
	require.NoError(t, err)
	require.Equal(t, RunQueued, still.Status, "queued runs must be untouched by restart recovery")

	ids, err = runs.FailAllRunning("again")
	require.NoError(t, err)
	require.Empty(t, ids)
}

// The returned ids are exactly the rows transitioned: every id was
// running and is now failed, and no run outside the list changed state.
func TestRunStore_FailAllRunningReturnsExactlyTheFailedRuns(t *testing.T) {
	db := newTestDB(t)
	runs := db.Runs()

	a, err := db.Threads().Ensure(ScopeProject, "a", "")
	require.NoError(t, err)
	b, err := db.Threads().Ensure(ScopeProject, "b", "")
	require.NoError(t, err)

	runA := seedRun(t, db, a.ID)
	runB := seedRun(t, db, b.ID)
	for _, id := range []int64{runA.ID, runB.ID} {
		ok, err := runs.Claim(id)
		require.NoError(t, err)
		require.True(t, ok)
	}
	queued := seedRun(t, db, a.ID)

	ids, err := runs.FailAllRunning("Server restarted; run aborted.")
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{runA.ID, runB.ID}, ids)

	for _, id := range ids {
		got, err := runs.Get(id)
		require.NoError(t, err)
		require.Equal(t, RunFailed, got.Status)
	}

	failedA, err := runs.ListByThread(a.ID, RunFailed)
	require.NoError(t, err)
	failedB, err := runs.ListByThread(b.ID, RunFailed)
	require.NoError(t, err)
	require.Len(t, append(failedA, failedB...), len(ids))

	still, err := runs.Get(queued.ID)
	require.NoError(t, err)
	require.Equal(t, RunQueued, still.Status)
}

func TestRunStore_GetNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Runs().Get(999)
	var notFound *RunNotFoundError
	require.ErrorAs(t, err, &notFound)
}

// At most one run per thread is ever running, no matter the interleaving
// of claims and finishes.
func TestRunStore_SerialPerThreadProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		db, err := NewDB(fmt.Sprintf("%s/chat.db", t.TempDir()))
		require.NoError(rt, err)
		defer func() { _ = db.Close() }()

		thread, err := db.Threads().Ensure(ScopeGlobal, "", "")
		require.NoError(rt, err)
		runs := db.Runs()

		var ids []int64
		steps := rapid.IntRange(1, 20).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				ids = append(ids, seedRun(t, db, thread.ID).ID)
			case 1:
				if len(ids) > 0 {
					id := ids[rapid.IntRange(0, len(ids)-1).Draw(rt, "claim")]
					_, err := runs.Claim(id)
					require.NoError(rt, err)
				}
			case 2:
				if len(ids) > 0 {
					id := ids[rapid.IntRange(0, len(ids)-1).Draw(rt, "finish")]
					run, err := runs.Get(id)
					require.NoError(rt, err)
					if run.Status == RunRunning {
						require.NoError(rt, runs.MarkFailed(id, "done with it"))
					}
				}
			}

			var running int
			require.NoError(rt, db.Connection().QueryRow(
				`SELECT COUNT(*) FROM runs WHERE thread_id = ? AND status = 'running'`, thread.ID,
			).Scan(&running))
			require.LessOrEqual(rt, running, 1, "serial per-thread invariant violated")
		}
	})
}
