package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCommandStore_SequencesAreContiguous(t *testing.T) {
	db := newTestDB(t)
	thread := seedThread(t, db)
	run := seedRun(t, db, thread.ID)
	commands := db.Commands()

	for i := 1; i <= 5; i++ {
		c, err := commands.Insert(run.ID, "/work", fmt.Sprintf("echo %d", i))
		require.NoError(t, err)
		require.Equal(t, i, c.Seq)
	}

	list, err := commands.List(run.ID)
	require.NoError(t, err)
	require.Len(t, list, 5)
	for i, c := range list {
		require.Equal(t, i+1, c.Seq)
		require.Equal(t, fmt.Sprintf("echo %d", i+1), c.Command)
	}
}

func TestCommandStore_SequencesArePerRun(t *testing.T) {
	db := newTestDB(t)
	thread := seedThread(t, db)
	r1 := seedRun(t, db, thread.ID)
	r2 := seedRun(t, db, thread.ID)
	commands := db.Commands()

	_, err := commands.Insert(r1.ID, "", "ls")
	require.NoError(t, err)
	c, err := commands.Insert(r2.ID, "", "pwd")
	require.NoError(t, err)
	require.Equal(t, 1, c.Seq)
}

// Command sequence numbers form the contiguous range [1..n] in insertion
// order regardless of how inserts interleave across runs.
func TestCommandStore_ContiguityProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		db, err := NewDB(fmt.Sprintf("%s/chat.db", t.TempDir()))
		require.NoError(rt, err)
		defer func() { _ = db.Close() }()

		thread, err := db.Threads().Ensure(ScopeGlobal, "", "")
		require.NoError(rt, err)

		runCount := rapid.IntRange(1, 3).Draw(rt, "runs")
		var runIDs []int64
		for i := 0; i < runCount; i++ {
			runIDs = append(runIDs, seedRun(t, db, thread.ID).ID)
		}

		inserts := rapid.IntRange(1, 30).Draw(rt, "inserts")
		for i := 0; i < inserts; i++ {
			runID := runIDs[rapid.IntRange(0, len(runIDs)-1).Draw(rt, "run")]
			_, err := db.Commands().Insert(runID, "", fmt.Sprintf("cmd %d", i))
			require.NoError(rt, err)
		}

		for _, runID := range runIDs {
			list, err := db.Commands().List(runID)
			require.NoError(rt, err)
			for i, c := range list {
				require.Equal(rt, i+1, c.Seq)
			}
		}
	})
}
