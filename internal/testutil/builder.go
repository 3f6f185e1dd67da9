package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lemoz/project-control-center-sub001/internal/store"
)

// threadData holds a thread to be ensured.
type threadData struct {
	scope       store.Scope
	projectID   string
	workOrderID string
}

// messageData holds a message to be inserted.
type messageData struct {
	threadID string
	msg      store.NewMessage
}

// runData holds a run to be created and driven to its status.
type runData struct {
	threadID string
	status   store.RunStatus
	run      store.NewRun
	reply    string
	reason   string
}

// Seeded reports what Build inserted, in insertion order.
type Seeded struct {
	Threads  []*store.Thread
	Messages []*store.Message
	Runs     []*store.Run
}

// Builder accumulates fixture data and inserts it in dependency order:
// threads, then messages, then runs.
type Builder struct {
	t        *testing.T
	db       *store.DB
	threads  []threadData
	messages []messageData
	runs     []runData
}

// NewBuilder creates a builder for the given test store.
func NewBuilder(t *testing.T, db *store.DB) *Builder {
	t.Helper()
	return &Builder{t: t, db: db}
}

// WithThread ensures a thread for the given scope. Thread ids are
// deterministic, so the same scope tuple always yields the same thread.
func (b *Builder) WithThread(scope store.Scope, projectID, workOrderID string) *Builder {
	b.threads = append(b.threads, threadData{scope, projectID, workOrderID})
	return b
}

// WithMessage appends a message to a thread.
func (b *Builder) WithMessage(threadID string, role store.MessageRole, content string, opts ...MessageOption) *Builder {
	msg := store.NewMessage{ThreadID: threadID, Role: role, Content: content}
	for _, opt := range opts {
		opt(&msg)
	}
	b.messages = append(b.messages, messageData{threadID, msg})
	return b
}

// WithRun creates a run on a thread and drives it to status. The run's
// user message is the last message added to the thread, inserting one
// when the thread has none.
func (b *Builder) WithRun(threadID string, status store.RunStatus, opts ...RunOption) *Builder {
	data := runData{
		threadID: threadID,
		status:   status,
		run: store.NewRun{
			ThreadID:     threadID,
			Model:        "test-model",
			CLIPath:      "codex",
			ContextDepth: store.DepthBlended,
		},
		reply:  "done",
		reason: "seeded failure",
	}
	for _, opt := range opts {
		opt(&data)
	}
	b.runs = append(b.runs, data)
	return b
}

// Build inserts all accumulated data and returns what was created.
func (b *Builder) Build() *Seeded {
	b.t.Helper()
	seeded := &Seeded{}
	lastMsg := map[string]int64{}

	for _, td := range b.threads {
		thread, err := b.db.Threads().Ensure(td.scope, td.projectID, td.workOrderID)
		require.NoError(b.t, err)
		seeded.Threads = append(seeded.Threads, thread)
	}
	for _, md := range b.messages {
		msg, err := b.db.Messages().Insert(md.msg)
		require.NoError(b.t, err)
		lastMsg[md.threadID] = msg.ID
		seeded.Messages = append(seeded.Messages, msg)
	}
	for _, rd := range b.runs {
		seeded.Runs = append(seeded.Runs, b.buildRun(rd, lastMsg, seeded))
	}
	return seeded
}

func (b *Builder) buildRun(rd runData, lastMsg map[string]int64, seeded *Seeded) *store.Run {
	b.t.Helper()

	userMsgID, ok := lastMsg[rd.threadID]
	if !ok {
		msg, err := b.db.Messages().Insert(store.NewMessage{
			ThreadID: rd.threadID,
			Role:     store.RoleUser,
			Content:  "run request",
		})
		require.NoError(b.t, err)
		lastMsg[rd.threadID] = msg.ID
		seeded.Messages = append(seeded.Messages, msg)
		userMsgID = msg.ID
	}

	rd.run.UserMessageID = userMsgID
	run, err := b.db.Runs().Create(rd.run)
	require.NoError(b.t, err)

	if rd.status != store.RunQueued {
		claimed, err := b.db.Runs().Claim(run.ID)
		require.NoError(b.t, err)
		require.True(b.t, claimed, "seeded run must win its claim; check run ordering in the fixture")
	}
	switch rd.status {
	case store.RunDone:
		runID := run.ID
		reply, err := b.db.Messages().Insert(store.NewMessage{
			ThreadID: rd.threadID,
			Role:     store.RoleAssistant,
			Content:  rd.reply,
			RunID:    &runID,
		})
		require.NoError(b.t, err)
		lastMsg[rd.threadID] = reply.ID
		seeded.Messages = append(seeded.Messages, reply)
		require.NoError(b.t, b.db.Runs().MarkDone(run.ID, reply.ID))
	case store.RunFailed:
		require.NoError(b.t, b.db.Runs().MarkFailed(run.ID, rd.reason))
	}

	run, err = b.db.Runs().Get(run.ID)
	require.NoError(b.t, err)
	return run
}
