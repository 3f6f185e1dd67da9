package advisor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lemoz/project-control-center-sub001/internal/agent"
	"github.com/lemoz/project-control-center-sub001/internal/config"
	"github.com/lemoz/project-control-center-sub001/internal/paths"
	"github.com/lemoz/project-control-center-sub001/internal/policy"
	"github.com/lemoz/project-control-center-sub001/internal/store"
)

func newTestAdvisor(t *testing.T, response string) (*Advisor, *store.DB, *agent.Invocation) {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Threads().Ensure(store.ScopeGlobal, "", "")
	require.NoError(t, err)

	captured := &agent.Invocation{}
	invoke := func(_ context.Context, inv agent.Invocation) ([]byte, error) {
		*captured = inv
		return []byte(response), nil
	}
	cfg := config.AgentConfig{CLIPath: "codex", TrustedHosts: []string{"github.com"}}
	return New(db, paths.New(t.TempDir()), cfg, invoke), db, captured
}

func TestSuggest_ReturnsDeltasOnly(t *testing.T) {
	a, _, _ := newTestAdvisor(t, `{
		"context_depth": "blended",
		"access": {"filesystem":"read-write","cli":"read-write","network":"none"},
		"reason": "the message asks for file edits"
	}`)

	s, err := a.Suggest(context.Background(), "chat-global", "please fix the bug in main.go")
	require.NoError(t, err)
	require.NotNil(t, s.ContextDepth)
	require.Equal(t, store.DepthBlended, *s.ContextDepth)
	require.NotNil(t, s.Access)
	require.Equal(t, policy.FSReadWrite, s.Access.Filesystem)
	require.Equal(t, "the message asks for file edits", s.Reason)
}

func TestSuggest_NoChangeYieldsNilDeltas(t *testing.T) {
	// Thread defaults: depth=messages, fs=read-only, cli=off, net=none.
	a, _, _ := newTestAdvisor(t, `{
		"context_depth": "messages",
		"access": {"filesystem":"read-only","cli":"off","network":"none"},
		"reason": "current settings suffice"
	}`)

	s, err := a.Suggest(context.Background(), "chat-global", "what does this repo do?")
	require.NoError(t, err)
	require.Nil(t, s.ContextDepth)
	require.Nil(t, s.Access)
	require.Equal(t, "current settings suffice", s.Reason)
}

func TestSuggest_SanitizesInconsistentAccess(t *testing.T) {
	// cli=read-write with filesystem=read-only violates consistency; the
	// proposal is coerced, not rejected.
	a, _, _ := newTestAdvisor(t, `{
		"access": {"filesystem":"read-only","cli":"read-write","network":"none"},
		"reason": "needs to run scripts"
	}`)

	s, err := a.Suggest(context.Background(), "chat-global", "run the test suite")
	require.NoError(t, err)
	require.NotNil(t, s.Access)
	require.NoError(t, s.Access.Validate([]string{"github.com"}))
	require.NotEqual(t, "needs to run scripts", s.Reason, "coercion notes are appended to the reason")
}

func TestSuggest_PartialAccessProposalKeepsCurrentAxes(t *testing.T) {
	a, db, _ := newTestAdvisor(t, `{
		"access": {"network":"localhost"},
		"reason": "only the local daemon is needed"
	}`)

	// Raise the thread's filesystem axis first.
	access := policy.Access{Filesystem: policy.FSReadWrite, CLI: policy.CLIReadWrite, Network: policy.NetNone}
	_, err := db.Threads().Patch("chat-global", store.ThreadPatch{Access: &access})
	require.NoError(t, err)

	s, err := a.Suggest(context.Background(), "chat-global", "curl localhost:7777/health")
	require.NoError(t, err)
	require.NotNil(t, s.Access)
	require.Equal(t, policy.FSReadWrite, s.Access.Filesystem, "unset axes inherit the thread's current value")
	require.Equal(t, policy.NetLocalhost, s.Access.Network)
}

func TestSuggest_InvocationIsReadOnlyAndOffline(t *testing.T) {
	a, db, captured := newTestAdvisor(t, `{"reason":"nothing to change"}`)

	_, err := db.Messages().Insert(store.NewMessage{
		ThreadID: "chat-global", Role: store.RoleUser, Content: "earlier question",
	})
	require.NoError(t, err)

	s, err := a.Suggest(context.Background(), "chat-global", "draft message")
	require.NoError(t, err)
	require.Nil(t, s.Access)

	require.Equal(t, policy.SandboxReadOnly, captured.Sandbox)
	require.False(t, captured.NetworkEnabled)
	require.Contains(t, captured.Prompt, "draft message")
	require.Contains(t, captured.Prompt, "earlier question")
	require.FileExists(t, captured.SchemaPath)
}

func TestSuggest_UnknownThread(t *testing.T) {
	a, _, _ := newTestAdvisor(t, `{"reason":"x"}`)
	_, err := a.Suggest(context.Background(), "chat-wo-404", "hi")
	var notFound *store.ThreadNotFoundError
	require.ErrorAs(t, err, &notFound)
}
