package paths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPortfolioLayout(t *testing.T) {
	p := New("/work/portfolio")

	require.Equal(t, "/work/portfolio/.system", p.SystemDir())
	require.Equal(t, "/work/portfolio/.system/chat/chat.db", p.DatabasePath())
	require.Equal(t, "/work/portfolio/.system/chat/runs/42", p.RunDir(42))
	require.Equal(t, "/work/portfolio/.system/chat/runs/42/agent.jsonl", p.RunLogPath(42))
	require.Equal(t, "/work/portfolio/.system/chat/runs/42/result.json", p.RunResultPath(42))
	require.Equal(t, "/work/portfolio/.system/chat/runs/42/schema.json", p.RunSchemaPath(42))
	require.Equal(t, "/work/portfolio/.system/chat/summaries/abc", p.SummaryDir("abc"))
	require.Equal(t, "/work/portfolio/.system/chat/suggestions/abc", p.SuggestionDir("abc"))
}

func TestWorktreeDir(t *testing.T) {
	p := New("/work/portfolio")
	got := p.WorktreeDir("chat-project-Web_App")
	require.Equal(t, filepath.Join("/work/portfolio/.system/chat-worktrees", "thread-chat-project-web-app"), got)
}

func TestThreadSlug(t *testing.T) {
	cases := map[string]string{
		"chat-global":         "chat-global",
		"Chat Project X":      "chat-project-x",
		"--weird__input!!":    "weird--input",
		"chat-wo-123":         "chat-wo-123",
		"UPPER.case/with:sep": "upper-case-with-sep",
	}
	for in, want := range cases {
		require.Equal(t, want, ThreadSlug(in), "slug of %q", in)
	}
}

func TestWorktreeBranch(t *testing.T) {
	require.Equal(t, "chat/thread-chat-wo-7", WorktreeBranch("chat-wo-7"))
}
