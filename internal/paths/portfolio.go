// Package paths provides portfolio filesystem layout resolution.
// All durable chat state lives under <portfolio>/.system/.
package paths

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Portfolio resolves paths under a portfolio workspace root.
type Portfolio struct {
	root string
}

// New creates a Portfolio rooted at dir.
func New(dir string) Portfolio {
	return Portfolio{root: filepath.Clean(dir)}
}

// Root returns the portfolio workspace root.
func (p Portfolio) Root() string { return p.root }

// SystemDir returns the .system directory.
func (p Portfolio) SystemDir() string {
	return filepath.Join(p.root, ".system")
}

// DatabasePath returns the path of the chat database file.
func (p Portfolio) DatabasePath() string {
	return filepath.Join(p.SystemDir(), "chat", "chat.db")
}

// RunDir returns the per-run state directory.
func (p Portfolio) RunDir(runID int64) string {
	return filepath.Join(p.SystemDir(), "chat", "runs", fmt.Sprintf("%d", runID))
}

// RunLogPath returns the JSONL event log for a run.
func (p Portfolio) RunLogPath(runID int64) string {
	return filepath.Join(p.RunDir(runID), "agent.jsonl")
}

// RunResultPath returns the agent's final-message output file for a run.
func (p Portfolio) RunResultPath(runID int64) string {
	return filepath.Join(p.RunDir(runID), "result.json")
}

// RunSchemaPath returns the response-schema file handed to the agent.
func (p Portfolio) RunSchemaPath(runID int64) string {
	return filepath.Join(p.RunDir(runID), "schema.json")
}

// SummaryDir returns the working directory for a summarizer invocation.
func (p Portfolio) SummaryDir(id string) string {
	return filepath.Join(p.SystemDir(), "chat", "summaries", id)
}

// SuggestionDir returns the working directory for an advisor invocation.
func (p Portfolio) SuggestionDir(id string) string {
	return filepath.Join(p.SystemDir(), "chat", "suggestions", id)
}

// WorktreeDir returns the default worktree path for a thread.
func (p Portfolio) WorktreeDir(threadID string) string {
	return filepath.Join(p.SystemDir(), "chat-worktrees", "thread-"+ThreadSlug(threadID))
}

// ThreadSlug converts a thread id to a filesystem/branch-safe slug.
func ThreadSlug(threadID string) string {
	slug := strings.ToLower(threadID)
	var b strings.Builder
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// WorktreeBranch returns the branch name for a thread's worktree.
func WorktreeBranch(threadID string) string {
	return "chat/thread-" + ThreadSlug(threadID)
}
