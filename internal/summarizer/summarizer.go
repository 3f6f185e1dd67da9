// Package summarizer compacts thread history into the rolling summary,
// one fixed-size chunk at a time, via bounded read-only agent calls.
package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lemoz/project-control-center-sub001/internal/agent"
	"github.com/lemoz/project-control-center-sub001/internal/config"
	"github.com/lemoz/project-control-center-sub001/internal/log"
	"github.com/lemoz/project-control-center-sub001/internal/paths"
	"github.com/lemoz/project-control-center-sub001/internal/policy"
	"github.com/lemoz/project-control-center-sub001/internal/store"
)

// DefaultChunkSize is the number of messages folded into the summary per
// pass when the config leaves summary_chunk unset.
const DefaultChunkSize = 50

// summarySchema constrains the agent's final message to {summary}.
const summarySchema = `{
  "type": "object",
  "required": ["summary"],
  "properties": { "summary": { "type": "string" } },
  "additionalProperties": false
}`

// Invoker runs one agent call. Swappable in tests.
type Invoker func(ctx context.Context, inv agent.Invocation) ([]byte, error)

// Summarizer extends thread summaries in fixed-size chunk steps.
type Summarizer struct {
	db        *store.DB
	portfolio paths.Portfolio
	cfg       config.AgentConfig
	chunk     int
	invoke    Invoker
}

// New creates a Summarizer folding chunkSize messages per pass; zero or
// negative means DefaultChunkSize. invoke may be nil, in which case the
// real agent driver is used.
func New(db *store.DB, portfolio paths.Portfolio, cfg config.AgentConfig, chunkSize int, invoke Invoker) *Summarizer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if invoke == nil {
		invoke = func(ctx context.Context, inv agent.Invocation) ([]byte, error) {
			return agent.Invoke(ctx, inv, nil)
		}
	}
	return &Summarizer{db: db, portfolio: portfolio, cfg: cfg, chunk: chunkSize, invoke: invoke}
}

// Summarize folds every complete unsummarized chunk of the thread into
// its summary. It stops at the first failure; callers treat errors as
// tolerable and proceed with the turn.
func (s *Summarizer) Summarize(ctx context.Context, threadID string) (int, error) {
	chunks := 0
	for {
		due, err := s.nextChunkDue(threadID)
		if err != nil || !due {
			return chunks, err
		}
		if err := s.summarizeChunk(ctx, threadID); err != nil {
			return chunks, err
		}
		chunks++
	}
}

// nextChunkDue reports whether a complete unsummarized chunk exists:
// floor(total/chunk)*chunk > summarized_count.
func (s *Summarizer) nextChunkDue(threadID string) (bool, error) {
	thread, err := s.db.Threads().Get(threadID)
	if err != nil {
		return false, err
	}
	total, err := s.db.Messages().Count(threadID)
	if err != nil {
		return false, err
	}
	return (total/s.chunk)*s.chunk > thread.SummarizedCount, nil
}

func (s *Summarizer) summarizeChunk(ctx context.Context, threadID string) error {
	thread, err := s.db.Threads().Get(threadID)
	if err != nil {
		return err
	}
	from := thread.SummarizedCount + 1
	to := thread.SummarizedCount + s.chunk

	messages, err := s.db.Messages().Range(threadID, from, to)
	if err != nil {
		return err
	}

	dir := s.portfolio.SummaryDir(threadID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create summary directory: %w", err)
	}
	schemaPath := filepath.Join(dir, "schema.json")
	if err := os.WriteFile(schemaPath, []byte(summarySchema), 0644); err != nil {
		return fmt.Errorf("failed to write summary schema: %w", err)
	}

	inv := agent.Invocation{
		CLIPath:          s.cfg.CLIPath,
		Model:            s.cfg.Model,
		Sandbox:          policy.SandboxReadOnly,
		SchemaPath:       schemaPath,
		LastMessagePath:  filepath.Join(dir, "result.json"),
		LogPath:          filepath.Join(dir, "agent.jsonl"),
		WorkDir:          dir,
		Prompt:           composePrompt(thread.Summary, messages),
		Timeout:          s.cfg.Timeout(),
		SkipGitRepoCheck: true,
	}

	result, err := s.invoke(ctx, inv)
	if err != nil {
		return fmt.Errorf("summarizer invocation failed: %w", err)
	}

	var parsed struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return fmt.Errorf("summarizer produced invalid JSON: %w", err)
	}
	if parsed.Summary == "" {
		return fmt.Errorf("summarizer produced an empty summary")
	}

	if err := s.db.Threads().SetSummary(threadID, parsed.Summary, to); err != nil {
		return err
	}
	log.Info(log.CatChat, "thread summary extended", "thread", threadID, "summarized_count", to)
	return nil
}

// composePrompt renders the prior summary and the chunk transcript.
func composePrompt(priorSummary string, messages []*store.Message) string {
	var b strings.Builder
	b.WriteString("Update the running summary of this conversation.\n")
	b.WriteString("Fold the new messages into the existing summary; keep decisions, open items, and file/work-order references.\n\n")
	if priorSummary != "" {
		b.WriteString("Existing summary:\n")
		b.WriteString(priorSummary)
		b.WriteString("\n\n")
	}
	b.WriteString("New messages:\n")
	for _, m := range messages {
		b.WriteString(fmt.Sprintf("[%d] %s: %s\n", m.Seq, m.Role, m.Content))
	}
	b.WriteString("\nRespond with JSON: {\"summary\": \"...\"}\n")
	return b.String()
}
