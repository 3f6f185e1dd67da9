// Package advisor runs the pre-send evaluator: a read-only,
// network-disabled agent call that proposes context depth and access
// adjustments for a user message before it is sent.
package advisor

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

// suggestionSchema constrains the agent's response shape. Depth and
// access are optional; reason is not.
const suggestionSchema = `{
  "type": "object",
  "required": ["reason"],
  "properties": {
    "context_depth": {
      "enum": ["minimal", "messages", "messages_tools", "messages_tools_outputs", "blended"]
    },
    "access": {
      "type": "object",
      "properties": {
        "filesystem": { "enum": ["none", "read-only", "read-write"] },
        "cli": { "enum": ["off", "read-only", "read-write"] },
        "network": { "enum": ["none", "localhost", "allowlist", "trusted"] },
        "network_allowlist": { "type": "array", "items": { "type": "string" } }
      },
      "additionalProperties": false
    },
    "reason": { "type": "string" }
  },
  "additionalProperties": false
}`

// metadataTail is how many recent messages and runs feed the prompt.
const metadataTail = 10

// Suggestion carries only the deltas against the thread's current
// settings. Nil fields mean "keep what you have".
type Suggestion struct {
	ContextDepth *store.ContextDepth `json:"context_depth,omitempty"`
	Access       *policy.Access      `json:"access,omitempty"`
	Reason       string              `json:"reason"`
}

// Invoker runs one agent call. Swappable in tests.
type Invoker func(ctx context.Context, inv agent.Invocation) ([]byte, error)

// Advisor evaluates draft messages.
type Advisor struct {
	db        *store.DB
	portfolio paths.Portfolio
	cfg       config.AgentConfig
	invoke    Invoker
}

// New creates an Advisor. invoke may be nil, in which case the real
// agent driver is used.
func New(db *store.DB, portfolio paths.Portfolio, cfg config.AgentConfig, invoke Invoker) *Advisor {
	if invoke == nil {
		invoke = func(ctx context.Context, inv agent.Invocation) ([]byte, error) {
			return agent.Invoke(ctx, inv, nil)
		}
	}
	return &Advisor{db: db, portfolio: portfolio, cfg: cfg, invoke: invoke}
}

// Suggest evaluates a draft message against the thread's history and
// returns recommended setting deltas. The returned access always passes
// the policy consistency rules; any coercion applied to the agent's
// proposal is appended to the reason.
func (a *Advisor) Suggest(ctx context.Context, threadID, message string) (*Suggestion, error) {
	thread, err := a.db.Threads().Get(threadID)
	if err != nil {
		return nil, err
	}
	tail, err := a.db.Messages().Tail(threadID, metadataTail)
	if err != nil {
		return nil, err
	}
	runs, err := a.db.Runs().ListByThread(threadID, store.RunDone, store.RunFailed)
	if err != nil {
		return nil, err
	}
	if len(runs) > metadataTail {
		runs = runs[:metadataTail]
	}

	dir := a.portfolio.SuggestionDir(threadID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create suggestion directory: %w", err)
	}
	schemaPath := filepath.Join(dir, "schema.json")
	if err := os.WriteFile(schemaPath, []byte(suggestionSchema), 0644); err != nil {
		return nil, fmt.Errorf("failed to write suggestion schema: %w", err)
	}

	inv := agent.Invocation{
		CLIPath:          a.cfg.CLIPath,
		Model:            a.cfg.Model,
		Sandbox:          policy.SandboxReadOnly,
		SchemaPath:       schemaPath,
		LastMessagePath:  filepath.Join(dir, "result.json"),
		LogPath:          filepath.Join(dir, "agent.jsonl"),
		WorkDir:          dir,
		Prompt:           composePrompt(thread, message, tail, runs),
		Timeout:          a.cfg.Timeout(),
		SkipGitRepoCheck: true,
	}

	result, err := a.invoke(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("advisor invocation failed: %w", err)
	}

	var parsed struct {
		ContextDepth string         `json:"context_depth"`
		Access       *policy.Access `json:"access"`
		Reason       string         `json:"reason"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("advisor produced invalid JSON: %w", err)
	}

	suggestion := &Suggestion{Reason: parsed.Reason}

	if parsed.ContextDepth != "" {
		depth := store.ContextDepth(parsed.ContextDepth)
		if store.ValidDepth(depth) && depth != thread.ContextDepth {
			suggestion.ContextDepth = &depth
		}
	}

	if parsed.Access != nil {
		proposed := *parsed.Access
		fillAccessDefaults(&proposed, thread.Access)
		sanitized, notes := policy.Normalize(proposed, a.cfg.TrustedHosts)
		for _, note := range notes {
			suggestion.Reason = appendReason(suggestion.Reason, note)
		}
		if !sanitized.Equal(thread.Access) {
			suggestion.Access = &sanitized
		}
	}

	log.Debug(log.CatChat, "suggestion computed",
		"thread", threadID,
		"depth_delta", suggestion.ContextDepth != nil,
		"access_delta", suggestion.Access != nil,
	)
	return suggestion, nil
}

// fillAccessDefaults backfills axes the agent left empty from the
// thread's current access, so a partial proposal is a delta rather than
// a reset to defaults.
func fillAccessDefaults(proposed *policy.Access, current policy.Access) {
	if proposed.Filesystem == "" {
		proposed.Filesystem = current.Filesystem
	}
	if proposed.CLI == "" {
		proposed.CLI = current.CLI
	}
	if proposed.Network == "" {
		proposed.Network = current.Network
		if len(proposed.NetworkAllowlist) == 0 {
			proposed.NetworkAllowlist = current.NetworkAllowlist
		}
	}
}

func appendReason(reason, note string) string {
	if reason == "" {
		return note
	}
	return reason + " " + note
}

func composePrompt(thread *store.Thread, message string, tail []*store.Message, runs []*store.Run) string {
	var b strings.Builder
	b.WriteString("Recommend settings for sending the message below.\n")
	b.WriteString("Choose the smallest context depth and access that let the request succeed.\n\n")

	b.WriteString(fmt.Sprintf("Current settings: context_depth=%s filesystem=%s cli=%s network=%s\n",
		thread.ContextDepth, thread.Access.Filesystem, thread.Access.CLI, thread.Access.Network))
	if thread.Summary != "" {
		b.WriteString("\nConversation summary:\n" + thread.Summary + "\n")
	}

	if len(tail) > 0 {
		b.WriteString("\nRecent messages:\n")
		for _, m := range tail {
			b.WriteString(fmt.Sprintf("[%d] %s: %s\n", m.Seq, m.Role, m.Content))
		}
	}
	if len(runs) > 0 {
		b.WriteString("\nRecent runs:\n")
		for _, r := range runs {
			b.WriteString(fmt.Sprintf("run %d: status=%s depth=%s fs=%s cli=%s net=%s\n",
				r.ID, r.Status, r.ContextDepth, r.Access.Filesystem, r.Access.CLI, r.Access.Network))
		}
	}

	b.WriteString("\nMessage to send:\n" + message + "\n")
	b.WriteString("\nRespond with JSON: {\"context_depth\"?, \"access\"?, \"reason\"}. Omit fields you would keep unchanged.\n")
	return b.String()
}
