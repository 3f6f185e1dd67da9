package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lemoz/project-control-center-sub001/internal/policy"
)

// Scope identifies what a thread is rooted at.
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopeProject   Scope = "project"
	ScopeWorkOrder Scope = "workorder"
)

// ThreadID derives the deterministic thread id for a scope descriptor.
func ThreadID(scope Scope, projectID, workOrderID string) (string, error) {
	switch scope {
	case ScopeGlobal:
		if projectID != "" || workOrderID != "" {
			return "", fmt.Errorf("global scope cannot carry project or work-order ids")
		}
		return "chat-global", nil
	case ScopeProject:
		if projectID == "" || workOrderID != "" {
			return "", fmt.Errorf("project scope requires a project id and no work-order id")
		}
		return "chat-project-" + projectID, nil
	case ScopeWorkOrder:
		if workOrderID == "" {
			return "", fmt.Errorf("workorder scope requires a work-order id")
		}
		return "chat-wo-" + workOrderID, nil
	default:
		return "", fmt.Errorf("unknown scope %q", scope)
	}
}

// ContextDepth selects how much history a turn's prompt carries.
type ContextDepth string

const (
	DepthMinimal             ContextDepth = "minimal"
	DepthMessages            ContextDepth = "messages"
	DepthMessagesTools       ContextDepth = "messages_tools"
	DepthMessagesToolsOutput ContextDepth = "messages_tools_outputs"
	DepthBlended             ContextDepth = "blended"
)

// ValidDepth reports whether d is a recognized context depth.
func ValidDepth(d ContextDepth) bool {
	switch d {
	case DepthMinimal, DepthMessages, DepthMessagesTools, DepthMessagesToolsOutput, DepthBlended:
		return true
	}
	return false
}

// RunStatus is the run state machine: queued -> running -> done | failed.
type RunStatus string

const (
	RunQueued  RunStatus = "queued"
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "done"
	RunFailed  RunStatus = "failed"
)

// MessageRole is the author of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// PendingSendStatus is the lifecycle of a parked user message.
type PendingSendStatus string

const (
	PendingOpen      PendingSendStatus = "pending"
	PendingResolved  PendingSendStatus = "resolved"
	PendingCancelled PendingSendStatus = "cancelled"
)

// Thread is a chat conversation rooted at a scope.
type Thread struct {
	ID                string
	Scope             Scope
	ProjectID         string
	WorkOrderID       string
	Name              string
	Summary           string
	SummarizedCount   int
	Access            policy.Access
	ContextDepth      ContextDepth
	Archived          bool
	WorktreePath      string
	HasPendingChanges bool
	LastAckAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Message is one turn of conversation. Insertion-only; never edited.
type Message struct {
	ID             int64
	ThreadID       string
	Seq            int
	Role           MessageRole
	Content        string
	Actions        json.RawMessage
	NeedsUserInput bool
	RunID          *int64
	CreatedAt      time.Time
}

// Run is one agent invocation for a thread.
type Run struct {
	ID                 int64
	ThreadID           string
	UserMessageID      int64
	AssistantMessageID *int64
	Status             RunStatus
	Model              string
	CLIPath            string
	Cwd                string
	LogPath            string
	ContextDepth       ContextDepth
	Access             policy.Access
	Error              string
	CreatedAt          time.Time
	StartedAt          *time.Time
	FinishedAt         *time.Time
}

// Command is one shell command the agent attempted during a run.
type Command struct {
	ID        int64
	RunID     int64
	Seq       int
	Cwd       string
	Command   string
	CreatedAt time.Time
}

// PendingSend is a user message awaiting explicit confirmation.
type PendingSend struct {
	ID              string
	ThreadID        string
	Content         string
	ContextDepth    ContextDepth
	Access          policy.Access
	RequiresWrite   bool
	RequiresNetwork bool
	Status          PendingSendStatus
	CreatedAt       time.Time
	ResolvedAt      *time.Time
}

// LedgerEntry records that a human applied an action. Append-only; undo
// marks the entry but never deletes it.
type LedgerEntry struct {
	ID          int64
	ThreadID    string
	RunID       *int64
	MessageID   *int64
	ActionIndex int
	ActionType  string
	Payload     json.RawMessage
	AppliedAt   time.Time
	UndoPayload json.RawMessage
	UndoneAt    *time.Time
	UndoReason  string
	Error       string
}

// Project is a repository the control plane manages.
type Project struct {
	ID        string
	Name      string
	Path      string
	Starred   bool
	Hidden    bool
	Success   *bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkOrder is a unit of work scoped to a project.
type WorkOrder struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ThreadNotFoundError indicates the requested thread does not exist.
type ThreadNotFoundError struct{ ID string }

func (e *ThreadNotFoundError) Error() string {
	return fmt.Sprintf("thread %s not found", e.ID)
}

// RunNotFoundError indicates the requested run does not exist.
type RunNotFoundError struct{ ID int64 }

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("run %d not found", e.ID)
}

// PendingSendNotFoundError indicates the pending send does not exist or
// is already terminal.
type PendingSendNotFoundError struct{ ID string }

func (e *PendingSendNotFoundError) Error() string {
	return fmt.Sprintf("pending send %s not found", e.ID)
}

// LedgerEntryNotFoundError indicates the ledger entry does not exist.
type LedgerEntryNotFoundError struct{ ID int64 }

func (e *LedgerEntryNotFoundError) Error() string {
	return fmt.Sprintf("ledger entry %d not found", e.ID)
}

// ProjectNotFoundError indicates the project does not exist.
type ProjectNotFoundError struct{ ID string }

func (e *ProjectNotFoundError) Error() string {
	return fmt.Sprintf("project %s not found", e.ID)
}

// WorkOrderNotFoundError indicates the work order does not exist.
type WorkOrderNotFoundError struct{ ID string }

func (e *WorkOrderNotFoundError) Error() string {
	return fmt.Sprintf("work order %s not found", e.ID)
}

// encodeAllowlist serializes a network allowlist to its column form.
func encodeAllowlist(hosts []string) string {
	if len(hosts) == 0 {
		return "[]"
	}
	b, err := json.Marshal(hosts)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeAllowlist(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var hosts []string
	if err := json.Unmarshal([]byte(raw), &hosts); err != nil {
		return nil
	}
	return hosts
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func strOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timeOrNil(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0)
	return &t
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func intOrNil(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
