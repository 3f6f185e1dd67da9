// Package httpapi exposes the control plane to the local UI: REST
// endpoints for threads, runs, and the action ledger, plus an SSE stream
// fed by the event bus. The listener binds loopback-only unless LAN
// access is explicitly enabled.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lemoz/project-control-center-sub001/internal/actions"
	"github.com/lemoz/project-control-center-sub001/internal/advisor"
	"github.com/lemoz/project-control-center-sub001/internal/bus"
	"github.com/lemoz/project-control-center-sub001/internal/gate"
	"github.com/lemoz/project-control-center-sub001/internal/git"
	"github.com/lemoz/project-control-center-sub001/internal/log"
	"github.com/lemoz/project-control-center-sub001/internal/paths"
	"github.com/lemoz/project-control-center-sub001/internal/policy"
	"github.com/lemoz/project-control-center-sub001/internal/store"
	"github.com/lemoz/project-control-center-sub001/internal/worktree"
)

// Suggester proposes execution settings for a draft message.
type Suggester interface {
	Suggest(ctx context.Context, threadID, message string) (*advisor.Suggestion, error)
}

// Handler provides the HTTP endpoints of the control plane.
type Handler struct {
	db           *store.DB
	bus          *bus.Bus
	gate         *gate.Gate
	advisor      Suggester
	applier      *actions.Applier
	worktrees    *worktree.Manager
	portfolio    paths.Portfolio
	trustedHosts []string
	dispatch     func(runID int64) error
}

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	// DB is the relational store (required).
	DB *store.DB
	// Bus feeds the SSE stream (required).
	Bus *bus.Bus
	// Gate routes message submissions (required).
	Gate *gate.Gate
	// Advisor serves suggestion requests (optional).
	Advisor Suggester
	// Applier executes action apply/undo (required).
	Applier *actions.Applier
	// Worktrees serves diff and archive cleanup (required).
	Worktrees *worktree.Manager
	// Portfolio is the workspace layout.
	Portfolio paths.Portfolio
	// TrustedHosts is the server-configured pack backing network=trusted.
	TrustedHosts []string
	// Dispatch spawns a worker for an enqueued run (optional; runs stay
	// queued until the next dispatch when nil).
	Dispatch func(runID int64) error
}

// NewHandler creates the API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		db:           cfg.DB,
		bus:          cfg.Bus,
		gate:         cfg.Gate,
		advisor:      cfg.Advisor,
		applier:      cfg.Applier,
		worktrees:    cfg.Worktrees,
		portfolio:    cfg.Portfolio,
		trustedHosts: cfg.TrustedHosts,
		dispatch:     cfg.Dispatch,
	}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Threads
	mux.HandleFunc("GET /chat/threads", h.ListThreads)
	mux.HandleFunc("POST /chat/threads", h.CreateThread)
	mux.HandleFunc("GET /chat/threads/{id}", h.GetThread)
	mux.HandleFunc("PATCH /chat/threads/{id}", h.PatchThread)
	mux.HandleFunc("POST /chat/threads/{id}/ack", h.AckThread)

	// Submission
	mux.HandleFunc("POST /chat/threads/{id}/messages", h.PostMessage)
	mux.HandleFunc("POST /chat/threads/{id}/suggestions", h.Suggest)
	mux.HandleFunc("POST /chat/threads/{id}/pending-sends/{pid}/cancel", h.CancelPendingSend)

	// Worktree
	mux.HandleFunc("GET /chat/threads/{id}/worktree/diff", h.WorktreeDiff)

	// Runs
	mux.HandleFunc("GET /chat/runs/{id}", h.GetRun)
	mux.HandleFunc("GET /chat/runs/{id}/log", h.GetRunLog)

	// Actions
	mux.HandleFunc("POST /chat/actions/apply", h.ApplyAction)
	mux.HandleFunc("POST /chat/actions/{id}/undo", h.UndoAction)

	// Event streaming
	mux.HandleFunc("GET /chat/stream", h.Stream)

	// Health check
	mux.HandleFunc("GET /health", h.Health)

	return mux
}

// === Request/Response Types ===

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// AttentionResponse is the derived needs-attention state of a thread.
type AttentionResponse struct {
	NeedsAttention   bool     `json:"needs_attention"`
	Reasons          []string `json:"reasons,omitempty"`
	OpenPendingSends int      `json:"open_pending_sends"`
}

// ThreadResponse is the response body for a single thread.
type ThreadResponse struct {
	ID                string             `json:"id"`
	Scope             string             `json:"scope"`
	ProjectID         string             `json:"project_id,omitempty"`
	WorkOrderID       string             `json:"workorder_id,omitempty"`
	Name              string             `json:"name,omitempty"`
	Summary           string             `json:"summary,omitempty"`
	SummarizedCount   int                `json:"summarized_count"`
	Access            policy.Access      `json:"access"`
	ContextDepth      string             `json:"context_depth"`
	Archived          bool               `json:"archived"`
	WorktreePath      string             `json:"worktree_path,omitempty"`
	HasPendingChanges bool               `json:"has_pending_changes"`
	LastAckAt         *time.Time         `json:"last_ack_at,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	Attention         *AttentionResponse `json:"attention,omitempty"`
}

// ListThreadsResponse is the response body for listing threads.
type ListThreadsResponse struct {
	Threads []ThreadResponse `json:"threads"`
	Total   int              `json:"total"`
}

// CreateThreadRequest is the request body for creating a thread.
type CreateThreadRequest struct {
	Scope       string `json:"scope"`
	ProjectID   string `json:"project_id,omitempty"`
	WorkOrderID string `json:"workorder_id,omitempty"`
}

// PatchThreadRequest is the request body for updating a thread. Absent
// fields are unchanged.
type PatchThreadRequest struct {
	Name         *string        `json:"name,omitempty"`
	Access       *policy.Access `json:"access,omitempty"`
	ContextDepth *string        `json:"context_depth,omitempty"`
	Archived     *bool          `json:"archived,omitempty"`
}

// MessageResponse is the response body for a single message.
type MessageResponse struct {
	ID             int64           `json:"id"`
	ThreadID       string          `json:"thread_id"`
	Seq            int             `json:"seq"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Actions        json.RawMessage `json:"actions,omitempty"`
	NeedsUserInput bool            `json:"needs_user_input"`
	RunID          *int64          `json:"run_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// PendingSendResponse is the response body for a parked message.
type PendingSendResponse struct {
	ID              string        `json:"id"`
	ThreadID        string        `json:"thread_id"`
	Content         string        `json:"content"`
	ContextDepth    string        `json:"context_depth"`
	Access          policy.Access `json:"access"`
	RequiresWrite   bool          `json:"requires_write"`
	RequiresNetwork bool          `json:"requires_network"`
	Status          string        `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
}

// LedgerEntryResponse is the response body for an applied action.
type LedgerEntryResponse struct {
	ID          int64           `json:"id"`
	ThreadID    string          `json:"thread_id"`
	RunID       *int64          `json:"run_id,omitempty"`
	MessageID   *int64          `json:"message_id,omitempty"`
	ActionIndex int             `json:"action_index"`
	ActionType  string          `json:"action_type"`
	Payload     json.RawMessage `json:"payload"`
	AppliedAt   time.Time       `json:"applied_at"`
	UndoneAt    *time.Time      `json:"undone_at,omitempty"`
	UndoReason  string          `json:"undo_reason,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ThreadDetailResponse is the response body for full thread detail.
type ThreadDetailResponse struct {
	Thread       ThreadResponse        `json:"thread"`
	Messages     []MessageResponse     `json:"messages"`
	PendingSends []PendingSendResponse `json:"pending_sends"`
	Ledger       []LedgerEntryResponse `json:"ledger"`
}

// Confirmations carries the explicit user grants of a submission.
type Confirmations struct {
	Write            bool `json:"write,omitempty"`
	NetworkAllowlist bool `json:"network_allowlist,omitempty"`
}

// PostMessageRequest is the request body for submitting a message.
type PostMessageRequest struct {
	Content       string        `json:"content"`
	ContextDepth  string        `json:"context_depth"`
	Access        policy.Access `json:"access"`
	Confirmations Confirmations `json:"confirmations"`
	Model         string        `json:"model,omitempty"`
}

// PostMessageResponse is the response body for an enqueued submission.
type PostMessageResponse struct {
	Run              RunResponse     `json:"run"`
	Message          MessageResponse `json:"message"`
	ResolvedPendings int             `json:"resolved_pendings"`
}

// PendingApprovalResponse is the 409 body for a parked submission.
type PendingApprovalResponse struct {
	PendingSendID string        `json:"pending_send_id"`
	Requires      gate.Requires `json:"requires"`
}

// SuggestRequest is the request body for a suggestion.
type SuggestRequest struct {
	Message string `json:"message"`
}

// RunResponse is the response body for a single run.
type RunResponse struct {
	ID                 int64         `json:"id"`
	ThreadID           string        `json:"thread_id"`
	UserMessageID      int64         `json:"user_message_id"`
	AssistantMessageID *int64        `json:"assistant_message_id,omitempty"`
	Status             string        `json:"status"`
	Model              string        `json:"model,omitempty"`
	Cwd                string        `json:"cwd,omitempty"`
	ContextDepth       string        `json:"context_depth"`
	Access             policy.Access `json:"access"`
	Error              string        `json:"error,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	FinishedAt         *time.Time    `json:"finished_at,omitempty"`
}

// CommandResponse is the response body for one audited command.
type CommandResponse struct {
	Seq       int       `json:"seq"`
	Cwd       string    `json:"cwd,omitempty"`
	Command   string    `json:"command"`
	CreatedAt time.Time `json:"created_at"`
}

// RunDetailResponse is the response body for run detail.
type RunDetailResponse struct {
	Run      RunResponse       `json:"run"`
	Commands []CommandResponse `json:"commands"`
	LogTail  string            `json:"log_tail,omitempty"`
}

// WorktreeDiffResponse is the response body for a pending diff.
type WorktreeDiffResponse struct {
	Diff string `json:"diff"`
}

// ApplyActionRequest is the request body for applying a proposed action.
type ApplyActionRequest struct {
	ThreadID    string         `json:"thread_id"`
	RunID       *int64         `json:"run_id,omitempty"`
	MessageID   *int64         `json:"message_id,omitempty"`
	ActionIndex int            `json:"action_index"`
	Action      actions.Action `json:"action"`
}

// UndoActionRequest is the request body for undoing a ledger entry.
type UndoActionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// === Threads ===

// attentionTail bounds how far back the attention derivation scans for
// the latest assistant message.
const attentionTail = 20

// ListThreads returns all threads with their attention summary.
// GET /chat/threads?include_archived=1
func (h *Handler) ListThreads(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("include_archived") == "1"
	threads, err := h.db.Threads().List(includeArchived)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal", "Failed to list threads", err.Error())
		return
	}

	resp := ListThreadsResponse{Threads: make([]ThreadResponse, 0, len(threads)), Total: len(threads)}
	for _, t := range threads {
		attention := h.attention(t)
		resp.Threads = append(resp.Threads, threadToResponse(t, &attention))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// CreateThread ensures the thread for a scope descriptor.
// POST /chat/threads
func (h *Handler) CreateThread(w http.ResponseWriter, r *http.Request) {
	var req CreateThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	thread, err := h.db.Threads().Ensure(store.Scope(req.Scope), req.ProjectID, req.WorkOrderID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}
	h.writeJSON(w, http.StatusCreated, threadToResponse(thread, nil))
}

// GetThread returns full thread detail: messages, pending sends, ledger.
// GET /chat/threads/{id}
func (h *Handler) GetThread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	thread, err := h.db.Threads().Get(id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	messages, err := h.db.Messages().List(id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal", "Failed to list messages", err.Error())
		return
	}
	pendings, err := h.db.PendingSends().ListOpen(id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal", "Failed to list pending sends", err.Error())
		return
	}
	ledger, err := h.db.Ledger().ListByThread(id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal", "Failed to list ledger", err.Error())
		return
	}

	attention := h.attention(thread)
	resp := ThreadDetailResponse{
		Thread:       threadToResponse(thread, &attention),
		Messages:     make([]MessageResponse, 0, len(messages)),
		PendingSends: make([]PendingSendResponse, 0, len(pendings)),
		Ledger:       make([]LedgerEntryResponse, 0, len(ledger)),
	}
	for _, m := range messages {
		resp.Messages = append(resp.Messages, messageToResponse(m))
	}
	for _, p := range pendings {
		resp.PendingSends = append(resp.PendingSends, pendingSendToResponse(p))
	}
	for _, e := range ledger {
		resp.Ledger = append(resp.Ledger, ledgerEntryToResponse(e))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// PatchThread renames, rescopes access, or archives a thread. Archiving
// removes the thread's worktree and branch first; a cleanup failure
// leaves the thread unarchived.
// PATCH /chat/threads/{id}
func (h *Handler) PatchThread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req PatchThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	thread, err := h.db.Threads().Get(id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	if req.Access != nil {
		if err := req.Access.Validate(h.trustedHosts); err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
			return
		}
	}

	if req.Archived != nil && *req.Archived && thread.WorktreePath != "" {
		if err := h.cleanupWorktree(thread); err != nil {
			h.writeError(w, http.StatusInternalServerError, "worktree_cleanup_failed", "Failed to remove worktree", err.Error())
			return
		}
	}

	patch := store.ThreadPatch{Name: req.Name, Access: req.Access, Archived: req.Archived}
	if req.ContextDepth != nil {
		depth := store.ContextDepth(*req.ContextDepth)
		patch.ContextDepth = &depth
	}
	updated, err := h.db.Threads().Patch(id, patch)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}

	if h.bus != nil {
		h.bus.ThreadUpdated(id, updated)
	}
	h.writeJSON(w, http.StatusOK, threadToResponse(updated, nil))
}

// AckThread marks the thread's latest activity as seen.
// POST /chat/threads/{id}/ack
func (h *Handler) AckThread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.db.Threads().Ack(id); err != nil {
		h.writeStoreError(w, err)
		return
	}
	if h.bus != nil {
		h.bus.AttentionUpdated(id, map[string]any{"acked": true})
	}
	w.WriteHeader(http.StatusNoContent)
}

// === Submission ===

// PostMessage submits a user message through the gate. A submission
// missing a required confirmation is parked and answered with 409.
// POST /chat/threads/{id}/messages
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	result, err := h.gate.Submit(gate.Submission{
		ThreadID:       id,
		Content:        req.Content,
		ContextDepth:   store.ContextDepth(req.ContextDepth),
		Access:         req.Access,
		ConfirmWrite:   req.Confirmations.Write,
		ConfirmNetwork: req.Confirmations.NetworkAllowlist,
		Model:          req.Model,
	})
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "not_found", err.Error(), "")
			return
		}
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}

	if !result.Enqueued() {
		h.writeJSON(w, http.StatusConflict, PendingApprovalResponse{
			PendingSendID: result.Pending.ID,
			Requires:      result.Requires,
		})
		return
	}

	if h.dispatch != nil {
		if err := h.dispatch(result.Run.ID); err != nil {
			log.ErrorErr(log.CatHTTP, "failed to dispatch run worker", err, "run", result.Run.ID)
		}
	}

	h.writeJSON(w, http.StatusCreated, PostMessageResponse{
		Run:              runToResponse(result.Run),
		Message:          messageToResponse(result.Message),
		ResolvedPendings: result.ResolvedPendings,
	})
}

// Suggest runs the suggestion advisor for a draft message.
// POST /chat/threads/{id}/suggestions
func (h *Handler) Suggest(w http.ResponseWriter, r *http.Request) {
	if h.advisor == nil {
		h.writeError(w, http.StatusServiceUnavailable, "advisor_unavailable", "Suggestion advisor is not configured", "")
		return
	}

	id := r.PathValue("id")
	var req SuggestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if req.Message == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "message is required", "")
		return
	}

	suggestion, err := h.advisor.Suggest(r.Context(), id, req.Message)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "not_found", err.Error(), "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "suggest_failed", "Failed to produce a suggestion", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, suggestion)
}

// CancelPendingSend cancels a parked submission.
// POST /chat/threads/{id}/pending-sends/{pid}/cancel
func (h *Handler) CancelPendingSend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pid := r.PathValue("pid")

	pending, err := h.db.PendingSends().Get(pid)
	if err != nil || pending.ThreadID != id {
		h.writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("pending send %s not found", pid), "")
		return
	}
	if err := h.gate.Cancel(pid); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// === Worktree ===

// WorktreeDiff returns the thread worktree's pending diff against its
// base branch.
// GET /chat/threads/{id}/worktree/diff
func (h *Handler) WorktreeDiff(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	thread, err := h.db.Threads().Get(id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if thread.WorktreePath == "" {
		h.writeError(w, http.StatusNotFound, "no_worktree", "Thread has no worktree", "")
		return
	}

	repoPath, err := h.repoPath(thread)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	base, err := git.NewRealExecutor(repoPath).BaseBranch()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal", "Failed to resolve base branch", err.Error())
		return
	}
	diff, err := h.worktrees.Diff(thread.WorktreePath, base)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal", "Failed to compute diff", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, WorktreeDiffResponse{Diff: diff})
}

// === Runs ===

// runLogTailDefault bounds the log tail attached to run detail.
const runLogTailDefault = 16 * 1024

// GetRun returns run detail with its command audit and log tail.
// GET /chat/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "run id must be an integer", "")
		return
	}

	run, err := h.db.Runs().Get(id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	commands, err := h.db.Commands().List(id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal", "Failed to list commands", err.Error())
		return
	}

	resp := RunDetailResponse{Run: runToResponse(run), Commands: make([]CommandResponse, 0, len(commands))}
	for _, c := range commands {
		resp.Commands = append(resp.Commands, CommandResponse{
			Seq: c.Seq, Cwd: c.Cwd, Command: c.Command, CreatedAt: c.CreatedAt,
		})
	}
	if run.LogPath != "" {
		resp.LogTail = readTail(run.LogPath, runLogTailDefault)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetRunLog returns the trailing bytes of a run's log as plain text.
// GET /chat/runs/{id}/log?tail=N
func (h *Handler) GetRunLog(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "run id must be an integer", "")
		return
	}
	run, err := h.db.Runs().Get(id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if run.LogPath == "" {
		h.writeError(w, http.StatusNotFound, "no_log", "Run has no log yet", "")
		return
	}

	tail := int64(runLogTailDefault)
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "validation_error", "tail must be a positive integer", "")
			return
		}
		tail = n
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, readTail(run.LogPath, tail))
}

// === Actions ===

// ApplyAction records a proposed action in the ledger and performs it.
// POST /chat/actions/apply
func (h *Handler) ApplyAction(w http.ResponseWriter, r *http.Request) {
	var req ApplyActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if req.ThreadID == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "thread_id is required", "")
		return
	}

	entry, err := h.applier.Apply(actions.ApplyRequest{
		ThreadID:    req.ThreadID,
		RunID:       req.RunID,
		MessageID:   req.MessageID,
		ActionIndex: req.ActionIndex,
		Action:      req.Action,
	})
	if err != nil {
		// An entry alongside the error means the ledger committed but the
		// post-commit side effect failed.
		if entry == nil {
			if isNotFound(err) {
				h.writeError(w, http.StatusNotFound, "not_found", err.Error(), "")
				return
			}
			h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
			return
		}
		var conflict *worktree.MergeConflictError
		if errors.As(err, &conflict) {
			h.writeError(w, http.StatusConflict, "worktree_conflict", err.Error(), "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "side_effect_failed", err.Error(), "")
		return
	}
	h.writeJSON(w, http.StatusOK, ledgerEntryToResponse(entry))
}

// UndoAction reverses a ledger entry.
// POST /chat/actions/{id}/undo
func (h *Handler) UndoAction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "ledger id must be an integer", "")
		return
	}

	var req UndoActionRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
			return
		}
	}

	entry, err := h.applier.Undo(id, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, actions.ErrNotUndoable):
			h.writeError(w, http.StatusConflict, "not_undoable", err.Error(), "")
		case isNotFound(err):
			h.writeError(w, http.StatusNotFound, "not_found", err.Error(), "")
		default:
			h.writeError(w, http.StatusBadRequest, "undo_failed", err.Error(), "")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, ledgerEntryToResponse(entry))
}

// === Event streaming ===

// Stream forwards bus events over SSE, optionally filtered by thread.
// GET /chat/stream?thread_id=
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported", "")
		return
	}

	events := h.bus.Subscribe(r.Context(), r.URL.Query().Get("thread_id"))

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.ErrorErr(log.CatHTTP, "failed to marshal event", err, "type", string(ev.Type))
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

// === Health ===

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// Health reports server liveness.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Connection().Ping(); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy"})
		return
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// === Helpers ===

// attention derives whether a thread needs human action: the latest
// assistant message asked for input, the worktree holds pending changes,
// or a pending send is open. Activity older than the last ack does not
// count.
func (h *Handler) attention(t *store.Thread) AttentionResponse {
	var reasons []string
	var newest time.Time

	tail, err := h.db.Messages().Tail(t.ID, attentionTail)
	if err != nil {
		log.ErrorErr(log.CatHTTP, "failed to read message tail", err, "thread", t.ID)
	}
	for i := len(tail) - 1; i >= 0; i-- {
		if tail[i].Role != store.RoleAssistant {
			continue
		}
		if tail[i].NeedsUserInput {
			reasons = append(reasons, "needs_user_input")
			newest = laterOf(newest, tail[i].CreatedAt)
		}
		break
	}

	if t.HasPendingChanges {
		reasons = append(reasons, "pending_changes")
		newest = laterOf(newest, t.UpdatedAt)
	}

	open, err := h.db.PendingSends().ListOpen(t.ID)
	if err != nil {
		log.ErrorErr(log.CatHTTP, "failed to list pending sends", err, "thread", t.ID)
	}
	if len(open) > 0 {
		reasons = append(reasons, "pending_sends")
		newest = laterOf(newest, open[len(open)-1].CreatedAt)
	}

	needs := len(reasons) > 0 && (t.LastAckAt == nil || newest.After(*t.LastAckAt))
	if !needs {
		reasons = nil
	}
	return AttentionResponse{NeedsAttention: needs, Reasons: reasons, OpenPendingSends: len(open)}
}

// cleanupWorktree removes a thread's worktree pair and clears the
// thread's worktree columns.
func (h *Handler) cleanupWorktree(t *store.Thread) error {
	repoPath, err := h.repoPath(t)
	if err != nil {
		return err
	}
	branch := paths.WorktreeBranch(t.ID)
	if err := h.worktrees.Cleanup(repoPath, t.ID, t.WorktreePath, branch); err != nil {
		return err
	}
	if err := h.db.Threads().SetWorktree(t.ID, ""); err != nil {
		return err
	}
	return h.db.Threads().SetPendingChanges(t.ID, false)
}

// repoPath resolves the repository a thread's scope is rooted at.
func (h *Handler) repoPath(t *store.Thread) (string, error) {
	switch t.Scope {
	case store.ScopeProject:
		project, err := h.db.Projects().Get(t.ProjectID)
		if err != nil {
			return "", err
		}
		return project.Path, nil
	case store.ScopeWorkOrder:
		wo, err := h.db.WorkOrders().Get(t.WorkOrderID)
		if err != nil {
			return "", err
		}
		project, err := h.db.Projects().Get(wo.ProjectID)
		if err != nil {
			return "", err
		}
		return project.Path, nil
	default:
		return h.portfolio.Root(), nil
	}
}

func threadToResponse(t *store.Thread, attention *AttentionResponse) ThreadResponse {
	return ThreadResponse{
		ID:                t.ID,
		Scope:             string(t.Scope),
		ProjectID:         t.ProjectID,
		WorkOrderID:       t.WorkOrderID,
		Name:              t.Name,
		Summary:           t.Summary,
		SummarizedCount:   t.SummarizedCount,
		Access:            t.Access,
		ContextDepth:      string(t.ContextDepth),
		Archived:          t.Archived,
		WorktreePath:      t.WorktreePath,
		HasPendingChanges: t.HasPendingChanges,
		LastAckAt:         t.LastAckAt,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
		Attention:         attention,
	}
}

func messageToResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:             m.ID,
		ThreadID:       m.ThreadID,
		Seq:            m.Seq,
		Role:           string(m.Role),
		Content:        m.Content,
		Actions:        m.Actions,
		NeedsUserInput: m.NeedsUserInput,
		RunID:          m.RunID,
		CreatedAt:      m.CreatedAt,
	}
}

func runToResponse(r *store.Run) RunResponse {
	return RunResponse{
		ID:                 r.ID,
		ThreadID:           r.ThreadID,
		UserMessageID:      r.UserMessageID,
		AssistantMessageID: r.AssistantMessageID,
		Status:             string(r.Status),
		Model:              r.Model,
		Cwd:                r.Cwd,
		ContextDepth:       string(r.ContextDepth),
		Access:             r.Access,
		Error:              r.Error,
		CreatedAt:          r.CreatedAt,
		StartedAt:          r.StartedAt,
		FinishedAt:         r.FinishedAt,
	}
}

func pendingSendToResponse(p *store.PendingSend) PendingSendResponse {
	return PendingSendResponse{
		ID:              p.ID,
		ThreadID:        p.ThreadID,
		Content:         p.Content,
		ContextDepth:    string(p.ContextDepth),
		Access:          p.Access,
		RequiresWrite:   p.RequiresWrite,
		RequiresNetwork: p.RequiresNetwork,
		Status:          string(p.Status),
		CreatedAt:       p.CreatedAt,
	}
}

func ledgerEntryToResponse(e *store.LedgerEntry) LedgerEntryResponse {
	return LedgerEntryResponse{
		ID:          e.ID,
		ThreadID:    e.ThreadID,
		RunID:       e.RunID,
		MessageID:   e.MessageID,
		ActionIndex: e.ActionIndex,
		ActionType:  e.ActionType,
		Payload:     e.Payload,
		AppliedAt:   e.AppliedAt,
		UndoneAt:    e.UndoneAt,
		UndoReason:  e.UndoReason,
		Error:       e.Error,
	}
}

// isNotFound reports whether err is any of the store's not-found kinds.
func isNotFound(err error) bool {
	var thread *store.ThreadNotFoundError
	var run *store.RunNotFoundError
	var pending *store.PendingSendNotFoundError
	var ledger *store.LedgerEntryNotFoundError
	var project *store.ProjectNotFoundError
	var workOrder *store.WorkOrderNotFoundError
	return errors.As(err, &thread) || errors.As(err, &run) || errors.As(err, &pending) ||
		errors.As(err, &ledger) || errors.As(err, &project) || errors.As(err, &workOrder)
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	if isNotFound(err) {
		h.writeError(w, http.StatusNotFound, "not_found", err.Error(), "")
		return
	}
	h.writeError(w, http.StatusInternalServerError, "internal", "Internal error", err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatHTTP, "failed to encode JSON response", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// readTail returns up to n trailing bytes of a file, dropping a leading
// partial line. Empty on any read failure.
func readTail(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - n
	truncated := offset > 0
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	tail := string(data)
	if truncated {
		if idx := strings.IndexByte(tail, '\n'); idx >= 0 {
			tail = tail[idx+1:]
		}
	}
	return tail
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
