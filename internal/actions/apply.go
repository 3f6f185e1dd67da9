package actions

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lemoz/project-control-center-sub001/internal/bus"
	"github.com/lemoz/project-control-center-sub001/internal/log"
	"github.com/lemoz/project-control-center-sub001/internal/store"
)

// Action is one proposal from the assistant: a type tag plus its payload.
type Action struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ErrNotUndoable marks actions whose effects cannot be reversed from the
// ledger (started runs, merged worktrees).
var ErrNotUndoable = errors.New("action cannot be undone")

// SideEffects are the hooks for actions whose effect lives outside the
// database transaction. They run after the ledger entry commits; a hook
// failure is recorded on the entry and returned.
type SideEffects struct {
	// Rescan re-scans the portfolio for repositories.
	Rescan func() error

	// StartRun enqueues a user message on a work order's thread.
	StartRun func(workOrderID, message string) error

	// MergeWorktree folds a thread's worktree into its base branch.
	MergeWorktree func(threadID string) error
}

// ApplyRequest identifies which proposed action is being applied and
// where it came from.
type ApplyRequest struct {
	ThreadID    string
	RunID       *int64
	MessageID   *int64
	ActionIndex int
	Action      Action
}

// Applier executes apply and undo against the store.
type Applier struct {
	db      *store.DB
	bus     *bus.Bus
	effects SideEffects
}

// NewApplier creates an Applier. b may be nil.
func NewApplier(db *store.DB, b *bus.Bus, effects SideEffects) *Applier {
	return &Applier{db: db, bus: b, effects: effects}
}

// Apply validates the action, records it in the ledger, and performs its
// state mutation in the same transaction. Side effects outside the
// database run after commit; their failure is recorded on the entry and
// returned alongside it.
func (a *Applier) Apply(req ApplyRequest) (*store.LedgerEntry, error) {
	if err := ValidatePayload(req.Action.Type, req.Action.Payload); err != nil {
		return nil, err
	}

	undoPayload, mutate, effect, err := a.plan(req)
	if err != nil {
		return nil, err
	}

	entry, err := a.db.Ledger().Apply(store.NewLedgerEntry{
		ThreadID:    req.ThreadID,
		RunID:       req.RunID,
		MessageID:   req.MessageID,
		ActionIndex: req.ActionIndex,
		ActionType:  req.Action.Type,
		Payload:     req.Action.Payload,
		UndoPayload: undoPayload,
	}, mutate)
	if err != nil {
		return nil, err
	}

	log.Info(log.CatChat, "action applied",
		"thread", req.ThreadID,
		"ledger", entry.ID,
		"type", req.Action.Type,
	)
	if a.bus != nil {
		a.bus.ActionApplied(req.ThreadID, entry)
	}

	if effect != nil {
		if effectErr := effect(); effectErr != nil {
			if recErr := a.db.Ledger().RecordError(entry.ID, effectErr.Error()); recErr != nil {
				log.ErrorErr(log.CatChat, "failed to record ledger error", recErr, "ledger", entry.ID)
			}
			return entry, effectErr
		}
	}
	return entry, nil
}

// plan resolves an action into its undo payload, its transactional
// mutation, and its post-commit side effect. Reads for the undo payload
// happen here, before the transaction opens.
func (a *Applier) plan(req ApplyRequest) (json.RawMessage, func(tx *sql.Tx) error, func() error, error) {
	payload := req.Action.Payload

	switch req.Action.Type {
	case TypeProjectSetStar:
		var p struct {
			ProjectID string `json:"project_id"`
			Starred   bool   `json:"starred"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, nil, nil, err
		}
		project, err := a.db.Projects().Get(p.ProjectID)
		if err != nil {
			return nil, nil, nil, err
		}
		undo := mustJSON(map[string]any{"project_id": p.ProjectID, "starred": project.Starred})
		return undo, func(tx *sql.Tx) error {
			return a.db.Projects().SetStar(tx, p.ProjectID, p.Starred)
		}, nil, nil

	case TypeProjectSetHidden:
		var p struct {
			ProjectID string `json:"project_id"`
			Hidden    bool   `json:"hidden"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, nil, nil, err
		}
		project, err := a.db.Projects().Get(p.ProjectID)
		if err != nil {
			return nil, nil, nil, err
		}
		undo := mustJSON(map[string]any{"project_id": p.ProjectID, "hidden": project.Hidden})
		return undo, func(tx *sql.Tx) error {
			return a.db.Projects().SetHidden(tx, p.ProjectID, p.Hidden)
		}, nil, nil

	case TypeProjectSetSuccess:
		var p struct {
			ProjectID string `json:"project_id"`
			Success   *bool  `json:"success"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, nil, nil, err
		}
		project, err := a.db.Projects().Get(p.ProjectID)
		if err != nil {
			return nil, nil, nil, err
		}
		undo := mustJSON(map[string]any{"project_id": p.ProjectID, "success": project.Success})
		return undo, func(tx *sql.Tx) error {
			return a.db.Projects().SetSuccess(tx, p.ProjectID, p.Success)
		}, nil, nil

	case TypeWorkOrderCreate:
		var p struct {
			ProjectID   string `json:"project_id"`
			Title       string `json:"title"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, nil, nil, err
		}
		// The id is chosen up front so the undo payload can name it.
		id := uuid.NewString()
		undo := mustJSON(map[string]any{"work_order_id": id})
		return undo, func(tx *sql.Tx) error {
			return a.db.WorkOrders().CreateWithID(tx, id, p.ProjectID, p.Title, p.Description)
		}, nil, nil

	case TypeWorkOrderUpdate:
		var p struct {
			WorkOrderID string `json:"work_order_id"`
			Title       string `json:"title"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, nil, nil, err
		}
		wo, err := a.db.WorkOrders().Get(p.WorkOrderID)
		if err != nil {
			return nil, nil, nil, err
		}
		undo := mustJSON(map[string]any{
			"work_order_id": wo.ID,
			"title":         wo.Title,
			"description":   wo.Description,
		})
		return undo, func(tx *sql.Tx) error {
			return a.db.WorkOrders().Update(tx, p.WorkOrderID, p.Title, p.Description)
		}, nil, nil

	case TypeWorkOrderSetStatus:
		var p struct {
			WorkOrderID string `json:"work_order_id"`
			Status      string `json:"status"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, nil, nil, err
		}
		wo, err := a.db.WorkOrders().Get(p.WorkOrderID)
		if err != nil {
			return nil, nil, nil, err
		}
		undo := mustJSON(map[string]any{"work_order_id": wo.ID, "status": wo.Status})
		return undo, func(tx *sql.Tx) error {
			return a.db.WorkOrders().SetStatus(tx, p.WorkOrderID, p.Status)
		}, nil, nil

	case TypeReposRescan:
		return nil, nil, a.effects.Rescan, nil

	case TypeWorkOrderStartRun:
		var p struct {
			WorkOrderID string `json:"work_order_id"`
			Message     string `json:"message"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, nil, nil, err
		}
		if a.effects.StartRun == nil {
			return nil, nil, nil, fmt.Errorf("work_order_start_run is not wired")
		}
		return nil, nil, func() error {
			return a.effects.StartRun(p.WorkOrderID, p.Message)
		}, nil

	case TypeWorktreeMerge:
		var p struct {
			ThreadID string `json:"thread_id"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, nil, nil, err
		}
		threadID := p.ThreadID
		if threadID == "" {
			threadID = req.ThreadID
		}
		if a.effects.MergeWorktree == nil {
			return nil, nil, nil, fmt.Errorf("worktree_merge is not wired")
		}
		return nil, nil, func() error {
			return a.effects.MergeWorktree(threadID)
		}, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown action type %q", req.Action.Type)
	}
}

// Undo reverses a ledger entry's mutation from its undo payload and marks
// the entry undone. Side-effect actions cannot be reversed.
func (a *Applier) Undo(ledgerID int64, reason string) (*store.LedgerEntry, error) {
	entry, err := a.db.Ledger().Get(ledgerID)
	if err != nil {
		return nil, err
	}

	mutate, err := a.planUndo(entry)
	if err != nil {
		return nil, err
	}

	undone, err := a.db.Ledger().Undo(ledgerID, reason, mutate)
	if err != nil {
		return nil, err
	}

	log.Info(log.CatChat, "action undone",
		"thread", entry.ThreadID,
		"ledger", ledgerID,
		"type", entry.ActionType,
	)
	if a.bus != nil {
		a.bus.ActionUndone(entry.ThreadID, undone)
	}
	return undone, nil
}

func (a *Applier) planUndo(entry *store.LedgerEntry) (func(tx *sql.Tx) error, error) {
	undo := entry.UndoPayload

	switch entry.ActionType {
	case TypeProjectSetStar:
		var p struct {
			ProjectID string `json:"project_id"`
			Starred   bool   `json:"starred"`
		}
		if err := json.Unmarshal(undo, &p); err != nil {
			return nil, err
		}
		return func(tx *sql.Tx) error {
			return a.db.Projects().SetStar(tx, p.ProjectID, p.Starred)
		}, nil

	case TypeProjectSetHidden:
		var p struct {
			ProjectID string `json:"project_id"`
			Hidden    bool   `json:"hidden"`
		}
		if err := json.Unmarshal(undo, &p); err != nil {
			return nil, err
		}
		return func(tx *sql.Tx) error {
			return a.db.Projects().SetHidden(tx, p.ProjectID, p.Hidden)
		}, nil

	case TypeProjectSetSuccess:
		var p struct {
			ProjectID string `json:"project_id"`
			Success   *bool  `json:"success"`
		}
		if err := json.Unmarshal(undo, &p); err != nil {
			return nil, err
		}
		return func(tx *sql.Tx) error {
			return a.db.Projects().SetSuccess(tx, p.ProjectID, p.Success)
		}, nil

	case TypeWorkOrderCreate:
		// Undoing a create cancels the work order rather than deleting
		// it, keeping references from messages and runs intact.
		var p struct {
			WorkOrderID string `json:"work_order_id"`
		}
		if err := json.Unmarshal(undo, &p); err != nil {
			return nil, err
		}
		return func(tx *sql.Tx) error {
			return a.db.WorkOrders().SetStatus(tx, p.WorkOrderID, "cancelled")
		}, nil

	case TypeWorkOrderUpdate:
		var p struct {
			WorkOrderID string `json:"work_order_id"`
			Title       string `json:"title"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(undo, &p); err != nil {
			return nil, err
		}
		return func(tx *sql.Tx) error {
			return a.db.WorkOrders().Replace(tx, p.WorkOrderID, p.Title, p.Description)
		}, nil

	case TypeWorkOrderSetStatus:
		var p struct {
			WorkOrderID string `json:"work_order_id"`
			Status      string `json:"status"`
		}
		if err := json.Unmarshal(undo, &p); err != nil {
			return nil, err
		}
		return func(tx *sql.Tx) error {
			return a.db.WorkOrders().SetStatus(tx, p.WorkOrderID, p.Status)
		}, nil

	case TypeReposRescan, TypeWorkOrderStartRun, TypeWorktreeMerge:
		return nil, fmt.Errorf("%w: %s", ErrNotUndoable, entry.ActionType)

	default:
		return nil, fmt.Errorf("unknown action type %q", entry.ActionType)
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
