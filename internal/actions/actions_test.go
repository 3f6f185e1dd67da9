package actions

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lemoz/project-control-center-sub001/internal/store"
)

func newTestApplier(t *testing.T, effects SideEffects) (*Applier, *store.DB) {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Threads().Ensure(store.ScopeGlobal, "", "")
	require.NoError(t, err)
	_, err = db.Projects().Upsert("proj-1", "Project One", "/repos/one")
	require.NoError(t, err)

	return NewApplier(db, nil, effects), db
}

func apply(t *testing.T, a *Applier, actionType string, payload string) *store.LedgerEntry {
	t.Helper()
	entry, err := a.Apply(ApplyRequest{
		ThreadID: "chat-global",
		Action:   Action{Type: actionType, Payload: json.RawMessage(payload)},
	})
	require.NoError(t, err)
	return entry
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name       string
		actionType string
		payload    string
		ok         bool
	}{
		{"star valid", TypeProjectSetStar, `{"project_id":"p","starred":true}`, true},
		{"star missing field", TypeProjectSetStar, `{"project_id":"p"}`, false},
		{"star extra field", TypeProjectSetStar, `{"project_id":"p","starred":true,"x":1}`, false},
		{"success null", TypeProjectSetSuccess, `{"project_id":"p","success":null}`, true},
		{"success bool", TypeProjectSetSuccess, `{"project_id":"p","success":false}`, true},
		{"success string", TypeProjectSetSuccess, `{"project_id":"p","success":"yes"}`, false},
		{"wo create valid", TypeWorkOrderCreate, `{"project_id":"p","title":"T"}`, true},
		{"wo create empty title", TypeWorkOrderCreate, `{"project_id":"p","title":""}`, false},
		{"wo status valid", TypeWorkOrderSetStatus, `{"work_order_id":"w","status":"ready"}`, true},
		{"wo status unknown", TypeWorkOrderSetStatus, `{"work_order_id":"w","status":"paused"}`, false},
		{"rescan empty", TypeReposRescan, `{}`, true},
		{"rescan extra", TypeReposRescan, `{"force":true}`, false},
		{"merge empty", TypeWorktreeMerge, `{}`, true},
		{"merge with thread", TypeWorktreeMerge, `{"thread_id":"chat-wo-1"}`, true},
		{"unknown type", "project_delete", `{}`, false},
		{"invalid json", TypeReposRescan, `{`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.actionType, json.RawMessage(tt.payload))
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestValidateResponse(t *testing.T) {
	t.Run("valid with actions", func(t *testing.T) {
		raw := `{"reply":"done","needs_user_input":false,"actions":[
			{"type":"project_set_star","payload":{"project_id":"p","starred":true}}]}`
		require.NoError(t, ValidateResponse([]byte(raw)))
	})

	t.Run("missing reply", func(t *testing.T) {
		raw := `{"needs_user_input":false,"actions":[]}`
		require.Error(t, ValidateResponse([]byte(raw)))
	})

	t.Run("bad action payload", func(t *testing.T) {
		raw := `{"reply":"x","needs_user_input":false,"actions":[
			{"type":"project_set_star","payload":{"starred":true}}]}`
		require.Error(t, ValidateResponse([]byte(raw)))
	})

	t.Run("unknown action type rejected by enum", func(t *testing.T) {
		raw := `{"reply":"x","needs_user_input":false,"actions":[
			{"type":"project_delete","payload":{}}]}`
		require.Error(t, ValidateResponse([]byte(raw)))
	})
}

func TestTypesAndCatalog(t *testing.T) {
	types := Types()
	require.Len(t, types, 9)
	require.Contains(t, types, TypeWorktreeMerge)
	require.True(t, Known(TypeReposRescan))
	require.False(t, Known("nope"))

	catalog := Catalog()
	for _, typ := range types {
		require.Contains(t, catalog, typ)
	}
}

func TestApplyUndo_ProjectStar(t *testing.T) {
	a, db := newTestApplier(t, SideEffects{})

	entry := apply(t, a, TypeProjectSetStar, `{"project_id":"proj-1","starred":true}`)

	project, err := db.Projects().Get("proj-1")
	require.NoError(t, err)
	require.True(t, project.Starred)

	undone, err := a.Undo(entry.ID, "changed my mind")
	require.NoError(t, err)
	require.NotNil(t, undone.UndoneAt)
	require.Equal(t, "changed my mind", undone.UndoReason)

	project, err = db.Projects().Get("proj-1")
	require.NoError(t, err)
	require.False(t, project.Starred, "undo returns the project to its pre-apply state")
}

func TestApplyUndo_ProjectSuccessTriState(t *testing.T) {
	a, db := newTestApplier(t, SideEffects{})

	entry := apply(t, a, TypeProjectSetSuccess, `{"project_id":"proj-1","success":true}`)
	project, err := db.Projects().Get("proj-1")
	require.NoError(t, err)
	require.NotNil(t, project.Success)
	require.True(t, *project.Success)

	_, err = a.Undo(entry.ID, "revert")
	require.NoError(t, err)
	project, err = db.Projects().Get("proj-1")
	require.NoError(t, err)
	require.Nil(t, project.Success, "prior state was unset")
}

func TestApplyUndo_WorkOrderLifecycle(t *testing.T) {
	a, db := newTestApplier(t, SideEffects{})

	created := apply(t, a, TypeWorkOrderCreate, `{"project_id":"proj-1","title":"Ship it","description":"v1"}`)

	var undoRef struct {
		WorkOrderID string `json:"work_order_id"`
	}
	require.NoError(t, json.Unmarshal(created.UndoPayload, &undoRef))
	woID := undoRef.WorkOrderID

	wo, err := db.WorkOrders().Get(woID)
	require.NoError(t, err)
	require.Equal(t, "Ship it", wo.Title)
	require.Equal(t, "draft", wo.Status)

	updated := apply(t, a, TypeWorkOrderUpdate,
		fmt.Sprintf(`{"work_order_id":%q,"title":"Ship it twice"}`, woID))
	wo, err = db.WorkOrders().Get(woID)
	require.NoError(t, err)
	require.Equal(t, "Ship it twice", wo.Title)
	require.Equal(t, "v1", wo.Description, "unset fields stay unchanged on apply")

	_, err = a.Undo(updated.ID, "typo")
	require.NoError(t, err)
	wo, err = db.WorkOrders().Get(woID)
	require.NoError(t, err)
	require.Equal(t, "Ship it", wo.Title)

	statused := apply(t, a, TypeWorkOrderSetStatus,
		fmt.Sprintf(`{"work_order_id":%q,"status":"in_progress"}`, woID))
	_, err = a.Undo(statused.ID, "not yet")
	require.NoError(t, err)
	wo, err = db.WorkOrders().Get(woID)
	require.NoError(t, err)
	require.Equal(t, "draft", wo.Status)

	// Undoing the create cancels rather than deletes.
	_, err = a.Undo(created.ID, "never mind")
	require.NoError(t, err)
	wo, err = db.WorkOrders().Get(woID)
	require.NoError(t, err)
	require.Equal(t, "cancelled", wo.Status)
}

func TestApply_SideEffects(t *testing.T) {
	var rescans int
	var started []string
	var merged []string

	a, _ := newTestApplier(t, SideEffects{
		Rescan: func() error { rescans++; return nil },
		StartRun: func(workOrderID, message string) error {
			started = append(started, workOrderID+":"+message)
			return nil
		},
		MergeWorktree: func(threadID string) error {
			merged = append(merged, threadID)
			return nil
		},
	})

	apply(t, a, TypeReposRescan, `{}`)
	require.Equal(t, 1, rescans)

	apply(t, a, TypeWorkOrderStartRun, `{"work_order_id":"wo-9","message":"go"}`)
	require.Equal(t, []string{"wo-9:go"}, started)

	apply(t, a, TypeWorktreeMerge, `{}`)
	require.Equal(t, []string{"chat-global"}, merged, "thread id defaults to the request's thread")

	apply(t, a, TypeWorktreeMerge, `{"thread_id":"chat-wo-3"}`)
	require.Equal(t, []string{"chat-global", "chat-wo-3"}, merged)
}

func TestApply_SideEffectFailureRecordedOnEntry(t *testing.T) {
	a, db := newTestApplier(t, SideEffects{
		MergeWorktree: func(string) error { return errors.New("merge conflict in README.md") },
	})

	entry, err := a.Apply(ApplyRequest{
		ThreadID: "chat-global",
		Action:   Action{Type: TypeWorktreeMerge, Payload: json.RawMessage(`{}`)},
	})
	require.Error(t, err)
	require.NotNil(t, entry, "the ledger entry survives the failed side effect")

	stored, err := db.Ledger().Get(entry.ID)
	require.NoError(t, err)
	require.Contains(t, stored.Error, "merge conflict")
}

func TestUndo_SideEffectActionsRefused(t *testing.T) {
	a, _ := newTestApplier(t, SideEffects{
		Rescan: func() error { return nil },
	})

	entry := apply(t, a, TypeReposRescan, `{}`)
	_, err := a.Undo(entry.ID, "oops")
	require.ErrorIs(t, err, ErrNotUndoable)
}

func TestUndo_IsOneShot(t *testing.T) {
	a, _ := newTestApplier(t, SideEffects{})

	entry := apply(t, a, TypeProjectSetHidden, `{"project_id":"proj-1","hidden":true}`)
	_, err := a.Undo(entry.ID, "first")
	require.NoError(t, err)

	_, err = a.Undo(entry.ID, "second")
	var notFound *store.LedgerEntryNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestApply_RejectsInvalidPayload(t *testing.T) {
	a, _ := newTestApplier(t, SideEffects{})

	_, err := a.Apply(ApplyRequest{
		ThreadID: "chat-global",
		Action:   Action{Type: TypeProjectSetStar, Payload: json.RawMessage(`{"project_id":"proj-1"}`)},
	})
	require.Error(t, err)
}
