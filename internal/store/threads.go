package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lemoz/project-control-center-sub001/internal/policy"
)

// threadColumns is the list of columns to select for thread queries.
const threadColumns = `id, scope, project_id, workorder_id, name, summary, summarized_count,
	fs_access, cli_access, net_access, net_allowlist, context_depth, archived,
	worktree_path, has_pending_changes, last_ack_at, created_at, updated_at`

// ThreadStore persists threads.
type ThreadStore struct {
	db *sql.DB
}

func scanThread(scanner interface{ Scan(...any) error }) (*Thread, error) {
	var t Thread
	var projectID, workOrderID, worktreePath sql.NullString
	var allowlist string
	var archived, pending int
	var lastAck sql.NullInt64
	var createdAt, updatedAt int64

	err := scanner.Scan(
		&t.ID, &t.Scope, &projectID, &workOrderID, &t.Name, &t.Summary, &t.SummarizedCount,
		&t.Access.Filesystem, &t.Access.CLI, &t.Access.Network, &allowlist, &t.ContextDepth, &archived,
		&worktreePath, &pending, &lastAck, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.ProjectID = strOrEmpty(projectID)
	t.WorkOrderID = strOrEmpty(workOrderID)
	t.WorktreePath = strOrEmpty(worktreePath)
	t.Access.NetworkAllowlist = decodeAllowlist(allowlist)
	t.Archived = archived != 0
	t.HasPendingChanges = pending != 0
	t.LastAckAt = timeOrNil(lastAck)
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return &t, nil
}

// Ensure upserts the thread for a scope descriptor and returns it. An
// existing row is returned unchanged.
func (s *ThreadStore) Ensure(scope Scope, projectID, workOrderID string) (*Thread, error) {
	id, err := ThreadID(scope, projectID, workOrderID)
	if err != nil {
		return nil, err
	}

	existing, err := s.Get(id)
	if err == nil {
		return existing, nil
	}
	var notFound *ThreadNotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}

	now := time.Now().Unix()
	access := policy.DefaultAccess()
	_, err = s.db.Exec(
		`INSERT INTO threads (id, scope, project_id, workorder_id, fs_access, cli_access, net_access, net_allowlist, context_depth, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, string(scope), nullStr(projectID), nullStr(workOrderID),
		string(access.Filesystem), string(access.CLI), string(access.Network), encodeAllowlist(access.NetworkAllowlist),
		string(DepthMessages), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert thread: %w", err)
	}
	return s.Get(id)
}

// Get retrieves a thread by id.
func (s *ThreadStore) Get(id string) (*Thread, error) {
	row := s.db.QueryRow(`SELECT `+threadColumns+` FROM threads WHERE id = ?`, id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ThreadNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return t, nil
}

// List retrieves all threads, optionally including archived ones, newest
// first.
func (s *ThreadStore) List(includeArchived bool) ([]*Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var threads []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread row: %w", err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating thread rows: %w", err)
	}
	return threads, nil
}

// ThreadPatch carries the mutable thread fields; nil means unchanged.
type ThreadPatch struct {
	Name         *string
	Access       *policy.Access
	ContextDepth *ContextDepth
	Archived     *bool
}

// Patch applies a partial update and returns the updated thread.
func (s *ThreadStore) Patch(id string, patch ThreadPatch) (*Thread, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		t.Name = *patch.Name
	}
	if patch.Access != nil {
		t.Access = *patch.Access
	}
	if patch.ContextDepth != nil {
		if !ValidDepth(*patch.ContextDepth) {
			return nil, fmt.Errorf("unknown context depth %q", *patch.ContextDepth)
		}
		t.ContextDepth = *patch.ContextDepth
	}
	if patch.Archived != nil {
		t.Archived = *patch.Archived
	}

	_, err = s.db.Exec(
		`UPDATE threads SET name = ?, fs_access = ?, cli_access = ?, net_access = ?, net_allowlist = ?,
		 context_depth = ?, archived = ?, updated_at = ? WHERE id = ?`,
		t.Name, string(t.Access.Filesystem), string(t.Access.CLI), string(t.Access.Network),
		encodeAllowlist(t.Access.NetworkAllowlist), string(t.ContextDepth), boolInt(t.Archived),
		time.Now().Unix(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to patch thread: %w", err)
	}
	return s.Get(id)
}

// SetSummary replaces the rolling summary and advances summarized_count.
func (s *ThreadStore) SetSummary(id, summary string, summarizedCount int) error {
	result, err := s.db.Exec(
		`UPDATE threads SET summary = ?, summarized_count = ?, updated_at = ? WHERE id = ?`,
		summary, summarizedCount, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update summary: %w", err)
	}
	return requireRow(result, &ThreadNotFoundError{ID: id})
}

// SetWorktree records the worktree path owned by the thread; empty clears it.
func (s *ThreadStore) SetWorktree(id, path string) error {
	result, err := s.db.Exec(
		`UPDATE threads SET worktree_path = ?, updated_at = ? WHERE id = ?`,
		nullStr(path), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set worktree path: %w", err)
	}
	return requireRow(result, &ThreadNotFoundError{ID: id})
}

// SetPendingChanges records whether the thread's worktree holds
// uncommitted edits.
func (s *ThreadStore) SetPendingChanges(id string, pending bool) error {
	result, err := s.db.Exec(
		`UPDATE threads SET has_pending_changes = ?, updated_at = ? WHERE id = ?`,
		boolInt(pending), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set pending changes: %w", err)
	}
	return requireRow(result, &ThreadNotFoundError{ID: id})
}

// Ack records that the user has seen the thread's latest activity.
func (s *ThreadStore) Ack(id string) error {
	result, err := s.db.Exec(
		`UPDATE threads SET last_ack_at = ? WHERE id = ?`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to ack thread: %w", err)
	}
	return requireRow(result, &ThreadNotFoundError{ID: id})
}

func requireRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
