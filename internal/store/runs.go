package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lemoz/project-control-center-sub001/internal/policy"
)

// runColumns is the list of columns to select for run queries.
const runColumns = `id, thread_id, user_message_id, assistant_message_id, status, model, cli_path,
	cwd, log_path, context_depth, fs_access, cli_access, net_access, net_allowlist, error,
	created_at, started_at, finished_at`

// RunStore persists runs and owns the claim primitive that enforces the
// at-most-one-running-per-thread invariant.
type RunStore struct {
	db *sql.DB
}

func scanRun(scanner interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	var assistantID sql.NullInt64
	var allowlist string
	var runErr sql.NullString
	var createdAt int64
	var startedAt, finishedAt sql.NullInt64

	err := scanner.Scan(
		&r.ID, &r.ThreadID, &r.UserMessageID, &assistantID, &r.Status, &r.Model, &r.CLIPath,
		&r.Cwd, &r.LogPath, &r.ContextDepth,
		&r.Access.Filesystem, &r.Access.CLI, &r.Access.Network, &allowlist, &runErr,
		&createdAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	r.AssistantMessageID = intOrNil(assistantID)
	r.Access.NetworkAllowlist = decodeAllowlist(allowlist)
	r.Error = strOrEmpty(runErr)
	r.CreatedAt = time.Unix(createdAt, 0)
	r.StartedAt = timeOrNil(startedAt)
	r.FinishedAt = timeOrNil(finishedAt)
	return &r, nil
}

// NewRun carries the fields for run creation. Runs always start queued.
// Access is snapshotted onto the run so later thread edits cannot widen a
// queued run's permissions.
type NewRun struct {
	ThreadID      string
	UserMessageID int64
	Model         string
	CLIPath       string
	Cwd           string
	ContextDepth  ContextDepth
	Access        policy.Access
}

// Create inserts a run with status=queued and returns it.
func (s *RunStore) Create(n NewRun) (*Run, error) {
	result, err := s.db.Exec(
		`INSERT INTO runs (thread_id, user_message_id, status, model, cli_path, cwd, context_depth,
		 fs_access, cli_access, net_access, net_allowlist, created_at)
		 VALUES (?, ?, 'queued', ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ThreadID, n.UserMessageID, n.Model, n.CLIPath, n.Cwd, string(n.ContextDepth),
		string(n.Access.Filesystem), string(n.Access.CLI), string(n.Access.Network), encodeAllowlist(n.Access.NetworkAllowlist),
		time.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return s.Get(id)
}

// Get retrieves a run by id.
func (s *RunStore) Get(id int64) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &RunNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

// Claim atomically promotes a specific queued run of a thread to running.
// Both conditions are evaluated inside one UPDATE so concurrent workers
// cannot both win: the run must be the oldest queued run of the thread,
// and no other run of the thread may be running.
func (s *RunStore) Claim(runID int64) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE runs SET status = 'running', started_at = ?
		 WHERE id = ?
		   AND status = 'queued'
		   AND id = (SELECT MIN(id) FROM runs r2 WHERE r2.thread_id = runs.thread_id AND r2.status = 'queued')
		   AND NOT EXISTS (SELECT 1 FROM runs r3 WHERE r3.thread_id = runs.thread_id AND r3.status = 'running')`,
		time.Now().Unix(), runID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// NextQueuedID returns the id of the oldest queued run for a thread, or
// 0 when none exists.
func (s *RunStore) NextQueuedID(threadID string) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MIN(id) FROM runs WHERE thread_id = ? AND status = 'queued'`,
		threadID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to peek queued run: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// MarkDone transitions a running run to done, recording the assistant
// message produced by the turn.
func (s *RunStore) MarkDone(id, assistantMessageID int64) error {
	result, err := s.db.Exec(
		`UPDATE runs SET status = 'done', assistant_message_id = ?, finished_at = ?
		 WHERE id = ? AND status = 'running'`,
		assistantMessageID, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark run done: %w", err)
	}
	return requireRow(result, &RunNotFoundError{ID: id})
}

// MarkFailed transitions a run to failed with the given reason.
func (s *RunStore) MarkFailed(id int64, reason string) error {
	result, err := s.db.Exec(
		`UPDATE runs SET status = 'failed', error = ?, finished_at = ?
		 WHERE id = ? AND status IN ('queued', 'running')`,
		reason, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark run failed: %w", err)
	}
	return requireRow(result, &RunNotFoundError{ID: id})
}

// SetCwd updates the run's working directory after worktree resolution.
func (s *RunStore) SetCwd(id int64, cwd string) error {
	result, err := s.db.Exec(`UPDATE runs SET cwd = ? WHERE id = ?`, cwd, id)
	if err != nil {
		return fmt.Errorf("failed to set run cwd: %w", err)
	}
	return requireRow(result, &RunNotFoundError{ID: id})
}

// SetLogPath records the run's log file location.
func (s *RunStore) SetLogPath(id int64, logPath string) error {
	result, err := s.db.Exec(`UPDATE runs SET log_path = ? WHERE id = ?`, logPath, id)
	if err != nil {
		return fmt.Errorf("failed to set run log path: %w", err)
	}
	return requireRow(result, &RunNotFoundError{ID: id})
}

// FailAllRunning marks every running run as failed with the given reason.
// Returns the affected run ids. Used by restart recovery. Each UPDATE is
// guarded on id and status, so a run claimed after the snapshot is never
// failed behind the caller's back and the returned ids are exactly the
// rows changed.
func (s *RunStore) FailAllRunning(reason string) ([]int64, error) {
	rows, err := s.db.Query(`SELECT id FROM runs WHERE status = 'running'`)
	if err != nil {
		return nil, fmt.Errorf("failed to list running runs: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}
	_ = rows.Close()

	now := time.Now().Unix()
	var failed []int64
	for _, id := range ids {
		result, err := s.db.Exec(
			`UPDATE runs SET status = 'failed', error = ?, finished_at = ?
			 WHERE id = ? AND status = 'running'`,
			reason, now, id,
		)
		if err != nil {
			return failed, fmt.Errorf("failed to fail run %d: %w", id, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return failed, fmt.Errorf("failed to read affected rows: %w", err)
		}
		if affected == 1 {
			failed = append(failed, id)
		}
	}
	return failed, nil
}

// ListByThread retrieves a thread's runs, newest first, optionally
// filtered by status.
func (s *RunStore) ListByThread(threadID string, statuses ...RunStatus) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE thread_id = ?`
	args := []any{threadID}
	if len(statuses) > 0 {
		query += ` AND status IN (`
		for i, st := range statuses {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, string(st))
		}
		query += `)`
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}
	return runs, nil
}
