package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ledgerColumns is the list of columns to select for ledger queries.
const ledgerColumns = `id, thread_id, run_id, message_id, action_index, action_type, payload,
	applied_at, undo_payload, undone_at, undo_reason, error`

// LedgerStore persists the append-only record of applied actions.
// An apply is transactional: the ledger insert and the state mutation it
// records happen atomically or not at all.
type LedgerStore struct {
	db *sql.DB
}

func scanLedgerEntry(scanner interface{ Scan(...any) error }) (*LedgerEntry, error) {
	var e LedgerEntry
	var runID, messageID sql.NullInt64
	var payload string
	var undoPayload, undoReason, entryErr sql.NullString
	var appliedAt int64
	var undoneAt sql.NullInt64

	err := scanner.Scan(
		&e.ID, &e.ThreadID, &runID, &messageID, &e.ActionIndex, &e.ActionType, &payload,
		&appliedAt, &undoPayload, &undoneAt, &undoReason, &entryErr,
	)
	if err != nil {
		return nil, err
	}
	e.RunID = intOrNil(runID)
	e.MessageID = intOrNil(messageID)
	e.Payload = json.RawMessage(payload)
	e.AppliedAt = time.Unix(appliedAt, 0)
	if undoPayload.Valid && undoPayload.String != "" {
		e.UndoPayload = json.RawMessage(undoPayload.String)
	}
	e.UndoneAt = timeOrNil(undoneAt)
	e.UndoReason = strOrEmpty(undoReason)
	e.Error = strOrEmpty(entryErr)
	return &e, nil
}

// NewLedgerEntry carries the fields for an apply.
type NewLedgerEntry struct {
	ThreadID    string
	RunID       *int64
	MessageID   *int64
	ActionIndex int
	ActionType  string
	Payload     json.RawMessage
	UndoPayload json.RawMessage
}

// Apply inserts a ledger entry and runs mutate inside the same
// transaction. The mutation receives the transaction so the recorded
// state change and the record itself commit together.
func (s *LedgerStore) Apply(entry NewLedgerEntry, mutate func(tx *sql.Tx) error) (*LedgerEntry, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin apply transaction: %w", err)
	}

	var undoPayload sql.NullString
	if len(entry.UndoPayload) > 0 {
		undoPayload = sql.NullString{String: string(entry.UndoPayload), Valid: true}
	}

	result, err := tx.Exec(
		`INSERT INTO ledger (thread_id, run_id, message_id, action_index, action_type, payload, applied_at, undo_payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ThreadID, nullInt(entry.RunID), nullInt(entry.MessageID), entry.ActionIndex,
		entry.ActionType, string(entry.Payload), time.Now().Unix(), undoPayload,
	)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}

	if mutate != nil {
		if err := mutate(tx); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit apply transaction: %w", err)
	}
	return s.Get(id)
}

// Undo marks an entry undone and runs mutate inside the same transaction.
// The entry's payload and applied_at are never touched.
func (s *LedgerStore) Undo(id int64, reason string, mutate func(tx *sql.Tx) error) (*LedgerEntry, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin undo transaction: %w", err)
	}

	result, err := tx.Exec(
		`UPDATE ledger SET undone_at = ?, undo_reason = ? WHERE id = ? AND undone_at IS NULL`,
		time.Now().Unix(), reason, id,
	)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to mark ledger entry undone: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		_ = tx.Rollback()
		return nil, &LedgerEntryNotFoundError{ID: id}
	}

	if mutate != nil {
		if err := mutate(tx); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit undo transaction: %w", err)
	}
	return s.Get(id)
}

// RecordError stores the failure of a post-commit side effect on the
// entry. payload and applied_at stay untouched.
func (s *LedgerStore) RecordError(id int64, msg string) error {
	result, err := s.db.Exec(`UPDATE ledger SET error = ? WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("failed to record ledger error: %w", err)
	}
	return requireRow(result, &LedgerEntryNotFoundError{ID: id})
}

// Get retrieves a ledger entry by id.
func (s *LedgerStore) Get(id int64) (*LedgerEntry, error) {
	row := s.db.QueryRow(`SELECT `+ledgerColumns+` FROM ledger WHERE id = ?`, id)
	e, err := scanLedgerEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &LedgerEntryNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return e, nil
}

// ListByThread retrieves a thread's ledger entries, newest first.
func (s *LedgerStore) ListByThread(threadID string) ([]*LedgerEntry, error) {
	rows, err := s.db.Query(
		`SELECT `+ledgerColumns+` FROM ledger WHERE thread_id = ? ORDER BY id DESC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger rows: %w", err)
	}
	return entries, nil
}
