package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CommandStore persists the per-run audit of shell commands the agent
// attempted. Sequence numbers are contiguous from 1 in insertion order.
type CommandStore struct {
	db *sql.DB
}

// Insert appends a command, assigning the next sequence number for the
// run inside a single statement.
func (s *CommandStore) Insert(runID int64, cwd, command string) (*Command, error) {
	result, err := s.db.Exec(
		`INSERT INTO run_commands (run_id, seq, cwd, command, created_at)
		 SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?
		 FROM run_commands WHERE run_id = ?`,
		runID, cwd, command, time.Now().Unix(), runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert command: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}

	row := s.db.QueryRow(
		`SELECT id, run_id, seq, cwd, command, created_at FROM run_commands WHERE id = ?`, id,
	)
	var c Command
	var createdAt int64
	if err := row.Scan(&c.ID, &c.RunID, &c.Seq, &c.Cwd, &c.Command, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to read back command: %w", err)
	}
	c.CreatedAt = time.Unix(createdAt, 0)
	return &c, nil
}

// List retrieves a run's commands in sequence order.
func (s *CommandStore) List(runID int64) ([]*Command, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, seq, cwd, command, created_at FROM run_commands WHERE run_id = ? ORDER BY seq ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var commands []*Command
	for rows.Next() {
		var c Command
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.RunID, &c.Seq, &c.Cwd, &c.Command, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan command row: %w", err)
		}
		c.CreatedAt = time.Unix(createdAt, 0)
		commands = append(commands, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating command rows: %w", err)
	}
	return commands, nil
}
