package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// messageColumns is the list of columns to select for message queries.
const messageColumns = `id, thread_id, seq, role, content, actions, needs_user_input, run_id, created_at`

// MessageStore persists messages. Messages are insertion-only and carry a
// per-thread monotonically increasing sequence number.
type MessageStore struct {
	db *sql.DB
}

func scanMessage(scanner interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var actions sql.NullString
	var needsInput int
	var runID sql.NullInt64
	var createdAt int64

	err := scanner.Scan(&m.ID, &m.ThreadID, &m.Seq, &m.Role, &m.Content, &actions, &needsInput, &runID, &createdAt)
	if err != nil {
		return nil, err
	}
	if actions.Valid && actions.String != "" {
		m.Actions = json.RawMessage(actions.String)
	}
	m.NeedsUserInput = needsInput != 0
	m.RunID = intOrNil(runID)
	m.CreatedAt = time.Unix(createdAt, 0)
	return &m, nil
}

// NewMessage carries the fields for an insert.
type NewMessage struct {
	ThreadID       string
	Role           MessageRole
	Content        string
	Actions        json.RawMessage
	NeedsUserInput bool
	RunID          *int64
}

// Insert appends a message, assigning the next sequence number for the
// thread inside a single statement.
func (s *MessageStore) Insert(msg NewMessage) (*Message, error) {
	var actions sql.NullString
	if len(msg.Actions) > 0 {
		actions = sql.NullString{String: string(msg.Actions), Valid: true}
	}

	result, err := s.db.Exec(
		`INSERT INTO messages (thread_id, seq, role, content, actions, needs_user_input, run_id, created_at)
		 SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?
		 FROM messages WHERE thread_id = ?`,
		msg.ThreadID, string(msg.Role), msg.Content, actions, boolInt(msg.NeedsUserInput),
		nullInt(msg.RunID), time.Now().Unix(), msg.ThreadID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return s.Get(id)
}

// Get retrieves a message by id.
func (s *MessageStore) Get(id int64) (*Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get message %d: %w", id, err)
	}
	return m, nil
}

// List retrieves all messages of a thread in sequence order.
func (s *MessageStore) List(threadID string) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY seq ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return collectMessages(rows)
}

// Tail retrieves the last n messages of a thread in sequence order.
func (s *MessageStore) Tail(threadID string, n int) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`,
		threadID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to tail messages: %w", err)
	}
	return collectMessages(rows)
}

// Range retrieves messages with seq in [from, to] inclusive, in order.
// Used by the summarizer to read one chunk at a time.
func (s *MessageStore) Range(threadID string, from, to int) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? AND seq >= ? AND seq <= ? ORDER BY seq ASC`,
		threadID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read message range: %w", err)
	}
	return collectMessages(rows)
}

// Count returns the number of messages in a thread.
func (s *MessageStore) Count(threadID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE thread_id = ?`, threadID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	defer func() { _ = rows.Close() }()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}
