package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lemoz/project-control-center-sub001/internal/policy"
)

// pendingSendColumns is the list of columns to select for pending-send queries.
const pendingSendColumns = `id, thread_id, content, context_depth, fs_access, cli_access, net_access,
	net_allowlist, requires_write, requires_network, status, created_at, resolved_at`

// PendingSendStore persists user messages parked for confirmation.
type PendingSendStore struct {
	db *sql.DB
}

func scanPendingSend(scanner interface{ Scan(...any) error }) (*PendingSend, error) {
	var p PendingSend
	var allowlist string
	var reqWrite, reqNet int
	var createdAt int64
	var resolvedAt sql.NullInt64

	err := scanner.Scan(
		&p.ID, &p.ThreadID, &p.Content, &p.ContextDepth,
		&p.Access.Filesystem, &p.Access.CLI, &p.Access.Network, &allowlist,
		&reqWrite, &reqNet, &p.Status, &createdAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Access.NetworkAllowlist = decodeAllowlist(allowlist)
	p.RequiresWrite = reqWrite != 0
	p.RequiresNetwork = reqNet != 0
	p.CreatedAt = time.Unix(createdAt, 0)
	p.ResolvedAt = timeOrNil(resolvedAt)
	return &p, nil
}

// Create parks a user message awaiting the listed confirmations.
func (s *PendingSendStore) Create(threadID, content string, depth ContextDepth, access policy.Access, requiresWrite, requiresNetwork bool) (*PendingSend, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO pending_sends (id, thread_id, content, context_depth, fs_access, cli_access,
		 net_access, net_allowlist, requires_write, requires_network, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, threadID, content, string(depth),
		string(access.Filesystem), string(access.CLI), string(access.Network), encodeAllowlist(access.NetworkAllowlist),
		boolInt(requiresWrite), boolInt(requiresNetwork), time.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pending send: %w", err)
	}
	return s.Get(id)
}

// Get retrieves a pending send by id.
func (s *PendingSendStore) Get(id string) (*PendingSend, error) {
	row := s.db.QueryRow(`SELECT `+pendingSendColumns+` FROM pending_sends WHERE id = ?`, id)
	p, err := scanPendingSend(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &PendingSendNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending send: %w", err)
	}
	return p, nil
}

// ListOpen retrieves a thread's unresolved pending sends, oldest first.
func (s *PendingSendStore) ListOpen(threadID string) ([]*PendingSend, error) {
	rows, err := s.db.Query(
		`SELECT `+pendingSendColumns+` FROM pending_sends WHERE thread_id = ? AND status = 'pending' ORDER BY created_at ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending sends: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sends []*PendingSend
	for rows.Next() {
		p, err := scanPendingSend(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending send row: %w", err)
		}
		sends = append(sends, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending send rows: %w", err)
	}
	return sends, nil
}

// ResolveMatching marks every open pending send with the same key
// (thread, content, depth, access) as resolved. Returns the number of
// rows resolved. Called when a confirmed identical submission arrives.
func (s *PendingSendStore) ResolveMatching(threadID, content string, depth ContextDepth, access policy.Access) (int, error) {
	result, err := s.db.Exec(
		`UPDATE pending_sends SET status = 'resolved', resolved_at = ?
		 WHERE thread_id = ? AND content = ? AND context_depth = ?
		   AND fs_access = ? AND cli_access = ? AND net_access = ? AND net_allowlist = ?
		   AND status = 'pending'`,
		time.Now().Unix(), threadID, content, string(depth),
		string(access.Filesystem), string(access.CLI), string(access.Network), encodeAllowlist(access.NetworkAllowlist),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve pending sends: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// Cancel marks an open pending send as cancelled.
func (s *PendingSendStore) Cancel(id string) error {
	result, err := s.db.Exec(
		`UPDATE pending_sends SET status = 'cancelled', resolved_at = ? WHERE id = ? AND status = 'pending'`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel pending send: %w", err)
	}
	return requireRow(result, &PendingSendNotFoundError{ID: id})
}
