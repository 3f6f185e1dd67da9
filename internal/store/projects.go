package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ProjectStore persists projects. Mutations accept an optional
// transaction so ledger applies can include them atomically.
type ProjectStore struct {
	db *sql.DB
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func scanProject(scanner interface{ Scan(...any) error }) (*Project, error) {
	var p Project
	var starred, hidden int
	var success sql.NullInt64
	var createdAt, updatedAt int64

	err := scanner.Scan(&p.ID, &p.Name, &p.Path, &starred, &hidden, &success, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.Starred = starred != 0
	p.Hidden = hidden != 0
	if success.Valid {
		v := success.Int64 != 0
		p.Success = &v
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

// Upsert inserts or refreshes a project row, preserving user flags.
func (s *ProjectStore) Upsert(id, name, path string) (*Project, error) {
	now := time.Now().Unix()
	_, err := s.db.Exec(
		`INSERT INTO projects (id, name, path, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, path = excluded.path, updated_at = excluded.updated_at`,
		id, name, path, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert project: %w", err)
	}
	return s.Get(id)
}

// Get retrieves a project by id.
func (s *ProjectStore) Get(id string) (*Project, error) {
	row := s.db.QueryRow(
		`SELECT id, name, path, starred, hidden, success, created_at, updated_at FROM projects WHERE id = ?`, id,
	)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ProjectNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// List retrieves all projects by name.
func (s *ProjectStore) List() ([]*Project, error) {
	rows, err := s.db.Query(
		`SELECT id, name, path, starred, hidden, success, created_at, updated_at FROM projects ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project row: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating project rows: %w", err)
	}
	return projects, nil
}

// SetStar toggles the star flag. Pass the ledger transaction when the
// change is ledger-applied.
func (s *ProjectStore) SetStar(tx execer, id string, starred bool) error {
	return s.setFlag(tx, id, "starred", boolInt(starred))
}

// SetHidden toggles the hidden flag.
func (s *ProjectStore) SetHidden(tx execer, id string, hidden bool) error {
	return s.setFlag(tx, id, "hidden", boolInt(hidden))
}

// SetSuccess sets or clears the success marker.
func (s *ProjectStore) SetSuccess(tx execer, id string, success *bool) error {
	e := s.exec(tx)
	var v sql.NullInt64
	if success != nil {
		v = sql.NullInt64{Int64: int64(boolInt(*success)), Valid: true}
	}
	result, err := e.Exec(`UPDATE projects SET success = ?, updated_at = ? WHERE id = ?`, v, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set project success: %w", err)
	}
	return requireRow(result, &ProjectNotFoundError{ID: id})
}

func (s *ProjectStore) setFlag(tx execer, id, column string, value int) error {
	e := s.exec(tx)
	result, err := e.Exec(
		fmt.Sprintf(`UPDATE projects SET %s = ?, updated_at = ? WHERE id = ?`, column),
		value, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set project %s: %w", column, err)
	}
	return requireRow(result, &ProjectNotFoundError{ID: id})
}

func (s *ProjectStore) exec(tx execer) execer {
	if tx != nil {
		return tx
	}
	return s.db
}
