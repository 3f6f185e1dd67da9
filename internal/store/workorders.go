package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkOrderStatuses enumerates the valid work-order states.
var WorkOrderStatuses = []string{"draft", "ready", "in_progress", "blocked", "done", "cancelled"}

// WorkOrderStore persists work orders. Mutations accept an optional
// transaction so ledger applies can include them atomically.
type WorkOrderStore struct {
	db *sql.DB
}

func scanWorkOrder(scanner interface{ Scan(...any) error }) (*WorkOrder, error) {
	var w WorkOrder
	var createdAt, updatedAt int64
	err := scanner.Scan(&w.ID, &w.ProjectID, &w.Title, &w.Description, &w.Status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	w.CreatedAt = time.Unix(createdAt, 0)
	w.UpdatedAt = time.Unix(updatedAt, 0)
	return &w, nil
}

// Create inserts a work order. Pass the ledger transaction when the
// creation is ledger-applied. Returns the generated id.
func (s *WorkOrderStore) Create(tx execer, projectID, title, description string) (string, error) {
	id := uuid.NewString()
	return id, s.CreateWithID(tx, id, projectID, title, description)
}

// CreateWithID inserts a work order under a caller-chosen id, letting
// the caller reference the id before the insert commits.
func (s *WorkOrderStore) CreateWithID(tx execer, id, projectID, title, description string) error {
	now := time.Now().Unix()
	_, err := s.exec(tx).Exec(
		`INSERT INTO work_orders (id, project_id, title, description, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'draft', ?, ?)`,
		id, projectID, title, description, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create work order: %w", err)
	}
	return nil
}

// Get retrieves a work order by id.
func (s *WorkOrderStore) Get(id string) (*WorkOrder, error) {
	row := s.db.QueryRow(
		`SELECT id, project_id, title, description, status, created_at, updated_at FROM work_orders WHERE id = ?`, id,
	)
	w, err := scanWorkOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &WorkOrderNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work order: %w", err)
	}
	return w, nil
}

// ListByProject retrieves a project's work orders, newest first.
func (s *WorkOrderStore) ListByProject(projectID string) ([]*WorkOrder, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, title, description, status, created_at, updated_at
		 FROM work_orders WHERE project_id = ? ORDER BY created_at DESC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list work orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var orders []*WorkOrder
	for rows.Next() {
		w, err := scanWorkOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work order row: %w", err)
		}
		orders = append(orders, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating work order rows: %w", err)
	}
	return orders, nil
}

// Update patches title and description. Empty strings leave the field
// unchanged.
func (s *WorkOrderStore) Update(tx execer, id, title, description string) error {
	w, err := s.Get(id)
	if err != nil {
		return err
	}
	if title != "" {
		w.Title = title
	}
	if description != "" {
		w.Description = description
	}
	result, err := s.exec(tx).Exec(
		`UPDATE work_orders SET title = ?, description = ?, updated_at = ? WHERE id = ?`,
		w.Title, w.Description, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update work order: %w", err)
	}
	return requireRow(result, &WorkOrderNotFoundError{ID: id})
}

// Replace sets title and description unconditionally. Used by undo to
// restore an exact prior state, including empty fields.
func (s *WorkOrderStore) Replace(tx execer, id, title, description string) error {
	result, err := s.exec(tx).Exec(
		`UPDATE work_orders SET title = ?, description = ?, updated_at = ? WHERE id = ?`,
		title, description, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to replace work order fields: %w", err)
	}
	return requireRow(result, &WorkOrderNotFoundError{ID: id})
}

// SetStatus transitions a work order to the given status.
func (s *WorkOrderStore) SetStatus(tx execer, id, status string) error {
	valid := false
	for _, st := range WorkOrderStatuses {
		if st == status {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("unknown work order status %q", status)
	}
	result, err := s.exec(tx).Exec(
		`UPDATE work_orders SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set work order status: %w", err)
	}
	return requireRow(result, &WorkOrderNotFoundError{ID: id})
}

func (s *WorkOrderStore) exec(tx execer) execer {
	if tx != nil {
		return tx
	}
	return s.db
}
