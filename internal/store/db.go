// Package store provides durable relational state for the control plane:
// threads, messages, runs, run commands, pending sends, the action ledger,
// projects, and work orders. All access goes through a single SQLite
// database file; atomicity of the claim and ledger primitives depends on
// its single-writer semantics.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/lemoz/project-control-center-sub001/internal/log"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DB wraps the SQLite connection and owns migration state.
type DB struct {
	conn *sql.DB
	path string
}

// NewDB opens (creating if necessary) the database at path, applies
// pragmas, backs up the existing file, and runs pending migrations.
func NewDB(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Snapshot the existing file before migrations touch it.
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return nil, fmt.Errorf("failed to back up database: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Debug(log.CatDB, "database opened", "path", path)
	return db, nil
}

// migrate applies embedded migration files in lexical order, tracking
// progress via PRAGMA user_version. Each file runs in its own transaction.
func (d *DB) migrate() error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var version int
	if err := d.conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read user_version: %w", err)
	}

	for i, name := range names {
		migVersion := i + 1
		if migVersion <= version {
			continue
		}
		body, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		tx, err := d.conn.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migVersion)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to bump user_version for %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", name, err)
		}
		log.Info(log.CatDB, "migration applied", "file", name, "version", migVersion)
	}
	return nil
}

// Connection returns the underlying *sql.DB for callers that need raw access.
func (d *DB) Connection() *sql.DB {
	return d.conn
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Threads returns the thread repository.
func (d *DB) Threads() *ThreadStore { return &ThreadStore{db: d.conn} }

// Messages returns the message repository.
func (d *DB) Messages() *MessageStore { return &MessageStore{db: d.conn} }

// Runs returns the run repository.
func (d *DB) Runs() *RunStore { return &RunStore{db: d.conn} }

// Commands returns the run-command repository.
func (d *DB) Commands() *CommandStore { return &CommandStore{db: d.conn} }

// PendingSends returns the pending-send repository.
func (d *DB) PendingSends() *PendingSendStore { return &PendingSendStore{db: d.conn} }

// Ledger returns the action-ledger repository.
func (d *DB) Ledger() *LedgerStore { return &LedgerStore{db: d.conn} }

// Projects returns the project repository.
func (d *DB) Projects() *ProjectStore { return &ProjectStore{db: d.conn} }

// WorkOrders returns the work-order repository.
func (d *DB) WorkOrders() *WorkOrderStore { return &WorkOrderStore{db: d.conn} }

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304: operator-controlled database path
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600) //nolint:gosec // G304
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	_, err = io.Copy(out, in)
	return err
}
