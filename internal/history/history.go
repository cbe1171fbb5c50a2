// Package history keeps a local log of repoyard operations in SQLite, so
// "what did this machine do, and when" survives log rotation.
package history

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid"

	"repoyard/internal/history/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Operation statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Operation is one logged invocation. Target is the repo index key or
// other subject of the operation, empty for global ones.
type Operation struct {
	ID              string
	Name            string
	Target          string
	StorageLocation string
	Hostname        string
	Status          string
	Error           string
	StartedAt       time.Time
	FinishedAt      *time.Time
}

// Store wraps the history database.
type Store struct {
	db       *sql.DB
	hostname string
}

// Open opens (creating and migrating if needed) the history database at
// path. Use ":memory:" for tests.
func Open(path, hostname string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating history database: %w", err)
	}
	return &Store{db: db, hostname: hostname}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin records the start of an operation and returns its ID.
func (s *Store) Begin(name, target, storageLocation string) (string, error) {
	now := time.Now().UTC()
	id := ulid.MustNew(ulid.Timestamp(now), ulid.Monotonic(rand.Reader, 0)).String()

	_, err := s.db.Exec(`
		INSERT INTO operations (id, name, target, storage_location, hostname, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, name, target, storageLocation, s.hostname, StatusRunning, now,
	)
	if err != nil {
		return "", fmt.Errorf("recording operation start: %w", err)
	}
	return id, nil
}

// Finish records an operation's outcome. A nil opErr marks it succeeded.
func (s *Store) Finish(id string, opErr error) error {
	status := StatusSucceeded
	errText := ""
	if opErr != nil {
		status = StatusFailed
		errText = opErr.Error()
	}

	_, err := s.db.Exec(`
		UPDATE operations SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, errText, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("recording operation outcome: %w", err)
	}
	return nil
}

// Recent returns the most recent operations, newest first.
func (s *Store) Recent(limit int) ([]Operation, error) {
	rows, err := s.db.Query(`
		SELECT id, name, target, storage_location, hostname, status, error, started_at, finished_at
		FROM operations ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying operations: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		var op Operation
		var finished sql.NullTime
		if err := rows.Scan(&op.ID, &op.Name, &op.Target, &op.StorageLocation,
			&op.Hostname, &op.Status, &op.Error, &op.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scanning operation row: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			op.FinishedAt = &t
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading operation rows: %w", err)
	}
	return out, nil
}

// ForTarget returns the most recent operations touching one target,
// newest first.
func (s *Store) ForTarget(target string, limit int) ([]Operation, error) {
	rows, err := s.db.Query(`
		SELECT id, name, target, storage_location, hostname, status, error, started_at, finished_at
		FROM operations WHERE target = ? ORDER BY started_at DESC, id DESC LIMIT ?`, target, limit)
	if err != nil {
		return nil, fmt.Errorf("querying operations for %s: %w", target, err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		var op Operation
		var finished sql.NullTime
		if err := rows.Scan(&op.ID, &op.Name, &op.Target, &op.StorageLocation,
			&op.Hostname, &op.Status, &op.Error, &op.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scanning operation row: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			op.FinishedAt = &t
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading operation rows: %w", err)
	}
	return out, nil
}
