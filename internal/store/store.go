// Package store is the durable state store: one row per canonical task,
// an upstream-ID secondary index maintained in the same transaction, and
// the dead-letter table for diffs that failed permanently. The engine is
// the only writer; producers read to build diffs.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/marcus/taskmirror/internal/model"
	_ "modernc.org/sqlite"
)

// ErrVersionRegression is returned by Put when the incoming task's version
// does not advance the stored one.
var ErrVersionRegression = errors.New("version must increase")

// ErrTerminalNotStorable is returned by Put for a terminal task; terminal
// status only exists in-flight and the row must be deleted instead.
var ErrTerminalNotStorable = errors.New("terminal task cannot be stored")

// Store wraps the sqlite connection.
type Store struct {
	conn *sql.DB
}

// Open opens (creating if needed) the state database at path and ensures
// the schema exists.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	// WAL lets producer reads proceed while the engine writes.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	s := &Store{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection (tests use an in-memory db) and ensures
// the schema exists.
func New(conn *sql.DB) (*Store, error) {
	s := &Store{conn: conn}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS canonical_tasks (
			id            TEXT PRIMARY KEY,
			upstream_id   TEXT NOT NULL UNIQUE,
			downstream_id TEXT,
			version       INTEGER NOT NULL,
			data          JSON NOT NULL
		);
		CREATE TABLE IF NOT EXISTS upstream_index (
			upstream_id  TEXT PRIMARY KEY,
			canonical_id TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_downstream ON canonical_tasks(downstream_id);
		CREATE TABLE IF NOT EXISTS dead_letters (
			canonical_id TEXT PRIMARY KEY,
			diff         JSON NOT NULL,
			error        TEXT NOT NULL,
			failed_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("init state schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Get returns the canonical task for id, or nil when absent.
func (s *Store) Get(id string) (*model.Task, error) {
	var data []byte
	err := s.conn.QueryRow(`SELECT data FROM canonical_tasks WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return decodeTask(data)
}

// GetByUpstreamID resolves a canonical task through the upstream index.
func (s *Store) GetByUpstreamID(upstreamID string) (*model.Task, error) {
	var data []byte
	err := s.conn.QueryRow(`
		SELECT t.data FROM upstream_index i
		JOIN canonical_tasks t ON t.id = i.canonical_id
		WHERE i.upstream_id = ?`, upstreamID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task by upstream id %s: %w", upstreamID, err)
	}
	return decodeTask(data)
}

// GetByDownstreamID resolves a canonical task from its downstream handle.
func (s *Store) GetByDownstreamID(downstreamID string) (*model.Task, error) {
	if downstreamID == "" {
		return nil, nil
	}
	var data []byte
	err := s.conn.QueryRow(`SELECT data FROM canonical_tasks WHERE downstream_id = ?`, downstreamID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task by downstream id %s: %w", downstreamID, err)
	}
	return decodeTask(data)
}

// Put writes the task row and its upstream index entry in one transaction.
// It enforces version monotonicity and rejects terminal status.
func (s *Store) Put(t model.Task) error {
	if t.Status == model.StatusTerminal {
		return ErrTerminalNotStorable
	}
	if t.ID == "" || t.UpstreamID == "" {
		return fmt.Errorf("put task: id and upstream id are required")
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRow(`SELECT version FROM canonical_tasks WHERE id = ?`, t.ID).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("read version for %s: %w", t.ID, err)
	case t.Version <= existing:
		return fmt.Errorf("put task %s: stored v%d, incoming v%d: %w", t.ID, existing, t.Version, ErrVersionRegression)
	}

	downstream := sql.NullString{String: t.DownstreamID, Valid: t.DownstreamID != ""}
	if _, err := tx.Exec(`
		INSERT INTO canonical_tasks (id, upstream_id, downstream_id, version, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			upstream_id = excluded.upstream_id,
			downstream_id = excluded.downstream_id,
			version = excluded.version,
			data = excluded.data`,
		t.ID, t.UpstreamID, downstream, t.Version, data); err != nil {
		return fmt.Errorf("put task %s: %w", t.ID, err)
	}
	if _, err := tx.Exec(`
		INSERT INTO upstream_index (upstream_id, canonical_id) VALUES (?, ?)
		ON CONFLICT(upstream_id) DO UPDATE SET canonical_id = excluded.canonical_id`,
		t.UpstreamID, t.ID); err != nil {
		return fmt.Errorf("put upstream index %s: %w", t.UpstreamID, err)
	}
	return tx.Commit()
}

// Delete removes the task row and its index entry in one transaction.
// Deleting an absent row is a no-op.
func (s *Store) Delete(id string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM upstream_index WHERE canonical_id = ?`, id); err != nil {
		return fmt.Errorf("delete index for %s: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM canonical_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return tx.Commit()
}

// All returns every stored canonical task, ordered by id, for startup
// reconciliation and the status command.
func (s *Store) All() ([]model.Task, error) {
	rows, err := s.conn.Query(`SELECT data FROM canonical_tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t, err := decodeTask(data)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func decodeTask(data []byte) (*model.Task, error) {
	var t model.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}
