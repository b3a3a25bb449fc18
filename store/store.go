// Package store persists accepted notifications in SQLite, plus the
// minimal user and project tables the processor depends on. Batch
// writes from the file watcher run in one transaction.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/kart-io/ingesthub/core/notification"
)

// Sentinel errors for unresolved notification references. Callers match
// with errors.Is to map them onto their own failure codes.
var (
	ErrUnknownUser    = errors.New("unknown user_id")
	ErrUnknownProject = errors.New("unknown project_id")
)

// Store wraps the SQLite database.
type Store struct {
	db *sqlx.DB
}

// migration is one versioned schema step.
type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

			CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL
			);

			CREATE TABLE IF NOT EXISTS projects (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL
			);

			CREATE TABLE IF NOT EXISTS notifications (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				source TEXT NOT NULL,
				timestamp TIMESTAMP NOT NULL,
				content TEXT,
				priority INTEGER NOT NULL DEFAULT 3,
				user_id TEXT REFERENCES users(id),
				project_id TEXT REFERENCES projects(id),
				metadata TEXT NOT NULL DEFAULT '{}',
				actions TEXT NOT NULL DEFAULT '[]',
				tags TEXT NOT NULL DEFAULT '[]',
				created_at TIMESTAMP NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_notifications_source ON notifications(source);
			CREATE INDEX IF NOT EXISTS idx_notifications_timestamp ON notifications(timestamp);

			INSERT INTO schema_version (version) VALUES (1);
		`,
	},
}

// Open opens (or creates) the SQLite database at path, enables WAL mode
// and applies pending migrations. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	current := 0

	var tables int
	err := s.db.Get(&tables, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tables > 0 {
		if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// Save persists a single accepted notification.
func (s *Store) Save(ctx context.Context, n *notification.Notification) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertNotification(ctx, tx, n); err != nil {
		return err
	}
	return tx.Commit()
}

// BatchItemError records one failed item within a batch.
type BatchItemError struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

// BatchResult summarizes a batch write.
type BatchResult struct {
	Saved  int              `json:"saved"`
	Errors []BatchItemError `json:"errors,omitempty"`
}

// SaveBatch writes a batch in one transaction. Items whose user or
// project reference does not resolve are recorded as item errors; the
// valid remainder commits. When every item fails the transaction rolls
// back entirely and an error is returned.
func (s *Store) SaveBatch(ctx context.Context, notifications []*notification.Notification) (*BatchResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result := &BatchResult{}
	for i, n := range notifications {
		if err := insertNotification(ctx, tx, n); err != nil {
			result.Errors = append(result.Errors, BatchItemError{Index: i, ID: n.ID, Error: err.Error()})
			continue
		}
		result.Saved++
	}

	if result.Saved == 0 && len(notifications) > 0 {
		return result, fmt.Errorf("all %d batch items failed, rolling back", len(notifications))
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing batch: %w", err)
	}
	return result, nil
}

func insertNotification(ctx context.Context, tx *sqlx.Tx, n *notification.Notification) error {
	userID := n.Metadata["user_id"]
	projectID := n.Metadata["project_id"]

	// Foreign keys are validated explicitly so a single bad reference
	// surfaces as an item error instead of poisoning the transaction.
	if userID != "" {
		if ok, err := exists(ctx, tx, "users", userID); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w %q", ErrUnknownUser, userID)
		}
	}
	if projectID != "" {
		if ok, err := exists(ctx, tx, "projects", projectID); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w %q", ErrUnknownProject, projectID)
		}
	}

	metadata, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	actions, err := json.Marshal(n.Actions)
	if err != nil {
		return fmt.Errorf("marshaling actions: %w", err)
	}
	tags, err := json.Marshal(n.Tags)
	if err != nil {
		return fmt.Errorf("marshaling tags: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notifications (id, title, source, timestamp, content, priority, user_id, project_id, metadata, actions, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Title, n.Source, n.Timestamp.UTC(), n.Content, n.Priority,
		nullable(userID), nullable(projectID), string(metadata), string(actions), string(tags), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting notification %s: %w", n.ID, err)
	}
	return nil
}

func exists(ctx context.Context, tx *sqlx.Tx, table, id string) (bool, error) {
	var count int
	if err := tx.GetContext(ctx, &count, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id); err != nil {
		return false, fmt.Errorf("checking %s %s: %w", table, id, err)
	}
	return count > 0, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateUser inserts a user row.
func (s *Store) CreateUser(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO users (id, name, created_at) VALUES (?, ?, ?)", id, name, time.Now().UTC())
	return err
}

// CreateProject inserts a project row.
func (s *Store) CreateProject(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)", id, name, time.Now().UTC())
	return err
}

// Count returns the number of stored notifications.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM notifications")
	return count, err
}

// Get loads one stored notification by ID.
func (s *Store) Get(ctx context.Context, id string) (*notification.Notification, error) {
	var row struct {
		ID        string         `db:"id"`
		Title     string         `db:"title"`
		Source    string         `db:"source"`
		Timestamp time.Time      `db:"timestamp"`
		Content   sql.NullString `db:"content"`
		Priority  int            `db:"priority"`
		Metadata  string         `db:"metadata"`
		Actions   string         `db:"actions"`
		Tags      string         `db:"tags"`
	}
	err := s.db.GetContext(ctx, &row,
		"SELECT id, title, source, timestamp, content, priority, metadata, actions, tags FROM notifications WHERE id = ?", id)
	if err != nil {
		return nil, err
	}

	n := &notification.Notification{
		ID:        row.ID,
		Title:     row.Title,
		Source:    row.Source,
		Timestamp: row.Timestamp,
		Content:   row.Content.String,
		Priority:  row.Priority,
	}
	if err := json.Unmarshal([]byte(row.Metadata), &n.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(row.Actions), &n.Actions); err != nil {
		return nil, fmt.Errorf("unmarshaling actions: %w", err)
	}
	if err := json.Unmarshal([]byte(row.Tags), &n.Tags); err != nil {
		return nil, fmt.Errorf("unmarshaling tags: %w", err)
	}
	return n, nil
}
