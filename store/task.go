package store

import (
	"database/sql"
	"fmt"

	"github.com/spectralhq/spectralnotify/broker"
)

const taskSchema = `
CREATE TABLE IF NOT EXISTS task_metadata (
	task_id      TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	progress     INTEGER,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	completed_at TEXT,
	failed_at    TEXT,
	canceled_at  TEXT,
	metadata     TEXT
);

CREATE TABLE IF NOT EXISTS task_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT NOT NULL,
	event_type TEXT NOT NULL,
	message    TEXT NOT NULL,
	progress   INTEGER,
	timestamp  TEXT NOT NULL,
	metadata   TEXT
);
`

// TaskStore persists one task's metadata and history in its own SQLite
// database file.
type TaskStore struct {
	db   *sql.DB
	path string
}

// OpenTaskStore opens (creating if needed) the store for one task.
func OpenTaskStore(path string) (*TaskStore, error) {
	db, err := open(path, taskSchema)
	if err != nil {
		return nil, err
	}
	return &TaskStore{db: db, path: path}, nil
}

// Close releases the database handle.
func (s *TaskStore) Close() error {
	return s.db.Close()
}

// Remove closes the store and deletes its files. Used by entity delete.
func (s *TaskStore) Remove() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	return removeFiles(s.path)
}

// Create persists the initial metadata row.
func (s *TaskStore) Create(t *broker.Task) error {
	_, err := s.db.Exec(`
		INSERT INTO task_metadata (task_id, status, progress, created_at, updated_at, completed_at, failed_at, canceled_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, string(t.Status), nullInt(t.Progress), t.CreatedAt, t.UpdatedAt,
		nullString(t.CompletedAt), nullString(t.FailedAt), nullString(t.CanceledAt), nullBytes(t.Metadata))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// Get returns the committed metadata snapshot, or ErrNotExist.
func (s *TaskStore) Get() (*broker.Task, error) {
	row := s.db.QueryRow(`
		SELECT task_id, status, progress, created_at, updated_at, completed_at, failed_at, canceled_at, metadata
		FROM task_metadata LIMIT 1`)

	var t broker.Task
	var status string
	var progress sql.NullInt64
	var completedAt, failedAt, canceled, metadata sql.NullString
	err := row.Scan(&t.TaskID, &status, &progress, &t.CreatedAt, &t.UpdatedAt, &completedAt, &failedAt, &canceled, &metadata)
	if err == sql.ErrNoRows {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	t.Status = broker.Status(status)
	t.Progress = intPtr(progress)
	t.CompletedAt = stringPtr(completedAt)
	t.FailedAt = stringPtr(failedAt)
	t.CanceledAt = stringPtr(canceled)
	t.Metadata = bytesOf(metadata)
	return &t, nil
}

// Apply writes the updated metadata row and appends one history row in a
// single transaction. On success the history entry's ID is filled in.
func (s *TaskStore) Apply(t *broker.Task, h *broker.TaskHistoryEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE task_metadata
		SET status = ?, progress = ?, updated_at = ?, completed_at = ?, failed_at = ?, canceled_at = ?
		WHERE task_id = ?`,
		string(t.Status), nullInt(t.Progress), t.UpdatedAt,
		nullString(t.CompletedAt), nullString(t.FailedAt), nullString(t.CanceledAt), t.TaskID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	res, err := tx.Exec(`
		INSERT INTO task_history (task_id, event_type, message, progress, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		h.TaskID, h.EventType, h.Message, nullInt(h.Progress), h.Timestamp, nullBytes(h.Metadata))
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("history id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	h.ID = id
	return nil
}

// History returns up to limit rows, newest first.
func (s *TaskStore) History(limit int) ([]broker.TaskHistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, event_type, message, progress, timestamp, metadata
		FROM task_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := []broker.TaskHistoryEntry{}
	for rows.Next() {
		var (
			e        broker.TaskHistoryEntry
			progress sql.NullInt64
			metadata sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.EventType, &e.Message, &progress, &e.Timestamp, &metadata); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Progress = intPtr(progress)
		e.Metadata = bytesOf(metadata)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
