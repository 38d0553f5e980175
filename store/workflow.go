package store

import (
	"database/sql"
	"fmt"

	"github.com/spectralhq/spectralnotify/broker"
)

const workflowSchema = `
CREATE TABLE IF NOT EXISTS workflow_metadata (
	workflow_id           TEXT PRIMARY KEY,
	status                TEXT NOT NULL,
	overall_progress      INTEGER NOT NULL DEFAULT 0,
	expected_phase_count  INTEGER NOT NULL DEFAULT 0,
	completed_phase_count INTEGER NOT NULL DEFAULT 0,
	active_phase_key      TEXT,
	created_at            TEXT NOT NULL,
	updated_at            TEXT NOT NULL,
	completed_at          TEXT,
	failed_at             TEXT,
	canceled_at           TEXT,
	metadata              TEXT
);

CREATE TABLE IF NOT EXISTS workflow_phase (
	workflow_id  TEXT NOT NULL,
	phase_key    TEXT NOT NULL,
	label        TEXT NOT NULL,
	weight       REAL NOT NULL,
	status       TEXT NOT NULL,
	progress     INTEGER NOT NULL DEFAULT 0,
	started_at   TEXT,
	updated_at   TEXT,
	completed_at TEXT,
	phase_order  INTEGER NOT NULL,
	PRIMARY KEY (workflow_id, phase_key)
);

CREATE TABLE IF NOT EXISTS workflow_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	message    TEXT NOT NULL,
	phase_key  TEXT,
	progress   INTEGER,
	timestamp  TEXT NOT NULL,
	metadata   TEXT
);
`

// WorkflowStore persists one workflow's metadata, phase rows, and history in
// its own SQLite database file.
type WorkflowStore struct {
	db   *sql.DB
	path string
}

// OpenWorkflowStore opens (creating if needed) the store for one workflow.
func OpenWorkflowStore(path string) (*WorkflowStore, error) {
	db, err := open(path, workflowSchema)
	if err != nil {
		return nil, err
	}
	return &WorkflowStore{db: db, path: path}, nil
}

// Close releases the database handle.
func (s *WorkflowStore) Close() error {
	return s.db.Close()
}

// Remove closes the store and deletes its files.
func (s *WorkflowStore) Remove() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	return removeFiles(s.path)
}

// Create persists the initial metadata row and the ordered phase rows in one
// transaction.
func (s *WorkflowStore) Create(w *broker.Workflow, phases []broker.Phase) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO workflow_metadata (workflow_id, status, overall_progress, expected_phase_count,
			completed_phase_count, active_phase_key, created_at, updated_at, completed_at, failed_at, canceled_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.WorkflowID, string(w.Status), w.OverallProgress, w.ExpectedPhaseCount, w.CompletedPhaseCount,
		nullString(w.ActivePhaseKey), w.CreatedAt, w.UpdatedAt,
		nullString(w.CompletedAt), nullString(w.FailedAt), nullString(w.CanceledAt), nullBytes(w.Metadata))
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}

	for _, p := range phases {
		if err := upsertPhase(tx, w.WorkflowID, p); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Get returns the committed metadata snapshot, or ErrNotExist.
func (s *WorkflowStore) Get() (*broker.Workflow, error) {
	row := s.db.QueryRow(`
		SELECT workflow_id, status, overall_progress, expected_phase_count, completed_phase_count,
			active_phase_key, created_at, updated_at, completed_at, failed_at, canceled_at, metadata
		FROM workflow_metadata LIMIT 1`)

	var w broker.Workflow
	var status string
	var activeKey, completedAt, failedAt, canceledAt, metadata sql.NullString
	err := row.Scan(&w.WorkflowID, &status, &w.OverallProgress, &w.ExpectedPhaseCount, &w.CompletedPhaseCount,
		&activeKey, &w.CreatedAt, &w.UpdatedAt, &completedAt, &failedAt, &canceledAt, &metadata)
	if err == sql.ErrNoRows {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	w.Status = broker.Status(status)
	w.ActivePhaseKey = stringPtr(activeKey)
	w.CompletedAt = stringPtr(completedAt)
	w.FailedAt = stringPtr(failedAt)
	w.CanceledAt = stringPtr(canceledAt)
	w.Metadata = bytesOf(metadata)
	return &w, nil
}

// Phases returns all phase rows in insertion order.
func (s *WorkflowStore) Phases() ([]broker.Phase, error) {
	rows, err := s.db.Query(`
		SELECT phase_key, label, weight, status, progress, started_at, updated_at, completed_at, phase_order
		FROM workflow_phase ORDER BY phase_order ASC`)
	if err != nil {
		return nil, fmt.Errorf("query phases: %w", err)
	}
	defer rows.Close()

	phases := []broker.Phase{}
	for rows.Next() {
		var p broker.Phase
		var status string
		var startedAt, updatedAt, completedAt sql.NullString
		if err := rows.Scan(&p.PhaseKey, &p.Label, &p.Weight, &status, &p.Progress, &startedAt, &updatedAt, &completedAt, &p.Order); err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		p.Status = broker.Status(status)
		p.StartedAt = stringPtr(startedAt)
		p.UpdatedAt = stringPtr(updatedAt)
		p.CompletedAt = stringPtr(completedAt)
		phases = append(phases, p)
	}
	return phases, rows.Err()
}

// Apply writes the updated metadata row, upserts the changed phase rows, and
// appends one history row in a single transaction. On success the history
// entry's ID is filled in.
func (s *WorkflowStore) Apply(w *broker.Workflow, changed []broker.Phase, h *broker.WorkflowHistoryEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE workflow_metadata
		SET status = ?, overall_progress = ?, completed_phase_count = ?, active_phase_key = ?,
			updated_at = ?, completed_at = ?, failed_at = ?, canceled_at = ?
		WHERE workflow_id = ?`,
		string(w.Status), w.OverallProgress, w.CompletedPhaseCount, nullString(w.ActivePhaseKey),
		w.UpdatedAt, nullString(w.CompletedAt), nullString(w.FailedAt), nullString(w.CanceledAt), w.WorkflowID)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}

	for _, p := range changed {
		if err := upsertPhase(tx, w.WorkflowID, p); err != nil {
			return err
		}
	}

	res, err := tx.Exec(`
		INSERT INTO workflow_history (workflow_id, event_type, message, phase_key, progress, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.WorkflowID, h.EventType, h.Message, nullString(h.PhaseKey), nullInt(h.Progress), h.Timestamp, nullBytes(h.Metadata))
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
func (s *WorkflowStore) History(limit int) ([]broker.WorkflowHistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, workflow_id, event_type, message, phase_key, progress, timestamp, metadata
		FROM workflow_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := []broker.WorkflowHistoryEntry{}
	for rows.Next() {
		var e broker.WorkflowHistoryEntry
		var phaseKey, metadata sql.NullString
		var progress sql.NullInt64
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.EventType, &e.Message, &phaseKey, &progress, &e.Timestamp, &metadata); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.PhaseKey = stringPtr(phaseKey)
		e.Progress = intPtr(progress)
		e.Metadata = bytesOf(metadata)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func upsertPhase(tx *sql.Tx, workflowID string, p broker.Phase) error {
	_, err := tx.Exec(`
		INSERT INTO workflow_phase (workflow_id, phase_key, label, weight, status, progress, started_at, updated_at, completed_at, phase_order)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, phase_key) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at`,
		workflowID, p.PhaseKey, p.Label, p.Weight, string(p.Status), p.Progress,
		nullString(p.StartedAt), nullString(p.UpdatedAt), nullString(p.CompletedAt), p.Order)
	if err != nil {
		return fmt.Errorf("upsert phase %s: %w", p.PhaseKey, err)
	}
	return nil
}
