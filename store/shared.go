package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
)

// SharedPath is where the embedded shared store (registry and idempotency
// tables) lives below the data directory.
func SharedPath(dataDir string) string {
	return filepath.Join(dataDir, "shared.db")
}

// OpenShared opens the shared SQLite database. Callers apply their own
// schemas.
func OpenShared(dataDir string) (*sql.DB, error) {
	path := SharedPath(dataDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open shared store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping shared store: %w", err)
	}
	return db, nil
}
