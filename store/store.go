// Package store implements the embedded per-entity SQL stores backing task
// and workflow instances. Each entity owns a single SQLite database file
// holding its metadata, phase rows, and append-only history.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotExist is returned when the metadata row for an entity is missing.
var ErrNotExist = errors.New("store: entity does not exist")

// EntityPath maps an entity (kind, id) to its database file below dataDir.
// IDs are opaque printable ASCII, so the ID component is path-escaped to keep
// separators and reserved characters out of the file name.
func EntityPath(dataDir, kind, id string) string {
	return filepath.Join(dataDir, kind, url.PathEscape(id)+".db")
}

// open creates the enclosing directory, opens the database file, and applies
// the schema. busy_timeout covers the read paths that run outside the
// instance writer scope.
func open(path, schema string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// removeFiles closes nothing; it unlinks the database file and any sidecar
// journal files left by SQLite.
func removeFiles(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		_ = os.Remove(path + suffix)
	}
	return nil
}

// nullString converts an optional timestamp column.
func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func bytesOf(s sql.NullString) []byte {
	if !s.Valid || s.String == "" {
		return nil
	}
	return []byte(s.String)
}
