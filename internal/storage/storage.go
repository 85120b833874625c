// Package storage persists the personalization profile, the rated-sample
// log and selection history in SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"framepick/internal/logging"
)

// ErrNotInitialized is returned by read methods on a nil Store.
var ErrNotInitialized = errors.New("store not initialized")

// Store wraps SQLite-backed persistence. Write methods on a nil *Store are
// no-ops so callers can run without a database.
type Store struct {
	DB  *sql.DB // Export for direct database access
	log *slog.Logger
}

// New opens (or creates) the database at path and migrates the schema.
func New(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps writes serialized without busy retries.
	db.SetMaxOpenConns(1)

	s := &Store{DB: db, log: logging.OrDefault(logger)}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return s, nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}
