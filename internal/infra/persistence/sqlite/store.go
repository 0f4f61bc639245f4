// Package sqlite provides the embedded SQLite backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/infra/persistence/sqlstore"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

const defaultPath = "opscore.db"

// Store persists rows to a single SQLite file. One connection serialises
// writers; WAL mode keeps readers from blocking on it at the file level.
type Store struct {
	*sqlstore.Store
	path string
}

// NewStore opens (creating when needed) the SQLite database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(context.Background(), p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	return &Store{Store: sqlstore.New(db, sqlstore.SQLite), path: path}, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }
