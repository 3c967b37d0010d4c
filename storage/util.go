package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Opens a Storage for the named backend. For "sqlite", dsn is the
// path of the database file (":memory:" or blank for an in-memory
// database). For "postgres", dsn is a connection string.
func Open(backend string, dsn string) (Storage, error) {
	switch backend {
	case "memory":
		return NewMemoryStorage(), nil

	case "sqlite", "":
		if dsn == "" || dsn == ":memory:" {
			return NewSQLiteStorage()
		}
		if dir := filepath.Dir(dsn); dir != "" {
			err := os.MkdirAll(dir, 0o755)
			if err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		return NewSQLiteStorage(SQLiteConfig{OnDisk: true, Path: dsn})

	case "postgres":
		return NewPSQLStorage(dsn, false)
	}

	return nil, fmt.Errorf("unknown storage backend '%s'", backend)
}
