package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"statusline/internal/config"
)

const defaultDBName = "status-index.db"

type Config struct {
	Root string
}

func dbPath(root string) string {
	if root == "" {
		root = "."
	}
	return filepath.Join(root, config.Dir, defaultDBName)
}

// EnsureWorkspace creates the .kittify directory if missing.
func EnsureWorkspace(root string) (string, error) {
	if root == "" {
		root = "."
	}
	path := filepath.Join(root, config.Dir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite query index with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Root); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath(cfg.Root))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the index path for a repository root.
func Path(root string) string {
	return dbPath(root)
}
