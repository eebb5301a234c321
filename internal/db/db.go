package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "vaultd.db"

type Config struct {
	Root string
}

func dbPath(root string) string {
	if root == "" {
		root = "."
	}
	return filepath.Join(root, ".vaultd", defaultDBName)
}

// EnsureStateDir creates the .vaultd state directory if missing.
func EnsureStateDir(root string) (string, error) {
	path := filepath.Join(root, ".vaultd")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureStateDir(cfg.Root); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", dbPath(cfg.Root))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the vault root.
func Path(root string) string {
	return dbPath(root)
}
