package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type Config struct {
	Path string
	// BusyTimeoutMS is how long SQLite waits on a locked database before
	// returning SQLITE_BUSY.
	BusyTimeoutMS int
}

func DefaultConfig() Config {
	if p := os.Getenv("CHAPTERHUB_DB_PATH"); p != "" {
		return Config{Path: p, BusyTimeoutMS: 5000}
	}

	// local default: ~/.chapterhub/chapters.db
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return Config{
		Path:          filepath.Join(home, ".chapterhub", "chapters.db"),
		BusyTimeoutMS: 5000,
	}
}

func EnsureDataDir(cfg Config) error {
	return os.MkdirAll(filepath.Dir(cfg.Path), 0o755)
}

// dsn asks for immediate transactions so a commit's read and conditional
// write run under the same write lock.
func (cfg Config) dsn() string {
	timeout := cfg.BusyTimeoutMS
	if timeout <= 0 {
		timeout = 5000
	}
	return fmt.Sprintf("file:%s?_busy_timeout=%d&_txlock=immediate&_foreign_keys=on", cfg.Path, timeout)
}

func Open(cfg Config) (*sql.DB, error) {
	if err := EnsureDataDir(cfg); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma journal_mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return db, nil
}
