package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// defaultSQLiteReaderConns is the number of concurrent read connections.
	// SQLite WAL mode allows many readers alongside a single writer.
	defaultSQLiteReaderConns = 4
)

// openSQLiteWriter opens a SQLite database configured for writes (single connection).
func openSQLiteWriter(dbPath string) (*sql.DB, error) {
	if err := ensureSQLiteFile(dbPath); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	// Writer DSN settings:
	// - foreign_keys=on: enforce FK constraints consistently.
	// - busy_timeout: wait briefly on locks to reduce transient "database is locked".
	// - journal_mode=WAL: better read concurrency with a single writer.
	// - synchronous=NORMAL: reasonable durability/perf tradeoff for app workloads.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		dbPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	sdb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	sdb.SetMaxOpenConns(1)
	sdb.SetMaxIdleConns(1)

	return sdb, nil
}

// openSQLiteReader opens a read-only SQLite connection pool. Combined with WAL
// mode, readers proceed without blocking on (or being blocked by) writes.
func openSQLiteReader(dbPath string) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d",
		dbPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	sdb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	sdb.SetMaxOpenConns(defaultSQLiteReaderConns)
	sdb.SetMaxIdleConns(defaultSQLiteReaderConns)

	return sdb, nil
}

// ensureSQLiteFile creates the parent directory and an empty database file so
// the read-only pool can open it before the first write.
func ensureSQLiteFile(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}
