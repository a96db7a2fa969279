// Package db provides relational database access for agent-console.
//
// SQLite is the default engine (single-writer WAL mode); PostgreSQL is
// supported through pgx's database/sql driver. All stores consume the
// Pool type, which separates the write path from the read path so that
// queue claiming and list projections never contend on SQLite.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/ms2sato/agent-console-sub007/internal/common/config"
	"github.com/ms2sato/agent-console-sub007/internal/db/dialect"
)

// Open opens the configured database engine and returns a read/write Pool
// with the schema migrated.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case dialect.SQLite3:
		path := ExpandHome(cfg.Path)
		writer, err := openSQLiteWriter(path)
		if err != nil {
			return nil, err
		}
		reader, err := openSQLiteReader(path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		pool := NewPool(
			sqlx.NewDb(writer, dialect.SQLite3),
			sqlx.NewDb(reader, dialect.SQLite3),
		)
		if err := Migrate(pool.Writer()); err != nil {
			_ = pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return pool, nil

	case dialect.PGX:
		raw, err := openPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		sdb := sqlx.NewDb(raw, dialect.PGX)
		pool := NewPool(sdb, sdb)
		if err := Migrate(pool.Writer()); err != nil {
			_ = pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return pool, nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
