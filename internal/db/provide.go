package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kandev-labs/agentsquad/internal/common/config"
)

// Provide opens the configured backing store and wraps it in a Pool. Driver
// "memory" returns a nil Pool; callers fall back to the in-memory Store
// implementations in that case.
func Provide(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case "memory", "":
		return nil, nil

	case "sqlite":
		writer, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("db: open sqlite writer: %w", err)
		}
		reader, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("db: open sqlite reader: %w", err)
		}
		return NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil

	case "postgres":
		conn, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, fmt.Errorf("db: open postgres: %w", err)
		}
		shared := sqlx.NewDb(conn, "pgx")
		return NewPool(shared, shared), nil

	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
}
