package database

import (
	"context"
	"fmt"

	"github.com/api200/gateway/internal/config"
)

// Conn is the lifecycle surface shared by the Postgres and SQLite connections.
type Conn interface {
	Ping(ctx context.Context) error
	Migrate() error
	Close() error
}

// Open connects to the database selected by cfg.Type.
func Open(cfg config.DatabaseConfig) (Conn, error) {
	switch cfg.Type {
	case "postgres", "postgresql":
		return NewPostgresDB(cfg)
	case "sqlite":
		return NewSQLiteDB(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}
