package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteDB struct {
	DB *sql.DB
}

func NewSQLiteDB(dbPath string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("unable to open SQLite database: %w", err)
	}

	// SQLite serialises writers; one connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("unable to ping SQLite database: %w", err)
	}

	return &SQLiteDB{DB: db}, nil
}

func (db *SQLiteDB) Close() error {
	return db.DB.Close()
}

func (db *SQLiteDB) Ping(ctx context.Context) error {
	return db.DB.PingContext(ctx)
}

func (db *SQLiteDB) Migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			monthly_call_limit INTEGER NOT NULL DEFAULT 10000,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			key_hash TEXT UNIQUE NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS usage_counters (
			tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			period TEXT NOT NULL,
			calls INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, period)
		)`,

		`CREATE TABLE IF NOT EXISTS services (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			base_url TEXT NOT NULL,
			auth_type TEXT NOT NULL DEFAULT 'none',
			auth_placement TEXT,
			auth_name TEXT,
			auth_secret TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (tenant_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS endpoints (
			id TEXT PRIMARY KEY,
			service_id TEXT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			path_pattern TEXT NOT NULL DEFAULT '',
			upstream_url TEXT NOT NULL,
			cache_enabled INTEGER NOT NULL DEFAULT 0,
			cache_ttl INTEGER NOT NULL DEFAULT 0,
			retry_enabled INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			retry_interval INTEGER NOT NULL DEFAULT 0,
			mock_enabled INTEGER NOT NULL DEFAULT 0,
			mock_status INTEGER NOT NULL DEFAULT 200,
			mock_body TEXT NOT NULL DEFAULT '',
			fallback_enabled INTEGER NOT NULL DEFAULT 0,
			fallback_status INTEGER NOT NULL DEFAULT 200,
			fallback_body TEXT NOT NULL DEFAULT '',
			data_mapping_enabled INTEGER NOT NULL DEFAULT 0,
			data_mapping_function TEXT NOT NULL DEFAULT '',
			custom_headers_enabled INTEGER NOT NULL DEFAULT 0,
			custom_headers TEXT NOT NULL DEFAULT '{}',
			schema_monitoring INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (service_id, method, path)
		)`,

		`CREATE TABLE IF NOT EXISTS request_logs (
			id TEXT PRIMARY KEY,
			endpoint_id TEXT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
			tenant_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			upstream_url TEXT,
			request_headers TEXT,
			request_body TEXT,
			response_headers TEXT,
			response_body TEXT,
			status_code INTEGER NOT NULL,
			error_code INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL,
			ip TEXT,
			cache_hit INTEGER NOT NULL DEFAULT 0,
			is_mock_response INTEGER NOT NULL DEFAULT 0,
			is_fallback_response INTEGER NOT NULL DEFAULT 0,
			retry_number INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_request_logs_failures ON request_logs(endpoint_id, error_code, created_at)`,

		`CREATE TABLE IF NOT EXISTS schema_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			endpoint_id TEXT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
			schema TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			endpoint_id TEXT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
			tenant_id TEXT NOT NULL,
			classification TEXT NOT NULL,
			title TEXT NOT NULL,
			details TEXT,
			occurrences INTEGER NOT NULL DEFAULT 1,
			resolved INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_incidents_open ON incidents(endpoint_id, classification, resolved)`,
	}

	for _, query := range queries {
		if _, err := db.DB.Exec(query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
