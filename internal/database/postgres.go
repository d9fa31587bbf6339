package database

import (
	"context"
	"fmt"
	"time"

	"github.com/api200/gateway/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresDB struct {
	Pool *pgxpool.Pool
}

func NewPostgresDB(cfg config.DatabaseConfig) (*PostgresDB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode, cfg.MaxConns, cfg.MinConns,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresDB{Pool: pool}, nil
}

func (db *PostgresDB) Close() error {
	db.Pool.Close()
	return nil
}

func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

func (db *PostgresDB) Migrate() error {
	ctx := context.Background()

	queries := []string{
		`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`,

		`CREATE TABLE IF NOT EXISTS tenants (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			email VARCHAR(255) NOT NULL,
			monthly_call_limit BIGINT NOT NULL DEFAULT 10000,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS api_keys (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			key_hash CHAR(64) UNIQUE NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS usage_counters (
			tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			period CHAR(7) NOT NULL,
			calls BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, period)
		)`,

		`CREATE TABLE IF NOT EXISTS services (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			base_url TEXT NOT NULL,
			auth_type VARCHAR(20) NOT NULL DEFAULT 'none',
			auth_placement VARCHAR(10),
			auth_name VARCHAR(255),
			auth_secret TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE (tenant_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS endpoints (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			service_id UUID NOT NULL REFERENCES services(id) ON DELETE CASCADE,
			method VARCHAR(10) NOT NULL,
			path TEXT NOT NULL,
			path_pattern TEXT NOT NULL DEFAULT '',
			upstream_url TEXT NOT NULL,
			cache_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			cache_ttl INTEGER NOT NULL DEFAULT 0,
			retry_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			retry_count INTEGER NOT NULL DEFAULT 0,
			retry_interval INTEGER NOT NULL DEFAULT 0,
			mock_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			mock_status INTEGER NOT NULL DEFAULT 200,
			mock_body TEXT NOT NULL DEFAULT '',
			fallback_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			fallback_status INTEGER NOT NULL DEFAULT 200,
			fallback_body TEXT NOT NULL DEFAULT '',
			data_mapping_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			data_mapping_function TEXT NOT NULL DEFAULT '',
			custom_headers_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			custom_headers JSONB NOT NULL DEFAULT '{}',
			schema_monitoring BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE (service_id, method, path)
		)`,

		`CREATE TABLE IF NOT EXISTS request_logs (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			endpoint_id UUID NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
			tenant_id UUID NOT NULL,
			correlation_id VARCHAR(64) NOT NULL,
			method VARCHAR(10) NOT NULL,
			path TEXT NOT NULL,
			upstream_url TEXT,
			request_headers JSONB,
			request_body TEXT,
			response_headers JSONB,
			response_body TEXT,
			status_code INTEGER NOT NULL,
			error_code INTEGER NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL,
			ip VARCHAR(45),
			cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
			is_mock_response BOOLEAN NOT NULL DEFAULT FALSE,
			is_fallback_response BOOLEAN NOT NULL DEFAULT FALSE,
			retry_number INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE INDEX IF NOT EXISTS idx_request_logs_failures ON request_logs(endpoint_id, error_code, created_at)`,

		`CREATE TABLE IF NOT EXISTS schema_history (
			id BIGSERIAL PRIMARY KEY,
			endpoint_id UUID NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
			schema JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE INDEX IF NOT EXISTS idx_schema_history_endpoint ON schema_history(endpoint_id, id DESC)`,

		`CREATE TABLE IF NOT EXISTS incidents (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			endpoint_id UUID NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
			tenant_id UUID NOT NULL,
			classification VARCHAR(32) NOT NULL,
			title TEXT NOT NULL,
			details JSONB,
			occurrences INTEGER NOT NULL DEFAULT 1,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE INDEX IF NOT EXISTS idx_incidents_open ON incidents(endpoint_id, classification) WHERE NOT resolved`,
	}

	for _, query := range queries {
		if _, err := db.Pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
