package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/api200/gateway/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const endpointColumns = `id, service_id, method, path, path_pattern, upstream_url,
	cache_enabled, cache_ttl, retry_enabled, retry_count, retry_interval,
	mock_enabled, mock_status, mock_body, fallback_enabled, fallback_status, fallback_body,
	data_mapping_enabled, data_mapping_function, custom_headers_enabled, custom_headers,
	schema_monitoring`

func (s *Postgres) TenantForKey(ctx context.Context, keyHash string) (string, error) {
	var tenantID string
	err := s.pool.QueryRow(ctx, `SELECT tenant_id::text FROM api_keys WHERE key_hash = $1`, keyHash).Scan(&tenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up api key: %w", err)
	}
	return tenantID, nil
}

// IncrementUsage bumps and reads the monthly counter in one statement, so
// concurrent requests from a tenant never observe the same count.
func (s *Postgres) IncrementUsage(ctx context.Context, tenantID string, now time.Time) (models.Usage, error) {
	query := `
		WITH inc AS (
			INSERT INTO usage_counters (tenant_id, period, calls)
			VALUES ($1, $2, 1)
			ON CONFLICT (tenant_id, period) DO UPDATE SET calls = usage_counters.calls + 1
			RETURNING calls
		)
		SELECT inc.calls, t.monthly_call_limit FROM inc JOIN tenants t ON t.id = $1
	`

	var usage models.Usage
	err := s.pool.QueryRow(ctx, query, tenantID, Period(now)).Scan(&usage.Current, &usage.Limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return usage, ErrNotFound
	}
	if err != nil {
		return usage, fmt.Errorf("failed to increment usage: %w", err)
	}
	return usage, nil
}

func (s *Postgres) TenantEmail(ctx context.Context, tenantID string) (string, error) {
	var email string
	err := s.pool.QueryRow(ctx, `SELECT email FROM tenants WHERE id = $1`, tenantID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up tenant: %w", err)
	}
	return email, nil
}

func (s *Postgres) ServiceEndpoints(ctx context.Context, tenantID, serviceName string) (*models.Service, []models.EndpointPolicy, error) {
	var (
		svc  models.Service
		cols models.AuthColumns
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, tenant_id::text, name, base_url, auth_type,
			COALESCE(auth_placement, ''), COALESCE(auth_name, ''), COALESCE(auth_secret, '')
		FROM services WHERE tenant_id = $1 AND name = $2`, tenantID, serviceName).
		Scan(&svc.ID, &svc.TenantID, &svc.Name, &svc.BaseURL, &cols.Type, &cols.Placement, &cols.Name, &cols.Secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load service: %w", err)
	}

	svc.Auth, err = cols.AuthConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("service %s: %w", svc.Name, err)
	}

	rows, err := s.pool.Query(ctx, `SELECT id::text, service_id::text`+strings.TrimPrefix(endpointColumns, "id, service_id")+`
		FROM endpoints WHERE service_id = $1 ORDER BY path, method`, svc.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []models.EndpointPolicy
	for rows.Next() {
		var (
			ep      models.EndpointPolicy
			headers []byte
		)
		err := rows.Scan(&ep.ID, &ep.ServiceID, &ep.Method, &ep.Path, &ep.PathPattern, &ep.UpstreamURL,
			&ep.CacheEnabled, &ep.CacheTTL, &ep.RetryEnabled, &ep.RetryCount, &ep.RetryInterval,
			&ep.MockEnabled, &ep.MockStatus, &ep.MockBody, &ep.FallbackEnabled, &ep.FallbackStatus, &ep.FallbackBody,
			&ep.TransformEnabled, &ep.TransformSource, &ep.CustomHeadersEnabled, &headers,
			&ep.SchemaMonitoring)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan endpoint: %w", err)
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &ep.CustomHeaders); err != nil {
				return nil, nil, fmt.Errorf("endpoint %s: invalid custom headers: %w", ep.ID, err)
			}
		}
		endpoints = append(endpoints, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read endpoints: %w", err)
	}

	return &svc, endpoints, nil
}

func (s *Postgres) InsertLog(ctx context.Context, rec *models.LogRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO request_logs (id, endpoint_id, tenant_id, correlation_id, method, path, upstream_url,
			request_headers, request_body, response_headers, response_body, status_code, error_code,
			duration_ms, ip, cache_hit, is_mock_response, is_fallback_response, retry_number, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`
	_, err := s.pool.Exec(ctx, query, rec.ID, rec.EndpointID, rec.TenantID, rec.CorrelationID, rec.Method, rec.Path,
		rec.UpstreamURL, rec.RequestHeaders, rec.RequestBody, rec.ResponseHeaders, rec.ResponseBody,
		rec.StatusCode, rec.ErrorCode, rec.DurationMS, rec.IP, rec.CacheHit, rec.IsMockResponse,
		rec.IsFallbackResponse, rec.RetryNumber, rec.Error, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert request log: %w", err)
	}
	return nil
}

func (s *Postgres) CountFailures(ctx context.Context, endpointID string, errorCode int, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM request_logs
		WHERE endpoint_id = $1 AND error_code = $2 AND created_at >= $3`,
		endpointID, errorCode, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count failures: %w", err)
	}
	return count, nil
}

func (s *Postgres) LatestSchema(ctx context.Context, endpointID string) (*models.SchemaSnapshot, error) {
	snap := models.SchemaSnapshot{EndpointID: endpointID}
	err := s.pool.QueryRow(ctx, `
		SELECT schema, created_at FROM schema_history
		WHERE endpoint_id = $1 ORDER BY id DESC LIMIT 1`, endpointID).
		Scan(&snap.Schema, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	return &snap, nil
}

func (s *Postgres) InsertSchema(ctx context.Context, snap *models.SchemaSnapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO schema_history (endpoint_id, schema, created_at) VALUES ($1, $2, $3)`,
		snap.EndpointID, []byte(snap.Schema), snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert schema: %w", err)
	}
	return nil
}

func (s *Postgres) OpenIncident(ctx context.Context, endpointID, classification string) (*models.Incident, error) {
	var inc models.Incident
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, endpoint_id::text, tenant_id::text, classification, title, details, occurrences, resolved, created_at, updated_at
		FROM incidents
		WHERE endpoint_id = $1 AND classification = $2 AND NOT resolved
		ORDER BY created_at DESC LIMIT 1`, endpointID, classification).
		Scan(&inc.ID, &inc.EndpointID, &inc.TenantID, &inc.Classification, &inc.Title, &inc.Details,
			&inc.Occurrences, &inc.Resolved, &inc.CreatedAt, &inc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load incident: %w", err)
	}
	return &inc, nil
}

func (s *Postgres) InsertIncident(ctx context.Context, inc *models.Incident) error {
	now := time.Now().UTC()
	if inc.ID == "" {
		inc.ID = uuid.New().String()
	}
	if inc.Occurrences == 0 {
		inc.Occurrences = 1
	}
	inc.CreatedAt, inc.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO incidents (id, endpoint_id, tenant_id, classification, title, details, occurrences, resolved, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9)`,
		inc.ID, inc.EndpointID, inc.TenantID, inc.Classification, inc.Title, nullableJSON(inc.Details),
		inc.Occurrences, inc.CreatedAt, inc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	return nil
}

func (s *Postgres) UpdateIncident(ctx context.Context, inc *models.Incident) error {
	inc.UpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE incidents SET details = $2, occurrences = $3, updated_at = $4 WHERE id = $1`,
		inc.ID, nullableJSON(inc.Details), inc.Occurrences, inc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}
	return nil
}

func (s *Postgres) CreateTenant(ctx context.Context, t *models.Tenant) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO tenants (id, email, monthly_call_limit) VALUES ($1, $2, $3)`,
		t.ID, t.Email, t.MonthlyCallLimit)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

func (s *Postgres) CreateAPIKey(ctx context.Context, tenantID, keyHash string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO api_keys (id, tenant_id, key_hash) VALUES ($1, $2, $3)`,
		uuid.New().String(), tenantID, keyHash)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// RevokeAPIKey deletes a key by hash.
func (s *Postgres) RevokeAPIKey(ctx context.Context, keyHash string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM api_keys WHERE key_hash = $1`, keyHash)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) CreateService(ctx context.Context, svc *models.Service) error {
	if svc.ID == "" {
		svc.ID = uuid.New().String()
	}
	cols := models.ColumnsFor(svc.Auth)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO services (id, tenant_id, name, base_url, auth_type, auth_placement, auth_name, auth_secret)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''))`,
		svc.ID, svc.TenantID, svc.Name, svc.BaseURL, string(cols.Type), string(cols.Placement), cols.Name, cols.Secret)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	return nil
}

func (s *Postgres) CreateEndpoint(ctx context.Context, ep *models.EndpointPolicy) error {
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	headers := ep.CustomHeaders
	if headers == nil {
		headers = map[string]string{}
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO endpoints (`+endpointColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		ep.ID, ep.ServiceID, ep.Method, ep.Path, ep.PathPattern, ep.UpstreamURL,
		ep.CacheEnabled, ep.CacheTTL, ep.RetryEnabled, ep.RetryCount, ep.RetryInterval,
		ep.MockEnabled, ep.MockStatus, ep.MockBody, ep.FallbackEnabled, ep.FallbackStatus, ep.FallbackBody,
		ep.TransformEnabled, ep.TransformSource, ep.CustomHeadersEnabled, headers, ep.SchemaMonitoring)
	if err != nil {
		return fmt.Errorf("failed to create endpoint: %w", err)
	}
	return nil
}

func (s *Postgres) ResolveIncident(ctx context.Context, incidentID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE incidents SET resolved = TRUE, updated_at = NOW() WHERE id = $1`, incidentID)
	if err != nil {
		return fmt.Errorf("failed to resolve incident: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
