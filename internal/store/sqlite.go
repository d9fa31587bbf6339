package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/api200/gateway/internal/models"
	"github.com/google/uuid"
)

// SQLite stores times as UTC so that lexical comparison on created_at holds.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) TenantForKey(ctx context.Context, keyHash string) (string, error) {
	var tenantID string
	err := s.db.QueryRowContext(ctx, `SELECT tenant_id FROM api_keys WHERE key_hash = ?`, keyHash).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up api key: %w", err)
	}
	return tenantID, nil
}

func (s *SQLite) IncrementUsage(ctx context.Context, tenantID string, now time.Time) (models.Usage, error) {
	var usage models.Usage

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return usage, fmt.Errorf("failed to begin usage transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `SELECT monthly_call_limit FROM tenants WHERE id = ?`, tenantID).Scan(&usage.Limit)
	if errors.Is(err, sql.ErrNoRows) {
		return usage, ErrNotFound
	}
	if err != nil {
		return usage, fmt.Errorf("failed to read call limit: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO usage_counters (tenant_id, period, calls) VALUES (?, ?, 1)
		ON CONFLICT (tenant_id, period) DO UPDATE SET calls = calls + 1
		RETURNING calls`, tenantID, Period(now)).Scan(&usage.Current)
	if err != nil {
		return usage, fmt.Errorf("failed to increment usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return usage, fmt.Errorf("failed to commit usage: %w", err)
	}
	return usage, nil
}

func (s *SQLite) TenantEmail(ctx context.Context, tenantID string) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx, `SELECT email FROM tenants WHERE id = ?`, tenantID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up tenant: %w", err)
	}
	return email, nil
}

func (s *SQLite) ServiceEndpoints(ctx context.Context, tenantID, serviceName string) (*models.Service, []models.EndpointPolicy, error) {
	var (
		svc  models.Service
		cols models.AuthColumns
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, base_url, auth_type,
			COALESCE(auth_placement, ''), COALESCE(auth_name, ''), COALESCE(auth_secret, '')
		FROM services WHERE tenant_id = ? AND name = ?`, tenantID, serviceName).
		Scan(&svc.ID, &svc.TenantID, &svc.Name, &svc.BaseURL, &cols.Type, &cols.Placement, &cols.Name, &cols.Secret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load service: %w", err)
	}

	svc.Auth, err = cols.AuthConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("service %s: %w", svc.Name, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE service_id = ? ORDER BY path, method`, svc.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []models.EndpointPolicy
	for rows.Next() {
		var (
			ep      models.EndpointPolicy
			headers string
		)
		err := rows.Scan(&ep.ID, &ep.ServiceID, &ep.Method, &ep.Path, &ep.PathPattern, &ep.UpstreamURL,
			&ep.CacheEnabled, &ep.CacheTTL, &ep.RetryEnabled, &ep.RetryCount, &ep.RetryInterval,
			&ep.MockEnabled, &ep.MockStatus, &ep.MockBody, &ep.FallbackEnabled, &ep.FallbackStatus, &ep.FallbackBody,
			&ep.TransformEnabled, &ep.TransformSource, &ep.CustomHeadersEnabled, &headers,
			&ep.SchemaMonitoring)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan endpoint: %w", err)
		}
		if headers != "" {
			if err := json.Unmarshal([]byte(headers), &ep.CustomHeaders); err != nil {
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

func (s *SQLite) InsertLog(ctx context.Context, rec *models.LogRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	reqHeaders, err := jsonText(rec.RequestHeaders)
	if err != nil {
		return err
	}
	respHeaders, err := jsonText(rec.ResponseHeaders)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO request_logs (id, endpoint_id, tenant_id, correlation_id, method, path, upstream_url,
			request_headers, request_body, response_headers, response_body, status_code, error_code,
			duration_ms, ip, cache_hit, is_mock_response, is_fallback_response, retry_number, error, created_at)
		VALUES (` + placeholders(21) + `)
	`
	_, err = s.db.ExecContext(ctx, query, rec.ID, rec.EndpointID, rec.TenantID, rec.CorrelationID, rec.Method, rec.Path,
		rec.UpstreamURL, reqHeaders, rec.RequestBody, respHeaders, rec.ResponseBody,
		rec.StatusCode, rec.ErrorCode, rec.DurationMS, rec.IP, rec.CacheHit, rec.IsMockResponse,
		rec.IsFallbackResponse, rec.RetryNumber, rec.Error, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert request log: %w", err)
	}
	return nil
}

func (s *SQLite) CountFailures(ctx context.Context, endpointID string, errorCode int, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM request_logs
		WHERE endpoint_id = ? AND error_code = ? AND created_at >= ?`,
		endpointID, errorCode, since.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count failures: %w", err)
	}
	return count, nil
}

func (s *SQLite) LatestSchema(ctx context.Context, endpointID string) (*models.SchemaSnapshot, error) {
	var (
		snap   = models.SchemaSnapshot{EndpointID: endpointID}
		schema string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT schema, created_at FROM schema_history
		WHERE endpoint_id = ? ORDER BY id DESC LIMIT 1`, endpointID).
		Scan(&schema, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	snap.Schema = json.RawMessage(schema)
	return &snap, nil
}

func (s *SQLite) InsertSchema(ctx context.Context, snap *models.SchemaSnapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	snap.CreatedAt = snap.CreatedAt.UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO schema_history (endpoint_id, schema, created_at) VALUES (?, ?, ?)`,
		snap.EndpointID, string(snap.Schema), snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert schema: %w", err)
	}
	return nil
}

func (s *SQLite) OpenIncident(ctx context.Context, endpointID, classification string) (*models.Incident, error) {
	var (
		inc     models.Incident
		details sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, endpoint_id, tenant_id, classification, title, details, occurrences, resolved, created_at, updated_at
		FROM incidents
		WHERE endpoint_id = ? AND classification = ? AND resolved = 0
		ORDER BY created_at DESC LIMIT 1`, endpointID, classification).
		Scan(&inc.ID, &inc.EndpointID, &inc.TenantID, &inc.Classification, &inc.Title, &details,
			&inc.Occurrences, &inc.Resolved, &inc.CreatedAt, &inc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load incident: %w", err)
	}
	if details.Valid {
		inc.Details = json.RawMessage(details.String)
	}
	return &inc, nil
}

func (s *SQLite) InsertIncident(ctx context.Context, inc *models.Incident) error {
	now := time.Now().UTC()
	if inc.ID == "" {
		inc.ID = uuid.New().String()
	}
	if inc.Occurrences == 0 {
		inc.Occurrences = 1
	}
	inc.CreatedAt, inc.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, endpoint_id, tenant_id, classification, title, details, occurrences, resolved, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		inc.ID, inc.EndpointID, inc.TenantID, inc.Classification, inc.Title, nullableText(inc.Details),
		inc.Occurrences, inc.CreatedAt, inc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateIncident(ctx context.Context, inc *models.Incident) error {
	inc.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE incidents SET details = ?, occurrences = ?, updated_at = ? WHERE id = ?`,
		nullableText(inc.Details), inc.Occurrences, inc.UpdatedAt, inc.ID)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}
	return nil
}

func (s *SQLite) CreateTenant(ctx context.Context, t *models.Tenant) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tenants (id, email, monthly_call_limit) VALUES (?, ?, ?)`,
		t.ID, t.Email, t.MonthlyCallLimit)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

func (s *SQLite) CreateAPIKey(ctx context.Context, tenantID, keyHash string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO api_keys (id, tenant_id, key_hash) VALUES (?, ?, ?)`,
		uuid.New().String(), tenantID, keyHash)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

func (s *SQLite) RevokeAPIKey(ctx context.Context, keyHash string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE key_hash = ?`, keyHash)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) CreateService(ctx context.Context, svc *models.Service) error {
	if svc.ID == "" {
		svc.ID = uuid.New().String()
	}
	cols := models.ColumnsFor(svc.Auth)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO services (id, tenant_id, name, base_url, auth_type, auth_placement, auth_name, auth_secret)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''))`,
		svc.ID, svc.TenantID, svc.Name, svc.BaseURL, string(cols.Type), string(cols.Placement), cols.Name, cols.Secret)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	return nil
}

func (s *SQLite) CreateEndpoint(ctx context.Context, ep *models.EndpointPolicy) error {
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	headers := ep.CustomHeaders
	if headers == nil {
		headers = map[string]string{}
	}
	encoded, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("failed to encode custom headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO endpoints (`+endpointColumns+`) VALUES (`+placeholders(22)+`)`,
		ep.ID, ep.ServiceID, ep.Method, ep.Path, ep.PathPattern, ep.UpstreamURL,
		ep.CacheEnabled, ep.CacheTTL, ep.RetryEnabled, ep.RetryCount, ep.RetryInterval,
		ep.MockEnabled, ep.MockStatus, ep.MockBody, ep.FallbackEnabled, ep.FallbackStatus, ep.FallbackBody,
		ep.TransformEnabled, ep.TransformSource, ep.CustomHeadersEnabled, string(encoded), ep.SchemaMonitoring)
	if err != nil {
		return fmt.Errorf("failed to create endpoint: %w", err)
	}
	return nil
}

func (s *SQLite) ResolveIncident(ctx context.Context, incidentID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE incidents SET resolved = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), incidentID)
	if err != nil {
		return fmt.Errorf("failed to resolve incident: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func jsonText(v map[string]string) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode headers: %w", err)
	}
	return string(b), nil
}

func nullableText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
