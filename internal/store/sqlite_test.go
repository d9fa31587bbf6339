package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/api200/gateway/internal/database"
	"github.com/api200/gateway/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *SQLite
	tenant   *models.Tenant
	service  *models.Service
	endpoint *models.EndpointPolicy
}

func newFixture(t *testing.T, limit int64) *fixture {
	t.Helper()

	db, err := database.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	ctx := context.Background()
	s := NewSQLite(db.DB)

	tenant := &models.Tenant{Email: "owner@example.com", MonthlyCallLimit: limit}
	require.NoError(t, s.CreateTenant(ctx, tenant))
	require.NoError(t, s.CreateAPIKey(ctx, tenant.ID, HashKey("k-123")))

	svc := &models.Service{
		TenantID: tenant.ID,
		Name:     "billing",
		BaseURL:  "https://billing.example.com",
		Auth:     models.AuthBearer{Secret: "enc"},
	}
	require.NoError(t, s.CreateService(ctx, svc))

	ep := &models.EndpointPolicy{
		ServiceID:            svc.ID,
		Method:               "GET",
		Path:                 "/invoices/{id}",
		PathPattern:          `^/invoices/([^/]+)$`,
		UpstreamURL:          "https://billing.example.com/v1/invoices/{id}",
		CacheEnabled:         true,
		CacheTTL:             60,
		CustomHeadersEnabled: true,
		CustomHeaders:        map[string]string{"X-Env": "prod"},
		SchemaMonitoring:     true,
	}
	require.NoError(t, s.CreateEndpoint(ctx, ep))

	return &fixture{store: s, tenant: tenant, service: svc, endpoint: ep}
}

func TestSQLite_TenantForKey(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	tenantID, err := f.store.TenantForKey(ctx, HashKey("k-123"))
	require.NoError(t, err)
	assert.Equal(t, f.tenant.ID, tenantID)

	_, err = f.store.TenantForKey(ctx, HashKey("unknown"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_RevokeAPIKey(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	require.NoError(t, f.store.RevokeAPIKey(ctx, HashKey("k-123")))
	_, err := f.store.TenantForKey(ctx, HashKey("k-123"))
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, f.store.RevokeAPIKey(ctx, HashKey("k-123")), ErrNotFound)
}

func TestForConn(t *testing.T) {
	db, err := database.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := ForConn(db)
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
}

func TestSQLite_IncrementUsage(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	now := time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC)

	for i := int64(1); i <= 3; i++ {
		usage, err := f.store.IncrementUsage(ctx, f.tenant.ID, now)
		require.NoError(t, err)
		assert.Equal(t, i, usage.Current)
		assert.Equal(t, int64(2), usage.Limit)
		assert.Equal(t, i > 2, usage.Exceeded())
	}

	// A new month starts a fresh counter.
	usage, err := f.store.IncrementUsage(ctx, f.tenant.ID, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Current)

	_, err = f.store.IncrementUsage(ctx, "missing", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ServiceEndpoints(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	svc, endpoints, err := f.store.ServiceEndpoints(ctx, f.tenant.ID, "billing")
	require.NoError(t, err)
	assert.Equal(t, f.service.ID, svc.ID)
	assert.Equal(t, models.AuthBearer{Secret: "enc"}, svc.Auth)

	require.Len(t, endpoints, 1)
	ep := endpoints[0]
	assert.Equal(t, f.endpoint.ID, ep.ID)
	assert.True(t, ep.CacheEnabled)
	assert.Equal(t, 60, ep.CacheTTL)
	assert.False(t, ep.MockEnabled)
	assert.Equal(t, map[string]string{"X-Env": "prod"}, ep.CustomHeaders)

	_, _, err = f.store.ServiceEndpoints(ctx, f.tenant.ID, "shipping")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_CountFailures(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	now := time.Now().UTC()

	records := []models.LogRecord{
		{StatusCode: 503, ErrorCode: 503, CreatedAt: now.Add(-time.Hour)},
		{StatusCode: 503, ErrorCode: 503, CreatedAt: now.Add(-2 * time.Hour)},
		{StatusCode: 503, ErrorCode: 503, CreatedAt: now.Add(-25 * time.Hour)},
		{StatusCode: 500, ErrorCode: 500, CreatedAt: now.Add(-time.Minute)},
		{StatusCode: 200, CreatedAt: now},
	}
	for i := range records {
		rec := records[i]
		rec.EndpointID = f.endpoint.ID
		rec.TenantID = f.tenant.ID
		rec.CorrelationID = "c"
		rec.Method = "GET"
		rec.Path = "/invoices/42"
		rec.RequestHeaders = map[string]string{"accept": "application/json"}
		require.NoError(t, f.store.InsertLog(ctx, &rec))
	}

	count, err := f.store.CountFailures(ctx, f.endpoint.ID, 503, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = f.store.CountFailures(ctx, f.endpoint.ID, 500, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLite_SchemaHistory(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	snap, err := f.store.LatestSchema(ctx, f.endpoint.ID)
	require.NoError(t, err)
	assert.Nil(t, snap)

	require.NoError(t, f.store.InsertSchema(ctx, &models.SchemaSnapshot{EndpointID: f.endpoint.ID, Schema: json.RawMessage(`{"type":"string"}`)}))
	require.NoError(t, f.store.InsertSchema(ctx, &models.SchemaSnapshot{EndpointID: f.endpoint.ID, Schema: json.RawMessage(`{"type":"number"}`)}))

	snap, err = f.store.LatestSchema(ctx, f.endpoint.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.JSONEq(t, `{"type":"number"}`, string(snap.Schema))
}

func TestSQLite_Incidents(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	open, err := f.store.OpenIncident(ctx, f.endpoint.ID, "503")
	require.NoError(t, err)
	assert.Nil(t, open)

	inc := &models.Incident{
		EndpointID:     f.endpoint.ID,
		TenantID:       f.tenant.ID,
		Classification: "503",
		Title:          "Upstream failing",
	}
	require.NoError(t, f.store.InsertIncident(ctx, inc))
	assert.Equal(t, 1, inc.Occurrences)

	open, err = f.store.OpenIncident(ctx, f.endpoint.ID, "503")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, inc.ID, open.ID)
	assert.Nil(t, open.Details)

	open.Occurrences = 2
	open.Details = json.RawMessage(`{"previous":1}`)
	require.NoError(t, f.store.UpdateIncident(ctx, open))

	open, err = f.store.OpenIncident(ctx, f.endpoint.ID, "503")
	require.NoError(t, err)
	assert.Equal(t, 2, open.Occurrences)
	assert.JSONEq(t, `{"previous":1}`, string(open.Details))

	require.NoError(t, f.store.ResolveIncident(ctx, inc.ID))
	open, err = f.store.OpenIncident(ctx, f.endpoint.ID, "503")
	require.NoError(t, err)
	assert.Nil(t, open)

	assert.ErrorIs(t, f.store.ResolveIncident(ctx, "missing"), ErrNotFound)
}

func TestHashKeyAndPeriod(t *testing.T) {
	assert.Len(t, HashKey("abc"), 64)
	assert.NotEqual(t, HashKey("abc"), HashKey("abd"))

	loc := time.FixedZone("UTC+3", 3*3600)
	assert.Equal(t, "2026-02", Period(time.Date(2026, 3, 1, 1, 0, 0, 0, loc)))
}
