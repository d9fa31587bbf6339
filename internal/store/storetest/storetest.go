// Package storetest provides a migrated in-memory SQLite store with seeding
// helpers for tests in other packages.
package storetest

import (
	"context"
	"database/sql"
	"testing"

	"github.com/api200/gateway/internal/database"
	"github.com/api200/gateway/internal/models"
	"github.com/api200/gateway/internal/store"
	"github.com/stretchr/testify/require"
)

type Fixture struct {
	DB     *sql.DB
	Store  *store.SQLite
	Tenant *models.Tenant
	APIKey string
}

// New opens a fresh database with one tenant holding the API key "test-key".
func New(t *testing.T, monthlyLimit int64) *Fixture {
	t.Helper()

	db, err := database.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	ctx := context.Background()
	s := store.NewSQLite(db.DB)

	tenant := &models.Tenant{Email: "owner@tenant.io", MonthlyCallLimit: monthlyLimit}
	require.NoError(t, s.CreateTenant(ctx, tenant))
	require.NoError(t, s.CreateAPIKey(ctx, tenant.ID, store.HashKey("test-key")))

	return &Fixture{DB: db.DB, Store: s, Tenant: tenant, APIKey: "test-key"}
}

// Service registers a service for the fixture tenant.
func (f *Fixture) Service(t *testing.T, name, baseURL string, auth models.AuthConfig) *models.Service {
	t.Helper()
	if auth == nil {
		auth = models.AuthNone{}
	}
	svc := &models.Service{TenantID: f.Tenant.ID, Name: name, BaseURL: baseURL, Auth: auth}
	require.NoError(t, f.Store.CreateService(context.Background(), svc))
	return svc
}

// Endpoint registers ep under svc.
func (f *Fixture) Endpoint(t *testing.T, svc *models.Service, ep *models.EndpointPolicy) *models.EndpointPolicy {
	t.Helper()
	ep.ServiceID = svc.ID
	require.NoError(t, f.Store.CreateEndpoint(context.Background(), ep))
	return ep
}

// Count returns the number of rows in table matching where.
func (f *Fixture) Count(t *testing.T, table, where string, args ...any) int {
	t.Helper()
	var n int
	q := "SELECT COUNT(*) FROM " + table
	if where != "" {
		q += " WHERE " + where
	}
	require.NoError(t, f.DB.QueryRow(q, args...).Scan(&n))
	return n
}
