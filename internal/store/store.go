// Package store is the gateway's persistent-store adapter. Postgres is the
// production backend; SQLite serves single-node deployments and tests. Both
// implement the same method set, and consumers declare the narrow interface
// they need.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/api200/gateway/internal/database"
	"github.com/api200/gateway/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store is the full method set shared by Postgres and SQLite.
type Store interface {
	TenantForKey(ctx context.Context, keyHash string) (string, error)
	IncrementUsage(ctx context.Context, tenantID string, now time.Time) (models.Usage, error)
	TenantEmail(ctx context.Context, tenantID string) (string, error)
	ServiceEndpoints(ctx context.Context, tenantID, serviceName string) (*models.Service, []models.EndpointPolicy, error)

	InsertLog(ctx context.Context, rec *models.LogRecord) error
	CountFailures(ctx context.Context, endpointID string, errorCode int, since time.Time) (int, error)

	LatestSchema(ctx context.Context, endpointID string) (*models.SchemaSnapshot, error)
	InsertSchema(ctx context.Context, snap *models.SchemaSnapshot) error

	OpenIncident(ctx context.Context, endpointID, classification string) (*models.Incident, error)
	InsertIncident(ctx context.Context, inc *models.Incident) error
	UpdateIncident(ctx context.Context, inc *models.Incident) error

	CreateTenant(ctx context.Context, t *models.Tenant) error
	CreateAPIKey(ctx context.Context, tenantID, keyHash string) error
	RevokeAPIKey(ctx context.Context, keyHash string) error
	CreateService(ctx context.Context, svc *models.Service) error
	CreateEndpoint(ctx context.Context, ep *models.EndpointPolicy) error
	ResolveIncident(ctx context.Context, incidentID string) error
}

// HashKey is the lookup form of a raw API key.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// Period is the monthly usage bucket for t.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*SQLite)(nil)
)

// ForConn returns the store backed by an open database connection.
func ForConn(conn database.Conn) (Store, error) {
	switch c := conn.(type) {
	case *database.PostgresDB:
		return NewPostgres(c.Pool), nil
	case *database.SQLiteDB:
		return NewSQLite(c.DB), nil
	default:
		return nil, fmt.Errorf("unsupported database connection %T", conn)
	}
}
