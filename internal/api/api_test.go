package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/api200/gateway/internal/auth"
	"github.com/api200/gateway/internal/cache"
	"github.com/api200/gateway/internal/database"
	"github.com/api200/gateway/internal/metrics"
	"github.com/api200/gateway/internal/middleware"
	"github.com/api200/gateway/internal/models"
	"github.com/api200/gateway/internal/store"
	"github.com/api200/gateway/internal/store/storetest"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const adminSecret = "admin-secret"

type harness struct {
	fx     *storetest.Fixture
	cache  *cache.MemoryCache
	router *mux.Router
	token  string
}

func newHarness(t *testing.T, db database.Conn) *harness {
	t.Helper()
	fx := storetest.New(t, 0)
	if db == nil {
		db = &database.SQLiteDB{DB: fx.DB}
	}
	mem := cache.NewMemoryCache()

	obs := NewObservabilityHandler(db, nil, nil, metrics.New())
	admin := NewAdminHandler(cache.NewInvalidator(mem), fx.Store, zap.NewNop())

	r := mux.NewRouter()
	RegisterRoutes(r, obs, admin, middleware.NewAdminAuth(adminSecret))

	token, _, err := auth.MintAdminToken("ops", adminSecret, time.Minute)
	require.NoError(t, err)

	return &harness{fx: fx, cache: mem, router: r, token: token}
}

func (h *harness) do(method, path, body string, admin bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if admin {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

type downDB struct{}

func (downDB) Ping(context.Context) error { return assert.AnError }
func (downDB) Migrate() error             { return nil }
func (downDB) Close() error               { return nil }

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		h := newHarness(t, nil)
		rec := h.do("GET", "/health", "", false)
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["status"])
		assert.NotContains(t, body["checks"], "redis")
	})

	t.Run("database down", func(t *testing.T) {
		h := newHarness(t, downDB{})
		rec := h.do("GET", "/health", "", false)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "unhealthy")
	})
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do("GET", "/metrics", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; version=0.0.4", rec.Header().Get("Content-Type"))
}

func TestAdminRequiresToken(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, http.StatusUnauthorized, h.do("GET", "/admin/stats", "", false).Code)
	assert.Equal(t, http.StatusOK, h.do("GET", "/admin/stats", "", true).Code)
}

func TestInvalidateCache(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		body     string
		wantCode int
		gone     []string
		kept     []string
	}{
		{
			name:     "service routes",
			body:     `{"tenant_id":"t1","service":"billing"}`,
			wantCode: http.StatusOK,
			gone:     []string{cache.RouteKey("t1", "billing", "v1/invoices")},
			kept:     []string{cache.RouteKey("t1", "billingv2", "v1/invoices"), cache.ResponseKey("ep1", "a=1")},
		},
		{
			name:     "endpoint responses",
			body:     `{"endpoint_id":"ep1"}`,
			wantCode: http.StatusOK,
			gone:     []string{cache.ResponseKey("ep1", "a=1")},
			kept:     []string{cache.ResponseKey("ep10", "a=1"), cache.RouteKey("t1", "billing", "v1/invoices")},
		},
		{
			name:     "api key",
			body:     `{"api_key":"raw-key"}`,
			wantCode: http.StatusOK,
			gone:     []string{cache.APIKeyKey(store.HashKey("raw-key"))},
		},
		{name: "service without tenant", body: `{"service":"billing"}`, wantCode: http.StatusBadRequest},
		{name: "empty", body: `{}`, wantCode: http.StatusBadRequest},
		{name: "malformed", body: `{`, wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			for _, k := range append(append([]string{}, tt.gone...), tt.kept...) {
				require.NoError(t, h.cache.Set(ctx, k, []byte("x"), time.Hour))
			}

			rec := h.do("POST", "/admin/cache/invalidate", tt.body, true)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())

			for _, k := range tt.gone {
				_, err := h.cache.Get(ctx, k)
				assert.ErrorIs(t, err, cache.ErrCacheMiss, k)
			}
			for _, k := range tt.kept {
				_, err := h.cache.Get(ctx, k)
				assert.NoError(t, err, k)
			}
		})
	}
}

func TestResolveIncident(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	svc := h.fx.Service(t, "billing", "https://billing.example", nil)
	ep := h.fx.Endpoint(t, svc, &models.EndpointPolicy{Path: "/v1/invoices", Method: "GET"})
	inc := &models.Incident{EndpointID: ep.ID, TenantID: h.fx.Tenant.ID, Classification: "503", Title: "HTTP 503", Occurrences: 3}
	require.NoError(t, h.fx.Store.InsertIncident(ctx, inc))

	rec := h.do("POST", "/admin/incidents/"+inc.ID+"/resolve", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.fx.Count(t, "incidents", "resolved = 1"))

	open, err := h.fx.Store.OpenIncident(ctx, ep.ID, "503")
	require.NoError(t, err)
	assert.Nil(t, open)

	rec = h.do("POST", "/admin/incidents/does-not-exist/resolve", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
