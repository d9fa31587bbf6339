package routing

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/api200/gateway/internal/apierr"
	"github.com/api200/gateway/internal/cache"
	"github.com/api200/gateway/internal/models"
	"github.com/api200/gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRouteStore struct {
	service   *models.Service
	endpoints []models.EndpointPolicy
	calls     atomic.Int32
}

func (s *stubRouteStore) ServiceEndpoints(_ context.Context, tenantID, name string) (*models.Service, []models.EndpointPolicy, error) {
	s.calls.Add(1)
	if s.service == nil || s.service.TenantID != tenantID || s.service.Name != name {
		return nil, nil, store.ErrNotFound
	}
	return s.service, s.endpoints, nil
}

func billingStore() *stubRouteStore {
	return &stubRouteStore{
		service: &models.Service{
			ID:       "svc-1",
			TenantID: "tenant-1",
			Name:     "billing",
			BaseURL:  "https://api.billing.com",
			Auth:     models.AuthNone{},
		},
		endpoints: []models.EndpointPolicy{
			{
				ID:          "ep-get",
				ServiceID:   "svc-1",
				Method:      "GET",
				Path:        "/invoices/{id}",
				UpstreamURL: "https://api.billing.com/v1/invoices/{id}",
			},
			{
				ID:          "ep-delete",
				ServiceID:   "svc-1",
				Method:      "DELETE",
				Path:        "/invoices/{id}",
				UpstreamURL: "/v1/invoices/{id}",
			},
			{
				ID:          "ep-broken",
				ServiceID:   "svc-1",
				Method:      "GET",
				Path:        "/reports/{year}",
				PathPattern: `^/reports/.*$`,
				UpstreamURL: "/v1/reports/{year}",
			},
			{
				ID:          "ep-list",
				ServiceID:   "svc-1",
				Method:      "GET",
				Path:        "/invoices",
				UpstreamURL: "/v1/invoices",
			},
		},
	}
}

func TestResolver_Resolve(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		service    string
		path       string
		method     string
		wantURL    string
		wantID     string
		wantKind   apierr.Kind
		wantStatus int
	}{
		{
			name:    "substitutes path parameter",
			service: "billing", path: "invoices/42", method: "GET",
			wantURL: "https://api.billing.com/v1/invoices/42", wantID: "ep-get",
		},
		{
			name:    "relative template joins base url",
			service: "billing", path: "invoices/42", method: "delete",
			wantURL: "https://api.billing.com/v1/invoices/42", wantID: "ep-delete",
		},
		{
			name:    "static path",
			service: "billing", path: "/invoices", method: "GET",
			wantURL: "https://api.billing.com/v1/invoices", wantID: "ep-list",
		},
		{
			name:    "escapes captured values",
			service: "billing", path: "invoices/a b", method: "GET",
			wantURL: "https://api.billing.com/v1/invoices/a%20b", wantID: "ep-get",
		},
		{
			name:    "unknown service",
			service: "shipping", path: "invoices/42", method: "GET",
			wantKind: apierr.KindRouteNotFound, wantStatus: 404,
		},
		{
			name:    "unknown path",
			service: "billing", path: "customers/1", method: "GET",
			wantKind: apierr.KindRouteNotFound, wantStatus: 404,
		},
		{
			name:    "method mismatch",
			service: "billing", path: "invoices/42", method: "POST",
			wantKind: apierr.KindMethodMismatch, wantStatus: 405, wantID: "ep-get",
		},
		{
			name:    "pattern captures too few parameters",
			service: "billing", path: "reports/2024", method: "GET",
			wantKind: apierr.KindPathParameterMismatch, wantStatus: 404, wantID: "ep-broken",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(billingStore(), cache.NewMemoryCache(), nil)
			res, err := r.Resolve(ctx, "tenant-1", tt.service, tt.path, tt.method)

			if tt.wantKind != "" {
				e, ok := apierr.As(err)
				require.True(t, ok, "expected gateway error, got %v", err)
				assert.Equal(t, tt.wantKind, e.Kind)
				assert.Equal(t, tt.wantStatus, e.Status)
				if tt.wantID != "" {
					require.NotNil(t, res)
					assert.Equal(t, tt.wantID, res.Endpoint.ID)
				} else {
					assert.Nil(t, res)
				}
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantURL, res.UpstreamURL)
			assert.Equal(t, tt.wantID, res.Endpoint.ID)
			assert.Equal(t, "svc-1", res.Service.ID)
		})
	}
}

func TestResolver_CachesBundles(t *testing.T) {
	ctx := context.Background()
	st := billingStore()
	mem := cache.NewMemoryCache()
	r := NewResolver(st, mem, nil)

	for i := 0; i < 3; i++ {
		res, err := r.Resolve(ctx, "tenant-1", "billing", "invoices/42", "GET")
		require.NoError(t, err)
		assert.Equal(t, "https://api.billing.com/v1/invoices/42", res.UpstreamURL)
	}
	assert.Equal(t, int32(1), st.calls.Load())

	var bundle models.RouteBundle
	require.NoError(t, cache.GetJSON(ctx, mem, cache.RouteKey("tenant-1", "billing", "invoices/42"), &bundle))
	assert.Len(t, bundle.Endpoints, 2)
	assert.Equal(t, models.AuthNone{}, bundle.Service.Auth)

	// A cached bundle also answers other methods of the same path.
	_, err := r.Resolve(ctx, "tenant-1", "billing", "invoices/42", "DELETE")
	require.NoError(t, err)
	assert.Equal(t, int32(1), st.calls.Load())

	require.NoError(t, cache.NewInvalidator(mem).Route(ctx, "tenant-1", "billing"))
	_, err = r.Resolve(ctx, "tenant-1", "billing", "invoices/42", "GET")
	require.NoError(t, err)
	assert.Equal(t, int32(2), st.calls.Load())
}

func TestResolver_ConcurrentMisses(t *testing.T) {
	st := billingStore()
	r := NewResolver(st, cache.NewMemoryCache(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), "tenant-1", "billing", "invoices/7", "GET")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, st.calls.Load(), int32(20))
	assert.GreaterOrEqual(t, st.calls.Load(), int32(1))
}

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		logical string
		want    string
	}{
		{"/invoices/{id}", `^/invoices/([^/]+)$`},
		{"invoices/{id}/lines/{line}", `^/invoices/([^/]+)/lines/([^/]+)$`},
		{"/v1.0/status", `^/v1\.0/status$`},
	}
	for _, tt := range tests {
		t.Run(tt.logical, func(t *testing.T) {
			assert.Equal(t, tt.want, CompilePattern(tt.logical))
		})
	}
}

func TestSubstitute(t *testing.T) {
	re := regexp.MustCompile(CompilePattern("/orders/{order}/items/{item}"))

	got, err := Substitute(re, "https://shop.example.com/api/{order}/{item}?expand=1", "/orders/o-1/items/9")
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com/api/o-1/9?expand=1", got)

	_, err = Substitute(re, "https://shop.example.com/api/{order}", "/orders/o-1")
	assert.True(t, apierr.IsKind(err, apierr.KindPathParameterMismatch))
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "https://a.com/v1/x", JoinURL("https://a.com/", "/v1/x"))
	assert.Equal(t, "https://b.com/y", JoinURL("https://a.com", "https://b.com/y"))
	assert.Equal(t, "/v1/x", JoinURL("", "/v1/x"))
}
