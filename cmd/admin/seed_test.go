package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/api200/gateway/internal/models"
	"github.com/api200/gateway/internal/secrets"
	"github.com/api200/gateway/internal/store"
	"github.com/api200/gateway/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedJSON = `{
  "tenant": {"email": "ops@acme.io", "monthly_call_limit": 1000},
  "services": [{
    "name": "billing",
    "base_url": "https://billing.acme.io",
    "auth": {"auth_type": "api_key", "auth_placement": "query", "auth_name": "key", "auth_secret": "sk-live-1"},
    "endpoints": [
      {"method": "GET", "path": "/v1/invoices/{id}", "cache_enabled": true, "cache_ttl": 60},
      {"method": "POST", "path": "/v1/invoices", "schema_monitoring": true}
    ]
  }]
}`

func TestParseSeedFile(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "valid", input: seedJSON},
		{name: "missing email", input: `{"tenant": {}}`, wantErr: "tenant.email"},
		{name: "unknown field", input: `{"tenant": {"email": "a@b.c"}, "extra": 1}`, wantErr: "invalid seed file"},
		{
			name:    "bad auth",
			input:   `{"tenant": {"email": "a@b.c"}, "services": [{"name": "s", "auth": {"auth_type": "basic"}}]}`,
			wantErr: "invalid auth type",
		},
		{
			name:    "endpoint without path",
			input:   `{"tenant": {"email": "a@b.c"}, "services": [{"name": "s", "endpoints": [{"method": "GET"}]}]}`,
			wantErr: "method and path",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseSeedFile(strings.NewReader(tt.input))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

const seedYAML = `
tenant:
  email: ops@acme.io
  monthly_call_limit: 1000
services:
  - name: billing
    base_url: https://billing.acme.io
    auth:
      auth_type: bearer_token
      auth_secret: tok-1
    endpoints:
      - method: GET
        path: /v1/invoices/{id}
        cache_enabled: true
        cache_ttl: 60
`

func TestYAMLSeedMatchesJSON(t *testing.T) {
	r, err := yamlToJSON(strings.NewReader(seedYAML))
	require.NoError(t, err)

	plan, err := parseSeedFile(r)
	require.NoError(t, err)
	assert.Equal(t, "ops@acme.io", plan.Tenant.Email)
	assert.Equal(t, int64(1000), plan.Tenant.MonthlyCallLimit)
	require.Len(t, plan.Services, 1)
	assert.Equal(t, models.AuthTypeBearer, plan.Services[0].Auth.Type)
	require.Len(t, plan.Services[0].Endpoints, 1)
	assert.True(t, plan.Services[0].Endpoints[0].CacheEnabled)
	assert.Equal(t, 60, plan.Services[0].Endpoints[0].CacheTTL)
}

func TestApplySeed(t *testing.T) {
	fx := storetest.New(t, 0)
	ctx := context.Background()

	codec, err := secrets.NewCodec([]byte(strings.Repeat("k", secrets.KeySize)))
	require.NoError(t, err)

	plan, err := parseSeedFile(strings.NewReader(seedJSON))
	require.NoError(t, err)

	res, err := applySeed(ctx, fx.Store, codec, plan)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Services)
	assert.Equal(t, 2, res.Endpoints)

	tenantID, err := fx.Store.TenantForKey(ctx, store.HashKey(res.APIKey))
	require.NoError(t, err)
	assert.Equal(t, res.TenantID, tenantID)

	svc, endpoints, err := fx.Store.ServiceEndpoints(ctx, res.TenantID, "billing")
	require.NoError(t, err)
	assert.Len(t, endpoints, 2)

	apiKey, ok := svc.Auth.(models.AuthAPIKey)
	require.True(t, ok)
	assert.Equal(t, models.PlacementQuery, apiKey.Placement)
	assert.NotEqual(t, "sk-live-1", apiKey.Secret)

	plain, err := codec.Decrypt(apiKey.Secret)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-1", plain)
}

func TestPrintPlan(t *testing.T) {
	plan, err := parseSeedFile(strings.NewReader(seedJSON))
	require.NoError(t, err)

	var buf bytes.Buffer
	printPlan(&buf, plan)
	assert.Contains(t, buf.String(), "ops@acme.io")
	assert.Contains(t, buf.String(), "GET /v1/invoices/{id}")
}
