package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/api200/gateway/internal/apierr"
	"github.com/api200/gateway/internal/cache"
	"github.com/api200/gateway/internal/models"
	"github.com/api200/gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubKeyStore struct {
	mu      sync.Mutex
	keys    map[string]string
	lookups int
	calls   int64
	limit   int64
	err     error
}

func (s *stubKeyStore) TenantForKey(_ context.Context, keyHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.err != nil {
		return "", s.err
	}
	tenant, ok := s.keys[keyHash]
	if !ok {
		return "", store.ErrNotFound
	}
	return tenant, nil
}

func (s *stubKeyStore) IncrementUsage(context.Context, string, time.Time) (models.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return models.Usage{Current: s.calls, Limit: s.limit}, nil
}

func TestGate_Authenticate(t *testing.T) {
	st := &stubKeyStore{keys: map[string]string{store.HashKey("good-key"): "tenant-1"}}
	mem := cache.NewMemoryCache()
	gate := NewGate(st, mem, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		key     string
		want    string
		wantErr error
	}{
		{name: "missing key", key: "", wantErr: apierr.ErrMissingAPIKey},
		{name: "unknown key", key: "bad-key", wantErr: apierr.ErrInvalidAPIKey},
		{name: "valid key", key: "good-key", want: "tenant-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tenant, err := gate.Authenticate(ctx, tt.key)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				e, ok := apierr.As(err)
				require.True(t, ok)
				assert.Equal(t, 401, e.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, tenant)
		})
	}
}

func TestGate_AuthenticateUsesCache(t *testing.T) {
	st := &stubKeyStore{keys: map[string]string{store.HashKey("good-key"): "tenant-1"}}
	mem := cache.NewMemoryCache()
	gate := NewGate(st, mem, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tenant, err := gate.Authenticate(ctx, "good-key")
		require.NoError(t, err)
		assert.Equal(t, "tenant-1", tenant)
	}
	assert.Equal(t, 1, st.lookups)

	cached, err := mem.Get(ctx, cache.APIKeyKey(store.HashKey("good-key")))
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", string(cached))

	require.NoError(t, gate.InvalidateKey(ctx, "good-key"))
	_, err = gate.Authenticate(ctx, "good-key")
	require.NoError(t, err)
	assert.Equal(t, 2, st.lookups)
}

func TestGate_AuthenticateStoreFailure(t *testing.T) {
	st := &stubKeyStore{err: errors.New("connection reset")}
	gate := NewGate(st, cache.NewMemoryCache(), nil)

	_, err := gate.Authenticate(context.Background(), "any")
	require.Error(t, err)
	assert.False(t, apierr.IsKind(err, apierr.KindAuth))
}

func TestGate_CheckQuota(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled accounting never touches the store", func(t *testing.T) {
		st := &stubKeyStore{limit: 1}
		gate := NewGate(st, cache.NewMemoryCache(), nil)
		for i := 0; i < 5; i++ {
			require.NoError(t, gate.CheckQuota(ctx, "tenant-1"))
		}
		assert.Zero(t, st.calls)
	})

	t.Run("over limit is rejected with counts", func(t *testing.T) {
		st := &stubKeyStore{limit: 2}
		gate := NewGate(st, cache.NewMemoryCache(), nil, WithUsageAccounting(true))

		require.NoError(t, gate.CheckQuota(ctx, "tenant-1"))
		require.NoError(t, gate.CheckQuota(ctx, "tenant-1"))

		err := gate.CheckQuota(ctx, "tenant-1")
		e, ok := apierr.As(err)
		require.True(t, ok)
		assert.Equal(t, 429, e.Status)
		assert.Equal(t, "API200 Error: Monthly API call limit exceeded (3/2)", e.Message)
	})

	t.Run("zero limit means unlimited", func(t *testing.T) {
		st := &stubKeyStore{limit: 0}
		gate := NewGate(st, cache.NewMemoryCache(), nil, WithUsageAccounting(true))
		for i := 0; i < 5; i++ {
			require.NoError(t, gate.CheckQuota(ctx, "tenant-1"))
		}
	})
}

func TestAdminToken(t *testing.T) {
	token, expiresAt, err := MintAdminToken("ops@example.com", "secret", time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := ValidateToken(token, "secret")
	require.NoError(t, err)
	assert.True(t, claims.IsAdmin())
	assert.Equal(t, "ops@example.com", claims.Subject)

	_, err = ValidateToken(token, "other-secret")
	assert.Error(t, err)

	expired, _, err := MintAdminToken("ops", "secret", -time.Minute)
	require.NoError(t, err)
	_, err = ValidateToken(expired, "secret")
	assert.Error(t, err)
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey()
	require.NoError(t, err)
	b, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.Len(t, a, 43)
	assert.Contains(t, a, "a2_")
	assert.NotEqual(t, a, b)
}
