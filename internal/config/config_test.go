package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_TYPE", "sqlite")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.True(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Gateway.UsageAccounting)
	assert.Equal(t, time.Second, cfg.Gateway.SandboxTimeout)
	assert.Equal(t, 100, cfg.Gateway.SandboxMemoryMB)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_TYPE", "postgres")
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("USAGE_ACCOUNTING_ENABLED", "1")
	t.Setenv("SANDBOX_TIMEOUT", "250ms")
	t.Setenv("UPSTREAM_TIMEOUT", "not-a-duration")
	t.Setenv("DB_MAX_CONNS", "many")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.False(t, cfg.Redis.Enabled)
	assert.True(t, cfg.Gateway.UsageAccounting)
	assert.Equal(t, 250*time.Millisecond, cfg.Gateway.SandboxTimeout)
	assert.Equal(t, 30*time.Second, cfg.Gateway.UpstreamTimeout)
	assert.Equal(t, 25, cfg.Database.MaxConns)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{Environment: "development"},
			Database: DatabaseConfig{Type: "postgres"},
			Gateway:  GatewayConfig{SandboxTimeout: time.Second},
			Admin:    AdminConfig{JWTSecret: "changeme"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "sqlite", mutate: func(c *Config) { c.Database.Type = "sqlite" }},
		{
			name:    "unknown database",
			mutate:  func(c *Config) { c.Database.Type = "mysql" },
			wantErr: "invalid database type",
		},
		{
			name:    "default admin secret in production",
			mutate:  func(c *Config) { c.Server.Environment = "production" },
			wantErr: "ADMIN_JWT_SECRET",
		},
		{
			name:   "encryption key",
			mutate: func(c *Config) { c.Secrets.EncryptionKey = strings.Repeat("ab", 32) },
		},
		{
			name:    "short encryption key",
			mutate:  func(c *Config) { c.Secrets.EncryptionKey = "abcd" },
			wantErr: "ENCRYPTION_KEY",
		},
		{
			name:    "non-hex encryption key",
			mutate:  func(c *Config) { c.Secrets.EncryptionKey = strings.Repeat("zz", 32) },
			wantErr: "ENCRYPTION_KEY",
		},
		{
			name:    "sandbox timeout",
			mutate:  func(c *Config) { c.Gateway.SandboxTimeout = 0 },
			wantErr: "SANDBOX_TIMEOUT",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
