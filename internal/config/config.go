package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Cache    CacheConfig
	Gateway  GatewayConfig
	Secrets  SecretsConfig
	Admin    AdminConfig
	Notify   NotifyConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	Environment  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	Type       string
	Host       string
	Port       int
	User       string
	Password   string
	DBName     string
	SSLMode    string
	MaxConns   int
	MinConns   int
	SQLitePath string
}

type RedisConfig struct {
	// Enabled selects the Redis-backed cache; otherwise an in-process cache is used.
	Enabled      bool
	Host         string
	Port         int
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
}

type CacheConfig struct {
	LocalEnabled bool
	LocalTTL     time.Duration
	LocalSizeMB  int
}

type GatewayConfig struct {
	UsageAccounting   bool
	UpstreamTimeout   time.Duration
	CircuitBreaker    bool
	SandboxTimeout    time.Duration
	SandboxMemoryMB   int
	SandboxCheckEvery time.Duration
}

type SecretsConfig struct {
	// EncryptionKey is the hex encoded 32-byte AES key.
	EncryptionKey string
}

type AdminConfig struct {
	JWTSecret     string
	JWTExpiration time.Duration
}

type NotifyConfig struct {
	APIURL string
	APIKey string
	From   string
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			Environment:  getEnv("ENVIRONMENT", "development"),
			ReadTimeout:  getEnvAsDuration("READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:  getEnvAsDuration("IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			Type:       getEnv("DB_TYPE", "postgres"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnvAsInt("DB_PORT", 5432),
			User:       getEnv("DB_USER", "postgres"),
			Password:   getEnv("DB_PASSWORD", ""),
			DBName:     getEnv("DB_NAME", "api200"),
			SSLMode:    getEnv("DB_SSLMODE", "disable"),
			MaxConns:   getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:   getEnvAsInt("DB_MIN_CONNS", 5),
			SQLitePath: getEnv("SQLITE_PATH", "api200.db"),
		},
		Redis: RedisConfig{
			Enabled:      getEnvAsBool("REDIS_ENABLED", true),
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnvAsInt("REDIS_PORT", 6379),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			DialTimeout:  getEnvAsDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvAsDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvAsDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 50),
			MinIdleConns: getEnvAsInt("REDIS_MIN_IDLE_CONNS", 5),
		},
		Cache: CacheConfig{
			LocalEnabled: getEnvAsBool("LOCAL_CACHE_ENABLED", true),
			LocalTTL:     getEnvAsDuration("LOCAL_CACHE_TTL", 30*time.Second),
			LocalSizeMB:  getEnvAsInt("LOCAL_CACHE_SIZE_MB", 64),
		},
		Gateway: GatewayConfig{
			UsageAccounting:   getEnvAsBool("USAGE_ACCOUNTING_ENABLED", false),
			UpstreamTimeout:   getEnvAsDuration("UPSTREAM_TIMEOUT", 30*time.Second),
			CircuitBreaker:    getEnvAsBool("CIRCUIT_BREAKER_ENABLED", false),
			SandboxTimeout:    getEnvAsDuration("SANDBOX_TIMEOUT", time.Second),
			SandboxMemoryMB:   getEnvAsInt("SANDBOX_MEMORY_LIMIT_MB", 100),
			SandboxCheckEvery: getEnvAsDuration("SANDBOX_MEMORY_CHECK_INTERVAL", 100*time.Millisecond),
		},
		Secrets: SecretsConfig{
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		},
		Admin: AdminConfig{
			JWTSecret:     getEnv("ADMIN_JWT_SECRET", "changeme"),
			JWTExpiration: getEnvAsDuration("ADMIN_JWT_EXPIRATION", time.Hour),
		},
		Notify: NotifyConfig{
			APIURL: getEnv("NOTIFY_API_URL", ""),
			APIKey: getEnv("NOTIFY_API_KEY", ""),
			From:   getEnv("NOTIFY_FROM", "API200 <alerts@api200.co>"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Admin.JWTSecret == "changeme" && c.Server.Environment == "production" {
		return fmt.Errorf("ADMIN_JWT_SECRET must be set in production")
	}

	switch c.Database.Type {
	case "postgres", "postgresql", "sqlite":
	default:
		return fmt.Errorf("invalid database type: %s", c.Database.Type)
	}

	if c.Secrets.EncryptionKey != "" {
		key, err := hex.DecodeString(c.Secrets.EncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters")
		}
	}

	if c.Gateway.SandboxTimeout <= 0 {
		return fmt.Errorf("SANDBOX_TIMEOUT must be positive")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	return valueStr == "true" || valueStr == "1"
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return duration
}
