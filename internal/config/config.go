package config

import (
	"os"
	"strings"
	"time"
)

// Config holds all runtime settings of the gateway.
type Config struct {
	Environment string
	LogLevel    string
	HTTPAddr    string
	GRPCAddr    string
	Masking     MaskingConfig
	Redis       RedisConfig
	Database    DatabaseConfig
	Auth        AuthConfig
	SessionTTL  time.Duration
	ResultTTL   time.Duration
}

// MaskingConfig points at the external masking backend.
type MaskingConfig struct {
	BaseURL string
	Timeout time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DatabaseConfig selects the job history store. Driver is "postgres" or "sqlite".
type DatabaseConfig struct {
	Driver string
	DSN    string
}

// AuthConfig signs and verifies session tokens.
type AuthConfig struct {
	JWTSecret   string
	JWTAudience string
}

// Load reads configuration from environment variables.
func Load() *Config {
	driver := strings.ToLower(getEnv("DATABASE_DRIVER", "postgres"))
	defaultDSN := "host=postgres user=postgres password=postgres dbname=piimasker port=5432 sslmode=disable"
	if driver == "sqlite" {
		defaultDSN = "./piimasker.db"
	}

	return &Config{
		Environment: getEnv("APP_ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:    getEnv("GRPC_ADDR", ":9090"),
		Masking: MaskingConfig{
			BaseURL: strings.TrimRight(getEnv("MASKING_BACKEND_URL", "http://127.0.0.1:8000"), "/"),
			Timeout: getDuration("MASKING_TIMEOUT", 60*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "redis:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		Database: DatabaseConfig{
			Driver: driver,
			DSN:    getEnv("DATABASE_DSN", defaultDSN),
		},
		Auth: AuthConfig{
			JWTSecret:   getEnv("JWT_SECRET", "dev-secret"),
			JWTAudience: os.Getenv("JWT_AUDIENCE"),
		},
		SessionTTL: getDuration("SESSION_TTL", 30*time.Minute),
		ResultTTL:  getDuration("RESULT_TTL", 15*time.Minute),
	}
}

// IsProduction reports whether the gateway runs with production defaults.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
