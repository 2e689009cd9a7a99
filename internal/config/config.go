package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Keystore backend selectors.
const (
	KeystoreFile     = "file"
	KeystoreDatabase = "database"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	ServiceName string
	Issuer      string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KeystoreBackend   string
	KeystorePath      string
	KeystoreBootstrap bool

	RefreshTokenTTL    time.Duration
	MaxRefreshTokenTTL time.Duration
	RequireTenant      bool

	IssueRateLimit  int
	IssueRateWindow time.Duration
	NonceTTL        time.Duration

	TelemetryEndpoint string
	TelemetryInsecure bool

	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	cfg := Config{
		Environment: getEnv("APP_ENV", "development"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "smallbiznis-tokens"),
		Issuer:      getEnv("TOKEN_ISSUER", "https://tokens.smallbiznis"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		KeystoreBackend:   getEnv("KEYSTORE_BACKEND", KeystoreFile),
		KeystorePath:      getEnv("KEYSTORE_PATH", "keyset.json"),
		KeystoreBootstrap: getBool("KEYSTORE_BOOTSTRAP", false),

		RefreshTokenTTL:    getDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		MaxRefreshTokenTTL: getDuration("REFRESH_TOKEN_MAX_TTL", 90*24*time.Hour),
		RequireTenant:      getBool("REQUIRE_TENANT", false),

		IssueRateLimit:  getInt("ISSUE_RATE_LIMIT", 30),
		IssueRateWindow: getDuration("ISSUE_RATE_WINDOW", time.Minute),
		NonceTTL:        getDuration("NONCE_TTL", 5*time.Minute),

		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", true),

		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "X-Request-Nonce"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	switch cfg.KeystoreBackend {
	case KeystoreFile, KeystoreDatabase:
	default:
		return Config{}, fmt.Errorf("unknown KEYSTORE_BACKEND %q", cfg.KeystoreBackend)
	}

	if cfg.RefreshTokenTTL > cfg.MaxRefreshTokenTTL {
		cfg.RefreshTokenTTL = cfg.MaxRefreshTokenTTL
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
