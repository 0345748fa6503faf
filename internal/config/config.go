package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	ServiceName string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Upstream identity provider.
	UpstreamIssuer       string
	UpstreamClientID     string
	UpstreamClientSecret string
	UpstreamAuthURL      string
	UpstreamTokenURL     string
	UpstreamProfileURL   string
	UpstreamJWKSURL      string
	UpstreamTimeout      time.Duration
	RedirectURI          string
	Scope                string

	// Broker-issued tokens.
	TokenIssuer     string
	TokenAudience   string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	SigningKeyPEM   string
	SigningKeyFile  string
	LegacySecret    string

	PKCETTL              time.Duration
	JWKSCacheTTL         time.Duration
	UpstreamExpiryBuffer time.Duration

	SyncSchedule      string
	SyncWorkers       int
	SyncRecordTimeout time.Duration

	RateLimitRPM         int
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment: getEnv("APP_ENV", "development"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "sso-broker"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		UpstreamIssuer:       strings.TrimSpace(os.Getenv("UPSTREAM_ISSUER")),
		UpstreamClientID:     strings.TrimSpace(os.Getenv("UPSTREAM_CLIENT_ID")),
		UpstreamClientSecret: os.Getenv("UPSTREAM_CLIENT_SECRET"),
		UpstreamAuthURL:      os.Getenv("UPSTREAM_AUTH_URL"),
		UpstreamTokenURL:     os.Getenv("UPSTREAM_TOKEN_URL"),
		UpstreamProfileURL:   os.Getenv("UPSTREAM_PROFILE_URL"),
		UpstreamJWKSURL:      os.Getenv("UPSTREAM_JWKS_URL"),
		UpstreamTimeout:      getDuration("UPSTREAM_TIMEOUT", 10*time.Second),
		RedirectURI:          os.Getenv("REDIRECT_URI"),
		Scope:                getEnv("UPSTREAM_SCOPE", "openid profile email offline_access"),

		TokenIssuer:     getEnv("TOKEN_ISSUER", "https://exchange.tradeport.local"),
		TokenAudience:   getEnv("TOKEN_AUDIENCE", "TRADE_EXCHANGE"),
		AccessTokenTTL:  getDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: getDuration("REFRESH_TOKEN_TTL", 24*time.Hour),
		SigningKeyPEM:   os.Getenv("SIGNING_KEY_PEM"),
		SigningKeyFile:  os.Getenv("SIGNING_KEY_FILE"),
		LegacySecret:    os.Getenv("LEGACY_SIGNING_SECRET"),

		PKCETTL:              getDuration("PKCE_TTL", 300*time.Second),
		JWKSCacheTTL:         getDuration("JWKS_CACHE_TTL", 6*time.Hour),
		UpstreamExpiryBuffer: getDuration("UPSTREAM_EXPIRY_BUFFER", 120*time.Second),

		SyncSchedule:      getEnv("SYNC_SCHEDULE", "0 * * * *"),
		SyncWorkers:       getInt("SYNC_WORKERS", 4),
		SyncRecordTimeout: getDuration("SYNC_RECORD_TIMEOUT", 30*time.Second),

		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "X-Refresh-Token"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.UpstreamIssuer == "" {
		return Config{}, fmt.Errorf("UPSTREAM_ISSUER is required")
	}
	if cfg.UpstreamClientID == "" {
		return Config{}, fmt.Errorf("UPSTREAM_CLIENT_ID is required")
	}
	if cfg.RedirectURI == "" {
		return Config{}, fmt.Errorf("REDIRECT_URI is required")
	}

	// Endpoints default to the conventional paths under the issuer.
	if cfg.UpstreamAuthURL == "" {
		cfg.UpstreamAuthURL = cfg.UpstreamIssuer + "/v1/authorize"
	}
	if cfg.UpstreamTokenURL == "" {
		cfg.UpstreamTokenURL = cfg.UpstreamIssuer + "/v1/token"
	}
	if cfg.UpstreamProfileURL == "" {
		cfg.UpstreamProfileURL = cfg.UpstreamIssuer + "/v1/userinfo"
	}
	if cfg.UpstreamJWKSURL == "" {
		cfg.UpstreamJWKSURL = cfg.UpstreamIssuer + "/v1/keys"
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
