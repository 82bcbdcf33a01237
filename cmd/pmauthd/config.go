package main

import (
	"log/slog"
	"strings"

	"github.com/allisson/go-env"
	"github.com/joho/godotenv"
)

// config holds the daemon configuration, loaded from environment variables
// with an optional .env file for development.
type config struct {
	ServerHost string
	ServerPort int

	Issuer                  string
	AllowInsecureHTTP       bool
	TrustProxy              bool
	AllowedRedirectPatterns []string

	AuthorizationCodeTTL int64
	AccessTokenTTL       int64
	RefreshTokenTTL      int64

	// VaultKey is the base64-encoded 32-byte AES key protecting stored
	// credentials. When empty an ephemeral key is generated; tokens do
	// not survive a restart in that mode.
	VaultKey string

	// DatabaseURL selects the Postgres token store. Empty means in-memory.
	DatabaseURL   string
	RunMigrations bool

	// ValkeyAddress selects the Valkey code and session stores. Empty
	// means in-memory.
	ValkeyAddress  string
	ValkeyPassword string
	ValkeyDB       int

	GoogleClientID     string
	GoogleClientSecret string

	LogLevel  string
	LogFormat string

	AuditEnabled bool

	RateLimitEnabled        bool
	RateLimitRequestsPerSec int
	RateLimitBurst          int

	MetricsEnabled bool
}

func loadConfig() *config {
	// Best effort; production sets real environment variables.
	_ = godotenv.Load()

	return &config{
		ServerHost: env.GetString("SERVER_HOST", "0.0.0.0"),
		ServerPort: env.GetInt("SERVER_PORT", 8080),

		Issuer:                  env.GetString("ISSUER", "http://localhost:8080"),
		AllowInsecureHTTP:       env.GetBool("ALLOW_INSECURE_HTTP", false),
		TrustProxy:              env.GetBool("TRUST_PROXY", false),
		AllowedRedirectPatterns: splitPatterns(env.GetString("ALLOWED_REDIRECT_PATTERNS", "")),

		AuthorizationCodeTTL: int64(env.GetInt("AUTHORIZATION_CODE_TTL_SECONDS", 600)),
		AccessTokenTTL:       int64(env.GetInt("ACCESS_TOKEN_TTL_SECONDS", 86400)),
		RefreshTokenTTL:      int64(env.GetInt("REFRESH_TOKEN_TTL_SECONDS", 2592000)),

		VaultKey: env.GetString("VAULT_KEY", ""),

		DatabaseURL:   env.GetString("DATABASE_URL", ""),
		RunMigrations: env.GetBool("RUN_MIGRATIONS", true),

		ValkeyAddress:  env.GetString("VALKEY_ADDRESS", ""),
		ValkeyPassword: env.GetString("VALKEY_PASSWORD", ""),
		ValkeyDB:       env.GetInt("VALKEY_DB", 0),

		GoogleClientID:     env.GetString("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: env.GetString("GOOGLE_CLIENT_SECRET", ""),

		LogLevel:  env.GetString("LOG_LEVEL", "info"),
		LogFormat: env.GetString("LOG_FORMAT", "json"),

		AuditEnabled: env.GetBool("AUDIT_ENABLED", true),

		RateLimitEnabled:        env.GetBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequestsPerSec: env.GetInt("RATE_LIMIT_REQUESTS_PER_SEC", 10),
		RateLimitBurst:          env.GetInt("RATE_LIMIT_BURST", 20),

		MetricsEnabled: env.GetBool("METRICS_ENABLED", true),
	}
}

func splitPatterns(raw string) []string {
	if raw == "" {
		return nil
	}
	var patterns []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

func (c *config) slogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
