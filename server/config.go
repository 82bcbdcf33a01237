package server

import (
	"log/slog"
	"strings"
	"time"
)

// Config holds authorization server configuration.
type Config struct {
	// Issuer is the server's issuer identifier (base URL).
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid.
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid.
	AccessTokenTTL int64 // seconds, default: 86400 (24 hours)

	// RefreshTokenTTL is how long refresh tokens are valid.
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// AllowedRedirectPatterns is an operator-supplied whitelist of extra
	// redirect URI patterns. A pattern ending in "*" matches by prefix,
	// anything else must match exactly. Loopback URIs and the known
	// client schemes are always allowed and need no pattern.
	AllowedRedirectPatterns []string

	// AllowInsecureHTTP permits a non-localhost http:// Issuer.
	// Never enable outside development.
	AllowInsecureHTTP bool

	// TrustProxy enables trusting X-Forwarded-For when extracting the
	// client IP for rate limiting. Only enable behind a trusted reverse
	// proxy. Default: false.
	TrustProxy bool
}

// applySecureDefaults fills zero values with secure defaults and warns on
// insecure settings.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 86400 // 24 hours
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 2592000 // 30 days
	}

	if config.AllowInsecureHTTP && !isLocalhostIssuer(config.Issuer) {
		logger.Warn("SECURITY WARNING: OAuth over plain HTTP on a non-localhost issuer",
			"issuer", config.Issuer)
	}

	return config
}

// isLocalhostIssuer reports whether the issuer URL points at a loopback
// host, where plain HTTP is tolerable for development.
func isLocalhostIssuer(issuer string) bool {
	for _, prefix := range []string{
		"http://localhost", "http://127.", "http://[::1]",
	} {
		if strings.HasPrefix(issuer, prefix) {
			return true
		}
	}
	return false
}

// AuthorizationEndpoint returns the full URL of the authorization endpoint.
func (c *Config) AuthorizationEndpoint() string {
	return strings.TrimSuffix(c.Issuer, "/") + "/oauth/authorize"
}

// TokenEndpoint returns the full URL of the token endpoint.
func (c *Config) TokenEndpoint() string {
	return strings.TrimSuffix(c.Issuer, "/") + "/oauth/token"
}

// RevocationEndpoint returns the full URL of the RFC 7009 revocation
// endpoint.
func (c *Config) RevocationEndpoint() string {
	return strings.TrimSuffix(c.Issuer, "/") + "/oauth/revoke"
}

// RegistrationEndpoint returns the full URL of the dynamic client
// registration endpoint.
func (c *Config) RegistrationEndpoint() string {
	return strings.TrimSuffix(c.Issuer, "/") + "/oauth/register"
}

// CodeTTL returns the authorization code lifetime as a duration.
func (c *Config) CodeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

// AccessTTL returns the access token lifetime as a duration.
func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

// RefreshTTL returns the refresh token lifetime as a duration.
func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Second
}
