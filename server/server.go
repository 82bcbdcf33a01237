package server

import (
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/guiziweb/pm-oauth/security"
	"github.com/guiziweb/pm-oauth/session"
	"github.com/guiziweb/pm-oauth/storage"
)

// generateRandomToken creates a cryptographically secure random value
// suitable for authorization codes and token secrets.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// Server coordinates the authorization flows against the storage backends,
// the credentials vault, and the identity provider bridge (via the session
// manager).
type Server struct {
	sessions    *session.Manager
	codes       storage.CodeStore
	users       storage.UserStore
	credentials storage.CredentialStore
	clients     storage.ClientStore
	tokens      *TokenService
	vault       *security.Vault
	validator   *RedirectURIValidator

	Auditor     *security.Auditor
	RateLimiter *security.RateLimiter
	Logger      *slog.Logger
	Config      *Config
}

// Deps bundles the collaborators a Server needs.
type Deps struct {
	Sessions    *session.Manager
	Tokens      storage.TokenRepository
	Codes       storage.CodeStore
	Users       storage.UserStore
	Credentials storage.CredentialStore
	Clients     storage.ClientStore
	Vault       *security.Vault
}

// New creates an authorization server.
func New(deps Deps, config *Config, logger *slog.Logger) (*Server, error) {
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("token repository is required")
	}
	if deps.Codes == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if deps.Users == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if deps.Credentials == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if deps.Vault == nil {
		return nil, fmt.Errorf("credentials vault is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		sessions:    deps.Sessions,
		codes:       deps.Codes,
		users:       deps.Users,
		credentials: deps.Credentials,
		clients:     deps.Clients,
		vault:       deps.Vault,
		validator:   NewRedirectURIValidator(config.AllowedRedirectPatterns),
		Logger:      logger,
		Config:      config,
	}
	srv.tokens = NewTokenService(deps.Tokens, deps.Vault, config, logger)

	return srv, nil
}

// SetAuditor sets the security auditor on the server and its token service.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	s.tokens.auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter.
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// Sessions exposes the session manager so transport layers can bind
// incoming requests to browser sessions.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Tokens exposes the token service for validation outside the grant flows,
// e.g. resource endpoints checking bearer tokens.
func (s *Server) Tokens() *TokenService {
	return s.tokens
}

// RedirectURIAllowed reports whether a redirect URI passes the whitelist.
func (s *Server) RedirectURIAllowed(redirectURI string) bool {
	return s.validator.IsAllowed(redirectURI)
}
