package oauth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/guiziweb/pm-oauth/credentials"
	"github.com/guiziweb/pm-oauth/instrumentation"
	"github.com/guiziweb/pm-oauth/internal/util"
	"github.com/guiziweb/pm-oauth/security"
	"github.com/guiziweb/pm-oauth/server"
	"github.com/guiziweb/pm-oauth/session"
	"github.com/guiziweb/pm-oauth/socialauth"
	"github.com/guiziweb/pm-oauth/storage"
)

// Handler is the HTTP transport for the authorization server. It owns
// request parsing, session cookies, and the mapping from flow errors to
// OAuth wire errors; all flow logic lives in the server package.
type Handler struct {
	server  *server.Server
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server: srv,
		logger: logger,
	}
}

// SetInstrumentation wires metrics and tracing into the HTTP layer.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	h.metrics = inst.Metrics()
	h.tracer = inst.Tracer("http")
}

// RegisterRoutes registers all endpoints on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/oauth/authorize", h.ServeAuthorization)
	mux.HandleFunc("/oauth/callback", h.ServeCallback)
	mux.HandleFunc("/oauth/token", h.ServeToken)
	mux.HandleFunc("/oauth/revoke", h.ServeTokenRevocation)
	mux.HandleFunc("/oauth/register", h.ServeClientRegistration)
	mux.HandleFunc("/oauth/credentials", h.ServeCredentials)
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.ServeAuthorizationServerMetadata)
	mux.HandleFunc("/.well-known/oauth-protected-resource", h.ServeProtectedResourceMetadata)

	h.logger.Info("Registered OAuth endpoints",
		"authorization", "/oauth/authorize",
		"token", "/oauth/token",
		"revocation", "/oauth/revoke")
}

// sessionContext binds the request to a browser session, creating the
// session cookie on first contact. The cookie value is an opaque random
// identifier.
func (h *Handler) sessionContext(w http.ResponseWriter, r *http.Request) *session.Context {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return h.server.Sessions().Handle(cookie.Value)
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(session.DefaultTTL.Seconds()),
		HttpOnly: true,
		Secure:   !h.server.Config.AllowInsecureHTTP,
		SameSite: http.SameSiteLaxMode,
	})
	return h.server.Sessions().Handle(id)
}

// checkRateLimit enforces the per-IP limiter. Returns true when the limit
// was exceeded and the response has been written.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if h.server.RateLimiter == nil {
		return false
	}
	clientIP := util.ClientIP(r, h.server.Config.TrustProxy)
	if h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded",
		"ip", clientIP,
		"endpoint", endpoint)
	h.metrics.RecordRateLimitExceeded(r.Context(), "ip")
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, "")
	}

	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrRateLimitExceeded("Rate limit exceeded. Please try again later."))
	return true
}

// ServeAuthorization handles GET /oauth/authorize. It validates the request
// and bounces the browser to the identity provider.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorization")
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics(r, "authorization", http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.checkRateLimit(w, r, "authorization") {
		h.recordHTTPMetrics(r, "authorization", http.StatusTooManyRequests, startTime)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	redirectURI := r.URL.Query().Get("redirect_uri")
	state := r.URL.Query().Get("state")

	if clientID == "" {
		h.recordHTTPMetrics(r, "authorization", http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("client_id is required"))
		return
	}
	if redirectURI == "" {
		h.recordHTTPMetrics(r, "authorization", http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("redirect_uri is required"))
		return
	}

	sess := h.sessionContext(w, r)

	loginURL, err := h.server.StartAuthorization(ctx, sess, clientID, redirectURI, state)
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, server.ErrRedirectURINotAllowed) {
			h.recordHTTPMetrics(r, "authorization", http.StatusBadRequest, startTime)
			h.writeError(w, ErrInvalidRedirectURI("redirect_uri is not allowed"))
			return
		}
		h.logger.Error("Failed to start authorization flow", "error", err)
		h.recordHTTPMetrics(r, "authorization", http.StatusInternalServerError, startTime)
		h.writeError(w, ErrServerError("Failed to start authorization flow"))
		return
	}

	h.metrics.RecordAuthorizationStarted(ctx, clientID)
	h.recordHTTPMetrics(r, "authorization", http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)

	http.Redirect(w, r, loginURL, http.StatusFound)
}

// ServeCallback handles GET /oauth/callback, the return leg from the
// identity provider.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.callback")
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics(r, "callback", http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	if providerErr := query.Get("error"); providerErr != "" {
		h.logger.Warn("Provider returned error",
			"error", providerErr,
			"description", query.Get("error_description"))
		h.metrics.RecordCallbackProcessed(ctx, false)
		h.recordHTTPMetrics(r, "callback", http.StatusForbidden, startTime)
		h.writeError(w, ErrAccessDenied("Identity provider denied the request"))
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		h.recordHTTPMetrics(r, "callback", http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("code and state are required"))
		return
	}

	sess := h.sessionContext(w, r)

	result, err := h.server.HandleProviderCallback(ctx, sess, code, state)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.metrics.RecordCallbackProcessed(ctx, false)
		h.writeCallbackError(w, r, err, startTime)
		return
	}

	h.metrics.RecordCallbackProcessed(ctx, true)
	instrumentation.SetSpanSuccess(span)

	switch result.Flow.(type) {
	case session.McpOAuth:
		h.recordHTTPMetrics(r, "callback", http.StatusFound, startTime)
		http.Redirect(w, r, result.RedirectURL, http.StatusFound)
	default:
		h.recordHTTPMetrics(r, "callback", http.StatusOK, startTime)
		h.serveSignedInPage(w, result.Identity)
	}
}

// writeCallbackError maps callback flow errors to HTTP responses. Missing
// credentials are not an error at this layer: the browser is sent to the
// credentials form while the authorization waits in the session.
func (h *Handler) writeCallbackError(w http.ResponseWriter, r *http.Request, err error, startTime time.Time) {
	switch {
	case errors.Is(err, server.ErrCredentialsRequired):
		h.recordHTTPMetrics(r, "callback", http.StatusFound, startTime)
		http.Redirect(w, r, "/oauth/credentials", http.StatusFound)

	case errors.Is(err, server.ErrUserNotApproved):
		h.recordHTTPMetrics(r, "callback", http.StatusForbidden, startTime)
		h.writeError(w, ErrAccessDenied("Account is not approved for access"))

	case errors.Is(err, socialauth.ErrStateMismatch):
		h.recordHTTPMetrics(r, "callback", http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("State parameter mismatch"))

	default:
		h.logger.Error("Provider callback failed", "error", err)
		h.recordHTTPMetrics(r, "callback", http.StatusInternalServerError, startTime)
		h.writeError(w, ErrServerError("Failed to complete authentication"))
	}
}

// ServeToken handles POST /oauth/token for both supported grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token")
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(r, "token", http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.checkRateLimit(w, r, "token") {
		h.recordHTTPMetrics(r, "token", http.StatusTooManyRequests, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(r, "token", http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("Failed to parse request body"))
		return
	}

	grantType := r.PostFormValue("grant_type")
	clientID := r.PostFormValue("client_id")

	// client_id is optional: public clients may omit it, in which case the
	// grant itself carries the binding. When present it must authenticate.
	if clientID != "" {
		if err := h.server.AuthenticateClient(ctx, clientID, r.PostFormValue("client_secret")); err != nil {
			h.logger.Warn("Client authentication failed",
				"client_id", clientID)
			h.recordHTTPMetrics(r, "token", http.StatusUnauthorized, startTime)
			h.writeError(w, ErrInvalidClient("Client authentication failed"))
			return
		}
	}

	var (
		pair *server.TokenPair
		err  error
	)
	switch grantType {
	case GrantTypeAuthorizationCode:
		code := r.PostFormValue("code")
		redirectURI := r.PostFormValue("redirect_uri")
		if code == "" || redirectURI == "" {
			h.recordHTTPMetrics(r, "token", http.StatusBadRequest, startTime)
			h.writeError(w, ErrInvalidRequest("code and redirect_uri are required"))
			return
		}
		pair, err = h.server.ExchangeAuthorizationCode(ctx, code, clientID, redirectURI)
		if err == nil {
			h.metrics.RecordCodeExchange(ctx, clientID)
		}

	case GrantTypeRefreshToken:
		refreshToken := r.PostFormValue("refresh_token")
		if refreshToken == "" {
			h.recordHTTPMetrics(r, "token", http.StatusBadRequest, startTime)
			h.writeError(w, ErrInvalidRequest("refresh_token is required"))
			return
		}
		pair, err = h.server.RefreshAccessToken(ctx, refreshToken, clientID)
		if err == nil {
			h.metrics.RecordTokenRefresh(ctx, clientID)
		}

	default:
		h.recordHTTPMetrics(r, "token", http.StatusBadRequest, startTime)
		h.writeError(w, ErrUnsupportedGrantType("Supported grant types: authorization_code, refresh_token"))
		return
	}

	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeTokenGrantError(w, r, err, clientID, startTime)
		return
	}

	h.metrics.RecordTokenIssued(ctx, clientID)
	h.recordHTTPMetrics(r, "token", http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, pair)
}

// writeTokenGrantError maps grant failures to OAuth wire errors. Vault
// failures are the server's fault and must not masquerade as a bad grant;
// everything else collapses to invalid_grant so callers cannot probe which
// check failed.
func (h *Handler) writeTokenGrantError(w http.ResponseWriter, r *http.Request, err error, clientID string, startTime time.Time) {
	if security.IsVaultError(err) {
		h.logger.Error("Credentials vault failure during token grant",
			"client_id", clientID,
			"error", err)
		h.metrics.RecordVaultFailure(r.Context())
		if h.server.Auditor != nil {
			h.server.Auditor.LogEvent(security.Event{
				Type:     security.EventVaultFailure,
				ClientID: clientID,
			})
		}
		h.recordHTTPMetrics(r, "token", http.StatusInternalServerError, startTime)
		h.writeError(w, ErrServerError("Internal server error"))
		return
	}

	if errors.Is(err, storage.ErrCodeNotFound) || errors.Is(err, storage.ErrTokenNotFound) {
		h.recordHTTPMetrics(r, "token", http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidGrant("Invalid or expired grant"))
		return
	}

	h.logger.Error("Token grant failed", "error", err, "client_id", clientID)
	h.recordHTTPMetrics(r, "token", http.StatusInternalServerError, startTime)
	h.writeError(w, ErrServerError("Internal server error"))
}

// ServeTokenRevocation handles POST /oauth/revoke per RFC 7009. Unknown
// tokens still return 200: revoking an already-dead token is a success.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(r, "revocation", http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(r, "revocation", http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("Failed to parse request body"))
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		h.recordHTTPMetrics(r, "revocation", http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("token is required"))
		return
	}

	if err := h.server.RevokeToken(ctx, token); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
		h.logger.Error("Token revocation failed", "error", err)
		h.recordHTTPMetrics(r, "revocation", http.StatusInternalServerError, startTime)
		h.writeError(w, ErrServerError("Internal server error"))
		return
	}

	h.metrics.RecordTokenRevocation(ctx, r.PostFormValue("client_id"))
	h.recordHTTPMetrics(r, "revocation", http.StatusOK, startTime)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeClientRegistration handles POST /oauth/register per RFC 7591.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(r, "registration", http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.checkRateLimit(w, r, "registration") {
		h.recordHTTPMetrics(r, "registration", http.StatusTooManyRequests, startTime)
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics(r, "registration", http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("Failed to parse registration request"))
		return
	}

	confidential := req.TokenEndpointAuthMethod == "client_secret_post" ||
		req.TokenEndpointAuthMethod == "client_secret_basic"

	registered, err := h.server.RegisterClient(ctx, req.RedirectURIs, confidential)
	if err != nil {
		switch {
		case errors.Is(err, server.ErrRegistrationDisabled):
			h.recordHTTPMetrics(r, "registration", http.StatusForbidden, startTime)
			h.writeError(w, ErrAccessDenied("Client registration is not available"))
		case errors.Is(err, server.ErrRedirectURINotAllowed):
			h.recordHTTPMetrics(r, "registration", http.StatusBadRequest, startTime)
			h.writeError(w, ErrInvalidRedirectURI("redirect_uris contains a disallowed URI"))
		default:
			h.logger.Error("Client registration failed", "error", err)
			h.recordHTTPMetrics(r, "registration", http.StatusInternalServerError, startTime)
			h.writeError(w, ErrServerError("Internal server error"))
		}
		return
	}

	authMethod := "none"
	if confidential {
		authMethod = "client_secret_post"
	}
	resp := ClientRegistrationResponse{
		ClientID:                registered.Client.ClientID,
		ClientSecret:            registered.Secret,
		ClientIDIssuedAt:        registered.Client.CreatedAt.Unix(),
		RedirectURIs:            registered.Client.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
	}

	h.recordHTTPMetrics(r, "registration", http.StatusCreated, startTime)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	metadata := AuthorizationServerMetadata{
		Issuer:                            h.server.Config.Issuer,
		AuthorizationEndpoint:             h.server.Config.AuthorizationEndpoint(),
		TokenEndpoint:                     h.server.Config.TokenEndpoint(),
		RevocationEndpoint:                h.server.Config.RevocationEndpoint(),
		RegistrationEndpoint:              h.server.Config.RegistrationEndpoint(),
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_post"},
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ServeProtectedResourceMetadata serves RFC 9728 Protected Resource Metadata
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	metadata := ProtectedResourceMetadata{
		Resource:               h.server.Config.Issuer,
		AuthorizationServers:   []string{h.server.Config.Issuer},
		BearerMethodsSupported: []string{"header"},
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ValidateToken is middleware for resource endpoints. It checks the Bearer
// token and stashes the decrypted-hash-free token row in the request
// context via the wrapped handler's own means; here we only gate.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}
		if _, err := h.server.Tokens().ValidateAccess(r.Context(), secret); err != nil {
			h.writeError(w, ErrInvalidToken("Invalid or expired access token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractBearerToken pulls the token from the Authorization header, writing
// a 401 when absent or malformed.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		h.writeError(w, ErrInvalidToken("Missing or malformed Authorization header"))
		return "", false
	}
	return auth[len(prefix):], true
}

func (h *Handler) recordHTTPMetrics(r *http.Request, endpoint string, status int, startTime time.Time) {
	h.metrics.RecordHTTPRequest(r.Context(), r.Method, endpoint, status,
		float64(time.Since(startTime).Milliseconds()))
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, pair *server.TokenPair) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	resp := TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) writeError(w http.ResponseWriter, oauthErr *OAuthError) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", tokenTypeBearer)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oauthErr.Status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

// parseBundleForm builds a credentials bundle from submitted form values.
func parseBundleForm(form url.Values) (*credentials.Bundle, error) {
	provider, err := credentials.ParseProvider(form.Get("provider"))
	if err != nil {
		return nil, err
	}

	bundle := &credentials.Bundle{
		Provider:    provider,
		OrgConfig:   map[string]string{},
		UserSecrets: map[string]string{},
	}
	if baseURL := form.Get("base_url"); baseURL != "" {
		bundle.OrgConfig["base_url"] = util.NormalizeURL(baseURL)
	}
	if apiKey := form.Get("api_key"); apiKey != "" {
		bundle.UserSecrets["api_key"] = apiKey
	}
	if email := form.Get("email"); email != "" {
		bundle.UserSecrets["email"] = email
	}

	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	return bundle, nil
}
