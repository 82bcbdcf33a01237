package oauth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/guiziweb/pm-oauth/credentials"
	"github.com/guiziweb/pm-oauth/security"
	"github.com/guiziweb/pm-oauth/server"
	"github.com/guiziweb/pm-oauth/session"
	"github.com/guiziweb/pm-oauth/socialauth/mock"
	"github.com/guiziweb/pm-oauth/storage"
	"github.com/guiziweb/pm-oauth/storage/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type handlerTestEnv struct {
	handler      *Handler
	server       *server.Server
	store        *memory.Store
	sessionStore *session.MemoryStore
	bridge       *mock.Bridge
	vault        *security.Vault
	mux          *http.ServeMux
}

func setupHandlerTest(t *testing.T) *handlerTestEnv {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	sessionStore := session.NewMemoryStore()
	t.Cleanup(sessionStore.Stop)

	bridge := mock.New()
	sessions := session.NewManager(sessionStore, bridge, discardLogger())

	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	vault, err := security.NewVault(key)
	if err != nil {
		t.Fatalf("NewVault failed: %v", err)
	}

	srv, err := server.New(server.Deps{
		Sessions:    sessions,
		Tokens:      store,
		Codes:       store,
		Users:       store,
		Credentials: store,
		Clients:     store,
		Vault:       vault,
	}, &server.Config{
		Issuer:                  "http://localhost:8080",
		AllowInsecureHTTP:       true,
		AllowedRedirectPatterns: []string{"https://app.example.com/callback"},
	}, discardLogger())
	if err != nil {
		t.Fatalf("server.New failed: %v", err)
	}

	handler := NewHandler(srv, discardLogger())
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	return &handlerTestEnv{
		handler:      handler,
		server:       srv,
		store:        store,
		sessionStore: sessionStore,
		bridge:       bridge,
		vault:        vault,
		mux:          mux,
	}
}

func (env *handlerTestEnv) seedUser(t *testing.T) *storage.User {
	t.Helper()
	user := &storage.User{
		ID:       "user-1",
		Email:    "mock@example.com",
		Name:     "Mock User",
		Approved: true,
	}
	if err := env.store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return user
}

func (env *handlerTestEnv) seedCredentials(t *testing.T, userID string) {
	t.Helper()
	encrypted, err := env.vault.EncryptBundle(&credentials.Bundle{
		Provider:    credentials.ProviderRedmine,
		OrgConfig:   map[string]string{"base_url": "https://redmine.example.com"},
		UserSecrets: map[string]string{"api_key": "k-123"},
	})
	if err != nil {
		t.Fatalf("EncryptBundle failed: %v", err)
	}
	if err := env.store.Save(context.Background(), userID, encrypted); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
}

// authorize drives GET /oauth/authorize and returns the session cookie the
// handler minted.
func (env *handlerTestEnv) authorize(t *testing.T, redirectURI, state string) *http.Cookie {
	t.Helper()

	target := "/oauth/authorize?" + url.Values{
		"client_id":    {"client-1"},
		"redirect_uri": {redirectURI},
		"state":        {state},
	}.Encode()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("authorize: got status %d, want 302: %s", rec.Code, rec.Body.String())
	}
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == sessionCookieName {
			return cookie
		}
	}
	t.Fatal("authorize: no session cookie set")
	return nil
}

// providerState reads the anti-CSRF state the handshake stored, as the
// provider would echo it back.
func (env *handlerTestEnv) providerState(t *testing.T, sessionID string) string {
	t.Helper()
	sess, err := env.sessionStore.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("session Get failed: %v", err)
	}
	if sess.ProviderState == "" {
		t.Fatal("no provider state recorded")
	}
	return sess.ProviderState
}

// callback drives GET /oauth/callback with the given session cookie.
func (env *handlerTestEnv) callback(t *testing.T, cookie *http.Cookie, state string) *httptest.ResponseRecorder {
	t.Helper()

	target := "/oauth/callback?" + url.Values{
		"code":  {"provider-code"},
		"state": {state},
	}.Encode()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	return rec
}

// runAuthorization drives the full browser leg and returns the
// authorization code from the client redirect.
func (env *handlerTestEnv) runAuthorization(t *testing.T, redirectURI, state string) string {
	t.Helper()

	cookie := env.authorize(t, redirectURI, state)
	rec := env.callback(t, cookie, env.providerState(t, cookie.Value))

	if rec.Code != http.StatusFound {
		t.Fatalf("callback: got status %d, want 302: %s", rec.Code, rec.Body.String())
	}
	redirect, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse redirect: %v", err)
	}
	code := redirect.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect %q", rec.Header().Get("Location"))
	}
	if got := redirect.Query().Get("state"); got != state {
		t.Fatalf("state = %q, want %q", got, state)
	}
	return code
}

func (env *handlerTestEnv) postForm(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	return rec
}

func decodeTokenResponse(t *testing.T, rec *httptest.ResponseRecorder) *TokenResponse {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("token endpoint: got status %d: %s", rec.Code, rec.Body.String())
	}
	var resp TokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	return &resp
}

func decodeErrorResponse(t *testing.T, rec *httptest.ResponseRecorder) *ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return &resp
}

func TestAuthorizationCodeGrantEndToEnd(t *testing.T) {
	env := setupHandlerTest(t)
	user := env.seedUser(t)
	env.seedCredentials(t, user.ID)

	code := env.runAuthorization(t, "https://app.example.com/callback", "client-state-1")

	rec := env.postForm(t, "/oauth/token", url.Values{
		"grant_type":   {GrantTypeAuthorizationCode},
		"code":         {code},
		"client_id":    {"client-1"},
		"redirect_uri": {"https://app.example.com/callback"},
	})
	resp := decodeTokenResponse(t, rec)

	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatal("expected both tokens in response")
	}
	if resp.TokenType != tokenTypeBearer {
		t.Errorf("token_type = %q, want %q", resp.TokenType, tokenTypeBearer)
	}
	if resp.ExpiresIn != 86400 {
		t.Errorf("expires_in = %d, want 86400", resp.ExpiresIn)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}

	token, err := env.server.Tokens().ValidateAccess(context.Background(), resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess failed: %v", err)
	}
	if token.UserID != user.ID {
		t.Errorf("token user = %q, want %q", token.UserID, user.ID)
	}
}

func TestAuthorizationCodeSingleUse(t *testing.T) {
	env := setupHandlerTest(t)
	user := env.seedUser(t)
	env.seedCredentials(t, user.ID)

	code := env.runAuthorization(t, "https://app.example.com/callback", "s1")
	form := url.Values{
		"grant_type":   {GrantTypeAuthorizationCode},
		"code":         {code},
		"client_id":    {"client-1"},
		"redirect_uri": {"https://app.example.com/callback"},
	}

	decodeTokenResponse(t, env.postForm(t, "/oauth/token", form))

	rec := env.postForm(t, "/oauth/token", form)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("replay: got status %d, want 400", rec.Code)
	}
	if resp := decodeErrorResponse(t, rec); resp.Error != ErrorCodeInvalidGrant {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeInvalidGrant)
	}
}

func TestRefreshTokenGrant(t *testing.T) {
	env := setupHandlerTest(t)
	user := env.seedUser(t)
	env.seedCredentials(t, user.ID)

	code := env.runAuthorization(t, "https://app.example.com/callback", "s1")
	first := decodeTokenResponse(t, env.postForm(t, "/oauth/token", url.Values{
		"grant_type":   {GrantTypeAuthorizationCode},
		"code":         {code},
		"client_id":    {"client-1"},
		"redirect_uri": {"https://app.example.com/callback"},
	}))

	second := decodeTokenResponse(t, env.postForm(t, "/oauth/token", url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"refresh_token": {first.RefreshToken},
		"client_id":     {"client-1"},
	}))
	if second.AccessToken == first.AccessToken {
		t.Error("rotation returned the same access token")
	}

	// The rotated-out pair is dead.
	if _, err := env.server.Tokens().ValidateAccess(context.Background(), first.AccessToken); err == nil {
		t.Error("old access token still validates after rotation")
	}
	rec := env.postForm(t, "/oauth/token", url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"refresh_token": {first.RefreshToken},
		"client_id":     {"client-1"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("replayed refresh: got status %d, want 400", rec.Code)
	}
}

func TestTokenGrantWithoutClientID(t *testing.T) {
	env := setupHandlerTest(t)
	user := env.seedUser(t)
	env.seedCredentials(t, user.ID)

	// Public clients may omit client_id at the token endpoint; the grant
	// itself carries the binding.
	code := env.runAuthorization(t, "https://app.example.com/callback", "s1")
	first := decodeTokenResponse(t, env.postForm(t, "/oauth/token", url.Values{
		"grant_type":   {GrantTypeAuthorizationCode},
		"code":         {code},
		"redirect_uri": {"https://app.example.com/callback"},
	}))
	if first.AccessToken == "" || first.RefreshToken == "" {
		t.Fatal("expected both tokens in response")
	}

	second := decodeTokenResponse(t, env.postForm(t, "/oauth/token", url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"refresh_token": {first.RefreshToken},
	}))
	if second.AccessToken == first.AccessToken {
		t.Error("rotation returned the same access token")
	}
}

func TestTokenGrantRejectsMismatchedClientID(t *testing.T) {
	env := setupHandlerTest(t)
	user := env.seedUser(t)
	env.seedCredentials(t, user.ID)

	code := env.runAuthorization(t, "https://app.example.com/callback", "s1")
	rec := env.postForm(t, "/oauth/token", url.Values{
		"grant_type":   {GrantTypeAuthorizationCode},
		"code":         {code},
		"client_id":    {"someone-else"},
		"redirect_uri": {"https://app.example.com/callback"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
	if resp := decodeErrorResponse(t, rec); resp.Error != ErrorCodeInvalidGrant {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeInvalidGrant)
	}
}

func TestAuthorizeRejectsDisallowedRedirect(t *testing.T) {
	env := setupHandlerTest(t)

	target := "/oauth/authorize?" + url.Values{
		"client_id":    {"client-1"},
		"redirect_uri": {"https://evil.example.net/steal"},
		"state":        {"s1"},
	}.Encode()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
	if resp := decodeErrorResponse(t, rec); resp.Error != ErrorCodeInvalidRedirectURI {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeInvalidRedirectURI)
	}
}

func TestAuthorizeValidation(t *testing.T) {
	env := setupHandlerTest(t)

	tests := []struct {
		name       string
		query      url.Values
		wantStatus int
	}{
		{
			name:       "missing client_id",
			query:      url.Values{"redirect_uri": {"https://app.example.com/callback"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing redirect_uri",
			query:      url.Values{"client_id": {"client-1"}},
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+tt.query.Encode(), nil)
			rec := httptest.NewRecorder()
			env.mux.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestAuthorizeMethodNotAllowed(t *testing.T) {
	env := setupHandlerTest(t)

	req := httptest.NewRequest(http.MethodPost, "/oauth/authorize", nil)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("got status %d, want 405", rec.Code)
	}
}

func TestTokenUnsupportedGrantType(t *testing.T) {
	env := setupHandlerTest(t)

	rec := env.postForm(t, "/oauth/token", url.Values{
		"grant_type": {"password"},
		"client_id":  {"client-1"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
	if resp := decodeErrorResponse(t, rec); resp.Error != ErrorCodeUnsupportedGrantType {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeUnsupportedGrantType)
	}
}

func TestTokenInvalidCode(t *testing.T) {
	env := setupHandlerTest(t)

	rec := env.postForm(t, "/oauth/token", url.Values{
		"grant_type":   {GrantTypeAuthorizationCode},
		"code":         {"no-such-code"},
		"client_id":    {"client-1"},
		"redirect_uri": {"https://app.example.com/callback"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
	if resp := decodeErrorResponse(t, rec); resp.Error != ErrorCodeInvalidGrant {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeInvalidGrant)
	}
}

func TestCallbackUnknownUserDenied(t *testing.T) {
	env := setupHandlerTest(t)
	// No user seeded: the mock identity has no account.

	cookie := env.authorize(t, "https://app.example.com/callback", "s1")
	rec := env.callback(t, cookie, env.providerState(t, cookie.Value))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("got status %d, want 403", rec.Code)
	}
	if resp := decodeErrorResponse(t, rec); resp.Error != ErrorCodeAccessDenied {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeAccessDenied)
	}
}

func TestCallbackStateMismatch(t *testing.T) {
	env := setupHandlerTest(t)
	env.seedUser(t)

	cookie := env.authorize(t, "https://app.example.com/callback", "s1")
	rec := env.callback(t, cookie, "forged-state")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
	if resp := decodeErrorResponse(t, rec); resp.Error != ErrorCodeInvalidRequest {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeInvalidRequest)
	}
}

func TestCallbackMissingCredentialsRoutesToForm(t *testing.T) {
	env := setupHandlerTest(t)
	env.seedUser(t)
	// No credentials stored yet.

	cookie := env.authorize(t, "https://app.example.com/callback", "client-state-1")
	rec := env.callback(t, cookie, env.providerState(t, cookie.Value))

	if rec.Code != http.StatusFound {
		t.Fatalf("got status %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/oauth/credentials" {
		t.Fatalf("Location = %q, want /oauth/credentials", loc)
	}

	// Submitting the form completes the waiting authorization.
	form := url.Values{
		"provider": {"redmine"},
		"base_url": {"https://redmine.example.com"},
		"api_key":  {"k-123"},
	}
	req := httptest.NewRequest(http.MethodPost, "/oauth/credentials", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)
	submitRec := httptest.NewRecorder()
	env.mux.ServeHTTP(submitRec, req)

	if submitRec.Code != http.StatusFound {
		t.Fatalf("submit: got status %d, want 302: %s", submitRec.Code, submitRec.Body.String())
	}
	redirect, err := url.Parse(submitRec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse redirect: %v", err)
	}
	if redirect.Host != "app.example.com" {
		t.Fatalf("redirect host = %q, want app.example.com", redirect.Host)
	}
	code := redirect.Query().Get("code")
	if code == "" {
		t.Fatal("no code in completed redirect")
	}

	resp := decodeTokenResponse(t, env.postForm(t, "/oauth/token", url.Values{
		"grant_type":   {GrantTypeAuthorizationCode},
		"code":         {code},
		"client_id":    {"client-1"},
		"redirect_uri": {"https://app.example.com/callback"},
	}))
	if resp.AccessToken == "" {
		t.Fatal("expected access token after credentials submission")
	}
}

func TestCredentialsFormRequiresIdentity(t *testing.T) {
	env := setupHandlerTest(t)

	req := httptest.NewRequest(http.MethodGet, "/oauth/credentials", nil)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", rec.Code)
	}
}

func TestCredentialsFormRendersForSignedInUser(t *testing.T) {
	env := setupHandlerTest(t)
	env.seedUser(t)

	cookie := env.authorize(t, "https://app.example.com/callback", "s1")
	env.callback(t, cookie, env.providerState(t, cookie.Value))

	req := httptest.NewRequest(http.MethodGet, "/oauth/credentials", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "mock@example.com") {
		t.Error("form does not show the signed-in email")
	}
}

func TestRevocationIsIdempotent(t *testing.T) {
	env := setupHandlerTest(t)

	rec := env.postForm(t, "/oauth/revoke", url.Values{
		"token": {"never-issued"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
}

func TestRevocationInvalidatesToken(t *testing.T) {
	env := setupHandlerTest(t)
	user := env.seedUser(t)
	env.seedCredentials(t, user.ID)

	code := env.runAuthorization(t, "https://app.example.com/callback", "s1")
	resp := decodeTokenResponse(t, env.postForm(t, "/oauth/token", url.Values{
		"grant_type":   {GrantTypeAuthorizationCode},
		"code":         {code},
		"client_id":    {"client-1"},
		"redirect_uri": {"https://app.example.com/callback"},
	}))

	rec := env.postForm(t, "/oauth/revoke", url.Values{
		"token": {resp.RefreshToken},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke: got status %d, want 200", rec.Code)
	}

	if _, err := env.server.Tokens().ValidateAccess(context.Background(), resp.AccessToken); err == nil {
		t.Error("access token still validates after refresh revocation")
	}
}

func TestClientRegistration(t *testing.T) {
	env := setupHandlerTest(t)

	body := `{"redirect_uris":["https://app.example.com/callback"],"token_endpoint_auth_method":"client_secret_post"}`
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("got status %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var resp ClientRegistrationResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.ClientID == "" {
		t.Fatal("no client_id in response")
	}
	if resp.ClientSecret == "" {
		t.Fatal("confidential client got no secret")
	}

	// The stored secret hash must verify the returned plaintext.
	if err := env.server.AuthenticateClient(context.Background(), resp.ClientID, resp.ClientSecret); err != nil {
		t.Errorf("AuthenticateClient failed: %v", err)
	}
	if err := env.server.AuthenticateClient(context.Background(), resp.ClientID, "wrong"); err == nil {
		t.Error("wrong secret authenticated")
	}
}

func TestClientRegistrationPublicClient(t *testing.T) {
	env := setupHandlerTest(t)

	body := `{"redirect_uris":["https://app.example.com/callback"],"token_endpoint_auth_method":"none"}`
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("got status %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var resp ClientRegistrationResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.ClientID == "" {
		t.Fatal("no client_id in response")
	}
	if resp.ClientSecret == "" {
		t.Fatal("no client_secret in response")
	}
	if resp.TokenEndpointAuthMethod != "none" {
		t.Errorf("token_endpoint_auth_method = %q, want none", resp.TokenEndpointAuthMethod)
	}

	// The secret is never checked for public clients.
	if err := env.server.AuthenticateClient(context.Background(), resp.ClientID, ""); err != nil {
		t.Errorf("AuthenticateClient failed: %v", err)
	}
}

func TestClientRegistrationRejectsDisallowedRedirect(t *testing.T) {
	env := setupHandlerTest(t)

	body := `{"redirect_uris":["https://evil.example.net/x"]}`
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
}

func TestAuthorizationServerMetadata(t *testing.T) {
	env := setupHandlerTest(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var meta AuthorizationServerMetadata
	if err := json.NewDecoder(rec.Body).Decode(&meta); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if meta.Issuer != "http://localhost:8080" {
		t.Errorf("issuer = %q", meta.Issuer)
	}
	if meta.AuthorizationEndpoint != "http://localhost:8080/oauth/authorize" {
		t.Errorf("authorization_endpoint = %q", meta.AuthorizationEndpoint)
	}
	if meta.TokenEndpoint != "http://localhost:8080/oauth/token" {
		t.Errorf("token_endpoint = %q", meta.TokenEndpoint)
	}
	if len(meta.GrantTypesSupported) != 2 {
		t.Errorf("grant_types_supported = %v", meta.GrantTypesSupported)
	}
}

func TestProtectedResourceMetadata(t *testing.T) {
	env := setupHandlerTest(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var meta ProtectedResourceMetadata
	if err := json.NewDecoder(rec.Body).Decode(&meta); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(meta.AuthorizationServers) != 1 || meta.AuthorizationServers[0] != "http://localhost:8080" {
		t.Errorf("authorization_servers = %v", meta.AuthorizationServers)
	}
}

func TestValidateTokenMiddleware(t *testing.T) {
	env := setupHandlerTest(t)
	user := env.seedUser(t)
	env.seedCredentials(t, user.ID)

	code := env.runAuthorization(t, "https://app.example.com/callback", "s1")
	resp := decodeTokenResponse(t, env.postForm(t, "/oauth/token", url.Values{
		"grant_type":   {GrantTypeAuthorizationCode},
		"code":         {code},
		"client_id":    {"client-1"},
		"redirect_uri": {"https://app.example.com/callback"},
	}))

	var reached bool
	protected := env.handler.ValidateToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
		wantReach  bool
	}{
		{"valid token", "Bearer " + resp.AccessToken, http.StatusOK, true},
		{"missing header", "", http.StatusUnauthorized, false},
		{"wrong token", "Bearer bogus", http.StatusUnauthorized, false},
		{"malformed header", "Basic abc", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached = false
			req := httptest.NewRequest(http.MethodGet, "/api/resource", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			protected.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
			if reached != tt.wantReach {
				t.Errorf("handler reached = %v, want %v", reached, tt.wantReach)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if got := rec.Header().Get("WWW-Authenticate"); got != tokenTypeBearer {
					t.Errorf("WWW-Authenticate = %q, want %q", got, tokenTypeBearer)
				}
			}
		})
	}
}
