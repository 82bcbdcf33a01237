package oauth

const (
	// GrantTypeAuthorizationCode is the OAuth 2.0 authorization code grant.
	GrantTypeAuthorizationCode = "authorization_code"

	// GrantTypeRefreshToken is the OAuth 2.0 refresh token grant.
	GrantTypeRefreshToken = "refresh_token"

	// tokenTypeBearer is the token_type value returned with issued tokens.
	tokenTypeBearer = "Bearer"

	// sessionCookieName is the browser session cookie. The cookie value is
	// an opaque random identifier; all state lives server side.
	sessionCookieName = "pm_oauth_session"
)
