// Package session tracks per-browser authorization state. A session can be
// driving several concerns at once (a pending signup, a pending client
// authorization, an in-flight provider handshake); this package keeps them
// in explicit slots and resolves which one is active.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/guiziweb/pm-oauth/socialauth"
)

// ErrSessionNotFound indicates no session exists for the given ID.
var ErrSessionNotFound = errors.New("session not found")

// DefaultTTL is how long idle session records are retained.
const DefaultTTL = 30 * time.Minute

// signupData is the payload of a pending signup flow.
type signupData struct {
	Invite string `json:"invite,omitempty"`
}

// mcpOAuthData is the payload of a pending client authorization.
type mcpOAuthData struct {
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
	State       string `json:"state,omitempty"`
}

// Session is the persisted record for one browser session. Flow payloads
// occupy independent slots; ActiveFlow resolves precedence.
type Session struct {
	ID string `json:"id"`

	Signup     *signupData   `json:"signup,omitempty"`
	AdminLogin bool          `json:"admin_login,omitempty"`
	McpOAuth   *mcpOAuthData `json:"mcp_oauth,omitempty"`

	// ProviderState is the anti-CSRF state for the in-flight provider
	// handshake, empty when none is pending.
	ProviderState string `json:"provider_state,omitempty"`

	// Identity is set once the provider handshake completes.
	Identity *socialauth.Identity `json:"identity,omitempty"`
}

// Store persists session records with a TTL refreshed on every save.
type Store interface {
	// Get retrieves a session by ID. Returns ErrSessionNotFound when the
	// session does not exist or has expired.
	Get(ctx context.Context, id string) (*Session, error)

	// Save persists a session and refreshes its TTL.
	Save(ctx context.Context, sess *Session, ttl time.Duration) error

	// Delete removes a session. Deleting a missing session is not an error.
	Delete(ctx context.Context, id string) error
}
