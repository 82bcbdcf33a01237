package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/guiziweb/pm-oauth/socialauth"
)

// Manager coordinates session flow state around the provider handshake.
type Manager struct {
	store  Store
	bridge socialauth.Bridge
	ttl    time.Duration
	logger *slog.Logger

	// newState generates the anti-CSRF provider state. Overridable in tests.
	newState func() string
}

// NewManager creates a session flow manager.
func NewManager(store Store, bridge socialauth.Bridge, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		bridge:   bridge,
		ttl:      DefaultTTL,
		logger:   logger,
		newState: oauth2.GenerateVerifier,
	}
}

// Handle returns a handle bound to one session ID. All reads and writes go
// through the handle; there is no ambient session state.
func (m *Manager) Handle(sessionID string) *Context {
	return &Context{m: m, id: sessionID}
}

// Context is a handle on one session's flow state.
type Context struct {
	m  *Manager
	id string
}

// ID returns the session identifier.
func (c *Context) ID() string { return c.id }

// load returns the stored session or a fresh empty one.
func (c *Context) load(ctx context.Context) (*Session, error) {
	sess, err := c.m.store.Get(ctx, c.id)
	if err == ErrSessionNotFound {
		return &Session{ID: c.id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

func (c *Context) save(ctx context.Context, sess *Session) error {
	if err := c.m.store.Save(ctx, sess, c.m.ttl); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// MarkSignup records a pending signup flow, optionally carrying an invite
// token to redeem on completion.
func (c *Context) MarkSignup(ctx context.Context, invite string) error {
	sess, err := c.load(ctx)
	if err != nil {
		return err
	}
	sess.Signup = &signupData{Invite: invite}
	return c.save(ctx, sess)
}

// MarkAdminLogin records a pending operator login.
func (c *Context) MarkAdminLogin(ctx context.Context) error {
	sess, err := c.load(ctx)
	if err != nil {
		return err
	}
	sess.AdminLogin = true
	return c.save(ctx, sess)
}

// StoreOAuthRequest records a pending client authorization. The caller must
// have validated the redirect URI before this point.
func (c *Context) StoreOAuthRequest(ctx context.Context, clientID, redirectURI, state string) error {
	sess, err := c.load(ctx)
	if err != nil {
		return err
	}
	sess.McpOAuth = &mcpOAuthData{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		State:       state,
	}
	return c.save(ctx, sess)
}

// StartAuth begins the provider handshake: generates a fresh anti-CSRF
// state, persists it, and returns the provider login URL to redirect to.
// Starting a new handshake invalidates any previous pending one.
func (c *Context) StartAuth(ctx context.Context) (string, error) {
	sess, err := c.load(ctx)
	if err != nil {
		return "", err
	}

	state := c.m.newState()
	sess.ProviderState = state
	sess.Identity = nil

	if err := c.save(ctx, sess); err != nil {
		return "", err
	}

	return c.m.bridge.AuthorizationURL(state), nil
}

// HandleCallback completes the provider handshake. The returned state is
// checked against the stored one, the provider code is exchanged, and the
// verified identity is recorded on the session. The stored state is
// consumed whether or not the exchange succeeds.
func (c *Context) HandleCallback(ctx context.Context, code, state string) (*socialauth.Identity, error) {
	sess, err := c.load(ctx)
	if err != nil {
		return nil, err
	}

	expected := sess.ProviderState
	sess.ProviderState = ""
	if err := c.save(ctx, sess); err != nil {
		return nil, err
	}

	identity, err := c.m.bridge.Exchange(ctx, code, state, expected)
	if err != nil {
		return nil, err
	}

	sess.Identity = identity
	if err := c.save(ctx, sess); err != nil {
		return nil, err
	}

	return identity, nil
}

// Identity returns the verified identity from a completed handshake, or nil
// when none is recorded.
func (c *Context) Identity(ctx context.Context) (*socialauth.Identity, error) {
	sess, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return sess.Identity, nil
}

// ActiveFlow resolves which flow the session is driving. Signup takes
// precedence over admin login, which takes precedence over a pending client
// authorization. With nothing pending the session is Idle.
func (c *Context) ActiveFlow(ctx context.Context) (Flow, error) {
	sess, err := c.load(ctx)
	if err != nil {
		return nil, err
	}

	switch {
	case sess.Signup != nil:
		return Signup{Invite: sess.Signup.Invite}, nil
	case sess.AdminLogin:
		return AdminLogin{}, nil
	case sess.McpOAuth != nil:
		return McpOAuth{
			ClientID:    sess.McpOAuth.ClientID,
			RedirectURI: sess.McpOAuth.RedirectURI,
			State:       sess.McpOAuth.State,
		}, nil
	default:
		return Idle{}, nil
	}
}

// ClearFlow wipes every flow payload along with the provider state and the
// recorded identity. A later flow must never observe residue from an
// earlier one.
func (c *Context) ClearFlow(ctx context.Context) error {
	sess, err := c.m.store.Get(ctx, c.id)
	if err == ErrSessionNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	sess.Signup = nil
	sess.AdminLogin = false
	sess.McpOAuth = nil
	sess.ProviderState = ""
	sess.Identity = nil

	return c.save(ctx, sess)
}
