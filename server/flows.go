package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/guiziweb/pm-oauth/credentials"
	"github.com/guiziweb/pm-oauth/internal/util"
	"github.com/guiziweb/pm-oauth/security"
	"github.com/guiziweb/pm-oauth/session"
	"github.com/guiziweb/pm-oauth/socialauth"
	"github.com/guiziweb/pm-oauth/storage"
)

// ErrRedirectURINotAllowed indicates the redirect URI failed the whitelist.
// Nothing is stored in the session when this is returned.
var ErrRedirectURINotAllowed = errors.New("redirect URI not allowed")

// ErrUserNotApproved indicates the authenticated identity has no approved
// account and cannot authorize clients.
var ErrUserNotApproved = errors.New("user is not approved")

// ErrCredentialsRequired indicates the user has not stored project
// management credentials yet. The pending authorization stays in the
// session; it completes once credentials are submitted.
var ErrCredentialsRequired = errors.New("credentials required")

// ErrNotAuthenticated indicates the session has no verified identity.
var ErrNotAuthenticated = errors.New("not authenticated")

// CallbackResult describes the outcome of a provider callback.
type CallbackResult struct {
	// Flow is the flow that was dispatched.
	Flow session.Flow

	// Identity is the verified identity from the provider.
	Identity *socialauth.Identity

	// RedirectURL is where to send the browser next. Empty when the
	// handler decides the destination itself (signup, admin login,
	// credentials form).
	RedirectURL string
}

// StartAuthorization validates an incoming /authorize request and begins
// the provider handshake. The redirect URI is checked before any session
// state is written; a rejected URI leaves no trace.
func (s *Server) StartAuthorization(ctx context.Context, sess *session.Context, clientID, redirectURI, clientState string) (string, error) {
	if clientID == "" {
		return "", fmt.Errorf("client_id is required")
	}

	if !s.validator.IsAllowed(redirectURI) {
		s.Auditor.LogAuthFailure("", clientID, "", "redirect_uri_rejected")
		s.Logger.Warn("Rejected redirect URI",
			"client_id", clientID,
			"redirect_uri", redirectURI)
		return "", ErrRedirectURINotAllowed
	}

	if err := sess.StoreOAuthRequest(ctx, clientID, redirectURI, clientState); err != nil {
		return "", fmt.Errorf("failed to store authorization request: %w", err)
	}

	loginURL, err := sess.StartAuth(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to start provider handshake: %w", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthFlowStarted,
		ClientID: clientID,
	})
	s.Logger.Info("Started authorization flow",
		"client_id", clientID,
		"session_id", util.SafeTruncate(sess.ID(), 8))

	return loginURL, nil
}

// HandleProviderCallback completes the provider handshake and dispatches on
// the session's active flow.
func (s *Server) HandleProviderCallback(ctx context.Context, sess *session.Context, code, state string) (*CallbackResult, error) {
	identity, err := sess.HandleCallback(ctx, code, state)
	if err != nil {
		if errors.Is(err, socialauth.ErrStateMismatch) {
			s.Auditor.LogAuthFailure("", "", "", "provider_state_mismatch")
		}
		return nil, err
	}

	flow, err := sess.ActiveFlow(ctx)
	if err != nil {
		return nil, err
	}

	result := &CallbackResult{Flow: flow, Identity: identity}

	switch f := flow.(type) {
	case session.Signup:
		if err := s.completeSignup(ctx, sess, identity, f.Invite); err != nil {
			return nil, err
		}
		return result, nil

	case session.AdminLogin:
		// Identity is on the session; the admin surface checks it there.
		s.Logger.Info("Admin login completed",
			"session_id", util.SafeTruncate(sess.ID(), 8))
		return result, nil

	case session.McpOAuth:
		redirectURL, err := s.completeClientAuthorization(ctx, sess, identity, f)
		if err != nil {
			return nil, err
		}
		result.RedirectURL = redirectURL
		return result, nil

	default:
		// Idle: a callback with no pending flow. Nothing to do.
		s.Logger.Warn("Provider callback with no pending flow",
			"session_id", util.SafeTruncate(sess.ID(), 8))
		return result, nil
	}
}

func (s *Server) completeSignup(ctx context.Context, sess *session.Context, identity *socialauth.Identity, invite string) error {
	existing, err := s.users.FindByEmail(ctx, identity.Email)
	if err != nil && !errors.Is(err, storage.ErrUserNotFound) {
		return fmt.Errorf("failed to look up user: %w", err)
	}
	if existing != nil {
		s.Logger.Info("Signup for existing user", "user_id", existing.ID)
		return nil
	}

	user := &storage.User{
		ID:       uuid.NewString(),
		Email:    identity.Email,
		Name:     identity.Name,
		Approved: invite != "",
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	s.Logger.Info("Created user account",
		"user_id", user.ID,
		"approved", user.Approved)
	return nil
}

// completeClientAuthorization requires an approved account and stored
// credentials, then issues the authorization code. Missing credentials keep
// the flow pending and surface ErrCredentialsRequired so the handler can
// route to the credentials form.
func (s *Server) completeClientAuthorization(ctx context.Context, sess *session.Context, identity *socialauth.Identity, flow session.McpOAuth) (string, error) {
	user, err := s.users.FindByEmail(ctx, identity.Email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			s.Auditor.LogAuthFailure("", flow.ClientID, "", "unknown_user")
			return "", ErrUserNotApproved
		}
		return "", fmt.Errorf("failed to look up user: %w", err)
	}
	if !user.Approved {
		s.Auditor.LogAuthFailure(user.ID, flow.ClientID, "", "user_not_approved")
		return "", ErrUserNotApproved
	}

	encrypted, err := s.credentials.Get(ctx, user.ID)
	if err != nil {
		if errors.Is(err, storage.ErrCredentialsNotFound) {
			return "", ErrCredentialsRequired
		}
		return "", fmt.Errorf("failed to load credentials: %w", err)
	}

	return s.issueAuthorizationCode(ctx, sess, user.ID, encrypted, flow)
}

// issueAuthorizationCode mints the one-time code, binds it to the pending
// request, clears the flow, and builds the client redirect.
func (s *Server) issueAuthorizationCode(ctx context.Context, sess *session.Context, userID, encryptedBundle string, flow session.McpOAuth) (string, error) {
	// The bundle must open cleanly before a code is bound to it. A
	// corrupt blob surfaces here as a server fault, not at token time.
	bundle, err := s.vault.DecryptBundle(encryptedBundle)
	if err != nil {
		return "", fmt.Errorf("failed to open credentials bundle: %w", err)
	}

	now := time.Now()
	code := generateRandomToken()
	payload := &storage.CodePayload{
		UserID:               userID,
		ClientID:             flow.ClientID,
		RedirectURI:          flow.RedirectURI,
		Provider:             bundle.Provider,
		EncryptedCredentials: encryptedBundle,
		CreatedAt:            now,
		ExpiresAt:            now.Add(s.Config.CodeTTL()),
	}
	if err := s.codes.Store(ctx, code, payload, s.Config.CodeTTL()); err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}

	if err := sess.ClearFlow(ctx); err != nil {
		s.Logger.Warn("Failed to clear session flow", "error", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthCodeIssued,
		UserID:   userID,
		ClientID: flow.ClientID,
	})
	s.Logger.Info("Issued authorization code",
		"user_id", userID,
		"client_id", flow.ClientID)

	redirect, err := url.Parse(flow.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("failed to parse redirect URI: %w", err)
	}
	q := redirect.Query()
	q.Set("code", code)
	if flow.State != "" {
		q.Set("state", flow.State)
	}
	redirect.RawQuery = q.Encode()

	return redirect.String(), nil
}

// StoreCredentials encrypts and saves a user's project management
// credentials, then completes a pending client authorization if the session
// has one waiting on them. Returns the client redirect URL when a pending
// authorization completed, empty otherwise.
func (s *Server) StoreCredentials(ctx context.Context, sess *session.Context, userID string, bundle *credentials.Bundle) (string, error) {
	encrypted, err := s.vault.EncryptBundle(bundle)
	if err != nil {
		return "", fmt.Errorf("failed to seal credentials bundle: %w", err)
	}

	if err := s.credentials.Save(ctx, userID, encrypted); err != nil {
		return "", fmt.Errorf("failed to save credentials: %w", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:   security.EventCredentialsStored,
		UserID: userID,
		Details: map[string]any{
			"provider": string(bundle.Provider),
		},
	})

	flow, err := sess.ActiveFlow(ctx)
	if err != nil {
		return "", err
	}
	if pending, ok := flow.(session.McpOAuth); ok {
		return s.issueAuthorizationCode(ctx, sess, userID, encrypted, pending)
	}
	return "", nil
}

// SubmitCredentials resolves the session's verified identity to a user
// account and stores the submitted bundle for it. The session must have
// completed a provider handshake; the identity lives on the session, the
// browser never names the account it is storing credentials for.
func (s *Server) SubmitCredentials(ctx context.Context, sess *session.Context, bundle *credentials.Bundle) (string, error) {
	identity, err := sess.Identity(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load session identity: %w", err)
	}
	if identity == nil {
		return "", ErrNotAuthenticated
	}

	user, err := s.users.FindByEmail(ctx, identity.Email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return "", ErrUserNotApproved
		}
		return "", fmt.Errorf("failed to look up user: %w", err)
	}
	if !user.Approved {
		return "", ErrUserNotApproved
	}

	return s.StoreCredentials(ctx, sess, user.ID, bundle)
}

// ExchangeAuthorizationCode implements the authorization_code grant. The
// code is consumed exactly once; under concurrent exchange exactly one
// caller receives tokens. redirect_uri must match the stored one
// byte-for-byte.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI string) (*TokenPair, error) {
	payload, err := s.codes.ConsumeOnce(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrCodeNotFound) {
			s.Logger.Debug("Authorization code exchange failed",
				"reason", "code_not_found_or_contended",
				"client_id", clientID)
			s.Auditor.LogAuthFailure("", clientID, "", "invalid_authorization_code")
			return nil, storage.ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	// An omitted client_id leans on the code itself; a present one must
	// match the client the code was issued to.
	if clientID != "" && payload.ClientID != clientID {
		s.Logger.Debug("Authorization code exchange failed",
			"reason", "client_id_mismatch",
			"expected_client_id", payload.ClientID,
			"provided_client_id", clientID)
		s.Auditor.LogAuthFailure(payload.UserID, clientID, "", "client_id_mismatch")
		return nil, storage.ErrCodeNotFound
	}

	// Exact match; a URI that differs in any byte was not the one the
	// code was issued for.
	if subtle.ConstantTimeCompare([]byte(payload.RedirectURI), []byte(redirectURI)) != 1 {
		s.Logger.Debug("Authorization code exchange failed",
			"reason", "redirect_uri_mismatch",
			"client_id", clientID)
		s.Auditor.LogAuthFailure(payload.UserID, clientID, "", "redirect_uri_mismatch")
		return nil, storage.ErrCodeNotFound
	}

	return s.tokens.IssuePair(ctx, payload.UserID, payload.ClientID,
		string(payload.Provider), payload.EncryptedCredentials)
}

// RefreshAccessToken implements the refresh_token grant.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshSecret, clientID string) (*TokenPair, error) {
	return s.tokens.Refresh(ctx, refreshSecret, clientID)
}

// RevokeToken invalidates the given token secret.
func (s *Server) RevokeToken(ctx context.Context, secret string) error {
	return s.tokens.Revoke(ctx, secret)
}
