package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/guiziweb/pm-oauth/security"
	"github.com/guiziweb/pm-oauth/storage"
)

// ErrRegistrationDisabled indicates the deployment has no client store and
// does not accept dynamic registrations.
var ErrRegistrationDisabled = errors.New("client registration is not available")

// RegisteredClient is the outcome of a dynamic registration. Secret is the
// plaintext client secret, returned exactly once. For confidential clients
// its bcrypt hash is persisted; for public clients it is never checked.
type RegisteredClient struct {
	Client *storage.Client
	Secret string
}

// RegisterClient registers a new OAuth client. Every redirect URI must pass
// the same whitelist the authorization endpoint enforces; registration is
// not a side door around it.
func (s *Server) RegisterClient(ctx context.Context, redirectURIs []string, confidential bool) (*RegisteredClient, error) {
	if s.clients == nil {
		return nil, ErrRegistrationDisabled
	}
	if len(redirectURIs) == 0 {
		return nil, fmt.Errorf("at least one redirect URI is required")
	}
	for _, uri := range redirectURIs {
		if !s.validator.IsAllowed(uri) {
			s.Logger.Warn("Rejected client registration",
				"reason", "redirect_uri_not_allowed",
				"redirect_uri", uri)
			return nil, ErrRedirectURINotAllowed
		}
	}

	client := &storage.Client{
		ClientID:     uuid.NewString(),
		RedirectURIs: redirectURIs,
		CreatedAt:    time.Now(),
	}

	secret := generateRandomToken()
	if confidential {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.SecretHash = string(hash)
	}

	if err := s.clients.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventClientRegistered,
		ClientID: client.ClientID,
	})
	s.Logger.Info("Registered client",
		"client_id", client.ClientID,
		"confidential", confidential,
		"redirect_uris", len(redirectURIs))

	return &RegisteredClient{Client: client, Secret: secret}, nil
}

// AuthenticateClient verifies a confidential client's secret against its
// stored bcrypt hash. Public clients (no stored hash) authenticate with an
// empty secret.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) error {
	if s.clients == nil {
		// No client store: clients are unregistered public clients and
		// authenticate by identifier alone.
		return nil
	}
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			// Unregistered clients are treated as public. The code and
			// token binding to client_id still holds.
			return nil
		}
		return fmt.Errorf("failed to load client: %w", err)
	}
	if client.SecretHash == "" {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)); err != nil {
		s.Auditor.LogAuthFailure("", clientID, "", "client_authentication_failed")
		return fmt.Errorf("client authentication failed: %w", err)
	}
	return nil
}
