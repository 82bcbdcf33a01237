package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/guiziweb/pm-oauth/security"
	"github.com/guiziweb/pm-oauth/storage"
)

// TokenPair is a freshly minted access/refresh token pair. The secrets are
// returned to the client exactly once and only their hashes are persisted.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
}

// TokenService mints, validates, rotates, and revokes token pairs. Every
// token carries the owner's encrypted credentials bundle so resource
// servers can act on the user's behalf without a second lookup.
type TokenService struct {
	repo    storage.TokenRepository
	vault   *security.Vault
	config  *Config
	logger  *slog.Logger
	auditor *security.Auditor

	// now is the clock, overridable in tests.
	now func() time.Time
}

// NewTokenService creates a token service.
func NewTokenService(repo storage.TokenRepository, vault *security.Vault, config *Config, logger *slog.Logger) *TokenService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenService{
		repo:   repo,
		vault:  vault,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// IssuePair mints a new access/refresh token pair carrying the encrypted
// credentials bundle. The refresh token records the access token as its
// parent so revoking the pair later needs only the refresh token.
func (ts *TokenService) IssuePair(ctx context.Context, userID, clientID, provider, encryptedBundle string) (*TokenPair, error) {
	now := ts.now()

	accessSecret := generateRandomToken()
	accessToken := &storage.Token{
		ID:                   uuid.NewString(),
		Hash:                 storage.HashSecret(accessSecret),
		UserID:               userID,
		ClientID:             clientID,
		Kind:                 storage.KindAccess,
		EncryptedCredentials: encryptedBundle,
		IssuedAt:             now,
		ExpiresAt:            now.Add(ts.config.AccessTTL()),
	}
	if err := ts.repo.Create(ctx, accessToken); err != nil {
		return nil, fmt.Errorf("failed to store access token: %w", err)
	}

	refreshSecret := generateRandomToken()
	refreshToken := &storage.Token{
		ID:                   uuid.NewString(),
		Hash:                 storage.HashSecret(refreshSecret),
		UserID:               userID,
		ClientID:             clientID,
		Kind:                 storage.KindRefresh,
		ParentID:             accessToken.ID,
		EncryptedCredentials: encryptedBundle,
		IssuedAt:             now,
		ExpiresAt:            now.Add(ts.config.RefreshTTL()),
	}
	if err := ts.repo.Create(ctx, refreshToken); err != nil {
		// Do not leave a live orphan access token behind.
		if rerr := ts.repo.MarkRevoked(ctx, accessToken.ID, now); rerr != nil {
			ts.logger.Error("Failed to revoke orphan access token",
				"token_id", accessToken.ID, "error", rerr)
		}
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	ts.auditor.LogTokenPairIssued(userID, clientID, provider)
	ts.logger.Info("Issued token pair",
		"user_id", userID,
		"client_id", clientID,
		"access_token_id", accessToken.ID,
		"refresh_token_id", refreshToken.ID)

	return &TokenPair{
		AccessToken:  accessSecret,
		RefreshToken: refreshSecret,
		TokenType:    "Bearer",
		ExpiresIn:    ts.config.AccessTokenTTL,
	}, nil
}

// ValidateAccess checks an access token secret and records its use.
// Any miss, expiry, revocation, or kind mismatch collapses to
// storage.ErrTokenNotFound; callers must not learn which it was.
func (ts *TokenService) ValidateAccess(ctx context.Context, secret string) (*storage.Token, error) {
	token, err := ts.lookup(ctx, secret, storage.KindAccess)
	if err != nil {
		return nil, err
	}

	// Usage tracking is best-effort; validation already succeeded.
	if err := ts.repo.MarkUsed(ctx, token.ID, ts.now()); err != nil {
		ts.logger.Warn("Failed to record token use", "token_id", token.ID, "error", err)
	}

	return token, nil
}

// ValidateRefresh checks a refresh token secret. Unlike access validation
// it does not touch LastUsedAt; rotation is the only meaningful use.
func (ts *TokenService) ValidateRefresh(ctx context.Context, secret string) (*storage.Token, error) {
	return ts.lookup(ctx, secret, storage.KindRefresh)
}

func (ts *TokenService) lookup(ctx context.Context, secret string, kind storage.TokenKind) (*storage.Token, error) {
	if secret == "" {
		return nil, storage.ErrTokenNotFound
	}

	token, err := ts.repo.GetByHash(ctx, storage.HashSecret(secret))
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}

	if token.Kind != kind || !token.Valid(ts.now()) {
		return nil, storage.ErrTokenNotFound
	}

	return token, nil
}

// Refresh rotates a token pair: the refresh token is validated, its bundle
// is decrypted to prove it is intact, the old pair is revoked, and a new
// pair is minted with the re-encrypted bundle. The old refresh token is
// dead even if the client never receives the response.
func (ts *TokenService) Refresh(ctx context.Context, refreshSecret, clientID string) (*TokenPair, error) {
	token, err := ts.ValidateRefresh(ctx, refreshSecret)
	if err != nil {
		return nil, err
	}

	if clientID != "" && token.ClientID != clientID {
		ts.logger.Warn("Refresh token presented by wrong client",
			"token_id", token.ID,
			"expected_client", token.ClientID,
			"got_client", clientID)
		return nil, storage.ErrTokenNotFound
	}

	bundle, err := ts.vault.DecryptBundle(token.EncryptedCredentials)
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials bundle: %w", err)
	}
	reencrypted, err := ts.vault.EncryptBundle(bundle)
	if err != nil {
		return nil, fmt.Errorf("failed to seal credentials bundle: %w", err)
	}

	now := ts.now()
	if err := ts.repo.MarkRevoked(ctx, token.ID, now); err != nil {
		return nil, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if token.ParentID != "" {
		if err := ts.repo.MarkRevoked(ctx, token.ParentID, now); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
			ts.logger.Warn("Failed to revoke paired access token",
				"token_id", token.ParentID, "error", err)
		}
	}

	pair, err := ts.IssuePair(ctx, token.UserID, token.ClientID, string(bundle.Provider), reencrypted)
	if err != nil {
		return nil, err
	}

	ts.auditor.LogTokenPairRotated(token.UserID, token.ClientID)
	return pair, nil
}

// Revoke invalidates the token matching the secret. Revoking a refresh
// token also revokes its paired access token. A miss is reported as
// storage.ErrTokenNotFound; revocation endpoints typically ignore it.
func (ts *TokenService) Revoke(ctx context.Context, secret string) error {
	if secret == "" {
		return storage.ErrTokenNotFound
	}

	token, err := ts.repo.GetByHash(ctx, storage.HashSecret(secret))
	if err != nil {
		return err
	}

	now := ts.now()
	if err := ts.repo.MarkRevoked(ctx, token.ID, now); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	if token.Kind == storage.KindRefresh && token.ParentID != "" {
		if err := ts.repo.MarkRevoked(ctx, token.ParentID, now); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
			ts.logger.Warn("Failed to revoke paired access token",
				"token_id", token.ParentID, "error", err)
		}
	}

	ts.auditor.LogTokenRevoked(token.UserID, token.ClientID, string(token.Kind))
	return nil
}

// RevokeAllForUser invalidates every live token the user owns and reports
// how many were revoked.
func (ts *TokenService) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	revoked, err := ts.repo.RevokeAllForUser(ctx, userID, ts.now())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user tokens: %w", err)
	}

	if revoked > 0 {
		ts.auditor.LogEvent(security.Event{
			Type:   security.EventAllTokensRevoked,
			UserID: userID,
			Details: map[string]any{
				"revoked_count": revoked,
			},
		})
	}
	return revoked, nil
}
