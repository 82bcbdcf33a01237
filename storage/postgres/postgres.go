// Package postgres provides a Postgres-backed token repository for
// deployments that need durable token persistence.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guiziweb/pm-oauth/storage"
)

// connectTimeout is the timeout for initial connection verification.
const connectTimeout = 5 * time.Second

// TokenRepository is a Postgres-backed implementation of
// storage.TokenRepository, built on a pgx connection pool.
type TokenRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ storage.TokenRepository = (*TokenRepository)(nil)

// New creates a token repository and verifies the connection.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*TokenRepository, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	logger.Info("Connected to Postgres token storage")

	return &TokenRepository{pool: pool, logger: logger}, nil
}

// Close closes the connection pool.
func (r *TokenRepository) Close() {
	r.pool.Close()
	r.logger.Info("Postgres token storage connection closed")
}

// Create inserts a new token row. The unique index on hash makes secret
// collisions an insert error rather than a silent overwrite.
func (r *TokenRepository) Create(ctx context.Context, token *storage.Token) error {
	if token == nil || token.ID == "" || token.Hash == "" {
		return fmt.Errorf("invalid token")
	}

	const q = `
		INSERT INTO tokens (
			id, hash, user_id, client_id, kind, parent_id,
			encrypted_credentials, issued_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.pool.Exec(ctx, q,
		token.ID, token.Hash, token.UserID, token.ClientID,
		string(token.Kind), nullable(token.ParentID),
		token.EncryptedCredentials, token.IssuedAt, token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

// GetByHash retrieves a token by its secret hash.
func (r *TokenRepository) GetByHash(ctx context.Context, hash string) (*storage.Token, error) {
	return r.getWhere(ctx, "hash = $1", hash)
}

// GetByID retrieves a token by identifier.
func (r *TokenRepository) GetByID(ctx context.Context, id string) (*storage.Token, error) {
	return r.getWhere(ctx, "id = $1", id)
}

func (r *TokenRepository) getWhere(ctx context.Context, cond string, arg any) (*storage.Token, error) {
	q := `
		SELECT id, hash, user_id, client_id, kind, parent_id,
		       encrypted_credentials, issued_at, expires_at,
		       revoked_at, last_used_at
		FROM tokens WHERE ` + cond

	var (
		token    storage.Token
		kind     string
		parentID *string
	)
	err := r.pool.QueryRow(ctx, q, arg).Scan(
		&token.ID, &token.Hash, &token.UserID, &token.ClientID,
		&kind, &parentID, &token.EncryptedCredentials,
		&token.IssuedAt, &token.ExpiresAt,
		&token.RevokedAt, &token.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to query token: %w", err)
	}

	token.Kind = storage.TokenKind(kind)
	if parentID != nil {
		token.ParentID = *parentID
	}
	return &token, nil
}

// MarkRevoked sets revoked_at on a token. Idempotent; an already revoked
// token keeps its original revocation time.
func (r *TokenRepository) MarkRevoked(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE tokens SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`

	tag, err := r.pool.Exec(ctx, q, id, at)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish "missing" from "already revoked".
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// MarkUsed updates last_used_at on a token.
func (r *TokenRepository) MarkUsed(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE tokens SET last_used_at = $2 WHERE id = $1`

	tag, err := r.pool.Exec(ctx, q, id, at)
	if err != nil {
		return fmt.Errorf("failed to update token usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrTokenNotFound
	}
	return nil
}

// RevokeAllForUser revokes every non-revoked token owned by the user and
// reports how many were revoked.
func (r *TokenRepository) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int, error) {
	const q = `UPDATE tokens SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`

	tag, err := r.pool.Exec(ctx, q, userID, at)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
