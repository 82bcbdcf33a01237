// Package storage defines the persistence models and interfaces for issued
// tokens, one-time authorization codes, users, per-user provider credentials,
// and registered OAuth clients.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible ephemeral storage for codes and sessions
//   - storage/postgres: PostgreSQL token repository for production
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/guiziweb/pm-oauth/credentials"
)

// Sentinel errors returned by storage implementations. Lookup misses are
// sentinels so the service layer can map them uniformly to invalid_grant
// without leaking backend detail.
var (
	ErrTokenNotFound       = errors.New("token not found")
	ErrCodeNotFound        = errors.New("authorization code not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrClientNotFound      = errors.New("client not found")
	ErrCredentialsNotFound = errors.New("credentials not found")
)

// TokenKind distinguishes access tokens from refresh tokens.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// Token is one issued credential-bearing secret. The plaintext secret is
// never persisted; rows are looked up by Hash.
type Token struct {
	// ID is a server-generated random identifier, never the secret itself.
	ID string

	// Hash is the SHA-256 hex digest of the plaintext secret. Unique.
	Hash string

	// UserID is the authenticated user this token acts on behalf of.
	UserID string

	// ClientID is the OAuth client the token was issued to.
	ClientID string

	// Kind is access or refresh.
	Kind TokenKind

	// ParentID links a refresh token to the access token it was issued
	// alongside. Empty for access tokens.
	ParentID string

	// EncryptedCredentials is the vault-protected credentials bundle.
	EncryptedCredentials string

	IssuedAt   time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
}

// Valid reports whether the token is usable at the given instant:
// not revoked and strictly before expiry.
func (t *Token) Valid(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// CodePayload is the data bound to a one-time authorization code.
type CodePayload struct {
	UserID      string               `json:"user_id"`
	ClientID    string               `json:"client_id"`
	RedirectURI string               `json:"redirect_uri"`
	Provider    credentials.Provider `json:"provider"`

	// EncryptedCredentials carries the vault-protected bundle (org config
	// plus user secrets) from the callback to the token endpoint.
	EncryptedCredentials string `json:"encrypted_credentials"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// User is the external user-store record this subsystem reads. Creation and
// approval management happen outside the token core.
type User struct {
	ID       string
	Email    string
	Name     string
	Approved bool
}

// Client is a registered OAuth client from the self-registration stub.
type Client struct {
	ClientID     string
	SecretHash   string // bcrypt hash; empty for public clients
	RedirectURIs []string
	CreatedAt    time.Time
}

// TokenRepository persists issued tokens, keyed uniquely by hash.
// All methods accept context.Context for tracing and cancellation.
type TokenRepository interface {
	// Create inserts a new token row. The hash must be unique.
	Create(ctx context.Context, token *Token) error

	// GetByHash retrieves a token by its secret hash. O(1)/indexed: this
	// is the hot path for access-token validation.
	GetByHash(ctx context.Context, hash string) (*Token, error)

	// GetByID retrieves a token by identifier.
	GetByID(ctx context.Context, id string) (*Token, error)

	// MarkRevoked sets RevokedAt on a live token. Idempotent: revoking an
	// already-revoked token is not an error.
	MarkRevoked(ctx context.Context, id string, at time.Time) error

	// MarkUsed updates LastUsedAt after a successful access validation.
	MarkUsed(ctx context.Context, id string, at time.Time) error

	// RevokeAllForUser revokes every non-revoked token owned by the user
	// and returns how many were revoked.
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int, error)
}

// CodeStore persists one-time authorization codes with TTL, keyed by a hash
// of the code value.
type CodeStore interface {
	// Store saves the payload under the hashed code for the given TTL.
	Store(ctx context.Context, code string, payload *CodePayload, ttl time.Duration) error

	// ConsumeOnce atomically claims and removes the payload for a code.
	// Exactly one caller among concurrent consumers of the same code gets
	// the payload; every other caller gets ErrCodeNotFound immediately
	// (no waiting, no retry). A consumed or expired code never yields a
	// payload again.
	ConsumeOnce(ctx context.Context, code string) (*CodePayload, error)

	// Exists is a non-destructive existence check for diagnostics only.
	// It must not gate business logic: the answer is stale by the time
	// the caller acts on it.
	Exists(ctx context.Context, code string) (bool, error)
}

// UserStore is the external collaborator holding user accounts.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, user *User) error
}

// CredentialStore holds each user's vault-encrypted provider credentials.
// Values are opaque ciphertext; the vault is the only reader.
type CredentialStore interface {
	Get(ctx context.Context, userID string) (string, error)
	Save(ctx context.Context, userID, encrypted string) error
}

// ClientStore manages registered OAuth clients.
type ClientStore interface {
	SaveClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// HashSecret computes the SHA-256 hex digest used to key tokens and codes.
func HashSecret(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}
