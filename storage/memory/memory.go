// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/guiziweb/pm-oauth/storage"
)

const (
	// codeLockTTL bounds how long a crashed consumer can strand a code.
	// The critical section is two map operations, so a few seconds is a
	// comfortable margin.
	codeLockTTL = 5 * time.Second

	// cleanupInterval is how often expired codes and locks are reaped.
	cleanupInterval = time.Minute
)

// codeEntry is a stored authorization code payload with its expiry.
type codeEntry struct {
	payload   *storage.CodePayload
	expiresAt time.Time
}

// Store is an in-memory implementation of TokenRepository, CodeStore,
// UserStore, CredentialStore and ClientStore.
type Store struct {
	mu sync.RWMutex

	tokensByHash map[string]*storage.Token
	tokensByID   map[string]*storage.Token

	codes     map[string]*codeEntry // keyed by code hash
	codeLocks map[string]time.Time  // lock expiry, keyed by code hash

	users       map[string]*storage.User // keyed by lowercase email
	credentials map[string]string        // userID -> vault ciphertext
	clients     map[string]*storage.Client

	logger      *slog.Logger
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// Compile-time interface checks.
var (
	_ storage.TokenRepository = (*Store)(nil)
	_ storage.CodeStore       = (*Store)(nil)
	_ storage.UserStore       = (*Store)(nil)
	_ storage.CredentialStore = (*Store)(nil)
	_ storage.ClientStore     = (*Store)(nil)
)

// New creates a new in-memory store with a background cleanup goroutine.
func New() *Store {
	s := &Store{
		tokensByHash: make(map[string]*storage.Token),
		tokensByID:   make(map[string]*storage.Token),
		codes:        make(map[string]*codeEntry),
		codeLocks:    make(map[string]time.Time),
		users:        make(map[string]*storage.User),
		credentials:  make(map[string]string),
		clients:      make(map[string]*storage.Client),
		logger:       slog.Default(),
		stopCleanup:  make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Stop terminates the cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// TokenRepository
// ============================================================

// Create inserts a new token row.
func (s *Store) Create(_ context.Context, token *storage.Token) error {
	if token == nil || token.ID == "" || token.Hash == "" {
		return fmt.Errorf("invalid token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokensByHash[token.Hash]; exists {
		return fmt.Errorf("token hash collision")
	}

	cp := *token
	s.tokensByHash[token.Hash] = &cp
	s.tokensByID[token.ID] = &cp
	return nil
}

// GetByHash retrieves a token by its secret hash.
func (s *Store) GetByHash(_ context.Context, hash string) (*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokensByHash[hash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	cp := *token
	return &cp, nil
}

// GetByID retrieves a token by identifier.
func (s *Store) GetByID(_ context.Context, id string) (*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokensByID[id]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	cp := *token
	return &cp, nil
}

// MarkRevoked sets RevokedAt on a token. Idempotent.
func (s *Store) MarkRevoked(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokensByID[id]
	if !ok {
		return storage.ErrTokenNotFound
	}
	if token.RevokedAt == nil {
		token.RevokedAt = &at
	}
	return nil
}

// MarkUsed updates LastUsedAt on a token.
func (s *Store) MarkUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokensByID[id]
	if !ok {
		return storage.ErrTokenNotFound
	}
	token.LastUsedAt = &at
	return nil
}

// RevokeAllForUser revokes every non-revoked token owned by the user.
func (s *Store) RevokeAllForUser(_ context.Context, userID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, token := range s.tokensByID {
		if token.UserID == userID && token.RevokedAt == nil {
			token.RevokedAt = &at
			revoked++
		}
	}
	return revoked, nil
}

// ============================================================
// CodeStore
// ============================================================

// Store saves a code payload under the hashed code value.
func (s *Store) Store(_ context.Context, code string, payload *storage.CodePayload, ttl time.Duration) error {
	if code == "" || payload == nil {
		return fmt.Errorf("invalid authorization code")
	}

	key := storage.HashSecret(code)

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *payload
	s.codes[key] = &codeEntry{
		payload:   &cp,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// ConsumeOnce atomically claims and removes a code payload. The lock map
// mirrors the lease used by distributed backends so the semantics (losers
// fail fast, a stranded lease expires) are identical across stores.
func (s *Store) ConsumeOnce(_ context.Context, code string) (*storage.CodePayload, error) {
	key := storage.HashSecret(code)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Claim the lease. A live lock means another request is mid-consume:
	// lose immediately, do not wait.
	if lockExpiry, held := s.codeLocks[key]; held && now.Before(lockExpiry) {
		return nil, storage.ErrCodeNotFound
	}
	s.codeLocks[key] = now.Add(codeLockTTL)

	entry, ok := s.codes[key]
	if !ok || now.After(entry.expiresAt) {
		delete(s.codes, key)
		delete(s.codeLocks, key)
		return nil, storage.ErrCodeNotFound
	}

	delete(s.codes, key)
	delete(s.codeLocks, key)
	return entry.payload, nil
}

// Exists reports whether an unexpired payload is stored for the code.
func (s *Store) Exists(_ context.Context, code string) (bool, error) {
	key := storage.HashSecret(code)

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.codes[key]
	return ok && time.Now().Before(entry.expiresAt), nil
}

// ============================================================
// UserStore
// ============================================================

// FindByEmail retrieves a user by email address.
func (s *Store) FindByEmail(_ context.Context, email string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[strings.ToLower(email)]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

// Create inserts a user.
func (s *Store) CreateUser(_ context.Context, user *storage.User) error {
	if user == nil || user.Email == "" {
		return fmt.Errorf("invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *user
	s.users[strings.ToLower(user.Email)] = &cp
	return nil
}

// ============================================================
// CredentialStore
// ============================================================

// Get retrieves a user's encrypted credentials blob.
func (s *Store) Get(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	encrypted, ok := s.credentials[userID]
	if !ok {
		return "", storage.ErrCredentialsNotFound
	}
	return encrypted, nil
}

// Save stores a user's encrypted credentials blob.
func (s *Store) Save(_ context.Context, userID, encrypted string) error {
	if userID == "" || encrypted == "" {
		return fmt.Errorf("invalid credentials")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.credentials[userID] = encrypted
	return nil
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient stores a registered client.
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *client
	s.clients[client.ClientID] = &cp
	return nil
}

// GetClient retrieves a registered client.
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	cp := *client
	return &cp, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) cleanupExpired() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.codes {
		if now.After(entry.expiresAt) {
			delete(s.codes, key)
			removed++
		}
	}
	for key, expiry := range s.codeLocks {
		if now.After(expiry) {
			delete(s.codeLocks, key)
		}
	}

	if removed > 0 {
		s.logger.Debug("Cleaned up expired authorization codes", "removed", removed)
	}
}
