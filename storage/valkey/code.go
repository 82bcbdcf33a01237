package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guiziweb/pm-oauth/internal/util"
	"github.com/guiziweb/pm-oauth/storage"
)

// Compile-time interface check.
var _ storage.CodeStore = (*Store)(nil)

func (s *Store) codeKey(hash string) string {
	return s.prefix + "code:" + hash
}

func (s *Store) codeLockKey(hash string) string {
	return s.prefix + "lock:code:" + hash
}

// Store saves an authorization code payload under the hashed code value.
func (s *Store) Store(ctx context.Context, code string, payload *storage.CodePayload, ttl time.Duration) error {
	if code == "" || payload == nil {
		return fmt.Errorf("invalid authorization code")
	}
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal code payload: %w", err)
	}

	hash := storage.HashSecret(code)

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.codeKey(hash)).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_hash_prefix", util.SafeTruncate(hash, keyLogLength))
	return nil
}

// ConsumeOnce atomically claims and removes a code payload. The claim is a
// short-lived lock key written with SET NX EX; under concurrent exchange
// attempts exactly one caller acquires it, every other caller fails fast
// with storage.ErrCodeNotFound. The lock's TTL guarantees a consumer that
// dies mid-exchange cannot strand the code forever.
func (s *Store) ConsumeOnce(ctx context.Context, code string) (*storage.CodePayload, error) {
	hash := storage.HashSecret(code)
	lockKey := s.codeLockKey(hash)

	err := s.client.Do(ctx,
		s.client.B().Set().Key(lockKey).Value("1").Nx().Ex(codeLockTTL).Build(),
	).Error()
	if err != nil {
		if isNilError(err) {
			// Lock already held: a concurrent exchange is in flight.
			s.logger.Warn("Contended authorization code exchange",
				"code_hash_prefix", util.SafeTruncate(hash, keyLogLength))
			return nil, storage.ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to acquire code lock: %w", err)
	}

	// Lock held. Re-check the payload, then delete both keys. Release the
	// lock on every path so a later legitimate retry is not blocked for
	// the full lock TTL.
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.codeKey(hash)).Build()).ToString()
	if err != nil {
		s.releaseLock(ctx, lockKey)
		if isNilError(err) {
			return nil, storage.ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	var payload storage.CodePayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		s.releaseLock(ctx, lockKey)
		return nil, fmt.Errorf("failed to unmarshal code payload: %w", err)
	}

	if time.Now().After(payload.ExpiresAt) {
		s.deleteKeys(ctx, s.codeKey(hash), lockKey)
		return nil, storage.ErrCodeNotFound
	}

	s.deleteKeys(ctx, s.codeKey(hash), lockKey)

	s.logger.Debug("Consumed authorization code",
		"code_hash_prefix", util.SafeTruncate(hash, keyLogLength))
	return &payload, nil
}

// Exists reports whether an unexpired payload is stored for the code.
// Non-destructive, for diagnostics only.
func (s *Store) Exists(ctx context.Context, code string) (bool, error) {
	hash := storage.HashSecret(code)

	n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.codeKey(hash)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check authorization code: %w", err)
	}
	return n > 0, nil
}

func (s *Store) releaseLock(ctx context.Context, lockKey string) {
	if err := s.client.Do(ctx, s.client.B().Del().Key(lockKey).Build()).Error(); err != nil {
		s.logger.Warn("Failed to release code lock, waiting for TTL expiry", "error", err)
	}
}

func (s *Store) deleteKeys(ctx context.Context, keys ...string) {
	if err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).Error(); err != nil {
		s.logger.Warn("Failed to delete code keys", "error", err)
	}
}
