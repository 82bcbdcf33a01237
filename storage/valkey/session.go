package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guiziweb/pm-oauth/session"
)

// Compile-time interface check.
var _ session.Store = (*Store)(nil)

func (s *Store) sessionKey(id string) string {
	return s.prefix + "session:" + id
}

// Get retrieves a session record.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.sessionKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, session.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var sess session.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

// Save persists a session record and refreshes its TTL.
func (s *Store) Save(ctx context.Context, sess *session.Session, ttl time.Duration) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("invalid session")
	}
	if ttl <= 0 {
		ttl = session.DefaultTTL
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.sessionKey(sess.ID)).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Delete removes a session record.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.sessionKey(id)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
