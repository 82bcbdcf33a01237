// Package socialauth abstracts the external identity provider used to
// authenticate the human behind an authorization flow. The server never
// handles passwords; it delegates login to the provider and receives a
// verified identity back.
package socialauth

import (
	"context"
	"errors"
)

// ErrStateMismatch indicates the state returned by the provider does not
// match the state stored in the session. Treated as a CSRF attempt.
var ErrStateMismatch = errors.New("socialauth: state parameter mismatch")

// Identity is the verified identity returned by a provider after a
// successful login.
type Identity struct {
	// ID is the provider's stable subject identifier.
	ID string `json:"id"`

	// Email is the verified email address.
	Email string `json:"email"`

	// Name is the display name, may be empty.
	Name string `json:"name"`
}

// Bridge is the handshake with an external identity provider.
type Bridge interface {
	// Name identifies the provider, e.g. "google".
	Name() string

	// AuthorizationURL builds the provider login URL carrying the given
	// anti-CSRF state.
	AuthorizationURL(state string) string

	// Exchange completes the handshake: verifies the returned state
	// against the expected one, exchanges the provider code, and fetches
	// the verified identity. Returns ErrStateMismatch when the states
	// differ.
	Exchange(ctx context.Context, code, state, expectedState string) (*Identity, error)
}
