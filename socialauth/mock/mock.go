// Package mock provides a mock identity provider bridge for testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/guiziweb/pm-oauth/socialauth"
)

// Bridge is a configurable mock of socialauth.Bridge.
type Bridge struct {
	// AuthorizationURLFunc is called when AuthorizationURL() is invoked
	AuthorizationURLFunc func(state string) string

	// ExchangeFunc is called when Exchange() is invoked
	ExchangeFunc func(ctx context.Context, code, state, expectedState string) (*socialauth.Identity, error)

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	mu sync.Mutex
}

var _ socialauth.Bridge = (*Bridge)(nil)

// New creates a mock bridge with default implementations. The default
// Exchange enforces the state check the way a real bridge would.
func New() *Bridge {
	return &Bridge{
		CallCounts: make(map[string]int),
		AuthorizationURLFunc: func(state string) string {
			return fmt.Sprintf("https://mock.example.com/authorize?state=%s", state)
		},
		ExchangeFunc: func(_ context.Context, _, state, expectedState string) (*socialauth.Identity, error) {
			if expectedState == "" || state != expectedState {
				return nil, socialauth.ErrStateMismatch
			}
			return &socialauth.Identity{
				ID:    "mock-user-123",
				Email: "mock@example.com",
				Name:  "Mock User",
			}, nil
		},
	}
}

func (b *Bridge) Name() string {
	b.count("Name")
	return "mock"
}

func (b *Bridge) AuthorizationURL(state string) string {
	b.count("AuthorizationURL")
	return b.AuthorizationURLFunc(state)
}

func (b *Bridge) Exchange(ctx context.Context, code, state, expectedState string) (*socialauth.Identity, error) {
	b.count("Exchange")
	return b.ExchangeFunc(ctx, code, state, expectedState)
}

func (b *Bridge) count(method string) {
	b.mu.Lock()
	b.CallCounts[method]++
	b.mu.Unlock()
}
