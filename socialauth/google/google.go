// Package google implements the identity provider bridge for Google OAuth.
package google

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/guiziweb/pm-oauth/socialauth"
)

const userinfoEndpoint = "https://www.googleapis.com/oauth2/v3/userinfo"

// Config holds Google OAuth configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// Bridge implements socialauth.Bridge for Google.
type Bridge struct {
	config     *oauth2.Config
	httpClient *http.Client
}

var _ socialauth.Bridge = (*Bridge)(nil)

// New creates a Google bridge.
func New(cfg *Config) (*Bridge, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Bridge{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		},
		httpClient: httpClient,
	}, nil
}

// Name returns the provider name.
func (b *Bridge) Name() string {
	return "google"
}

// AuthorizationURL generates the Google login URL for the given state.
func (b *Bridge) AuthorizationURL(state string) string {
	return b.config.AuthCodeURL(state)
}

// Exchange verifies the state, exchanges the provider code, and fetches the
// user's verified identity from the userinfo endpoint.
func (b *Bridge) Exchange(ctx context.Context, code, state, expectedState string) (*socialauth.Identity, error) {
	if expectedState == "" ||
		subtle.ConstantTimeCompare([]byte(state), []byte(expectedState)) != 1 {
		return nil, socialauth.ErrStateMismatch
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)

	token, err := b.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	resp, err := b.config.Client(ctx, token).Get(userinfoEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed with status %d", resp.StatusCode)
	}

	var userInfo struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	if !userInfo.EmailVerified {
		return nil, fmt.Errorf("email address is not verified")
	}

	return &socialauth.Identity{
		ID:    userInfo.Sub,
		Email: userInfo.Email,
		Name:  userInfo.Name,
	}, nil
}
