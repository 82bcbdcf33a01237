// Package credentials defines the closed, versioned credentials bundle that is
// carried (encrypted) inside authorization codes and issued tokens. The bundle
// holds everything the downstream API gateway needs to act against a user's
// project-management provider: which provider, the organization-level
// configuration (e.g. base URL), and the user-level secret (e.g. API key).
package credentials

import (
	"encoding/json"
	"fmt"
)

// Provider identifies a supported project-management provider.
type Provider string

const (
	ProviderRedmine Provider = "redmine"
	ProviderJira    Provider = "jira"
	ProviderMonday  Provider = "monday"
)

// currentVersion is the bundle schema version written on marshal.
// Bump when fields change shape; Unmarshal rejects unknown versions.
const currentVersion = 1

// Bundle is the credentials payload protected by the vault. It is a closed
// record: shape is validated before encryption so malformed bundles are
// rejected early instead of surfacing as decryption-time surprises.
type Bundle struct {
	// Version is the bundle schema version.
	Version int `json:"version"`

	// Provider is the downstream provider this bundle targets.
	Provider Provider `json:"provider"`

	// OrgConfig holds organization-level configuration such as the
	// provider base URL or workspace identifier.
	OrgConfig map[string]string `json:"org_config,omitempty"`

	// UserSecrets holds the user-level secrets such as an API key or
	// personal access token. Never logged, never stored in clear text.
	UserSecrets map[string]string `json:"user_secrets"`
}

// Validate checks that the bundle is well formed.
func (b *Bundle) Validate() error {
	switch b.Provider {
	case ProviderRedmine, ProviderJira, ProviderMonday:
	case "":
		return fmt.Errorf("credentials bundle: provider is required")
	default:
		return fmt.Errorf("credentials bundle: unknown provider %q", b.Provider)
	}
	if len(b.UserSecrets) == 0 {
		return fmt.Errorf("credentials bundle: user secrets are required")
	}
	return nil
}

// Marshal validates the bundle and serializes it to JSON, stamping the
// current schema version.
func Marshal(b *Bundle) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("credentials bundle: nil bundle")
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	out := *b
	out.Version = currentVersion
	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("credentials bundle: marshal: %w", err)
	}
	return data, nil
}

// Unmarshal parses and validates a serialized bundle.
func Unmarshal(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("credentials bundle: unmarshal: %w", err)
	}
	if b.Version != currentVersion {
		return nil, fmt.Errorf("credentials bundle: unsupported version %d", b.Version)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// ParseProvider converts a string to a Provider, rejecting unknown values.
func ParseProvider(s string) (Provider, error) {
	p := Provider(s)
	switch p {
	case ProviderRedmine, ProviderJira, ProviderMonday:
		return p, nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}
