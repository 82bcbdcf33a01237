package server

import (
	"net"
	"net/url"
	"strings"
)

var (
	// DangerousSchemes lists URI schemes that must never be allowed,
	// regardless of any operator-supplied pattern.
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	// KnownClientSchemes lists the custom URI schemes of recognized MCP
	// desktop clients. These are always allowed.
	KnownClientSchemes = []string{"cursor", "vscode", "claude", "windsurf"}
)

// RedirectURIValidator decides whether a redirect URI may receive an
// authorization code. The decision is made before any session state is
// written for the request.
type RedirectURIValidator struct {
	// patterns is the operator whitelist. A pattern ending in "*" matches
	// by prefix, anything else must match exactly.
	patterns []string
}

// NewRedirectURIValidator creates a validator with the given operator
// patterns.
func NewRedirectURIValidator(patterns []string) *RedirectURIValidator {
	return &RedirectURIValidator{patterns: patterns}
}

// IsAllowed reports whether the redirect URI is acceptable. Allowed are
// loopback HTTP(S) URIs on any port and path, the known client schemes,
// and URIs matching an operator pattern. Dangerous schemes are rejected
// unconditionally.
func (v *RedirectURIValidator) IsAllowed(redirectURI string) bool {
	if redirectURI == "" {
		return false
	}

	u, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return false
	}

	for _, dangerous := range DangerousSchemes {
		if scheme == dangerous {
			return false
		}
	}

	// Fragments are forbidden in redirect URIs.
	if u.Fragment != "" {
		return false
	}

	switch scheme {
	case "http", "https":
		if isLoopbackHost(u.Hostname()) {
			return true
		}
	default:
		for _, known := range KnownClientSchemes {
			if scheme == known {
				return true
			}
		}
	}

	return v.matchesPattern(redirectURI)
}

func (v *RedirectURIValidator) matchesPattern(redirectURI string) bool {
	for _, pattern := range v.patterns {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			if prefix != "" && strings.HasPrefix(redirectURI, prefix) {
				return true
			}
			continue
		}
		if redirectURI == pattern {
			return true
		}
	}
	return false
}

// isLoopbackHost reports whether the hostname is localhost, an address in
// 127.0.0.0/8, or the IPv6 loopback.
func isLoopbackHost(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}
