// Package util provides small helpers shared across the authorization
// server packages.
package util

import "strings"

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. Used when logging sensitive values where only a prefix should
// be shown.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL normalizes a URL for comparison by removing trailing
// slashes.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
