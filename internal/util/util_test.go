package util

import (
	"net/http/httptest"
	"testing"
)

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"very-long-token-abc123", 8, "very-lon"},
		{"short", 10, "short"},
		{"", 5, ""},
		{"test", -1, ""},
		{"exact", 5, "exact"},
	}
	for _, tt := range tests {
		if got := SafeTruncate(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	if got := NormalizeURL("https://example.com///"); got != "https://example.com" {
		t.Errorf("NormalizeURL = %q", got)
	}
	if got := NormalizeURL("https://example.com"); got != "https://example.com" {
		t.Errorf("NormalizeURL = %q", got)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:4431"
	r.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")

	if got := ClientIP(r, false); got != "203.0.113.9" {
		t.Errorf("untrusted proxy: got %q, want connection address", got)
	}
	if got := ClientIP(r, true); got != "198.51.100.1" {
		t.Errorf("trusted proxy: got %q, want forwarded address", got)
	}

	r.Header.Set("X-Forwarded-For", "not-an-ip")
	if got := ClientIP(r, true); got != "203.0.113.9" {
		t.Errorf("bad forwarded header should fall back: got %q", got)
	}
}
