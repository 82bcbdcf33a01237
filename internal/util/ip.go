package util

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client IP address from a request. When trustProxy
// is set the leftmost X-Forwarded-For entry is used; otherwise the
// connection's remote address wins, since forwarded headers are trivially
// spoofable without a trusted proxy in front.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			parts := strings.Split(fwd, ",")
			ip := strings.TrimSpace(parts[0])
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
		if real := r.Header.Get("X-Real-IP"); real != "" {
			if net.ParseIP(real) != nil {
				return real
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
