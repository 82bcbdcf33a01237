// Package security provides the credential vault, security audit logging,
// per-identifier rate limiting, and secure HTTP header management.
package security
