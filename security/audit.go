package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Event type constants for security audit logging.
const (
	EventTokenPairIssued   = "token_pair_issued" //nolint:gosec // G101: event type name, not a credential
	EventTokenPairRotated  = "token_pair_rotated"
	EventTokenRevoked      = "token_revoked"
	EventAllTokensRevoked  = "all_tokens_revoked" //nolint:gosec // G101: event type name, not a credential
	EventAuthFlowStarted   = "authorization_flow_started"
	EventAuthCodeIssued    = "authorization_code_issued"
	EventAuthCodeContended = "authorization_code_contended"
	EventAuthFailure       = "auth_failure"
	EventCredentialsStored = "credentials_stored"
	EventVaultFailure      = "vault_failure"
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventClientRegistered  = "client_registered"
)

// Auditor handles security event logging with PII protection. User
// identifiers are hashed before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenPairIssued logs issuance of a new access/refresh pair.
func (a *Auditor) LogTokenPairIssued(userID, clientID, provider string) {
	a.LogEvent(Event{
		Type:     EventTokenPairIssued,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"provider": provider},
	})
}

// LogTokenPairRotated logs a refresh-grant rotation of a token pair.
func (a *Auditor) LogTokenPairRotated(userID, clientID string) {
	a.LogEvent(Event{
		Type:     EventTokenPairRotated,
		UserID:   userID,
		ClientID: clientID,
	})
}

// LogTokenRevoked logs revocation of a single token.
func (a *Auditor) LogTokenRevoked(userID, clientID, tokenKind string) {
	a.LogEvent(Event{
		Type:     EventTokenRevoked,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"token_kind": tokenKind},
	})
}

// LogAuthFailure logs an authentication or grant failure.
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress, userID string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogClientRegistered logs registration of a new OAuth client.
func (a *Auditor) LogClientRegistered(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// hashForLogging creates a truncated SHA-256 hash of sensitive data for logging.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
