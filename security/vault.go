package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/guiziweb/pm-oauth/credentials"
)

// ErrVaultOpen indicates that a ciphertext could not be authenticated or
// decrypted. Callers must treat this as a server-side fault, never as
// "credentials absent": a tampered or corrupted blob aborts the operation.
var ErrVaultOpen = errors.New("vault: ciphertext authentication failed")

// Vault protects credentials bundles with AES-256-GCM. The authenticated
// mode detects tampering rather than merely obscuring the payload.
type Vault struct {
	key []byte
}

// NewVault creates a vault. The key must be exactly 32 bytes for AES-256.
func NewVault(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault key must be exactly 32 bytes for AES-256, got %d", len(key))
	}
	return &Vault{key: key}, nil
}

// Encrypt encrypts an arbitrary plaintext and returns base64-encoded
// [nonce][ciphertext].
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends to the nonce slice, producing the storage format.
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a base64-encoded [nonce][ciphertext] blob. Any tampering
// or corruption yields ErrVaultOpen.
func (v *Vault) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid encoding", ErrVaultOpen)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrVaultOpen)
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultOpen, err)
	}
	return plaintext, nil
}

// EncryptBundle validates and encrypts a credentials bundle to an opaque
// string suitable for embedding in codes and tokens.
func (v *Vault) EncryptBundle(b *credentials.Bundle) (string, error) {
	data, err := credentials.Marshal(b)
	if err != nil {
		return "", err
	}
	return v.Encrypt(data)
}

// DecryptBundle decrypts and validates a credentials bundle.
func (v *Vault) DecryptBundle(encoded string) (*credentials.Bundle, error) {
	data, err := v.Decrypt(encoded)
	if err != nil {
		return nil, err
	}
	return credentials.Unmarshal(data)
}

// IsVaultError reports whether err is an authentication/decryption failure.
func IsVaultError(err error) bool {
	return errors.Is(err, ErrVaultOpen)
}

// GenerateKey generates a new 32-byte key for AES-256.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded vault key.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
