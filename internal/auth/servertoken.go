// Package auth provides token generation and verification for server
// handshake credentials. Servers authenticate with a bearer token instead
// of a signed credential (no JWT/OIDC/SAML surface — see DESIGN.md) because
// a connector is a long-running service, not an interactive user.
//
// Token format: 64 hexadecimal characters (32 bytes of randomness),
// generated with crypto/rand. The plaintext token is handed to the
// connector once at provisioning time; only its bcrypt hash (cost 12) is
// ever stored, following the teacher's agent API key design.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// TokenLength is the length of generated server tokens in bytes.
	TokenLength = 32

	// BcryptCost matches the teacher's agent-key cost factor.
	BcryptCost = 12
)

// GenerateToken returns a 64-character hex server token.
func GenerateToken() (string, error) {
	b := make([]byte, TokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashToken hashes a plaintext token for storage.
func HashToken(token string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(token), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(b), nil
}

// CompareToken reports whether token matches hash. bcrypt's fixed-shape
// comparison satisfies spec §4.3's constant-time requirement.
func CompareToken(token, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// ValidateTokenFormat checks a token is 64 hex characters, without a (slow)
// bcrypt compare. The handshake path (Postgres.VerifyToken) does not call
// it; tokens reach bcrypt unchecked there.
func ValidateTokenFormat(token string) error {
	if len(token) != TokenLength*2 {
		return fmt.Errorf("server token must be %d characters (got %d)", TokenLength*2, len(token))
	}
	if _, err := hex.DecodeString(token); err != nil {
		return fmt.Errorf("server token must contain only hexadecimal characters")
	}
	return nil
}
