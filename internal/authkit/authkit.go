// Package authkit implements the daemon's shared-secret authentication: a
// per-generation random secret and a deterministic bearer token both peers
// derive independently.
package authkit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// SecretSize is the length in bytes of a generated shared secret.
const SecretSize = 32

// tokenContext is the HMAC message for bearer derivation. Changing it
// invalidates every previously derived token.
const tokenContext = "p2p-auth"

// GenerateSecret returns a fresh 32-byte cryptographically random secret.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return secret, nil
}

// DeriveToken computes the bearer token for a secret as lowercase hex of
// HMAC-SHA256(secret, "p2p-auth"). Both ends compute it independently.
func DeriveToken(secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(tokenContext))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken reports whether presented matches the token derived from
// secret. Comparison is constant-time; any malformed input yields false, it
// never panics or errors.
func VerifyToken(presented string, secret []byte) bool {
	if len(secret) == 0 {
		return false
	}
	expected := DeriveToken(secret)
	if len(presented) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// EncodeSecret renders a secret in the standard base64 form used on the wire
// and in the state file.
func EncodeSecret(secret []byte) string {
	return base64.StdEncoding.EncodeToString(secret)
}

// DecodeSecret parses a base64 secret and checks its length.
func DecodeSecret(encoded string) ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("secret must be %d bytes, got %d", SecretSize, len(secret))
	}
	return secret, nil
}
