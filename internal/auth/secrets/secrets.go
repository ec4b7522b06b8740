// Package secrets generates the opaque values handed to clients (refresh
// secrets, email verification tokens) and the one-way digest stored in their
// place.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	refreshSecretBytes     = 40
	verificationTokenBytes = 32
)

// NewRefreshSecret returns a 40-byte random value, hex encoded.
func NewRefreshSecret() (string, error) {
	return randomHex(refreshSecretBytes)
}

// NewVerificationToken returns a 32-byte random value, hex encoded.
func NewVerificationToken() (string, error) {
	return randomHex(verificationTokenBytes)
}

// Hash is the SHA-256 hex digest under which a refresh secret is stored. The
// secret has 320 bits of entropy, so an unsalted fast hash is sufficient.
func Hash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("could not generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
