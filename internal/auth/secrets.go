package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
)

// GeneratePSK returns a random 32-byte pre-shared key as 64 hex characters
func GeneratePSK() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GenerateAdminToken returns a random Base64URL token (32 bytes) for the admin API
func GenerateAdminToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
