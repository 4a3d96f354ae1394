// Package bundle seals the per-device configuration bundle.
//
// Each device gets its own AES-256 key, derived with Scrypt from the
// deployment PSK and a salt built from the device serial, so the server and
// the device compute the same key independently and no key is ever sent.
// Sealed blobs are base64(nonce ‖ ciphertext ‖ tag) under AES-256-GCM with a
// fresh random nonce per call and no associated data.
package bundle

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	// KeySize is the derived key length (AES-256)
	KeySize = 32
	// SaltSize is the fixed salt length built from the serial
	SaltSize = 32
	// NonceSize is the GCM nonce length
	NonceSize = 12
	// TagSize is the GCM authentication tag length
	TagSize = 16

	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1
)

// ErrDecryptionFailed is returned for any blob that does not authenticate:
// malformed encoding, truncation, tampering or a wrong key.
var ErrDecryptionFailed = errors.New("decryption failed")

// Salt returns the serial as bytes, zero-padded or truncated to SaltSize
func Salt(serial string) []byte {
	salt := make([]byte, SaltSize)
	copy(salt, serial)
	return salt
}

// DeriveKey derives the 32-byte key for one device from the PSK and its serial
func DeriveKey(psk []byte, serial string) ([]byte, error) {
	key, err := scrypt.Key(psk, Salt(serial), scryptN, scryptR, scryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive device key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under key and returns the transport blob
func Seal(key, plaintext []byte) (string, error) {
	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends ciphertext ‖ tag to nonce
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a transport blob produced by Seal. It never returns partial plaintext.
func Open(key []byte, blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(raw) < NonceSize+TagSize {
		return nil, ErrDecryptionFailed
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// Bundle is the secret configuration delivered to a device.
// JSON names match what deployed clients decode.
type Bundle struct {
	SetupKey string   `json:"netbird_setup_key"`
	SSHKeys  []string `json:"ssh_keys"`
	IssuedAt int64    `json:"timestamp"`
}

// Sealer seals and opens bundles for individual devices under one PSK
type Sealer struct {
	psk []byte
}

// NewSealer creates a sealer for the deployment PSK
func NewSealer(psk []byte) *Sealer {
	return &Sealer{psk: append([]byte(nil), psk...)}
}

// SealFor derives the key for serial and seals b for it
func (s *Sealer) SealFor(serial string, b Bundle) (string, error) {
	if b.SSHKeys == nil {
		b.SSHKeys = []string{}
	}
	plaintext, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}
	key, err := DeriveKey(s.psk, serial)
	if err != nil {
		return "", err
	}
	return Seal(key, plaintext)
}

// OpenFor derives the key for serial and opens a sealed bundle
func (s *Sealer) OpenFor(serial, blob string) (Bundle, error) {
	key, err := DeriveKey(s.psk, serial)
	if err != nil {
		return Bundle{}, err
	}
	plaintext, err := Open(key, blob)
	if err != nil {
		return Bundle{}, err
	}
	var b Bundle
	if err := json.Unmarshal(plaintext, &b); err != nil {
		return Bundle{}, fmt.Errorf("%w: invalid payload: %v", ErrDecryptionFailed, err)
	}
	return b, nil
}
