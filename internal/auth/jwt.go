package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	adminSubject       = "admin"
	adminIssuer        = "discovery"
	adminSessionExpiry = 15 * time.Minute
)

// ErrAdminDisabled is returned when no admin token is configured
var ErrAdminDisabled = errors.New("admin api disabled")

// AdminClaims are the claims carried by an admin session token
type AdminClaims struct {
	jwt.RegisteredClaims
}

// AdminTokens authenticates admin API callers. A caller presents either the
// configured static token or a short-lived session JWT derived from it.
type AdminTokens struct {
	static []byte
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAdminTokens creates the admin authenticator. An empty token disables the admin API.
func NewAdminTokens(adminToken string) *AdminTokens {
	t := &AdminTokens{
		static: []byte(adminToken),
		ttl:    adminSessionExpiry,
		now:    time.Now,
	}
	if adminToken != "" {
		// session tokens are signed with a key derived from, not equal to, the static token
		h := hmac.New(sha256.New, t.static)
		h.Write([]byte("admin-session-v1"))
		t.secret = h.Sum(nil)
	}
	return t
}

// Enabled reports whether an admin token is configured
func (t *AdminTokens) Enabled() bool {
	return len(t.static) > 0
}

// SessionTTL returns the lifetime of issued session tokens
func (t *AdminTokens) SessionTTL() time.Duration {
	return t.ttl
}

// Verify accepts the static admin token (constant-time) or a valid session token
func (t *AdminTokens) Verify(token string) error {
	if !t.Enabled() {
		return ErrAdminDisabled
	}
	if subtle.ConstantTimeCompare([]byte(token), t.static) == 1 {
		return nil
	}
	if _, err := t.VerifySession(token); err != nil {
		return err
	}
	return nil
}

// IssueSession creates an HS256 session token for the admin API
func (t *AdminTokens) IssueSession() (string, time.Time, error) {
	if !t.Enabled() {
		return "", time.Time{}, ErrAdminDisabled
	}
	now := t.now()
	expiresAt := now.Add(t.ttl)
	claims := &AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adminSubject,
			Issuer:    adminIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// VerifySession verifies and parses an admin session token
func (t *AdminTokens) VerifySession(tokenString string) (*AdminClaims, error) {
	if !t.Enabled() {
		return nil, ErrAdminDisabled
	}
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(adminIssuer),
		jwt.WithSubject(adminSubject),
		jwt.WithTimeFunc(t.now),
	)

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}
