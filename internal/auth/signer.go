package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// DefaultSignatureWindow is how far a signed timestamp may drift from server time
const DefaultSignatureWindow = 300 * time.Second

// RegistrationData returns the canonical string a device signs when registering.
// Field order and the ':' delimiter are part of the wire contract.
func RegistrationData(serial, mac string) string {
	return serial + ":" + mac
}

// ConfirmationData returns the canonical string a device signs when confirming bootstrap
func ConfirmationData(serial, hostname string) string {
	return serial + ":" + hostname
}

// Signer computes and checks HMAC-SHA256 signatures keyed by the deployment PSK
type Signer struct {
	psk    []byte
	window time.Duration
	replay bool
	now    func() time.Time
}

// SignerOption configures a Signer
type SignerOption func(*Signer)

// WithReplayProtection requires every verified request to carry a timestamp
// within window of the current time
func WithReplayProtection(window time.Duration) SignerOption {
	return func(s *Signer) {
		s.replay = true
		if window > 0 {
			s.window = window
		}
	}
}

// WithClock overrides the time source used for the replay window
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		s.now = now
	}
}

// NewSigner creates a signer for the given pre-shared key
func NewSigner(psk []byte, opts ...SignerOption) *Signer {
	s := &Signer{
		psk:    append([]byte(nil), psk...),
		window: DefaultSignatureWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReplayProtection reports whether timestamps are required
func (s *Signer) ReplayProtection() bool {
	return s.replay
}

// Window returns the accepted timestamp drift
func (s *Signer) Window() time.Duration {
	return s.window
}

// Sign returns HMAC-SHA256(psk, data) as lowercase hex
func (s *Signer) Sign(data string) string {
	return hex.EncodeToString(s.mac(data))
}

// Verify checks signature against data in constant time. The comparison is
// over the lowercase hex encoding, so an upper-cased signature is rejected.
func (s *Signer) Verify(data, signature string) bool {
	expected := s.Sign(data)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// SignAt signs data bound to a Unix timestamp (data:timestamp)
func (s *Signer) SignAt(data string, timestamp int64) string {
	return s.Sign(timestampedData(data, timestamp))
}

// VerifyAt checks a timestamped signature. A timestamp outside the window
// fails regardless of whether the HMAC matches.
func (s *Signer) VerifyAt(data, signature string, timestamp int64) bool {
	fresh := s.fresh(timestamp)
	valid := s.Verify(timestampedData(data, timestamp), signature)
	return fresh && valid
}

// VerifyRequest applies the deployment policy: with replay protection a
// missing timestamp fails, without it any timestamp is ignored.
func (s *Signer) VerifyRequest(data, signature string, timestamp *int64) bool {
	if !s.replay {
		return s.Verify(data, signature)
	}
	if timestamp == nil {
		return false
	}
	return s.VerifyAt(data, signature, *timestamp)
}

// SignRequest produces the signature (and timestamp, when replay protection
// is on) a client sends alongside data.
func (s *Signer) SignRequest(data string) (string, *int64) {
	if !s.replay {
		return s.Sign(data), nil
	}
	ts := s.now().Unix()
	return s.SignAt(data, ts), &ts
}

func (s *Signer) fresh(timestamp int64) bool {
	drift := s.now().Unix() - timestamp
	if drift < 0 {
		drift = -drift
	}
	return drift <= int64(s.window/time.Second)
}

func (s *Signer) mac(data string) []byte {
	h := hmac.New(sha256.New, s.psk)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func timestampedData(data string, timestamp int64) string {
	return data + ":" + strconv.FormatInt(timestamp, 10)
}
