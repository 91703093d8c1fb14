package util

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
)

var (
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrMissingSecret = errors.New("tracking secret is not configured")
)

const (
	decisionDenied  byte = 0
	decisionGranted byte = 1

	// 1 byte decision + 4 bytes expiry + 8 random bytes
	payloadSize = 13
	sigSize     = 16
)

// ConsentSigner issues and validates HMAC-signed consent tokens.
type ConsentSigner struct {
	secret []byte
	ttl    time.Duration
	clock  quartz.Clock
}

// NewConsentSigner returns a signer whose tokens live for ttl.
func NewConsentSigner(secret []byte, ttl time.Duration, clock quartz.Clock) *ConsentSigner {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &ConsentSigner{
		secret: secret,
		ttl:    ttl,
		clock:  clock,
	}
}

// Issue mints a token carrying the decision.
func (s *ConsentSigner) Issue(granted bool) (string, time.Time, error) {
	if len(s.secret) == 0 {
		return "", time.Time{}, ErrMissingSecret
	}

	payload := make([]byte, payloadSize)
	payload[0] = decisionDenied
	if granted {
		payload[0] = decisionGranted
	}
	expiresAt := s.clock.Now().Add(s.ttl).Truncate(time.Second)
	binary.BigEndian.PutUint32(payload[1:5], uint32(expiresAt.Unix()))
	if _, err := rand.Read(payload[5:]); err != nil {
		return "", time.Time{}, err
	}

	payloadEnc := base64.RawURLEncoding.EncodeToString(payload)
	signature := s.sign(payload)
	sigEnc := base64.RawURLEncoding.EncodeToString(signature[:sigSize])
	return fmt.Sprintf("%s.%s", payloadEnc, sigEnc), expiresAt, nil
}

// Decision checks signature integrity and expiry and returns the decision.
func (s *ConsentSigner) Decision(token string) (bool, error) {
	if len(s.secret) == 0 {
		return false, ErrMissingSecret
	}

	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return false, ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || len(payload) != payloadSize {
		return false, ErrInvalidToken
	}

	sigProvided, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil || len(sigProvided) != sigSize {
		return false, ErrInvalidToken
	}

	expected := s.sign(payload)
	if !hmac.Equal(sigProvided, expected[:sigSize]) {
		return false, ErrInvalidToken
	}

	expires := binary.BigEndian.Uint32(payload[1:5])
	if s.clock.Now().Unix() > int64(expires) {
		return false, ErrInvalidToken
	}

	switch payload[0] {
	case decisionGranted:
		return true, nil
	case decisionDenied:
		return false, nil
	default:
		return false, ErrInvalidToken
	}
}

func (s *ConsentSigner) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte("consent"))
	mac.Write([]byte("|"))
	mac.Write(payload)
	return mac.Sum(nil)
}
