package util

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
)

func newTestSigner(t *testing.T, secret string) (*ConsentSigner, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewConsentSigner([]byte(secret), time.Hour, clock), clock
}

func TestConsentSigner_RoundTrip(t *testing.T) {
	s, _ := newTestSigner(t, "secret")

	for _, want := range []bool{true, false} {
		token, _, err := s.Issue(want)
		if err != nil {
			t.Fatalf("Issue returned error: %v", err)
		}
		got, err := s.Decision(token)
		if err != nil {
			t.Fatalf("Decision returned error: %v", err)
		}
		if got != want {
			t.Fatalf("expected decision %v, got %v", want, got)
		}
	}
}

func TestConsentSigner_Expiry(t *testing.T) {
	s, clock := newTestSigner(t, "secret")
	token, expiresAt, err := s.Issue(true)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	clock.Set(expiresAt)
	if _, err := s.Decision(token); err != nil {
		t.Fatalf("token should be valid until its expiry, got %v", err)
	}

	clock.Set(expiresAt.Add(time.Second))
	if _, err := s.Decision(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after expiry, got %v", err)
	}
}

func TestConsentSigner_RejectsForeignAndTamperedTokens(t *testing.T) {
	s, _ := newTestSigner(t, "secret")
	other, _ := newTestSigner(t, "other-secret")

	foreign, _, err := other.Issue(true)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	denied, _, err := s.Issue(false)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	// Flip the decision byte while keeping the signature.
	var payloadEnc, sigEnc string
	for i := range denied {
		if denied[i] == '.' {
			payloadEnc, sigEnc = denied[:i], denied[i+1:]
			break
		}
	}
	payload, err := base64.RawURLEncoding.DecodeString(payloadEnc)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	payload[0] = decisionGranted
	flipped := base64.RawURLEncoding.EncodeToString(payload) + "." + sigEnc

	for name, token := range map[string]string{
		"foreign":   foreign,
		"flipped":   flipped,
		"no dot":    "abc",
		"empty sig": payloadEnc + ".",
		"bad b64":   "!!!.???",
	} {
		if _, err := s.Decision(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestConsentSigner_MissingSecret(t *testing.T) {
	s, _ := newTestSigner(t, "")
	if _, _, err := s.Issue(true); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
	if _, err := s.Decision("a.b"); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}
