package service

import (
	"errors"
	"time"

	"github.com/sifan077/PowerTrack/config"
)

// ErrNoConsentCodec is returned when consent cannot be persisted because no
// token codec is configured.
var ErrNoConsentCodec = errors.New("consent codec is not configured")

// ConsentCodec turns consent decisions into client-held tokens and back.
type ConsentCodec interface {
	Issue(granted bool) (token string, expiresAt time.Time, err error)
	// Decision returns the decision carried by a valid, unexpired token.
	Decision(token string) (granted bool, err error)
}

// ConsentDecision is a freshly issued consent token.
type ConsentDecision struct {
	Granted   bool      `json:"granted"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ConsentGate decides whether a request may be tracked.
type ConsentGate struct {
	enabled        bool
	requireConsent bool
	defaultConsent bool
	codec          ConsentCodec
}

// NewConsentGate builds a gate from the tracking configuration.
func NewConsentGate(cfg config.TrackingConfig, codec ConsentCodec) *ConsentGate {
	return &ConsentGate{
		enabled:        cfg.Enabled,
		requireConsent: cfg.RequireConsent,
		defaultConsent: cfg.DefaultConsent,
		codec:          codec,
	}
}

// IsTrackingEnabled reports whether tracking may proceed for a request that
// carries the given consent token ("" when absent).
func (g *ConsentGate) IsTrackingEnabled(token string) bool {
	if !g.enabled {
		return false
	}
	if !g.requireConsent {
		return true
	}
	return g.HasConsent(token)
}

// HasConsent reads the consent token. A missing token falls back to the
// default policy; anything that is not a valid "granted" token is false.
func (g *ConsentGate) HasConsent(token string) bool {
	if token == "" {
		return g.defaultConsent
	}
	if g.codec == nil {
		return false
	}
	granted, err := g.codec.Decision(token)
	return err == nil && granted
}

// SetConsent issues the token that persists a decision on the client.
func (g *ConsentGate) SetConsent(granted bool) (ConsentDecision, error) {
	if g.codec == nil {
		return ConsentDecision{}, ErrNoConsentCodec
	}
	token, expiresAt, err := g.codec.Issue(granted)
	if err != nil {
		return ConsentDecision{}, err
	}
	return ConsentDecision{Granted: granted, Token: token, ExpiresAt: expiresAt}, nil
}
