package service

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Anonymizer derives the irreversible identifiers stored in place of raw
// session IDs and client IPs. Hashes are keyed with the tracking secret so
// they cannot be reversed by enumerating the input space.
type Anonymizer struct {
	key         [32]byte
	anonymizeIP bool
}

// NewAnonymizer returns an Anonymizer keyed by secret.
func NewAnonymizer(secret string, anonymizeIP bool) *Anonymizer {
	return &Anonymizer{
		key:         blake2b.Sum256([]byte(secret)),
		anonymizeIP: anonymizeIP,
	}
}

// SessionHash hashes a raw session identifier. Empty input stays empty.
func (a *Anonymizer) SessionHash(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	return a.sum("session", sessionID)
}

// VisitorHash identifies a client without a session identifier by its IP
// and user agent.
func (a *Anonymizer) VisitorHash(ip, userAgent string) string {
	return a.sum("visitor", ip+"|"+userAgent)
}

// IPHash returns the stored form of ip: its keyed hash when anonymization is
// on, the address itself otherwise.
func (a *Anonymizer) IPHash(ip string) string {
	if ip == "" || !a.anonymizeIP {
		return ip
	}
	return a.sum("ip", ip)
}

func (a *Anonymizer) sum(domain, value string) string {
	h, err := blake2b.New256(a.key[:])
	if err != nil {
		// Only possible with a key longer than 64 bytes.
		panic(err)
	}
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}
