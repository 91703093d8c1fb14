package service

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

const sessionFalsePositiveRate = 0.01

// SessionTracker remembers which session hashes this process has already
// opened, so that a repeated start can go straight to an update. A false
// positive only costs an extra query: the store stays authoritative.
type SessionTracker struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

// NewSessionTracker sizes the filter for the expected number of sessions.
func NewSessionTracker(expected uint) *SessionTracker {
	if expected == 0 {
		expected = 1
	}
	return &SessionTracker{
		filter: bloom.NewWithEstimates(expected, sessionFalsePositiveRate),
	}
}

// Seen reports whether hash may have been marked before.
func (t *SessionTracker) Seen(hash string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.filter.TestString(hash)
}

// Mark records hash as opened.
func (t *SessionTracker) Mark(hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filter.AddString(hash)
}
