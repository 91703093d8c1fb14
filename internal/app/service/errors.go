package service

import "errors"

// Reasons a tracking call records nothing without having failed.
var (
	ErrTrackingDisabled = errors.New("tracking is disabled")
	ErrNoConsent        = errors.New("no tracking consent")
	ErrExcluded         = errors.New("request is excluded from tracking")
	ErrSessionsDisabled = errors.New("session tracking is disabled")
	ErrNoSessionID      = errors.New("request carries no session identifier")
	ErrSessionNotOpen   = errors.New("no open session")
	ErrInvalidRequest   = errors.New("invalid tracking request")
)

var skips = []error{
	ErrTrackingDisabled,
	ErrNoConsent,
	ErrExcluded,
	ErrSessionsDisabled,
	ErrNoSessionID,
	ErrSessionNotOpen,
	ErrInvalidRequest,
}

// IsSkip reports whether err only means the event was not eligible for
// recording.
func IsSkip(err error) bool {
	for _, s := range skips {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

// TrackingError is a failed tracking operation.
type TrackingError struct {
	Op  string
	Err error
}

func (e *TrackingError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *TrackingError) Unwrap() error { return e.Err }
