package model

// TrackingRequest is the framework-independent view of an inbound request.
type TrackingRequest struct {
	URL       string `json:"url" validate:"required,max=8192"`
	Path      string `json:"path" validate:"required,max=2048"`
	Referrer  string `json:"referrer,omitempty" validate:"max=8192"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	// SessionID is the raw, opaque session identifier. It is hashed before
	// anything is persisted.
	SessionID string  `json:"session_id,omitempty"`
	UserID    *uint64 `json:"user_id,omitempty"`
	// ConsentToken is the raw consent cookie value, empty when absent.
	ConsentToken string `json:"consent_token,omitempty"`
	// Attributes holds campaign parameters extracted from the URL.
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Subject identifies the data owner for privacy operations. At most one of
// the fields is expected to be set; UserID wins when both are.
type Subject struct {
	UserID    *uint64
	SessionID string
}

// Empty reports whether the subject carries no usable identifier.
func (s Subject) Empty() bool { return s.UserID == nil && s.SessionID == "" }

// SubjectFilter is the store-level form of Subject: the session identifier
// has already been hashed.
type SubjectFilter struct {
	UserID      *uint64
	SessionHash string
}
