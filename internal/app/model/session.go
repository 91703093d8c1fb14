package model

import "time"

// SessionsTable is the table backing Session.
const SessionsTable = "sessions"

// Session is one browsing session keyed by the hashed session identifier.
type Session struct {
	ID          uint64  `json:"id" gorm:"primaryKey"`
	SessionHash string  `json:"session_hash" gorm:"size:64;not null;uniqueIndex"`
	LandingPage string  `json:"landing_page" gorm:"size:2048;not null"`
	CurrentPage *string `json:"current_page,omitempty" gorm:"size:2048"`
	ExitPage    *string `json:"exit_page,omitempty" gorm:"size:2048"`
	UserID      *uint64 `json:"user_id,omitempty" gorm:"index"`
	IPHash      string  `json:"ip_hash" gorm:"size:64"`

	DeviceType    DeviceType `json:"device_type" gorm:"size:16;not null;default:desktop"`
	BrowserFamily *string    `json:"browser_family,omitempty" gorm:"size:64"`
	OSFamily      *string    `json:"os_family,omitempty" gorm:"size:64"`
	IsBot         bool       `json:"is_bot" gorm:"not null;default:false"`

	SessionStartedAt time.Time  `json:"session_started_at" gorm:"not null;index"`
	SessionEndedAt   *time.Time `json:"session_ended_at,omitempty"`
	PageViewCount    int        `json:"page_view_count" gorm:"not null;default:1"`
	UpdatedAt        time.Time  `json:"updated_at" gorm:"autoUpdateTime;index"`
}

func (Session) TableName() string { return SessionsTable }

// Open reports whether the session has not been closed yet.
func (s *Session) Open() bool { return s.SessionEndedAt == nil }

// Duration returns the closed session's length; ok is false while it is open.
func (s *Session) Duration() (d time.Duration, ok bool) {
	if s.SessionEndedAt == nil {
		return 0, false
	}
	return s.SessionEndedAt.Sub(s.SessionStartedAt), true
}
