package model

import (
	"time"

	"gorm.io/datatypes"
)

// PageViewsTable is the table backing PageView.
const PageViewsTable = "page_views"

// PageView is one tracked request. Rows are immutable once written.
type PageView struct {
	ID          uint64  `json:"id" gorm:"primaryKey"`
	URL         string  `json:"url" gorm:"type:text;not null"`
	Path        string  `json:"path" gorm:"size:2048;not null;index"`
	Referrer    *string `json:"referrer,omitempty" gorm:"type:text"`
	SessionHash string  `json:"session_hash" gorm:"size:64;not null;index"`
	UserID      *uint64 `json:"user_id,omitempty" gorm:"index"`
	IPHash      string  `json:"ip_hash" gorm:"size:64"`

	DeviceType    DeviceType `json:"device_type" gorm:"size:16;not null;default:desktop;index"`
	BrowserFamily *string    `json:"browser_family,omitempty" gorm:"size:64"`
	OSFamily      *string    `json:"os_family,omitempty" gorm:"size:64"`
	IsBot         bool       `json:"is_bot" gorm:"not null;default:false"`
	CountryCode   *string    `json:"country_code,omitempty" gorm:"size:2"`

	ResponseTimeMs *int `json:"response_time_ms,omitempty"`
	PageLoadTimeMs *int `json:"page_load_time_ms,omitempty"`

	// Attributes carries campaign parameters (utm_*) captured from the URL.
	Attributes datatypes.JSONMap `json:"attributes,omitempty" gorm:"type:jsonb"`

	ViewedAt time.Time `json:"viewed_at" gorm:"not null;index"`
}

func (PageView) TableName() string { return PageViewsTable }
