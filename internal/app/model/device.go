package model

// DeviceType is the coarse form factor of a client.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
)

// DeviceInfo is the classification of a single request.
type DeviceInfo struct {
	DeviceType    DeviceType `json:"device_type"`
	BrowserFamily *string    `json:"browser_family"`
	OSFamily      *string    `json:"os_family"`
	IsBot         bool       `json:"is_bot"`
	// CountryCode is reserved for a geolocation integration and stays nil.
	CountryCode *string `json:"country_code"`
}
