package util

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/sifan077/PowerTrack/internal/app/model"
)

// UserIDLocal is the fiber.Ctx local an upstream auth layer may set to the
// authenticated user's numeric id.
const UserIDLocal = "user_id"

// ClientIP resolves the visitor address. Forwarding headers are honoured only
// when the server sits behind a trusted proxy.
func ClientIP(c *fiber.Ctx, trustProxy bool) string {
	if trustProxy {
		for _, ip := range c.IPs() {
			if ip = strings.TrimSpace(ip); ip != "" {
				return utils.CopyString(ip)
			}
		}
		if ip := strings.TrimSpace(c.Get("X-Real-IP")); ip != "" {
			return utils.CopyString(ip)
		}
	}
	return utils.CopyString(c.IP())
}

// RequestFrom builds a tracking request from the current fiber context.
// Every string is copied so the result outlives the request buffers.
func RequestFrom(c *fiber.Ctx, trustProxy bool, sessionID, consentToken string) model.TrackingRequest {
	req := model.TrackingRequest{
		URL:          utils.CopyString(c.BaseURL() + c.OriginalURL()),
		Path:         utils.CopyString(c.Path()),
		Referrer:     utils.CopyString(c.Get(fiber.HeaderReferer)),
		IP:           ClientIP(c, trustProxy),
		UserAgent:    utils.CopyString(c.Get(fiber.HeaderUserAgent)),
		SessionID:    utils.CopyString(sessionID),
		ConsentToken: utils.CopyString(consentToken),
	}
	if id, ok := c.Locals(UserIDLocal).(uint64); ok {
		req.UserID = &id
	}
	return req
}

// ParseTime accepts RFC 3339 timestamps and YYYY-MM-DD dates. A bare date used
// as an upper bound covers the whole day.
func ParseTime(value string, endOfDay bool) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(model.DayLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD or RFC 3339", value)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// ParseDateRange reads the optional from/to query parameters.
func ParseDateRange(c *fiber.Ctx) (model.DateRange, error) {
	from, err := ParseTime(c.Query("from"), false)
	if err != nil {
		return model.DateRange{}, err
	}
	to, err := ParseTime(c.Query("to"), true)
	if err != nil {
		return model.DateRange{}, err
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return model.DateRange{}, errors.New("to must not be before from")
	}
	return model.NewDateRange(from, to), nil
}
