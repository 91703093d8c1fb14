package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
)

func TestParseTime(t *testing.T) {
	tests := []struct {
		in       string
		endOfDay bool
		want     time.Time
		wantErr  bool
	}{
		{"", false, time.Time{}, false},
		{"2026-03-15", false, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), false},
		{"2026-03-15", true, time.Date(2026, 3, 15, 23, 59, 59, 999999999, time.UTC), false},
		{"2026-03-15T10:00:00+02:00", true, time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC), false},
		{"15/03/2026", false, time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := ParseTime(tt.in, tt.endOfDay)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseTime(%q): unexpected error state %v", tt.in, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("ParseTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestClientIP(t *testing.T) {
	for _, tt := range []struct {
		name  string
		trust bool
		want  string
	}{
		{"proxy headers ignored", false, ""},
		{"first forwarded address", true, "198.51.100.4"},
	} {
		app := fiber.New()
		var got string
		app.Get("/", func(c *fiber.Ctx) error {
			got = ClientIP(c, tt.trust)
			return nil
		})

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")
		if _, err := app.Test(req, -1); err != nil {
			t.Fatalf("%s: request failed: %v", tt.name, err)
		}
		if tt.want == "" {
			if got == "198.51.100.4" || got == "" {
				t.Fatalf("%s: expected the socket address, got %q", tt.name, got)
			}
			continue
		}
		if got != tt.want {
			t.Fatalf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}
