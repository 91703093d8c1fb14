package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// CORS allows cross-origin beacons and API calls from allowedOrigins. A "*"
// entry allows any origin without credentials; listed origins are echoed
// back with credentials so that the session and consent cookies travel.
func CORS(allowedOrigins []string) fiber.Handler {
	wildcard := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			wildcard = true
			continue
		}
		if o != "" {
			allowed[strings.ToLower(o)] = struct{}{}
		}
	}

	return func(c *fiber.Ctx) error {
		origin := c.Get(fiber.HeaderOrigin)
		if origin == "" {
			return c.Next()
		}

		c.Vary(fiber.HeaderOrigin)
		if _, ok := allowed[strings.ToLower(origin)]; ok {
			c.Set(fiber.HeaderAccessControlAllowOrigin, origin)
			c.Set(fiber.HeaderAccessControlAllowCredentials, "true")
		} else if wildcard {
			c.Set(fiber.HeaderAccessControlAllowOrigin, "*")
		} else {
			return c.Next()
		}

		if c.Method() != fiber.MethodOptions {
			c.Set(fiber.HeaderAccessControlExposeHeaders, RequestIDHeader)
			return c.Next()
		}
		c.Set(fiber.HeaderAccessControlAllowMethods, "GET, POST, DELETE, OPTIONS")
		c.Set(fiber.HeaderAccessControlAllowHeaders, "Origin, Content-Type, Accept, Authorization")
		c.Set(fiber.HeaderAccessControlMaxAge, "86400")
		return c.SendStatus(fiber.StatusNoContent)
	}
}
