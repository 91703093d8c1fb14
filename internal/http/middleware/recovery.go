package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Recovery turns a panicking handler into a 500 response and logs the stack.
func Recovery(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			rid := RequestIDFrom(c)
			logger.Error("panic recovered",
				zap.Error(fmt.Errorf("panic: %v", r)),
				zap.ByteString("stack", debug.Stack()),
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
				zap.String("request_id", rid),
			)

			c.Response().Reset()
			if rid != "" {
				c.Set(RequestIDHeader, rid)
			}
			err = c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":      "internal server error",
				"request_id": rid,
			})
		}()

		return c.Next()
	}
}
