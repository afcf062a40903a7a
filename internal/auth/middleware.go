package auth

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/pestwatch/backend/pkg/logger"
)

const userIDKey = "user_id"

// RequireUser rejects requests without a valid bearer token and stores the
// user id for UserID.
func RequireUser(tokens *Tokens) fiber.Handler {
	return requireToken(tokens, func(c *fiber.Ctx) string {
		h := c.Get(fiber.HeaderAuthorization)
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	})
}

// RequireUserFromQuery reads the token from a query parameter, for clients
// such as browser websockets that cannot set headers.
func RequireUserFromQuery(tokens *Tokens, param string) fiber.Handler {
	return requireToken(tokens, func(c *fiber.Ctx) string {
		if t := c.Query(param); t != "" {
			return t
		}
		h := c.Get(fiber.HeaderAuthorization)
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	})
}

func requireToken(tokens *Tokens, extract func(*fiber.Ctx) string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := tokens.Verify(extract(c))
		if err != nil {
			logger.Debug("Request rejected by auth",
				zap.String("path", c.Path()),
				zap.String("ip", c.IP()),
				zap.Error(err),
			)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"code":    fiber.StatusUnauthorized,
				"message": Message(err),
			})
		}

		c.Locals(userIDKey, userID)
		return c.Next()
	}
}

// Message is the client-facing text for an auth error.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "missing auth token"
	case errors.Is(err, ErrTokenExpired):
		return "token has expired"
	default:
		return "invalid token"
	}
}

// UserID returns the id stored by the auth middleware, or 0.
func UserID(c *fiber.Ctx) int64 {
	id, _ := c.Locals(userIDKey).(int64)
	return id
}
