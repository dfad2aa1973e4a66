package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	localUserID   = "auth.user_id"
	localUsername = "auth.username"
)

// Middleware rejects requests without a valid bearer token and stores the
// caller identity in the request locals.
func (a *Authenticator) Middleware(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c)
		if token == "" {
			return unauthenticated(c, ErrMissingToken.Error())
		}

		id, err := a.ValidateToken(token)
		if err != nil {
			log.Debug("rejecting bearer token", zap.String("path", c.Path()), zap.Error(err))
			return unauthenticated(c, "invalid or expired token")
		}

		c.Locals(localUserID, id.UserID())
		c.Locals(localUsername, id.Username)
		return c.Next()
	}
}

// UserID returns the authenticated caller id set by Middleware.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(localUserID).(string)
	return id
}

// Username returns the authenticated caller username set by Middleware.
func Username(c *fiber.Ctx) string {
	name, _ := c.Locals(localUsername).(string)
	return name
}

func bearerToken(c *fiber.Ctx) string {
	header := c.Get(fiber.HeaderAuthorization)
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

func unauthenticated(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": fiber.Map{"code": "unauthenticated", "message": msg},
	})
}
