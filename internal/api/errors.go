package api

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/nexus-im/courier/internal/messaging"
)

func writeError(c *fiber.Ctx, status int, code, msg string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": fiber.Map{"code": code, "message": msg},
	})
}

// detail strips the sentinel prefix from a wrapped service error.
func detail(err, sentinel error) string {
	msg := strings.TrimPrefix(err.Error(), sentinel.Error())
	msg = strings.TrimPrefix(msg, ": ")
	if msg == "" {
		return sentinel.Error()
	}
	return msg
}

func notFound(err error) string {
	msg := detail(err, messaging.ErrNotFound)
	if msg == messaging.ErrNotFound.Error() {
		return msg
	}
	return msg + " not found"
}

// errorHandler maps service errors onto HTTP responses. Membership
// failures are reported exactly like missing conversations.
func errorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		switch {
		case errors.Is(err, messaging.ErrInvalidOperation):
			return writeError(c, fiber.StatusBadRequest, "invalid_operation", detail(err, messaging.ErrInvalidOperation))
		case errors.Is(err, messaging.ErrInvalidArgument):
			return writeError(c, fiber.StatusBadRequest, "invalid_argument", detail(err, messaging.ErrInvalidArgument))
		case errors.Is(err, messaging.ErrUnauthorized):
			return writeError(c, fiber.StatusNotFound, "not_found", "conversation not found")
		case errors.Is(err, messaging.ErrNotFound):
			return writeError(c, fiber.StatusNotFound, "not_found", notFound(err))
		case errors.As(err, &fe):
			return writeError(c, fe.Code, statusCode(fe.Code), fe.Message)
		}

		log.Error("request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		return writeError(c, fiber.StatusInternalServerError, "internal", "internal server error")
	}
}

func statusCode(status int) string {
	switch status {
	case fiber.StatusBadRequest, fiber.StatusRequestEntityTooLarge, fiber.StatusUnsupportedMediaType:
		return "invalid_argument"
	case fiber.StatusUnauthorized:
		return "unauthenticated"
	case fiber.StatusNotFound, fiber.StatusMethodNotAllowed:
		return "not_found"
	case fiber.StatusTooManyRequests:
		return "rate_limited"
	}
	return "internal"
}
