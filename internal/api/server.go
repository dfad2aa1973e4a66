// Package api exposes the messaging core over HTTP with fiber.
package api

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/nexus-im/courier/internal/attachment"
	"github.com/nexus-im/courier/internal/auth"
	"github.com/nexus-im/courier/internal/messaging"
)

// Config tunes the HTTP surface.
type Config struct {
	// PollRPS and PollBurst bound each user's poll rate. PollRPS <= 0
	// disables limiting.
	PollRPS   float64
	PollBurst int
	// MediaDir, when set, is served under MediaPrefix for the local
	// attachment store.
	MediaDir    string
	MediaPrefix string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server routes HTTP requests to the messaging service.
type Server struct {
	app      *fiber.App
	svc      *messaging.Service
	log      *zap.Logger
	validate *validator.Validate
	limiter  *userRateLimiter
}

// New builds the fiber app and registers all routes.
func New(svc *messaging.Service, authn *auth.Authenticator, log *zap.Logger, cfg Config) *Server {
	s := &Server{
		svc:      svc,
		log:      log,
		validate: validator.New(),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "courier",
		BodyLimit:             attachment.MaxImageSize + 1<<20,
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          errorHandler(log),
	})
	s.app.Use(recover.New())
	s.app.Use(requestLogger(log))

	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})
	if cfg.MediaDir != "" {
		prefix := cfg.MediaPrefix
		if prefix == "" {
			prefix = "/media"
		}
		s.app.Static(prefix, cfg.MediaDir, fiber.Static{MaxAge: 86400})
	}

	api := s.app.Group("/api", authn.Middleware(log))

	poll := []fiber.Handler{s.handlePoll}
	if cfg.PollRPS > 0 {
		s.limiter = newUserRateLimiter(cfg.PollRPS, cfg.PollBurst, log)
		poll = append([]fiber.Handler{s.limiter.Handler()}, poll...)
	}

	conversations := api.Group("/conversations")
	conversations.Get("/", s.handleListConversations)
	conversations.Post("/start/:username", s.handleStartConversation)
	conversations.Post("/:id/messages", s.handleSendMessage)
	conversations.Get("/:id/messages", s.handleHistory)
	conversations.Get("/:id/poll", poll...)
	conversations.Post("/:id/read", s.handleMarkRead)

	api.Get("/users/search", s.handleSearchUsers)

	return s
}

// App exposes the underlying fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves HTTP on addr until Shutdown is called.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Close()
	}
	return s.app.ShutdownWithContext(ctx)
}

func requestLogger(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if err != nil {
			// Render the error now so the logged status is the one sent.
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				return herr
			}
		}
		log.Info("request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)),
			zap.String("user_id", auth.UserID(c)),
			zap.String("username", auth.Username(c)),
		)
		return nil
	}
}
