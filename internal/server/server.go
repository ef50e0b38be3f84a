package server

import (
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/docforge/api/internal/dispatch"
	"github.com/docforge/api/internal/handler"
	"github.com/docforge/api/internal/middleware"
	"github.com/docforge/api/internal/service"
	ws "github.com/docforge/api/internal/websocket"
	"github.com/docforge/api/pkg/response"
)

// Deps is everything the HTTP surface needs
type Deps struct {
	Jobs          *service.JobService
	Uploads       *service.UploadService
	Trigger       *dispatch.Trigger
	Hub           *ws.Hub
	Auth          *middleware.AuthMiddleware
	RateLimiter   *middleware.RateLimiter
	Health        map[string]handler.Pinger
	Validator     *validator.Validate
	WebhookSecret string
	Gateway       bool
	JobsPerHour   int
	Logger        *slog.Logger
}

// New builds the fiber app with every route mounted
func New(d Deps) *fiber.App {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Validator == nil {
		d.Validator = validator.New()
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler(d.Logger),
		BodyLimit:    service.MaxUploadSize + 1024*1024,
	})

	app.Use(recover.New())
	app.Use(requestLogger(d.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", handler.NewHealthHandler(d.Health).Health)

	authenticate := middleware.GatewayAuth()
	if !d.Gateway {
		authenticate = d.Auth.Authenticate()
	}
	if d.Auth != nil {
		app.Get("/auth/verify", handler.NewAuthHandler(d.Auth).Verify)
	}

	jobHandler := handler.NewJobHandler(d.Jobs, d.Validator)
	webhookHandler := handler.NewWebhookHandler(d.Trigger, d.Validator, d.WebhookSecret)

	// webhooks carry their own shared secret
	app.Post("/api/webhooks/jobs", webhookHandler.Jobs)

	api := app.Group("/api", authenticate)
	jobs := api.Group("/jobs")
	jobs.Post("/", d.RateLimiter.JobsLimit(d.JobsPerHour), jobHandler.Create)
	jobs.Get("/:jobId", jobHandler.Status)
	jobs.Get("/:jobId/result", jobHandler.Result)
	jobs.Post("/:jobId/cancel", jobHandler.Cancel)

	api.Post("/uploads/:kind", handler.NewUploadHandler(d.Uploads).Upload)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		d.Hub.HandleConnection(c, c.Params("jobId"))
	}))

	return app
}

func requestLogger(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()
		logger.Debug("http.request",
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
		)
		return err
	}
}

func errorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "Internal Server Error"

		var e *fiber.Error
		if errors.As(err, &e) {
			code = e.Code
			message = e.Message
		} else {
			logger.Error("http.unhandled_error", "path", c.Path(), "error", err)
		}

		return response.Error(c, code, response.CodeServiceError, message, nil)
	}
}
