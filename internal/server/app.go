package server

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/makeastudio/api/internal/auth"
	"github.com/makeastudio/api/internal/config"
	"github.com/makeastudio/api/internal/handler"
	"github.com/makeastudio/api/internal/middleware"
	"github.com/makeastudio/api/pkg/response"
)

// Deps is everything the HTTP surface needs.
type Deps struct {
	Config   *config.Config
	Jobs     handler.JobService
	Credits  handler.CreditReader
	Verifier auth.Verifier
	// Redis backs rate limiting; nil disables it.
	Redis *redis.Client
	// Ready reports whether the backing store answers.
	Ready  func(ctx context.Context) error
	Logger zerolog.Logger
}

// NewApp builds the fiber app with every route mounted.
func NewApp(d Deps) *fiber.App {
	cfg := d.Config
	validate := validator.New()

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(middleware.RequestLogger(d.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowMethods:  "GET,POST,OPTIONS",
		AllowHeaders:  "Origin,Content-Type,Accept,Authorization,Last-Event-ID,X-Request-ID",
		ExposeHeaders: "X-Request-ID,X-RateLimit-Limit,X-RateLimit-Remaining,Retry-After",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		if d.Ready != nil {
			ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
			defer cancel()
			if err := d.Ready(ctx); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded"})
			}
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// ForwardAuth endpoint for Traefik
	app.Get("/auth/verify", handler.NewAuthHandler(d.Verifier).Verify)

	var authenticate fiber.Handler
	if cfg.Gateway.Enabled {
		authenticate = middleware.GatewayAuthMiddleware()
	} else {
		authenticate = middleware.NewAuthMiddleware(d.Verifier).Authenticate()
	}

	jobsLimit, recoverLimit := next, next
	if d.Redis != nil {
		rateLimiter := middleware.NewRateLimiter(d.Redis, d.Logger)
		jobsLimit = rateLimiter.JobsLimit(cfg.RateLimit.JobsPerHour)
		recoverLimit = rateLimiter.RecoverLimit(cfg.RateLimit.RecoverPerHour)
	}

	jobHandler := handler.NewJobHandler(d.Jobs, validate)
	streamHandler := handler.NewStreamHandler(d.Jobs, time.Duration(cfg.Server.StreamMaxMinutes)*time.Minute, d.Logger)
	creditsHandler := handler.NewCreditsHandler(d.Credits)

	// API routes
	api := app.Group("/api", authenticate)

	jobs := api.Group("/jobs")
	jobs.Post("/", jobsLimit, jobHandler.Create)
	jobs.Get("/:jobId", jobHandler.Get)
	jobs.Get("/:jobId/steps", jobHandler.Steps)
	jobs.Get("/:jobId/events", streamHandler.Events)
	jobs.Post("/:jobId/recover", recoverLimit, jobHandler.Recover)

	api.Get("/credits", creditsHandler.Get)

	// WebSocket routes
	app.Use("/ws", streamHandler.Upgrade)
	app.Get("/ws/jobs/:jobId", authenticate, streamHandler.WebSocket())

	return app
}

func next(c *fiber.Ctx) error {
	return c.Next()
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	errCode := response.CodeServiceError
	switch code {
	case fiber.StatusNotFound:
		errCode = response.CodeNotFound
	case fiber.StatusBadRequest, fiber.StatusRequestEntityTooLarge, fiber.StatusUpgradeRequired:
		errCode = response.CodeValidationError
	}

	return response.Error(c, code, errCode, message, nil)
}
