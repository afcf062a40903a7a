package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/pestwatch/backend/internal/api/handlers"
	"github.com/pestwatch/backend/internal/auth"
	"github.com/pestwatch/backend/internal/metrics"
	"github.com/pestwatch/backend/internal/middleware/ratelimit"
	"github.com/pestwatch/backend/internal/middleware/security"
	"github.com/pestwatch/backend/internal/middleware/validation"
)

const imagePrefix = "/api/detect/images/"

type Config struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	BodyLimit        int
	IsDevelopment    bool
	MaxMessageLength int
	StaticDir        string
	AccessLog        bool
	Logger           *zap.Logger
}

type Handlers struct {
	Auth   *handlers.AuthHandler
	Detect *handlers.DetectHandler
	Pest   *handlers.PestHandler
	Chat   *handlers.ChatHandler
	Stream *handlers.StreamHandler
	Health *handlers.HealthHandler
}

// NewApp builds the fiber application with every route mounted under /api.
func NewApp(cfg Config, h Handlers, tokens *auth.Tokens, limiter *ratelimit.RateLimiter) *fiber.App {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		BodyLimit:    cfg.BodyLimit,
		ErrorHandler: errorHandler,
	})

	app.Use(recover.New())
	if cfg.AccessLog {
		app.Use(fiberlogger.New())
	}
	app.Use(metrics.Middleware())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		ImagePrefix:   imagePrefix,
		IsDevelopment: cfg.IsDevelopment,
	}))

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api")
	requireUser := auth.RequireUser(tokens)
	limit := limiter.Middleware()

	api.Get("/health", h.Health.Health)
	api.Get("/ready", h.Health.Ready)

	authGroup := api.Group("/auth")
	authGroup.Post("/login", limit, h.Auth.Login)
	authGroup.Get("/check_login", requireUser, h.Auth.CheckLogin)
	authGroup.Post("/logout", h.Auth.Logout)

	detect := api.Group("/detect")
	detect.Post("/image", requireUser, limit,
		validation.ImageUpload(validation.Config{Logger: cfg.Logger}),
		h.Detect.DetectImage,
	)
	detect.Get("/records", requireUser, h.Detect.GetRecords)
	detect.Put("/records/:id/status", requireUser, h.Detect.UpdateRecordStatus)
	detect.Get("/images/*", h.Detect.ServeImage)

	pests := api.Group("/pest")
	if cfg.StaticDir != "" {
		pests.Static("/static", cfg.StaticDir)
	}
	pests.Get("/", h.Pest.List)
	pests.Get("/search", limit, h.Pest.Search)
	pests.Get("/:id/stats", h.Pest.Stats)
	pests.Get("/:id", h.Pest.Get)

	chatGroup := api.Group("/chat")
	chatGroup.Post("/send", requireUser, limit,
		validation.ChatMessage(validation.Config{MaxMessageLength: cfg.MaxMessageLength, Logger: cfg.Logger}),
		h.Chat.Send,
	)
	chatGroup.Get("/conversations", requireUser, h.Chat.Conversations)
	chatGroup.Get("/conversation", requireUser, h.Chat.GetConversation)
	chatGroup.Delete("/conversation", requireUser, h.Chat.DeleteConversation)
	chatGroup.Get("/stream",
		auth.RequireUserFromQuery(tokens, "token"),
		func(c *fiber.Ctx) error {
			if !websocket.IsWebSocketUpgrade(c) {
				return fiber.ErrUpgradeRequired
			}
			return c.Next()
		},
		websocket.New(h.Stream.HandleConnection),
	)

	return app
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal server error"
	if fe, ok := err.(*fiber.Error); ok {
		code = fe.Code
		message = fe.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"code":    code,
		"message": message,
	})
}
