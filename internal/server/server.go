// Package server exposes the protocol client over HTTP and WebSocket.
package server

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "feedgraph/docs" // swagger docs
	"feedgraph/internal/config"
	"feedgraph/internal/identity"
	"feedgraph/internal/middleware"
	"feedgraph/internal/models"
	"feedgraph/internal/observability"
	"feedgraph/internal/service"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/swagger"
	"github.com/redis/go-redis/v9"
)

const postRateWindow = time.Minute

// Server holds the gateway dependencies and provides handlers.
type Server struct {
	config         *config.Config
	client         *service.Client
	tokens         *identity.Tokens
	redis          *redis.Client
	promMiddleware *fiberprometheus.FiberPrometheus

	appOnce     sync.Once
	app         *fiber.App
	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
}

// NewServer creates a gateway over client. The client's session is ignored:
// every request runs on a view bound to the caller's token. redisClient is
// optional and only backs rate limiting and readiness.
func NewServer(cfg *config.Config, client *service.Client, redisClient *redis.Client) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:         cfg,
		client:         client,
		tokens:         identity.NewTokens(cfg.JWTSecret, cfg.TokenTTL),
		redis:          redisClient,
		promMiddleware: middleware.InitMetrics("feedgraph-gateway"),
		shutdownCtx:    ctx,
		shutdownFn:     cancel,
	}
}

// Tokens returns the token service used to authenticate requests.
func (s *Server) Tokens() *identity.Tokens { return s.tokens }

// App returns the configured Fiber app, building it on first use.
func (s *Server) App() *fiber.App {
	s.appOnce.Do(func() {
		app := fiber.New(fiber.Config{
			AppName:               "feedgraph",
			DisableStartupMessage: true,
			ErrorHandler: func(c *fiber.Ctx, err error) error {
				if fe, ok := err.(*fiber.Error); ok {
					return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
				}
				observability.GlobalLogger.ErrorContext(c.UserContext(), "unhandled request error",
					slog.String("error", err.Error()))
				return models.RespondWithError(c, fiber.StatusInternalServerError,
					models.NewInternalError(err))
			},
		})
		s.SetupMiddleware(app)
		s.SetupRoutes(app)
		s.app = app
	})
	return s.app
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	app.Use(helmet.New())
	app.Use(middleware.TracingMiddleware())
	app.Use(middleware.StructuredLogger())

	// CORS runs before anything that can short-circuit so error responses
	// still carry the headers.
	origins := strings.Join(s.config.Origins(), ",")
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: true,
		MaxAge:           86400,
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/health", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	api := app.Group("/api")
	optional := middleware.OptionalAuth(s.tokens)
	auth := middleware.AuthRequired(s.tokens)

	api.Get("/swagger/*", swagger.HandlerDefault)

	if !s.config.IsProduction() {
		api.Post("/auth/token", s.IssueToken)
		api.Get("/metrics/dashboard", monitor.New(monitor.Config{
			Title: "feedgraph gateway",
		}))
	}

	// Reads
	api.Get("/timeline", optional, s.GetTimeline)
	api.Get("/timeline/:day", optional, s.GetTimelineDay)
	api.Get("/hashtags/:tag", optional, s.GetHashtag)
	// Define specific /:id/:resource routes BEFORE generic /:id route
	api.Get("/posts/:id/replies", optional, s.GetReplies)
	api.Get("/posts/:id", optional, s.GetPost)
	api.Get("/users/:pub/posts", optional, s.GetUserPosts)
	api.Get("/users/:pub/profile", optional, s.GetProfile)
	api.Get("/users/:pub/following", optional, s.GetFollowing)
	api.Get("/users/:pub/followers", optional, s.GetFollowers)

	// Writes
	api.Post("/posts", auth, middleware.RateLimit(
		s.redis, s.config.PostRateLimit, postRateWindow, "create_post", middleware.FailOpen), s.CreatePost)
	api.Post("/posts/:id/repost", auth, s.Repost)
	api.Delete("/posts/:id/repost", auth, s.Unrepost)
	api.Delete("/posts/:id", auth, s.DeletePost)
	api.Put("/profile", auth, s.UpdateProfile)
	api.Post("/users/:pub/follow", auth, s.Follow)
	api.Delete("/users/:pub/follow", auth, s.Unfollow)

	// Live streams
	ws := api.Group("/ws", middleware.WebSocketAuth(s.tokens), requireUpgrade)
	ws.Get("/timeline/:day", s.StreamTimeline())
	ws.Get("/hashtags/:tag", s.StreamHashtag())
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck reports whether the graph backend and, when configured,
// Redis answer.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	backend := s.client.Graph().Backend()
	storeStatus := "healthy"
	if _, err := backend.Read(ctx, "__health"); err != nil {
		storeStatus = "unhealthy"
	}

	redisStatus := "unavailable"
	if s.redis != nil {
		redisStatus = "healthy"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overall := "healthy"
	if storeStatus != "healthy" || redisStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overall = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overall,
		"checks": fiber.Map{
			"store":   storeStatus,
			"backend": backend.Name(),
			"redis":   redisStatus,
		},
		"listeners": s.client.Graph().ActiveListeners(),
		"time":      time.Now(),
	})
}

// Start listens on the configured port and blocks until the app stops.
func (s *Server) Start() error {
	app := s.App()
	observability.GlobalLogger.Info("server starting", slog.String("port", s.config.Port))
	return app.Listen(":" + s.config.Port)
}

// Shutdown closes open streams and stops the HTTP server. The graph and the
// Redis client belong to the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownFn != nil {
		s.shutdownFn()
	}
	if s.app == nil {
		return nil
	}
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		observability.GlobalLogger.ErrorContext(ctx, "error shutting down HTTP server",
			slog.String("error", err.Error()))
		return err
	}
	return nil
}
