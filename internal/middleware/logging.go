package middleware

import (
	"log/slog"
	"strings"
	"time"

	"feedgraph/internal/observability"

	"github.com/gofiber/fiber/v2"
)

// ContextMiddleware carries the request id into the request context as the
// correlation id so service-layer logs can be joined with access logs.
func ContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		if rid, ok := c.Locals("requestid").(string); ok && rid != "" {
			ctx = observability.WithCorrelationID(ctx, rid)
		} else {
			ctx = observability.EnsureCorrelationID(ctx)
		}
		c.SetUserContext(ctx)
		return c.Next()
	}
}

// StructuredLogger logs one line per request. Health probes and metric
// scrapes log at debug; server errors log at error.
func StructuredLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}
		fields := []any{
			slog.Int("status", status),
			slog.String("method", c.Method()),
			slog.String("route", c.Route().Path),
			slog.String("path", c.Path()),
			slog.String("ip", c.IP()),
			slog.Duration("latency", time.Since(start)),
		}

		ctx := c.UserContext()
		logger := observability.GlobalLogger
		switch {
		case err != nil || status >= fiber.StatusInternalServerError:
			if err != nil {
				fields = append(fields, slog.String("error", err.Error()))
			}
			logger.ErrorContext(ctx, "request failed", fields...)
		case strings.HasPrefix(c.Path(), "/health") || c.Path() == "/metrics":
			logger.DebugContext(ctx, "request processed", fields...)
		default:
			logger.InfoContext(ctx, "request processed", fields...)
		}
		return err
	}
}
