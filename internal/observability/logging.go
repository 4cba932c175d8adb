// Package observability provides logging, metrics, and tracing.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Logger wraps slog.Logger to provide specialized logging methods.
type Logger struct {
	*slog.Logger
}

// GlobalLogger is the default logger instance for the application.
var GlobalLogger *Logger

func init() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	GlobalLogger = &Logger{Logger: slog.New(handler)}
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a logger writing to w in the given format ("json" or "text").
func NewLogger(w io.Writer, level, format string) *Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return &Logger{Logger: slog.New(&ctxHandler{handler})}
}

// SetGlobal replaces GlobalLogger and the slog default.
func SetGlobal(l *Logger) {
	GlobalLogger = l
	slog.SetDefault(l.Logger)
}

// LogContextKey is a type for context keys used by the logging package.
type LogContextKey string

// Context keys for logging
const (
	CorrelationID LogContextKey = "correlation_id"
	AuthorPub     LogContextKey = "author_pub"
)

// ctxHandler adds context values to every record.
type ctxHandler struct {
	slog.Handler
}

func (h *ctxHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := ExtractCorrelationID(ctx); id != "" {
		r.AddAttrs(slog.String("correlation_id", id))
	}
	if pub, ok := ctx.Value(AuthorPub).(string); ok && pub != "" {
		r.AddAttrs(slog.String("pub", pub))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ctxHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ctxHandler{h.Handler.WithAttrs(attrs)}
}

func (h *ctxHandler) WithGroup(name string) slog.Handler {
	return &ctxHandler{h.Handler.WithGroup(name)}
}

// LoggingConfig defines which types of automated logging are enabled.
type LoggingConfig struct {
	EnableStoreLogging        bool
	EnableSubscriptionLogging bool
}

var (
	// Config holds the current logging configuration.
	Config = LoggingConfig{
		EnableStoreLogging:        true,
		EnableSubscriptionLogging: true,
	}
)

// GenerateCorrelationID creates a new unique correlation ID.
func GenerateCorrelationID() string {
	return uuid.NewString()
}

// WithCorrelationID returns a new context with the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationID, id)
}

// EnsureCorrelationID returns ctx with a correlation ID, generating one if absent.
func EnsureCorrelationID(ctx context.Context) context.Context {
	if ExtractCorrelationID(ctx) != "" {
		return ctx
	}
	return WithCorrelationID(ctx, GenerateCorrelationID())
}

// WithAuthorPub tags ctx with the acting identity for log records.
func WithAuthorPub(ctx context.Context, pub string) context.Context {
	return context.WithValue(ctx, AuthorPub, pub)
}

// ExtractCorrelationID retrieves the correlation ID from the context.
func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(CorrelationID).(string); ok {
		return id
	}
	return ""
}

// StoreLogger provides structured logging for graph backend operations.
type StoreLogger struct {
	backend string
}

// NewStoreLogger creates a new StoreLogger for the given backend.
func NewStoreLogger(backend string) *StoreLogger {
	return &StoreLogger{backend: backend}
}

// LogWrite logs an accepted merge at debug level.
func (l *StoreLogger) LogWrite(ctx context.Context, soul string, accepted int) {
	if !Config.EnableStoreLogging {
		return
	}
	GlobalLogger.DebugContext(ctx, "graph write",
		slog.String("backend", l.backend),
		slog.String("soul", soul),
		slog.Int("accepted", accepted),
	)
}

// LogError logs a backend error.
func (l *StoreLogger) LogError(ctx context.Context, err error, operation, soul string) {
	if !Config.EnableStoreLogging {
		return
	}
	GlobalLogger.ErrorContext(ctx, "graph backend error",
		slog.String("backend", l.backend),
		slog.String("operation", operation),
		slog.String("soul", soul),
		slog.String("error", err.Error()),
	)
}

// SubscriptionLogger provides structured logging for index subscriptions.
type SubscriptionLogger struct {
	id   string
	root string
}

// NewSubscriptionLogger creates a logger for one subscription.
func NewSubscriptionLogger(id, root string) *SubscriptionLogger {
	return &SubscriptionLogger{id: id, root: root}
}

// LogOpen logs a subscription start.
func (l *SubscriptionLogger) LogOpen(ctx context.Context) {
	if !Config.EnableSubscriptionLogging {
		return
	}
	GlobalLogger.DebugContext(ctx, "subscription opened",
		slog.String("subscription_id", l.id),
		slog.String("root", l.root),
	)
}

// LogCancel logs a subscription cancellation.
func (l *SubscriptionLogger) LogCancel(ctx context.Context, delivered, nested int) {
	if !Config.EnableSubscriptionLogging {
		return
	}
	GlobalLogger.DebugContext(ctx, "subscription cancelled",
		slog.String("subscription_id", l.id),
		slog.String("root", l.root),
		slog.Int("delivered", delivered),
		slog.Int("nested_listeners", nested),
	)
}

// LogPending logs a reference whose content is not resolvable yet.
func (l *SubscriptionLogger) LogPending(ctx context.Context, hash, reason string) {
	if !Config.EnableSubscriptionLogging {
		return
	}
	GlobalLogger.DebugContext(ctx, "reference pending",
		slog.String("subscription_id", l.id),
		slog.String("root", l.root),
		slog.String("hash", hash),
		slog.String("reason", reason),
	)
}

// LogEmpty logs a grace window expiring with no posts.
func (l *SubscriptionLogger) LogEmpty(ctx context.Context) {
	if !Config.EnableSubscriptionLogging {
		return
	}
	GlobalLogger.DebugContext(ctx, "subscription empty after grace window",
		slog.String("subscription_id", l.id),
		slog.String("root", l.root),
	)
}

// LogAsyncOperationStart logs the start of an asynchronous operation.
func LogAsyncOperationStart(ctx context.Context, operation string, fields map[string]interface{}) {
	attrs := []any{
		slog.String("operation", operation),
		slog.String("type", "async_start"),
	}
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	GlobalLogger.DebugContext(ctx, "async operation started", attrs...)
}

// LogAsyncOperationEnd logs the completion of an asynchronous operation.
func LogAsyncOperationEnd(ctx context.Context, operation string, fields map[string]interface{}) {
	attrs := []any{
		slog.String("operation", operation),
		slog.String("type", "async_end"),
	}
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	GlobalLogger.InfoContext(ctx, "async operation completed", attrs...)
}

// LogAsyncOperationError logs an error in an asynchronous operation.
func LogAsyncOperationError(ctx context.Context, operation string, err error, fields map[string]interface{}) {
	attrs := []any{
		slog.String("operation", operation),
		slog.String("type", "async_error"),
		slog.String("error", err.Error()),
	}
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	GlobalLogger.WarnContext(ctx, "async operation failed", attrs...)
}
