// Package bootstrap wires the graph backend, the protocol client and their
// supporting connections from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"feedgraph/internal/config"
	"feedgraph/internal/graph"
	"feedgraph/internal/graph/memstore"
	"feedgraph/internal/graph/redisstore"
	"feedgraph/internal/graph/sqlstore"
	"feedgraph/internal/hashing"
	"feedgraph/internal/identity"
	"feedgraph/internal/observability"
	"feedgraph/internal/service"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Options control runtime initialization behavior.
type Options struct {
	// Session is the identity of the runtime's client; nil is anonymous.
	Session identity.Session
	// RateLimitRedis connects Redis for rate limiting even when the store
	// is not Redis. An unreachable server leaves Runtime.Redis nil.
	RateLimitRedis bool
}

// Runtime is the wired process state.
type Runtime struct {
	Graph  *graph.Graph
	Client *service.Client
	// Redis is set when the store runs on Redis or rate limiting connected it.
	Redis *redis.Client
	// DB is set for the sql store.
	DB *gorm.DB
}

// InitRuntime opens the configured backend and builds a client over it.
func InitRuntime(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	hasher, err := NewHasher(cfg)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{}
	backend, err := rt.openBackend(ctx, cfg)
	if err != nil {
		rt.closeConnections()
		return nil, err
	}

	if rt.Redis == nil && opts.RateLimitRedis && cfg.PostRateLimit > 0 {
		rdb, err := redisstore.Dial(ctx, cfg.RedisURL)
		if err != nil {
			observability.GlobalLogger.WarnContext(ctx, "redis unavailable, rate limiting disabled",
				slog.String("error", err.Error()))
		} else {
			rt.Redis = rdb
		}
	}

	rt.Graph = graph.New(backend,
		graph.WithLogger(observability.GlobalLogger.Logger),
		graph.WithListenerHook(observability.ListenerDelta),
	)
	rt.Client = service.NewClient(rt.Graph, opts.Session, hasher, ServiceOptions(cfg))

	observability.GlobalLogger.InfoContext(ctx, "runtime initialized",
		slog.String("backend", backend.Name()),
		slog.String("namespace", cfg.Namespace),
		slog.Bool("redis", rt.Redis != nil))
	return rt, nil
}

func (rt *Runtime) openBackend(ctx context.Context, cfg *config.Config) (graph.Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory, "":
		return memstore.New(), nil

	case config.BackendRedis:
		rdb, err := redisstore.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.Redis = rdb
		store, err := redisstore.New(ctx, rdb)
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		return store, nil

	case config.BackendSQL:
		db, err := sqlstore.Open(cfg.DBDriver, cfg.DSN(), observability.GlobalLogger.Logger)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		rt.DB = db
		store, err := sqlstore.New(db)
		if err != nil {
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}

// closeConnections releases connections opened before a failed init.
func (rt *Runtime) closeConnections() {
	if rt.Redis != nil {
		_ = rt.Redis.Close()
	}
	if rt.DB != nil {
		if sqlDB, err := rt.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// Close cancels the client's subscriptions, closes the graph with its backend
// and releases Redis.
func (rt *Runtime) Close() error {
	if rt.Client != nil {
		rt.Client.Close()
	}
	var errs []error
	if rt.Graph != nil {
		errs = append(errs, rt.Graph.Close())
	}
	if rt.Redis != nil {
		errs = append(errs, rt.Redis.Close())
	}
	return errors.Join(errs...)
}

// NewHasher returns the digest for HASH_ALGORITHM.
func NewHasher(cfg *config.Config) (hashing.Hasher, error) {
	d, err := hashing.New(cfg.HashAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("HASH_ALGORITHM: %w", err)
	}
	return d, nil
}

// ServiceOptions projects the protocol settings out of cfg.
func ServiceOptions(cfg *config.Config) service.Options {
	return service.Options{
		Namespace:    cfg.Namespace,
		LookbackDays: cfg.DeleteLookbackDays,
		GraceWindow:  cfg.GraceWindow,
		FeedDays:     cfg.FeedDays,
	}
}
