// Package bootstrap wires together the ambient components (config, logger,
// database, concurrency limiter) every cmd/ entrypoint needs, with ordered
// shutdown.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/lyzr/workflows/common/concurrency"
	"github.com/lyzr/workflows/common/config"
	"github.com/lyzr/workflows/common/db"
	"github.com/lyzr/workflows/common/logger"
)

// Components holds every initialized ambient dependency for a service
// process.
type Components struct {
	Config  *config.Config
	Logger  *logger.Logger
	DB      *db.DB
	Limiter *concurrency.Limiter

	cleanupFuncs []func() error
}

// Option configures the bootstrap process.
type Option func(*options)

type options struct {
	skipDB        bool
	skipLimiter   bool
	customLogger  *logger.Logger
	customConfig  *config.Config
	tomlPath      string
	dbInitHook    func(*db.DB) error
}

// WithoutDB skips database initialization, for tests that supply a fake
// repository.
func WithoutDB() Option { return func(o *options) { o.skipDB = true } }

// WithoutLimiter skips the Redis-backed concurrency limiter.
func WithoutLimiter() Option { return func(o *options) { o.skipLimiter = true } }

// WithCustomLogger injects a logger instead of building one from config.
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) { o.customLogger = log }
}

// WithCustomConfig injects configuration instead of loading it from the
// environment.
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) { o.customConfig = cfg }
}

// WithTOMLFile layers an optional TOML defaults file under the environment.
func WithTOMLFile(path string) Option {
	return func(o *options) { o.tomlPath = path }
}

// WithDBInitHook runs hook once the database connection is established —
// useful for running migrations before serving traffic.
func WithDBInitHook(hook func(*db.DB) error) Option {
	return func(o *options) { o.dbInitHook = hook }
}

func defaultOptions() *options { return &options{} }

// Setup initializes every ambient component a cmd/ entrypoint needs.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	c := &Components{cleanupFuncs: make([]func() error, 0)}

	var err error
	if options.customConfig != nil {
		c.Config = options.customConfig
	} else {
		c.Config, err = config.Load(serviceName, options.tomlPath)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: load config: %w", err)
		}
	}

	if options.customLogger != nil {
		c.Logger = options.customLogger
	} else {
		c.Logger = logger.New(c.Config.Service.LogLevel, c.Config.Service.LogFormat)
	}
	c.Logger.Info("initializing service", "service", serviceName, "environment", c.Config.Service.Environment)

	if !options.skipDB {
		c.Logger.Info("connecting to database")
		c.DB, err = db.New(ctx, c.Config, c.Logger)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: connect database: %w", err)
		}
		c.addCleanup(func() error {
			c.Logger.Info("closing database connection")
			c.DB.Close()
			return nil
		})

		if options.dbInitHook != nil {
			if err := options.dbInitHook(c.DB); err != nil {
				_ = c.Shutdown(ctx)
				return nil, fmt.Errorf("bootstrap: database init hook: %w", err)
			}
		}
	}

	if !options.skipLimiter {
		c.Logger.Info("connecting concurrency limiter", "redis_addr", c.Config.Concurrency.RedisAddr)
		c.Limiter = concurrency.New(c.Config.Concurrency.RedisAddr, c.Config.Concurrency.MaxActiveRuns)
		c.addCleanup(func() error {
			c.Logger.Info("closing concurrency limiter")
			return c.Limiter.Close()
		})
	}

	c.Logger.Info("service initialization complete",
		"service", serviceName, "db", c.DB != nil, "limiter", c.Limiter != nil)
	return c, nil
}

// MustSetup is like Setup but panics on error.
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	c, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("bootstrap: setup %s: %v", serviceName, err))
	}
	return c
}

// Shutdown runs every registered cleanup in LIFO order, collecting (not
// short-circuiting on) individual failures.
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")
	var errs []error
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("bootstrap: shutdown errors: %v", errs)
	}
	c.Logger.Info("shutdown complete")
	return nil
}

// Health reports whether every initialized component is reachable.
func (c *Components) Health(ctx context.Context) error {
	if c.DB != nil {
		if err := c.DB.Health(ctx); err != nil {
			return fmt.Errorf("bootstrap: database unhealthy: %w", err)
		}
	}
	if c.Limiter != nil {
		if err := c.Limiter.Health(ctx); err != nil {
			return fmt.Errorf("bootstrap: concurrency limiter unhealthy: %w", err)
		}
	}
	return nil
}

func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
