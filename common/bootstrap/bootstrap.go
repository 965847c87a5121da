package bootstrap

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/bifrost-hq/bifrost/common/config"
	"github.com/bifrost-hq/bifrost/common/db"
	"github.com/bifrost-hq/bifrost/common/logger"
	"github.com/bifrost-hq/bifrost/common/queue"
	rediscommon "github.com/bifrost-hq/bifrost/common/redis"
	"github.com/bifrost-hq/bifrost/common/s3"
	"github.com/bifrost-hq/bifrost/common/telemetry"
)

// Setup initializes all service components.
// This is the main entry point for all services.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Service.LogLevel,
			components.Config.Service.LogFormat,
		)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", components.Config.Service.Environment,
	)

	// 3. Initialize database (if not skipped)
	if !options.skipDB {
		components.Logger.Info("connecting to database")
		components.DB, err = db.New(ctx, components.Config, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing database connection")
			components.DB.Close()
			return nil
		})

		if components.Config.Database.AutoMigrate {
			components.Logger.Info("running database migrations")
			if err := db.Migrate(components.DB); err != nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		if options.dbInitHook != nil {
			components.Logger.Info("running database init hook")
			if err := options.dbInitHook(components.DB); err != nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("database init hook failed: %w", err)
			}
		}
	}

	// 4. Initialize Redis (if not skipped)
	if !options.skipRedis {
		components.Logger.Info("connecting to redis", "addr", components.Config.RedisAddr())

		rawClient := goredis.NewClient(&goredis.Options{
			Addr:     components.Config.RedisAddr(),
			Password: components.Config.Redis.Password,
			DB:       components.Config.Redis.DB,
		})
		components.Redis = rediscommon.NewClient(rawClient, components.Logger)

		if err := components.Redis.Ping(ctx); err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing redis connection")
			return rawClient.Close()
		})
	}

	// 5. Initialize queue (if not skipped)
	if !options.skipQueue {
		if components.Config.Queue.URL == "" {
			components.Logger.Info("initializing in-memory queue")
			components.Queue = queue.NewMemoryQueue(components.Logger)
		} else {
			components.Logger.Info("connecting to rabbitmq")
			components.Queue, err = queue.NewRabbitQueue(
				components.Config.Queue.URL,
				components.Config.Queue.Prefetch,
				components.Logger,
			)
			if err != nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
			}
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing queue")
			return components.Queue.Close()
		})
	}

	// 6. Initialize object storage (if not skipped). A missing bucket
	// leaves S3 nil and disables the workspace mirror.
	if !options.skipStorage {
		components.S3, err = s3.New(ctx, &components.Config.Storage, components.Logger)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize object storage: %w", err)
		}
		if components.S3 != nil {
			components.Logger.Info("object storage ready", "bucket", components.Config.Storage.Bucket)
		}
	}

	// 7. Initialize telemetry (if not skipped)
	if !options.skipTelemetry && components.Config.Telemetry.EnablePprof {
		components.Logger.Info("initializing telemetry")
		components.Telemetry = telemetry.New(components.Config.Telemetry.PprofPort, components.Logger)

		if err := components.Telemetry.Start(ctx); err != nil {
			components.Logger.Warn("failed to start telemetry", "error", err)
			// Don't fail startup if telemetry fails
		} else {
			components.addCleanup(func() error {
				return components.Telemetry.Stop(context.Background())
			})
		}
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
		"queue", components.Queue != nil,
		"storage", components.S3 != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error.
// Useful for services that can't recover from initialization failure.
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}
