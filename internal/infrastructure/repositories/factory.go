package repositories

import (
	"context"

	"peercall/internal/core/ports"
	"peercall/internal/infrastructure/repositories/memory"
	redisrepo "peercall/internal/infrastructure/repositories/redis"
	"peercall/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to in-process presence",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis presence directory")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory presence directory")
	}

	return factory, nil
}

// CreatePresenceDirectory returns the shared directory when Redis is up.
// On restart the instance's leftover presence is purged first.
func (f *RepositoryFactory) CreatePresenceDirectory(ctx context.Context, instanceID string) ports.Directory {
	if f.useRedis && f.redisClient != nil {
		dir := redisrepo.NewRedisPresenceDirectory(f.redisClient, redisrepo.DefaultPresenceTTL)
		if n, err := dir.PurgeInstance(ctx, instanceID); err != nil {
			f.logger.Warnw("failed to purge stale presence", "instance_id", instanceID, "error", err)
		} else if n > 0 {
			f.logger.Infow("purged stale presence", "instance_id", instanceID, "channels", n)
		}
		return dir
	}
	return memory.NewMemoryPresenceDirectory()
}

// Client returns the Redis client, nil when running in-process.
func (f *RepositoryFactory) Client() *redis.Client {
	if f.useRedis {
		return f.redisClient
	}
	return nil
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
