package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "peercall:schema:version"
	currentSchemaVersion = 1

	// presence written before keys carried a TTL gets this one
	legacyPresenceTTL = 24 * time.Hour
)

// Migration represents a keyspace migration
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
	Down    func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Infow("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			// presence keys must expire so a crashed relay cannot pin users online
			Up: func(ctx context.Context, client *redis.Client) error {
				iter := client.Scan(ctx, 0, presencePrefix+"*", 100).Iterator()
				for iter.Next(ctx) {
					ttl, err := client.TTL(ctx, iter.Val()).Result()
					if err != nil {
						return err
					}
					if ttl < 0 {
						if err := client.Expire(ctx, iter.Val(), legacyPresenceTTL).Err(); err != nil {
							return err
						}
					}
				}
				return iter.Err()
			},
			Down: func(ctx context.Context, client *redis.Client) error {
				return nil
			},
		},
	}
}
