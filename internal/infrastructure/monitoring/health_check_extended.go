package monitoring

import (
	"context"
	"errors"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// probeUser is never registered; looking it up exercises the directory.
const probeUser domain.UserID = "peercall-health-probe"

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddDirectoryCheck verifies the presence directory answers lookups.
func (h *HealthChecker) AddDirectoryCheck(dir ports.Directory, interval, timeout time.Duration) {
	h.AddCheck("presence_directory", func(ctx context.Context) (bool, error) {
		return probeDirectory(ctx, dir)
	}, interval, timeout)
}

func probeDirectory(ctx context.Context, dir ports.Directory) (bool, error) {
	_, err := dir.Lookup(ctx, probeUser)
	if err == nil || errors.Is(err, domain.ErrUserOffline) {
		return true, nil
	}
	return false, err
}

// AddReadinessCheck creates a readiness check that verifies all dependencies
func (h *HealthChecker) AddReadinessCheck(
	redisClient *redis.Client,
	dir ports.Directory,
	interval, timeout time.Duration,
) {
	h.AddCheck("readiness", func(ctx context.Context) (bool, error) {
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return false, err
			}
		}
		if dir != nil {
			return probeDirectory(ctx, dir)
		}
		return true, nil
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Healthy()
}
