package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const instanceKeyPrefix = "calcgrid:instance:" // liveness lease per coordinator replica

// InstanceRepository keeps a short lived lease per coordinator replica so
// other replicas can tell whether the owner of a run row is still running.
type InstanceRepository struct {
	redis *redis.Client
}

// NewInstanceRepository creates Instance repository
func NewInstanceRepository(redisClient *RedisClient) *InstanceRepository {
	return &InstanceRepository{
		redis: redisClient.GetClient(),
	}
}

// Heartbeat creates or extends the lease of an instance
func (r *InstanceRepository) Heartbeat(ctx context.Context, instanceID string, ttl time.Duration) error {
	if err := r.redis.Set(ctx, instanceKeyPrefix+instanceID, time.Now().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to renew instance lease: %w", err)
	}
	return nil
}

// Alive reports whether the instance still holds a lease
func (r *InstanceRepository) Alive(ctx context.Context, instanceID string) (bool, error) {
	n, err := r.redis.Exists(ctx, instanceKeyPrefix+instanceID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check instance lease: %w", err)
	}
	return n > 0, nil
}

// Release drops the lease, used on graceful shutdown
func (r *InstanceRepository) Release(ctx context.Context, instanceID string) error {
	if err := r.redis.Del(ctx, instanceKeyPrefix+instanceID).Err(); err != nil {
		return fmt.Errorf("failed to release instance lease: %w", err)
	}
	return nil
}
