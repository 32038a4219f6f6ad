package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"calcgrid/internal/model"

	"github.com/go-redis/redis/v8"
)

const (
	workerKeyPrefix = "calcgrid:worker:"       // presence record per worker
	workerSetKey    = "calcgrid:workers:alive" // ids of workers with a presence record
	workerDataTTL   = 5 * time.Minute
)

// WorkerRepository mirrors connected workers into Redis with a TTL so that
// presence survives inspection from outside the coordinator process.
type WorkerRepository struct {
	redis *redis.Client
}

// NewWorkerRepository creates Worker repository
func NewWorkerRepository(redisClient *RedisClient) *WorkerRepository {
	return &WorkerRepository{
		redis: redisClient.GetClient(),
	}
}

// Save saves Worker information
func (r *WorkerRepository) Save(ctx context.Context, worker *model.Worker) error {
	data, err := json.Marshal(worker)
	if err != nil {
		return fmt.Errorf("failed to marshal worker: %w", err)
	}

	pipe := r.redis.Pipeline()
	pipe.Set(ctx, workerKeyPrefix+worker.ID, data, workerDataTTL)
	pipe.SAdd(ctx, workerSetKey, worker.ID)
	pipe.Expire(ctx, workerSetKey, workerDataTTL*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save worker: %w", err)
	}
	return nil
}

// Get retrieves Worker information
func (r *WorkerRepository) Get(ctx context.Context, workerID string) (*model.Worker, error) {
	data, err := r.redis.Get(ctx, workerKeyPrefix+workerID).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("worker not found: %s", workerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}

	var worker model.Worker
	if err := json.Unmarshal([]byte(data), &worker); err != nil {
		return nil, fmt.Errorf("failed to unmarshal worker: %w", err)
	}
	return &worker, nil
}

// Touch records a heartbeat and extends the record's TTL
func (r *WorkerRepository) Touch(ctx context.Context, workerID string, at time.Time) error {
	worker, err := r.Get(ctx, workerID)
	if err != nil {
		return err
	}
	worker.LastHeartbeat = at
	return r.Save(ctx, worker)
}

// GetAll retrieves all workers with a live presence record
func (r *WorkerRepository) GetAll(ctx context.Context) ([]*model.Worker, error) {
	workerIDs, err := r.redis.SMembers(ctx, workerSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get worker list: %w", err)
	}
	if len(workerIDs) == 0 {
		return []*model.Worker{}, nil
	}

	pipe := r.redis.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(workerIDs))
	for _, workerID := range workerIDs {
		cmds = append(cmds, pipe.Get(ctx, workerKeyPrefix+workerID))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to fetch workers: %w", err)
	}

	workers := make([]*model.Worker, 0, len(workerIDs))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			// expired
			continue
		}
		var worker model.Worker
		if err := json.Unmarshal([]byte(data), &worker); err != nil {
			continue
		}
		workers = append(workers, &worker)
	}
	return workers, nil
}

// Delete deletes Worker
func (r *WorkerRepository) Delete(ctx context.Context, workerID string) error {
	pipe := r.redis.Pipeline()
	pipe.Del(ctx, workerKeyPrefix+workerID)
	pipe.SRem(ctx, workerSetKey, workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete worker: %w", err)
	}
	return nil
}

// Count number of ids in the presence set
func (r *WorkerRepository) Count(ctx context.Context) (int, error) {
	count, err := r.redis.SCard(ctx, workerSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get online worker count: %w", err)
	}
	return int(count), nil
}
