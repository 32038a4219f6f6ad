package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calcgrid/internal/model"
	redisstore "calcgrid/pkg/store/redis"

	"github.com/go-redis/redis/v8"
	"gopkg.in/vmihailenco/msgpack.v2"
)

const defaultPrefix = "calcgrid:delivery"

// Delivery a batch taken off a worker's queue. Raw identifies the entry in the
// processing list and must be passed back to Ack.
type Delivery struct {
	Batch *model.BatchMessage
	Raw   string
}

// DeliveryQueue per-worker reliable batch queues. Each worker owns a pending
// list and a processing list: Receive moves an entry from pending to
// processing atomically and Ack removes it once the batch reached the socket.
type DeliveryQueue struct {
	client *redis.Client
	prefix string
}

// NewDeliveryQueue creates a delivery queue under prefix
func NewDeliveryQueue(rc *redisstore.RedisClient, prefix string) *DeliveryQueue {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &DeliveryQueue{client: rc.GetClient(), prefix: prefix}
}

func (q *DeliveryQueue) pendingKey(workerID string) string {
	return fmt.Sprintf("%s:%s:pending", q.prefix, workerID)
}

func (q *DeliveryQueue) processingKey(workerID string) string {
	return fmt.Sprintf("%s:%s:processing", q.prefix, workerID)
}

// Send enqueues a batch for workerID
func (q *DeliveryQueue) Send(ctx context.Context, workerID string, batch *model.BatchMessage) error {
	data, err := msgpack.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to encode batch %d of run %s: %w", batch.BatchID, batch.RunID, err)
	}
	if err := q.client.LPush(ctx, q.pendingKey(workerID), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue batch for worker %s: %w", workerID, err)
	}
	return nil
}

// Receive blocks up to timeout for the next batch of workerID. It returns
// (nil, nil) when the timeout elapses with nothing queued.
func (q *DeliveryQueue) Receive(ctx context.Context, workerID string, timeout time.Duration) (*Delivery, error) {
	raw, err := q.client.BRPopLPush(ctx, q.pendingKey(workerID), q.processingKey(workerID), timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to receive batch for worker %s: %w", workerID, err)
	}

	var batch model.BatchMessage
	if err := msgpack.Unmarshal([]byte(raw), &batch); err != nil {
		// an undecodable entry would be redelivered forever
		_ = q.client.LRem(ctx, q.processingKey(workerID), 1, raw).Err()
		return nil, fmt.Errorf("failed to decode batch for worker %s: %w", workerID, err)
	}
	return &Delivery{Batch: &batch, Raw: raw}, nil
}

// Ack removes a delivered batch from the processing list
func (q *DeliveryQueue) Ack(ctx context.Context, workerID string, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processingKey(workerID), 1, d.Raw).Err(); err != nil {
		return fmt.Errorf("failed to ack batch for worker %s: %w", workerID, err)
	}
	return nil
}

// Recover moves unacknowledged batches back to the consuming end of the
// pending list, ahead of anything queued later, so they are delivered again
// oldest first. It returns how many were moved.
func (q *DeliveryQueue) Recover(ctx context.Context, workerID string) (int, error) {
	moved := 0
	for {
		// processing holds the newest delivery on the left; pushing each one to
		// the right of pending leaves the oldest at the consuming end
		err := q.client.LMove(ctx, q.processingKey(workerID), q.pendingKey(workerID), "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("failed to recover batches for worker %s: %w", workerID, err)
		}
		moved++
	}
}

// Drop discards everything queued for workerID
func (q *DeliveryQueue) Drop(ctx context.Context, workerID string) error {
	if err := q.client.Del(ctx, q.pendingKey(workerID), q.processingKey(workerID)).Err(); err != nil {
		return fmt.Errorf("failed to drop queues of worker %s: %w", workerID, err)
	}
	return nil
}

// Length number of batches waiting for workerID
func (q *DeliveryQueue) Length(ctx context.Context, workerID string) (int64, error) {
	return q.client.LLen(ctx, q.pendingKey(workerID)).Result()
}
