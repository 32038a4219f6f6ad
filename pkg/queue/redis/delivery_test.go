package redis

import (
	"context"
	"testing"
	"time"

	"calcgrid/internal/model"
	redisstore "calcgrid/pkg/store/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupQueue(t *testing.T) (*DeliveryQueue, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewDeliveryQueue(redisstore.WrapClient(client), "test:delivery"), mr
}

func batch(runID string, id int) *model.BatchMessage {
	return &model.BatchMessage{
		RunID:         runID,
		BatchID:       id,
		CorrelationID: "corr-" + runID,
		Method:        model.MethodCustom1D,
		Tasks: []model.Task{
			{ID: id * 2, Method: model.MethodCustom1D, Params: []float64{0, 0.5, 7}},
			{ID: id*2 + 1, Method: model.MethodCustom1D, Params: []float64{0.5, 1, 7}},
		},
	}
}

func TestDeliveryQueue_FIFOWithAck(t *testing.T) {
	q, mr := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, "w1", batch("run", 0)))
	require.NoError(t, q.Send(ctx, "w1", batch("run", 1)))

	n, err := q.Length(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	d, err := q.Receive(ctx, "w1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 0, d.Batch.BatchID)
	assert.Equal(t, "corr-run", d.Batch.CorrelationID)
	require.Len(t, d.Batch.Tasks, 2)
	assert.Equal(t, []float64{0.5, 1, 7}, d.Batch.Tasks[1].Params)

	processing, err := mr.List("test:delivery:w1:processing")
	require.NoError(t, err)
	assert.Len(t, processing, 1)

	require.NoError(t, q.Ack(ctx, "w1", d))
	assert.False(t, mr.Exists("test:delivery:w1:processing"))

	d, err = q.Receive(ctx, "w1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Batch.BatchID)
}

func TestDeliveryQueue_RecoverRedeliversUnacked(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, "w1", batch("run", 0)))
	require.NoError(t, q.Send(ctx, "w1", batch("run", 1)))

	first, err := q.Receive(ctx, "w1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	moved, err := q.Recover(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	again, err := q.Receive(ctx, "w1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, first.Batch.BatchID, again.Batch.BatchID)
}

func TestDeliveryQueue_RecoverKeepsOrderAheadOfNewerBatches(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Send(ctx, "w1", batch("run", i)))
	}
	for i := 0; i < 2; i++ {
		d, err := q.Receive(ctx, "w1", time.Second)
		require.NoError(t, err)
		require.Equal(t, i, d.Batch.BatchID)
	}

	moved, err := q.Recover(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	var order []int
	for i := 0; i < 4; i++ {
		d, err := q.Receive(ctx, "w1", time.Second)
		require.NoError(t, err)
		require.NotNil(t, d)
		order = append(order, d.Batch.BatchID)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestDeliveryQueue_ReceiveTimesOut(t *testing.T) {
	q, _ := setupQueue(t)

	d, err := q.Receive(context.Background(), "idle", time.Second)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestDeliveryQueue_DropAndIsolation(t *testing.T) {
	q, mr := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, "w1", batch("run", 0)))
	require.NoError(t, q.Send(ctx, "w2", batch("run", 1)))
	require.NoError(t, q.Drop(ctx, "w1"))

	assert.False(t, mr.Exists("test:delivery:w1:pending"))
	n, err := q.Length(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDeliveryQueue_UndecodableEntryIsDiscarded(t *testing.T) {
	q, mr := setupQueue(t)
	ctx := context.Background()

	_, err := mr.Lpush("test:delivery:w1:pending", "\xc1")
	require.NoError(t, err)

	_, err = q.Receive(ctx, "w1", time.Second)
	assert.Error(t, err)
	assert.False(t, mr.Exists("test:delivery:w1:processing"))
}
