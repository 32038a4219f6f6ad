package asynq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"calcgrid/pkg/config"
	"calcgrid/pkg/logger"

	"github.com/hibiken/asynq"
)

const (
	// TypeAuditRecord an audit write deferred to the queue
	TypeAuditRecord = "audit:record"

	defaultQueue = "default"
)

// Manager queue manager
type Manager struct {
	client   *asynq.Client
	server   *asynq.Server
	mux      *asynq.ServeMux
	redisOpt asynq.RedisClientOpt
	queueCfg config.QueueConfig
}

// NewManager creates queue manager
func NewManager(redisCfg config.RedisConfig, queueCfg config.QueueConfig) (*Manager, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	}

	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: queueCfg.Concurrency,
			Queues: map[string]int{
				defaultQueue: 10,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n) * time.Second
			},
		},
	)

	return &Manager{
		client:   client,
		server:   server,
		mux:      asynq.NewServeMux(),
		redisOpt: redisOpt,
		queueCfg: queueCfg,
	}, nil
}

// Enqueue marshals payload as JSON and enqueues it under taskType
func (m *Manager) Enqueue(ctx context.Context, taskType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", taskType, err)
	}

	opts := []asynq.Option{
		asynq.Queue(defaultQueue),
		asynq.MaxRetry(m.queueCfg.MaxRetry),
	}
	if m.queueCfg.TaskTimeout > 0 {
		opts = append(opts, asynq.Timeout(time.Duration(m.queueCfg.TaskTimeout)*time.Second))
	}

	info, err := m.client.EnqueueContext(ctx, asynq.NewTask(taskType, data), opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}

	logger.DebugCtx(ctx, "task enqueued, type: %s, id: %s, queue: %s", taskType, info.ID, info.Queue)
	return nil
}

// RegisterHandler registers task handler
func (m *Manager) RegisterHandler(pattern string, handler asynq.Handler) {
	m.mux.Handle(pattern, handler)
}

// Start starts queue processor
func (m *Manager) Start() error {
	logger.InfoCtx(context.Background(), "starting queue server")
	return m.server.Start(m.mux)
}

// Stop stops queue processor
func (m *Manager) Stop() {
	logger.InfoCtx(context.Background(), "stopping queue server")
	m.server.Stop()
	m.server.Shutdown()
}

// Close closes client
func (m *Manager) Close() error {
	return m.client.Close()
}

// GetPendingTaskCount retrieves pending task count
func (m *Manager) GetPendingTaskCount() (int, error) {
	inspector := asynq.NewInspector(m.redisOpt)
	defer inspector.Close()

	stats, err := inspector.GetQueueInfo(defaultQueue)
	if err != nil {
		return 0, err
	}

	return stats.Pending, nil
}
