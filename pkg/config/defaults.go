package config

import "time"

const (
	DefaultPort             = 8080
	DefaultBatchCount       = 10
	DefaultProgressInterval = time.Second
	DefaultFinalizeTimeout  = 30 * time.Second
	DefaultScore            = 0.1
	DefaultDeliveryPrefix   = "calcgrid:delivery"
	DefaultHeartbeatTimeout = 15
	DefaultCheckInterval    = 10
	DefaultSendBuffer       = 256
	DefaultSweepInterval    = time.Hour
	DefaultSweepMinAge      = 10 * time.Minute
	DefaultInstanceTTL      = 30 * time.Second
	DefaultQueueConcurrency = 10
	DefaultQueueMaxRetry    = 3
	DefaultQueueTaskTimeout = 30
)

// DefaultSchedulerConfig returns the scheduler settings used when the file omits them.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BatchCount:       DefaultBatchCount,
		ProgressInterval: DefaultProgressInterval,
		FinalizeTimeout:  DefaultFinalizeTimeout,
		DefaultScore:     DefaultScore,
		DeliveryPrefix:   DefaultDeliveryPrefix,
	}
}

// validateAndApplyDefaults replaces zero or invalid values with defaults.
func validateAndApplyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}

	defaults := DefaultSchedulerConfig()
	if cfg.Scheduler.BatchCount <= 0 {
		cfg.Scheduler.BatchCount = defaults.BatchCount
	}
	if cfg.Scheduler.ProgressInterval <= 0 {
		cfg.Scheduler.ProgressInterval = defaults.ProgressInterval
	}
	if cfg.Scheduler.FinalizeTimeout <= 0 {
		cfg.Scheduler.FinalizeTimeout = defaults.FinalizeTimeout
	}
	if cfg.Scheduler.DefaultScore <= 0 {
		cfg.Scheduler.DefaultScore = defaults.DefaultScore
	}
	if cfg.Scheduler.DeliveryPrefix == "" {
		cfg.Scheduler.DeliveryPrefix = defaults.DeliveryPrefix
	}

	if cfg.Worker.HeartbeatTimeout <= 0 {
		cfg.Worker.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.Worker.CheckInterval <= 0 {
		cfg.Worker.CheckInterval = DefaultCheckInterval
	}
	if cfg.Worker.SendBuffer <= 0 {
		cfg.Worker.SendBuffer = DefaultSendBuffer
	}

	if cfg.Housekeeping.Interval <= 0 {
		cfg.Housekeeping.Interval = DefaultSweepInterval
	}
	if cfg.Housekeeping.MinAge <= 0 {
		cfg.Housekeeping.MinAge = DefaultSweepMinAge
	}
	if cfg.Housekeeping.InstanceTTL <= 0 {
		cfg.Housekeeping.InstanceTTL = DefaultInstanceTTL
	}

	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = DefaultQueueConcurrency
	}
	if cfg.Queue.MaxRetry < 0 {
		cfg.Queue.MaxRetry = DefaultQueueMaxRetry
	}
	if cfg.Queue.TaskTimeout <= 0 {
		cfg.Queue.TaskTimeout = DefaultQueueTaskTimeout
	}

	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Output == "" {
		cfg.Logger.Output = "console"
	}
	if cfg.Logger.File.MaxSizeMB <= 0 {
		cfg.Logger.File.MaxSizeMB = 100
	}

	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = "none"
	}
	if cfg.Tracing.SampleRatio <= 0 || cfg.Tracing.SampleRatio > 1 {
		cfg.Tracing.SampleRatio = 1
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "calcgrid"
	}
}
