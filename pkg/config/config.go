package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var GlobalConfig *Config

// Config global configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Redis        RedisConfig        `yaml:"redis"`
	MySQL        MySQLConfig        `yaml:"mysql"`
	Queue        QueueConfig        `yaml:"queue"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Worker       WorkerConfig       `yaml:"worker"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Notification NotificationConfig `yaml:"notification"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Port   int    `yaml:"port"`
	Mode   string `yaml:"mode"`    // debug, release
	APIKey string `yaml:"api_key"` // API key for the monitoring API (optional, if empty, auth is disabled)

	// InstanceID names this replica in the audit store; a random id is used when empty
	InstanceID string `yaml:"instance_id"`
}

// RedisConfig Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MySQLConfig MySQL configuration
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// QueueConfig audit queue configuration
type QueueConfig struct {
	Enabled     bool `yaml:"enabled"`      // route audit writes through asynq instead of writing inline
	Concurrency int  `yaml:"concurrency"`  // queue processing concurrency
	MaxRetry    int  `yaml:"max_retry"`    // maximum retry count
	TaskTimeout int  `yaml:"task_timeout"` // task timeout (seconds)
}

// SchedulerConfig controls partitioning and progress reporting
type SchedulerConfig struct {
	BatchCount       int           `yaml:"batch_count"`       // target batches per worker
	ProgressInterval time.Duration `yaml:"progress_interval"` // minimum gap between progress events
	FinalizeTimeout  time.Duration `yaml:"finalize_timeout"`  // upper bound for result finalization
	DefaultScore     float64       `yaml:"default_score"`     // weight used when a worker reports no usable score
	DeliveryPrefix   string        `yaml:"delivery_prefix"`   // redis key prefix for per-worker delivery queues
}

// WorkerConfig Worker configuration
type WorkerConfig struct {
	HeartbeatTimeout int `yaml:"heartbeat_timeout"` // Heartbeat timeout (seconds)
	CheckInterval    int `yaml:"check_interval"`    // Stale worker check interval (seconds)
	SendBuffer       int `yaml:"send_buffer"`       // outbound websocket buffer per connection
}

// HousekeepingConfig orphan run sweep configuration
type HousekeepingConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	MinAge   time.Duration `yaml:"min_age"` // runs younger than this are never considered orphaned

	// InstanceTTL lifetime of a replica's liveness lease; runs of a replica
	// whose lease expired are swept
	InstanceTTL time.Duration `yaml:"instance_ttl"`
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TracingConfig OpenTelemetry configuration
type TracingConfig struct {
	Exporter    string  `yaml:"exporter"` // none, stdout, otlphttp
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

// NotificationConfig alerting configuration
type NotificationConfig struct {
	FeishuWebhookURL string `yaml:"feishu_webhook_url"`
}

// Init initializes configuration
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := Load(configPath)
	if err != nil {
		return err
	}

	GlobalConfig = cfg
	return nil
}

// Load reads a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML bytes and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	validateAndApplyDefaults(&cfg)
	return &cfg, nil
}
