package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	Task     TaskConfig     `mapstructure:"task" validate:"required"`
	Storage  StorageConfig  `mapstructure:"storage"`
}

// ServerConfig contains the worker's HTTP surface and logging settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
// An empty URL keeps task records in process memory.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// QueueConfig selects and configures the queue backend.
type QueueConfig struct {
	Backend string      `mapstructure:"backend" validate:"required,oneof=redis memory"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds the connection settings for the Redis queue backend.
type RedisConfig struct {
	Addr      string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0,lte=15"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// TaskConfig contains worker pool and retry settings.
type TaskConfig struct {
	QueueName          string `mapstructure:"queue_name" validate:"required,max=128"`
	PoolSize           int    `mapstructure:"pool_size" validate:"gt=0,lte=256"`
	DefaultMaxAttempts int    `mapstructure:"default_max_attempts" validate:"gt=0,lte=100"`

	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`

	// DequeueTimeout bounds how quickly a worker notices shutdown
	DequeueTimeout  time.Duration `mapstructure:"dequeue_timeout" validate:"gt=0,lte=30s"`
	ErrorBackoff    time.Duration `mapstructure:"error_backoff" validate:"gt=0"`
	ErrorBackoffMax time.Duration `mapstructure:"error_backoff_max" validate:"gtefield=ErrorBackoff"`

	// StuckTaskAge must exceed twice HeartbeatInterval and RetryMaxDelay,
	// otherwise live or merely delayed tasks would be recovered
	StuckTaskAge           time.Duration `mapstructure:"stuck_task_age" validate:"gt=0"`
	StuckTaskCheckInterval time.Duration `mapstructure:"stuck_task_check_interval" validate:"gte=0"`
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	ShutdownTimeout        time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// StorageConfig points the ingestion handler at uploaded document bytes.
// Storage paths in task payloads and OutputDir are relative to Root.
type StorageConfig struct {
	Root      string `mapstructure:"root" validate:"required"`
	OutputDir string `mapstructure:"output_dir" validate:"required"`
}
