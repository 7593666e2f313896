package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "DOCQUEUE"

// configFileEnv names an explicit config file, bypassing the search path.
const configFileEnv = EnvPrefix + "_CONFIG_FILE"

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(configFileEnv))
}

// LoadFile is Load with an explicit config file. An empty path searches the
// working directory for config.yaml and tolerates its absence; an explicit
// path must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without a default are invisible to AutomaticEnv during Unmarshal
	for _, key := range []string{"database.url", "queue.redis.password"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("error binding environment variable for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := newValidator().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("queue.backend", "redis")
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.db", 0)
	v.SetDefault("queue.redis.key_prefix", "docqueue:")

	v.SetDefault("task.queue_name", "document_processing")
	v.SetDefault("task.pool_size", 2)
	v.SetDefault("task.default_max_attempts", 3)
	v.SetDefault("task.retry_base_delay", "2s")
	v.SetDefault("task.retry_max_delay", "5m")
	v.SetDefault("task.dequeue_timeout", "2s")
	v.SetDefault("task.error_backoff", "500ms")
	v.SetDefault("task.error_backoff_max", "10s")
	v.SetDefault("task.stuck_task_age", "30m")
	v.SetDefault("task.stuck_task_check_interval", "1m")
	v.SetDefault("task.heartbeat_interval", "1m")
	v.SetDefault("task.shutdown_timeout", "30s")

	v.SetDefault("storage.root", "./uploads")
	v.SetDefault("storage.output_dir", "chunks")
}

func newValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		queue := sl.Current().Interface().(QueueConfig)
		if queue.Backend == "redis" && queue.Redis.Addr == "" {
			sl.ReportError(queue.Redis.Addr, "Addr", "addr", "required_with_redis", "")
		}
	}, QueueConfig{})
	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		task := sl.Current().Interface().(TaskConfig)
		if task.HeartbeatInterval > 0 && task.StuckTaskAge <= 2*task.HeartbeatInterval {
			sl.ReportError(task.StuckTaskAge, "StuckTaskAge", "stuck_task_age", "gt_twice_heartbeat", "")
		}
		if task.StuckTaskAge <= task.RetryMaxDelay {
			sl.ReportError(task.StuckTaskAge, "StuckTaskAge", "stuck_task_age", "gtfield", "RetryMaxDelay")
		}
	}, TaskConfig{})
	return validate
}
