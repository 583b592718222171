package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// PoolConfig sizes one of the worker pools (producer/sender/handler).
type PoolConfig struct {
	CoreWorkers   int           `yaml:"core_workers"`
	MaxWorkers    int           `yaml:"max_workers"`
	QueueCapacity int           `yaml:"queue_capacity"`
	KeepAlive     time.Duration `yaml:"keep_alive"`
}

// Config holds the application configuration for the dispatch service:
// HTTP and device transport addresses, NATS, the SQLite store and all the
// dispatch tuning knobs.
type Config struct {
	Port             string        `yaml:"port"`
	LogLevel         string        `yaml:"log_level"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	HTTPReadTimeout  time.Duration `yaml:"http_read_timeout"`
	HTTPWriteTimeout time.Duration `yaml:"http_write_timeout"`
	HTTPIdleTimeout  time.Duration `yaml:"http_idle_timeout"`

	// Device transport
	DeviceListenAddress string        `yaml:"device_listen_address"`
	DeviceWriteTimeout  time.Duration `yaml:"device_write_timeout"`
	DeviceDialTimeout   time.Duration `yaml:"device_dial_timeout"`

	// NATS event bus. Empty address disables publishing.
	NatsAddress string `yaml:"nats_address"`

	// Durable store
	DatabasePath string `yaml:"database_path"`

	// Dispatch tuning
	BatchSize             int           `yaml:"batch_size"`
	PreloadCount          int           `yaml:"preload_count"`
	HeartbeatTimeout      time.Duration `yaml:"heartbeat_timeout"`
	HeartbeatInterval     time.Duration `yaml:"heartbeat_check_interval"`
	MaxRetryCount         int           `yaml:"max_retry_count"`
	MaxItemPrints         int           `yaml:"max_item_prints"`
	CommandQueueSize      int           `yaml:"command_queue_size"`
	ReconcileInterval     time.Duration `yaml:"reconcile_interval"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout"`
	OfflineRequeueGrace   time.Duration `yaml:"offline_requeue_grace"`
	EmptyPoolBackoff      time.Duration `yaml:"empty_pool_backoff"`
	AssignBackoff         time.Duration `yaml:"assign_backoff"`

	ProducerPool PoolConfig `yaml:"producer_pool"`
	SenderPool   PoolConfig `yaml:"sender_pool"`
	HandlerPool  PoolConfig `yaml:"handler_pool"`
}

// LoadConfig reads configuration from the given YAML file path.
// It creates a default config file if it doesn't exist.
func LoadConfig(path string) (*Config, error) {
	defaultConfig := &Config{
		Port:             ":8010",
		LogLevel:         "info",
		RequestTimeout:   30 * time.Second,
		HTTPReadTimeout:  5 * time.Second,
		HTTPWriteTimeout: 10 * time.Second,
		HTTPIdleTimeout:  120 * time.Second,

		DeviceListenAddress: ":9100",
		DeviceWriteTimeout:  5 * time.Second,
		DeviceDialTimeout:   3 * time.Second,

		NatsAddress: "nats://localhost:4222",

		DatabasePath: "data/dispatch.db",

		BatchSize:           1000,
		PreloadCount:        20,
		HeartbeatTimeout:    6000 * time.Millisecond,
		HeartbeatInterval:   3 * time.Second,
		MaxRetryCount:       3,
		MaxItemPrints:       3,
		CommandQueueSize:    1000,
		ReconcileInterval:   2000 * time.Millisecond,
		ShutdownTimeout:     10 * time.Second,
		OfflineRequeueGrace: 10 * time.Second,
		EmptyPoolBackoff:    500 * time.Millisecond,
		AssignBackoff:       200 * time.Millisecond,

		ProducerPool: PoolConfig{CoreWorkers: 4, MaxWorkers: 16, QueueCapacity: 32, KeepAlive: 30 * time.Second},
		SenderPool:   PoolConfig{CoreWorkers: 4, MaxWorkers: 16, QueueCapacity: 32, KeepAlive: 30 * time.Second},
		HandlerPool:  PoolConfig{CoreWorkers: 8, MaxWorkers: 32, QueueCapacity: 256, KeepAlive: 30 * time.Second},
	}

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		data, marshalErr := yaml.Marshal(defaultConfig)
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", marshalErr)
		}
		if mkdirErr := os.MkdirAll(filepath.Dir(path), 0755); mkdirErr != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", mkdirErr)
		}
		if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
			return nil, fmt.Errorf("failed to write default config file: %w", writeErr)
		}
		return defaultConfig, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to check config file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}

	applyDefaultsIfNotSet(&cfg, defaultConfig)

	return &cfg, nil
}

func applyDefaultsIfNotSet(cfg *Config, defaults *Config) {
	if cfg.Port == "" {
		cfg.Port = defaults.Port
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.HTTPReadTimeout == 0 {
		cfg.HTTPReadTimeout = defaults.HTTPReadTimeout
	}
	if cfg.HTTPWriteTimeout == 0 {
		cfg.HTTPWriteTimeout = defaults.HTTPWriteTimeout
	}
	if cfg.HTTPIdleTimeout == 0 {
		cfg.HTTPIdleTimeout = defaults.HTTPIdleTimeout
	}
	if cfg.DeviceListenAddress == "" {
		cfg.DeviceListenAddress = defaults.DeviceListenAddress
	}
	if cfg.DeviceWriteTimeout == 0 {
		cfg.DeviceWriteTimeout = defaults.DeviceWriteTimeout
	}
	if cfg.DeviceDialTimeout == 0 {
		cfg.DeviceDialTimeout = defaults.DeviceDialTimeout
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = defaults.DatabasePath
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.PreloadCount == 0 {
		cfg.PreloadCount = defaults.PreloadCount
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.MaxRetryCount == 0 {
		cfg.MaxRetryCount = defaults.MaxRetryCount
	}
	if cfg.MaxItemPrints == 0 {
		cfg.MaxItemPrints = defaults.MaxItemPrints
	}
	if cfg.CommandQueueSize == 0 {
		cfg.CommandQueueSize = defaults.CommandQueueSize
	}
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = defaults.ReconcileInterval
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if cfg.OfflineRequeueGrace == 0 {
		cfg.OfflineRequeueGrace = defaults.OfflineRequeueGrace
	}
	if cfg.EmptyPoolBackoff == 0 {
		cfg.EmptyPoolBackoff = defaults.EmptyPoolBackoff
	}
	if cfg.AssignBackoff == 0 {
		cfg.AssignBackoff = defaults.AssignBackoff
	}
	applyPoolDefaults(&cfg.ProducerPool, defaults.ProducerPool)
	applyPoolDefaults(&cfg.SenderPool, defaults.SenderPool)
	applyPoolDefaults(&cfg.HandlerPool, defaults.HandlerPool)
}

func applyPoolDefaults(cfg *PoolConfig, defaults PoolConfig) {
	if cfg.CoreWorkers == 0 {
		cfg.CoreWorkers = defaults.CoreWorkers
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = defaults.MaxWorkers
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = defaults.QueueCapacity
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = defaults.KeepAlive
	}
}
