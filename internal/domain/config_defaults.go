package domain

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

func DefaultConfig() *Config {
	return &Config{
		Storage:       DefaultStorageConfig(),
		Engine:        DefaultEngineConfig(),
		Dispatcher:    DefaultDispatcherConfig(),
		Approval:      DefaultApprovalConfig(),
		Leader:        DefaultLeaderConfig(),
		Observability: DefaultObservabilityConfig(),
		Log:           LogConfig{Level: "info", Format: "text"},
	}
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		DataDir:         "./data",
		ConflictRetries: 16,
	}
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		WorkerCount:     8,
		QueueSize:       1024,
		ShutdownTimeout: 30 * time.Second,
	}
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DefaultTimeout:    10 * time.Minute,
		GracePeriod:       time.Minute,
		ValidationTimeout: 2 * time.Minute,
		SweepInterval:     30 * time.Second,
		BatchSize:         100,
		HeartbeatTTL:      time.Minute,
		Breaker:           DefaultBreakerConfig(),
	}
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		HalfOpenRequests: 1,
		OpenInterval:     10 * time.Second,
		PublishTimeout:   10 * time.Second,
	}
}

func DefaultApprovalConfig() ApprovalConfig {
	return ApprovalConfig{
		SweepInterval:   time.Minute,
		DefaultTimeout:  24 * time.Hour,
		UpdateRetries:   5,
		DefaultMinCount: 1,
	}
}

func DefaultLeaderConfig() LeaderConfig {
	return LeaderConfig{
		Mode:     LeaderModeStatic,
		LeaseKey: "sweeper",
		LeaseTTL: 15 * time.Second,
		Raft: RaftConfig{
			BindAddr:         "127.0.0.1:7400",
			DataDir:          "./data/raft",
			HeartbeatTimeout: time.Second,
			ElectionTimeout:  time.Second,
			MaxPool:          3,
		},
	}
}

func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Port:      9090,
		Namespace: "plexus",
	}
}

// LoadConfig reads a YAML file and fills every unset field from DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigurationError("failed to read config file", err, WithDetail("path", path))
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, NewConfigurationError("failed to parse config", err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields from DefaultConfig without overriding explicit values.
func (c *Config) ApplyDefaults() error {
	if err := mergo.Merge(c, DefaultConfig()); err != nil {
		return NewConfigurationError("failed to merge config defaults", err)
	}
	if c.NodeID == "" {
		host, _ := os.Hostname()
		c.NodeID = fmt.Sprintf("%s-%s", strings.ToLower(host), uuid.NewString()[:8])
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Engine.WorkerCount <= 0 {
		return NewConfigurationError("engine.worker_count must be positive", nil)
	}
	if c.Engine.QueueSize <= 0 {
		return NewConfigurationError("engine.queue_size must be positive", nil)
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return NewConfigurationError("storage.data_dir is required unless storage.in_memory is set", nil)
	}
	if c.Dispatcher.DefaultTimeout <= 0 {
		return NewConfigurationError("dispatcher.default_timeout must be positive", nil)
	}
	if c.Dispatcher.ValidationTimeout <= 0 {
		return NewConfigurationError("dispatcher.validation_timeout must be positive", nil)
	}
	if c.Dispatcher.SweepInterval <= 0 || c.Approval.SweepInterval <= 0 {
		return NewConfigurationError("sweep intervals must be positive", nil)
	}
	switch c.Leader.Mode {
	case LeaderModeStatic, LeaderModeLease:
	case LeaderModeRaft:
		if c.Leader.Raft.BindAddr == "" {
			return NewConfigurationError("leader.raft.bind_addr is required in raft mode", nil)
		}
	default:
		return NewConfigurationError("unknown leader mode", nil, WithDetail("mode", c.Leader.Mode))
	}
	return nil
}

// SlogLevel maps the configured level name onto slog.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger builds the process logger described by the log section.
func (c LogConfig) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
