package domain

import (
	"log/slog"
	"time"
)

// Config is the complete runtime configuration of a plexus node.
type Config struct {
	NodeID string       `json:"node_id" yaml:"node_id"`
	Logger *slog.Logger `json:"-" yaml:"-"`

	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Engine        EngineConfig        `json:"engine" yaml:"engine"`
	Dispatcher    DispatcherConfig    `json:"dispatcher" yaml:"dispatcher"`
	Approval      ApprovalConfig      `json:"approval" yaml:"approval"`
	Leader        LeaderConfig        `json:"leader" yaml:"leader"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
	Log           LogConfig           `json:"log" yaml:"log"`
}

type StorageConfig struct {
	DataDir    string `json:"data_dir" yaml:"data_dir"`
	InMemory   bool   `json:"in_memory" yaml:"in_memory"`
	SyncWrites bool   `json:"sync_writes" yaml:"sync_writes"`

	// ConflictRetries bounds how often a conditional update is replayed after a transaction conflict.
	ConflictRetries int `json:"conflict_retries" yaml:"conflict_retries"`
}

type EngineConfig struct {
	WorkerCount     int           `json:"worker_count" yaml:"worker_count"`
	QueueSize       int           `json:"queue_size" yaml:"queue_size"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type DispatcherConfig struct {
	DefaultTimeout    time.Duration `json:"default_timeout" yaml:"default_timeout"`
	GracePeriod       time.Duration `json:"grace_period" yaml:"grace_period"`
	ValidationTimeout time.Duration `json:"validation_timeout" yaml:"validation_timeout"`
	SweepInterval     time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	BatchSize         int           `json:"batch_size" yaml:"batch_size"`
	HeartbeatTTL      time.Duration `json:"heartbeat_ttl" yaml:"heartbeat_ttl"`
	Breaker           BreakerConfig `json:"breaker" yaml:"breaker"`
}

// BreakerConfig guards the task publisher. After FailureThreshold consecutive
// publish failures dispatch fails fast for OpenInterval, then HalfOpenRequests
// trial publishes decide whether to close again.
type BreakerConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	HalfOpenRequests int           `json:"half_open_requests" yaml:"half_open_requests"`
	OpenInterval     time.Duration `json:"open_interval" yaml:"open_interval"`
	PublishTimeout   time.Duration `json:"publish_timeout" yaml:"publish_timeout"`
}

type ApprovalConfig struct {
	SweepInterval   time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	DefaultTimeout  time.Duration `json:"default_timeout" yaml:"default_timeout"`
	UpdateRetries   int           `json:"update_retries" yaml:"update_retries"`
	DefaultMinCount int           `json:"default_min_count" yaml:"default_min_count"`
}

type LeaderMode string

const (
	LeaderModeStatic LeaderMode = "static"
	LeaderModeLease  LeaderMode = "lease"
	LeaderModeRaft   LeaderMode = "raft"
)

// LeaderConfig selects how a node decides it is the primary. In static mode a
// node is primary unless Standby is set.
type LeaderConfig struct {
	Mode     LeaderMode    `json:"mode" yaml:"mode"`
	Standby  bool          `json:"standby" yaml:"standby"`
	LeaseKey string        `json:"lease_key" yaml:"lease_key"`
	LeaseTTL time.Duration `json:"lease_ttl" yaml:"lease_ttl"`
	Raft     RaftConfig    `json:"raft" yaml:"raft"`
}

type RaftConfig struct {
	BindAddr         string        `json:"bind_addr" yaml:"bind_addr"`
	DataDir          string        `json:"data_dir" yaml:"data_dir"`
	Bootstrap        bool          `json:"bootstrap" yaml:"bootstrap"`
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	ElectionTimeout  time.Duration `json:"election_timeout" yaml:"election_timeout"`
	MaxPool          int           `json:"max_pool" yaml:"max_pool"`
	Verbose          bool          `json:"verbose" yaml:"verbose"`
}

type ObservabilityConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Port      int    `json:"port" yaml:"port"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}
