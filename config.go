package plexus

import "github.com/eleven-am/plexus/internal/domain"

type Config = domain.Config

type StorageConfig = domain.StorageConfig

type EngineConfig = domain.EngineConfig

type DispatcherConfig = domain.DispatcherConfig

type ApprovalConfig = domain.ApprovalConfig

type LeaderConfig = domain.LeaderConfig

type RaftConfig = domain.RaftConfig

type ObservabilityConfig = domain.ObservabilityConfig

type LogConfig = domain.LogConfig

type LeaderMode = domain.LeaderMode

const (
	LeaderModeStatic LeaderMode = domain.LeaderModeStatic
	LeaderModeLease  LeaderMode = domain.LeaderModeLease
	LeaderModeRaft   LeaderMode = domain.LeaderModeRaft
)

// DefaultConfig returns a single-node configuration with static leadership.
func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

// LoadConfig reads a YAML file and fills unset fields from DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	return domain.LoadConfig(path)
}
