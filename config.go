package rewind

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageConfig selects and configures a snapshot store backend.
type StorageConfig struct {
	// Driver is one of "memory", "file", "sqlite", or "postgres".
	Driver string `yaml:"driver"`

	// Path is the data directory (file driver) or database path (sqlite).
	Path string `yaml:"path,omitempty"`

	// DSN is the postgres connection string.
	DSN string `yaml:"dsn,omitempty"`
}

// ReplayConfig configures the session manager.
type ReplayConfig struct {
	BaseTickInterval time.Duration `yaml:"base_tick_interval"`
	SessionTTL       time.Duration `yaml:"session_ttl"`
}

// Config is the runtime configuration for an engine plus its replay and
// rollback managers, loadable from a YAML file.
type Config struct {
	Checkpoint  CheckpointPolicy `yaml:"checkpoint"`
	Replay      ReplayConfig     `yaml:"replay"`
	LockTimeout time.Duration    `yaml:"lock_timeout"`
	Storage     StorageConfig    `yaml:"storage"`
}

// DefaultConfig returns the configuration used when no file is provided.
func DefaultConfig() *Config {
	return &Config{
		Checkpoint: DefaultCheckpointPolicy(),
		Replay: ReplayConfig{
			BaseTickInterval: DefaultBaseTickInterval,
			SessionTTL:       DefaultSessionTTL,
		},
		LockTimeout: DefaultLockTimeout,
		Storage:     StorageConfig{Driver: "memory"},
	}
}

// LoadConfig reads a YAML configuration file. Fields left unset fall back to
// their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the configuration for values the managers would reject.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "", "memory", "file", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("postgres storage requires a dsn")
	}
	if c.Checkpoint.StepInterval < 0 {
		return fmt.Errorf("checkpoint step interval must be >= 0")
	}
	if c.Checkpoint.MaxAge < 0 {
		return fmt.Errorf("checkpoint max age must be >= 0")
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("lock timeout must be >= 0")
	}
	return nil
}
