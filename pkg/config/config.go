// Package config holds the canonical configuration surface of the
// divergence engine. Hosts map their CLI or environment onto this struct;
// the reference harness loads it from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// Config is the engine configuration. Field defaults follow the canonical
// option table; zero values are filled by defaults.Set.
type Config struct {
	// Enabled is the master switch. The engine does nothing when false.
	Enabled bool `yaml:"enabled" default:"false"`

	// GasMultiplier scales opcode/intrinsic/memory costs in the
	// experimental pass.
	GasMultiplier uint64 `yaml:"gasMultiplier" default:"128"`
	// RefundMultiplier scales gas refunds.
	RefundMultiplier float64 `yaml:"refundMultiplier" default:"1.0"`
	// StipendMultiplier scales exempt stipend literals.
	StipendMultiplier float64 `yaml:"stipendMultiplier" default:"1.0"`
	// GasLimitMultiplier inflates the per-transaction gas limit for the
	// experimental pass. Zero means "same as gasMultiplier".
	GasLimitMultiplier uint64 `yaml:"gasLimitMultiplier"`

	// StartBlock is the first block number to analyze.
	StartBlock uint64 `yaml:"startBlock" default:"0"`

	// DBPath is the divergence store file.
	DBPath string `yaml:"dbPath" default:"./divergence.db"`
	// QueueCapacity bounds the store submit queue.
	QueueCapacity uint32 `yaml:"queueCapacity" default:"4096"`
	// BatchSize is the store writer's batch limit.
	BatchSize uint32 `yaml:"batchSize" default:"256"`

	// Workers bounds how many blocks are processed concurrently. Zero
	// means available cores minus one.
	Workers int `yaml:"workers"`

	// IncludeTransientStorage folds EIP-1153 transient slots into the
	// post-state fingerprint.
	IncludeTransientStorage bool `yaml:"includeTransientStorage" default:"true"`

	// ShutdownTimeout bounds the store drain on shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"30s"`

	// LoggingLevel is the logrus level string.
	LoggingLevel string `yaml:"logging" default:"info"`
	// MetricsAddr is the Prometheus exposition address.
	MetricsAddr string `yaml:"metricsAddr" default:":9090"`
}

// Validate checks the invariants of the option table.
func (c *Config) Validate() error {
	if c.GasMultiplier < 1 {
		return fmt.Errorf("gasMultiplier must be >= 1, got %d", c.GasMultiplier)
	}

	if c.RefundMultiplier < 0 {
		return fmt.Errorf("refundMultiplier must be >= 0, got %f", c.RefundMultiplier)
	}

	if c.StipendMultiplier < 0 {
		return fmt.Errorf("stipendMultiplier must be >= 0, got %f", c.StipendMultiplier)
	}

	if c.QueueCapacity == 0 {
		return fmt.Errorf("queueCapacity must be > 0")
	}

	if c.BatchSize == 0 {
		return fmt.Errorf("batchSize must be > 0")
	}

	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}

	if c.DBPath == "" {
		return fmt.Errorf("dbPath is required")
	}

	return nil
}

// EffectiveGasLimitMultiplier resolves the gas-limit multiplier default.
func (c *Config) EffectiveGasLimitMultiplier() uint64 {
	if c.GasLimitMultiplier == 0 {
		return c.GasMultiplier
	}

	return c.GasLimitMultiplier
}

// Load reads a YAML config file, applies defaults, and validates.
func Load(file string) (*Config, error) {
	config := &Config{}

	if err := defaults.Set(config); err != nil {
		return nil, err
	}

	if file != "" {
		yamlFile, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}

		type plain Config

		if err := yaml.Unmarshal(yamlFile, (*plain)(config)); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}
