// Package config holds the workspace configuration for the research
// pipeline: output tree roots, session policy, governance arming, and
// logging. Config is YAML on disk with environment overrides applied after
// load.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/logging"
)

// Environment variables recognized by the core.
const (
	EnvSeasonIndexRoot     = "SEASON_INDEX_ROOT"
	EnvDatasetRegistryRoot = "DATASET_REGISTRY_ROOT"
	EnvEnableLive          = "ENABLE_LIVE"
	EnvLiveTokenPath       = "LIVE_TOKEN_PATH"
)

// Config holds all pipeline configuration.
type Config struct {
	// OutputsRoot is the artifact tree root (outputs/).
	OutputsRoot string `yaml:"outputs_root"`

	// SeasonIndexRoot overrides the default season_index location under
	// OutputsRoot when non-empty.
	SeasonIndexRoot string `yaml:"season_index_root"`

	// DatasetRegistryRoot overrides the default datasets location under
	// OutputsRoot when non-empty.
	DatasetRegistryRoot string `yaml:"dataset_registry_root"`

	// Governance arms the live-execute policy gate.
	Governance GovernanceConfig `yaml:"governance"`

	// Runner tunes batch execution.
	Runner RunnerConfig `yaml:"runner"`

	// Logging mirrors internal/logging's config shape.
	Logging logging.Config `yaml:"logging"`
}

// GovernanceConfig configures the policy engine's live-execute gate.
type GovernanceConfig struct {
	EnableLive    bool   `yaml:"enable_live"`
	LiveTokenPath string `yaml:"live_token_path"`
}

// RunnerConfig configures the batch worker pool.
type RunnerConfig struct {
	// MaxParallelBatches bounds concurrent batch execution. Jobs inside a
	// batch always run sequentially.
	MaxParallelBatches int `yaml:"max_parallel_batches"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		OutputsRoot: "outputs",
		Runner: RunnerConfig{
			MaxParallelBatches: 2,
		},
		Logging: logging.Config{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads a YAML config from path and applies environment overrides. A
// missing file yields DefaultConfig (with overrides still applied).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the config as YAML, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// applyEnvOverrides layers recognized environment variables over the loaded
// values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvSeasonIndexRoot); v != "" {
		c.SeasonIndexRoot = v
	}
	if v := os.Getenv(EnvDatasetRegistryRoot); v != "" {
		c.DatasetRegistryRoot = v
	}
	if os.Getenv(EnvEnableLive) == "1" {
		c.Governance.EnableLive = true
	}
	if v := os.Getenv(EnvLiveTokenPath); v != "" {
		c.Governance.LiveTokenPath = v
	}
}

// EffectiveSeasonIndexRoot resolves the season index location.
func (c *Config) EffectiveSeasonIndexRoot() string {
	if c.SeasonIndexRoot != "" {
		return c.SeasonIndexRoot
	}
	return filepath.Join(c.OutputsRoot, "season_index")
}

// EffectiveDatasetRegistryRoot resolves the dataset registry location.
func (c *Config) EffectiveDatasetRegistryRoot() string {
	if c.DatasetRegistryRoot != "" {
		return c.DatasetRegistryRoot
	}
	return filepath.Join(c.OutputsRoot, "datasets")
}
