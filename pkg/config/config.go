// Package config loads AIMO configuration from TOML with sane defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	General  GeneralConfig  `toml:"general"`
	Fetch    FetchConfig    `toml:"fetch"`
	Memory   MemoryConfig   `toml:"memory"`
	Recovery RecoveryConfig `toml:"recovery"`
	Logging  LoggingConfig  `toml:"logging"`
}

type GeneralConfig struct {
	// DataDir holds the sqlite database and the artifact directory.
	DataDir string `toml:"data_dir"`
	// ArtifactDir is where fetched model layouts live, keyed by model id.
	// Defaults to <data_dir>/artifacts.
	ArtifactDir string `toml:"artifact_dir"`
	// DatabasePath is the registry database. Defaults to <data_dir>/aimo.db.
	DatabasePath string `toml:"database_path"`
}

type FetchConfig struct {
	// Attempts is the per-download attempt cap (backoff 2^attempt seconds).
	Attempts int `toml:"attempts"`
	// Token is sent as a bearer token to artifact sources that need one.
	Token string `toml:"token"`
	// Timeout bounds a single download attempt.
	Timeout  string        `toml:"timeout"`
	TimeoutD time.Duration `toml:"-"`
}

type MemoryConfig struct {
	// PressureThresholdMB: available memory below this is pressure.
	PressureThresholdMB int `toml:"pressure_threshold_mb"`
	// ReliefFactor: eviction runs until available exceeds factor*threshold.
	ReliefFactor float64 `toml:"relief_factor"`
	// PollInterval for the background pressure check.
	PollInterval  string        `toml:"poll_interval"`
	PollIntervalD time.Duration `toml:"-"`
	// RescanWindow bounds how long eviction keeps rescanning when every
	// candidate is in use before giving up.
	RescanWindow  string        `toml:"rescan_window"`
	RescanWindowD time.Duration `toml:"-"`
}

type RecoveryConfig struct {
	// MaxAttempts caps recovery passes per lifecycle run.
	MaxAttempts int `toml:"max_attempts"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".aimo")

	return &Config{
		General: GeneralConfig{
			DataDir: dataDir,
		},
		Fetch: FetchConfig{
			Attempts: 3,
			Timeout:  "30m",
		},
		Memory: MemoryConfig{
			PressureThresholdMB: 500,
			ReliefFactor:        2.0,
			PollInterval:        "5s",
			RescanWindow:        "1s",
		},
		Recovery: RecoveryConfig{
			MaxAttempts: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the config at path, overlaying it on defaults. An empty path
// tries ~/.aimo/config.toml; a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.General.DataDir, "config.toml")
		if _, err := os.Stat(path); err != nil {
			return finalize(cfg)
		}
	}

	path = expandHome(path)
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	return finalize(cfg)
}

func finalize(cfg *Config) (*Config, error) {
	cfg.General.DataDir = expandHome(cfg.General.DataDir)
	if cfg.General.ArtifactDir == "" {
		cfg.General.ArtifactDir = filepath.Join(cfg.General.DataDir, "artifacts")
	}
	cfg.General.ArtifactDir = expandHome(cfg.General.ArtifactDir)
	if cfg.General.DatabasePath == "" {
		cfg.General.DatabasePath = filepath.Join(cfg.General.DataDir, "aimo.db")
	}
	cfg.General.DatabasePath = expandHome(cfg.General.DatabasePath)

	var err error
	if cfg.Fetch.TimeoutD, err = parseDuration("fetch.timeout", cfg.Fetch.Timeout); err != nil {
		return nil, err
	}
	if cfg.Memory.PollIntervalD, err = parseDuration("memory.poll_interval", cfg.Memory.PollInterval); err != nil {
		return nil, err
	}
	if cfg.Memory.RescanWindowD, err = parseDuration("memory.rescan_window", cfg.Memory.RescanWindow); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Fetch.Attempts <= 0 {
		return fmt.Errorf("fetch.attempts must be positive, got %d", c.Fetch.Attempts)
	}
	if c.Memory.PressureThresholdMB <= 0 {
		return fmt.Errorf("memory.pressure_threshold_mb must be positive, got %d", c.Memory.PressureThresholdMB)
	}
	if c.Memory.ReliefFactor < 1.0 {
		return fmt.Errorf("memory.relief_factor must be >= 1.0, got %v", c.Memory.ReliefFactor)
	}
	if c.Recovery.MaxAttempts <= 0 {
		return fmt.Errorf("recovery.max_attempts must be positive, got %d", c.Recovery.MaxAttempts)
	}
	return nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	return d, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}
