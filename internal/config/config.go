// Package config handles loading and validating foreman configuration.
// Supports YAML config files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Validation errors.
var (
	ErrLeaseNotPositive = errors.New("locks.lease must be positive")
	ErrStaleNotPositive = errors.New("workers.stale_threshold must be positive")
	ErrBadSweepCron     = errors.New("sweep.cron is not a valid cron expression")
	ErrBadLogLevel      = errors.New("log.level must be one of debug, info, warn, error")
	ErrBadLogFormat     = errors.New("log.format must be json or text")
)

// Config holds all foreman configuration.
type Config struct {
	DataDir string        `mapstructure:"data_dir"`
	Locks   LocksConfig   `mapstructure:"locks"`
	Workers WorkersConfig `mapstructure:"workers"`
	Sweep   SweepConfig   `mapstructure:"sweep"`
	Log     LogConfig     `mapstructure:"log"`
	DB      DBConfig      `mapstructure:"db"`
}

// LocksConfig tunes the lock manager.
type LocksConfig struct {
	Dir   string        `mapstructure:"dir"`
	Lease time.Duration `mapstructure:"lease"`
}

// WorkersConfig tunes liveness detection.
type WorkersConfig struct {
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
}

// SweepConfig tunes the maintenance schedule.
type SweepConfig struct {
	Cron string `mapstructure:"cron"`
}

// LogConfig tunes structured logging output.
type LogConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"`
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// DBConfig points at the audit database.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// DefaultDataDir returns the default state directory.
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "foreman")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "foreman", "foreman.yaml")
}

// Load reads configuration from the given file (or the default
// location when path is empty) and FOREMAN_* environment variables.
// A missing config file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigFile(DefaultPath())
	}

	v.SetEnvPrefix("FOREMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	dataDir := DefaultDataDir()
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("locks.dir", filepath.Join(dataDir, "locks"))
	v.SetDefault("locks.lease", time.Hour)
	v.SetDefault("workers.stale_threshold", 10*time.Minute)
	v.SetDefault("sweep.cron", "*/5 * * * *")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.path", filepath.Join(dataDir, "logs"))
	v.SetDefault("log.retention_days", 14)
	v.SetDefault("db.path", filepath.Join(dataDir, "foreman.db"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints. Called by Load; exported so
// callers constructing a Config by hand can check it too.
func Validate(cfg *Config) error {
	if cfg.Locks.Lease <= 0 {
		return ErrLeaseNotPositive
	}
	if cfg.Workers.StaleThreshold <= 0 {
		return ErrStaleNotPositive
	}
	if _, err := cron.ParseStandard(cfg.Sweep.Cron); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSweepCron, err)
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return ErrBadLogLevel
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return ErrBadLogFormat
	}
	return nil
}

// Write persists the config as YAML at path, creating directories as
// needed. Used by the init command to seed a starter config.
func Write(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("data_dir", cfg.DataDir)
	v.Set("locks.dir", cfg.Locks.Dir)
	v.Set("locks.lease", cfg.Locks.Lease.String())
	v.Set("workers.stale_threshold", cfg.Workers.StaleThreshold.String())
	v.Set("sweep.cron", cfg.Sweep.Cron)
	v.Set("log.level", cfg.Log.Level)
	v.Set("log.format", cfg.Log.Format)
	v.Set("log.path", cfg.Log.Path)
	v.Set("log.retention_days", cfg.Log.RetentionDays)
	v.Set("db.path", cfg.DB.Path)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			return v.SafeWriteConfig()
		}
		return err
	}
	return nil
}
