// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Conveyor
// components.
//
// Configuration is loaded from a single YAML file specified by:
//   - CONVEYOR_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is
// the single source of truth; environment variables never override
// values, so a deployment's behavior is auditable from one file. The
// only expansion performed is ${HOME}-style path variables for
// portability.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for a Conveyor server.
type Config struct {
	// Paths configures data locations.
	Paths PathsConfig `yaml:"paths"`

	// Server configures the runner-facing HTTP listener.
	Server ServerConfig `yaml:"server"`

	// Store configures the persistence layer.
	Store StoreConfig `yaml:"store"`

	// Queue configures the job matcher's long-poll behavior.
	Queue QueueConfig `yaml:"queue"`

	// Trace configures trace archival.
	Trace TraceConfig `yaml:"trace"`

	// Artifacts configures the artifact size-limit hierarchy.
	Artifacts ArtifactsConfig `yaml:"artifacts"`

	// Hooks configures the async task worker.
	Hooks HooksConfig `yaml:"hooks"`

	// Sweep configures the stuck/timeout job sweeper.
	Sweep SweepConfig `yaml:"sweep"`

	// Schedule configures the recurring-pipeline scheduler.
	Schedule ScheduleConfig `yaml:"schedule"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

// PathsConfig configures data locations.
type PathsConfig struct {
	// Root is the base directory for Conveyor data.
	Root string `yaml:"root"`

	// Database is the SQLite database file.
	Database string `yaml:"database"`

	// Blobs is the blob store directory (trace chunks and archives,
	// artifact content).
	Blobs string `yaml:"blobs"`

	// Repositories is the directory of bare git repositories, one
	// per project as <id>.git.
	Repositories string `yaml:"repositories"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Listen is the address the server binds, host:port.
	Listen string `yaml:"listen"`

	// ShutdownTimeout bounds graceful shutdown, as a Go duration
	// string. Default: 15s.
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// StoreConfig configures the persistence layer.
type StoreConfig struct {
	// PoolSize is the SQLite connection pool size. Zero uses the
	// pool's default.
	PoolSize int `yaml:"pool_size"`

	// LockRetries bounds optimistic-lock retries per unit of work.
	// Zero uses the store's default.
	LockRetries int `yaml:"lock_retries"`
}

// QueueConfig configures the job matcher.
type QueueConfig struct {
	// PollTimeout bounds a server-side long-poll wait, as a Go
	// duration string. Default: 30s.
	PollTimeout string `yaml:"poll_timeout"`

	// PollInterval is the re-check cadence inside a long-poll wait.
	// Default: 1s.
	PollInterval string `yaml:"poll_interval"`
}

// TraceConfig configures trace archival.
type TraceConfig struct {
	// Compression selects the archive codec: zstd, lz4 or none.
	// Default: zstd.
	Compression string `yaml:"compression"`

	// EncryptionKey is a hex-encoded 32-byte key enabling at-rest
	// encryption of finalized archives. Empty disables encryption.
	EncryptionKey string `yaml:"encryption_key"`

	// WatchTTL is how long a live-tail registration outlasts the
	// viewer's last poll. Default: 10s.
	WatchTTL string `yaml:"watch_ttl"`
}

// ArtifactsConfig configures the size-limit hierarchy. Limits are
// bytes; zero means unlimited at that level.
type ArtifactsConfig struct {
	// ApplicationLimit is the instance-wide default.
	ApplicationLimit int64 `yaml:"application_limit"`

	// PlanLimits maps plan names to their limit.
	PlanLimits map[string]int64 `yaml:"plan_limits"`

	// NamespaceLimits maps namespaces to an override limit.
	NamespaceLimits map[string]int64 `yaml:"namespace_limits"`
}

// HooksConfig configures the async task worker.
type HooksConfig struct {
	// QueueDepth is the in-process task queue capacity. Zero uses
	// the worker's default.
	QueueDepth int `yaml:"queue_depth"`
}

// SweepConfig configures the background sweeper that fails jobs stuck
// past their deadline.
type SweepConfig struct {
	// Interval between sweeps. Default: 1m.
	Interval string `yaml:"interval"`

	// JobTimeout is the running-job deadline for jobs that carry no
	// timeout of their own. Default: 1h.
	JobTimeout string `yaml:"job_timeout"`

	// PendingTimeout is how long a job may sit unclaimed before it is
	// failed as stuck. Default: 24h.
	PendingTimeout string `yaml:"pending_timeout"`
}

// ScheduleConfig configures the recurring-pipeline scheduler.
type ScheduleConfig struct {
	// ScanInterval is how often due schedules are scanned for.
	// Default: 1m.
	ScanInterval string `yaml:"scan_interval"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error. Default: info.
	Level string `yaml:"level"`
}

// Default returns the default configuration. The defaults give every
// field a sensible value as a base before the config file is merged
// in; the file remains required for Load.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "conveyor")

	return &Config{
		Paths: PathsConfig{
			Root:         defaultRoot,
			Database:     filepath.Join(defaultRoot, "conveyor.db"),
			Blobs:        filepath.Join(defaultRoot, "blobs"),
			Repositories: filepath.Join(defaultRoot, "repos"),
		},
		Server: ServerConfig{
			Listen:          "127.0.0.1:8093",
			ShutdownTimeout: "15s",
		},
		Store: StoreConfig{},
		Queue: QueueConfig{
			PollTimeout:  "30s",
			PollInterval: "1s",
		},
		Trace: TraceConfig{
			Compression: "zstd",
			WatchTTL:    "10s",
		},
		Sweep: SweepConfig{
			Interval:       "1m",
			JobTimeout:     "1h",
			PendingTimeout: "24h",
		},
		Schedule: ScheduleConfig{
			ScanInterval: "1m",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the CONVEYOR_CONFIG environment
// variable. There are no fallbacks: if the variable is unset, Load
// fails.
func Load() (*Config, error) {
	configPath := os.Getenv("CONVEYOR_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("CONVEYOR_CONFIG environment variable not set; " +
			"set it to the path of your conveyor.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging
// over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"CONVEYOR_ROOT": c.Paths.Root,
		"HOME":          os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["CONVEYOR_ROOT"] = c.Paths.Root // update for dependent paths

	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Paths.Blobs = expandVars(c.Paths.Blobs, vars)
	c.Paths.Repositories = expandVars(c.Paths.Repositories, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.Database == "" {
		errs = append(errs, fmt.Errorf("paths.database is required"))
	}
	if c.Paths.Blobs == "" {
		errs = append(errs, fmt.Errorf("paths.blobs is required"))
	}
	if c.Paths.Repositories == "" {
		errs = append(errs, fmt.Errorf("paths.repositories is required"))
	}
	if c.Server.Listen == "" {
		errs = append(errs, fmt.Errorf("server.listen is required"))
	}

	for field, raw := range map[string]string{
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"queue.poll_timeout":      c.Queue.PollTimeout,
		"queue.poll_interval":     c.Queue.PollInterval,
		"trace.watch_ttl":         c.Trace.WatchTTL,
		"sweep.interval":          c.Sweep.Interval,
		"sweep.job_timeout":       c.Sweep.JobTimeout,
		"sweep.pending_timeout":   c.Sweep.PendingTimeout,
		"schedule.scan_interval":  c.Schedule.ScanInterval,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}

	switch c.Trace.Compression {
	case "", "zstd", "lz4", "none":
	default:
		errs = append(errs, fmt.Errorf("trace.compression must be zstd, lz4 or none, got %q", c.Trace.Compression))
	}
	if _, err := c.TraceEncryptionKey(); err != nil {
		errs = append(errs, err)
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Duration parses a duration field, returning fallback for an empty
// string. Call Validate first; this panics on malformed values.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		panic(fmt.Sprintf("config: unvalidated duration %q: %v", raw, err))
	}
	return d
}

// TraceEncryptionKey decodes the configured hex key. Nil when
// encryption is disabled.
func (c *Config) TraceEncryptionKey() ([]byte, error) {
	if c.Trace.EncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.Trace.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("trace.encryption_key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("trace.encryption_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// EnsurePaths creates the configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, c.Paths.Blobs, c.Paths.Repositories, filepath.Dir(c.Paths.Database)} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
