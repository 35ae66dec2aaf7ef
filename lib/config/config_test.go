// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Server.Listen == "" {
		t.Fatal("default listen address is empty")
	}
	if cfg.Trace.Compression != "zstd" {
		t.Fatalf("default trace compression = %q, want zstd", cfg.Trace.Compression)
	}
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: "0.0.0.0:9000"
queue:
  poll_timeout: "45s"
artifacts:
  application_limit: 104857600
  plan_limits:
    gold: 1073741824
  namespace_limits:
    acme: 52428800
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Fatalf("listen = %q, want 0.0.0.0:9000", cfg.Server.Listen)
	}
	if cfg.Queue.PollTimeout != "45s" {
		t.Fatalf("poll_timeout = %q, want 45s", cfg.Queue.PollTimeout)
	}
	// Untouched sections keep their defaults.
	if cfg.Queue.PollInterval != "1s" {
		t.Fatalf("poll_interval = %q, want default 1s", cfg.Queue.PollInterval)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("log level = %q, want default info", cfg.Log.Level)
	}
	if got := cfg.Artifacts.PlanLimits["gold"]; got != 1073741824 {
		t.Fatalf("plan limit gold = %d, want 1073741824", got)
	}
	if got := cfg.Artifacts.NamespaceLimits["acme"]; got != 52428800 {
		t.Fatalf("namespace limit acme = %d, want 52428800", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	t.Setenv("CONVEYOR_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when CONVEYOR_CONFIG is unset")
	}
}

func TestVariableExpansion(t *testing.T) {
	path := writeConfig(t, `
paths:
  root: "/srv/conveyor"
  database: "${CONVEYOR_ROOT}/state.db"
  blobs: "${CONVEYOR_ROOT}/blobs"
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.Database != "/srv/conveyor/state.db" {
		t.Fatalf("database = %q, want /srv/conveyor/state.db", cfg.Paths.Database)
	}
	if cfg.Paths.Blobs != "/srv/conveyor/blobs" {
		t.Fatalf("blobs = %q, want /srv/conveyor/blobs", cfg.Paths.Blobs)
	}
}

func TestVariableExpansionDefault(t *testing.T) {
	t.Setenv("CONVEYOR_TEST_UNSET", "")
	got := expandVars("${CONVEYOR_TEST_UNSET:-/fallback}/db", map[string]string{})
	if got != "/fallback/db" {
		t.Fatalf("expanded = %q, want /fallback/db", got)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty listen", func(c *Config) { c.Server.Listen = "" }, "server.listen"},
		{"bad duration", func(c *Config) { c.Queue.PollTimeout = "soon" }, "queue.poll_timeout"},
		{"bad sweep interval", func(c *Config) { c.Sweep.Interval = "hourly" }, "sweep.interval"},
		{"bad scan interval", func(c *Config) { c.Schedule.ScanInterval = "5" }, "schedule.scan_interval"},
		{"bad compression", func(c *Config) { c.Trace.Compression = "brotli" }, "trace.compression"},
		{"bad level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"short key", func(c *Config) { c.Trace.EncryptionKey = "abcd" }, "trace.encryption_key"},
		{"non-hex key", func(c *Config) { c.Trace.EncryptionKey = "zz" }, "trace.encryption_key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestTraceEncryptionKey(t *testing.T) {
	cfg := Default()
	key, err := cfg.TraceEncryptionKey()
	if err != nil || key != nil {
		t.Fatalf("empty key: got %v, %v, want nil, nil", key, err)
	}

	cfg.Trace.EncryptionKey = strings.Repeat("ab", 32)
	key, err = cfg.TraceEncryptionKey()
	if err != nil {
		t.Fatalf("TraceEncryptionKey: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("key length = %d, want 32", len(key))
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("", 5*time.Second); got != 5*time.Second {
		t.Fatalf("empty = %v, want 5s", got)
	}
	if got := Duration("90s", time.Second); got != 90*time.Second {
		t.Fatalf("90s = %v", got)
	}
}

func TestEnsurePaths(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Paths.Root = filepath.Join(root, "data")
	cfg.Paths.Database = filepath.Join(root, "data", "db", "conveyor.db")
	cfg.Paths.Blobs = filepath.Join(root, "data", "blobs")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	for _, dir := range []string{cfg.Paths.Root, cfg.Paths.Blobs, filepath.Dir(cfg.Paths.Database)} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s is not a directory", dir)
		}
	}
}
