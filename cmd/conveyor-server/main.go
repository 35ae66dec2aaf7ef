// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// conveyor-server is the pipeline engine daemon: it owns the job
// state machines, matches polling runners to pending jobs, ingests
// traces and artifacts, and serves the HTTP API for all of it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/conveyor-ci/conveyor/lib/artifact"
	"github.com/conveyor-ci/conveyor/lib/blobstore"
	"github.com/conveyor-ci/conveyor/lib/clock"
	"github.com/conveyor-ci/conveyor/lib/codec"
	"github.com/conveyor-ci/conveyor/lib/config"
	"github.com/conveyor-ci/conveyor/lib/hooks"
	"github.com/conveyor-ci/conveyor/lib/orchestrator"
	"github.com/conveyor-ci/conveyor/lib/queue"
	"github.com/conveyor-ci/conveyor/lib/schedule"
	"github.com/conveyor-ci/conveyor/lib/service"
	"github.com/conveyor-ci/conveyor/lib/status"
	"github.com/conveyor-ci/conveyor/lib/store"
	"github.com/conveyor-ci/conveyor/lib/trace"
	"github.com/conveyor-ci/conveyor/lib/vcs"
	"github.com/conveyor-ci/conveyor/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var showVersion bool
	pflag.StringVar(&configPath, "config", "", "path to conveyor.yaml (overrides CONVEYOR_CONFIG)")
	pflag.BoolVar(&showVersion, "version", false, "print version and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println(version.Full())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := service.NewLogger(cfg.Log.Level)
	clk := clock.Real()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(store.Config{
		Path:        cfg.Paths.Database,
		PoolSize:    cfg.Store.PoolSize,
		LockRetries: cfg.Store.LockRetries,
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	blobs, err := blobstore.NewFS(cfg.Paths.Blobs)
	if err != nil {
		return err
	}

	worker := hooks.NewWorker(cfg.Hooks.QueueDepth, logger)

	orch, err := orchestrator.New(orchestrator.Config{
		Store:      db,
		Dispatcher: worker,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	encryptionKey, err := cfg.TraceEncryptionKey()
	if err != nil {
		return err
	}
	traces, err := trace.NewManager(trace.Config{
		Blobs:         blobs,
		Clock:         clk,
		Logger:        logger,
		Compression:   trace.Compression(cfg.Trace.Compression),
		EncryptionKey: encryptionKey,
		WatchTTL:      config.Duration(cfg.Trace.WatchTTL, 0),
	})
	if err != nil {
		return err
	}

	artifacts, err := artifact.NewIntake(artifact.Config{
		Blobs: blobs,
		Limits: artifact.Limits{
			Application: cfg.Artifacts.ApplicationLimit,
			Plan:        cfg.Artifacts.PlanLimits,
			Namespace:   cfg.Artifacts.NamespaceLimits,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	vcsBackend := vcs.NewGit(cfg.Paths.Repositories)

	matcher, err := queue.NewMatcher(queue.Config{
		Store:        db,
		Orchestrator: orch,
		VCS:          vcsBackend,
		Clock:        clk,
		Logger:       logger,
		PollTimeout:  config.Duration(cfg.Queue.PollTimeout, 0),
		PollInterval: config.Duration(cfg.Queue.PollInterval, 0),
	})
	if err != nil {
		return err
	}

	sweeper, err := orchestrator.NewSweeper(orchestrator.SweeperConfig{
		Store:          db,
		Orchestrator:   orch,
		Clock:          clk,
		Logger:         logger,
		Interval:       config.Duration(cfg.Sweep.Interval, 0),
		JobTimeout:     config.Duration(cfg.Sweep.JobTimeout, 0),
		PendingTimeout: config.Duration(cfg.Sweep.PendingTimeout, 0),
	})
	if err != nil {
		return err
	}

	scheduler, err := schedule.New(schedule.Config{
		Store:        db,
		Orchestrator: orch,
		VCS:          vcsBackend,
		Clock:        clk,
		Logger:       logger,
		Interval:     config.Duration(cfg.Schedule.ScanInterval, 0),
	})
	if err != nil {
		return err
	}

	registerHooks(worker, traces, logger)
	go worker.Run(ctx)
	go sweeper.Run(ctx)
	go scheduler.Run(ctx)

	api := &API{
		store:     db,
		orch:      orch,
		matcher:   matcher,
		traces:    traces,
		artifacts: artifacts,
		vcs:       vcsBackend,
		scheduler: scheduler,
		logger:    logger,
	}

	server := service.NewHTTPServer(service.HTTPServerConfig{
		Address:         cfg.Server.Listen,
		Handler:         api.Routes(),
		ShutdownTimeout: config.Duration(cfg.Server.ShutdownTimeout, 0),
		Logger:          logger,
	})

	logger.Info("conveyor server starting",
		"listen", cfg.Server.Listen,
		"database", cfg.Paths.Database,
		"blobs", cfg.Paths.Blobs,
		"repositories", cfg.Paths.Repositories,
	)
	return server.Serve(ctx)
}

// jobChangePayload mirrors the job.status_changed hook payload.
type jobChangePayload struct {
	JobID         int64  `cbor:"job_id"`
	From          string `cbor:"from"`
	To            string `cbor:"to"`
	FailureReason string `cbor:"failure_reason,omitempty"`
}

// registerHooks binds the async task handlers. Trace finalization
// rides the job.status_changed hook: once a job is terminal its trace
// is compressed, hashed and archived off the hot path.
func registerHooks(worker *hooks.Worker, traces *trace.Manager, logger *slog.Logger) {
	worker.Register(orchestrator.TaskJobChanged, func(ctx context.Context, payload codec.RawMessage) error {
		var change jobChangePayload
		if err := codec.Unmarshal(payload, &change); err != nil {
			return err
		}
		if !status.Status(change.To).Terminal() {
			return nil
		}
		info, err := traces.Finalize(ctx, change.JobID)
		if err != nil {
			return fmt.Errorf("finalizing trace for job %d: %w", change.JobID, err)
		}
		logger.Debug("trace archived",
			"job_id", change.JobID,
			"raw_size", info.RawSize,
			"stored_size", info.StoredSize,
		)
		return nil
	})

	worker.Register(orchestrator.TaskPipelineDone, func(ctx context.Context, payload codec.RawMessage) error {
		var change struct {
			PipelineID int64  `cbor:"pipeline_id"`
			Status     string `cbor:"status"`
		}
		if err := codec.Unmarshal(payload, &change); err != nil {
			return err
		}
		logger.Info("pipeline finished",
			"pipeline_id", change.PipelineID,
			"status", change.Status,
		)
		return nil
	})
}
