// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyor-ci/conveyor/lib/clock"
	"github.com/conveyor-ci/conveyor/lib/statemachine"
	"github.com/conveyor-ci/conveyor/lib/status"
	"github.com/conveyor-ci/conveyor/lib/store"
)

// Sweeper defaults.
const (
	DefaultSweepInterval  = time.Minute
	DefaultJobTimeout     = time.Hour
	DefaultPendingTimeout = 24 * time.Hour
)

// SweeperConfig holds the sweeper's collaborators and thresholds.
type SweeperConfig struct {
	// Store is the persistence layer. Required.
	Store *store.Store

	// Orchestrator drops overdue jobs. Required.
	Orchestrator *Orchestrator

	// Clock drives the sweep cadence and deadlines. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger

	// Interval between sweeps. Zero means DefaultSweepInterval.
	Interval time.Duration

	// JobTimeout bounds a running job with no timeout of its own.
	// Zero means DefaultJobTimeout.
	JobTimeout time.Duration

	// PendingTimeout bounds how long a job may sit unclaimed before
	// it is considered stuck. Zero means DefaultPendingTimeout.
	PendingTimeout time.Duration
}

// Sweeper periodically fails jobs that overran their timeout or sat
// unclaimed past the stuck threshold. Both end as failed with the
// stuck_or_timeout classification, so pipelines never hang on a dead
// runner or an impossible tag set.
type Sweeper struct {
	store          *store.Store
	orch           *Orchestrator
	clock          clock.Clock
	logger         *slog.Logger
	interval       time.Duration
	jobTimeout     time.Duration
	pendingTimeout time.Duration
}

// NewSweeper validates the config and returns a sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("orchestrator: sweeper Store is required")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator: sweeper Orchestrator is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("orchestrator: sweeper Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("orchestrator: sweeper Logger is required")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}
	pendingTimeout := cfg.PendingTimeout
	if pendingTimeout <= 0 {
		pendingTimeout = DefaultPendingTimeout
	}
	return &Sweeper{
		store:          cfg.Store,
		orch:           cfg.Orchestrator,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		interval:       interval,
		jobTimeout:     jobTimeout,
		pendingTimeout: pendingTimeout,
	}, nil
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.interval):
		}
		if err := s.Sweep(ctx); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
	}
}

// Sweep runs one pass: every overdue in-flight job is dropped with
// the stuck_or_timeout classification. The scan is a plain read; each
// drop runs its own optimistically locked transaction, so a job that
// finishes between scan and drop is simply skipped by the state
// machine's guards.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.clock.Now()
	var overdue []int64
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		jobs, err := tx.InFlightJobs()
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if s.deadline(job).Before(now) {
				overdue = append(overdue, job.ID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, jobID := range overdue {
		err := s.orch.DropJob(ctx, jobID, store.FailureStuckOrTimeout)
		var invalid *statemachine.InvalidTransitionError
		if errors.As(err, &invalid) {
			// Finished between scan and drop; nothing to enforce.
			continue
		}
		if err != nil {
			s.logger.Error("dropping overdue job failed", "job_id", jobID, "error", err)
		}
	}
	if len(overdue) > 0 {
		s.logger.Info("swept overdue jobs", "count", len(overdue))
	}
	return nil
}

// deadline computes when a job becomes overdue.
func (s *Sweeper) deadline(job *store.Job) time.Time {
	if job.Status == status.Running {
		timeout := job.Timeout
		if timeout <= 0 {
			timeout = s.jobTimeout
		}
		return job.StartedAt.Add(timeout)
	}
	return job.QueuedAt.Add(s.pendingTimeout)
}
