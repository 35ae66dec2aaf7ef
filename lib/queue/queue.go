// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue matches polling runners against eligible pending
// jobs.
//
// A poll authenticates the runner, records its reported capabilities,
// and scans the pending jobs of the projects the runner's scope
// covers: instance-wide runners see every project with shared runners
// enabled, group runners their namespace, project runners one
// project. A job is eligible when its required tags are a subset of
// the runner's (or it has no tags and the runner accepts untagged
// work), it has waited at least the caller's minimum job age, and its
// dependencies have resolved (orchestrator readiness rules).
//
// The claim is exclusive: the pending→running transition fires inside
// an optimistically locked transaction, so of two runners racing for
// the same job exactly one wins; the loser silently moves on to the
// next candidate. Every response carries a queue token derived from
// the runner's queue generation, which the store bumps whenever the
// runner's eligible set changes — a poll presenting an unchanged
// token long-polls server-side, bounded by a timeout, instead of
// re-scanning.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyor-ci/conveyor/lib/clock"
	"github.com/conveyor-ci/conveyor/lib/orchestrator"
	"github.com/conveyor-ci/conveyor/lib/statemachine"
	"github.com/conveyor-ci/conveyor/lib/store"
	"github.com/conveyor-ci/conveyor/lib/vcs"
)

// Default long-poll bounds.
const (
	DefaultPollTimeout  = 30 * time.Second
	DefaultPollInterval = time.Second
)

// ErrUnknownRunner reports a poll with an unregistered runner token.
var ErrUnknownRunner = errors.New("queue: unknown runner token")

// ErrRunnerPaused reports a poll from a deactivated runner.
var ErrRunnerPaused = errors.New("queue: runner is paused")

// Capabilities is what the runner reports with each poll.
type Capabilities struct {
	Platform     string
	Architecture string
	Version      string
	IP           string

	// LastQueueToken is the queue token from the runner's previous
	// poll. A matching token means nothing changed and the server
	// may long-poll instead of re-scanning.
	LastQueueToken string

	// MinJobAge filters out jobs queued more recently than this.
	// Zero means no age filter.
	MinJobAge time.Duration
}

// Config holds the matcher's collaborators.
type Config struct {
	// Store is the persistence layer. Required.
	Store *store.Store

	// Orchestrator fires the claim transition and the scheduler-
	// failure drop, so propagation and hooks stay consistent with
	// every other transition. Required.
	Orchestrator *orchestrator.Orchestrator

	// VCS supplies commit metadata for descriptors. Required.
	VCS vcs.Backend

	// Clock drives ages and long-poll waits. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger

	// PollTimeout bounds a server-side long-poll wait. Zero means
	// DefaultPollTimeout.
	PollTimeout time.Duration

	// PollInterval is the re-check cadence inside a long-poll wait.
	// Zero means DefaultPollInterval.
	PollInterval time.Duration
}

// Matcher hands pending jobs to polling runners.
type Matcher struct {
	store        *store.Store
	orch         *orchestrator.Orchestrator
	vcs          vcs.Backend
	clock        clock.Clock
	logger       *slog.Logger
	pollTimeout  time.Duration
	pollInterval time.Duration
}

// NewMatcher validates the config and returns a matcher.
func NewMatcher(cfg Config) (*Matcher, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("queue: Store is required")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("queue: Orchestrator is required")
	}
	if cfg.VCS == nil {
		return nil, fmt.Errorf("queue: VCS is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("queue: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("queue: Logger is required")
	}

	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Matcher{
		store:        cfg.Store,
		orch:         cfg.Orchestrator,
		vcs:          cfg.VCS,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		pollTimeout:  pollTimeout,
		pollInterval: pollInterval,
	}, nil
}

// Request processes one runner poll. It returns either a job
// descriptor, or a nil descriptor with the current queue token when
// nothing is eligible. An unchanged LastQueueToken waits server-side,
// bounded by the poll timeout, before giving up.
func (m *Matcher) Request(ctx context.Context, runnerToken string, caps Capabilities) (*Descriptor, string, error) {
	runner, err := m.touchRunner(ctx, runnerToken, caps)
	if err != nil {
		return nil, "", err
	}

	token := queueToken(runner)
	if caps.LastQueueToken == token {
		runner, err = m.waitForChange(ctx, runnerToken, runner.QueueGeneration)
		if err != nil {
			return nil, "", err
		}
		if fresh := queueToken(runner); fresh == token {
			// Timed out with nothing new.
			return nil, token, nil
		}
		token = queueToken(runner)
	}

	descriptor, err := m.match(ctx, runner, caps)
	if err != nil {
		return nil, "", err
	}
	return descriptor, token, nil
}

// touchRunner authenticates the poll and records the capability
// snapshot.
func (m *Matcher) touchRunner(ctx context.Context, runnerToken string, caps Capabilities) (*store.Runner, error) {
	var runner *store.Runner
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		runner, err = tx.GetRunnerByToken(runnerToken)
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknownRunner
		}
		if err != nil {
			return err
		}
		if !runner.Active {
			return ErrRunnerPaused
		}
		runner.Platform = caps.Platform
		runner.Architecture = caps.Architecture
		runner.Version = caps.Version
		runner.IP = caps.IP
		runner.ContactedAt = m.clock.Now()
		return tx.TouchRunner(runner)
	})
	if err != nil {
		return nil, err
	}
	return runner, nil
}

// waitForChange blocks until the runner's queue generation moves past
// the given one, the poll timeout elapses, or ctx is cancelled.
func (m *Matcher) waitForChange(ctx context.Context, runnerToken string, generation int64) (*store.Runner, error) {
	deadline := m.clock.After(m.pollTimeout)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return m.reloadRunner(ctx, runnerToken)
		case <-m.clock.After(m.pollInterval):
		}

		runner, err := m.reloadRunner(ctx, runnerToken)
		if err != nil {
			return nil, err
		}
		if runner.QueueGeneration != generation {
			return runner, nil
		}
	}
}

func (m *Matcher) reloadRunner(ctx context.Context, runnerToken string) (*store.Runner, error) {
	var runner *store.Runner
	err := m.store.WithTx(ctx, func(tx *store.Tx) (err error) {
		runner, err = tx.GetRunnerByToken(runnerToken)
		return err
	})
	return runner, err
}

// match scans the runner's candidate set and claims the first
// eligible job. A lost claim race moves on to the next candidate
// instead of failing the poll.
func (m *Matcher) match(ctx context.Context, runner *store.Runner, caps Capabilities) (*Descriptor, error) {
	candidates, err := m.candidates(ctx, runner, caps)
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		err := m.orch.ClaimJob(ctx, candidate.ID)
		if err != nil {
			var invalid *statemachine.InvalidTransitionError
			if errors.As(err, &invalid) ||
				errors.Is(err, orchestrator.ErrAlreadyClaimed) ||
				errors.Is(err, store.ErrStaleVersion) {
				// Another runner got there first.
				continue
			}
			return nil, err
		}

		descriptor, err := m.claim(ctx, candidate.ID, runner)
		if err != nil {
			// Infrastructure trouble while assembling the
			// descriptor. Fail the job with a scheduler
			// classification rather than leave it dangling in
			// running; the runner is told nothing is available.
			m.logger.Error("descriptor assembly failed",
				"job_id", candidate.ID, "runner_id", runner.ID, "error", err)
			if dropErr := m.orch.DropJob(ctx, candidate.ID, store.FailureScheduler); dropErr != nil {
				m.logger.Error("scheduler-failure drop failed",
					"job_id", candidate.ID, "error", dropErr)
			}
			return nil, nil
		}
		return descriptor, nil
	}
	return nil, nil
}

// candidates returns the runner's eligible pending jobs, oldest
// queued first.
func (m *Matcher) candidates(ctx context.Context, runner *store.Runner, caps Capabilities) ([]*store.Job, error) {
	now := m.clock.Now()
	var eligible []*store.Job
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		projects, err := tx.RunnerProjects(runner)
		if err != nil {
			return err
		}
		pending, err := tx.PendingJobs(projects)
		if err != nil {
			return err
		}

		siblingsByPipeline := make(map[int64][]*store.Job)
		for _, job := range pending {
			if !tagsMatch(job, runner) {
				continue
			}
			if caps.MinJobAge > 0 && now.Sub(job.QueuedAt) < caps.MinJobAge {
				continue
			}
			siblings, ok := siblingsByPipeline[job.PipelineID]
			if !ok {
				siblings, err = tx.PipelineJobs(job.PipelineID)
				if err != nil {
					return err
				}
				siblingsByPipeline[job.PipelineID] = siblings
			}
			if orchestrator.JobReadiness(job, siblings) != orchestrator.Ready {
				continue
			}
			eligible = append(eligible, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return eligible, nil
}

// tagsMatch applies the tag compatibility rule: the job's required
// tags must be a subset of the runner's, and a tagless job needs a
// runner that accepts untagged work.
func tagsMatch(job *store.Job, runner *store.Runner) bool {
	if len(job.Tags) == 0 {
		return runner.RunUntagged
	}
	have := make(map[string]bool, len(runner.Tags))
	for _, tag := range runner.Tags {
		have[tag] = true
	}
	for _, required := range job.Tags {
		if !have[required] {
			return false
		}
	}
	return true
}

// queueToken encodes the runner's queue generation opaquely.
func queueToken(runner *store.Runner) string {
	return fmt.Sprintf("%x:%x", runner.ID, runner.QueueGeneration)
}
