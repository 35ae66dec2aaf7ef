// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package schedule runs recurring pipelines from cron expressions.
//
// A schedule binds a project/ref to a 5-field UTC cron expression
// (lib/cron syntax) and a serialized job graph. The scheduler scans
// for due schedules on a fixed cadence; each due schedule resolves
// the ref's current head commit and creates a pipeline with source
// "schedule". A schedule whose ref has vanished, or whose definition
// no longer parses, is skipped with a logged error and its next run
// advanced — one broken schedule must not wedge the scan.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyor-ci/conveyor/lib/clock"
	"github.com/conveyor-ci/conveyor/lib/cron"
	"github.com/conveyor-ci/conveyor/lib/orchestrator"
	"github.com/conveyor-ci/conveyor/lib/store"
	"github.com/conveyor-ci/conveyor/lib/vcs"
)

// DefaultScanInterval is how often the scheduler looks for due
// schedules. Cron resolution is one minute, so scanning faster buys
// nothing.
const DefaultScanInterval = time.Minute

// JobDef is one job in a schedule's serialized graph.
type JobDef struct {
	Name          string   `json:"name"`
	Stage         string   `json:"stage"`
	StageIdx      int      `json:"stage_idx"`
	Script        []string `json:"script"`
	Tags          []string `json:"tags,omitempty"`
	AllowFailure  bool     `json:"allow_failure"`
	Interruptible bool     `json:"interruptible"`
	Dependencies  []string `json:"dependencies,omitempty"`

	TimeoutSeconds int64 `json:"timeout_seconds,omitempty"`
}

// Definition serializes a job graph for storage on a schedule.
func Definition(jobs []JobDef) ([]byte, error) {
	if len(jobs) == 0 {
		return nil, fmt.Errorf("schedule: definition needs at least one job")
	}
	return json.Marshal(jobs)
}

// Config holds the scheduler's collaborators.
type Config struct {
	// Store is the persistence layer. Required.
	Store *store.Store

	// Orchestrator creates the pipelines. Required.
	Orchestrator *orchestrator.Orchestrator

	// VCS resolves ref heads. Required.
	VCS vcs.Backend

	// Clock drives the scan cadence. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger

	// Interval between scans. Zero means DefaultScanInterval.
	Interval time.Duration
}

// Scheduler turns due schedules into pipelines.
type Scheduler struct {
	store    *store.Store
	orch     *orchestrator.Orchestrator
	vcs      vcs.Backend
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
}

// New validates the config and returns a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("schedule: Store is required")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("schedule: Orchestrator is required")
	}
	if cfg.VCS == nil {
		return nil, fmt.Errorf("schedule: VCS is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("schedule: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("schedule: Logger is required")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &Scheduler{
		store:    cfg.Store,
		orch:     cfg.Orchestrator,
		vcs:      cfg.VCS,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		interval: interval,
	}, nil
}

// Create validates and persists a new schedule, stamping its first
// due time from the cron expression.
func (s *Scheduler) Create(ctx context.Context, schedule *store.Schedule) error {
	parsed, err := cron.Parse(schedule.Cron)
	if err != nil {
		return err
	}
	var defs []JobDef
	if err := json.Unmarshal(schedule.Definition, &defs); err != nil {
		return fmt.Errorf("schedule: parsing definition: %w", err)
	}
	if len(defs) == 0 {
		return fmt.Errorf("schedule: definition needs at least one job")
	}

	next, err := parsed.Next(s.clock.Now())
	if err != nil {
		return err
	}
	schedule.NextRunAt = next
	return s.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateSchedule(schedule)
	})
}

// Run scans on the configured interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.interval):
		}
		if err := s.Tick(ctx); err != nil {
			s.logger.Error("schedule scan failed", "error", err)
		}
	}
}

// Tick runs one scan: every due schedule fires once and has its next
// due time advanced past now, even when the run itself fails.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clock.Now()

	var due []*store.Schedule
	err := s.store.WithTx(ctx, func(tx *store.Tx) (err error) {
		due, err = tx.DueSchedules(now)
		return err
	})
	if err != nil {
		return err
	}

	for _, schedule := range due {
		if err := s.fire(ctx, schedule); err != nil {
			s.logger.Error("schedule run failed",
				"schedule_id", schedule.ID,
				"project_id", schedule.ProjectID,
				"ref", schedule.Ref,
				"error", err,
			)
		}
		if err := s.advance(ctx, schedule, now); err != nil {
			return err
		}
	}
	return nil
}

// fire creates one pipeline from a due schedule.
func (s *Scheduler) fire(ctx context.Context, schedule *store.Schedule) error {
	head, err := s.vcs.RefHead(ctx, schedule.ProjectID, schedule.Ref)
	if err != nil {
		return fmt.Errorf("resolving head of %s: %w", schedule.Ref, err)
	}

	var defs []JobDef
	if err := json.Unmarshal(schedule.Definition, &defs); err != nil {
		return fmt.Errorf("parsing definition: %w", err)
	}

	pipeline := &store.Pipeline{
		ProjectID: schedule.ProjectID,
		Ref:       schedule.Ref,
		SHA:       head,
		Source:    store.SourceSchedule,
	}
	jobs := make([]*store.Job, len(defs))
	for i, def := range defs {
		jobs[i] = &store.Job{
			Name:          def.Name,
			Stage:         def.Stage,
			StageIdx:      def.StageIdx,
			Script:        def.Script,
			Tags:          def.Tags,
			AllowFailure:  def.AllowFailure,
			Interruptible: def.Interruptible,
			Dependencies:  def.Dependencies,
			Timeout:       time.Duration(def.TimeoutSeconds) * time.Second,
		}
	}
	if err := s.orch.CreatePipeline(ctx, pipeline, jobs); err != nil {
		return err
	}
	s.logger.Info("scheduled pipeline created",
		"schedule_id", schedule.ID,
		"pipeline_id", pipeline.ID,
		"ref", schedule.Ref,
		"sha", head,
	)
	return nil
}

// advance moves a schedule's next due time past now. A cron
// expression that stopped parsing (schema drift) deactivates the
// schedule instead of burning every future scan.
func (s *Scheduler) advance(ctx context.Context, schedule *store.Schedule, now time.Time) error {
	parsed, err := cron.Parse(schedule.Cron)
	if err != nil {
		s.logger.Error("deactivating schedule with invalid cron",
			"schedule_id", schedule.ID, "cron", schedule.Cron, "error", err)
		return s.store.WithTx(ctx, func(tx *store.Tx) error {
			return tx.SetScheduleActive(schedule.ID, false)
		})
	}
	next, err := parsed.Next(now)
	if err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.SetScheduleNextRun(schedule.ID, next)
	})
}
