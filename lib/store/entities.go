// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"time"

	"github.com/conveyor-ci/conveyor/lib/status"
)

// FailureReason classifies why a job or pipeline failed. Stored as
// text; values are protocol constants visible to API callers.
type FailureReason string

const (
	// FailureNone is the empty reason for non-failed entities.
	FailureNone FailureReason = ""

	// FailureScript means the job's own commands exited non-zero.
	FailureScript FailureReason = "script_failure"

	// FailureRunnerSystem means the runner reported an environment
	// problem rather than a script failure.
	FailureRunnerSystem FailureReason = "runner_system_failure"

	// FailureScheduler means the server could not hand the job to a
	// runner — typically descriptor assembly hit an infrastructure
	// error (VCS backend unreachable). The job is dropped rather
	// than left pending forever.
	FailureScheduler FailureReason = "scheduler_failure"

	// FailureSystem means an internal invariant broke (optimistic
	// lock retries exhausted inside an automated flow). Distinct
	// from scheduler failure for operator triage.
	FailureSystem FailureReason = "system_failure"

	// FailureStuckOrTimeout means the job exceeded its timeout or
	// sat unclaimed past the stuck threshold.
	FailureStuckOrTimeout FailureReason = "stuck_or_timeout_failure"
)

// Project is the owner of pipelines and scoped runners.
type Project struct {
	ID        int64
	Namespace string
	Name      string

	// SharedRunnersEnabled exposes this project's pending jobs to
	// instance-wide runners.
	SharedRunnersEnabled bool

	// AutoCancelPending enables cancellation of superseded pipelines
	// on the same ref when a newer one starts.
	AutoCancelPending bool

	// Plan names the project's plan for the artifact size-limit
	// hierarchy (lib/artifact). Empty means the application default.
	Plan string

	// ArtifactSizeLimit overrides the namespace/application artifact
	// size limit when non-zero. Most specific wins.
	ArtifactSizeLimit int64
}

// PipelineSource records what created a pipeline.
type PipelineSource string

const (
	SourcePush     PipelineSource = "push"
	SourceSchedule PipelineSource = "schedule"
	SourceAPI      PipelineSource = "api"
	SourceParent   PipelineSource = "parent_pipeline"
)

// Pipeline is one execution of a job graph for a project/ref.
type Pipeline struct {
	ID        int64
	ProjectID int64

	// IID is the per-project sequence number, assigned at creation.
	IID int64

	Ref       string
	SHA       string
	BeforeSHA string
	SourceSHA string

	Source PipelineSource
	Status status.Status

	// Locked marks the pipeline's artifacts as retained. Cleared by
	// the orchestrator when a newer pipeline on the ref finishes.
	Locked bool

	// Protected records whether Ref was protected at creation time.
	Protected bool

	FailureReason FailureReason

	// ParentID links a child pipeline to the bridge-created parent.
	// Zero for top-level pipelines.
	ParentID int64

	CreatedAt  time.Time
	StartedAt  time.Time // zero until first entry to running
	FinishedAt time.Time // zero until terminal

	// Duration is FinishedAt − StartedAt, stamped on completion.
	// Zero when the pipeline never started.
	Duration time.Duration

	// Version is the optimistic-locking counter.
	Version int64
}

// Job is a single schedulable unit of work.
type Job struct {
	ID         int64
	PipelineID int64
	ProjectID  int64

	Name string

	// Stage and StageIdx place the job in its pipeline's ordering.
	Stage    string
	StageIdx int

	Status status.Status

	// AllowFailure masks this job's failure in composite statuses.
	AllowFailure bool

	// Tags are the runner capabilities this job requires.
	Tags []string

	// Script is the ordered command list from the upstream job graph,
	// handed to the runner verbatim in the job descriptor.
	Script []string

	// Timeout overrides the runner's default job timeout when
	// non-zero.
	Timeout time.Duration

	// Dependencies is the explicit dependency allow-list. Nil means
	// "implicit: every job in earlier stages". Empty-but-non-nil
	// means "no dependencies at all" — the two are distinct and the
	// distinction is preserved through storage.
	Dependencies []string

	// Token authenticates the runner's job-scoped calls (status
	// update, trace append, artifact upload).
	Token string

	// RunnerID is the claiming runner, zero until matched.
	RunnerID int64

	// Interruptible marks the job safe to auto-cancel while running.
	Interruptible bool

	// Erased means logs and artifacts were purged; all trace and
	// artifact operations are forbidden.
	Erased bool

	FailureReason FailureReason

	// CanceledBy records the actor of a cancel, letting cascades be
	// told apart from direct user cancels.
	CanceledBy string

	QueuedAt   time.Time // stamped on enqueue
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration

	Version int64
}

// RunnerScope restricts which projects a runner may serve.
type RunnerScope string

const (
	// ScopeInstance runners serve every project with shared runners
	// enabled.
	ScopeInstance RunnerScope = "instance"
	// ScopeGroup runners serve projects in one namespace.
	ScopeGroup RunnerScope = "group"
	// ScopeProject runners serve a single project.
	ScopeProject RunnerScope = "project"
)

// Runner is a registered agent that polls for jobs.
type Runner struct {
	ID    int64
	Token string

	Scope RunnerScope

	// Namespace is set for group-scoped runners.
	Namespace string
	// ProjectID is set for project-scoped runners.
	ProjectID int64

	Active      bool
	Tags        []string
	RunUntagged bool

	// Capability snapshot from the last poll.
	Platform     string
	Architecture string
	Version      string
	IP           string

	ContactedAt time.Time

	// QueueGeneration backs the long-poll queue token: bumped
	// whenever this runner's eligible job set changes.
	QueueGeneration int64
}

// Artifact is one uploaded artifact slot on a job.
type Artifact struct {
	ID       int64
	JobID    int64
	FileType string // archive, junit, dotenv, metrics, ...
	Format   string // zip, gzip, raw
	Hash     string // BLAKE3 hex of the content
	Size     int64
	BlobKey  string
	Locked   bool
}

// Schedule is a recurring pipeline trigger: a cron expression plus
// the job graph to instantiate against the ref's current head.
type Schedule struct {
	ID        int64
	ProjectID int64
	Ref       string

	// Cron is the 5-field UTC cron expression (lib/cron syntax).
	Cron string

	Active bool

	// Definition is the serialized job graph the scheduler
	// instantiates on each run.
	Definition []byte

	// NextRunAt is the precomputed next due time. The scheduler scans
	// on it and advances it after each run.
	NextRunAt time.Time
}

// RefStatus is the denormalized latest-status record per (project,
// ref), maintained only on success/failure transitions so status
// badges never scan the pipelines table.
type RefStatus struct {
	ProjectID  int64
	Ref        string
	Status     status.Status
	PipelineID int64
	UpdatedAt  time.Time
}
