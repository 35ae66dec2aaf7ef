// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/conveyor-ci/conveyor/lib/hooks"
	"github.com/conveyor-ci/conveyor/lib/statemachine"
	"github.com/conveyor-ci/conveyor/lib/status"
	"github.com/conveyor-ci/conveyor/lib/store"
)

// Task names the orchestrator hands to the async dispatcher.
const (
	TaskJobChanged      = "job.status_changed"
	TaskPipelineChanged = "pipeline.status_changed"
	TaskPipelineDone    = "pipeline.finished"
	TaskParentNotify    = "pipeline.parent_notify"
	TaskRefStatus       = "ref.status_updated"
)

// ErrForbidden reports a status update against a job that can no
// longer accept one: erased, or already in a terminal state and asked
// to move somewhere else.
var ErrForbidden = errors.New("orchestrator: job no longer accepts updates")

// Config holds the orchestrator's collaborators.
type Config struct {
	// Store is the persistence layer. Required.
	Store *store.Store

	// Dispatcher receives after-commit side effects. Required.
	Dispatcher hooks.Dispatcher

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Orchestrator coordinates transitions across jobs and pipelines.
type Orchestrator struct {
	store      *store.Store
	dispatcher hooks.Dispatcher
	logger     *slog.Logger
}

// New validates the config and returns an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("orchestrator: Store is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("orchestrator: Dispatcher is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("orchestrator: Logger is required")
	}
	return &Orchestrator{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
	}, nil
}

// CreatePipeline persists a pipeline with its job graph, enqueues the
// jobs that are immediately ready, and — when project policy allows —
// auto-cancels superseded pipelines on the same ref.
func (o *Orchestrator) CreatePipeline(ctx context.Context, pipeline *store.Pipeline, jobs []*store.Job) error {
	var buf hooks.Buffer
	err := o.store.RetryOptimistic(ctx, func(tx *store.Tx) error {
		buf.Discard()
		if err := tx.CreatePipeline(pipeline, jobs); err != nil {
			return err
		}
		project, err := tx.GetProject(pipeline.ProjectID)
		if err != nil {
			return err
		}
		enqueued, err := o.advance(tx, &buf, project, pipeline)
		if err != nil {
			return err
		}
		// The pipeline row follows its graph out of created: through
		// the state machine when the first stage enqueued, through the
		// composite when nothing was runnable (whole graph skipped).
		if enqueued {
			if _, err := tx.TransitionPipeline(pipeline, statemachine.Enqueue, store.TransitionOpts{}); err != nil {
				return err
			}
			if err := buf.Add(TaskPipelineChanged, pipelineChange{
				PipelineID: pipeline.ID, Status: string(pipeline.Status),
			}); err != nil {
				return err
			}
		} else if err := o.recompute(tx, &buf, project, pipeline); err != nil {
			return err
		}
		if project.AutoCancelPending {
			if err := o.autoCancelSuperseded(tx, &buf, project, pipeline); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		buf.Discard()
		return err
	}
	buf.Flush(ctx, o.dispatcher, o.logger)
	return nil
}

// ProcessJobEvent fires one event against a job and propagates the
// consequences: queue-token bumps, newly ready jobs in later stages,
// the pipeline's recomputed composite status, and deferred hooks. The
// whole unit retries on optimistic-lock conflicts; hooks fire only
// after the final attempt commits.
func (o *Orchestrator) ProcessJobEvent(ctx context.Context, jobID int64, event statemachine.Event, opts store.TransitionOpts) error {
	var buf hooks.Buffer
	err := o.store.RetryOptimistic(ctx, func(tx *store.Tx) error {
		buf.Discard()
		job, err := tx.GetJob(jobID)
		if err != nil {
			return err
		}
		result, err := tx.TransitionJob(job, event, opts)
		if err != nil {
			return err
		}
		if result.Loopback {
			return nil
		}
		return o.afterJobTransition(tx, &buf, job, result)
	})
	if err != nil {
		buf.Discard()
		return err
	}
	buf.Flush(ctx, o.dispatcher, o.logger)
	return nil
}

// ErrAlreadyClaimed reports a claim against a job another runner
// already took. For the Run event a loopback would silently pass, so
// the claim path checks for it explicitly.
var ErrAlreadyClaimed = errors.New("orchestrator: job already claimed")

// ClaimJob fires the queue matcher's exclusive pending→running
// transition. Unlike ProcessJobEvent it treats a loopback as
// ErrAlreadyClaimed: two racing runners must never both believe they
// won the same job.
func (o *Orchestrator) ClaimJob(ctx context.Context, jobID int64) error {
	var buf hooks.Buffer
	err := o.store.RetryOptimistic(ctx, func(tx *store.Tx) error {
		buf.Discard()
		job, err := tx.GetJob(jobID)
		if err != nil {
			return err
		}
		result, err := tx.TransitionJob(job, statemachine.Run, store.TransitionOpts{})
		if err != nil {
			return err
		}
		if result.Loopback {
			return ErrAlreadyClaimed
		}
		return o.afterJobTransition(tx, &buf, job, result)
	})
	if err != nil {
		buf.Discard()
		return err
	}
	buf.Flush(ctx, o.dispatcher, o.logger)
	return nil
}

// UpdateJobStatus applies a runner-reported status to the job owning
// the token. The raw status maps to an event through the state
// machine's guards; "created" is a no-op. Erased jobs, and terminal
// jobs asked to change state, return ErrForbidden.
func (o *Orchestrator) UpdateJobStatus(ctx context.Context, token, rawStatus string, reason store.FailureReason) error {
	event, ok, err := statemachine.EventForStatus(rawStatus)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	var jobID int64
	err = o.store.WithTx(ctx, func(tx *store.Tx) error {
		job, err := tx.GetJobByToken(token)
		if err != nil {
			return err
		}
		if job.Erased {
			return ErrForbidden
		}
		jobID = job.ID
		return nil
	})
	if err != nil {
		return err
	}

	err = o.ProcessJobEvent(ctx, jobID, event, store.TransitionOpts{FailureReason: reason})
	var invalid *statemachine.InvalidTransitionError
	if errors.As(err, &invalid) && invalid.From.Terminal() {
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	return err
}

// DropJob forces a job into failed with the given classification.
// Used when automated flows hit infrastructure errors and must not
// leave the job in limbo.
func (o *Orchestrator) DropJob(ctx context.Context, jobID int64, reason store.FailureReason) error {
	o.logger.Warn("dropping job", "job_id", jobID, "reason", string(reason))
	return o.ProcessJobEvent(ctx, jobID, statemachine.Drop, store.TransitionOpts{FailureReason: reason})
}

// CancelPipeline cancels a pipeline: every still-cancelable job is
// canceled with the triggering actor recorded, child pipelines are
// canceled the same way, and the composite status is recomputed.
func (o *Orchestrator) CancelPipeline(ctx context.Context, pipelineID int64, actor string) error {
	var buf hooks.Buffer
	err := o.store.RetryOptimistic(ctx, func(tx *store.Tx) error {
		buf.Discard()
		pipeline, err := tx.GetPipeline(pipelineID)
		if err != nil {
			return err
		}
		project, err := tx.GetProject(pipeline.ProjectID)
		if err != nil {
			return err
		}
		return o.cancelCascade(tx, &buf, project, pipeline, actor, false)
	})
	if err != nil {
		buf.Discard()
		return err
	}
	buf.Flush(ctx, o.dispatcher, o.logger)
	return nil
}

// cancelCascade cancels a pipeline's cancelable jobs in place. When
// interruptibleOnly is set (the auto-cancel path) running jobs are
// only canceled if they opted in via interruptible; direct user
// cancels take running jobs down unconditionally.
func (o *Orchestrator) cancelCascade(tx *store.Tx, buf *hooks.Buffer, project *store.Project, pipeline *store.Pipeline, actor string, interruptibleOnly bool) error {
	jobs, err := tx.PipelineJobs(pipeline.ID)
	if err != nil {
		return err
	}

	touchedQueue := false
	for _, job := range jobs {
		if !job.Status.Cancelable() {
			continue
		}
		if interruptibleOnly && job.Status == status.Running && !job.Interruptible {
			continue
		}
		if job.Status == status.Pending {
			touchedQueue = true
		}
		result, err := tx.TransitionJob(job, statemachine.Cancel, store.TransitionOpts{Actor: actor})
		if err != nil {
			return err
		}
		if result.Loopback {
			continue
		}
		// Every canceled job announces its change like any other
		// transition — trace finalization rides this hook.
		if err := buf.Add(TaskJobChanged, jobChange{
			JobID: job.ID, From: string(result.From), To: string(result.To),
			FailureReason: string(job.FailureReason),
		}); err != nil {
			return err
		}
	}
	if touchedQueue {
		if err := tx.BumpQueueGenerations(project); err != nil {
			return err
		}
	}

	for _, child := range o.childPipelines(tx, pipeline.ID) {
		if err := o.cancelCascade(tx, buf, project, child, actor, interruptibleOnly); err != nil {
			return err
		}
	}

	return o.recompute(tx, buf, project, pipeline)
}

func (o *Orchestrator) childPipelines(tx *store.Tx, parentID int64) []*store.Pipeline {
	children, err := tx.ChildPipelines(parentID)
	if err != nil {
		o.logger.Error("loading child pipelines", "pipeline_id", parentID, "error", err)
		return nil
	}
	return children
}

// autoCancelSuperseded cancels older still-active pipelines on the
// new pipeline's ref. Running jobs survive unless marked
// interruptible.
func (o *Orchestrator) autoCancelSuperseded(tx *store.Tx, buf *hooks.Buffer, project *store.Project, newest *store.Pipeline) error {
	superseded, err := tx.ActivePipelinesBefore(project.ID, newest.Ref, newest.ID)
	if err != nil {
		return err
	}
	actor := fmt.Sprintf("auto-cancel:pipeline/%d", newest.ID)
	for _, old := range superseded {
		if err := o.cancelCascade(tx, buf, project, old, actor, true); err != nil {
			return err
		}
	}
	return nil
}

// afterJobTransition propagates one real (non-loopback) job status
// change: queue tokens, newly ready later-stage jobs, and the
// pipeline composite.
func (o *Orchestrator) afterJobTransition(tx *store.Tx, buf *hooks.Buffer, job *store.Job, result statemachine.Result) error {
	project, err := tx.GetProject(job.ProjectID)
	if err != nil {
		return err
	}

	// The eligible job set changed whenever a job entered or left
	// pending; long-pollers see it through their queue token.
	if result.From == status.Pending || result.To == status.Pending {
		if err := tx.BumpQueueGenerations(project); err != nil {
			return err
		}
	}

	if err := buf.Add(TaskJobChanged, jobChange{
		JobID: job.ID, From: string(result.From), To: string(result.To),
		FailureReason: string(job.FailureReason),
	}); err != nil {
		return err
	}

	pipeline, err := tx.GetPipeline(job.PipelineID)
	if err != nil {
		return err
	}

	// Jobs leaving the graph's active set may unblock later stages.
	if result.To.TerminalOrSkipped() {
		if _, err := o.advance(tx, buf, project, pipeline); err != nil {
			return err
		}
	}

	return o.recompute(tx, buf, project, pipeline)
}

// advance enqueues created jobs whose dependencies have resolved in
// their favor and skips the ones whose dependencies resolved against
// them. Skipping can unblock further jobs, so the pass loops until a
// full sweep changes nothing. Reports whether any job entered pending.
func (o *Orchestrator) advance(tx *store.Tx, buf *hooks.Buffer, project *store.Project, pipeline *store.Pipeline) (bool, error) {
	enqueued := false
	for {
		jobs, err := tx.PipelineJobs(pipeline.ID)
		if err != nil {
			return false, err
		}
		changed := false
		for _, job := range jobs {
			if job.Status != status.Created {
				continue
			}
			switch JobReadiness(job, jobs) {
			case Ready:
				if _, err := tx.TransitionJob(job, statemachine.Enqueue, store.TransitionOpts{}); err != nil {
					return false, err
				}
				changed = true
				enqueued = true
			case Dead:
				if _, err := tx.TransitionJob(job, statemachine.Skip, store.TransitionOpts{}); err != nil {
					return false, err
				}
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	if enqueued {
		return true, tx.BumpQueueGenerations(project)
	}
	return false, nil
}

// recompute derives the pipeline's status bottom-up: jobs aggregate
// into stages, stages into the pipeline. On entry to a terminal
// status it unlocks artifacts, pokes the parent pipeline, and updates
// the per-ref record for success/failure.
func (o *Orchestrator) recompute(tx *store.Tx, buf *hooks.Buffer, project *store.Project, pipeline *store.Pipeline) error {
	jobs, err := tx.PipelineJobs(pipeline.ID)
	if err != nil {
		return err
	}
	computed := compositeOfJobs(jobs)
	if computed == pipeline.Status {
		return nil
	}

	wasTerminal := pipeline.Status.Terminal()
	if err := tx.SetPipelineStatusComputed(pipeline, computed); err != nil {
		return err
	}
	if err := buf.Add(TaskPipelineChanged, pipelineChange{
		PipelineID: pipeline.ID, Status: string(computed),
	}); err != nil {
		return err
	}

	if !computed.Terminal() || wasTerminal {
		return nil
	}
	return o.onPipelineFinished(tx, buf, project, pipeline)
}

func (o *Orchestrator) onPipelineFinished(tx *store.Tx, buf *hooks.Buffer, project *store.Project, pipeline *store.Pipeline) error {
	if err := buf.Add(TaskPipelineDone, pipelineChange{
		PipelineID: pipeline.ID, Status: string(pipeline.Status),
	}); err != nil {
		return err
	}

	// This pipeline's artifacts stop being the ref's live set; older
	// locked pipelines on the ref are released too.
	if err := tx.UnlockArtifacts(pipeline.ID); err != nil {
		return err
	}
	if pipeline.Locked {
		if err := tx.SetPipelineLocked(pipeline.ID, false); err != nil {
			return err
		}
	}
	older, err := tx.LockedPipelinesOnRef(project.ID, pipeline.Ref, pipeline.ID)
	if err != nil {
		return err
	}
	for _, old := range older {
		if err := tx.UnlockArtifacts(old.ID); err != nil {
			return err
		}
		if err := tx.SetPipelineLocked(old.ID, false); err != nil {
			return err
		}
	}

	if pipeline.ParentID != 0 {
		if err := buf.Add(TaskParentNotify, parentNotify{
			ParentID: pipeline.ParentID, ChildID: pipeline.ID,
			Status: string(pipeline.Status),
		}); err != nil {
			return err
		}
	}

	// Badges read a denormalized record maintained only on
	// success/failure; canceled and skipped leave it alone.
	if pipeline.Status == status.Success || pipeline.Status == status.Failed {
		record := store.RefStatus{
			ProjectID:  project.ID,
			Ref:        pipeline.Ref,
			Status:     pipeline.Status,
			PipelineID: pipeline.ID,
			UpdatedAt:  o.store.Clock().Now(),
		}
		if err := tx.UpsertRefStatus(record); err != nil {
			return err
		}
		if err := buf.Add(TaskRefStatus, refStatusChange{
			ProjectID: project.ID, Ref: pipeline.Ref,
			Status: string(pipeline.Status),
		}); err != nil {
			return err
		}
	}
	return nil
}

// Hook payload shapes. CBOR-encoded by lib/hooks.
type jobChange struct {
	JobID         int64  `cbor:"job_id"`
	From          string `cbor:"from"`
	To            string `cbor:"to"`
	FailureReason string `cbor:"failure_reason,omitempty"`
}

type pipelineChange struct {
	PipelineID int64  `cbor:"pipeline_id"`
	Status     string `cbor:"status"`
}

type parentNotify struct {
	ParentID int64  `cbor:"parent_id"`
	ChildID  int64  `cbor:"child_id"`
	Status   string `cbor:"status"`
}

type refStatusChange struct {
	ProjectID int64  `cbor:"project_id"`
	Ref       string `cbor:"ref"`
	Status    string `cbor:"status"`
}
