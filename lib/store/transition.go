// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/conveyor-ci/conveyor/lib/statemachine"
	"github.com/conveyor-ci/conveyor/lib/status"
)

// TransitionOpts carries the event payload: a failure reason for
// Drop, an actor for Cancel.
type TransitionOpts struct {
	FailureReason FailureReason
	Actor         string
}

// TransitionJob fires event against the job's current status and
// persists the outcome under the job's version. The passed entity is
// updated in place on success.
//
// Timestamps: queued_at on entry to pending, started_at on first
// entry to running, finished_at and duration on entry to a terminal
// status. Loopbacks write nothing — the entity keeps its stamps and
// its version.
//
// A version conflict (the row changed since the entity was loaded)
// returns ErrStaleVersion without mutating the entity.
func (tx *Tx) TransitionJob(job *Job, event statemachine.Event, opts TransitionOpts) (statemachine.Result, error) {
	result, err := tx.store.jobMachine.Fire(job.Status, event)
	if err != nil {
		return statemachine.Result{}, err
	}
	if result.Loopback {
		return result, nil
	}

	now := tx.store.clock.Now()
	updated := *job
	updated.Status = result.To
	if result.To == status.Pending && updated.QueuedAt.IsZero() {
		updated.QueuedAt = now
	}
	if result.Started() {
		updated.StartedAt = now
	}
	if result.Finished() {
		updated.FinishedAt = now
		if !updated.StartedAt.IsZero() {
			updated.Duration = updated.FinishedAt.Sub(updated.StartedAt)
		}
	}
	if opts.FailureReason != "" {
		updated.FailureReason = opts.FailureReason
	}
	if event == statemachine.Cancel && opts.Actor != "" {
		updated.CanceledBy = opts.Actor
	}

	err = sqlitex.Execute(tx.conn, `
		UPDATE jobs SET status = ?, failure_reason = ?, canceled_by = ?,
			queued_at = ?, started_at = ?, finished_at = ?,
			duration_nanos = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		&sqlitex.ExecOptions{Args: []any{
			string(updated.Status), string(updated.FailureReason),
			updated.CanceledBy, nanos(updated.QueuedAt),
			nanos(updated.StartedAt), nanos(updated.FinishedAt),
			int64(updated.Duration), job.ID, job.Version,
		}})
	if err != nil {
		return statemachine.Result{}, fmt.Errorf("store: transition job %d: %w", job.ID, err)
	}
	if tx.conn.Changes() == 0 {
		return statemachine.Result{}, fmt.Errorf("store: job %d version %d: %w", job.ID, job.Version, ErrStaleVersion)
	}

	updated.Version = job.Version + 1
	*job = updated
	return result, nil
}

// TransitionPipeline is TransitionJob for pipeline rows.
func (tx *Tx) TransitionPipeline(pipeline *Pipeline, event statemachine.Event, opts TransitionOpts) (statemachine.Result, error) {
	result, err := tx.store.pipelineMachine.Fire(pipeline.Status, event)
	if err != nil {
		return statemachine.Result{}, err
	}
	if result.Loopback {
		return result, nil
	}

	now := tx.store.clock.Now()
	updated := *pipeline
	updated.Status = result.To
	if result.Started() {
		updated.StartedAt = now
	}
	if result.Finished() {
		updated.FinishedAt = now
		if !updated.StartedAt.IsZero() {
			updated.Duration = updated.FinishedAt.Sub(updated.StartedAt)
		}
	}
	if opts.FailureReason != "" {
		updated.FailureReason = opts.FailureReason
	}

	err = sqlitex.Execute(tx.conn, `
		UPDATE pipelines SET status = ?, failure_reason = ?,
			started_at = ?, finished_at = ?, duration_nanos = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		&sqlitex.ExecOptions{Args: []any{
			string(updated.Status), string(updated.FailureReason),
			nanos(updated.StartedAt), nanos(updated.FinishedAt),
			int64(updated.Duration), pipeline.ID, pipeline.Version,
		}})
	if err != nil {
		return statemachine.Result{}, fmt.Errorf("store: transition pipeline %d: %w", pipeline.ID, err)
	}
	if tx.conn.Changes() == 0 {
		return statemachine.Result{}, fmt.Errorf("store: pipeline %d version %d: %w", pipeline.ID, pipeline.Version, ErrStaleVersion)
	}

	updated.Version = pipeline.Version + 1
	*pipeline = updated
	return result, nil
}

// SetPipelineStatusComputed writes a recomputed composite status onto
// a pipeline row without going through an event. Only the
// orchestrator's bottom-up recompute uses this, and only for statuses
// the aggregator can produce; the version guard still applies so a
// concurrent event transition wins over a stale recompute.
func (tx *Tx) SetPipelineStatusComputed(pipeline *Pipeline, computed status.Status) error {
	if pipeline.Status == computed {
		return nil
	}

	now := tx.store.clock.Now()
	updated := *pipeline
	updated.Status = computed
	if computed == status.Running && pipeline.StartedAt.IsZero() {
		updated.StartedAt = now
	}
	if computed.Terminal() && pipeline.FinishedAt.IsZero() {
		updated.FinishedAt = now
		if !updated.StartedAt.IsZero() {
			updated.Duration = updated.FinishedAt.Sub(updated.StartedAt)
		}
	}

	err := sqlitex.Execute(tx.conn, `
		UPDATE pipelines SET status = ?, started_at = ?,
			finished_at = ?, duration_nanos = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		&sqlitex.ExecOptions{Args: []any{
			string(updated.Status), nanos(updated.StartedAt),
			nanos(updated.FinishedAt), int64(updated.Duration),
			pipeline.ID, pipeline.Version,
		}})
	if err != nil {
		return fmt.Errorf("store: set pipeline %d status: %w", pipeline.ID, err)
	}
	if tx.conn.Changes() == 0 {
		return fmt.Errorf("store: pipeline %d version %d: %w", pipeline.ID, pipeline.Version, ErrStaleVersion)
	}

	updated.Version = pipeline.Version + 1
	*pipeline = updated
	return nil
}
