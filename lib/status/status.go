// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package status

import "fmt"

// Status is the lifecycle state of a pipeline, stage, or job. The
// value set is fixed — see the constants below. Statuses are stored
// as text in the database and on the wire, so the constant values are
// protocol constants.
type Status string

const (
	// Created is the initial status of every entity. A created job
	// is not yet visible to runners; it becomes pending when its
	// stage is reached.
	Created Status = "created"

	// WaitingForResource means the job is held until a shared
	// resource (declared via resource_group) frees up.
	WaitingForResource Status = "waiting_for_resource"

	// Preparing means pre-run provisioning is in progress (for
	// example an environment is being started for the job).
	Preparing Status = "preparing"

	// Pending means the job is eligible for runner pickup and is
	// sitting in the queue.
	Pending Status = "pending"

	// Running means a runner has claimed the job, or at least one
	// child of a composite entity is in flight.
	Running Status = "running"

	// Success, Failed, and Canceled are the terminal statuses.
	Success  Status = "success"
	Failed   Status = "failed"
	Canceled Status = "canceled"

	// Skipped means the entity was never run: its stage was skipped,
	// its when-condition excluded it, or its dependencies failed.
	// Terminal for jobs; for pipelines it behaves like a terminal
	// status in ordering decisions but fires no completion hooks.
	Skipped Status = "skipped"

	// Manual means the job waits for an explicit play action.
	Manual Status = "manual"

	// Scheduled means the job waits for a delayed-start timer.
	Scheduled Status = "scheduled"
)

// All lists every valid status. Ordering is not significant; use
// Composite for priority decisions.
var All = []Status{
	Created, WaitingForResource, Preparing, Pending, Running,
	Success, Failed, Canceled, Skipped, Manual, Scheduled,
}

var valid = func() map[Status]bool {
	m := make(map[Status]bool, len(All))
	for _, s := range All {
		m[s] = true
	}
	return m
}()

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool { return valid[s] }

// Terminal reports whether s is a completed status for a pipeline:
// success, failed, or canceled. finished_at is set exactly when an
// entity enters a terminal status.
func (s Status) Terminal() bool {
	return s == Success || s == Failed || s == Canceled
}

// TerminalOrSkipped reports whether s is completed from a scheduling
// perspective. Stage gating uses this: a stage is done when every job
// in it is terminal or skipped.
func (s Status) TerminalOrSkipped() bool {
	return s.Terminal() || s == Skipped
}

// Active reports whether s represents in-flight work: the entity has
// started (or is queued to start) and has not completed.
func (s Status) Active() bool {
	switch s {
	case WaitingForResource, Preparing, Pending, Running:
		return true
	}
	return false
}

// Cancelable reports whether a cancel event is meaningful from s.
// Terminal and skipped entities are left untouched by cancellation
// cascades.
func (s Status) Cancelable() bool {
	switch s {
	case Created, WaitingForResource, Preparing, Pending, Running, Manual, Scheduled:
		return true
	}
	return false
}

// Started reports whether s implies started_at has been set.
func (s Status) Started() bool {
	return s == Running || s.Terminal()
}

func (s Status) String() string { return string(s) }

// Parse converts an external string into a Status, rejecting unknown
// values. Use this at trust boundaries (API payloads, database rows
// written by older versions).
func Parse(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("status: unknown status %q", raw)
	}
	return s, nil
}
