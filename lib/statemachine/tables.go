// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package statemachine

import "github.com/conveyor-ci/conveyor/lib/status"

// schedulable is the source set shared by most events: every status
// an entity can hold before it has completed.
var schedulable = []status.Status{
	status.Created, status.WaitingForResource, status.Preparing,
	status.Pending, status.Running, status.Manual, status.Scheduled,
}

// PipelineDef is the transition table for pipelines. Pipelines never
// block on manual/scheduled themselves (their jobs do), but the
// composite recompute can land them there, so those statuses appear
// as sources and destinations.
func PipelineDef() Def {
	return Def{
		Enqueue: {
			From: []status.Status{
				status.Created, status.WaitingForResource,
				status.Preparing, status.Manual, status.Scheduled,
			},
			To: status.Pending,
		},
		RequestResource: {
			From: []status.Status{status.Created, status.Pending},
			To:   status.WaitingForResource,
		},
		Prepare: {
			From: []status.Status{status.Created, status.Pending, status.WaitingForResource},
			To:   status.Preparing,
		},
		Run: {
			From: schedulable,
			To:   status.Running,
		},
		Skip: {
			From: []status.Status{status.Created, status.Pending, status.Manual, status.Scheduled},
			To:   status.Skipped,
		},
		Drop: {
			From: schedulable,
			To:   status.Failed,
		},
		Succeed: {
			From: schedulable,
			To:   status.Success,
		},
		Cancel: {
			From: schedulable,
			To:   status.Canceled,
		},
		Block: {
			From: []status.Status{status.Created, status.Pending, status.Running},
			To:   status.Manual,
		},
		Delay: {
			From: []status.Status{status.Created, status.Pending, status.Running},
			To:   status.Scheduled,
		},
	}
}

// JobDef is the transition table for jobs. Jobs additionally allow
// Skip from waiting_for_resource (a resource-parked job whose
// pipeline gets canceled upstream) and Drop from skipped is still
// rejected — a skipped job stays skipped.
func JobDef() Def {
	return Def{
		Enqueue: {
			From: []status.Status{
				status.Created, status.WaitingForResource,
				status.Preparing, status.Manual, status.Scheduled,
			},
			To: status.Pending,
		},
		RequestResource: {
			From: []status.Status{status.Created, status.Pending},
			To:   status.WaitingForResource,
		},
		Prepare: {
			From: []status.Status{status.Created, status.Pending, status.WaitingForResource},
			To:   status.Preparing,
		},
		Run: {
			From: []status.Status{status.Pending, status.Preparing},
			To:   status.Running,
		},
		Skip: {
			From: []status.Status{
				status.Created, status.WaitingForResource,
				status.Pending, status.Manual, status.Scheduled,
			},
			To: status.Skipped,
		},
		Drop: {
			From: schedulable,
			To:   status.Failed,
		},
		Succeed: {
			From: []status.Status{status.Running},
			To:   status.Success,
		},
		Cancel: {
			From: schedulable,
			To:   status.Canceled,
		},
		Block: {
			From: []status.Status{status.Created, status.Pending},
			To:   status.Manual,
		},
		Delay: {
			From: []status.Status{status.Created, status.Pending},
			To:   status.Scheduled,
		},
	}
}
