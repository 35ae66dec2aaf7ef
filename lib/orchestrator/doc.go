// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator owns the cross-cutting effects of pipeline and
// job transitions.
//
// Jobs and pipelines never have their status assigned directly;
// everything goes through state-machine events fired inside
// optimistically retried transactions (lib/store). The orchestrator
// sits above that and handles what a single transition cannot see:
// enqueueing newly ready jobs as earlier stages finish, recomputing
// the pipeline's composite status bottom-up, cascading cancellation
// into still-cancelable jobs and child pipelines, auto-canceling
// superseded pipelines on the same ref, unlocking artifacts, and
// maintaining the per-ref latest-status record.
//
// Every side effect that leaves the database — notifications, parent
// pipeline pokes, metrics — is buffered through lib/hooks during the
// transaction and dispatched only after commit.
package orchestrator
