// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the engine's persistence layer: projects,
// pipelines, jobs, runners, artifacts, and the per-ref latest-status
// records, backed by SQLite through lib/sqlitepool.
//
// # Concurrency model
//
// Pipeline and job rows carry a version column. Every status mutation
// goes through an UPDATE guarded by "WHERE id = ? AND version = ?";
// zero affected rows means another writer got there first and the
// attempt fails with ErrStaleVersion. Retry wraps the whole unit of
// work: [Store.RetryOptimistic] re-runs the caller's transaction
// function from scratch — reload, re-fire the event, re-write — up to
// the configured bound, then surfaces ErrStaleVersion to the caller.
// The bound is explicit configuration (Config.LockRetries), never an
// implicit constant.
//
// All reads that feed a composite-status computation happen inside
// the same transaction as the write they inform, so aggregation
// always sees a consistent child snapshot.
//
// # Status transitions
//
// Rows never get their status assigned directly. [Tx.TransitionJob]
// and [Tx.TransitionPipeline] fire an event on the entity's state
// machine and persist the outcome, stamping started_at on first entry
// to running and finished_at plus duration on entry to a terminal
// status. Loopback transitions write nothing and bump nothing.
package store
