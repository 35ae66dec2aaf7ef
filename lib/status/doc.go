// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package status defines the status vocabulary shared by pipelines,
// stages, and jobs, and the composite aggregation rule that derives a
// parent's status from its children.
//
// Every schedulable entity carries exactly one Status at a time.
// Status values never change by direct assignment — entities move
// between statuses by firing events on a statemachine.Machine, which
// consults this package for classification (terminal, active,
// cancelable).
//
// Composite is the single source of truth for parent status
// derivation. It is a pure function: same child snapshot in, same
// parent status out, no matter how often it runs. Both the eager
// recompute path (orchestrator) and the lazy path (stage status
// computed on read) call it.
package status
