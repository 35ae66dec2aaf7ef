// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"github.com/conveyor-ci/conveyor/lib/status"
	"github.com/conveyor-ci/conveyor/lib/store"
)

// Readiness classifies whether a job may start given its siblings.
type Readiness int

const (
	// Blocked: something the job depends on has not finished yet.
	Blocked Readiness = iota

	// Ready: every dependency resolved in the job's favor.
	Ready

	// Dead: a dependency resolved against the job; it should be
	// skipped, never run.
	Dead
)

// JobReadiness evaluates one job against its pipeline's full job set.
//
// A non-nil explicit dependency list is a strict allow-list that
// replaces stage ordering: only the named jobs matter, and an empty
// list means the job depends on nothing. A nil list falls back to the
// implicit rule that every job in an earlier stage must have reached
// a terminal-or-skipped state.
//
// A dependency counts in the job's favor when it succeeded, was
// skipped, or failed with allow_failure set; it counts against the
// job when it failed hard or was canceled.
func JobReadiness(job *store.Job, siblings []*store.Job) Readiness {
	if job.Dependencies != nil {
		byName := make(map[string]*store.Job, len(siblings))
		for _, sibling := range siblings {
			byName[sibling.Name] = sibling
		}
		verdict := Ready
		for _, name := range job.Dependencies {
			dependency, ok := byName[name]
			if !ok {
				// A dependency that does not exist can never resolve.
				return Dead
			}
			switch classify(dependency) {
			case depPending:
				verdict = Blocked
			case depBad:
				return Dead
			}
		}
		return verdict
	}

	verdict := Ready
	for _, sibling := range siblings {
		if sibling.StageIdx >= job.StageIdx {
			continue
		}
		switch classify(sibling) {
		case depPending:
			verdict = Blocked
		case depBad:
			return Dead
		}
	}
	return verdict
}

type depOutcome int

const (
	depPending depOutcome = iota
	depGood
	depBad
)

func classify(dependency *store.Job) depOutcome {
	switch {
	case dependency.Status == status.Success || dependency.Status == status.Skipped:
		return depGood
	case dependency.Status == status.Failed && dependency.AllowFailure:
		return depGood
	case dependency.Status == status.Failed || dependency.Status == status.Canceled:
		return depBad
	default:
		return depPending
	}
}
