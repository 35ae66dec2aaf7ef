// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package status

// Child is one child's contribution to a composite status: its own
// status plus whether its failure is allowed to be masked at the
// parent level.
type Child struct {
	Status       Status
	AllowFailure bool
}

// Composite derives a parent status from an ordered set of child
// statuses. The priority ordering is exact and load-bearing:
//
//  1. any running or otherwise in-flight child (pending, preparing,
//     waiting_for_resource, created) ⇒ running — in-flight work
//     dominates everything, including a failure that has already
//     happened in a sibling
//  2. else any failed child whose failure is not allowed ⇒ failed
//  3. else any canceled child ⇒ canceled
//  4. else all children skipped ⇒ skipped
//  5. else any manual child ⇒ manual
//  6. else any scheduled child ⇒ scheduled
//  7. else ⇒ success (this absorbs failed-but-allowed children)
//
// An empty child set yields skipped: a stage with no jobs, or a
// pipeline whose every stage was excluded, never ran anything.
//
// The function is pure and idempotent. It inspects the snapshot it is
// given and nothing else.
func Composite(children []Child) Status {
	if len(children) == 0 {
		return Skipped
	}

	var (
		inFlight  bool
		failedSet bool
		canceled  bool
		manual    bool
		scheduled bool
		skipped   int
	)

	for _, child := range children {
		switch child.Status {
		case Running, Pending, Preparing, WaitingForResource, Created:
			inFlight = true
		case Failed:
			if !child.AllowFailure {
				failedSet = true
			}
		case Canceled:
			canceled = true
		case Manual:
			manual = true
		case Scheduled:
			scheduled = true
		case Skipped:
			skipped++
		}
	}

	switch {
	case inFlight:
		return Running
	case failedSet:
		return Failed
	case canceled:
		return Canceled
	case skipped == len(children):
		return Skipped
	case manual:
		return Manual
	case scheduled:
		return Scheduled
	default:
		return Success
	}
}
