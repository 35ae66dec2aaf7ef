// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package statemachine

import (
	"fmt"

	"github.com/conveyor-ci/conveyor/lib/status"
)

// Event names a status transition. The set is shared by pipelines and
// jobs; each entity's Def decides which events it accepts and from
// which source states.
type Event string

const (
	// Enqueue moves an entity into the pending queue.
	Enqueue Event = "enqueue"

	// RequestResource parks a job until its resource group frees up.
	RequestResource Event = "request_resource"

	// Prepare starts pre-run provisioning.
	Prepare Event = "prepare"

	// Run marks the entity as in flight. For jobs this fires inside
	// the queue matcher's claim transaction.
	Run Event = "run"

	// Skip marks the entity as never-run.
	Skip Event = "skip"

	// Drop fails the entity. Carries a failure reason at the store
	// layer; the machine only cares about the status change.
	Drop Event = "drop"

	// Succeed completes the entity successfully.
	Succeed Event = "succeed"

	// Cancel cancels the entity. Fired directly by users and by
	// cancellation cascades.
	Cancel Event = "cancel"

	// Block parks a job waiting for a manual play action.
	Block Event = "block"

	// Delay parks a job waiting for its scheduled start time.
	Delay Event = "delay"
)

// Transition declares one event's allowed movement: from any status
// in From, go to To.
type Transition struct {
	From []status.Status
	To   status.Status
}

// Def is the transition table for one entity kind. Keys are events;
// an event absent from the table is invalid for that entity.
type Def map[Event]Transition

// Result reports what Fire decided.
type Result struct {
	// Event is the event that was fired.
	Event Event

	// From and To are the statuses before and after. For a loopback
	// both equal the current status.
	From, To status.Status

	// Loopback is set when the entity was already in the event's
	// destination. The transition is a permitted no-op: callers must
	// not re-run one-shot hooks or touch timestamps.
	Loopback bool
}

// Started reports whether this transition is the entity's first entry
// into running, which is when started_at gets stamped.
func (r Result) Started() bool {
	return !r.Loopback && r.To == status.Running && r.From != status.Running
}

// Finished reports whether this transition entered a terminal status,
// which is when finished_at and duration get stamped.
func (r Result) Finished() bool {
	return !r.Loopback && r.To.Terminal()
}

// InvalidTransitionError reports an event fired from a status outside
// its source set. The entity's status is untouched. This is an
// expected business-rule rejection (a runner reporting success for a
// job the server already canceled), not a programming error.
type InvalidTransitionError struct {
	Event Event
	From  status.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("statemachine: event %q invalid from status %q", e.Event, e.From)
}

// UnknownStatusError reports an external status string with no
// corresponding event. Unlike InvalidTransitionError this indicates a
// malformed input or a version skew bug, so it is a distinct type.
type UnknownStatusError struct {
	Raw string
}

func (e *UnknownStatusError) Error() string {
	return fmt.Sprintf("statemachine: no event for status %q", e.Raw)
}

// Machine evaluates events against one entity kind's Def.
type Machine struct {
	def Def
}

// New validates the table and returns a machine for it. Construction
// fails on malformed tables (empty source set, invalid status) so the
// error surfaces at wiring time rather than on first Fire.
func New(def Def) (*Machine, error) {
	if len(def) == 0 {
		return nil, fmt.Errorf("statemachine: empty transition table")
	}
	for event, transition := range def {
		if !transition.To.Valid() {
			return nil, fmt.Errorf("statemachine: event %q: invalid destination %q", event, transition.To)
		}
		if len(transition.From) == 0 {
			return nil, fmt.Errorf("statemachine: event %q: empty source set", event)
		}
		for _, from := range transition.From {
			if !from.Valid() {
				return nil, fmt.Errorf("statemachine: event %q: invalid source %q", event, from)
			}
		}
	}
	return &Machine{def: def}, nil
}

// MustNew is New for the package-level entity tables, which are
// statically correct.
func MustNew(def Def) *Machine {
	machine, err := New(def)
	if err != nil {
		panic(err)
	}
	return machine
}

// Fire evaluates event against the current status. Three outcomes:
//
//   - current is in the event's source set: Result with the declared
//     destination.
//   - current already equals the destination: Result with Loopback
//     set. Permitted, but one-shot hooks must not re-fire.
//   - otherwise: *InvalidTransitionError, status untouched.
func (m *Machine) Fire(current status.Status, event Event) (Result, error) {
	transition, ok := m.def[event]
	if !ok {
		return Result{}, &InvalidTransitionError{Event: event, From: current}
	}

	if current == transition.To {
		return Result{Event: event, From: current, To: current, Loopback: true}, nil
	}

	for _, from := range transition.From {
		if current == from {
			return Result{Event: event, From: current, To: transition.To}, nil
		}
	}

	return Result{}, &InvalidTransitionError{Event: event, From: current}
}

// Events returns the events defined for this machine, for diagnostics.
func (m *Machine) Events() []Event {
	events := make([]Event, 0, len(m.def))
	for event := range m.def {
		events = append(events, event)
	}
	return events
}

// EventForStatus maps an externally supplied status string to the
// event that produces it. Runners report desired states ("success",
// "failed"), and the server turns them into events so the transition
// guards apply.
//
// "created" maps to no event (ok=false with nil error): it is the
// construction status, never a transition target. Unrecognized values
// return *UnknownStatusError.
func EventForStatus(raw string) (Event, bool, error) {
	switch status.Status(raw) {
	case status.Created:
		return "", false, nil
	case status.Pending:
		return Enqueue, true, nil
	case status.WaitingForResource:
		return RequestResource, true, nil
	case status.Preparing:
		return Prepare, true, nil
	case status.Running:
		return Run, true, nil
	case status.Success:
		return Succeed, true, nil
	case status.Failed:
		return Drop, true, nil
	case status.Canceled:
		return Cancel, true, nil
	case status.Skipped:
		return Skip, true, nil
	case status.Manual:
		return Block, true, nil
	case status.Scheduled:
		return Delay, true, nil
	default:
		return "", false, &UnknownStatusError{Raw: raw}
	}
}
