// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package statemachine

import (
	"errors"
	"testing"

	"github.com/conveyor-ci/conveyor/lib/status"
)

func TestFireDeclaredTransitions(t *testing.T) {
	machine := MustNew(JobDef())

	// Every (event, source) pair in the table must produce the
	// declared destination.
	for event, transition := range JobDef() {
		for _, from := range transition.From {
			result, err := machine.Fire(from, event)
			if err != nil {
				t.Fatalf("Fire(%q, %q): %v", from, event, err)
			}
			if result.To != transition.To {
				t.Errorf("Fire(%q, %q) = %q, want %q", from, event, result.To, transition.To)
			}
			if result.Loopback {
				t.Errorf("Fire(%q, %q) unexpectedly a loopback", from, event)
			}
		}
	}
}

func TestFireRejectsOutsideSourceSet(t *testing.T) {
	machine := MustNew(JobDef())

	// A job that already failed cannot succeed.
	_, err := machine.Fire(status.Failed, Succeed)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("Fire(failed, succeed) err = %v, want InvalidTransitionError", err)
	}
	if invalid.From != status.Failed || invalid.Event != Succeed {
		t.Errorf("error carries (%q, %q), want (failed, succeed)", invalid.From, invalid.Event)
	}

	// Only pending/preparing jobs can start running.
	if _, err := machine.Fire(status.Created, Run); !errors.As(err, &invalid) {
		t.Errorf("Fire(created, run) err = %v, want InvalidTransitionError", err)
	}
}

func TestFireLoopback(t *testing.T) {
	machine := MustNew(PipelineDef())

	result, err := machine.Fire(status.Success, Succeed)
	if err != nil {
		t.Fatalf("Fire(success, succeed): %v", err)
	}
	if !result.Loopback {
		t.Error("re-firing succeed on a successful pipeline should be a loopback")
	}
	if result.Finished() {
		t.Error("a loopback must not report Finished — finished_at is one-shot")
	}

	result, err = machine.Fire(status.Running, Run)
	if err != nil {
		t.Fatalf("Fire(running, run): %v", err)
	}
	if !result.Loopback || result.Started() {
		t.Error("running→running is a loopback and must not restamp started_at")
	}
}

func TestResultTimestampClassification(t *testing.T) {
	machine := MustNew(JobDef())

	result, err := machine.Fire(status.Pending, Run)
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if !result.Started() {
		t.Error("pending→running should stamp started_at")
	}
	if result.Finished() {
		t.Error("pending→running is not a completion")
	}

	result, err = machine.Fire(status.Running, Succeed)
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if !result.Finished() {
		t.Error("running→success should stamp finished_at")
	}

	result, err = machine.Fire(status.Pending, Skip)
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if result.Finished() {
		t.Error("skip is not a terminal completion for timestamp purposes")
	}
}

func TestEventForStatus(t *testing.T) {
	event, ok, err := EventForStatus("success")
	if err != nil || !ok {
		t.Fatalf("EventForStatus(success) = %q, %v, %v", event, ok, err)
	}
	if event != Succeed {
		t.Errorf("EventForStatus(success) = %q, want %q", event, Succeed)
	}

	// created is the construction status: no event, no error.
	_, ok, err = EventForStatus("created")
	if err != nil {
		t.Fatalf("EventForStatus(created): %v", err)
	}
	if ok {
		t.Error("created should map to no event")
	}

	_, _, err = EventForStatus("exploded")
	var unknown *UnknownStatusError
	if !errors.As(err, &unknown) {
		t.Fatalf("EventForStatus(exploded) err = %v, want UnknownStatusError", err)
	}
	if unknown.Raw != "exploded" {
		t.Errorf("error carries %q, want %q", unknown.Raw, "exploded")
	}
}

func TestNewValidatesTable(t *testing.T) {
	_, err := New(Def{})
	if err == nil {
		t.Error("New should reject an empty table")
	}

	_, err = New(Def{Run: {From: nil, To: status.Running}})
	if err == nil {
		t.Error("New should reject an empty source set")
	}

	_, err = New(Def{Run: {From: []status.Status{"bogus"}, To: status.Running}})
	if err == nil {
		t.Error("New should reject invalid source statuses")
	}
}
