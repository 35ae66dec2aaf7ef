// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Production code that needs the current time or a timer takes a
// Clock instead of calling the time package directly, so tests can
// drive status timestamps and long-poll deadlines deterministically.
// Real() is the standard library; NewFake(start) is a manually
// advanced clock for tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the subset of the time package the engine uses: current
// time for status timestamps and queue ages, and timer channels for
// long-poll deadlines.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Real returns the system clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a manually advanced clock for tests. Advance moves time
// forward and fires any timers whose deadline has passed. Safe for
// concurrent use.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFake returns a fake clock frozen at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that fires when the fake clock is advanced
// to or past the deadline. A non-positive d fires immediately.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	timer := &fakeTimer{deadline: f.now.Add(d), ch: make(chan time.Time, 1)}
	if !f.now.Before(timer.deadline) {
		timer.ch <- f.now
		return timer.ch
	}
	f.timers = append(f.timers, timer)
	return timer.ch
}

// Waiters reports how many After timers are currently pending. Tests
// use it to wait until a goroutine has parked on the clock before
// advancing it.
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// Advance moves the clock forward by d and fires due timers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
	remaining := f.timers[:0]
	for _, timer := range f.timers {
		if !f.now.Before(timer.deadline) {
			timer.ch <- f.now
		} else {
			remaining = append(remaining, timer)
		}
	}
	f.timers = remaining
}
