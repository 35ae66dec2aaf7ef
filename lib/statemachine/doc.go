// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package statemachine provides the guarded finite-state machine that
// drives every status change on pipelines and jobs.
//
// A Machine is built from an explicit Def table mapping event names to
// (source state set → destination) transitions. Each entity kind owns
// its own table — PipelineDef and JobDef below — passed at
// construction. There is no global registry and no way to extend a
// table after construction.
//
// The machine itself is pure: Fire takes the current status and an
// event, and returns what happened (applied, loopback, or rejection)
// without touching any entity. Persistence, timestamp bookkeeping, and
// side-effect scheduling live in lib/store and lib/orchestrator, which
// interpret the returned Result inside their transactions. This split
// is what lets the optimistic-lock retry loop re-fire an event from
// scratch after reloading a row: firing is free of side effects.
//
// Loopbacks: firing an event whose destination equals the current
// status is permitted and reported with Result.Loopback set. Callers
// must treat loopbacks as no-ops for one-shot side effects — a
// re-delivered "succeed" on an already-successful pipeline neither
// rewrites finished_at nor re-fires completion hooks.
package statemachine
