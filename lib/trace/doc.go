// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package trace implements chunked, resumable, concurrency-safe
// appending of runner log output.
//
// A running job's trace is an append-only byte stream. Runners submit
// ranges they believe extend the stream ("bytes start-end", end
// inclusive), computed from the last length the server acknowledged.
// The server is the authority: an append at exactly the current
// length extends the stream; a resubmission of bytes already applied
// is acknowledged idempotently; anything else is a range error that
// echoes the authoritative range so the runner can resynchronize.
//
// Byte-range semantics cannot tolerate lost updates, so appends for
// one job run under an exclusive per-job lock — a second writer
// arriving while an append is in flight gets ErrConflict rather than
// waiting, because two live writers for one job means a misbehaving
// runner, not ordinary contention.
//
// Live output is held in memory and persisted incrementally to the
// blob store as offset-addressed chunks, so a server restart loses at
// most the chunk in flight. When the job reaches a terminal state the
// accumulated stream is compressed (zstd by default, lz4 selectable),
// optionally encrypted, hashed with BLAKE3, and stored as a single
// immutable archive; the live buffer and chunks are released. After
// finalization — and always for erased jobs — every trace operation
// is forbidden.
package trace
