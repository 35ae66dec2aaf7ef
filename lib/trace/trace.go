// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package trace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conveyor-ci/conveyor/lib/blobstore"
	"github.com/conveyor-ci/conveyor/lib/clock"
)

// Poll intervals advertised to runners. Advisory only: a runner that
// ignores them just wastes requests.
const (
	// WatchedInterval is suggested while a viewer is tailing the
	// trace — runners push output sooner so the tail stays live.
	WatchedInterval = 3 * time.Second

	// IdleInterval is suggested when nobody is watching.
	IdleInterval = 30 * time.Second

	// DefaultWatchTTL is how long a watch registration lasts beyond
	// the viewer's last poll.
	DefaultWatchTTL = 10 * time.Second
)

// ErrConflict reports a second append arriving while another append
// for the same job holds the trace lock.
var ErrConflict = errors.New("trace: concurrent append in flight")

// ErrForbidden reports a trace operation on a finalized or erased
// job's trace.
var ErrForbidden = errors.New("trace: job trace is closed")

// RangeError reports an append whose claimed range does not line up
// with the authoritative stream, carrying the current length so the
// runner can resynchronize.
type RangeError struct {
	// Length is the authoritative trace length at rejection time.
	Length int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("trace: range mismatch, authoritative range %s", e.AuthoritativeRange())
}

// AuthoritativeRange formats the server's current range as
// "0-(L-1)", the value echoed in the Range header of a 416 response.
// An empty trace yields "0--1" — the runner treats any range whose
// end is below its start offset as "start over from zero".
func (e *RangeError) AuthoritativeRange() string {
	return fmt.Sprintf("0-%d", e.Length-1)
}

// Result reports an accepted append.
type Result struct {
	// Length is the authoritative trace length after the append.
	Length int64

	// PollInterval is the advisory delay before the runner's next
	// trace update.
	PollInterval time.Duration
}

// Config holds the parameters for a trace manager.
type Config struct {
	// Blobs persists incremental chunks and finalized archives.
	// Required.
	Blobs blobstore.Store

	// Clock drives watch expiry. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger

	// Compression selects the archive codec. Defaults to Zstd.
	Compression Compression

	// EncryptionKey, when 32 bytes, enables at-rest encryption of
	// finalized archives. Empty disables encryption.
	EncryptionKey []byte

	// WatchTTL overrides DefaultWatchTTL when positive.
	WatchTTL time.Duration
}

// Manager owns the live trace state for all running jobs.
type Manager struct {
	blobs       blobstore.Store
	clock       clock.Clock
	logger      *slog.Logger
	compression Compression
	key         []byte
	watchTTL    time.Duration

	mu   sync.Mutex
	jobs map[int64]*jobTrace
}

// jobTrace is one job's live trace. The append lock (lock) is
// separate from the manager map lock: it is held for the duration of
// one append call, including the chunk write to the blob store.
type jobTrace struct {
	lock locker

	mu           sync.Mutex // guards the fields below
	buf          []byte
	chunkOffsets []int64
	finalized    bool
	watchedUntil time.Time
}

// locker is a mutex with TryLock — a second appender must get a
// conflict, not queue behind the first.
type locker struct {
	mu sync.Mutex
}

func (l *locker) tryLock() bool { return l.mu.TryLock() }
func (l *locker) unlock()       { l.mu.Unlock() }

// NewManager validates the config and returns a manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("trace: Blobs is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("trace: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("trace: Logger is required")
	}
	if len(cfg.EncryptionKey) != 0 && len(cfg.EncryptionKey) != keySize {
		return nil, fmt.Errorf("trace: EncryptionKey must be %d bytes, got %d", keySize, len(cfg.EncryptionKey))
	}

	compression := cfg.Compression
	if compression == "" {
		compression = Zstd
	}
	watchTTL := cfg.WatchTTL
	if watchTTL <= 0 {
		watchTTL = DefaultWatchTTL
	}

	return &Manager{
		blobs:       cfg.Blobs,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		compression: compression,
		key:         cfg.EncryptionKey,
		watchTTL:    watchTTL,
		jobs:        make(map[int64]*jobTrace),
	}, nil
}

func (m *Manager) job(jobID int64) *jobTrace {
	m.mu.Lock()
	defer m.mu.Unlock()
	jt, ok := m.jobs[jobID]
	if !ok {
		jt = &jobTrace{}
		m.jobs[jobID] = jt
	}
	return jt
}

// Append applies one runner submission claiming the inclusive byte
// range [start, end]. Outcomes:
//
//   - start equals the current length and the payload length matches
//     the claimed range: the stream is extended and the new length
//     returned.
//   - the submission is an idempotent retry (zero-length at or below
//     the current length, or a resubmission whose bytes equal what
//     is already stored at that offset): acknowledged without
//     re-appending.
//   - anything else: *RangeError with the authoritative length.
//   - another append holds this job's trace lock: ErrConflict.
//   - the trace is finalized or erased: ErrForbidden.
func (m *Manager) Append(ctx context.Context, jobID int64, start, end int64, payload []byte) (Result, error) {
	if start < 0 || end < start-1 {
		return Result{}, &RangeError{Length: m.Length(jobID)}
	}
	if int64(len(payload)) != end-start+1 {
		// The claimed range must describe the payload exactly.
		return Result{}, &RangeError{Length: m.Length(jobID)}
	}

	jt := m.job(jobID)
	if !jt.lock.tryLock() {
		return Result{}, ErrConflict
	}
	defer jt.lock.unlock()

	jt.mu.Lock()
	defer jt.mu.Unlock()

	if jt.finalized {
		return Result{}, ErrForbidden
	}

	length := int64(len(jt.buf))
	switch {
	case len(payload) == 0 && start <= length:
		// Keepalive / no-op retry.
		return Result{Length: length, PollInterval: m.pollIntervalLocked(jt)}, nil

	case start == length:
		if err := m.persistChunk(ctx, jobID, start, payload); err != nil {
			return Result{}, err
		}
		jt.buf = append(jt.buf, payload...)
		jt.chunkOffsets = append(jt.chunkOffsets, start)
		return Result{Length: int64(len(jt.buf)), PollInterval: m.pollIntervalLocked(jt)}, nil

	case start < length && end < length && bytes.Equal(jt.buf[start:end+1], payload):
		// Identical-prefix resubmission of bytes already applied —
		// the runner retried after losing our acknowledgment.
		return Result{Length: length, PollInterval: m.pollIntervalLocked(jt)}, nil

	default:
		return Result{}, &RangeError{Length: length}
	}
}

// Length returns the authoritative current trace length.
func (m *Manager) Length(jobID int64) int64 {
	jt := m.job(jobID)
	jt.mu.Lock()
	defer jt.mu.Unlock()
	return int64(len(jt.buf))
}

// Read returns the live trace bytes. For finalized jobs use
// ReadArchive.
func (m *Manager) Read(jobID int64) ([]byte, error) {
	jt := m.job(jobID)
	jt.mu.Lock()
	defer jt.mu.Unlock()
	if jt.finalized {
		return nil, ErrForbidden
	}
	return append([]byte(nil), jt.buf...), nil
}

// MarkWatched registers a live viewer, shortening the advertised
// poll interval until the watch expires.
func (m *Manager) MarkWatched(jobID int64) {
	jt := m.job(jobID)
	jt.mu.Lock()
	defer jt.mu.Unlock()
	jt.watchedUntil = m.clock.Now().Add(m.watchTTL)
}

// pollIntervalLocked requires jt.mu held.
func (m *Manager) pollIntervalLocked(jt *jobTrace) time.Duration {
	if m.clock.Now().Before(jt.watchedUntil) {
		return WatchedInterval
	}
	return IdleInterval
}

func chunkKey(jobID, offset int64) string {
	return fmt.Sprintf("trace/%d/chunks/%016d", jobID, offset)
}

func archiveKey(jobID int64) string {
	return fmt.Sprintf("trace/%d/archive", jobID)
}

func (m *Manager) persistChunk(ctx context.Context, jobID, offset int64, payload []byte) error {
	if err := m.blobs.Put(ctx, chunkKey(jobID, offset), payload); err != nil {
		return fmt.Errorf("trace: persisting chunk at %d: %w", offset, err)
	}
	return nil
}
