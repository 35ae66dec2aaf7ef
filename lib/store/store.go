// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/conveyor-ci/conveyor/lib/clock"
	"github.com/conveyor-ci/conveyor/lib/sqlitepool"
	"github.com/conveyor-ci/conveyor/lib/statemachine"
)

// ErrStaleVersion reports an optimistic-lock conflict: the row's
// version moved between read and write. Callers inside
// RetryOptimistic are re-run automatically; once retries are
// exhausted the error surfaces to the caller, which maps it to a
// conflict response.
var ErrStaleVersion = errors.New("store: stale row version")

// ErrNotFound reports a missing row.
var ErrNotFound = errors.New("store: not found")

// DefaultLockRetries bounds optimistic-lock retries when Config
// leaves LockRetries zero.
const DefaultLockRetries = 3

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite database file. Required.
	Path string

	// PoolSize is the connection pool size. Zero means the
	// sqlitepool default.
	PoolSize int

	// LockRetries bounds how many times RetryOptimistic re-runs a
	// unit of work after a stale-version conflict. Zero means
	// DefaultLockRetries.
	LockRetries int

	// Clock provides timestamps for status transitions. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Store owns the database pool and the per-entity state machines.
type Store struct {
	pool        *sqlitepool.Pool
	clock       clock.Clock
	logger      *slog.Logger
	lockRetries int

	pipelineMachine *statemachine.Machine
	jobMachine      *statemachine.Machine
}

// Open creates the store, creating the schema on first use.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("store: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("store: Logger is required")
	}

	retries := cfg.LockRetries
	if retries <= 0 {
		retries = DefaultLockRetries
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	return &Store{
		pool:            pool,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		lockRetries:     retries,
		pipelineMachine: statemachine.MustNew(statemachine.PipelineDef()),
		jobMachine:      statemachine.MustNew(statemachine.JobDef()),
	}, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Tx is one transaction's view of the store. All row operations hang
// off Tx so that reads and writes that belong together cannot be
// split across transactions by accident.
type Tx struct {
	conn  *sqlite.Conn
	store *Store
}

// WithTx runs fn inside a single IMMEDIATE transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	return fn(&Tx{conn: conn, store: s})
}

// RetryOptimistic runs fn inside WithTx, re-running the whole unit of
// work from scratch when it fails with ErrStaleVersion, up to the
// configured retry bound. The transaction for a failed attempt is
// rolled back before the next attempt, so fn always starts from a
// fresh snapshot. Exhaustion returns an error wrapping
// ErrStaleVersion.
func (s *Store) RetryOptimistic(ctx context.Context, fn func(tx *Tx) error) error {
	var err error
	for attempt := 0; attempt <= s.lockRetries; attempt++ {
		if attempt > 0 {
			s.logger.Debug("optimistic lock conflict, retrying", "attempt", attempt)
		}
		err = s.WithTx(ctx, fn)
		if !errors.Is(err, ErrStaleVersion) {
			return err
		}
	}
	return fmt.Errorf("store: %d retries exhausted: %w", s.lockRetries, ErrStaleVersion)
}

// Clock returns the store's clock, for collaborators that stamp
// times consistently with transition timestamps.
func (s *Store) Clock() clock.Clock { return s.clock }
