// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package vcs abstracts the version-control backend the engine reads
// commit metadata from. The engine never writes to the repository;
// it asks for commit details during descriptor assembly and variable
// construction, and checks ref existence when a pipeline is created.
//
// Backend errors are infrastructure failures: the caller (queue
// matcher, orchestrator) drops the affected job with a scheduler
// failure rather than surfacing the error to the runner.
//
// Fake is the in-memory implementation used by tests and by the
// development server.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRefNotFound reports a missing ref or commit.
var ErrRefNotFound = errors.New("vcs: ref not found")

// Commit is the metadata the engine exposes to jobs as predefined
// variables and descriptor git info.
type Commit struct {
	SHA         string
	Title       string
	Message     string
	AuthorName  string
	AuthorEmail string
	Timestamp   time.Time
}

// Backend is the read-only VCS collaborator.
type Backend interface {
	// Commit returns metadata for one commit, or ErrRefNotFound.
	Commit(ctx context.Context, projectID int64, sha string) (*Commit, error)

	// Commits batch-fetches metadata for several commits at once.
	// The orchestrator runs this as an explicit prefetch pass before
	// per-job descriptor assembly, instead of one lookup per job.
	// Missing SHAs are absent from the result, not an error.
	Commits(ctx context.Context, projectID int64, shas []string) (map[string]*Commit, error)

	// RefExists reports whether a ref currently exists.
	RefExists(ctx context.Context, projectID int64, ref string) (bool, error)

	// RefHead returns the commit SHA a ref currently points at, or
	// ErrRefNotFound.
	RefHead(ctx context.Context, projectID int64, ref string) (string, error)

	// ChangedPaths returns the paths touched between two commits.
	ChangedPaths(ctx context.Context, projectID int64, fromSHA, toSHA string) ([]string, error)
}

// Fake is an in-memory Backend. Safe for concurrent use. The Fail
// flag makes every call return an error, for exercising the
// infrastructure-failure paths.
type Fake struct {
	mu      sync.RWMutex
	commits map[int64]map[string]*Commit
	refs    map[int64]map[string]bool
	heads   map[int64]map[string]string

	// Fail forces every call to error when set.
	Fail bool
}

// NewFake returns an empty fake backend.
func NewFake() *Fake {
	return &Fake{
		commits: make(map[int64]map[string]*Commit),
		refs:    make(map[int64]map[string]bool),
		heads:   make(map[int64]map[string]string),
	}
}

// AddCommit registers a commit.
func (f *Fake) AddCommit(projectID int64, commit *Commit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commits[projectID] == nil {
		f.commits[projectID] = make(map[string]*Commit)
	}
	f.commits[projectID][commit.SHA] = commit
}

// AddRef registers a ref, optionally recording the SHA it points at.
func (f *Fake) AddRef(projectID int64, ref string, head ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs[projectID] == nil {
		f.refs[projectID] = make(map[string]bool)
		f.heads[projectID] = make(map[string]string)
	}
	f.refs[projectID][ref] = true
	if len(head) > 0 {
		f.heads[projectID][ref] = head[0]
	}
}

func (f *Fake) failing() error {
	if f.Fail {
		return fmt.Errorf("vcs: backend unreachable")
	}
	return nil
}

// Commit implements Backend.
func (f *Fake) Commit(ctx context.Context, projectID int64, sha string) (*Commit, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.failing(); err != nil {
		return nil, err
	}
	commit, ok := f.commits[projectID][sha]
	if !ok {
		return nil, fmt.Errorf("vcs: commit %s: %w", sha, ErrRefNotFound)
	}
	return commit, nil
}

// Commits implements Backend.
func (f *Fake) Commits(ctx context.Context, projectID int64, shas []string) (map[string]*Commit, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.failing(); err != nil {
		return nil, err
	}
	found := make(map[string]*Commit)
	for _, sha := range shas {
		if commit, ok := f.commits[projectID][sha]; ok {
			found[sha] = commit
		}
	}
	return found, nil
}

// RefExists implements Backend.
func (f *Fake) RefExists(ctx context.Context, projectID int64, ref string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.failing(); err != nil {
		return false, err
	}
	return f.refs[projectID][ref], nil
}

// RefHead implements Backend.
func (f *Fake) RefHead(ctx context.Context, projectID int64, ref string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.failing(); err != nil {
		return "", err
	}
	head, ok := f.heads[projectID][ref]
	if !ok {
		return "", fmt.Errorf("vcs: ref %s: %w", ref, ErrRefNotFound)
	}
	return head, nil
}

// ChangedPaths implements Backend.
func (f *Fake) ChangedPaths(ctx context.Context, projectID int64, fromSHA, toSHA string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.failing(); err != nil {
		return nil, err
	}
	return nil, nil
}
