// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Git is a Backend reading from bare repositories on local disk, one
// per project, laid out as <root>/<projectID>.git. All commands target
// a specific repository via the -C flag; there is no default
// repository — every call names its project.
type Git struct {
	root string
}

// NewGit returns a Git backend rooted at dir.
func NewGit(dir string) *Git {
	return &Git{root: dir}
}

func (g *Git) repoDir(projectID int64) string {
	return filepath.Join(g.root, strconv.FormatInt(projectID, 10)+".git")
}

// run executes one git command against a project's repository and
// returns stdout. Stderr is captured separately and included in error
// messages on failure.
func (g *Git) run(ctx context.Context, projectID int64, args ...string) (string, error) {
	dir := g.repoDir(projectID)
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("vcs: project %d repository: %w", projectID, ErrRefNotFound)
	}

	fullArgs := append([]string{"-C", dir}, args...)
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", fullArgs...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// commitFormat renders the fields Commit needs, NUL-separated so the
// free-form subject and body cannot collide with the delimiter.
const commitFormat = "%H%x00%s%x00%B%x00%an%x00%ae%x00%ct"

// Commit implements Backend.
func (g *Git) Commit(ctx context.Context, projectID int64, sha string) (*Commit, error) {
	out, err := g.run(ctx, projectID, "show", "-s", "--format="+commitFormat, sha+"^{commit}")
	if err != nil {
		if strings.Contains(err.Error(), "fatal:") {
			return nil, fmt.Errorf("vcs: commit %s: %w", sha, ErrRefNotFound)
		}
		return nil, err
	}
	fields := strings.SplitN(strings.TrimRight(out, "\n"), "\x00", 6)
	if len(fields) != 6 {
		return nil, fmt.Errorf("vcs: unexpected git show output for %s", sha)
	}
	epoch, err := strconv.ParseInt(strings.TrimSpace(fields[5]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("vcs: parsing commit timestamp for %s: %w", sha, err)
	}
	return &Commit{
		SHA:         fields[0],
		Title:       fields[1],
		Message:     strings.TrimRight(fields[2], "\n"),
		AuthorName:  fields[3],
		AuthorEmail: fields[4],
		Timestamp:   time.Unix(epoch, 0).UTC(),
	}, nil
}

// Commits implements Backend. Missing SHAs are skipped, matching the
// interface contract.
func (g *Git) Commits(ctx context.Context, projectID int64, shas []string) (map[string]*Commit, error) {
	found := make(map[string]*Commit, len(shas))
	for _, sha := range shas {
		commit, err := g.Commit(ctx, projectID, sha)
		if err != nil {
			if errors.Is(err, ErrRefNotFound) {
				continue
			}
			return nil, err
		}
		found[sha] = commit
	}
	return found, nil
}

// RefExists implements Backend.
func (g *Git) RefExists(ctx context.Context, projectID int64, ref string) (bool, error) {
	_, err := g.run(ctx, projectID, "rev-parse", "--verify", "--quiet", "refs/heads/"+ref)
	if err != nil {
		// rev-parse --quiet exits non-zero for unknown refs without
		// a fatal message; only propagate real failures.
		var exitErr *exec.ExitError
		if errors.Is(err, ErrRefNotFound) || errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RefHead implements Backend.
func (g *Git) RefHead(ctx context.Context, projectID int64, ref string) (string, error) {
	out, err := g.run(ctx, projectID, "rev-parse", "--verify", "--quiet", "refs/heads/"+ref)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.Is(err, ErrRefNotFound) || errors.As(err, &exitErr) {
			return "", fmt.Errorf("vcs: ref %s: %w", ref, ErrRefNotFound)
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ChangedPaths implements Backend.
func (g *Git) ChangedPaths(ctx context.Context, projectID int64, fromSHA, toSHA string) ([]string, error) {
	out, err := g.run(ctx, projectID, "diff", "--name-only", fromSHA, toSHA)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}
