// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// setupRepo creates <root>/1.git with two commits on main and returns
// the backend plus the two SHAs, oldest first.
func setupRepo(t *testing.T) (*Git, []string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	root := t.TempDir()
	work := filepath.Join(root, "work")
	repo := filepath.Join(root, "1.git")

	run := func(dir string, args ...string) string {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=Dev", "GIT_AUTHOR_EMAIL=dev@example.com",
			"GIT_COMMITTER_NAME=Dev", "GIT_COMMITTER_EMAIL=dev@example.com",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
		return string(out)
	}

	if err := os.MkdirAll(work, 0o755); err != nil {
		t.Fatal(err)
	}
	run(work, "init", "-b", "main", ".")
	if err := os.WriteFile(filepath.Join(work, "a.txt"), []byte("one\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run(work, "add", ".")
	run(work, "commit", "-m", "first commit\n\nbody line")
	if err := os.WriteFile(filepath.Join(work, "b.txt"), []byte("two\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run(work, "add", ".")
	run(work, "commit", "-m", "second commit")
	run(work, "clone", "--bare", ".", repo)

	var shas []string
	for _, rev := range []string{"HEAD~1", "HEAD"} {
		cmd := exec.Command("git", "-C", work, "rev-parse", rev)
		out, err := cmd.Output()
		if err != nil {
			t.Fatalf("rev-parse %s: %v", rev, err)
		}
		shas = append(shas, string(out[:40]))
	}
	return NewGit(root), shas
}

func TestGitCommit(t *testing.T) {
	backend, shas := setupRepo(t)
	ctx := context.Background()

	commit, err := backend.Commit(ctx, 1, shas[0])
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if commit.SHA != shas[0] {
		t.Fatalf("SHA = %q, want %q", commit.SHA, shas[0])
	}
	if commit.Title != "first commit" {
		t.Fatalf("Title = %q, want first commit", commit.Title)
	}
	if commit.AuthorName != "Dev" || commit.AuthorEmail != "dev@example.com" {
		t.Fatalf("author = %q <%q>", commit.AuthorName, commit.AuthorEmail)
	}
	if commit.Timestamp.IsZero() {
		t.Fatal("zero timestamp")
	}

	if _, err := backend.Commit(ctx, 1, "0000000000000000000000000000000000000000"); err == nil {
		t.Fatal("expected error for unknown sha")
	}
}

func TestGitCommitsSkipsMissing(t *testing.T) {
	backend, shas := setupRepo(t)

	found, err := backend.Commits(context.Background(), 1,
		[]string{shas[1], "0000000000000000000000000000000000000000"})
	if err != nil {
		t.Fatalf("Commits: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("found %d commits, want 1", len(found))
	}
	if found[shas[1]] == nil {
		t.Fatalf("missing %s in result", shas[1])
	}
}

func TestGitRefExists(t *testing.T) {
	backend, _ := setupRepo(t)
	ctx := context.Background()

	exists, err := backend.RefExists(ctx, 1, "main")
	if err != nil || !exists {
		t.Fatalf("RefExists(main) = %v, %v, want true", exists, err)
	}
	exists, err = backend.RefExists(ctx, 1, "does-not-exist")
	if err != nil || exists {
		t.Fatalf("RefExists(does-not-exist) = %v, %v, want false", exists, err)
	}
}

func TestGitRefHead(t *testing.T) {
	backend, shas := setupRepo(t)
	ctx := context.Background()

	head, err := backend.RefHead(ctx, 1, "main")
	if err != nil {
		t.Fatalf("RefHead: %v", err)
	}
	if head != shas[1] {
		t.Fatalf("head = %q, want %q", head, shas[1])
	}
	if _, err := backend.RefHead(ctx, 1, "does-not-exist"); err == nil {
		t.Fatal("expected error for unknown ref")
	}
}

func TestGitChangedPaths(t *testing.T) {
	backend, shas := setupRepo(t)

	paths, err := backend.ChangedPaths(context.Background(), 1, shas[0], shas[1])
	if err != nil {
		t.Fatalf("ChangedPaths: %v", err)
	}
	if len(paths) != 1 || paths[0] != "b.txt" {
		t.Fatalf("paths = %v, want [b.txt]", paths)
	}
}

func TestGitUnknownProject(t *testing.T) {
	backend := NewGit(t.TempDir())
	if _, err := backend.Commit(context.Background(), 42, "abc"); err == nil {
		t.Fatal("expected error for missing repository")
	}
}
