// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package queue_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/conveyor-ci/conveyor/lib/clock"
	"github.com/conveyor-ci/conveyor/lib/hooks"
	"github.com/conveyor-ci/conveyor/lib/orchestrator"
	"github.com/conveyor-ci/conveyor/lib/queue"
	"github.com/conveyor-ci/conveyor/lib/status"
	"github.com/conveyor-ci/conveyor/lib/store"
	"github.com/conveyor-ci/conveyor/lib/testutil"
	"github.com/conveyor-ci/conveyor/lib/vcs"
)

type fixture struct {
	store   *store.Store
	orch    *orchestrator.Orchestrator
	matcher *queue.Matcher
	vcs     *vcs.Fake
	clock   *clock.Fake
	project *store.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	s, err := store.Open(store.Config{
		Path:   filepath.Join(t.TempDir(), "engine.db"),
		Clock:  fake,
		Logger: testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	orch, err := orchestrator.New(orchestrator.Config{
		Store:      s,
		Dispatcher: &hooks.Recorder{},
		Logger:     testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}

	backend := vcs.NewFake()
	matcher, err := queue.NewMatcher(queue.Config{
		Store:        s,
		Orchestrator: orch,
		VCS:          backend,
		Clock:        fake,
		Logger:       testutil.DiscardLogger(),
		PollTimeout:  5 * time.Second,
		PollInterval: 10 * time.Second, // above the timeout: only the deadline fires in tests
	})
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}

	project := &store.Project{Namespace: "acme", Name: "widgets", SharedRunnersEnabled: true}
	err = s.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.CreateProject(project)
	})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	backend.AddCommit(project.ID, &vcs.Commit{
		SHA: "abc", Title: "add widgets", Message: "add widgets\n",
		AuthorName: "Dev", AuthorEmail: "dev@example.com",
	})

	return &fixture{store: s, orch: orch, matcher: matcher, vcs: backend, clock: fake, project: project}
}

func (f *fixture) addRunner(t *testing.T, runner *store.Runner) *store.Runner {
	t.Helper()
	if runner.Scope == "" {
		runner.Scope = store.ScopeInstance
	}
	runner.Active = true
	err := f.store.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.CreateRunner(runner)
	})
	if err != nil {
		t.Fatalf("CreateRunner: %v", err)
	}
	return runner
}

func (f *fixture) addPipeline(t *testing.T, jobs ...*store.Job) *store.Pipeline {
	t.Helper()
	pipeline := &store.Pipeline{ProjectID: f.project.ID, Ref: "main", SHA: "abc", Source: store.SourcePush}
	if err := f.orch.CreatePipeline(context.Background(), pipeline, jobs); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	return pipeline
}

func TestRequestMatchesEligibleJob(t *testing.T) {
	f := newFixture(t)
	runner := f.addRunner(t, &store.Runner{Token: "runner-1", RunUntagged: true})
	job := &store.Job{Name: "build", Stage: "build", StageIdx: 0, Token: "tok-build",
		Script: []string{"make", "make test"}, Timeout: 30 * time.Minute}
	f.addPipeline(t, job)

	descriptor, token, err := f.matcher.Request(context.Background(), "runner-1", queue.Capabilities{
		Platform: "linux", Architecture: "amd64", Version: "17.0.1", IP: "10.0.0.9",
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if descriptor == nil {
		t.Fatal("Request returned no job")
	}
	if token == "" {
		t.Error("Request returned empty queue token")
	}
	if descriptor.Token != "tok-build" {
		t.Errorf("descriptor.Token = %q, want tok-build", descriptor.Token)
	}
	if len(descriptor.Steps) != 2 || descriptor.Steps[0] != "make" {
		t.Errorf("descriptor.Steps = %v", descriptor.Steps)
	}
	if descriptor.TimeoutSeconds != 1800 {
		t.Errorf("descriptor.TimeoutSeconds = %d, want 1800", descriptor.TimeoutSeconds)
	}
	if descriptor.Git.SHA != "abc" || descriptor.Git.CommitTitle != "add widgets" {
		t.Errorf("descriptor.Git = %+v", descriptor.Git)
	}

	var sawToken bool
	for _, variable := range descriptor.Variables {
		if variable.Key == "CI_JOB_TOKEN" {
			sawToken = true
			if !variable.Masked {
				t.Error("CI_JOB_TOKEN not masked")
			}
		}
	}
	if !sawToken {
		t.Error("CI_JOB_TOKEN missing from variables")
	}

	// The claim stuck: the job is running and owned by the runner.
	err = f.store.WithTx(context.Background(), func(tx *store.Tx) error {
		claimed, err := tx.GetJob(descriptor.JobID)
		if err != nil {
			return err
		}
		if claimed.Status != status.Running {
			t.Errorf("job status = %q, want running", claimed.Status)
		}
		if claimed.RunnerID != runner.ID {
			t.Errorf("job RunnerID = %d, want %d", claimed.RunnerID, runner.ID)
		}
		fresh, err := tx.GetRunnerByToken("runner-1")
		if err != nil {
			return err
		}
		if fresh.Platform != "linux" || fresh.IP != "10.0.0.9" {
			t.Errorf("capabilities not recorded: %+v", fresh)
		}
		if fresh.ContactedAt.IsZero() {
			t.Error("ContactedAt not stamped")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func TestTagFiltering(t *testing.T) {
	f := newFixture(t)
	f.addRunner(t, &store.Runner{Token: "partial", Tags: []string{"a"}, RunUntagged: true})
	f.addRunner(t, &store.Runner{Token: "tagged-only", Tags: []string{"a", "b"}, RunUntagged: false})
	f.addPipeline(t,
		&store.Job{Name: "needs-both", Stage: "test", StageIdx: 0, Tags: []string{"a", "b"}, Token: "tok-both"},
		&store.Job{Name: "untagged", Stage: "test", StageIdx: 0, Token: "tok-untagged"},
	)
	ctx := context.Background()

	// Tags {a} do not cover {a,b}; the untagged job matches instead.
	descriptor, _, err := f.matcher.Request(ctx, "partial", queue.Capabilities{})
	if err != nil {
		t.Fatalf("Request(partial): %v", err)
	}
	if descriptor == nil || descriptor.Name != "untagged" {
		t.Errorf("partial runner got %+v, want the untagged job", descriptor)
	}

	// run_untagged=false never sees untagged jobs; {a,b} covers the
	// tagged one.
	descriptor, _, err = f.matcher.Request(ctx, "tagged-only", queue.Capabilities{})
	if err != nil {
		t.Fatalf("Request(tagged-only): %v", err)
	}
	if descriptor == nil || descriptor.Name != "needs-both" {
		t.Errorf("tagged-only runner got %+v, want needs-both", descriptor)
	}

	// Nothing eligible is left.
	descriptor, _, err = f.matcher.Request(ctx, "tagged-only", queue.Capabilities{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if descriptor != nil {
		t.Errorf("got %+v, want no job", descriptor)
	}
}

func TestConcurrentRunnersExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	f.addRunner(t, &store.Runner{Token: "runner-1", RunUntagged: true})
	f.addRunner(t, &store.Runner{Token: "runner-2", RunUntagged: true})
	f.addPipeline(t, &store.Job{Name: "only", Stage: "test", StageIdx: 0, Token: "tok-only"})

	results := make([]*queue.Descriptor, 2)
	var wg sync.WaitGroup
	for i, token := range []string{"runner-1", "runner-2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			descriptor, _, err := f.matcher.Request(context.Background(), token, queue.Capabilities{})
			if err != nil {
				t.Errorf("Request(%s): %v", token, err)
				return
			}
			results[i] = descriptor
		}()
	}
	wg.Wait()

	matched := 0
	for _, descriptor := range results {
		if descriptor != nil {
			matched++
		}
	}
	if matched != 1 {
		t.Errorf("matched = %d runners, want exactly 1", matched)
	}
}

func TestMinJobAgeFilter(t *testing.T) {
	f := newFixture(t)
	f.addRunner(t, &store.Runner{Token: "patient", RunUntagged: true})
	f.addPipeline(t, &store.Job{Name: "young", Stage: "test", StageIdx: 0, Token: "tok-young"})
	ctx := context.Background()

	caps := queue.Capabilities{MinJobAge: 10 * time.Minute}
	descriptor, _, err := f.matcher.Request(ctx, "patient", caps)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if descriptor != nil {
		t.Errorf("job younger than MinJobAge was matched")
	}

	f.clock.Advance(11 * time.Minute)
	descriptor, _, err = f.matcher.Request(ctx, "patient", caps)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if descriptor == nil {
		t.Error("aged job not matched")
	}
}

func TestStageOrderingGatesMatching(t *testing.T) {
	f := newFixture(t)
	f.addRunner(t, &store.Runner{Token: "runner-1", RunUntagged: true})
	build := &store.Job{Name: "build", Stage: "build", StageIdx: 0, Token: "tok-build"}
	deploy := &store.Job{Name: "deploy", Stage: "deploy", StageIdx: 1, Token: "tok-deploy"}
	f.addPipeline(t, build, deploy)
	ctx := context.Background()

	// First poll gets build; deploy is still created.
	descriptor, _, err := f.matcher.Request(ctx, "runner-1", queue.Capabilities{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if descriptor == nil || descriptor.Name != "build" {
		t.Fatalf("got %+v, want build", descriptor)
	}

	// While build runs, nothing is eligible.
	if descriptor, _, _ := f.matcher.Request(ctx, "runner-1", queue.Capabilities{}); descriptor != nil {
		t.Errorf("got %+v while earlier stage is running", descriptor)
	}

	if err := f.orch.UpdateJobStatus(ctx, "tok-build", "success", ""); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	descriptor, _, err = f.matcher.Request(ctx, "runner-1", queue.Capabilities{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if descriptor == nil || descriptor.Name != "deploy" {
		t.Fatalf("got %+v, want deploy", descriptor)
	}
	// The succeeded build is a downloadable dependency.
	if len(descriptor.Dependencies) != 1 || descriptor.Dependencies[0].Token != "tok-build" {
		t.Errorf("descriptor.Dependencies = %+v", descriptor.Dependencies)
	}
}

func TestDescriptorFailureDropsJobAsSchedulerFailure(t *testing.T) {
	f := newFixture(t)
	f.addRunner(t, &store.Runner{Token: "runner-1", RunUntagged: true})
	job := &store.Job{Name: "doomed", Stage: "test", StageIdx: 0, Token: "tok-doomed"}
	f.addPipeline(t, job)

	f.vcs.Fail = true
	descriptor, _, err := f.matcher.Request(context.Background(), "runner-1", queue.Capabilities{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if descriptor != nil {
		t.Fatalf("got %+v, want no job after descriptor failure", descriptor)
	}

	err = f.store.WithTx(context.Background(), func(tx *store.Tx) error {
		dropped, err := tx.GetJob(job.ID)
		if err != nil {
			return err
		}
		if dropped.Status != status.Failed {
			t.Errorf("job status = %q, want failed", dropped.Status)
		}
		if dropped.FailureReason != store.FailureScheduler {
			t.Errorf("FailureReason = %q, want scheduler failure", dropped.FailureReason)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func TestLongPollReleasesOnQueueChange(t *testing.T) {
	f := newFixture(t)
	f.addRunner(t, &store.Runner{Token: "runner-1", RunUntagged: true})
	ctx := context.Background()

	// Establish the current token with an empty queue.
	descriptor, token, err := f.matcher.Request(ctx, "runner-1", queue.Capabilities{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if descriptor != nil {
		t.Fatalf("unexpected job %+v", descriptor)
	}

	type outcome struct {
		descriptor *queue.Descriptor
		err        error
	}
	done := make(chan outcome, 1)
	go func() {
		d, _, err := f.matcher.Request(ctx, "runner-1", queue.Capabilities{LastQueueToken: token})
		done <- outcome{d, err}
	}()

	// Creating a job bumps the runner's queue generation, which the
	// waiting poll notices on its next tick.
	f.addPipeline(t, &store.Job{Name: "late", Stage: "test", StageIdx: 0, Token: "tok-late"})

	for {
		select {
		case result := <-done:
			if result.err != nil {
				t.Fatalf("long-poll Request: %v", result.err)
			}
			if result.descriptor == nil || result.descriptor.Name != "late" {
				t.Fatalf("long-poll got %+v, want late", result.descriptor)
			}
			return
		default:
			f.clock.Advance(time.Second)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestLongPollTimesOutEmpty(t *testing.T) {
	f := newFixture(t)
	f.addRunner(t, &store.Runner{Token: "runner-1", RunUntagged: true})
	ctx := context.Background()

	_, token, err := f.matcher.Request(ctx, "runner-1", queue.Capabilities{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	type outcome struct {
		descriptor *queue.Descriptor
		token      string
		err        error
	}
	done := make(chan outcome, 1)
	go func() {
		d, tok, err := f.matcher.Request(ctx, "runner-1", queue.Capabilities{LastQueueToken: token})
		done <- outcome{d, tok, err}
	}()

	for {
		select {
		case result := <-done:
			if result.err != nil {
				t.Fatalf("long-poll Request: %v", result.err)
			}
			if result.descriptor != nil {
				t.Fatalf("long-poll got %+v, want none", result.descriptor)
			}
			if result.token != token {
				t.Errorf("token changed across an idle wait: %q → %q", token, result.token)
			}
			return
		default:
			f.clock.Advance(time.Second)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestUnknownAndPausedRunners(t *testing.T) {
	f := newFixture(t)
	paused := &store.Runner{Token: "paused", Scope: store.ScopeInstance}
	err := f.store.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.CreateRunner(paused)
	})
	if err != nil {
		t.Fatalf("CreateRunner: %v", err)
	}

	if _, _, err := f.matcher.Request(context.Background(), "nobody", queue.Capabilities{}); err == nil {
		t.Error("unknown runner token accepted")
	}
	if _, _, err := f.matcher.Request(context.Background(), "paused", queue.Capabilities{}); err == nil {
		t.Error("paused runner accepted")
	}
}
