// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package schedule_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/conveyor-ci/conveyor/lib/clock"
	"github.com/conveyor-ci/conveyor/lib/hooks"
	"github.com/conveyor-ci/conveyor/lib/orchestrator"
	"github.com/conveyor-ci/conveyor/lib/schedule"
	"github.com/conveyor-ci/conveyor/lib/status"
	"github.com/conveyor-ci/conveyor/lib/store"
	"github.com/conveyor-ci/conveyor/lib/testutil"
	"github.com/conveyor-ci/conveyor/lib/vcs"
)

type fixture struct {
	store     *store.Store
	orch      *orchestrator.Orchestrator
	scheduler *schedule.Scheduler
	clock     *clock.Fake
	vcs       *vcs.Fake
	project   *store.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC))
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
	scheduler, err := schedule.New(schedule.Config{
		Store:        s,
		Orchestrator: orch,
		VCS:          backend,
		Clock:        fake,
		Logger:       testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("schedule.New: %v", err)
	}

	project := &store.Project{Namespace: "acme", Name: "widgets"}
	err = s.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.CreateProject(project)
	})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	backend.AddRef(project.ID, "main", "abc123")
	return &fixture{store: s, orch: orch, scheduler: scheduler, clock: fake, vcs: backend, project: project}
}

func (f *fixture) createSchedule(t *testing.T, cron string, jobs []schedule.JobDef) *store.Schedule {
	t.Helper()
	definition, err := schedule.Definition(jobs)
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}
	s := &store.Schedule{
		ProjectID:  f.project.ID,
		Ref:        "main",
		Cron:       cron,
		Active:     true,
		Definition: definition,
	}
	if err := f.scheduler.Create(context.Background(), s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

func (f *fixture) due(t *testing.T, now time.Time) []*store.Schedule {
	t.Helper()
	var due []*store.Schedule
	err := f.store.WithTx(context.Background(), func(tx *store.Tx) (err error) {
		due, err = tx.DueSchedules(now)
		return err
	})
	if err != nil {
		t.Fatalf("DueSchedules: %v", err)
	}
	return due
}

var nightly = []schedule.JobDef{
	{Name: "build", Stage: "build", StageIdx: 0, Script: []string{"make"}},
	{Name: "test", Stage: "test", StageIdx: 1, Script: []string{"make test"}},
}

func TestCreateStampsNextRun(t *testing.T) {
	f := newFixture(t)

	s := f.createSchedule(t, "0 2 * * *", nightly)
	want := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)
	if !s.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %v, want %v", s.NextRunAt, want)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	definition, _ := schedule.Definition(nightly)
	bad := []*store.Schedule{
		{ProjectID: f.project.ID, Ref: "main", Cron: "not cron", Definition: definition},
		{ProjectID: f.project.ID, Ref: "main", Cron: "0 2 * * *", Definition: []byte("{")},
		{ProjectID: f.project.ID, Ref: "main", Cron: "0 2 * * *", Definition: []byte("[]")},
	}
	for _, s := range bad {
		if err := f.scheduler.Create(context.Background(), s); err == nil {
			t.Errorf("Create(cron=%q definition=%q) succeeded, want error", s.Cron, s.Definition)
		}
	}
}

func TestTickFiresDueSchedule(t *testing.T) {
	f := newFixture(t)
	f.createSchedule(t, "0 2 * * *", nightly)

	// Not yet due: nothing happens.
	if err := f.scheduler.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, err := f.pipeline(1); err == nil {
		t.Fatal("pipeline created before schedule was due")
	}

	f.clock.Advance(17 * time.Hour) // past 02:00 next day
	if err := f.scheduler.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	pipeline, err := f.pipeline(1)
	if err != nil {
		t.Fatalf("pipeline not created: %v", err)
	}
	if pipeline.Source != store.SourceSchedule {
		t.Errorf("source = %q, want schedule", pipeline.Source)
	}
	if pipeline.SHA != "abc123" {
		t.Errorf("sha = %q, want head of main", pipeline.SHA)
	}
	if pipeline.Status != status.Pending {
		t.Errorf("status = %q, want pending", pipeline.Status)
	}

	var jobs []*store.Job
	err = f.store.WithTx(context.Background(), func(tx *store.Tx) (err error) {
		jobs, err = tx.PipelineJobs(pipeline.ID)
		return err
	})
	if err != nil {
		t.Fatalf("PipelineJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("job count = %d, want 2", len(jobs))
	}
	if jobs[0].Name != "build" || jobs[0].Status != status.Pending {
		t.Errorf("first job = %s/%s, want build/pending", jobs[0].Name, jobs[0].Status)
	}
}

func TestTickAdvancesNextRun(t *testing.T) {
	f := newFixture(t)
	f.createSchedule(t, "0 2 * * *", nightly)

	f.clock.Advance(17 * time.Hour)
	if err := f.scheduler.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	// The schedule must not be due again until the following 02:00.
	if due := f.due(t, f.clock.Now()); len(due) != 0 {
		t.Fatalf("schedule still due immediately after firing")
	}
	next := time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC)
	if due := f.due(t, next); len(due) != 1 {
		t.Fatalf("schedule not due at following 02:00")
	}
}

func TestTickFiresOncePerDueTime(t *testing.T) {
	f := newFixture(t)
	f.createSchedule(t, "0 2 * * *", nightly)

	f.clock.Advance(17 * time.Hour)
	for i := 0; i < 3; i++ {
		if err := f.scheduler.Tick(context.Background()); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}
	if _, err := f.pipeline(2); err == nil {
		t.Fatal("repeated ticks created a second pipeline")
	}
}

func TestTickSkipsBrokenScheduleAndAdvances(t *testing.T) {
	f := newFixture(t)
	f.createSchedule(t, "0 2 * * *", nightly)
	f.vcs.Fail = true

	f.clock.Advance(17 * time.Hour)
	if err := f.scheduler.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, err := f.pipeline(1); err == nil {
		t.Fatal("pipeline created despite unreachable backend")
	}
	// The failed run still advances the schedule: no retry storm.
	if due := f.due(t, f.clock.Now()); len(due) != 0 {
		t.Fatal("failed schedule left due")
	}

	// The backend recovering brings the schedule back on its next due
	// time.
	f.vcs.Fail = false
	f.clock.Advance(24 * time.Hour)
	if err := f.scheduler.Tick(context.Background()); err != nil {
		t.Fatalf("Tick after recovery: %v", err)
	}
	if _, err := f.pipeline(1); err != nil {
		t.Fatalf("pipeline not created after recovery: %v", err)
	}
}

func TestRunFiresOnClock(t *testing.T) {
	f := newFixture(t)
	f.createSchedule(t, "* * * * *", nightly)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.scheduler.Run(ctx)
		close(done)
	}()

	// Advance only once Run has parked on its scan timer; advancing
	// earlier would leave the timer's deadline in the future forever.
	waitForTimer(t, f.clock)
	f.clock.Advance(schedule.DefaultScanInterval)

	deadline := time.After(2 * time.Second)
	for {
		if _, err := f.pipeline(1); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Run never fired the due schedule")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

// waitForTimer blocks until a goroutine has registered an After timer
// on the fake clock.
func waitForTimer(t *testing.T, fake *clock.Fake) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for fake.Waiters() == 0 {
		select {
		case <-deadline:
			t.Fatal("no timer registered on the fake clock")
		case <-time.After(time.Millisecond):
		}
	}
}

func (f *fixture) pipeline(id int64) (*store.Pipeline, error) {
	var pipeline *store.Pipeline
	err := f.store.WithTx(context.Background(), func(tx *store.Tx) (err error) {
		pipeline, err = tx.GetPipeline(id)
		return err
	})
	return pipeline, err
}
