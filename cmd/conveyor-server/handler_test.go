// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/conveyor-ci/conveyor/lib/artifact"
	"github.com/conveyor-ci/conveyor/lib/blobstore"
	"github.com/conveyor-ci/conveyor/lib/clock"
	"github.com/conveyor-ci/conveyor/lib/hooks"
	"github.com/conveyor-ci/conveyor/lib/orchestrator"
	"github.com/conveyor-ci/conveyor/lib/queue"
	"github.com/conveyor-ci/conveyor/lib/schedule"
	"github.com/conveyor-ci/conveyor/lib/store"
	"github.com/conveyor-ci/conveyor/lib/testutil"
	"github.com/conveyor-ci/conveyor/lib/trace"
	"github.com/conveyor-ci/conveyor/lib/vcs"
)

type fixture struct {
	api     *API
	server  *httptest.Server
	store   *store.Store
	vcs     *vcs.Fake
	clock   *clock.Fake
	project *store.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	logger := testutil.DiscardLogger()

	s, err := store.Open(store.Config{
		Path:   filepath.Join(t.TempDir(), "engine.db"),
		Clock:  fake,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	blobs, err := blobstore.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("blobstore.NewFS: %v", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Store: s, Dispatcher: &hooks.Recorder{}, Logger: logger,
	})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}

	traces, err := trace.NewManager(trace.Config{Blobs: blobs, Clock: fake, Logger: logger})
	if err != nil {
		t.Fatalf("trace.NewManager: %v", err)
	}

	artifacts, err := artifact.NewIntake(artifact.Config{Blobs: blobs, Logger: logger})
	if err != nil {
		t.Fatalf("artifact.NewIntake: %v", err)
	}

	backend := vcs.NewFake()
	scheduler, err := schedule.New(schedule.Config{
		Store: s, Orchestrator: orch, VCS: backend, Clock: fake, Logger: logger,
	})
	if err != nil {
		t.Fatalf("schedule.New: %v", err)
	}

	matcher, err := queue.NewMatcher(queue.Config{
		Store: s, Orchestrator: orch, VCS: backend, Clock: fake, Logger: logger,
		PollTimeout: time.Second, PollInterval: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("queue.NewMatcher: %v", err)
	}

	project := &store.Project{Namespace: "acme", Name: "widgets", SharedRunnersEnabled: true}
	err = s.WithTx(context.Background(), func(tx *store.Tx) error {
		if err := tx.CreateProject(project); err != nil {
			return err
		}
		return tx.CreateRunner(&store.Runner{
			Token: "runner-1", Scope: store.ScopeInstance, Active: true, RunUntagged: true,
		})
	})
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}
	backend.AddRef(project.ID, "main", "abc")
	backend.AddCommit(project.ID, &vcs.Commit{
		SHA: "abc", Title: "add widgets", AuthorName: "Dev", AuthorEmail: "dev@example.com",
	})

	api := &API{
		store: s, orch: orch, matcher: matcher, traces: traces,
		artifacts: artifacts, vcs: backend, scheduler: scheduler, logger: logger,
	}
	server := httptest.NewServer(api.Routes())
	t.Cleanup(server.Close)

	return &fixture{api: api, server: server, store: s, vcs: backend, clock: fake, project: project}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// createPipeline posts a one-job pipeline and returns its ID.
func (f *fixture) createPipeline(t *testing.T) int64 {
	t.Helper()
	resp := f.do(t, "POST", "/api/v1/pipelines", createPipelineRequest{
		ProjectID: f.project.ID, Ref: "main", SHA: "abc",
		Jobs: []createJobRequest{
			{Name: "build", Stage: "build", StageIdx: 0, Script: []string{"make"}},
		},
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create pipeline: status %d", resp.StatusCode)
	}
	var created pipelineResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if created.Status != "pending" {
		t.Fatalf("pipeline status = %q, want pending", created.Status)
	}
	return created.ID
}

// requestJob polls as runner-1 and returns the claimed descriptor.
func (f *fixture) requestJob(t *testing.T) *queue.Descriptor {
	t.Helper()
	resp := f.do(t, "POST", "/api/v1/jobs/request", requestJobRequest{Token: "runner-1"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("job request: status %d", resp.StatusCode)
	}
	if resp.Header.Get(headerQueueToken) == "" {
		t.Fatal("missing queue token header")
	}
	var descriptor queue.Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&descriptor); err != nil {
		t.Fatalf("decoding descriptor: %v", err)
	}
	return &descriptor
}

func TestPipelineLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.createPipeline(t)

	descriptor := f.requestJob(t)
	if descriptor.Name != "build" {
		t.Fatalf("descriptor name = %q, want build", descriptor.Name)
	}
	if descriptor.Git.SHA != "abc" {
		t.Fatalf("descriptor sha = %q, want abc", descriptor.Git.SHA)
	}

	// Report success with the job token.
	resp := f.do(t, "PUT", fmt.Sprintf("/api/v1/jobs/%d", descriptor.JobID), updateJobRequest{
		Token: descriptor.Token, State: "success",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status update: %d", resp.StatusCode)
	}

	// A second poll finds nothing and answers 204 with a queue token.
	resp = f.do(t, "POST", "/api/v1/jobs/request", requestJobRequest{Token: "runner-1"}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("empty poll: status %d", resp.StatusCode)
	}
	if resp.Header.Get(headerQueueToken) == "" {
		t.Fatal("missing queue token header on empty poll")
	}
}

func TestCreatePipelineUnknownRef(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "POST", "/api/v1/pipelines", createPipelineRequest{
		ProjectID: f.project.ID, Ref: "gone", SHA: "abc",
		Jobs: []createJobRequest{{Name: "build", Stage: "build"}},
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRequestJobUnknownRunner(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "POST", "/api/v1/jobs/request", requestJobRequest{Token: "bogus"}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestUpdateJobWrongToken(t *testing.T) {
	f := newFixture(t)
	f.createPipeline(t)
	descriptor := f.requestJob(t)

	resp := f.do(t, "PUT", fmt.Sprintf("/api/v1/jobs/%d", descriptor.JobID), updateJobRequest{
		Token: "wrong", State: "success",
	}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestTracePatch(t *testing.T) {
	f := newFixture(t)
	f.createPipeline(t)
	descriptor := f.requestJob(t)
	auth := map[string]string{headerJobToken: descriptor.Token, "Content-Range": "0-4"}

	resp := f.do(t, "PATCH", fmt.Sprintf("/api/v1/jobs/%d/trace", descriptor.JobID),
		[]byte("hello"), auth)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("trace patch: status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Range"); got != "0-5" {
		t.Fatalf("Range = %q, want 0-5", got)
	}
	if resp.Header.Get(headerUpdateInterval) == "" {
		t.Fatal("missing update interval header")
	}

	// Stale range: server answers 416 with the authoritative range.
	resp = f.do(t, "PATCH", fmt.Sprintf("/api/v1/jobs/%d/trace", descriptor.JobID),
		[]byte("x"), map[string]string{headerJobToken: descriptor.Token, "Content-Range": "9-9"})
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("stale patch: status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Range"); got != "0-4" {
		t.Fatalf("authoritative Range = %q, want 0-4", got)
	}

	// Viewers read the live buffer back.
	resp = f.do(t, "GET", fmt.Sprintf("/api/v1/jobs/%d/trace", descriptor.JobID), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trace get: status %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if buf.String() != "hello" {
		t.Fatalf("trace body = %q, want hello", buf.String())
	}
}

func TestTracePatchRejectedAfterTerminal(t *testing.T) {
	f := newFixture(t)
	id := f.createPipeline(t)
	descriptor := f.requestJob(t)
	auth := map[string]string{headerJobToken: descriptor.Token, "Content-Range": "0-4"}

	resp := f.do(t, "PATCH", fmt.Sprintf("/api/v1/jobs/%d/trace", descriptor.JobID),
		[]byte("hello"), auth)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("trace patch: status %d", resp.StatusCode)
	}

	resp = f.do(t, "POST", fmt.Sprintf("/api/v1/pipelines/%d/cancel", id),
		cancelRequest{Actor: "user:alice"}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel: status %d", resp.StatusCode)
	}

	// The job is canceled: further appends are rejected even though
	// the runner still holds a valid token.
	resp = f.do(t, "PATCH", fmt.Sprintf("/api/v1/jobs/%d/trace", descriptor.JobID),
		[]byte("after"), map[string]string{headerJobToken: descriptor.Token, "Content-Range": "5-9"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("post-cancel patch: status %d, want 403", resp.StatusCode)
	}

	// The stored trace keeps only the pre-cancel bytes.
	resp = f.do(t, "GET", fmt.Sprintf("/api/v1/jobs/%d/trace", descriptor.JobID), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trace get: status %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if buf.String() != "hello" {
		t.Fatalf("trace body = %q, want hello", buf.String())
	}
}

func TestArtifactUploadAndDownload(t *testing.T) {
	f := newFixture(t)
	f.createPipeline(t)
	descriptor := f.requestJob(t)
	auth := map[string]string{headerJobToken: descriptor.Token}

	resp := f.do(t, "POST",
		fmt.Sprintf("/api/v1/jobs/%d/artifacts/authorize?artifact_type=junit&size=100", descriptor.JobID),
		nil, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorize: status %d", resp.StatusCode)
	}

	var gz bytes.Buffer
	writer := gzip.NewWriter(&gz)
	writer.Write([]byte("<testsuite/>"))
	writer.Close()

	resp = f.do(t, "POST",
		fmt.Sprintf("/api/v1/jobs/%d/artifacts?artifact_type=junit&artifact_format=gzip", descriptor.JobID),
		gz.Bytes(), auth)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload: status %d", resp.StatusCode)
	}

	// Wrong format for the type is rejected.
	resp = f.do(t, "POST",
		fmt.Sprintf("/api/v1/jobs/%d/artifacts?artifact_type=junit&artifact_format=raw", descriptor.JobID),
		[]byte("plain"), auth)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad format upload: status %d", resp.StatusCode)
	}

	// The uploading job can read its own artifact back (same
	// pipeline rule).
	resp = f.do(t, "GET",
		fmt.Sprintf("/api/v1/jobs/%d/artifacts/junit", descriptor.JobID), nil, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download: status %d", resp.StatusCode)
	}
	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	if !bytes.Equal(body.Bytes(), gz.Bytes()) {
		t.Fatal("downloaded content differs from upload")
	}

	// No token: 404/403, never content.
	resp = f.do(t, "GET",
		fmt.Sprintf("/api/v1/jobs/%d/artifacts/junit", descriptor.JobID), nil, nil)
	if resp.StatusCode == http.StatusOK {
		t.Fatal("unauthenticated download succeeded")
	}
}

func TestCreateSchedule(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, "POST", "/api/v1/schedules", createScheduleRequest{
		ProjectID: f.project.ID, Ref: "main", Cron: "0 2 * * *",
		Jobs: []createJobRequest{
			{Name: "nightly", Stage: "build", StageIdx: 0, Script: []string{"make"}},
		},
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create schedule: status %d", resp.StatusCode)
	}
	var created scheduleResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if created.NextRunAt != "2026-03-02T02:00:00Z" {
		t.Fatalf("next_run_at = %q, want next 02:00 UTC", created.NextRunAt)
	}

	// Pausing makes the scheduler skip it.
	resp = f.do(t, "PUT", fmt.Sprintf("/api/v1/schedules/%d/active", created.ID),
		setActiveRequest{Active: false}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("deactivate: status %d", resp.StatusCode)
	}

	resp = f.do(t, "PUT", "/api/v1/schedules/999/active", setActiveRequest{Active: false}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deactivate missing: status %d", resp.StatusCode)
	}
}

func TestCreateScheduleRejectsBadCron(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "POST", "/api/v1/schedules", createScheduleRequest{
		ProjectID: f.project.ID, Ref: "main", Cron: "whenever",
		Jobs: []createJobRequest{{Name: "nightly", Stage: "build"}},
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCancelPipeline(t *testing.T) {
	f := newFixture(t)
	id := f.createPipeline(t)

	resp := f.do(t, "POST", fmt.Sprintf("/api/v1/pipelines/%d/cancel", id),
		cancelRequest{Actor: "user:alice"}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel: status %d", resp.StatusCode)
	}

	var pipeline *store.Pipeline
	err := f.store.WithTx(context.Background(), func(tx *store.Tx) (err error) {
		pipeline, err = tx.GetPipeline(id)
		return err
	})
	if err != nil {
		t.Fatalf("GetPipeline: %v", err)
	}
	if pipeline.Status != "canceled" {
		t.Fatalf("pipeline status = %q, want canceled", pipeline.Status)
	}
}
