// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/conveyor-ci/conveyor/lib/artifact"
	"github.com/conveyor-ci/conveyor/lib/orchestrator"
	"github.com/conveyor-ci/conveyor/lib/queue"
	"github.com/conveyor-ci/conveyor/lib/schedule"
	"github.com/conveyor-ci/conveyor/lib/service"
	"github.com/conveyor-ci/conveyor/lib/statemachine"
	"github.com/conveyor-ci/conveyor/lib/store"
	"github.com/conveyor-ci/conveyor/lib/trace"
	"github.com/conveyor-ci/conveyor/lib/vcs"
)

// Headers of the runner protocol.
const (
	headerJobToken       = "X-Conveyor-Job-Token"
	headerQueueToken     = "X-Conveyor-Queue-Token"
	headerUpdateInterval = "X-Conveyor-Trace-Update-Interval"
)

// maxUploadBytes caps a single artifact upload read. The intake
// enforces the real per-project limit; this is the absolute backstop
// against unbounded request bodies.
const maxUploadBytes = 4 << 30

// API is the runner-facing and user-facing HTTP surface.
type API struct {
	store     *store.Store
	orch      *orchestrator.Orchestrator
	matcher   *queue.Matcher
	traces    *trace.Manager
	artifacts *artifact.Intake
	vcs       vcs.Backend
	scheduler *schedule.Scheduler
	logger    *slog.Logger
}

// Routes builds the request mux.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/pipelines", a.createPipeline)
	mux.HandleFunc("POST /api/v1/pipelines/{id}/cancel", a.cancelPipeline)

	mux.HandleFunc("POST /api/v1/schedules", a.createSchedule)
	mux.HandleFunc("PUT /api/v1/schedules/{id}/active", a.setScheduleActive)

	mux.HandleFunc("POST /api/v1/jobs/request", a.requestJob)
	mux.HandleFunc("PUT /api/v1/jobs/{id}", a.updateJob)
	mux.HandleFunc("PATCH /api/v1/jobs/{id}/trace", a.patchTrace)
	mux.HandleFunc("GET /api/v1/jobs/{id}/trace", a.getTrace)

	mux.HandleFunc("POST /api/v1/jobs/{id}/artifacts/authorize", a.authorizeArtifact)
	mux.HandleFunc("POST /api/v1/jobs/{id}/artifacts", a.uploadArtifact)
	mux.HandleFunc("GET /api/v1/jobs/{id}/artifacts/{type}", a.downloadArtifact)

	return mux
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"message": message})
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

// --- Pipelines ---

type createPipelineRequest struct {
	ProjectID int64  `json:"project_id"`
	Ref       string `json:"ref"`
	SHA       string `json:"sha"`
	BeforeSHA string `json:"before_sha,omitempty"`
	Source    string `json:"source,omitempty"`
	Protected bool   `json:"protected"`

	Jobs []createJobRequest `json:"jobs"`
}

type createJobRequest struct {
	Name          string   `json:"name"`
	Stage         string   `json:"stage"`
	StageIdx      int      `json:"stage_idx"`
	Script        []string `json:"script"`
	Tags          []string `json:"tags,omitempty"`
	AllowFailure  bool     `json:"allow_failure"`
	Interruptible bool     `json:"interruptible"`

	// Dependencies distinguishes absent (stage ordering applies) from
	// explicitly empty (no dependencies).
	Dependencies []string `json:"dependencies,omitempty"`

	TimeoutSeconds int64 `json:"timeout_seconds,omitempty"`
}

type pipelineResponse struct {
	ID     int64  `json:"id"`
	IID    int64  `json:"iid"`
	Status string `json:"status"`
}

func (a *API) createPipeline(w http.ResponseWriter, r *http.Request) {
	var req createPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.ProjectID <= 0 || req.Ref == "" || req.SHA == "" || len(req.Jobs) == 0 {
		writeError(w, http.StatusBadRequest, "project_id, ref, sha and jobs are required")
		return
	}

	exists, err := a.vcs.RefExists(r.Context(), req.ProjectID, req.Ref)
	if err != nil {
		a.logger.Error("ref check failed", "project_id", req.ProjectID, "ref", req.Ref, "error", err)
		writeError(w, http.StatusBadGateway, "vcs backend unavailable")
		return
	}
	if !exists {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("ref %q not found", req.Ref))
		return
	}

	source := store.PipelineSource(req.Source)
	if source == "" {
		source = store.SourceAPI
	}
	pipeline := &store.Pipeline{
		ProjectID: req.ProjectID,
		Ref:       req.Ref,
		SHA:       req.SHA,
		BeforeSHA: req.BeforeSHA,
		Source:    source,
		Protected: req.Protected,
	}
	jobs := make([]*store.Job, len(req.Jobs))
	for i, j := range req.Jobs {
		jobs[i] = &store.Job{
			Name:          j.Name,
			Stage:         j.Stage,
			StageIdx:      j.StageIdx,
			Script:        j.Script,
			Tags:          j.Tags,
			AllowFailure:  j.AllowFailure,
			Interruptible: j.Interruptible,
			Dependencies:  j.Dependencies,
			Timeout:       time.Duration(j.TimeoutSeconds) * time.Second,
		}
	}

	if err := a.orch.CreatePipeline(r.Context(), pipeline, jobs); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		a.logger.Error("pipeline creation failed", "project_id", req.ProjectID, "error", err)
		writeError(w, http.StatusInternalServerError, "pipeline creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, pipelineResponse{
		ID:     pipeline.ID,
		IID:    pipeline.IID,
		Status: string(pipeline.Status),
	})
}

type cancelRequest struct {
	Actor string `json:"actor"`
}

func (a *API) cancelPipeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid pipeline id")
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}
	if err := a.orch.CancelPipeline(r.Context(), id, req.Actor); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "pipeline not found")
			return
		}
		a.logger.Error("pipeline cancel failed", "pipeline_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Schedules ---

type createScheduleRequest struct {
	ProjectID int64  `json:"project_id"`
	Ref       string `json:"ref"`
	Cron      string `json:"cron"`

	Jobs []createJobRequest `json:"jobs"`
}

type scheduleResponse struct {
	ID        int64  `json:"id"`
	NextRunAt string `json:"next_run_at"`
}

func (a *API) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.ProjectID <= 0 || req.Ref == "" || req.Cron == "" || len(req.Jobs) == 0 {
		writeError(w, http.StatusBadRequest, "project_id, ref, cron and jobs are required")
		return
	}

	exists, err := a.vcs.RefExists(r.Context(), req.ProjectID, req.Ref)
	if err != nil {
		a.logger.Error("ref check failed", "project_id", req.ProjectID, "ref", req.Ref, "error", err)
		writeError(w, http.StatusBadGateway, "vcs backend unavailable")
		return
	}
	if !exists {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("ref %q not found", req.Ref))
		return
	}

	defs := make([]schedule.JobDef, len(req.Jobs))
	for i, j := range req.Jobs {
		defs[i] = schedule.JobDef{
			Name:           j.Name,
			Stage:          j.Stage,
			StageIdx:       j.StageIdx,
			Script:         j.Script,
			Tags:           j.Tags,
			AllowFailure:   j.AllowFailure,
			Interruptible:  j.Interruptible,
			Dependencies:   j.Dependencies,
			TimeoutSeconds: j.TimeoutSeconds,
		}
	}
	definition, err := schedule.Definition(defs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sched := &store.Schedule{
		ProjectID:  req.ProjectID,
		Ref:        req.Ref,
		Cron:       req.Cron,
		Active:     true,
		Definition: definition,
	}
	if err := a.scheduler.Create(r.Context(), sched); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, scheduleResponse{
		ID:        sched.ID,
		NextRunAt: sched.NextRunAt.UTC().Format(time.RFC3339),
	})
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

func (a *API) setScheduleActive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	var req setActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	err := a.store.WithTx(r.Context(), func(tx *store.Tx) error {
		return tx.SetScheduleActive(id, req.Active)
	})
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err != nil {
		a.logger.Error("schedule update failed", "schedule_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "schedule update failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Job queue ---

type requestJobRequest struct {
	Token string `json:"token"`

	Info struct {
		Platform     string `json:"platform,omitempty"`
		Architecture string `json:"architecture,omitempty"`
		Version      string `json:"version,omitempty"`
	} `json:"info"`

	LastQueueToken string `json:"last_update,omitempty"`
	MinJobAgeSecs  int64  `json:"job_age,omitempty"`
}

func (a *API) requestJob(w http.ResponseWriter, r *http.Request) {
	var req requestJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "runner token is required")
		return
	}

	caps := queue.Capabilities{
		Platform:       req.Info.Platform,
		Architecture:   req.Info.Architecture,
		Version:        req.Info.Version,
		IP:             r.RemoteAddr,
		LastQueueToken: req.LastQueueToken,
		MinJobAge:      time.Duration(req.MinJobAgeSecs) * time.Second,
	}
	descriptor, queueToken, err := a.matcher.Request(r.Context(), req.Token, caps)
	switch {
	case errors.Is(err, queue.ErrUnknownRunner):
		writeError(w, http.StatusForbidden, "unknown runner token")
		return
	case errors.Is(err, queue.ErrRunnerPaused):
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		a.logger.Error("job request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "job request failed")
		return
	}

	w.Header().Set(headerQueueToken, queueToken)
	if descriptor == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, descriptor)
}

// --- Job status ---

type updateJobRequest struct {
	Token         string `json:"token"`
	State         string `json:"state"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func (a *API) updateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	var req updateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" || req.State == "" {
		writeError(w, http.StatusBadRequest, "token and state are required")
		return
	}

	job, ok := a.jobForToken(w, r, id, req.Token)
	if !ok {
		return
	}

	err := a.orch.UpdateJobStatus(r.Context(), job.Token, req.State, store.FailureReason(req.FailureReason))
	var unknown *statemachine.UnknownStatusError
	var invalid *statemachine.InvalidTransitionError
	switch {
	case errors.As(err, &unknown):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrForbidden):
		writeError(w, http.StatusForbidden, "job no longer accepts updates")
	case errors.As(err, &invalid), errors.Is(err, store.ErrStaleVersion):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		a.logger.Error("status update failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "status update failed")
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// jobForToken authenticates a job-scoped call: the presented token
// must belong to the job named in the path. Token mismatches and
// missing jobs are both 403 — a caller probing job IDs learns nothing.
func (a *API) jobForToken(w http.ResponseWriter, r *http.Request, jobID int64, token string) (*store.Job, bool) {
	var job *store.Job
	err := a.store.WithTx(r.Context(), func(tx *store.Tx) (err error) {
		job, err = tx.GetJob(jobID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) || (err == nil && !service.TokensEqual(token, job.Token)) {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil, false
	}
	if err != nil {
		a.logger.Error("job lookup failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return nil, false
	}
	return job, true
}

// --- Trace ---

func (a *API) patchTrace(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, ok := a.jobForToken(w, r, id, r.Header.Get(headerJobToken))
	if !ok {
		return
	}
	if job.Erased {
		writeError(w, http.StatusForbidden, "job trace is erased")
		return
	}
	// Terminal jobs stop accepting bytes immediately, without waiting
	// for the async finalization to close the live buffer.
	if job.Status.Terminal() {
		writeError(w, http.StatusForbidden, "job trace is closed")
		return
	}

	var start, end int64
	if _, err := fmt.Sscanf(r.Header.Get("Content-Range"), "%d-%d", &start, &end); err != nil {
		writeError(w, http.StatusBadRequest, "malformed Content-Range")
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}

	result, err := a.traces.Append(r.Context(), id, start, end, payload)
	var rangeErr *trace.RangeError
	switch {
	case errors.As(err, &rangeErr):
		w.Header().Set("Range", rangeErr.AuthoritativeRange())
		writeError(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
	case errors.Is(err, trace.ErrConflict):
		writeError(w, http.StatusConflict, "concurrent trace append")
	case errors.Is(err, trace.ErrForbidden):
		writeError(w, http.StatusForbidden, "job trace is closed")
	case err != nil:
		a.logger.Error("trace append failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "trace append failed")
	default:
		w.Header().Set("Range", fmt.Sprintf("0-%d", result.Length))
		w.Header().Set(headerUpdateInterval, strconv.FormatInt(int64(result.PollInterval.Seconds()), 10))
		w.WriteHeader(http.StatusAccepted)
	}
}

func (a *API) getTrace(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	var job *store.Job
	err := a.store.WithTx(r.Context(), func(tx *store.Tx) (err error) {
		job, err = tx.GetJob(id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	if job.Erased {
		writeError(w, http.StatusNotFound, "job trace is erased")
		return
	}

	// A viewer fetching the trace marks the job watched, which tells
	// the runner to tighten its update interval.
	a.traces.MarkWatched(id)

	data, err := a.traces.Read(id)
	if errors.Is(err, trace.ErrForbidden) {
		// Finalized: serve the archive instead of the live buffer.
		data, err = a.traces.ReadArchive(r.Context(), id)
	}
	if err != nil {
		a.logger.Error("trace read failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "trace read failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// --- Artifacts ---

func (a *API) authorizeArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, ok := a.jobForToken(w, r, id, r.Header.Get(headerJobToken))
	if !ok {
		return
	}

	fileType := r.URL.Query().Get("artifact_type")
	size, _ := strconv.ParseInt(r.URL.Query().Get("size"), 10, 64)

	var project *store.Project
	err := a.store.WithTx(r.Context(), func(tx *store.Tx) (err error) {
		project, err = tx.GetProject(job.ProjectID)
		return err
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "project lookup failed")
		return
	}

	err = a.artifacts.Authorize(project, fileType, size)
	var sizeErr *artifact.SizeError
	switch {
	case errors.As(err, &sizeErr):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, artifact.ErrUnknownFileType):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "authorize failed")
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (a *API) uploadArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, ok := a.jobForToken(w, r, id, r.Header.Get(headerJobToken))
	if !ok {
		return
	}
	if job.Erased {
		writeError(w, http.StatusForbidden, "job artifacts are erased")
		return
	}

	fileType := r.URL.Query().Get("artifact_type")
	format := r.URL.Query().Get("artifact_format")

	content, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}

	err = a.store.WithTx(r.Context(), func(tx *store.Tx) error {
		project, err := tx.GetProject(job.ProjectID)
		if err != nil {
			return err
		}
		_, err = a.artifacts.Accept(r.Context(), tx, project, job, fileType, format, content)
		return err
	})
	var sizeErr *artifact.SizeError
	var formatErr *artifact.FormatError
	switch {
	case errors.As(err, &sizeErr):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.As(err, &formatErr), errors.Is(err, artifact.ErrUnknownFileType):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, artifact.ErrSlotConflict):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		a.logger.Error("artifact upload failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "artifact upload failed")
	default:
		w.WriteHeader(http.StatusCreated)
	}
}

// downloadArtifact serves an artifact to a dependent job. The caller
// authenticates with its own job token; access is granted when both
// jobs belong to the same pipeline.
func (a *API) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	fileType := r.PathValue("type")
	token := r.Header.Get(headerJobToken)

	var (
		record  *store.Artifact
		content []byte
	)
	err := a.store.WithTx(r.Context(), func(tx *store.Tx) error {
		caller, err := tx.GetJobByToken(token)
		if err != nil {
			return err
		}
		owner, err := tx.GetJob(id)
		if err != nil {
			return err
		}
		if caller.PipelineID != owner.PipelineID {
			return store.ErrNotFound
		}
		if owner.Erased {
			return store.ErrNotFound
		}
		record, content, err = a.artifacts.Fetch(r.Context(), tx, id, fileType)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		a.logger.Error("artifact download failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "artifact download failed")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(record.Size, 10))
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}
