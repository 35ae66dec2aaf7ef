// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/conveyor-ci/conveyor/lib/status"
)

// --- encoding helpers ---

func encodeList(list []string) string {
	if list == nil {
		return "[]"
	}
	raw, err := json.Marshal(list)
	if err != nil {
		// []string cannot fail to marshal.
		panic(fmt.Sprintf("store: encoding list: %v", err))
	}
	return string(raw)
}

func decodeList(raw string) []string {
	if raw == "" || raw == "[]" {
		return []string{}
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return []string{}
	}
	return list
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// newJobToken mints the bearer token that authorizes a job's
// runner-scoped calls.
func newJobToken() string {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("store: generating job token: %v", err))
	}
	return "cjt-" + hex.EncodeToString(raw[:])
}

// --- projects ---

// CreateProject inserts a project and assigns its ID.
func (tx *Tx) CreateProject(project *Project) error {
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO projects (namespace, name, shared_runners_enabled,
			auto_cancel_pending, plan, artifact_size_limit)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			project.Namespace, project.Name,
			boolInt(project.SharedRunnersEnabled),
			boolInt(project.AutoCancelPending),
			project.Plan, project.ArtifactSizeLimit,
		}})
	if err != nil {
		return fmt.Errorf("store: create project: %w", err)
	}
	project.ID = tx.conn.LastInsertRowID()
	return nil
}

// UpdateProject writes a project's policy fields back.
func (tx *Tx) UpdateProject(project *Project) error {
	err := sqlitex.Execute(tx.conn, `
		UPDATE projects SET shared_runners_enabled = ?,
			auto_cancel_pending = ?, plan = ?, artifact_size_limit = ?
		WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{
			boolInt(project.SharedRunnersEnabled),
			boolInt(project.AutoCancelPending),
			project.Plan, project.ArtifactSizeLimit, project.ID,
		}})
	if err != nil {
		return fmt.Errorf("store: update project %d: %w", project.ID, err)
	}
	return nil
}

// GetProject loads one project.
func (tx *Tx) GetProject(id int64) (*Project, error) {
	var project *Project
	err := sqlitex.Execute(tx.conn, `
		SELECT id, namespace, name, shared_runners_enabled,
			auto_cancel_pending, plan, artifact_size_limit
		FROM projects WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				project = &Project{
					ID:                   stmt.ColumnInt64(0),
					Namespace:            stmt.ColumnText(1),
					Name:                 stmt.ColumnText(2),
					SharedRunnersEnabled: stmt.ColumnInt64(3) != 0,
					AutoCancelPending:    stmt.ColumnInt64(4) != 0,
					Plan:                 stmt.ColumnText(5),
					ArtifactSizeLimit:    stmt.ColumnInt64(6),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: get project %d: %w", id, err)
	}
	if project == nil {
		return nil, fmt.Errorf("store: project %d: %w", id, ErrNotFound)
	}
	return project, nil
}

// --- pipelines ---

const pipelineColumns = `id, project_id, iid, ref, sha, before_sha,
	source_sha, source, status, locked, protected, failure_reason,
	parent_id, created_at, started_at, finished_at, duration_nanos,
	version`

func pipelineFromStmt(stmt *sqlite.Stmt) *Pipeline {
	return &Pipeline{
		ID:            stmt.ColumnInt64(0),
		ProjectID:     stmt.ColumnInt64(1),
		IID:           stmt.ColumnInt64(2),
		Ref:           stmt.ColumnText(3),
		SHA:           stmt.ColumnText(4),
		BeforeSHA:     stmt.ColumnText(5),
		SourceSHA:     stmt.ColumnText(6),
		Source:        PipelineSource(stmt.ColumnText(7)),
		Status:        status.Status(stmt.ColumnText(8)),
		Locked:        stmt.ColumnInt64(9) != 0,
		Protected:     stmt.ColumnInt64(10) != 0,
		FailureReason: FailureReason(stmt.ColumnText(11)),
		ParentID:      stmt.ColumnInt64(12),
		CreatedAt:     fromNanos(stmt.ColumnInt64(13)),
		StartedAt:     fromNanos(stmt.ColumnInt64(14)),
		FinishedAt:    fromNanos(stmt.ColumnInt64(15)),
		Duration:      time.Duration(stmt.ColumnInt64(16)),
		Version:       stmt.ColumnInt64(17),
	}
}

// CreatePipeline inserts a pipeline and its job graph atomically.
// The pipeline gets the project's next IID and status created; every
// job starts created. The caller supplies job tokens.
func (tx *Tx) CreatePipeline(pipeline *Pipeline, jobs []*Job) error {
	if pipeline.Status == "" {
		pipeline.Status = status.Created
	}
	if pipeline.CreatedAt.IsZero() {
		pipeline.CreatedAt = tx.store.clock.Now()
	}

	// Per-project IID sequence. Safe inside the IMMEDIATE
	// transaction: no other writer can interleave.
	err := sqlitex.Execute(tx.conn,
		`SELECT COALESCE(MAX(iid), 0) + 1 FROM pipelines WHERE project_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{pipeline.ProjectID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				pipeline.IID = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("store: next iid: %w", err)
	}

	err = sqlitex.Execute(tx.conn, `
		INSERT INTO pipelines (project_id, iid, ref, sha, before_sha,
			source_sha, source, status, locked, protected,
			failure_reason, parent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			pipeline.ProjectID, pipeline.IID, pipeline.Ref,
			pipeline.SHA, pipeline.BeforeSHA, pipeline.SourceSHA,
			string(pipeline.Source), string(pipeline.Status),
			boolInt(pipeline.Locked), boolInt(pipeline.Protected),
			string(pipeline.FailureReason), pipeline.ParentID,
			nanos(pipeline.CreatedAt),
		}})
	if err != nil {
		return fmt.Errorf("store: create pipeline: %w", err)
	}
	pipeline.ID = tx.conn.LastInsertRowID()

	for _, job := range jobs {
		job.PipelineID = pipeline.ID
		job.ProjectID = pipeline.ProjectID
		if job.Status == "" {
			job.Status = status.Created
		}
		if err := tx.insertJob(job); err != nil {
			return err
		}
	}
	return nil
}

// GetPipeline loads one pipeline.
func (tx *Tx) GetPipeline(id int64) (*Pipeline, error) {
	var pipeline *Pipeline
	err := sqlitex.Execute(tx.conn,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				pipeline = pipelineFromStmt(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: get pipeline %d: %w", id, err)
	}
	if pipeline == nil {
		return nil, fmt.Errorf("store: pipeline %d: %w", id, ErrNotFound)
	}
	return pipeline, nil
}

// ActivePipelinesBefore returns non-terminal pipelines on the same
// project/ref created before the given pipeline ID, oldest first.
// The auto-cancel pass feeds each of these to the cancellation
// cascade.
func (tx *Tx) ActivePipelinesBefore(projectID int64, ref string, beforeID int64) ([]*Pipeline, error) {
	var pipelines []*Pipeline
	err := sqlitex.Execute(tx.conn,
		`SELECT `+pipelineColumns+` FROM pipelines
		 WHERE project_id = ? AND ref = ? AND id < ?
		   AND status NOT IN ('success', 'failed', 'canceled', 'skipped')
		 ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{projectID, ref, beforeID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				pipelines = append(pipelines, pipelineFromStmt(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: active pipelines before %d: %w", beforeID, err)
	}
	return pipelines, nil
}

// ChildPipelines returns pipelines whose parent is the given one.
func (tx *Tx) ChildPipelines(parentID int64) ([]*Pipeline, error) {
	var pipelines []*Pipeline
	err := sqlitex.Execute(tx.conn,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE parent_id = ? ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{parentID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				pipelines = append(pipelines, pipelineFromStmt(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: child pipelines of %d: %w", parentID, err)
	}
	return pipelines, nil
}

// LockedPipelinesOnRef returns still-locked pipelines on the same
// project/ref created before the given pipeline ID, oldest first. The
// orchestrator unlocks these once a newer pipeline on the ref
// finishes.
func (tx *Tx) LockedPipelinesOnRef(projectID int64, ref string, beforeID int64) ([]*Pipeline, error) {
	var pipelines []*Pipeline
	err := sqlitex.Execute(tx.conn,
		`SELECT `+pipelineColumns+` FROM pipelines
		 WHERE project_id = ? AND ref = ? AND id < ? AND locked = 1
		 ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{projectID, ref, beforeID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				pipelines = append(pipelines, pipelineFromStmt(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: locked pipelines before %d: %w", beforeID, err)
	}
	return pipelines, nil
}

// SetPipelineLocked flips the artifact lock flag.
func (tx *Tx) SetPipelineLocked(pipelineID int64, locked bool) error {
	err := sqlitex.Execute(tx.conn,
		`UPDATE pipelines SET locked = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{boolInt(locked), pipelineID}})
	if err != nil {
		return fmt.Errorf("store: set pipeline %d locked: %w", pipelineID, err)
	}
	return nil
}

// --- jobs ---

const jobColumns = `id, pipeline_id, project_id, name, stage,
	stage_idx, status, allow_failure, tags, dependencies, token,
	runner_id, interruptible, erased, failure_reason, canceled_by,
	queued_at, started_at, finished_at, duration_nanos, version,
	script, timeout_nanos`

func jobFromStmt(stmt *sqlite.Stmt) *Job {
	job := &Job{
		ID:            stmt.ColumnInt64(0),
		PipelineID:    stmt.ColumnInt64(1),
		ProjectID:     stmt.ColumnInt64(2),
		Name:          stmt.ColumnText(3),
		Stage:         stmt.ColumnText(4),
		StageIdx:      stmt.ColumnInt(5),
		Status:        status.Status(stmt.ColumnText(6)),
		AllowFailure:  stmt.ColumnInt64(7) != 0,
		Tags:          decodeList(stmt.ColumnText(8)),
		Token:         stmt.ColumnText(10),
		RunnerID:      stmt.ColumnInt64(11),
		Interruptible: stmt.ColumnInt64(12) != 0,
		Erased:        stmt.ColumnInt64(13) != 0,
		FailureReason: FailureReason(stmt.ColumnText(14)),
		CanceledBy:    stmt.ColumnText(15),
		QueuedAt:      fromNanos(stmt.ColumnInt64(16)),
		StartedAt:     fromNanos(stmt.ColumnInt64(17)),
		FinishedAt:    fromNanos(stmt.ColumnInt64(18)),
		Duration:      time.Duration(stmt.ColumnInt64(19)),
		Version:       stmt.ColumnInt64(20),
		Script:        decodeList(stmt.ColumnText(21)),
		Timeout:       time.Duration(stmt.ColumnInt64(22)),
	}
	// NULL dependencies means implicit stage ordering; keep nil.
	if stmt.ColumnType(9) != sqlite.TypeNull {
		job.Dependencies = decodeList(stmt.ColumnText(9))
	}
	return job
}

func (tx *Tx) insertJob(job *Job) error {
	if job.Token == "" {
		job.Token = newJobToken()
	}
	var deps any
	if job.Dependencies != nil {
		deps = encodeList(job.Dependencies)
	}
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO jobs (pipeline_id, project_id, name, stage,
			stage_idx, status, allow_failure, tags, dependencies,
			token, interruptible, script, timeout_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			job.PipelineID, job.ProjectID, job.Name, job.Stage,
			job.StageIdx, string(job.Status),
			boolInt(job.AllowFailure), encodeList(job.Tags), deps,
			job.Token, boolInt(job.Interruptible),
			encodeList(job.Script), int64(job.Timeout),
		}})
	if err != nil {
		return fmt.Errorf("store: insert job %q: %w", job.Name, err)
	}
	job.ID = tx.conn.LastInsertRowID()
	return nil
}

// GetJob loads one job.
func (tx *Tx) GetJob(id int64) (*Job, error) {
	var job *Job
	err := sqlitex.Execute(tx.conn,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				job = jobFromStmt(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: get job %d: %w", id, err)
	}
	if job == nil {
		return nil, fmt.Errorf("store: job %d: %w", id, ErrNotFound)
	}
	return job, nil
}

// GetJobByToken authenticates a runner's job-scoped call.
func (tx *Tx) GetJobByToken(token string) (*Job, error) {
	var job *Job
	err := sqlitex.Execute(tx.conn,
		`SELECT `+jobColumns+` FROM jobs WHERE token = ?`,
		&sqlitex.ExecOptions{
			Args: []any{token},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				job = jobFromStmt(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: get job by token: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("store: job token: %w", ErrNotFound)
	}
	return job, nil
}

// PipelineJobs returns every job in a pipeline in stage order.
func (tx *Tx) PipelineJobs(pipelineID int64) ([]*Job, error) {
	var jobs []*Job
	err := sqlitex.Execute(tx.conn,
		`SELECT `+jobColumns+` FROM jobs WHERE pipeline_id = ?
		 ORDER BY stage_idx, id`,
		&sqlitex.ExecOptions{
			Args: []any{pipelineID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				jobs = append(jobs, jobFromStmt(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: pipeline %d jobs: %w", pipelineID, err)
	}
	return jobs, nil
}

// PendingJobs returns pending jobs for a set of candidate projects,
// oldest queued first. The matcher applies tag and ordering filters
// on top.
func (tx *Tx) PendingJobs(projectIDs []int64) ([]*Job, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(projectIDs))
	for i, id := range projectIDs {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, id)
	}
	var jobs []*Job
	err := sqlitex.Execute(tx.conn,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'pending' AND project_id IN (`+placeholders+`)
		 ORDER BY queued_at, id`,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				jobs = append(jobs, jobFromStmt(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: pending jobs: %w", err)
	}
	return jobs, nil
}

// InFlightJobs returns every pending and running job across all
// projects, oldest first. The sweeper scans these for timeout and
// stuck enforcement.
func (tx *Tx) InFlightJobs() ([]*Job, error) {
	var jobs []*Job
	err := sqlitex.Execute(tx.conn,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN ('pending', 'running')
		 ORDER BY id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				jobs = append(jobs, jobFromStmt(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: in-flight jobs: %w", err)
	}
	return jobs, nil
}

// AssignRunner records the claiming runner on a job row. Fired inside
// the claim transaction, after the pending→running transition
// succeeded.
func (tx *Tx) AssignRunner(jobID, runnerID int64) error {
	err := sqlitex.Execute(tx.conn,
		`UPDATE jobs SET runner_id = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{runnerID, jobID}})
	if err != nil {
		return fmt.Errorf("store: assign runner: %w", err)
	}
	return nil
}

// MarkJobErased purges flags a job as erased. Trace and artifact
// operations reject erased jobs.
func (tx *Tx) MarkJobErased(jobID int64) error {
	err := sqlitex.Execute(tx.conn,
		`UPDATE jobs SET erased = 1 WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{jobID}})
	if err != nil {
		return fmt.Errorf("store: mark job %d erased: %w", jobID, err)
	}
	return nil
}

// --- runners ---

const runnerColumns = `id, token, scope, namespace, project_id,
	active, tags, run_untagged, platform, architecture, version, ip,
	contacted_at, queue_generation`

func runnerFromStmt(stmt *sqlite.Stmt) *Runner {
	return &Runner{
		ID:              stmt.ColumnInt64(0),
		Token:           stmt.ColumnText(1),
		Scope:           RunnerScope(stmt.ColumnText(2)),
		Namespace:       stmt.ColumnText(3),
		ProjectID:       stmt.ColumnInt64(4),
		Active:          stmt.ColumnInt64(5) != 0,
		Tags:            decodeList(stmt.ColumnText(6)),
		RunUntagged:     stmt.ColumnInt64(7) != 0,
		Platform:        stmt.ColumnText(8),
		Architecture:    stmt.ColumnText(9),
		Version:         stmt.ColumnText(10),
		IP:              stmt.ColumnText(11),
		ContactedAt:     fromNanos(stmt.ColumnInt64(12)),
		QueueGeneration: stmt.ColumnInt64(13),
	}
}

// CreateRunner registers a runner and assigns its ID.
func (tx *Tx) CreateRunner(runner *Runner) error {
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO runners (token, scope, namespace, project_id,
			active, tags, run_untagged)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			runner.Token, string(runner.Scope), runner.Namespace,
			runner.ProjectID, boolInt(runner.Active),
			encodeList(runner.Tags), boolInt(runner.RunUntagged),
		}})
	if err != nil {
		return fmt.Errorf("store: create runner: %w", err)
	}
	runner.ID = tx.conn.LastInsertRowID()
	return nil
}

// GetRunnerByToken authenticates a polling runner.
func (tx *Tx) GetRunnerByToken(token string) (*Runner, error) {
	var runner *Runner
	err := sqlitex.Execute(tx.conn,
		`SELECT `+runnerColumns+` FROM runners WHERE token = ?`,
		&sqlitex.ExecOptions{
			Args: []any{token},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				runner = runnerFromStmt(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: get runner by token: %w", err)
	}
	if runner == nil {
		return nil, fmt.Errorf("store: runner token: %w", ErrNotFound)
	}
	return runner, nil
}

// TouchRunner records the capability snapshot and contact time from a
// poll.
func (tx *Tx) TouchRunner(runner *Runner) error {
	err := sqlitex.Execute(tx.conn, `
		UPDATE runners SET platform = ?, architecture = ?,
			version = ?, ip = ?, contacted_at = ?
		WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{
			runner.Platform, runner.Architecture, runner.Version,
			runner.IP, nanos(runner.ContactedAt), runner.ID,
		}})
	if err != nil {
		return fmt.Errorf("store: touch runner %d: %w", runner.ID, err)
	}
	return nil
}

// BumpQueueGenerations advances the queue generation of every runner
// that could serve the given project: its own project-scoped runners,
// group runners of its namespace, and — when the project exposes
// shared runners — instance-wide runners. Long-polling runners
// observe the change through their queue token.
func (tx *Tx) BumpQueueGenerations(project *Project) error {
	err := sqlitex.Execute(tx.conn, `
		UPDATE runners SET queue_generation = queue_generation + 1
		WHERE (scope = 'project' AND project_id = ?)
		   OR (scope = 'group' AND namespace = ?)
		   OR (scope = 'instance' AND ? != 0)`,
		&sqlitex.ExecOptions{Args: []any{
			project.ID, project.Namespace,
			boolInt(project.SharedRunnersEnabled),
		}})
	if err != nil {
		return fmt.Errorf("store: bump queue generations: %w", err)
	}
	return nil
}

// RunnerProjects resolves the project IDs a runner may serve.
func (tx *Tx) RunnerProjects(runner *Runner) ([]int64, error) {
	var (
		query string
		args  []any
	)
	switch runner.Scope {
	case ScopeInstance:
		query = `SELECT id FROM projects WHERE shared_runners_enabled = 1`
	case ScopeGroup:
		query = `SELECT id FROM projects WHERE namespace = ?`
		args = []any{runner.Namespace}
	case ScopeProject:
		query = `SELECT id FROM projects WHERE id = ?`
		args = []any{runner.ProjectID}
	default:
		return nil, fmt.Errorf("store: runner %d: unknown scope %q", runner.ID, runner.Scope)
	}

	var ids []int64
	err := sqlitex.Execute(tx.conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ids = append(ids, stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: runner projects: %w", err)
	}
	return ids, nil
}

// --- artifacts ---

// InsertArtifact records an accepted artifact slot.
func (tx *Tx) InsertArtifact(artifact *Artifact) error {
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO artifacts (job_id, file_type, format, hash, size,
			blob_key, locked)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			artifact.JobID, artifact.FileType, artifact.Format,
			artifact.Hash, artifact.Size, artifact.BlobKey,
			boolInt(artifact.Locked),
		}})
	if err != nil {
		return fmt.Errorf("store: insert artifact: %w", err)
	}
	artifact.ID = tx.conn.LastInsertRowID()
	return nil
}

// GetArtifact loads one artifact slot, or ErrNotFound.
func (tx *Tx) GetArtifact(jobID int64, fileType string) (*Artifact, error) {
	var artifact *Artifact
	err := sqlitex.Execute(tx.conn, `
		SELECT id, job_id, file_type, format, hash, size, blob_key, locked
		FROM artifacts WHERE job_id = ? AND file_type = ?`,
		&sqlitex.ExecOptions{
			Args: []any{jobID, fileType},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				artifact = &Artifact{
					ID:       stmt.ColumnInt64(0),
					JobID:    stmt.ColumnInt64(1),
					FileType: stmt.ColumnText(2),
					Format:   stmt.ColumnText(3),
					Hash:     stmt.ColumnText(4),
					Size:     stmt.ColumnInt64(5),
					BlobKey:  stmt.ColumnText(6),
					Locked:   stmt.ColumnInt64(7) != 0,
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: get artifact: %w", err)
	}
	if artifact == nil {
		return nil, fmt.Errorf("store: artifact %d/%s: %w", jobID, fileType, ErrNotFound)
	}
	return artifact, nil
}

// JobArtifacts lists every artifact slot a job has.
func (tx *Tx) JobArtifacts(jobID int64) ([]*Artifact, error) {
	var artifacts []*Artifact
	err := sqlitex.Execute(tx.conn, `
		SELECT id, job_id, file_type, format, hash, size, blob_key, locked
		FROM artifacts WHERE job_id = ? ORDER BY file_type`,
		&sqlitex.ExecOptions{
			Args: []any{jobID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				artifacts = append(artifacts, &Artifact{
					ID:       stmt.ColumnInt64(0),
					JobID:    stmt.ColumnInt64(1),
					FileType: stmt.ColumnText(2),
					Format:   stmt.ColumnText(3),
					Hash:     stmt.ColumnText(4),
					Size:     stmt.ColumnInt64(5),
					BlobKey:  stmt.ColumnText(6),
					Locked:   stmt.ColumnInt64(7) != 0,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: job %d artifacts: %w", jobID, err)
	}
	return artifacts, nil
}

// UnlockArtifacts clears the locked flag on every artifact of a
// pipeline's jobs.
func (tx *Tx) UnlockArtifacts(pipelineID int64) error {
	err := sqlitex.Execute(tx.conn, `
		UPDATE artifacts SET locked = 0
		WHERE job_id IN (SELECT id FROM jobs WHERE pipeline_id = ?)`,
		&sqlitex.ExecOptions{Args: []any{pipelineID}})
	if err != nil {
		return fmt.Errorf("store: unlock artifacts for pipeline %d: %w", pipelineID, err)
	}
	return nil
}

// --- ref status ---

// --- schedules ---

// CreateSchedule inserts a schedule and assigns its ID.
func (tx *Tx) CreateSchedule(schedule *Schedule) error {
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO schedules (project_id, ref, cron, active, definition, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			schedule.ProjectID, schedule.Ref, schedule.Cron,
			boolInt(schedule.Active), string(schedule.Definition),
			nanos(schedule.NextRunAt),
		}})
	if err != nil {
		return fmt.Errorf("store: create schedule: %w", err)
	}
	schedule.ID = tx.conn.LastInsertRowID()
	return nil
}

// DueSchedules returns active schedules whose next run time is at or
// before now.
func (tx *Tx) DueSchedules(now time.Time) ([]*Schedule, error) {
	var schedules []*Schedule
	err := sqlitex.Execute(tx.conn, `
		SELECT id, project_id, ref, cron, active, definition, next_run_at
		FROM schedules
		WHERE active = 1 AND next_run_at <= ?
		ORDER BY next_run_at, id`,
		&sqlitex.ExecOptions{
			Args: []any{nanos(now)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				schedules = append(schedules, &Schedule{
					ID:         stmt.ColumnInt64(0),
					ProjectID:  stmt.ColumnInt64(1),
					Ref:        stmt.ColumnText(2),
					Cron:       stmt.ColumnText(3),
					Active:     stmt.ColumnInt64(4) != 0,
					Definition: []byte(stmt.ColumnText(5)),
					NextRunAt:  fromNanos(stmt.ColumnInt64(6)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: due schedules: %w", err)
	}
	return schedules, nil
}

// SetScheduleNextRun advances a schedule's next due time.
func (tx *Tx) SetScheduleNextRun(scheduleID int64, next time.Time) error {
	err := sqlitex.Execute(tx.conn,
		`UPDATE schedules SET next_run_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{nanos(next), scheduleID}})
	if err != nil {
		return fmt.Errorf("store: schedule %d next run: %w", scheduleID, err)
	}
	return nil
}

// SetScheduleActive pauses or resumes a schedule.
func (tx *Tx) SetScheduleActive(scheduleID int64, active bool) error {
	err := sqlitex.Execute(tx.conn,
		`UPDATE schedules SET active = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{boolInt(active), scheduleID}})
	if err != nil {
		return fmt.Errorf("store: schedule %d active: %w", scheduleID, err)
	}
	if tx.conn.Changes() == 0 {
		return fmt.Errorf("store: schedule %d: %w", scheduleID, ErrNotFound)
	}
	return nil
}

// UpsertRefStatus maintains the latest-status-per-ref record. Called
// by the orchestrator only on success/failure transitions.
func (tx *Tx) UpsertRefStatus(record RefStatus) error {
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO ref_status (project_id, ref, status, pipeline_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (project_id, ref) DO UPDATE SET
			status = excluded.status,
			pipeline_id = excluded.pipeline_id,
			updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{
			record.ProjectID, record.Ref, string(record.Status),
			record.PipelineID, nanos(record.UpdatedAt),
		}})
	if err != nil {
		return fmt.Errorf("store: upsert ref status: %w", err)
	}
	return nil
}

// GetRefStatus loads the latest-status record for a ref, or
// ErrNotFound if no pipeline on the ref has finished yet.
func (tx *Tx) GetRefStatus(projectID int64, ref string) (*RefStatus, error) {
	var record *RefStatus
	err := sqlitex.Execute(tx.conn, `
		SELECT project_id, ref, status, pipeline_id, updated_at
		FROM ref_status WHERE project_id = ? AND ref = ?`,
		&sqlitex.ExecOptions{
			Args: []any{projectID, ref},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record = &RefStatus{
					ProjectID:  stmt.ColumnInt64(0),
					Ref:        stmt.ColumnText(1),
					Status:     status.Status(stmt.ColumnText(2)),
					PipelineID: stmt.ColumnInt64(3),
					UpdatedAt:  fromNanos(stmt.ColumnInt64(4)),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: get ref status: %w", err)
	}
	if record == nil {
		return nil, fmt.Errorf("store: ref status %d/%s: %w", projectID, ref, ErrNotFound)
	}
	return record, nil
}
