// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package store

// schema is applied on every connection via CREATE IF NOT EXISTS, so
// opening an existing database is a no-op. Timestamps are Unix
// nanoseconds with 0 meaning unset. Tag lists and dependency lists
// are JSON text; dependencies additionally distinguish NULL (implicit
// stage ordering) from '[]' (explicitly none).
const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id                     INTEGER PRIMARY KEY,
	namespace              TEXT NOT NULL,
	name                   TEXT NOT NULL,
	shared_runners_enabled INTEGER NOT NULL DEFAULT 1,
	auto_cancel_pending    INTEGER NOT NULL DEFAULT 0,
	plan                   TEXT NOT NULL DEFAULT '',
	artifact_size_limit    INTEGER NOT NULL DEFAULT 0,
	UNIQUE (namespace, name)
);

CREATE TABLE IF NOT EXISTS pipelines (
	id             INTEGER PRIMARY KEY,
	project_id     INTEGER NOT NULL,
	iid            INTEGER NOT NULL,
	ref            TEXT NOT NULL,
	sha            TEXT NOT NULL,
	before_sha     TEXT NOT NULL DEFAULT '',
	source_sha     TEXT NOT NULL DEFAULT '',
	source         TEXT NOT NULL,
	status         TEXT NOT NULL,
	locked         INTEGER NOT NULL DEFAULT 1,
	protected      INTEGER NOT NULL DEFAULT 0,
	failure_reason TEXT NOT NULL DEFAULT '',
	parent_id      INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	started_at     INTEGER NOT NULL DEFAULT 0,
	finished_at    INTEGER NOT NULL DEFAULT 0,
	duration_nanos INTEGER NOT NULL DEFAULT 0,
	version        INTEGER NOT NULL DEFAULT 0,
	UNIQUE (project_id, iid)
);

CREATE INDEX IF NOT EXISTS idx_pipelines_project_ref
	ON pipelines (project_id, ref, id);

CREATE TABLE IF NOT EXISTS jobs (
	id             INTEGER PRIMARY KEY,
	pipeline_id    INTEGER NOT NULL,
	project_id     INTEGER NOT NULL,
	name           TEXT NOT NULL,
	stage          TEXT NOT NULL,
	stage_idx      INTEGER NOT NULL,
	status         TEXT NOT NULL,
	allow_failure  INTEGER NOT NULL DEFAULT 0,
	tags           TEXT NOT NULL DEFAULT '[]',
	dependencies   TEXT,
	token          TEXT NOT NULL,
	runner_id      INTEGER NOT NULL DEFAULT 0,
	interruptible  INTEGER NOT NULL DEFAULT 0,
	erased         INTEGER NOT NULL DEFAULT 0,
	failure_reason TEXT NOT NULL DEFAULT '',
	canceled_by    TEXT NOT NULL DEFAULT '',
	queued_at      INTEGER NOT NULL DEFAULT 0,
	started_at     INTEGER NOT NULL DEFAULT 0,
	finished_at    INTEGER NOT NULL DEFAULT 0,
	duration_nanos INTEGER NOT NULL DEFAULT 0,
	version        INTEGER NOT NULL DEFAULT 0,
	script         TEXT NOT NULL DEFAULT '[]',
	timeout_nanos  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_jobs_pipeline
	ON jobs (pipeline_id, stage_idx);
CREATE INDEX IF NOT EXISTS idx_jobs_pending
	ON jobs (status, project_id, queued_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_token
	ON jobs (token);

CREATE TABLE IF NOT EXISTS runners (
	id               INTEGER PRIMARY KEY,
	token            TEXT NOT NULL UNIQUE,
	scope            TEXT NOT NULL,
	namespace        TEXT NOT NULL DEFAULT '',
	project_id       INTEGER NOT NULL DEFAULT 0,
	active           INTEGER NOT NULL DEFAULT 1,
	tags             TEXT NOT NULL DEFAULT '[]',
	run_untagged     INTEGER NOT NULL DEFAULT 1,
	platform         TEXT NOT NULL DEFAULT '',
	architecture     TEXT NOT NULL DEFAULT '',
	version          TEXT NOT NULL DEFAULT '',
	ip               TEXT NOT NULL DEFAULT '',
	contacted_at     INTEGER NOT NULL DEFAULT 0,
	queue_generation INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS artifacts (
	id        INTEGER PRIMARY KEY,
	job_id    INTEGER NOT NULL,
	file_type TEXT NOT NULL,
	format    TEXT NOT NULL,
	hash      TEXT NOT NULL,
	size      INTEGER NOT NULL,
	blob_key  TEXT NOT NULL,
	locked    INTEGER NOT NULL DEFAULT 1,
	UNIQUE (job_id, file_type)
);

CREATE TABLE IF NOT EXISTS schedules (
	id          INTEGER PRIMARY KEY,
	project_id  INTEGER NOT NULL,
	ref         TEXT NOT NULL,
	cron        TEXT NOT NULL,
	active      INTEGER NOT NULL DEFAULT 1,
	definition  TEXT NOT NULL,
	next_run_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_schedules_due
	ON schedules (active, next_run_at);

CREATE TABLE IF NOT EXISTS ref_status (
	project_id  INTEGER NOT NULL,
	ref         TEXT NOT NULL,
	status      TEXT NOT NULL,
	pipeline_id INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (project_id, ref)
);
`
