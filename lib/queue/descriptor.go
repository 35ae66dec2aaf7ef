// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"

	"github.com/conveyor-ci/conveyor/lib/orchestrator"
	"github.com/conveyor-ci/conveyor/lib/status"
	"github.com/conveyor-ci/conveyor/lib/store"
	"github.com/conveyor-ci/conveyor/lib/vcs"
)

// Descriptor is everything a runner needs to execute a claimed job.
type Descriptor struct {
	JobID        int64  `json:"id"`
	Token        string `json:"token"`
	Name         string `json:"name"`
	Stage        string `json:"stage"`
	AllowFailure bool   `json:"allow_failure"`

	// Steps are the script commands in execution order.
	Steps []string `json:"steps"`

	// TimeoutSeconds overrides the runner's default when non-zero.
	TimeoutSeconds int64 `json:"timeout_seconds,omitempty"`

	Git GitInfo `json:"git"`

	Variables []orchestrator.Variable `json:"variables"`

	// Dependencies are the earlier jobs whose artifacts this job may
	// download, each with the token that authorizes the download.
	Dependencies []Dependency `json:"dependencies"`
}

// GitInfo tells the runner what to fetch and how.
type GitInfo struct {
	Ref       string `json:"ref"`
	SHA       string `json:"sha"`
	BeforeSHA string `json:"before_sha,omitempty"`
	Protected bool   `json:"protected"`

	// Depth is the shallow-clone depth; 0 means full history.
	Depth int `json:"depth"`

	// RefSpecs are the fetch refspecs: the branch itself plus the
	// pipeline ref, which pins the exact SHA even after the branch
	// moves on.
	RefSpecs []string `json:"refspecs"`

	// Commit metadata for the pipeline's SHA, when the VCS backend
	// had it.
	CommitTitle   string `json:"commit_title,omitempty"`
	CommitAuthor  string `json:"commit_author,omitempty"`
	CommitMessage string `json:"commit_message,omitempty"`
}

// Dependency is one upstream job the claimed job may pull artifacts
// from.
type Dependency struct {
	JobID         int64    `json:"id"`
	Name          string   `json:"name"`
	Token         string   `json:"token"`
	ArtifactTypes []string `json:"artifact_types,omitempty"`
}

// defaultFetchDepth is the shallow-clone depth used when the pipeline
// has a before-SHA to diff against; full history otherwise.
const defaultFetchDepth = 20

// claim records the winning runner on the job and assembles its
// descriptor. Called after the pending→running transition committed;
// an error here means infrastructure trouble and the caller drops the
// job with a scheduler failure.
func (m *Matcher) claim(ctx context.Context, jobID int64, runner *store.Runner) (*Descriptor, error) {
	var (
		job      *store.Job
		project  *store.Project
		pipeline *store.Pipeline
		deps     []Dependency
	)
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.AssignRunner(jobID, runner.ID); err != nil {
			return err
		}
		var err error
		if job, err = tx.GetJob(jobID); err != nil {
			return err
		}
		if project, err = tx.GetProject(job.ProjectID); err != nil {
			return err
		}
		if pipeline, err = tx.GetPipeline(job.PipelineID); err != nil {
			return err
		}
		siblings, err := tx.PipelineJobs(job.PipelineID)
		if err != nil {
			return err
		}
		deps, err = dependencyList(tx, job, siblings)
		return err
	})
	if err != nil {
		return nil, err
	}

	// One explicit batch fetch for every SHA the descriptor needs,
	// instead of a lookup per field.
	shas := make([]string, 0, 3)
	for _, sha := range []string{pipeline.SHA, pipeline.BeforeSHA, pipeline.SourceSHA} {
		if sha != "" {
			shas = append(shas, sha)
		}
	}
	commits, err := m.vcs.Commits(ctx, project.ID, shas)
	if err != nil {
		return nil, fmt.Errorf("queue: fetching commit metadata: %w", err)
	}
	commit := commits[pipeline.SHA]

	descriptor := &Descriptor{
		JobID:          job.ID,
		Token:          job.Token,
		Name:           job.Name,
		Stage:          job.Stage,
		AllowFailure:   job.AllowFailure,
		Steps:          job.Script,
		TimeoutSeconds: int64(job.Timeout.Seconds()),
		Git:            gitInfo(pipeline, commit),
		Variables:      orchestrator.PredefinedVariables(project, pipeline, job, commit),
		Dependencies:   deps,
	}
	return descriptor, nil
}

// dependencyList resolves which finished jobs the claimed job may
// download artifacts from: its explicit allow-list when present,
// otherwise every succeeded job in an earlier stage.
func dependencyList(tx *store.Tx, job *store.Job, siblings []*store.Job) ([]Dependency, error) {
	var upstream []*store.Job
	if job.Dependencies != nil {
		byName := make(map[string]*store.Job, len(siblings))
		for _, sibling := range siblings {
			byName[sibling.Name] = sibling
		}
		for _, name := range job.Dependencies {
			if dependency, ok := byName[name]; ok {
				upstream = append(upstream, dependency)
			}
		}
	} else {
		for _, sibling := range siblings {
			if sibling.StageIdx < job.StageIdx {
				upstream = append(upstream, sibling)
			}
		}
	}

	var deps []Dependency
	for _, dependency := range upstream {
		if dependency.Status != status.Success {
			continue
		}
		artifacts, err := tx.JobArtifacts(dependency.ID)
		if err != nil {
			return nil, err
		}
		types := make([]string, 0, len(artifacts))
		for _, artifact := range artifacts {
			types = append(types, artifact.FileType)
		}
		deps = append(deps, Dependency{
			JobID:         dependency.ID,
			Name:          dependency.Name,
			Token:         dependency.Token,
			ArtifactTypes: types,
		})
	}
	return deps, nil
}

func gitInfo(pipeline *store.Pipeline, commit *vcs.Commit) GitInfo {
	info := GitInfo{
		Ref:       pipeline.Ref,
		SHA:       pipeline.SHA,
		BeforeSHA: pipeline.BeforeSHA,
		Protected: pipeline.Protected,
		RefSpecs: []string{
			fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", pipeline.Ref, pipeline.Ref),
			fmt.Sprintf("+refs/pipelines/%d:refs/pipelines/%d", pipeline.ID, pipeline.ID),
		},
	}
	if pipeline.BeforeSHA != "" {
		info.Depth = defaultFetchDepth
	}
	if commit != nil {
		info.CommitTitle = commit.Title
		info.CommitMessage = commit.Message
		info.CommitAuthor = fmt.Sprintf("%s <%s>", commit.AuthorName, commit.AuthorEmail)
	}
	return info
}
