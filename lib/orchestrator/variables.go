// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/conveyor-ci/conveyor/lib/store"
	"github.com/conveyor-ci/conveyor/lib/vcs"
)

// Variable is one resolved environment variable handed to a job.
type Variable struct {
	Key   string `json:"key"`
	Value string `json:"value"`

	// Masked variables are scrubbed from trace output by the runner.
	Masked bool `json:"masked,omitempty"`
}

// PredefinedVariables assembles the variable set every job receives:
// pipeline identity, project identity, job identity, ref metadata,
// and — when available — commit metadata. commit may be nil when the
// VCS backend had no record for the pipeline's SHA.
func PredefinedVariables(project *store.Project, pipeline *store.Pipeline, job *store.Job, commit *vcs.Commit) []Variable {
	variables := []Variable{
		{Key: "CI", Value: "true"},
		{Key: "CI_PIPELINE_ID", Value: strconv.FormatInt(pipeline.ID, 10)},
		{Key: "CI_PIPELINE_IID", Value: strconv.FormatInt(pipeline.IID, 10)},
		{Key: "CI_PIPELINE_SOURCE", Value: string(pipeline.Source)},
		{Key: "CI_COMMIT_REF_NAME", Value: pipeline.Ref},
		{Key: "CI_COMMIT_REF_SLUG", Value: refSlug(pipeline.Ref)},
		{Key: "CI_COMMIT_REF_PROTECTED", Value: strconv.FormatBool(pipeline.Protected)},
		{Key: "CI_COMMIT_SHA", Value: pipeline.SHA},
		{Key: "CI_COMMIT_SHORT_SHA", Value: shortSHA(pipeline.SHA)},
		{Key: "CI_COMMIT_BEFORE_SHA", Value: pipeline.BeforeSHA},
		{Key: "CI_JOB_ID", Value: strconv.FormatInt(job.ID, 10)},
		{Key: "CI_JOB_NAME", Value: job.Name},
		{Key: "CI_JOB_STAGE", Value: job.Stage},
		{Key: "CI_JOB_TOKEN", Value: job.Token, Masked: true},
		{Key: "CI_PROJECT_ID", Value: strconv.FormatInt(project.ID, 10)},
		{Key: "CI_PROJECT_NAME", Value: project.Name},
		{Key: "CI_PROJECT_NAMESPACE", Value: project.Namespace},
		{Key: "CI_PROJECT_PATH", Value: fmt.Sprintf("%s/%s", project.Namespace, project.Name)},
	}

	if commit != nil {
		variables = append(variables,
			Variable{Key: "CI_COMMIT_TITLE", Value: commit.Title},
			Variable{Key: "CI_COMMIT_MESSAGE", Value: commit.Message},
			Variable{Key: "CI_COMMIT_AUTHOR", Value: fmt.Sprintf("%s <%s>", commit.AuthorName, commit.AuthorEmail)},
			Variable{Key: "CI_COMMIT_TIMESTAMP", Value: commit.Timestamp.Format("2006-01-02T15:04:05Z07:00")},
		)
	}

	if pipeline.ParentID != 0 {
		variables = append(variables, Variable{
			Key: "CI_PARENT_PIPELINE_ID", Value: strconv.FormatInt(pipeline.ParentID, 10),
		})
	}
	return variables
}

// refSlug lowercases the ref and squashes everything outside [a-z0-9]
// to hyphens, trimmed to 63 bytes for DNS-label use.
func refSlug(ref string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(ref) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > 63 {
		slug = strings.Trim(slug[:63], "-")
	}
	return slug
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
