// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"sort"

	"github.com/conveyor-ci/conveyor/lib/status"
	"github.com/conveyor-ci/conveyor/lib/store"
)

// compositeOfJobs derives a pipeline status from its jobs, stage by
// stage: each stage aggregates its jobs (allow_failure honored), then
// the stages aggregate into the pipeline. A stage's derived status
// carries no allow-failure flag of its own — a stage whose only jobs
// are allowed to fail already reads success.
func compositeOfJobs(jobs []*store.Job) status.Status {
	byStage := make(map[int][]status.Child)
	for _, job := range jobs {
		byStage[job.StageIdx] = append(byStage[job.StageIdx], status.Child{
			Status:       job.Status,
			AllowFailure: job.AllowFailure,
		})
	}

	indexes := make([]int, 0, len(byStage))
	for idx := range byStage {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	stages := make([]status.Child, 0, len(indexes))
	for _, idx := range indexes {
		stages = append(stages, status.Child{Status: status.Composite(byStage[idx])})
	}
	return status.Composite(stages)
}

// StageStatus exposes one stage's derived status for read paths
// (stage views are never stored, always recomputed).
func StageStatus(jobs []*store.Job, stageIdx int) status.Status {
	var children []status.Child
	for _, job := range jobs {
		if job.StageIdx != stageIdx {
			continue
		}
		children = append(children, status.Child{
			Status:       job.Status,
			AllowFailure: job.AllowFailure,
		})
	}
	return status.Composite(children)
}
