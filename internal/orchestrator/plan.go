package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"jobsengine/internal/job"
	"jobsengine/internal/pipeline"
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

// stagePlans names the execution stages of each job kind, matching the task
// names its executor emits. The stage view stays in sync with the log
// narrative without the executors knowing stage ids.
var stagePlans = map[job.Kind][]string{
	job.KindDeployment:  {"render", "apply", "rollout"},
	job.KindImageBuild:  {"context", "build"},
	job.KindVenvBuild:   {"create", "install"},
	job.KindModelMirror: {"pull", "verify", "push"},
}

// stagePlan builds the pending stage rows for a new job.
func stagePlan(j *job.Job) []pipeline.Stage {
	names := stagePlans[j.Kind]
	stages := make([]pipeline.Stage, 0, len(names))
	for i, name := range names {
		stages = append(stages, pipeline.Stage{
			ID:     uuid.NewString(),
			JobID:  j.ID,
			Name:   name,
			Index:  i,
			Status: job.StatusPending,
		})
	}
	return stages
}
