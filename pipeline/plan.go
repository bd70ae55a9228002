package pipeline

import (
	"fmt"

	"tangled.org/treadle/models"
)

// ExecutionPlan is the resolved form of a definition for one run:
// every stage in declared order, every job pinned to the state it
// starts in.
type ExecutionPlan struct {
	Stages []StagePlan
}

type StagePlan struct {
	Name string
	Jobs []PlannedJob
}

// PlannedJob pairs a job spec with its resolved initial state.
// Activation rules are evaluated exactly once, here; the scheduler
// never re-evaluates them.
type PlannedJob struct {
	Spec  *JobSpec
	State models.JobState
}

// BuildPlan walks stages in declaration order and resolves every
// job's initial state: skipped when its rule rejects the context,
// manual for unplayed manual jobs, pending otherwise. Stages without
// jobs still appear in the plan.
func BuildPlan(def *Definition, ctx RunContext) (ExecutionPlan, Diagnostics) {
	var plan ExecutionPlan
	var diags Diagnostics

	for _, stage := range def.Stages {
		sp := StagePlan{Name: stage}
		for _, job := range def.JobsInStage(stage) {
			sp.Jobs = append(sp.Jobs, PlannedJob{
				Spec:  job,
				State: initialState(job, ctx, &diags),
			})
		}
		plan.Stages = append(plan.Stages, sp)
	}

	return plan, diags
}

func initialState(job *JobSpec, ctx RunContext, diags *Diagnostics) models.JobState {
	// rules precede the when policy: a skipped manual job is never
	// offered for triggering
	if job.Rule().Evaluate(ctx) == Skip {
		diags.AddWarning(job.Name, JobSkipped, fmt.Sprintf("rules do not match ref %q", ctx.Ref))
		return models.StateSkipped
	}
	if job.Manual() && !ctx.Manual[job.Name] {
		return models.StateManual
	}
	return models.StatePending
}

// Find returns the planned job with the given name and the index of
// its stage, or nil and -1.
func (p ExecutionPlan) Find(name string) (*PlannedJob, int) {
	for si := range p.Stages {
		for ji := range p.Stages[si].Jobs {
			if p.Stages[si].Jobs[ji].Spec.Name == name {
				return &p.Stages[si].Jobs[ji], si
			}
		}
	}
	return nil, -1
}
