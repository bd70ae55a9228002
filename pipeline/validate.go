package pipeline

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrNoStages          = errors.New("no stages declared")
	ErrDuplicateStage    = errors.New("duplicate stage")
	ErrUnknownStage      = errors.New("job references an undeclared stage")
	ErrDuplicateJob      = errors.New("duplicate job name")
	ErrNoScript          = errors.New("job has no script")
	ErrBlockingNotManual = errors.New("blocking requires `when: manual`")
	ErrBadWhen           = errors.New("`when` must be on_success, manual or always")
	ErrBadCollect        = errors.New("`artifacts.when` must be on_success or always")
)

// Validate checks the structural invariants of a definition: stages
// exist and are unique, every job names a declared stage, and per-job
// policies are coherent. Activation patterns are checked too, but a
// bad pattern only warns; the job simply never matches on it.
func (d *Definition) Validate() Diagnostics {
	var diags Diagnostics

	if len(d.Stages) == 0 {
		diags.AddError("pipeline", ErrNoStages)
	}
	declared := make(map[string]bool, len(d.Stages))
	for _, s := range d.Stages {
		if declared[s] {
			diags.AddError("pipeline", fmt.Errorf("%w: %q", ErrDuplicateStage, s))
		}
		declared[s] = true
	}

	names := make(map[string]bool, len(d.Jobs))
	for _, j := range d.Jobs {
		if names[j.Name] {
			diags.AddError(j.Name, ErrDuplicateJob)
			continue
		}
		names[j.Name] = true
		diags.Combine(d.validateJob(j))
	}

	return diags
}

func (d *Definition) validateJob(j *JobSpec) Diagnostics {
	var diags Diagnostics

	if !slices.Contains(d.Stages, j.Stage) {
		diags.AddError(j.Name, fmt.Errorf("%w: %q", ErrUnknownStage, j.Stage))
	}
	if len(j.Script) == 0 {
		diags.AddError(j.Name, ErrNoScript)
	}

	switch j.When {
	case "", WhenOnSuccess, WhenManual, WhenAlways:
	default:
		diags.AddError(j.Name, fmt.Errorf("%w, got %q", ErrBadWhen, j.When))
	}
	if j.Blocking && j.When != WhenManual {
		diags.AddError(j.Name, ErrBlockingNotManual)
	}

	if j.Artifacts != nil {
		if len(j.Artifacts.Paths) == 0 {
			diags.AddWarning(j.Name, InvalidConfiguration, "artifacts declared without paths")
		}
		switch j.Artifacts.When {
		case "", CollectOnSuccess, CollectAlways:
		default:
			diags.AddError(j.Name, fmt.Errorf("%w, got %q", ErrBadCollect, j.Artifacts.When))
		}
	}

	for _, problem := range j.Rule().Problems() {
		diags.AddWarning(j.Name, InvalidPattern, problem.Error())
	}

	return diags
}
