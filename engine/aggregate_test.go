package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tangled.org/treadle/models"
)

func foldRun(states map[string]models.JobState, allow map[string]bool) *models.PipelineRun {
	run := &models.PipelineRun{
		Stages: []string{"s"},
		Jobs:   make(map[string]*models.JobRun),
	}
	for name, state := range states {
		run.Jobs[name] = &models.JobRun{
			Name:         name,
			Stage:        "s",
			State:        state,
			AllowFailure: allow[name],
		}
		run.Order = append(run.Order, name)
	}
	return run
}

func TestStageStatus(t *testing.T) {
	tests := []struct {
		name   string
		states map[string]models.JobState
		allow  map[string]bool
		want   models.PipelineStatus
	}{
		{
			name:   "all success",
			states: map[string]models.JobState{"a": models.StateSuccess, "b": models.StateSuccess},
			want:   models.StatusSuccess,
		},
		{
			name:   "failure wins over everything",
			states: map[string]models.JobState{"a": models.StateFailed, "b": models.StateRunning, "c": models.StateCancelled},
			want:   models.StatusFailed,
		},
		{
			name:   "allowed failure does not count",
			states: map[string]models.JobState{"a": models.StateFailed, "b": models.StateSuccess},
			allow:  map[string]bool{"a": true},
			want:   models.StatusSuccess,
		},
		{
			name:   "cancellation beats running",
			states: map[string]models.JobState{"a": models.StateCancelled, "b": models.StateRunning},
			want:   models.StatusCancelled,
		},
		{
			name:   "pending keeps the stage running",
			states: map[string]models.JobState{"a": models.StatePending, "b": models.StateSuccess},
			want:   models.StatusRunning,
		},
		{
			name:   "waiting manual jobs never hold the stage",
			states: map[string]models.JobState{"a": models.StateSuccess, "b": models.StateManual},
			want:   models.StatusSuccess,
		},
		{
			name:   "all skipped is success",
			states: map[string]models.JobState{"a": models.StateSkipped, "b": models.StateSkipped},
			want:   models.StatusSuccess,
		},
		{
			name:   "empty stage is success",
			states: map[string]models.JobState{},
			want:   models.StatusSuccess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := foldRun(tt.states, tt.allow)
			assert.Equal(t, tt.want, StageStatus(run, "s"))
		})
	}
}

func TestRunStatus(t *testing.T) {
	run := &models.PipelineRun{
		Stages: []string{"build", "test", "deploy"},
		Jobs: map[string]*models.JobRun{
			"compile": {Name: "compile", Stage: "build", State: models.StateSuccess},
			"unit":    {Name: "unit", Stage: "test", State: models.StateFailed},
			"ship":    {Name: "ship", Stage: "deploy", State: models.StateSkipped},
		},
		Order: []string{"compile", "unit", "ship"},
	}

	assert.Equal(t, models.StatusFailed, RunStatus(run))

	// failure wins over cancellation across stages
	run.Jobs["ship"].State = models.StateCancelled
	assert.Equal(t, models.StatusFailed, RunStatus(run))

	run.Jobs["unit"].State = models.StateSuccess
	assert.Equal(t, models.StatusCancelled, RunStatus(run))

	run.Jobs["ship"].State = models.StateRunning
	assert.Equal(t, models.StatusRunning, RunStatus(run))

	run.Jobs["ship"].State = models.StateSuccess
	assert.Equal(t, models.StatusSuccess, RunStatus(run))
}
