package engine

import "tangled.org/treadle/models"

// StageStatus folds the job records of one stage. A stage fails when
// any job failed without allow_failure; cancellation and running
// states propagate; skipped jobs and manual jobs still waiting for a
// trigger never hold a stage back.
func StageStatus(run *models.PipelineRun, stage string) models.PipelineStatus {
	var running, cancelled bool

	for _, name := range run.Order {
		j := run.Jobs[name]
		if j.Stage != stage {
			continue
		}

		switch j.State {
		case models.StateFailed:
			if !j.AllowFailure {
				return models.StatusFailed
			}
		case models.StateCancelled:
			cancelled = true
		case models.StatePending, models.StateRunning:
			running = true
		}
	}

	if cancelled {
		return models.StatusCancelled
	}
	if running {
		return models.StatusRunning
	}
	return models.StatusSuccess
}

// RunStatus folds every stage into an overall status. Failure wins
// over cancellation; both win over anything still in flight.
func RunStatus(run *models.PipelineRun) models.PipelineStatus {
	var running, cancelled bool

	for _, stage := range run.Stages {
		switch StageStatus(run, stage) {
		case models.StatusFailed:
			return models.StatusFailed
		case models.StatusCancelled:
			cancelled = true
		case models.StatusRunning:
			running = true
		}
	}

	if cancelled {
		return models.StatusCancelled
	}
	if running {
		return models.StatusRunning
	}
	return models.StatusSuccess
}
