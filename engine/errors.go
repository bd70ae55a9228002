package engine

import "errors"

var (
	ErrInvalidDefinition = errors.New("invalid pipeline definition")
	ErrJobFailed         = errors.New("job failed")
	ErrOOMKilled         = errors.New("oom killed")
	ErrTimedOut          = errors.New("timed out")
	ErrCancelled         = errors.New("cancelled")
	ErrManualExpired     = errors.New("manual trigger expired")
	ErrUnknownRun        = errors.New("unknown pipeline run")
	ErrUnknownJob        = errors.New("unknown job")
	ErrNotManual         = errors.New("job is not awaiting a manual trigger")
)
