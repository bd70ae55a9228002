// Package runner defines the execution side of the engine: something
// that takes a fully resolved job and runs it to completion somewhere.
package runner

import (
	"context"
	"errors"

	"tangled.org/treadle/models"
	"tangled.org/treadle/pipeline"
)

// ErrNoRunner means no registered runner's label set covers a job's
// tags.
var ErrNoRunner = errors.New("no runner matches job tags")

// Submission is everything a runner needs to execute one job: the
// spec, the resolved image, command list and environment, and a
// workspace directory with artifact inputs already materialized.
type Submission struct {
	RunID     string
	Job       *pipeline.JobSpec
	Image     string
	Commands  []string
	Env       map[string]string
	Workspace string
	Logger    *models.JobLogger
}

// Result carries the exit indication of a finished job. A non-zero
// exit code is not a Submit error; the engine decides what a failure
// means. Submit errors are reserved for infrastructure problems and
// cancellation.
type Result struct {
	ExitCode  int
	OOMKilled bool
}

// Runner executes submissions. Implementations stop the job as soon
// as possible when the context is cancelled.
type Runner interface {
	Labels() []string
	Submit(ctx context.Context, sub Submission) (Result, error)
}
