package models

import (
	"regexp"
	"time"

	"tangled.org/treadle/artifact"
)

// JobState tracks one job through its lifecycle. Skipped, success,
// failed and cancelled are terminal; a job parked in manual is waiting
// for a trigger and may still move.
type JobState string

var (
	StatePending   JobState = "pending"
	StateManual    JobState = "manual"
	StateRunning   JobState = "running"
	StateSuccess   JobState = "success"
	StateFailed    JobState = "failed"
	StateSkipped   JobState = "skipped"
	StateCancelled JobState = "cancelled"
)

func (s JobState) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateSkipped, StateCancelled:
		return true
	}
	return false
}

type PipelineStatus string

var (
	StatusPending   PipelineStatus = "pending"
	StatusRunning   PipelineStatus = "running"
	StatusSuccess   PipelineStatus = "success"
	StatusFailed    PipelineStatus = "failed"
	StatusCancelled PipelineStatus = "cancelled"
)

func (s PipelineStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// JobRun is the execution record of a single job within one pipeline
// run.
type JobRun struct {
	Name         string           `json:"name"`
	Stage        string           `json:"stage"`
	State        JobState         `json:"state"`
	AllowFailure bool             `json:"allow_failure,omitempty"`
	ExitCode     int              `json:"exit_code,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	Artifact     *artifact.Handle `json:"artifact,omitempty"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
}

// PipelineRun holds every job record of one pipeline execution. It is
// built once when the run is triggered; afterwards only the engine
// mutates it.
type PipelineRun struct {
	ID     string         `json:"id"`
	Ref    string         `json:"ref"`
	IsTag  bool           `json:"is_tag,omitempty"`
	Status PipelineStatus `json:"status"`
	Error  string         `json:"error,omitempty"`

	Stages []string           `json:"stages"`
	Jobs   map[string]*JobRun `json:"jobs"`
	// Order lists job names in declaration order, for stable reporting.
	Order []string `json:"order"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// SetStatus applies a status transition. Terminal statuses stick:
// a run that already failed or was cancelled keeps that verdict even
// when manual jobs played afterwards report their outcomes.
func (r *PipelineRun) SetStatus(s PipelineStatus) bool {
	if r.Status.Terminal() {
		return false
	}
	r.Status = s
	return true
}

// StatusEvent is the payload appended to the event log whenever a run
// or one of its jobs changes state.
type StatusEvent struct {
	Pipeline  string `json:"pipeline"`
	Job       string `json:"job,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Status    string `json:"status"`
	ExitCode  int    `json:"exit_code,omitempty"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// Normalize maps a run or job name onto a slug safe for file and
// directory names.
func Normalize(name string) string {
	return unsafeChars.ReplaceAllString(name, "-")
}
