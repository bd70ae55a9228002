// Package engine drives pipeline runs to completion: it walks the
// execution plan stage by stage, fans jobs out to runners, applies
// the fail-fast and allow-failure policy, hands artifacts across
// stage boundaries, and folds job outcomes into the final status.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/dustin/go-humanize"

	"tangled.org/treadle/artifact"
	"tangled.org/treadle/config"
	"tangled.org/treadle/db"
	"tangled.org/treadle/log"
	"tangled.org/treadle/models"
	"tangled.org/treadle/notifier"
	"tangled.org/treadle/pipeline"
	"tangled.org/treadle/runner"
)

// Engine serves many concurrent runs. Executions register themselves
// so manual jobs stay playable for the lifetime of the process, even
// after their run settled.
type Engine struct {
	db      *db.DB
	n       *notifier.Notifier
	runners *runner.Registry
	store   artifact.BlobStore
	cfg     *config.Config
	l       *slog.Logger

	mu     sync.Mutex
	active map[string]*execution
}

func New(ctx context.Context, d *db.DB, n *notifier.Notifier, runners *runner.Registry, store artifact.BlobStore, cfg *config.Config) *Engine {
	return &Engine{
		db:      d,
		n:       n,
		runners: runners,
		store:   store,
		cfg:     cfg,
		l:       log.FromContext(ctx).With("component", "engine"),
		active:  make(map[string]*execution),
	}
}

// execution is the mutable state of one driven run. All state changes
// happen under mu; the stage loop re-scans after every wakeup instead
// of tracking deltas.
type execution struct {
	eng     *Engine
	id      string
	def     *pipeline.Definition
	rctx    pipeline.RunContext
	plan    pipeline.ExecutionPlan
	tracker *artifact.Tracker
	cancel  context.CancelCauseFunc
	wake    chan struct{}
	l       *slog.Logger

	mu    sync.Mutex
	run   *models.PipelineRun
	stage int // index of the first unsettled stage
	done  bool
}

// Execute drives a validated definition to completion and returns the
// finished run. Definition errors abort before any job starts; job
// and stage failures are recorded on the run rather than returned.
func (e *Engine) Execute(ctx context.Context, def *pipeline.Definition, rctx pipeline.RunContext, id string) (*models.PipelineRun, error) {
	if diags := def.Validate(); diags.IsErr() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDefinition, diags.Errors[0].String())
	}

	plan, diags := pipeline.BuildPlan(def, rctx)
	for _, w := range diags.Warnings {
		e.l.Warn("plan warning", "pipeline", id, "path", w.Path, "reason", w.Reason)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if t := e.cfg.Pipelines.RunTimeout; t > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, t)
		defer tcancel()
	}

	ex := &execution{
		eng:     e,
		id:      id,
		def:     def,
		rctx:    rctx,
		plan:    plan,
		run:     newRun(id, rctx, plan),
		tracker: artifact.NewTracker(),
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		l:       e.l.With("pipeline", id),
	}

	if err := e.db.CreateRun(ex.run, e.n); err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}

	e.mu.Lock()
	e.active[id] = ex
	e.mu.Unlock()

	ex.mu.Lock()
	ex.run.SetStatus(models.StatusRunning)
	now := time.Now()
	ex.run.StartedAt = &now
	ex.mu.Unlock()
	if err := e.db.MarkRunRunning(id, e.n); err != nil {
		return nil, err
	}
	ex.l.Info("pipeline started", "ref", rctx.Ref, "stages", len(plan.Stages), "jobs", len(def.Jobs))

	failed := false
	for si := range plan.Stages {
		if runCtx.Err() != nil {
			ex.cancelStage(si)
			continue
		}
		if ex.runStage(runCtx, si, failed) {
			failed = true
		}
	}

	return ex.run, ex.finish(runCtx)
}

// Play fires a manual job. While the job's stage is open or upcoming
// it joins the normal schedule; once the pipeline has moved past its
// stage it runs detached, without reopening settled barriers or
// revising settled verdicts.
func (e *Engine) Play(id, name string) error {
	e.mu.Lock()
	ex, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownRun
	}
	return ex.play(name)
}

// Cancel aborts a run. Running jobs are killed and marked cancelled
// once their runner confirms; unstarted work is cancelled outright.
// Cancelling a finished run is a no-op.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	ex, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownRun
	}

	ex.cancel(ErrCancelled)
	return nil
}

func newRun(id string, rctx pipeline.RunContext, plan pipeline.ExecutionPlan) *models.PipelineRun {
	run := &models.PipelineRun{
		ID:        id,
		Ref:       rctx.Ref,
		IsTag:     rctx.IsTag,
		Status:    models.StatusPending,
		Jobs:      make(map[string]*models.JobRun),
		CreatedAt: time.Now(),
	}

	for _, sp := range plan.Stages {
		run.Stages = append(run.Stages, sp.Name)
		for _, pj := range sp.Jobs {
			jr := &models.JobRun{
				Name:         pj.Spec.Name,
				Stage:        sp.Name,
				State:        pj.State,
				AllowFailure: pj.Spec.AllowFailure,
			}
			if pj.State == models.StateSkipped {
				jr.Reason = fmt.Sprintf("rules do not match ref %q", rctx.Ref)
			}
			run.Jobs[jr.Name] = jr
			run.Order = append(run.Order, jr.Name)
		}
	}

	return run
}

// runStage opens one stage barrier: it submits every eligible job in
// declaration order and blocks until the stage settles. A stage
// settles when every job that counts toward it is terminal; manual
// jobs count only while blocking. Returns whether the stage failed.
//
// When degraded is set an earlier stage already failed, and only
// `when: always` jobs may still run.
func (ex *execution) runStage(ctx context.Context, si int, degraded bool) bool {
	sp := ex.plan.Stages[si]

	stageCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	armed := make(map[string]bool, len(sp.Jobs))
	failFast := false
	done := ctx.Done()

	for {
		ex.mu.Lock()

		if !failFast && ex.stageFailureLocked(sp) {
			failFast = true
			cancel(ErrJobFailed)
		}

		waiting := false
		for i := range sp.Jobs {
			pj := &sp.Jobs[i]
			jr := ex.run.Jobs[pj.Spec.Name]

			switch jr.State {
			case models.StatePending:
				switch {
				case failFast:
					ex.skipLocked(jr, "a job in this stage failed")
				case degraded && !pj.Spec.Always():
					ex.skipLocked(jr, "an earlier stage failed")
				case stageCtx.Err() != nil:
					ex.cancelLocked(jr)
				default:
					ex.startLocked(stageCtx, pj, si)
					waiting = true
				}

			case models.StateRunning:
				waiting = true

			case models.StateManual:
				switch {
				case degraded:
					ex.skipLocked(jr, "an earlier stage failed")
				case failFast && pj.Spec.Blocking:
					ex.skipLocked(jr, "a job in this stage failed")
				case pj.Spec.Blocking:
					waiting = true
				}
				if jr.State == models.StateManual && !armed[pj.Spec.Name] {
					armed[pj.Spec.Name] = true
					ex.armExpiry(pj.Spec.Name)
				}
			}
		}

		if !waiting {
			// advance the stage pointer before releasing the lock so
			// late plays route to the detached path
			ex.stage = si + 1
			ex.mu.Unlock()
			return failFast
		}
		ex.mu.Unlock()

		select {
		case <-ex.wake:
		case <-done:
			done = nil
			ex.releaseManual(sp)
		}
	}
}

func (ex *execution) stageFailureLocked(sp pipeline.StagePlan) bool {
	for i := range sp.Jobs {
		jr := ex.run.Jobs[sp.Jobs[i].Spec.Name]
		if jr.State == models.StateFailed && !jr.AllowFailure {
			return true
		}
	}
	return false
}

// startLocked marks a pending job running and hands the heavy lifting
// to a fresh goroutine. Caller holds ex.mu; submission therefore
// follows declaration order.
func (ex *execution) startLocked(ctx context.Context, pj *pipeline.PlannedJob, si int) {
	jr := ex.run.Jobs[pj.Spec.Name]
	jr.State = models.StateRunning
	now := time.Now()
	jr.StartedAt = &now
	ex.recordLocked(jr)

	go func() {
		out := ex.perform(ctx, pj, si)
		ex.conclude(jr, out)
	}()
}

// conclude applies a job outcome and pokes the stage loop.
func (ex *execution) conclude(jr *models.JobRun, out outcome) {
	ex.mu.Lock()
	jr.State = out.state
	jr.ExitCode = out.exitCode
	jr.Reason = out.reason
	jr.Artifact = out.artifact
	now := time.Now()
	jr.FinishedAt = &now
	ex.recordLocked(jr)
	ex.mu.Unlock()

	ex.wakeup()
}

// releaseManual resolves the manual holds of a stage while the run is
// being torn down, so the barrier can settle.
func (ex *execution) releaseManual(sp pipeline.StagePlan) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	for i := range sp.Jobs {
		jr := ex.run.Jobs[sp.Jobs[i].Spec.Name]
		if jr.State == models.StateManual {
			ex.cancelLocked(jr)
		}
	}
}

// cancelStage marks every remaining job of an unreached stage
// cancelled.
func (ex *execution) cancelStage(si int) {
	sp := ex.plan.Stages[si]

	ex.mu.Lock()
	defer ex.mu.Unlock()

	for i := range sp.Jobs {
		jr := ex.run.Jobs[sp.Jobs[i].Spec.Name]
		if !jr.State.Terminal() {
			ex.cancelLocked(jr)
		}
	}
	ex.stage = si + 1
}

func (ex *execution) play(name string) error {
	pj, si := ex.plan.Find(name)
	if pj == nil {
		return ErrUnknownJob
	}

	ex.mu.Lock()
	jr := ex.run.Jobs[name]
	if jr.State != models.StateManual {
		state := jr.State
		ex.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotManual, name, state)
	}

	jr.State = models.StatePending
	ex.recordLocked(jr)

	if !ex.done && si >= ex.stage {
		ex.mu.Unlock()
		ex.wakeup()
		return nil
	}
	ex.mu.Unlock()

	ex.l.Info("manual job played after its stage settled; running detached", "job", name)
	go ex.runDetached(pj, si)
	return nil
}

func (ex *execution) runDetached(pj *pipeline.PlannedJob, si int) {
	jr := ex.run.Jobs[pj.Spec.Name]

	ex.mu.Lock()
	jr.State = models.StateRunning
	now := time.Now()
	jr.StartedAt = &now
	ex.recordLocked(jr)
	ex.mu.Unlock()

	out := ex.perform(context.Background(), pj, si)
	ex.conclude(jr, out)
}

func (ex *execution) armExpiry(name string) {
	expiry := ex.eng.cfg.Pipelines.ManualExpiry
	if expiry <= 0 {
		return
	}
	time.AfterFunc(expiry, func() { ex.expireManual(name) })
}

// expireManual applies the configured expiry action to a manual job
// that was never played. Jobs consumed in the meantime are left alone.
func (ex *execution) expireManual(name string) {
	ex.mu.Lock()
	jr := ex.run.Jobs[name]
	if jr == nil || jr.State != models.StateManual {
		ex.mu.Unlock()
		return
	}

	if ex.eng.cfg.Pipelines.ManualExpiryAction == config.ManualExpiryFail {
		jr.State = models.StateFailed
	} else {
		jr.State = models.StateSkipped
	}
	jr.Reason = ErrManualExpired.Error()
	now := time.Now()
	jr.FinishedAt = &now
	ex.recordLocked(jr)
	ex.mu.Unlock()

	ex.wakeup()
}

func (ex *execution) finish(runCtx context.Context) error {
	ex.mu.Lock()
	ex.done = true

	status := RunStatus(ex.run)
	if errors.Is(context.Cause(runCtx), context.DeadlineExceeded) && status == models.StatusCancelled {
		status = models.StatusFailed
	}

	var errMsg string
	if status == models.StatusFailed {
		if errors.Is(context.Cause(runCtx), context.DeadlineExceeded) {
			errMsg = "run exceeded the configured timeout"
		} else {
			errMsg = ex.firstFailureLocked()
		}
		ex.run.Error = errMsg
	}

	ex.run.SetStatus(status)
	now := time.Now()
	ex.run.FinishedAt = &now
	ex.mu.Unlock()

	var err error
	switch status {
	case models.StatusSuccess:
		err = ex.eng.db.MarkRunSuccess(ex.id, ex.eng.n)
	case models.StatusCancelled:
		err = ex.eng.db.MarkRunCancelled(ex.id, ex.eng.n)
	default:
		err = ex.eng.db.MarkRunFailed(ex.id, errMsg, ex.eng.n)
	}
	if err != nil {
		ex.l.Error("failed to record final status", "error", err)
	}

	ex.l.Info("pipeline finished", "status", status)
	return nil
}

func (ex *execution) firstFailureLocked() string {
	for _, name := range ex.run.Order {
		j := ex.run.Jobs[name]
		if j.State == models.StateFailed && !j.AllowFailure {
			if j.Reason != "" {
				return fmt.Sprintf("job %s: %s", name, j.Reason)
			}
			return fmt.Sprintf("job %s failed", name)
		}
	}
	return ""
}

func (ex *execution) skipLocked(jr *models.JobRun, reason string) {
	jr.State = models.StateSkipped
	jr.Reason = reason
	ex.recordLocked(jr)
}

func (ex *execution) cancelLocked(jr *models.JobRun) {
	jr.State = models.StateCancelled
	jr.Reason = "cancelled"
	ex.recordLocked(jr)
}

// recordLocked persists a job record and announces the change. Caller
// holds ex.mu; events thereby leave in state-change order.
func (ex *execution) recordLocked(jr *models.JobRun) {
	snapshot := *jr
	if err := ex.eng.db.SaveJob(ex.id, &snapshot, ex.eng.n); err != nil {
		ex.l.Error("failed to record job state", "job", jr.Name, "error", err)
	}
}

func (ex *execution) wakeup() {
	select {
	case ex.wake <- struct{}{}:
	default:
	}
}

// outcome is what perform distills a job execution into.
type outcome struct {
	state    models.JobState
	exitCode int
	reason   string
	artifact *artifact.Handle
}

func failure(reason string) outcome {
	return outcome{state: models.StateFailed, exitCode: -1, reason: reason}
}

// perform executes one job end to end: workspace setup, artifact
// inputs, runner dispatch, outcome classification and artifact
// publication. It never touches execution state; conclude does.
func (ex *execution) perform(ctx context.Context, pj *pipeline.PlannedJob, si int) outcome {
	spec := pj.Spec
	l := ex.l.With("job", spec.Name)

	rn, err := ex.eng.runners.ForTags(spec.Tags)
	if err != nil {
		return failure(fmt.Sprintf("%v: %v", err, spec.Tags))
	}

	dir, err := ex.workspace(spec.Name)
	if err != nil {
		return failure(fmt.Sprintf("creating workspace: %v", err))
	}

	for _, h := range ex.tracker.InputsFor(si) {
		rc, err := ex.eng.store.Get(ctx, h)
		if err != nil {
			return failure(fmt.Sprintf("fetching artifact of %s: %v", h.Job, err))
		}
		err = artifact.Extract(rc, dir)
		rc.Close()
		if err != nil {
			return failure(fmt.Sprintf("extracting artifact of %s: %v", h.Job, err))
		}
	}

	env := ex.def.Environment(spec, ex.rctx)
	env["CI"] = "true"
	env["TREADLE_PIPELINE_ID"] = ex.id
	env["TREADLE_JOB"] = spec.Name
	env["TREADLE_STAGE"] = spec.Stage
	env["TREADLE_REF"] = ex.rctx.Ref
	if ex.rctx.IsTag {
		env["TREADLE_TAG"] = ex.rctx.Ref
	}

	jl, err := models.NewJobLogger(ex.eng.cfg.Pipelines.LogDir, ex.id, spec.Name)
	if err != nil {
		l.Warn("job output will not be captured", "error", err)
		jl = nil
	} else {
		defer jl.Close()
	}

	jctx := ctx
	if t := ex.eng.cfg.Pipelines.JobTimeout; t > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	res, err := rn.Submit(jctx, runner.Submission{
		RunID:     ex.id,
		Job:       spec,
		Image:     ex.def.ImageFor(spec),
		Commands:  ex.def.Commands(spec),
		Env:       env,
		Workspace: dir,
		Logger:    jl,
	})
	if err != nil {
		cause := context.Cause(jctx)
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(cause, context.DeadlineExceeded):
			return failure(ErrTimedOut.Error())
		case errors.Is(err, context.Canceled):
			return outcome{state: models.StateCancelled, reason: cancelReason(cause)}
		default:
			return failure(fmt.Sprintf("runner: %v", err))
		}
	}

	if res.OOMKilled {
		return outcome{state: models.StateFailed, exitCode: res.ExitCode, reason: ErrOOMKilled.Error()}
	}

	out := outcome{exitCode: res.ExitCode}
	if res.ExitCode == 0 {
		out.state = models.StateSuccess
	} else {
		out.state = models.StateFailed
		out.reason = fmt.Sprintf("exit code %d", res.ExitCode)
	}

	if spec.Artifacts != nil && len(spec.Artifacts.Paths) > 0 && collectArtifacts(spec, out.state) {
		h, err := ex.publish(jctx, spec, si, dir)
		switch {
		case err != nil && out.state == models.StateSuccess:
			// a succeeded job that cannot deliver its declared
			// artifacts is a failed job
			out.state = models.StateFailed
			out.reason = fmt.Sprintf("publishing artifacts: %v", err)
		case err != nil:
			l.Warn("failed to publish artifacts of failed job", "error", err)
		default:
			out.artifact = h
			l.Info("published artifact", "size", humanize.Bytes(uint64(h.Size)), "files", len(h.Paths))
		}
	}

	return out
}

func collectArtifacts(spec *pipeline.JobSpec, state models.JobState) bool {
	if state == models.StateSuccess {
		return true
	}
	return state == models.StateFailed && spec.AllowFailure && spec.Artifacts.AlwaysCollect()
}

func cancelReason(cause error) string {
	if errors.Is(cause, ErrJobFailed) {
		return "a job in this stage failed"
	}
	return "cancelled"
}

func (ex *execution) publish(ctx context.Context, spec *pipeline.JobSpec, si int, dir string) (*artifact.Handle, error) {
	key := models.Normalize(ex.id) + "/" + models.Normalize(spec.Name)
	h, err := ex.eng.store.Put(ctx, key, dir, spec.Artifacts.Paths)
	if err != nil {
		return nil, err
	}
	h.Job = spec.Name

	if err := ex.tracker.Publish(spec.Name, si, h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (ex *execution) workspace(job string) (string, error) {
	dir, err := securejoin.SecureJoin(
		ex.eng.cfg.Pipelines.WorkspaceDir,
		filepath.Join(models.Normalize(ex.id), models.Normalize(job)),
	)
	if err != nil {
		return "", err
	}
	return dir, os.MkdirAll(dir, 0755)
}
