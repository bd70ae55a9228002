// Package docker runs jobs in throwaway containers, one container per
// job, with the job workspace bind-mounted from the host.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"golang.org/x/sync/semaphore"

	"tangled.org/treadle/config"
	"tangled.org/treadle/log"
	"tangled.org/treadle/runner"
)

const workspaceDir = "/treadle/workspace"

type Runner struct {
	docker client.APIClient
	cfg    config.Docker
	labels []string

	// sem bounds how many containers run at once; submissions past
	// the cap queue in arrival order
	sem *semaphore.Weighted

	l *slog.Logger
}

var _ runner.Runner = &Runner{}

func New(ctx context.Context, cfg config.Runner) (*Runner, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	parallelism := cfg.Docker.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}

	return &Runner{
		docker: dcli,
		cfg:    cfg.Docker,
		labels: cfg.Labels,
		sem:    semaphore.NewWeighted(parallelism),
		l:      log.FromContext(ctx).With("component", "docker-runner"),
	}, nil
}

func (r *Runner) Labels() []string {
	return r.labels
}

// Submit runs one job to completion and reports how its container
// exited. Cancelling the context kills the container.
func (r *Runner) Submit(ctx context.Context, sub runner.Submission) (runner.Result, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return runner.Result{}, err
	}
	defer r.sem.Release(1)

	img := sub.Image
	if img == "" {
		img = r.cfg.DefaultImage
	}
	if err := r.pull(ctx, img); err != nil {
		return runner.Result{}, fmt.Errorf("pulling image: %w", err)
	}

	envs := FromMap(sub.Env)
	envs.AddEnv("HOME", workspaceDir)

	resp, err := r.docker.ContainerCreate(ctx, &container.Config{
		Image:      img,
		Cmd:        []string{"/bin/sh", "-ec", strings.Join(sub.Commands, "\n")},
		WorkingDir: workspaceDir,
		Tty:        false,
		Hostname:   "treadle",
		Env:        envs.Slice(),
		Labels: map[string]string{
			"treadle.run": sub.RunID,
			"treadle.job": sub.Job.Name,
		},
	}, hostConfig(sub.Workspace), nil, nil, "")
	if err != nil {
		return runner.Result{}, fmt.Errorf("creating container: %w", err)
	}
	defer r.destroy(context.Background(), resp.ID)

	if err := r.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return runner.Result{}, fmt.Errorf("starting container: %w", err)
	}
	r.l.Info("started container", "name", resp.ID, "job", sub.Job.Name)

	// tail logs in the background
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- r.tail(ctx, resp.ID, sub)
	}()

	// wait for container completion in parallel
	waitDone := make(chan struct{})
	var state *container.State
	var waitErr error
	go func() {
		defer close(waitDone)
		state, waitErr = r.wait(ctx, resp.ID)
	}()

	select {
	case <-waitDone:
		<-tailDone

	case <-ctx.Done():
		r.l.Warn("job interrupted; killing container", "container", resp.ID, "job", sub.Job.Name)
		if err := r.destroy(context.Background(), resp.ID); err != nil {
			r.l.Error("failed to destroy container", "container", resp.ID, "error", err)
		}

		// let both goroutines wind down
		<-waitDone
		<-tailDone

		return runner.Result{}, ctx.Err()
	}

	if waitErr != nil {
		return runner.Result{}, waitErr
	}

	return runner.Result{
		ExitCode:  state.ExitCode,
		OOMKilled: state.OOMKilled,
	}, nil
}

func (r *Runner) pull(ctx context.Context, img string) error {
	attempts := r.cfg.PullAttempts
	if attempts == 0 {
		attempts = 1
	}

	return retry.Do(
		func() error {
			reader, err := r.docker.ImagePull(ctx, img, image.PullOptions{})
			if err != nil {
				return err
			}
			defer reader.Close()
			// the pull completes only once the response is drained
			_, err = io.Copy(io.Discard, reader)
			return err
		},
		retry.Attempts(attempts),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			r.l.Warn("retrying image pull", "image", img, "attempt", n+1, "error", err)
		}),
	)
}

func (r *Runner) wait(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := r.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	info, err := r.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return info.State, nil
}

func (r *Runner) tail(ctx context.Context, containerID string, sub runner.Submission) error {
	if sub.Logger == nil {
		return nil
	}

	logs, err := r.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}

	_, err = stdcopy.StdCopy(
		stripANSI(sub.Logger.Stdout()),
		stripANSI(sub.Logger.Stderr()),
		logs,
	)
	if err != nil && err != io.EOF && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}

	return nil
}

func (r *Runner) destroy(ctx context.Context, containerID string) error {
	err := r.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	if err := r.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	return nil
}

func hostConfig(workspace string) *container.HostConfig {
	return &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: workspace,
				Target: workspaceDir,
			},
			{
				Type:   mount.TypeTmpfs,
				Target: "/tmp",
				TmpfsOptions: &mount.TmpfsOptions{
					Mode: 0o1777, // world-writeable sticky bit
					Options: [][]string{
						{"exec"},
					},
				},
			},
		},
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"CAP_DAC_OVERRIDE"},
		SecurityOpt: []string{"no-new-privileges"},
	}
}

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}
