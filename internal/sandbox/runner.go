// Copyright 2020-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package sandbox

// This file contains the single container run lifecycle, loading an image
// tarball, running it to completion under mounts, limits and a wall clock
// deadline, and tearing everything down again on every exit path

import (
	"context"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/arena-ml/arena-go-runner/pkg/log"
)

// EngineClient is the slice of the engine surface one container run needs,
// satisfied by *Client
type EngineClient interface {
	LoadImage(ctx context.Context, tarPath string) (imageID string, err kv.Error)
	CreateContainer(ctx context.Context, imageID string, mounts []Mount, memoryBytes int64, nanoCPUs int64) (containerID string, err kv.Error)
	StartContainer(ctx context.Context, containerID string) (err kv.Error)
	WaitContainer(ctx context.Context, containerID string) (waitC <-chan container.WaitResponse, errC <-chan error)
	StopContainer(ctx context.Context, containerID string, grace time.Duration) (err kv.Error)
	Logs(ctx context.Context, containerID string) (logs string, err kv.Error)
	RemoveContainer(ctx context.Context, containerID string) (err kv.Error)
	RemoveImage(ctx context.Context, imageID string) (err kv.Error)
	StatsSource
}

// samplerGrace is the small delay between a container finishing and the
// sampler being stopped, it lets the sampler catch the final statistics
// snapshot of a fast exiting container
const samplerGrace = 100 * time.Millisecond

// Mount binds one host directory into the container
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunSpec describes one container run end to end
type RunSpec struct {
	// Label names the run in log output, typically the pipeline stage
	Label string

	// TarPath is the image tarball to load and run
	TarPath string

	Mounts      []Mount
	MemoryBytes int64
	CPUCores    int64

	// Timeout bounds the wall clock of the run, zero or less disables the
	// deadline
	Timeout time.Duration

	// StopGrace is how long the container is given to exit cleanly after
	// the deadline fires before it is killed
	StopGrace time.Duration

	// Sample attaches a metrics sampler to the running container
	Sample         bool
	SampleInterval time.Duration
}

// RunResult carries the observable outcome of one container run
type RunResult struct {
	// ExitCode is the container's exit status, -1 when the deadline fired
	ExitCode int64

	// TimedOut is set when the deadline won the race against the wait
	TimedOut bool

	// Logs is the merged stdout and stderr of the container, valid UTF-8
	Logs string

	// Runtime is the wall clock of the run in seconds
	Runtime float64

	// Metrics holds the sampler peaks, zero when sampling was not requested
	Metrics Summary
}

// Runner executes container runs one at a time against a shared engine
// client
type Runner struct {
	client EngineClient
	logger *log.Logger
}

// NewRunner returns a runner bound to the supplied engine client
func NewRunner(client EngineClient, logger *log.Logger) (r *Runner) {
	return &Runner{
		client: client,
		logger: logger,
	}
}

// Run loads the image, runs the container to completion and cleans up.  A
// non nil error means the run could not be carried out at all, image load,
// create, start or wait failed underneath us.  Outcomes of the container
// itself, including the deadline firing, are reported inside the result.
//
// Cleanup is unconditional.  The container and the loaded image are force
// removed on every exit path, failures there are logged and suppressed so
// that the verdict of the run is never lost to a cleanup fault.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (result *RunResult, err kv.Error) {
	logger := r.logger.With("stage", spec.Label)

	imageID, err := r.client.LoadImage(ctx, spec.TarPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		// The engine may still be tearing the container down, removal uses
		// a fresh context so shutdown does not strand the image
		if errGo := r.client.RemoveImage(context.Background(), imageID); errGo != nil {
			logger.Warn("image cleanup failed", "image", imageID, "error", errGo.Error())
		}
	}()

	containerID, err := r.client.CreateContainer(ctx, imageID, spec.Mounts, spec.MemoryBytes, spec.CPUCores*1e9)
	if err != nil {
		return nil, err
	}
	defer func() {
		if errGo := r.client.RemoveContainer(context.Background(), containerID); errGo != nil {
			logger.Warn("container cleanup failed", "container", containerID, "error", errGo.Error())
		}
	}()

	logger.Debug("container starting", "container", containerID, "image", imageID)

	started := time.Now()
	if err = r.client.StartContainer(ctx, containerID); err != nil {
		return nil, err
	}

	var sampler *Sampler
	if spec.Sample {
		sampler = NewSampler(r.client, containerID, spec.SampleInterval, logger)
		sampler.Start()
		defer sampler.Stop()
	}

	result = &RunResult{ExitCode: -1}

	// The engine client has no native deadline on waits so the wait races a
	// timer, whichever fires first decides the outcome
	waitC, errC := r.client.WaitContainer(ctx, containerID)

	var deadlineC <-chan time.Time
	if spec.Timeout > 0 {
		deadline := time.NewTimer(spec.Timeout)
		defer deadline.Stop()
		deadlineC = deadline.C
	}

	select {
	case resp := <-waitC:
		result.ExitCode = resp.StatusCode
	case errGo := <-errC:
		return nil, kv.Wrap(errGo).With("container", containerID, "stage", spec.Label).With("stack", stack.Trace().TrimRuntime())
	case <-deadlineC:
		result.TimedOut = true
		logger.Warn("deadline fired", "container", containerID, "timeout", spec.Timeout.String())
		if err = r.client.StopContainer(context.Background(), containerID, spec.StopGrace); err != nil {
			logger.Warn("container stop failed", "container", containerID, "error", err.Error())
		}
	}

	result.Runtime = round2(time.Since(started).Seconds())

	if sampler != nil {
		time.Sleep(samplerGrace)
		sampler.Stop()
		result.Metrics = sampler.Summary()
	}

	// Logs must be read before the deferred removal destroys them
	logs, errLogs := r.client.Logs(ctx, containerID)
	if errLogs != nil {
		logger.Warn("log collection failed", "container", containerID, "error", errLogs.Error())
		logs = "failed to retrieve container logs: " + errLogs.Error()
	}
	result.Logs = logs

	logger.Debug("container finished", "container", containerID,
		"exit_code", result.ExitCode, "timed_out", result.TimedOut, "runtime", result.Runtime)

	return result, nil
}
