// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package eval

// This file contains the evaluation worker that turns one task into a
// verdict by driving the two stage sandbox pipeline, the participant's
// image against the contest input first and the organizer's scoring image
// against the participant's output second

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jjeffery/kv" // MIT License

	"github.com/arena-ml/arena-go-runner/internal/io"
	"github.com/arena-ml/arena-go-runner/internal/sandbox"
	"github.com/arena-ml/arena-go-runner/internal/store"
	"github.com/arena-ml/arena-go-runner/internal/task"
	"github.com/arena-ml/arena-go-runner/pkg/log"
)

// MissingResultsSentinel is appended to the participant log when their
// container exits cleanly without leaving the required verdict file
const MissingResultsSentinel = "results.json not found under /output"

// Stop grace periods handed to the sandbox when a deadline fires.  The
// participant gets longer to flush its output, the organizer is expected to
// be a small scoring routine.
const (
	participantStopGrace = 10 * time.Second
	organizerStopGrace   = 5 * time.Second
)

// Engine is the sandbox surface the worker drives.  It is satisfied by the
// sandbox runner and by stubs in tests.
type Engine interface {
	Run(ctx context.Context, spec sandbox.RunSpec) (result *sandbox.RunResult, err kv.Error)
}

// Limits bound one pipeline stage
type Limits struct {
	Timeout     time.Duration
	CPUCores    int64
	MemoryBytes int64
}

// Options configures the worker
type Options struct {
	Participant    Limits
	Organizer      Limits
	SampleInterval time.Duration
}

// Worker evaluates tasks one at a time
type Worker struct {
	engine Engine
	store  *store.Store
	opts   Options
	logger *log.Logger
}

// NewWorker returns a worker bound to a sandbox engine and a submission
// store
func NewWorker(engine Engine, s *store.Store, opts Options, logger *log.Logger) (w *Worker) {
	return &Worker{
		engine: engine,
		store:  s,
		opts:   opts,
		logger: logger,
	}
}

// Evaluate runs the pipeline for one task and always produces a verdict,
// failures of the orchestration itself become the error verdict with the
// failure text standing in for the participant log.
//
// The organizer stage runs regardless of a participant timeout or container
// failure, organizers may award partial credit or score the absence of an
// output.  It is skipped only when stage one failed inside the
// orchestration, scoring torn output cannot improve on that verdict.
func (w *Worker) Evaluate(ctx context.Context, item task.Task) (result *task.Result) {
	logger := w.logger.With("contest", item.ContestID, "submission", item.SubmissionID)

	status, participantLogs, runtimeInfo := w.runParticipant(ctx, item, logger)

	organizerLogs := ""
	var organizerResults []byte
	if status != task.StatusError {
		organizerLogs, organizerResults, status = w.runOrganizer(ctx, item, status, runtimeInfo, logger)
	}

	return &task.Result{
		Code:             status.WireCode(),
		Desc:             status.Desc(),
		ParticipantLogs:  participantLogs,
		OrganizerLogs:    organizerLogs,
		OrganizerResults: organizerResults,
		ParticipantImage: relativeImage(item.ImageTarPath, item.ContestDir),
		ParticipantID:    item.ParticipantID,
	}
}

// runParticipant executes stage one and classifies its outcome.  The mount
// contract is the contest input dataset read only at /input and the
// submission's output directory writable at /output, with the input mount
// omitted for contests that ship no dataset.
func (w *Worker) runParticipant(ctx context.Context, item task.Task, logger *log.Logger) (status task.Status, logs string, info task.RuntimeInfo) {
	mounts := []sandbox.Mount{
		{Source: item.OutputDir, Target: "/output"},
	}
	if datasetDir := w.store.DatasetSourceDir(item.ContestID); dirExists(datasetDir) {
		mounts = append(mounts, sandbox.Mount{Source: datasetDir, Target: "/input", ReadOnly: true})
	}

	run, err := w.engine.Run(ctx, sandbox.RunSpec{
		Label:          "participant",
		TarPath:        item.ImageTarPath,
		Mounts:         mounts,
		MemoryBytes:    w.opts.Participant.MemoryBytes,
		CPUCores:       w.opts.Participant.CPUCores,
		Timeout:        w.opts.Participant.Timeout,
		StopGrace:      participantStopGrace,
		Sample:         true,
		SampleInterval: w.opts.SampleInterval,
	})
	if err != nil {
		logger.Warn("participant run failed", "error", err.Error())
		return task.StatusError, err.Error(), info
	}

	info = task.RuntimeInfo{
		CPU:     run.Metrics.CPUPeak,
		Memory:  run.Metrics.MemoryPeak,
		Runtime: run.Runtime,
	}
	logs = run.Logs

	switch {
	case run.TimedOut:
		status = task.StatusTimeout
	case run.ExitCode == 0 && fileExists(filepath.Join(item.OutputDir, store.ResultsFileName)):
		status = task.StatusSuccess
	case run.ExitCode == 0:
		status = task.StatusContainerError
		if len(logs) != 0 {
			logs += "\n"
		}
		logs += MissingResultsSentinel
	default:
		status = task.StatusContainerError
	}
	return status, logs, info
}

// runOrganizer executes stage two and the verdict validation of stage
// three.  Organizer failures never improve and rarely worsen the standing
// status, the single downgrade is a verdict file that fails validation.
func (w *Worker) runOrganizer(ctx context.Context, item task.Task, status task.Status, info task.RuntimeInfo, logger *log.Logger) (logs string, results []byte, out task.Status) {
	out = status

	imagePath, err := w.store.OrganizerImagePath(item.ContestID)
	if err != nil || len(imagePath) == 0 {
		// Contest with no organizer, the participant outcome stands
		return "", nil, out
	}
	if !fileExists(imagePath) {
		logger.Warn("organizer image missing", "image", imagePath)
		return "", nil, out
	}

	organizerOutput := filepath.Join(item.SubmissionDir, store.OrganizerOutputDirName)
	mounts := []sandbox.Mount{
		{Source: item.OutputDir, Target: "/input", ReadOnly: true},
		{Source: organizerOutput, Target: "/output"},
	}
	if resultDir := w.store.DatasetResultDir(item.ContestID); dirExists(resultDir) {
		mounts = append(mounts, sandbox.Mount{Source: resultDir, Target: "/result", ReadOnly: true})
	}

	run, err := w.engine.Run(ctx, sandbox.RunSpec{
		Label:       "organizer",
		TarPath:     imagePath,
		Mounts:      mounts,
		MemoryBytes: w.opts.Organizer.MemoryBytes,
		CPUCores:    w.opts.Organizer.CPUCores,
		Timeout:     w.opts.Organizer.Timeout,
		StopGrace:   organizerStopGrace,
	})
	if err != nil {
		logger.Warn("organizer run failed", "error", err.Error())
		return "organizer run failed: " + err.Error(), nil, out
	}

	logs = run.Logs
	if run.TimedOut || run.ExitCode != 0 {
		logger.Warn("organizer exited abnormally", "exit_code", run.ExitCode, "timed_out", run.TimedOut)
	}

	verdictFn := filepath.Join(organizerOutput, store.ResultsFileName)
	data, errGo := os.ReadFile(verdictFn)
	if errGo != nil {
		// No verdict written, nothing to validate or enrich
		return logs, nil, out
	}

	enriched, err := EnrichResults(data, info)
	if err != nil {
		// The verdict file is left untouched on disk so the organizer can
		// inspect what their container produced
		logger.Warn("organizer results rejected", "error", err.Error())
		if len(logs) != 0 {
			logs += "\n"
		}
		logs += err.Error()
		return logs, nil, task.StatusContainerError
	}

	if err = io.WriteFileAtomic(verdictFn, enriched, 0644); err != nil {
		logger.Warn("organizer results write back failed", "error", err.Error())
	}
	return logs, enriched, out
}

// relativeImage reports the image tarball location relative to the contest
// directory, the form recorded in verdicts, falling back to the bare file
// name when the tarball lives elsewhere
func relativeImage(tarPath string, contestDir string) (imageName string) {
	if rel, errGo := filepath.Rel(contestDir, tarPath); errGo == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return filepath.Base(tarPath)
}

func dirExists(dir string) bool {
	info, errGo := os.Stat(dir)
	return errGo == nil && info.IsDir()
}

func fileExists(fn string) bool {
	info, errGo := os.Stat(fn)
	return errGo == nil && info.Mode().IsRegular()
}
