// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package relay

// This file contains the queue runner, the single long lived consumer that
// relays queued tasks into the evaluation worker and records each
// submission's state transitions and artifacts.  One failing task never
// stops the loop.

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/xid"

	"github.com/jjeffery/kv" // MIT License
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arena-ml/arena-go-runner/internal/io"
	"github.com/arena-ml/arena-go-runner/internal/queue"
	"github.com/arena-ml/arena-go-runner/internal/store"
	"github.com/arena-ml/arena-go-runner/internal/task"
	"github.com/arena-ml/arena-go-runner/pkg/log"
)

// Pacing of the consumer loop, a short doze when the queue is empty and a
// longer one after a queue fault
const (
	emptyDelay = time.Second
	faultDelay = 2 * time.Second
)

// failTailBytes bounds the participant log tail echoed into the service log
// when an evaluation ends badly
const failTailBytes = uint32(1024)

// orphanDesc marks submissions found RUNNING at startup with no queued task
// behind them, they belong to a run that a restart interrupted
const orphanDesc = task.DescError + ": interrupted by restart"

// Evaluator turns one task into a verdict
type Evaluator interface {
	Evaluate(ctx context.Context, item task.Task) (result *task.Result)
}

// Relay drives the queue.  A single instance is intended per deployment,
// the queue itself tolerates more but the container engine budget does not.
type Relay struct {
	queue  *queue.FileQueue
	store  *store.Store
	worker Evaluator
	logger *log.Logger
}

// New returns a relay consuming the supplied queue into the supplied worker
func New(q *queue.FileQueue, s *store.Store, worker Evaluator, logger *log.Logger) (r *Relay) {
	return &Relay{
		queue:  q,
		store:  s,
		worker: worker,
		logger: logger,
	}
}

// Run consumes tasks until the context is cancelled.  Submissions orphaned
// by an earlier crash are settled before the first dequeue.
func (r *Relay) Run(ctx context.Context) {
	if err := r.RecoverOrphans(); err != nil {
		r.logger.Warn("orphan recovery failed", "error", err.Error())
	}
	r.logger.Info("queue runner started", "queue", r.queue.URL())

	for r.step(ctx) {
	}
	r.logger.Info("queue runner stopped")
}

// step takes one turn of the consumer loop, returning false once the
// context has been cancelled
func (r *Relay) step(ctx context.Context) (cont bool) {
	select {
	case <-ctx.Done():
		return false
	default:
	}

	item, err := r.queue.Dequeue()
	if err != nil {
		r.logger.Warn("queue fault", "error", err.Error())
		return doze(ctx, faultDelay)
	}
	if item == nil {
		return doze(ctx, emptyDelay)
	}

	r.process(ctx, *item)
	return true
}

// process carries one task from RUNNING to its terminal state.  Failures
// along the way are logged and absorbed, the submission always ends in a
// terminal state even if its artifacts could not all be written.
func (r *Relay) process(ctx context.Context, item task.Task) {
	logger := r.logger.With("run", xid.New().String(), "contest", item.ContestID, "submission", item.SubmissionID)

	runnerBusy.Set(1)
	defer runnerBusy.Set(0)

	logger.Info("evaluation started", "participant", item.ParticipantID)

	if err := r.store.UpdateSubmissionStatus(item.ContestID, item.SubmissionID, task.StatusRunning.Code(), task.StatusRunning.Desc()); err != nil {
		logger.Warn("state transition failed", "error", err.Error())
	}

	result := r.evaluate(ctx, item)

	dir, err := r.saveArtifacts(item, result)
	if err != nil {
		logger.Warn("artifact write failed", "error", err.Error())
	}

	code := strconv.Itoa(result.Code)
	if err = r.store.UpdateSubmissionStatus(item.ContestID, item.SubmissionID, code, result.Desc); err != nil {
		logger.Warn("state transition failed", "error", err.Error())
	}

	tasksTotal.With(prometheus.Labels{"outcome": outcomeLabel(result.Code)}).Inc()

	if result.Code == task.CodeSuccess {
		logger.Info("evaluation succeeded")
		return
	}
	tail := ""
	if len(dir) != 0 {
		tail, _ = io.ReadLast(filepath.Join(dir, store.ParticipantLogsName), failTailBytes)
	}
	logger.Warn("evaluation failed", "code", code, "desc", result.Desc, "tail", tail)
}

// evaluate shields the loop from the worker blowing up, folding a panic
// into the synthetic orchestration failure verdict so that the submission
// still reaches a terminal state
func (r *Relay) evaluate(ctx context.Context, item task.Task) (result *task.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			result = &task.Result{
				Code:          task.CodeError,
				Desc:          fmt.Sprintf("execution exception: %v", rec),
				ParticipantID: item.ParticipantID,
			}
		}
	}()

	if result = r.worker.Evaluate(ctx, item); result == nil {
		result = &task.Result{
			Code:          task.CodeError,
			Desc:          "execution exception: the worker returned no verdict",
			ParticipantID: item.ParticipantID,
		}
	}
	return result
}

// saveArtifacts persists the verdict's artifacts beside the submission.
// The participant log is always written, the organizer artifacts only when
// the organizer stage produced them.
func (r *Relay) saveArtifacts(item task.Task, result *task.Result) (dir string, err kv.Error) {
	dir = item.SubmissionDir
	if len(dir) == 0 {
		if dir, err = r.store.ResolveSubmissionDir(item.ContestID, item.SubmissionID, item.ParticipantID, ""); err != nil {
			return "", err
		}
	}

	if err = io.WriteFileAtomic(filepath.Join(dir, store.ParticipantLogsName), []byte(result.ParticipantLogs), 0644); err != nil {
		return dir, err
	}
	if len(result.OrganizerLogs) != 0 {
		if err = io.WriteFileAtomic(filepath.Join(dir, store.OrganizerLogsName), []byte(result.OrganizerLogs), 0644); err != nil {
			return dir, err
		}
	}
	if len(result.OrganizerResults) != 0 {
		if err = io.WriteFileAtomic(filepath.Join(dir, store.OrganizerResultsName), result.OrganizerResults, 0644); err != nil {
			return dir, err
		}
	}
	return dir, nil
}

// RecoverOrphans settles submissions stuck in RUNNING from before a
// restart.  A record can only be RUNNING while a runner is processing it,
// so at startup any RUNNING record with no queued task behind it belongs to
// an interrupted evaluation that will never finish.
func (r *Relay) RecoverOrphans() (err kv.Error) {
	contests, err := r.store.ListContests()
	if err != nil {
		return err
	}
	pending, err := r.queue.Peek()
	if err != nil {
		return err
	}
	queued := make(map[string]struct{}, len(pending))
	for _, item := range pending {
		queued[item.SubmissionID] = struct{}{}
	}

	for _, contest := range contests {
		records, err := r.store.ListSubmissions(contest.ID, "")
		if err != nil {
			r.logger.Warn("index scan failed", "contest", contest.ID, "error", err.Error())
			continue
		}
		for _, rec := range records {
			if rec.StatusCode != task.StatusRunning.Code() {
				continue
			}
			if _, isQueued := queued[rec.SubmissionID]; isQueued {
				continue
			}
			if err = r.store.UpdateSubmissionStatus(contest.ID, rec.SubmissionID, strconv.Itoa(task.CodeError), orphanDesc); err != nil {
				r.logger.Warn("orphan downgrade failed", "contest", contest.ID, "submission", rec.SubmissionID, "error", err.Error())
				continue
			}
			r.logger.Warn("downgraded orphaned submission", "contest", contest.ID, "submission", rec.SubmissionID)
		}
	}
	return nil
}

func doze(ctx context.Context, delay time.Duration) (cont bool) {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}
