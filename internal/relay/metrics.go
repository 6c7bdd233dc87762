// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package relay

// This file contains the instrumentation the queue runner exports for
// monitoring tools to scrape

import (
	"fmt"
	"os"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arena-ml/arena-go-runner/internal/task"
)

var (
	runnerBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eval_runner_busy",
			Help: "Whether the queue runner is currently evaluating a task.",
		},
	)
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eval_tasks_total",
			Help: "The number of completed evaluations grouped by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	if errGo := prometheus.Register(runnerBusy); errGo != nil {
		fmt.Fprintln(os.Stderr, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	if errGo := prometheus.Register(tasksTotal); errGo != nil {
		fmt.Fprintln(os.Stderr, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
}

// outcomeLabel maps a terminal wire code onto the label its counter uses
func outcomeLabel(code int) (outcome string) {
	switch code {
	case task.CodeSuccess:
		return "success"
	case task.CodeTimeout:
		return "timeout"
	case task.CodeContainerError:
		return "container_error"
	}
	return "error"
}
