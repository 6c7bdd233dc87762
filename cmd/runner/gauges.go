// Copyright 2020-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

// This file contains a set of gauges and data structures for exporting the
// current queue and storage state to prometheus

import (
	"fmt"
	"os"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arena-ml/arena-go-runner/internal/queue"
	"github.com/arena-ml/arena-go-runner/internal/resources"
	"github.com/arena-ml/arena-go-runner/internal/store"
)

var (
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eval_queue_depth",
			Help: "The number of submissions waiting for evaluation.",
		},
	)
	diskFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eval_disk_free_bytes",
			Help: "The amount of free space on the filesystem backing the submission store.",
		},
	)
)

func init() {
	if errGo := prometheus.Register(queueDepth); errGo != nil {
		fmt.Fprintln(os.Stderr, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	if errGo := prometheus.Register(diskFree); errGo != nil {
		fmt.Fprintln(os.Stderr, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
}

// gaugeSource feeds the gauges from the live queue and store.  The
// prometheus exporter polls it on its refresh interval.
type gaugeSource struct {
	queue *queue.FileQueue
	store *store.Store
}

// UpdateGauges refreshes the exported values
func (source *gaugeSource) UpdateGauges() {
	if size, err := source.queue.Size(); err == nil {
		queueDepth.Set(float64(size))
	}
	if facts, err := resources.GetDiskFacts(source.store.Base()); err == nil {
		diskFree.Set(float64(facts.Free))
	}
}
