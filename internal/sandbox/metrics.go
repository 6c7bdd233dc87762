// Copyright 2020-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package sandbox

// This file contains the sampler that runs beside a participant container
// and records its processor and memory consumption so that peaks can be
// reported with the evaluation results

import (
	"context"
	"math"
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/arena-ml/arena-go-runner/pkg/log"
)

// DefaultSampleInterval is the cadence used when a sampler is built without
// an explicit interval
const DefaultSampleInterval = 200 * time.Millisecond

// stopDrain bounds how long Stop waits for the sampling loop to exit
const stopDrain = 2 * time.Second

// StatsSource supplies the statistics snapshots the sampler records,
// satisfied by the engine client
type StatsSource interface {
	StatsOnce(ctx context.Context, containerID string) (stats *Stats, errGo error)
}

// Sample is one observation of a running container
type Sample struct {
	CPUPercent float64
	MemoryMB   float64
}

// Summary carries the peak observations for one container run
type Summary struct {
	CPUPeak    float64 `json:"cpu_peak"`
	MemoryPeak float64 `json:"memory_peak"`
}

// Sampler polls the engine statistics endpoint for one container on a fixed
// interval.  Sampling runs in its own goroutine, Stop signals it to exit and
// waits briefly for it to drain, and Summary may be read at any time.
type Sampler struct {
	client      StatsSource
	containerID string
	interval    time.Duration
	logger      *log.Logger

	stopC   chan struct{}
	doneC   chan struct{}
	stopped *atomic.Bool

	// prev holds the cumulative counters from the previous snapshot, the
	// engine reports totals and the percent is derived from consecutive
	// differences
	prevCPU uint64
	prevSys uint64
	seeded  bool

	sync.Mutex
	samples []Sample
}

// NewSampler builds a sampler for the supplied container
func NewSampler(client StatsSource, containerID string, interval time.Duration, logger *log.Logger) (s *Sampler) {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Sampler{
		client:      client,
		containerID: containerID,
		interval:    interval,
		logger:      logger,
		stopC:       make(chan struct{}),
		doneC:       make(chan struct{}),
		stopped:     atomic.NewBool(false),
		samples:     []Sample{},
	}
}

// Start launches the sampling loop and returns immediately
func (s *Sampler) Start() {
	go s.loop()
}

// Stop signals the sampling loop to exit and waits up to two seconds for it
// to drain.  Stop is idempotent.
func (s *Sampler) Stop() {
	if !s.stopped.CAS(false, true) {
		return
	}
	close(s.stopC)
	select {
	case <-s.doneC:
	case <-time.After(stopDrain):
	}
}

func (s *Sampler) loop() {
	defer close(s.doneC)

	// Cancelling in flight statistics calls lets Stop interrupt a slow
	// engine rather than waiting out the drain period
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopC
		cancel()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopC:
			return
		case <-ticker.C:
			stats, errGo := s.client.StatsOnce(ctx, s.containerID)
			if errGo != nil {
				if IsNotFound(errGo) {
					// The container is gone, a normal end for short runs
					return
				}
				// Transient engine faults are dropped, the next tick retries
				continue
			}
			s.ingest(stats)
		}
	}
}

// ingest folds one statistics snapshot into the sample series.  The first
// snapshot only seeds the cumulative counters unless the container has
// already accumulated processor time, which happens with containers whose
// lifetime is shorter than the sampling interval.
func (s *Sampler) ingest(stats *Stats) {
	cpu := stats.CPUStats.CPUUsage.TotalUsage
	sys := stats.CPUStats.SystemCPUUsage

	cpus := float64(stats.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = float64(runtime.NumCPU())
	}

	if !s.seeded {
		s.seeded = true
		s.prevCPU = cpu
		s.prevSys = sys
		if cpu == 0 {
			return
		}
		// The only observation a short lived container gets.  The payload
		// carries the engine's previous reading, measuring against that
		// window keeps the lone sample honest, a zero baseline would dilute
		// it against the host's counters since boot.
		if stats.PrecpuStats.SystemCPUUsage == 0 {
			return
		}
		s.prevCPU = stats.PrecpuStats.CPUUsage.TotalUsage
		s.prevSys = stats.PrecpuStats.SystemCPUUsage
	}

	deltaCPU := uint64(0)
	if cpu > s.prevCPU {
		deltaCPU = cpu - s.prevCPU
	}
	deltaSys := uint64(0)
	if sys > s.prevSys {
		deltaSys = sys - s.prevSys
	}
	s.prevCPU = cpu
	s.prevSys = sys

	sample := Sample{
		CPUPercent: cpuPercent(deltaCPU, deltaSys, cpus),
		MemoryMB:   float64(stats.MemoryStats.Usage) / 1024.0 / 1024.0,
	}

	s.Lock()
	s.samples = append(s.samples, sample)
	s.Unlock()
}

// cpuPercent converts a pair of counter differences into a host wide
// percentage, clamped to the physically possible range
func cpuPercent(deltaCPU uint64, deltaSys uint64, cpus float64) (percent float64) {
	if deltaCPU == 0 || deltaSys == 0 {
		return 0
	}
	percent = float64(deltaCPU) / float64(deltaSys) * cpus * 100.0
	if percent < 0 {
		return 0
	}
	if limit := cpus * 100.0; percent > limit {
		return limit
	}
	return percent
}

// SampleCount returns the number of observations recorded so far
func (s *Sampler) SampleCount() (count int) {
	s.Lock()
	defer s.Unlock()
	return len(s.samples)
}

// Summary reduces the recorded samples to their peaks.  With two or more
// samples the zero observations are filtered out first so that idle ticks at
// the edges of a run do not mask a real peak, falling back to the unfiltered
// maximum when filtering would discard everything.
func (s *Sampler) Summary() (summary Summary) {
	s.Lock()
	samples := append([]Sample{}, s.samples...)
	s.Unlock()

	return summarize(samples)
}

func summarize(samples []Sample) (summary Summary) {
	if len(samples) == 0 {
		return Summary{}
	}

	cpuValues := make([]float64, 0, len(samples))
	memValues := make([]float64, 0, len(samples))
	for _, sample := range samples {
		cpuValues = append(cpuValues, sample.CPUPercent)
		memValues = append(memValues, sample.MemoryMB)
	}

	filter := len(samples) >= 2
	return Summary{
		CPUPeak:    round2(peak(cpuValues, filter)),
		MemoryPeak: round2(peak(memValues, filter)),
	}
}

// peak returns the maximum of values, optionally ignoring zeros unless that
// would ignore every value
func peak(values []float64, filterZeros bool) (max float64) {
	if filterZeros {
		positive := make([]float64, 0, len(values))
		for _, v := range values {
			if v > 0 {
				positive = append(positive, v)
			}
		}
		if len(positive) != 0 {
			values = positive
		}
	}
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	return max
}

func round2(v float64) float64 {
	return math.Round(v*100.0) / 100.0
}
