// Copyright 2020-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package ingress

// This file contains the health endpoint.  It aggregates the queue depth,
// the container engine counters and the capacity of the filesystem backing
// the submission store into a single document for external monitors.

import (
	"context"
	"net/http"
	"time"

	"github.com/arena-ml/arena-go-runner/internal/resources"
	"github.com/arena-ml/arena-go-runner/internal/sandbox"
)

// probeTimeout bounds the engine round trip so a wedged daemon cannot hang
// health checks
const probeTimeout = 5 * time.Second

// healthReport is the wire document the health endpoint produces
type healthReport struct {
	Status    string              `json:"status"`
	QueueSize int                 `json:"queue_size"`
	Docker    sandbox.EngineFacts `json:"docker"`
	Disk      resources.DiskFacts `json:"disk"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	report := healthReport{Status: "ok"}

	facts, err := s.engine.GetEngineFacts(ctx)
	if err != nil {
		report.Status = "degraded"
		s.logger.Warn("engine probe failed", "error", err.Error())
	}
	report.Docker = facts

	size, err := s.queue.Size()
	if err != nil {
		report.Status = "degraded"
		s.logger.Warn("queue probe failed", "error", err.Error())
	}
	report.QueueSize = size

	disk, err := resources.GetDiskFacts(s.store.Base())
	if err != nil {
		report.Status = "degraded"
		s.logger.Warn("disk probe failed", "error", err.Error())
	}
	report.Disk = disk

	s.writeJSON(w, http.StatusOK, report)
}
