// Copyright 2020-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package sandbox

// This file contains the garbage collector that sweeps the container engine
// for leftovers, exited containers from interrupted evaluations and images
// that have lost every tag

import (
	"context"
	"time"

	"github.com/lthibault/jitterbug"

	"github.com/arena-ml/arena-go-runner/pkg/log"
)

// danglingImageAge is how old an untagged image must be before a sweep will
// take it.  Younger images may belong to a run that is still in flight.
const danglingImageAge = 24 * time.Hour

// Cleaner periodically removes engine leftovers.  Evaluation runs remove
// their own containers and images on the happy path, the cleaner exists for
// everything a crash or an engine fault left behind.
type Cleaner struct {
	client   *Client
	interval time.Duration
	logger   *log.Logger
}

// NewCleaner returns a cleaner sweeping on the supplied cadence
func NewCleaner(client *Client, interval time.Duration, logger *log.Logger) (c *Cleaner) {
	return &Cleaner{
		client:   client,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps until the context is cancelled.  The cadence is jittered so
// that co-located runners do not thunder against one engine, and a message
// on triggerC forces an immediate sweep which is used by tests.
func (c *Cleaner) Run(ctx context.Context, triggerC <-chan struct{}) {
	tick := jitterbug.New(c.interval, &jitterbug.Norm{Stdev: c.interval / 10})
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		case <-triggerC:
		}
		c.Sweep(ctx)
	}
}

// Sweep removes all exited containers and every dangling image older than a
// day.  Errors are logged and suppressed, a failed sweep is retried in full
// on the next cadence.
func (c *Cleaner) Sweep(ctx context.Context) (containers int, images int) {
	ids, err := c.client.ListExitedContainers(ctx)
	if err != nil {
		c.logger.Warn("container sweep failed", "error", err.Error())
	}
	for _, id := range ids {
		if err = c.client.RemoveContainer(ctx, id); err != nil {
			c.logger.Warn("container removal failed", "container", id, "error", err.Error())
			continue
		}
		containers++
	}

	created, err := c.client.ListDanglingImages(ctx)
	if err != nil {
		c.logger.Warn("image sweep failed", "error", err.Error())
	}
	for id, when := range created {
		if time.Since(when) < danglingImageAge {
			continue
		}
		if err = c.client.RemoveImage(ctx, id); err != nil {
			c.logger.Warn("image removal failed", "image", id, "error", err.Error())
			continue
		}
		images++
	}

	if containers != 0 || images != 0 {
		c.logger.Info("cleanup sweep", "containers", containers, "images", images)
	}
	return containers, images
}
