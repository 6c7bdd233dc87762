// Copyright 2020-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package server

// This file contains tests for the prometheus exporter loop and the scrape
// surface it provisions

import (
	"context"
	"fmt"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/arena-ml/arena-go-runner/pkg/log"
)

// pollObserver records that the exporter refreshed the gauges
type pollObserver struct {
	polled chan struct{}
}

func (o *pollObserver) UpdateGauges() {
	select {
	case o.polled <- struct{}{}:
	default:
	}
}

func TestPrometheusExporter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &pollObserver{polled: make(chan struct{}, 1)}
	StartPrometheusExporter(ctx, "127.0.0.1:0", source, 50*time.Millisecond, log.NewLogger("server_test"))

	// The listener and its port election happen asynchronously
	port := 0
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); {
		if port = GetPrometheusPort(); port != 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if port == 0 {
		t.Fatal("exporter did not allocate a port")
	}

	select {
	case <-source.polled:
	case <-time.After(5 * time.Second):
		t.Fatal("gauge source was never polled")
	}

	cli := NewPrometheusClient(fmt.Sprintf("http://127.0.0.1:%d/metrics", port))

	metrics := map[string]*dto.MetricFamily{}
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); {
		fetched, err := cli.Fetch("go_")
		if err == nil && len(fetched) != 0 {
			metrics = fetched
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if _, isPresent := metrics["go_goroutines"]; !isPresent {
		t.Fatal("expected the go runtime metrics to be exported")
	}
}
