// Copyright 2020-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package server

// This file contains the implementation of a set of functions that will on a
// regular basis output information about the evaluation service that could be
// useful to observers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arena-ml/arena-go-runner/pkg/log"
)

var (
	// prometheusPort is a singleton that contains the port number of the local prometheus server
	// that can be scraped by monitoring tools and the like.
	prometheusPort = int(0)
)

// GetPrometheusPort allows testing software to query which port is being used
// by the prometheus metrics server resident inside the current server process
func GetPrometheusPort() (port int) {
	return prometheusPort
}

// GaugeSource is implemented by the owner of the prometheus gauges and is
// polled to push fresh values into them
type GaugeSource interface {
	UpdateGauges()
}

// StartPrometheusExporter loops doing prometheus exports for queue depth, disk
// and evaluation statistics on a regular basis
func StartPrometheusExporter(ctx context.Context, promAddr string, source GaugeSource, refresh time.Duration, logger *log.Logger) {

	go monitoringExporter(ctx, source, refresh)

	// start the prometheus http server for metrics
	go func() {
		if err := runPrometheus(ctx, promAddr, logger); err != nil {
			logger.Warn(fmt.Sprint(err, stack.Trace().TrimRuntime()))
		}
	}()
}

func runPrometheus(ctx context.Context, promAddr string, logger *log.Logger) (err kv.Error) {
	if len(promAddr) == 0 {
		return nil
	}

	// Allocate a port if none specified, by first checking for a 0 port
	host, port, errGo := net.SplitHostPort(promAddr)
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	prometheusPort, errGo = strconv.Atoi(port)
	if errGo != nil {
		return kv.Wrap(errGo, "badly formatted port number for prometheus server").With("port", port).With("stack", stack.Trace().TrimRuntime())
	}
	if prometheusPort == 0 {
		prometheusPort, err = GetFreePort(promAddr)
		if err != nil {
			return err
		}
	}

	// The Handler function provides a default handler to expose metrics
	// via an HTTP server. "/metrics" is the usual endpoint for that.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	h := http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, prometheusPort),
		Handler: mux,
	}

	go func() {
		logger.Info(fmt.Sprintf("prometheus listening on %s", h.Addr), "stack", stack.Trace().TrimRuntime())

		logger.Warn(fmt.Sprint(h.ListenAndServe(), "stack", stack.Trace().TrimRuntime()))
	}()

	go func() {
		<-ctx.Done()
		if errGo := h.Shutdown(context.Background()); errGo != nil {
			logger.Warn(fmt.Sprint("stopping due to signal", errGo), "stack", stack.Trace().TrimRuntime())
		}
	}()

	return nil
}

// monitoringExporter on a regular basis will invoke the gauge refreshes
// inside our system
//
func monitoringExporter(ctx context.Context, source GaugeSource, refreshInterval time.Duration) {

	refresh := time.NewTicker(refreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-refresh.C:
			source.UpdateGauges()

		case <-ctx.Done():
			return
		}
	}
}

// GetFreePort will find and return a port number that is found to be available
//
func GetFreePort(hint string) (port int, err kv.Error) {
	addr, errGo := net.ResolveTCPAddr("tcp", hint)
	if errGo != nil {
		return 0, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	l, errGo := net.ListenTCP("tcp", addr)
	if errGo != nil {
		return 0, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	port = l.Addr().(*net.TCPAddr).Port

	// Dont defer as the port will be quickly reused
	l.Close()

	return port, nil
}
