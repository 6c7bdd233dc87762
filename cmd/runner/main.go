// Copyright 2020-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

// This file contains the main entry point for the evaluation runner.  The
// process hosts three cooperating services, the REST ingress that accepts
// contests and submissions, the relay that drains the durable task queue
// through the docker backed evaluation pipeline, and the janitor that
// sweeps engine debris left behind by finished evaluations.

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/arena-ml/arena-go-runner/internal/eval"
	"github.com/arena-ml/arena-go-runner/internal/ingress"
	"github.com/arena-ml/arena-go-runner/internal/queue"
	"github.com/arena-ml/arena-go-runner/internal/relay"
	"github.com/arena-ml/arena-go-runner/internal/resources"
	"github.com/arena-ml/arena-go-runner/internal/sandbox"
	"github.com/arena-ml/arena-go-runner/internal/store"
	"github.com/arena-ml/arena-go-runner/pkg/log"
	"github.com/arena-ml/arena-go-runner/pkg/server"

	"github.com/davecgh/go-spew/spew"
	"github.com/docker/go-units"
	"github.com/tebeka/atexit"

	"github.com/karlmutch/envflag"

	"github.com/jjeffery/kv" // MIT License
)

var (
	// Spew contains the process wide configuration preferences for the structure dumping
	// package
	Spew *spew.ConfigState

	buildTime string
	gitHash   string

	logger = log.NewLogger("arena-runner")

	baseDirOpt   = flag.String("base-dir", "./projects", "the directory the submission store is rooted at")
	uploadDirOpt = flag.String("upload-folder", "./uploads", "the staging directory uploads pass through before they reach the store")
	queueFileOpt = flag.String("queue-file", "./task_queue.json", "the file holding the durable evaluation queue")

	httpAddrOpt = flag.String("http-addr", ":8080", "the address the REST ingress listens on")

	tarMaxOpt   = flag.String("tar-max-size", "500m", "upper bound for submission and organizer image tar uploads")
	zipMaxOpt   = flag.String("zip-max-size", "500m", "upper bound for dataset zip uploads")
	imageMaxOpt = flag.String("image-max-size", "5m", "upper bound for contest cover image uploads")
	tarExtsOpt  = flag.String("allowed-tar-extensions", "tar,tar.gz", "comma separated extensions accepted for tar uploads")
	zipExtsOpt  = flag.String("allowed-zip-extensions", "zip", "comma separated extensions accepted for dataset archives")
	minFreeOpt  = flag.String("min-free-disk", "10g", "free space the store filesystem must retain for uploads to be accepted")

	participantTimeoutOpt = flag.Duration("participant-timeout", 300*time.Second, "wall clock limit for one participant container run")
	participantCPUsOpt    = flag.Int64("participant-cpu-cores", 2, "cpu cores granted to the participant container")
	participantMemOpt     = flag.String("participant-mem-limit", "2g", "memory granted to the participant container")
	organizerTimeoutOpt   = flag.Duration("organizer-timeout", 300*time.Second, "wall clock limit for one organizer container run")
	organizerCPUsOpt      = flag.Int64("organizer-cpu-cores", 1, "cpu cores granted to the organizer container")
	organizerMemOpt       = flag.String("organizer-mem-limit", "1g", "memory granted to the organizer container")
	sampleIntervalOpt     = flag.Duration("sample-interval", 200*time.Millisecond, "polling interval for the container resource sampler")

	gcIntervalOpt = flag.Duration("gc-interval", time.Hour, "interval between sweeps of exited containers and dangling images")

	cpuProfileOpt   = flag.String("cpu-profile", "", "write a cpu profile to file")
	cpuProfileTimer = flag.String("cpu-profile-duration", "60s", "sets a time limit for CPU profiling after which it will be stopped, the server will continue to run however")

	promRefreshOpt = flag.Duration("prom-refresh", time.Duration(15*time.Second), "the refresh timer for the exported prometheus metrics service")
	promAddrOpt    = flag.String("metrics-addr", ":9090", "the address for the prometheus http server provisioned within the running server")
)

func init() {
	Spew = spew.NewDefaultConfig()

	Spew.Indent = "    "
	Spew.SortKeys = true
}

// initCPUProfiler is used to start a profiler for the CPU
func initCPUProfiler(ctx context.Context) {
	if len(*cpuProfileOpt) == 0 {
		return
	}
	output, errGo := filepath.Abs(*cpuProfileOpt)
	if errGo != nil {
		logger.Fatal(errGo.Error())
	}
	f, errGo := os.Create(output)
	if errGo != nil {
		logger.Fatal(errGo.Error())
	}
	logger.Info("profiling enabled", "output", output, "duration", *cpuProfileTimer)
	pprof.StartCPUProfile(f)

	go cpuProfiler(ctx)
}

func cpuProfiler(ctx context.Context) {
	defer func() {
		pprof.StopCPUProfile()
		logger.Info("Profiling stopped")
	}()
	if len(*cpuProfileTimer) != 0 {
		timeout, errGo := time.ParseDuration(*cpuProfileTimer)
		if errGo != nil {
			logger.Warn("invalid cpu-profile-duration value, profiling stopped", "error", errGo.Error())
			return
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		<-ctx.Done()
		cancel()

		return
	}
	<-ctx.Done()
}

func usage() {
	fmt.Fprintln(os.Stderr, path.Base(os.Args[0]))
	fmt.Fprintln(os.Stderr, "usage: ", os.Args[0], "[arguments]      algorithm evaluation queue runner      ", gitHash, "    ", buildTime)
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Arguments:")
	fmt.Fprintln(os.Stderr, "")
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Environment Variables:")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "options can be read for environment variables by changing dashes '-' to underscores")
	fmt.Fprintln(os.Stderr, "and using upper case letters.  The base-dir option names the submission store root.")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "To control log levels the LOGXI env variables can be used, these are documented at https://github.com/mgutz/logxi")
}

// main will be called by the go runtime when the server is run in production
// mode.  The Main alias below keeps the logic reachable from coverage
// instrumented builds.
func main() {

	quitC := make(chan struct{})
	defer close(quitC)

	// This is the one check that does not get tested when the server is under test.  A
	// second runner draining the same task queue would double evaluate submissions.
	if _, err := resources.NewExclusive("arena-go-runner", quitC); err != nil {
		logger.Error(fmt.Sprintf("An instance of this process is already running %s", err.Error()))
		os.Exit(-1)
	}

	Main()
}

// Main is a production style main that will invoke the server as a go routine to allow
// a very simple supervisor and a test wrapper to coexist in terms of our logic
func Main() {

	fmt.Printf("%s built at %s, against commit id %s\n", os.Args[0], buildTime, gitHash)

	flag.Usage = usage

	// Use the go options parser to load command line options that have been set, and look
	// for these options inside the env variable table
	//
	envflag.Parse()

	doneC := make(chan struct{})
	quitCtx, cancel := context.WithCancel(context.Background())

	atexit.Register(func() { logger.Info("arena runner stopped") })

	// Start the profiler as early as possible and only in production will there
	// be a command line option to do it
	go initCPUProfiler(quitCtx)

	if errs := EntryPoint(quitCtx, cancel, doneC); len(errs) != 0 {
		for _, err := range errs {
			logger.Error(err.Error())
		}
		atexit.Exit(-1)
	}

	// After starting the application message handling loops
	// wait until the system has shutdown
	//
	<-quitCtx.Done()

	// Allow any inflight evaluation a short period to write its artifacts before
	// the process exits
	time.Sleep(5 * time.Second)
	atexit.Exit(0)
}

// serverCfg is the runtime configuration after parsing and validation
type serverCfg struct {
	tarMax         int64
	zipMax         int64
	imageMax       int64
	minFree        uint64
	participantMem int64
	organizerMem   int64
	tarExts        []string
	zipExts        []string
}

// splitExts normalizes a comma separated extension list, dropping empties
// and leading dots
func splitExts(value string) (exts []string) {
	exts = []string{}
	for _, ext := range strings.Split(value, ",") {
		ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
		if len(ext) != 0 {
			exts = append(exts, ext)
		}
	}
	return exts
}

// validateServerOpts checks the command line options as a set so that all
// faults can be reported in a single pass rather than one failure at a time
func validateServerOpts() (cfg *serverCfg, errs []kv.Error) {
	cfg = &serverCfg{}
	errs = []kv.Error{}

	if len(*baseDirOpt) == 0 {
		errs = append(errs, kv.NewError("the base-dir option must point at the submission store location"))
	}
	if len(*queueFileOpt) == 0 {
		errs = append(errs, kv.NewError("the queue-file option must name the durable queue file"))
	}
	if len(*httpAddrOpt) == 0 {
		errs = append(errs, kv.NewError("the http-addr option must carry a listen address"))
	}

	sizes := []struct {
		opt  *string
		name string
		dst  *int64
	}{
		{opt: tarMaxOpt, name: "tar-max-size", dst: &cfg.tarMax},
		{opt: zipMaxOpt, name: "zip-max-size", dst: &cfg.zipMax},
		{opt: imageMaxOpt, name: "image-max-size", dst: &cfg.imageMax},
		{opt: participantMemOpt, name: "participant-mem-limit", dst: &cfg.participantMem},
		{opt: organizerMemOpt, name: "organizer-mem-limit", dst: &cfg.organizerMem},
	}
	for _, size := range sizes {
		limit, errGo := units.RAMInBytes(*size.opt)
		if errGo != nil {
			errs = append(errs, kv.Wrap(errGo).With("option", size.name))
			continue
		}
		*size.dst = limit
	}

	if minFree, errGo := units.RAMInBytes(*minFreeOpt); errGo != nil {
		errs = append(errs, kv.Wrap(errGo).With("option", "min-free-disk"))
	} else {
		cfg.minFree = uint64(minFree)
	}

	if cfg.tarExts = splitExts(*tarExtsOpt); len(cfg.tarExts) == 0 {
		errs = append(errs, kv.NewError("the allowed-tar-extensions option must list at least one extension"))
	}
	if cfg.zipExts = splitExts(*zipExtsOpt); len(cfg.zipExts) == 0 {
		errs = append(errs, kv.NewError("the allowed-zip-extensions option must list at least one extension"))
	}

	if *participantCPUsOpt <= 0 {
		errs = append(errs, kv.NewError("the participant-cpu-cores option must be positive"))
	}
	if *organizerCPUsOpt <= 0 {
		errs = append(errs, kv.NewError("the organizer-cpu-cores option must be positive"))
	}
	if *participantTimeoutOpt <= 0 {
		errs = append(errs, kv.NewError("the participant-timeout option must be positive"))
	}
	if *organizerTimeoutOpt <= 0 {
		errs = append(errs, kv.NewError("the organizer-timeout option must be positive"))
	}

	return cfg, errs
}

// EntryPoint enables both test and standard production infrastructure to
// invoke this server.
//
// quitCtx can be used by the invoking functions to stop the processing
// inside the server and exit from the EntryPoint function
//
// doneC is used by the EntryPoint function to indicate when it has terminated
// its processing
//
func EntryPoint(quitCtx context.Context, cancel context.CancelFunc, doneC chan struct{}) (errs []kv.Error) {

	defer close(doneC)

	// Setup a channel to allow a CTRL-C to terminate all processing.  When the
	// CTRL-C occurs the background processing contexts are cancelled and this
	// will also cause the main thread to unblock and return
	//
	stopC := make(chan os.Signal, 1)
	signal.Notify(stopC, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-quitCtx.Done():
			return
		case <-stopC:
			logger.Warn("CTRL-C Seen")
			cancel()
		}
	}()

	logger.Info("version", "git_hash", gitHash)

	// Before continuing convert the directories specified in the CLI
	// to using absolute paths
	for _, opt := range []*string{baseDirOpt, uploadDirOpt, queueFileOpt} {
		if fn, errGo := filepath.Abs(*opt); errGo == nil {
			*opt = fn
		}
	}

	cfg, errs := validateServerOpts()

	// Now check for any fatal kv.before allowing the system to continue.  This allows
	// all kv.that could have ocuured as a result of incorrect options to be flushed
	// out rather than having a frustrating single failure at a time loop for users
	// to fix things
	//
	if len(errs) != 0 {
		return errs
	}

	logger.Debug("effective configuration", "cfg", Spew.Sdump(*cfg))

	if err := startServices(quitCtx, cfg); err != nil {
		return []kv.Error{err}
	}

	return nil
}

// startServices wires the store, queue, sandbox and HTTP surfaces together
// and leaves them running in the background
func startServices(quitCtx context.Context, cfg *serverCfg) (err kv.Error) {

	submissions, err := store.NewStore(*baseDirOpt)
	if err != nil {
		return err
	}
	taskQueue, err := queue.NewFileQueue(*queueFileOpt)
	if err != nil {
		return err
	}
	engine, err := sandbox.NewClient()
	if err != nil {
		return err
	}

	worker := eval.NewWorker(sandbox.NewRunner(engine, logger), submissions, eval.Options{
		Participant: eval.Limits{
			Timeout:     *participantTimeoutOpt,
			CPUCores:    *participantCPUsOpt,
			MemoryBytes: cfg.participantMem,
		},
		Organizer: eval.Limits{
			Timeout:     *organizerTimeoutOpt,
			CPUCores:    *organizerCPUsOpt,
			MemoryBytes: cfg.organizerMem,
		},
		SampleInterval: *sampleIntervalOpt,
	}, logger)

	pump := relay.New(taskQueue, submissions, worker, logger)
	go pump.Run(quitCtx)

	janitor := sandbox.NewCleaner(engine, *gcIntervalOpt, logger)
	go janitor.Run(quitCtx, nil)

	api := ingress.NewServer(submissions, taskQueue, engine, ingress.Options{
		UploadDir:     *uploadDirOpt,
		TarMaxBytes:   cfg.tarMax,
		ZipMaxBytes:   cfg.zipMax,
		ImageMaxBytes: cfg.imageMax,
		TarExts:       cfg.tarExts,
		ZipExts:       cfg.zipExts,
		MinFreeDisk:   cfg.minFree,
	}, logger)
	go serveIngress(quitCtx, *httpAddrOpt, api.Router())

	// Non blocking function to initialize the exporter of queue and storage
	// state for prometheus
	server.StartPrometheusExporter(quitCtx, *promAddrOpt, &gaugeSource{queue: taskQueue, store: submissions}, *promRefreshOpt, logger)

	return nil
}

// serveIngress runs the REST listener until the server context is cancelled
func serveIngress(ctx context.Context, addr string, handler http.Handler) {
	h := http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		if errGo := h.Shutdown(context.Background()); errGo != nil {
			logger.Warn("ingress shutdown failed", "error", errGo.Error())
		}
	}()

	logger.Info("ingress listening", "address", addr)
	if errGo := h.ListenAndServe(); errGo != nil && errGo != http.ErrServerClosed {
		logger.Warn(fmt.Sprint(errGo))
	}
}
