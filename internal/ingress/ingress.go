// Copyright 2020-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package ingress

// This file contains the HTTP ingress for the evaluation service.  The
// ingress accepts contest definitions and participant submissions over a
// REST style API, persists them into the submission store and feeds the
// evaluation queue.  Container execution never happens here, the queue
// runner picks up the enqueued work.

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gorilla/mux"

	"github.com/arena-ml/arena-go-runner/internal/queue"
	"github.com/arena-ml/arena-go-runner/internal/sandbox"
	"github.com/arena-ml/arena-go-runner/internal/store"
	"github.com/arena-ml/arena-go-runner/pkg/log"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Options carries the upload related limits and locations the ingress
// enforces.  All sizes are in bytes.
type Options struct {
	UploadDir     string   // Staging area for uploads before they reach the store
	TarMaxBytes   int64    // Upper bound for submission and organizer image tar files
	ZipMaxBytes   int64    // Upper bound for dataset zip archives
	ImageMaxBytes int64    // Upper bound for contest cover images
	TarExts       []string // Permitted extensions for tar uploads
	ZipExts       []string // Permitted extensions for dataset archives
	MinFreeDisk   uint64   // Free space the store filesystem must retain
}

// EngineProber exposes the container engine counters used by the health
// endpoint.  The production implementation is the sandbox client.
type EngineProber interface {
	GetEngineFacts(ctx context.Context) (facts sandbox.EngineFacts, err kv.Error)
}

// Server dispatches the REST API backed by the submission store and the
// durable task queue
type Server struct {
	store  *store.Store
	queue  *queue.FileQueue
	engine EngineProber
	opts   Options
	logger *log.Logger
}

// NewServer returns an ingress ready to have its Router attached to an
// http.Server
func NewServer(s *store.Store, q *queue.FileQueue, engine EngineProber, opts Options, logger *log.Logger) (server *Server) {
	return &Server{
		store:  s,
		queue:  q,
		engine: engine,
		opts:   opts,
		logger: logger,
	}
}

// Router builds the route table.  Handlers are methods on the server so
// tests can exercise them through httptest without a listener.
func (s *Server) Router() (router *mux.Router) {
	router = mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/contests", s.handleCreateContest).Methods("POST")
	api.HandleFunc("/contests", s.handleListContests).Methods("GET")
	api.HandleFunc("/contests/{contest_id}", s.handleGetContest).Methods("GET")
	api.HandleFunc("/contests/{contest_id}/submissions", s.handleSubmit).Methods("POST")
	api.HandleFunc("/contests/{contest_id}/submissions", s.handleListSubmissions).Methods("GET")
	api.HandleFunc("/contests/{contest_id}/submissions/{submission_id}/logs/{stage}", s.handleLogs).Methods("GET")
	api.HandleFunc("/contests/{contest_id}/submissions/{submission_id}/results", s.handleResults).Methods("GET")
	return router
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if errGo := json.NewEncoder(w).Encode(payload); errGo != nil {
		s.logger.Warn("response write failed", "error", errGo.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// participantIDExpr constrains participant identifiers to names that are
// safe to use as directory components
var participantIDExpr = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var unsafeNameExpr = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// safeFileName reduces an uploaded file name to a single path element that
// cannot escape its destination directory
func safeFileName(fn string) (safe string) {
	fn = strings.ReplaceAll(fn, "\\", "/")
	fn = filepath.Base(filepath.Clean(fn))
	fn = unsafeNameExpr.ReplaceAllString(fn, "_")
	fn = strings.Trim(fn, "._")
	if len(fn) == 0 {
		return "upload"
	}
	return fn
}

// extAllowed tests a file name against a list of permitted extensions.  The
// extensions may contain dots themselves so compound suffixes such as
// tar.gz can be permitted with a single entry.
func extAllowed(fn string, exts []string) (allowed bool) {
	lower := strings.ToLower(fn)
	for _, ext := range exts {
		if strings.HasSuffix(lower, "."+strings.ToLower(strings.TrimPrefix(ext, "."))) {
			return true
		}
	}
	return false
}

// saveUpload streams one uploaded file into its destination
func saveUpload(src io.Reader, dst string) (err kv.Error) {
	file, errGo := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if errGo != nil {
		return kv.Wrap(errGo).With("file", dst).With("stack", stack.Trace().TrimRuntime())
	}
	defer file.Close()
	if _, errGo = io.Copy(file, src); errGo != nil {
		return kv.Wrap(errGo).With("file", dst).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}
