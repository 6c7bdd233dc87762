// Copyright 2020-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package ingress

// This file contains the participant facing handlers.  A submission is an
// exported docker image tar that is stored, recorded in the contest index
// as QUEUED and appended to the durable task queue.  The artifact download
// handlers serve what earlier evaluations left behind.

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/otiai10/copy"

	"github.com/arena-ml/arena-go-runner/internal/queue"
	"github.com/arena-ml/arena-go-runner/internal/resources"
	"github.com/arena-ml/arena-go-runner/internal/store"
	"github.com/arena-ml/arena-go-runner/internal/task"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// submissionEntry is one listing row, the stored record annotated with the
// live queue position while the submission is still waiting
type submissionEntry struct {
	task.Record
	QueuePosition *int `json:"queue_position,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	contestID := mux.Vars(r)["contest_id"]

	if errGo := r.ParseMultipartForm(64 << 20); errGo != nil {
		s.writeError(w, http.StatusBadRequest, "malformed multipart request")
		return
	}

	participantID := strings.TrimSpace(r.FormValue("participant_id"))
	if len(participantID) == 0 {
		participantID = "default"
	}
	if !participantIDExpr.MatchString(participantID) {
		s.writeError(w, http.StatusBadRequest, "participant id may only contain letters, digits, underscores and dashes")
		return
	}

	part, errMsg := s.formUpload(r, "file", "submission", s.opts.TarExts, s.opts.TarMaxBytes, "submission must be a tar archive")
	if len(errMsg) != 0 {
		s.writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	defer part.file.Close()

	if !s.store.ContestExists(contestID) {
		s.writeError(w, http.StatusNotFound, "contest not found")
		return
	}
	if info, errGo := os.Stat(s.store.DatasetSourceDir(contestID)); errGo != nil || !info.IsDir() {
		s.writeError(w, http.StatusBadRequest, "contest input dataset is missing")
		return
	}

	if err := resources.CheckFreeSpace(s.store.Base(), s.opts.MinFreeDisk); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	submissionID := store.NewSubmissionID(time.Now())
	subDir, err := s.store.PrepareSubmission(contestID, submissionID)
	if err != nil {
		s.logger.Warn("submission intake failed", "contest", contestID, "submission", submissionID, "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "submission intake failed")
		return
	}

	fail := func(err kv.Error) {
		s.logger.Warn("submission intake failed", "contest", contestID, "submission", submissionID, "error", err.Error())
		if errGo := os.RemoveAll(subDir); errGo != nil {
			s.logger.Warn("submission cleanup failed", "dir", subDir, "error", errGo.Error())
		}
		s.writeError(w, http.StatusInternalServerError, "submission intake failed")
	}

	tarPath := filepath.Join(subDir, part.name)
	if err = saveUpload(part.file, tarPath); err != nil {
		fail(err)
		return
	}

	// Snapshot the contest input dataset beside the submission so a record
	// of what this evaluation saw survives later dataset changes
	inputDir := filepath.Join(subDir, store.InputDirName)
	if errGo := copy.Copy(s.store.DatasetSourceDir(contestID), inputDir); errGo != nil {
		fail(kv.Wrap(errGo).With("dir", inputDir).With("stack", stack.Trace().TrimRuntime()))
		return
	}

	now := time.Now().UTC().Format(queue.TimeFmt)
	rec := task.Record{
		SubmissionID:  submissionID,
		Timestamp:     now,
		StatusCode:    task.StatusQueued.Code(),
		StatusDesc:    task.StatusQueued.Desc(),
		ParticipantID: participantID,
		StoragePath:   store.StoragePath(submissionID),
		OutputPath:    store.OutputPath(submissionID),
	}
	if err = s.store.AppendSubmissionRecord(contestID, rec); err != nil {
		fail(err)
		return
	}

	depth, err := s.queue.Enqueue(task.Task{
		SubmissionID:  submissionID,
		ContestID:     contestID,
		ParticipantID: participantID,
		ImageTarPath:  tarPath,
		InputDir:      inputDir,
		OutputDir:     filepath.Join(subDir, store.OutputDirName),
		ContestDir:    s.store.ContestDir(contestID),
		SubmissionDir: subDir,
	})
	if err != nil {
		fail(err)
		return
	}

	ahead := depth - 1
	if ahead < 0 {
		ahead = 0
	}
	s.logger.Info("submission queued", "contest", contestID, "submission", submissionID,
		"participant", participantID, "depth", depth)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"submission_id":  submissionID,
		"participant_id": participantID,
		"status":         task.StatusQueued.Code(),
		"queue_ahead":    ahead,
	})
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	contestID := mux.Vars(r)["contest_id"]
	if !s.store.ContestExists(contestID) {
		s.writeError(w, http.StatusNotFound, "contest not found")
		return
	}

	records, err := s.store.ListSubmissions(contestID, r.URL.Query().Get("participant_id"))
	if err != nil {
		s.logger.Warn("submission listing failed", "contest", contestID, "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "submission listing failed")
		return
	}

	entries := make([]submissionEntry, 0, len(records))
	for _, rec := range records {
		entry := submissionEntry{Record: rec}
		if rec.StatusCode == task.StatusQueued.Code() {
			if pos, err := s.queue.Position(rec.SubmissionID); err == nil && pos >= 0 {
				position := pos
				entry.QueuePosition = &position
			}
		}
		entries = append(entries, entry)
	}
	// Latest submissions first, the ids are millisecond timestamps
	sort.SliceStable(entries, func(i int, j int) bool { return entries[i].Timestamp > entries[j].Timestamp })
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	fn := ""
	switch vars["stage"] {
	case "participant":
		fn = store.ParticipantLogsName
	case "organizer":
		fn = store.OrganizerLogsName
	default:
		s.writeError(w, http.StatusBadRequest, "stage must be participant or organizer")
		return
	}

	dir, err := s.resolveRecorded(vars["contest_id"], vars["submission_id"])
	if err != nil {
		s.writeError(w, http.StatusNotFound, "submission not found")
		return
	}
	s.serveArtifact(w, r, filepath.Join(dir, fn))
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	dir, err := s.resolveRecorded(vars["contest_id"], vars["submission_id"])
	if err != nil {
		s.writeError(w, http.StatusNotFound, "submission not found")
		return
	}
	s.serveArtifact(w, r, filepath.Join(dir, store.OrganizerResultsName))
}

// resolveRecorded locates a submission directory using any hints the index
// carries for it before falling back to the layout conventions
func (s *Server) resolveRecorded(contestID string, submissionID string) (dir string, err kv.Error) {
	participantID, storagePath := "", ""
	if records, err := s.store.ListSubmissions(contestID, ""); err == nil {
		for _, rec := range records {
			if rec.SubmissionID == submissionID {
				participantID, storagePath = rec.ParticipantID, rec.StoragePath
				break
			}
		}
	}
	return s.store.ResolveSubmissionDir(contestID, submissionID, participantID, storagePath)
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, fn string) {
	if info, errGo := os.Stat(fn); errGo != nil || !info.Mode().IsRegular() {
		s.writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	http.ServeFile(w, r, fn)
}
