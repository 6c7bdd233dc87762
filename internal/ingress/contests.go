// Copyright 2020-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package ingress

// This file contains the contest lifecycle handlers.  A contest bundles the
// organizer supplied scoring image, the input and truth datasets and the
// metadata shown to participants.  Uploads are staged beneath the upload
// folder and only reach the store once fully validated.

import (
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/karlmutch/go-shortid"
	"github.com/mholt/archiver/v3"

	"github.com/arena-ml/arena-go-runner/internal/io"
	"github.com/arena-ml/arena-go-runner/internal/queue"
	"github.com/arena-ml/arena-go-runner/internal/resources"
	"github.com/arena-ml/arena-go-runner/internal/store"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// coverExts are the permitted cover image extensions
var coverExts = []string{"jpg", "jpeg", "png"}

// uploadPart pairs a validated multipart file with the sanitized name it
// will be stored under
type uploadPart struct {
	file multipart.File
	name string
}

func (s *Server) handleCreateContest(w http.ResponseWriter, r *http.Request) {
	if errGo := r.ParseMultipartForm(64 << 20); errGo != nil {
		s.writeError(w, http.StatusBadRequest, "malformed multipart request")
		return
	}

	title := strings.TrimSpace(r.FormValue("title"))
	if len(title) == 0 {
		s.writeError(w, http.StatusBadRequest, "contest title is required")
		return
	}
	description := strings.TrimSpace(r.FormValue("description"))
	if len(description) == 0 {
		s.writeError(w, http.StatusBadRequest, "contest description is required")
		return
	}

	contests, err := s.store.ListContests()
	if err != nil {
		s.logger.Warn("contest listing failed", "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "contest listing failed")
		return
	}
	for _, contest := range contests {
		if strings.EqualFold(contest.Info.Title, title) {
			s.writeError(w, http.StatusBadRequest, "a contest with this title already exists")
			return
		}
	}

	if err := resources.CheckFreeSpace(s.store.Base(), s.opts.MinFreeDisk); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	image, errMsg := s.formUpload(r, "image", "organizer image", s.opts.TarExts, s.opts.TarMaxBytes, "organizer image must be a tar archive")
	if len(errMsg) != 0 {
		s.writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	defer image.file.Close()

	source, errMsg := s.formUpload(r, "source_dataset", "source dataset", s.opts.ZipExts, s.opts.ZipMaxBytes, "dataset files must be zip archives")
	if len(errMsg) != 0 {
		s.writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	defer source.file.Close()

	result, errMsg := s.formUpload(r, "result_dataset", "result dataset", s.opts.ZipExts, s.opts.ZipMaxBytes, "dataset files must be zip archives")
	if len(errMsg) != 0 {
		s.writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	defer result.file.Close()

	cover, errMsg := s.formUpload(r, "cover_image", "cover image", coverExts, s.opts.ImageMaxBytes, "cover image must be a jpg or png file")
	if len(errMsg) != 0 {
		s.writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	defer cover.file.Close()

	contestID, err := s.store.AllocateContestID(time.Now())
	if err != nil {
		s.logger.Warn("contest id allocation failed", "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "contest id allocation failed")
		return
	}

	info := store.ContestInfo{
		Title:       title,
		Description: description,
		OwnerID:     strings.TrimSpace(r.FormValue("owner_id")),
		OwnerName:   strings.TrimSpace(r.FormValue("owner_name")),
	}
	if err = s.populateContest(contestID, info, image, source, result, cover); err != nil {
		s.logger.Warn("contest creation failed", "contest", contestID, "error", err.Error())
		if errGo := os.RemoveAll(s.store.ContestDir(contestID)); errGo != nil {
			s.logger.Warn("contest cleanup failed", "contest", contestID, "error", errGo.Error())
		}
		s.writeError(w, http.StatusInternalServerError, "contest creation failed")
		return
	}

	s.logger.Info("contest created", "contest", contestID, "title", title)
	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "success", "contest_id": contestID})
}

// formUpload retrieves one multipart file and applies the extension and
// size rules for its role.  A non empty message describes the refusal.
func (s *Server) formUpload(r *http.Request, field string, label string, exts []string, maxBytes int64, extMsg string) (part uploadPart, errMsg string) {
	file, header, errGo := r.FormFile(field)
	if errGo != nil {
		return part, label + " file is required"
	}
	if !extAllowed(header.Filename, exts) {
		file.Close()
		return part, extMsg
	}
	if maxBytes > 0 && header.Size > maxBytes {
		file.Close()
		return part, label + " file too large, limit " + humanize.Bytes(uint64(maxBytes))
	}
	return uploadPart{file: file, name: safeFileName(header.Filename)}, ""
}

// populateContest writes the validated uploads for a freshly allocated
// contest.  Everything lands in the staging directory first, the dataset
// archives expand from there straight into the store and the single file
// uploads are promoted with a rename once all of them made it to disk.
func (s *Server) populateContest(contestID string, info store.ContestInfo, image uploadPart, source uploadPart, result uploadPart, cover uploadPart) (err kv.Error) {
	if errGo := os.MkdirAll(s.opts.UploadDir, 0755); errGo != nil {
		return kv.Wrap(errGo).With("dir", s.opts.UploadDir).With("stack", stack.Trace().TrimRuntime())
	}
	id, errGo := shortid.Generate()
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	staging := filepath.Join(s.opts.UploadDir, "contest_"+contestID+"_"+id)
	if errGo := os.MkdirAll(staging, 0755); errGo != nil {
		return kv.Wrap(errGo).With("dir", staging).With("stack", stack.Trace().TrimRuntime())
	}
	defer func() {
		if errGo := os.RemoveAll(staging); errGo != nil {
			s.logger.Warn("staging cleanup failed", "dir", staging, "error", errGo.Error())
		}
	}()

	for _, dir := range []string{s.store.DatasetSourceDir(contestID), s.store.DatasetResultDir(contestID)} {
		if errGo := os.MkdirAll(dir, 0755); errGo != nil {
			return kv.Wrap(errGo).With("dir", dir).With("stack", stack.Trace().TrimRuntime())
		}
	}

	imageTar := filepath.Join(staging, image.name)
	if err = saveUpload(image.file, imageTar); err != nil {
		return err
	}

	sourceZip := filepath.Join(staging, source.name)
	if err = saveUpload(source.file, sourceZip); err != nil {
		return err
	}
	if errGo := archiver.Unarchive(sourceZip, s.store.DatasetSourceDir(contestID)); errGo != nil {
		return kv.Wrap(errGo).With("archive", sourceZip).With("stack", stack.Trace().TrimRuntime())
	}

	resultZip := filepath.Join(staging, result.name)
	if err = saveUpload(result.file, resultZip); err != nil {
		return err
	}
	if errGo := archiver.Unarchive(resultZip, s.store.DatasetResultDir(contestID)); errGo != nil {
		return kv.Wrap(errGo).With("archive", resultZip).With("stack", stack.Trace().TrimRuntime())
	}

	coverFn := filepath.Join(staging, cover.name)
	if err = saveUpload(cover.file, coverFn); err != nil {
		return err
	}

	// Promotion is a rename whenever the upload folder shares the store's
	// filesystem
	if err = io.MoveFile(imageTar, filepath.Join(s.store.InfoDir(contestID), image.name)); err != nil {
		return err
	}
	if err = io.MoveFile(coverFn, filepath.Join(s.store.InfoDir(contestID), cover.name)); err != nil {
		return err
	}

	info.Image = image.name
	info.SourceDataset = source.name
	info.ResultDataset = result.name
	info.CoverImage = cover.name
	info.CreateTime = time.Now().UTC().Format(queue.TimeFmt)
	return s.store.SaveContestInfo(contestID, info)
}

func (s *Server) handleListContests(w http.ResponseWriter, r *http.Request) {
	contests, err := s.store.ListContests()
	if err != nil {
		s.logger.Warn("contest listing failed", "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "contest listing failed")
		return
	}
	// Newest contests first, the ids embed the allocation date
	sort.Slice(contests, func(i int, j int) bool { return contests[i].ID > contests[j].ID })
	s.writeJSON(w, http.StatusOK, contests)
}

func (s *Server) handleGetContest(w http.ResponseWriter, r *http.Request) {
	contestID := mux.Vars(r)["contest_id"]
	info, err := s.store.LoadContestInfo(contestID)
	if err != nil {
		s.logger.Warn("contest metadata read failed", "contest", contestID, "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "contest metadata read failed")
		return
	}
	if info == nil {
		s.writeError(w, http.StatusNotFound, "contest not found")
		return
	}
	s.writeJSON(w, http.StatusOK, store.Contest{ID: contestID, Info: *info})
}
