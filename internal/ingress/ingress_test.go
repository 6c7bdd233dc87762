// Copyright 2020-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package ingress

// This file contains tests for the REST ingress, exercising the handlers
// through the router the way a client would

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/mholt/archiver/v3"

	"github.com/arena-ml/arena-go-runner/internal/queue"
	"github.com/arena-ml/arena-go-runner/internal/sandbox"
	"github.com/arena-ml/arena-go-runner/internal/store"
	"github.com/arena-ml/arena-go-runner/internal/task"
	"github.com/arena-ml/arena-go-runner/pkg/log"

	"github.com/jjeffery/kv" // MIT License
)

type stubProber struct {
	facts sandbox.EngineFacts
	err   kv.Error
}

func (p *stubProber) GetEngineFacts(ctx context.Context) (facts sandbox.EngineFacts, err kv.Error) {
	return p.facts, p.err
}

type harness struct {
	server *Server
	router http.Handler
	store  *store.Store
	queue  *queue.FileQueue
	prober *stubProber
	opts   Options
}

func newHarness(t *testing.T) (h *harness) {
	base := t.TempDir()
	s, err := store.NewStore(filepath.Join(base, "projects"))
	if err != nil {
		t.Fatal(err)
	}
	q, err := queue.NewFileQueue(filepath.Join(base, "task_queue.json"))
	if err != nil {
		t.Fatal(err)
	}
	opts := Options{
		UploadDir:     filepath.Join(base, "uploads"),
		TarMaxBytes:   1 << 20,
		ZipMaxBytes:   1 << 20,
		ImageMaxBytes: 1 << 20,
		TarExts:       []string{"tar"},
		ZipExts:       []string{"zip"},
		MinFreeDisk:   1,
	}
	prober := &stubProber{facts: sandbox.EngineFacts{Images: 3, Containers: 2, Running: 1, Dangling: 1}}
	server := NewServer(s, q, prober, opts, log.NewLogger("ingress_test"))
	return &harness{
		server: server,
		router: server.Router(),
		store:  s,
		queue:  q,
		prober: prober,
		opts:   opts,
	}
}

type filePart struct {
	field   string
	name    string
	content []byte
}

func multipartBody(t *testing.T, fields map[string]string, files []filePart) (body *bytes.Buffer, contentType string) {
	body = &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for field, value := range fields {
		if errGo := writer.WriteField(field, value); errGo != nil {
			t.Fatal(kv.Wrap(errGo))
		}
	}
	for _, file := range files {
		part, errGo := writer.CreateFormFile(file.field, file.name)
		if errGo != nil {
			t.Fatal(kv.Wrap(errGo))
		}
		if _, errGo = part.Write(file.content); errGo != nil {
			t.Fatal(kv.Wrap(errGo))
		}
	}
	if errGo := writer.Close(); errGo != nil {
		t.Fatal(kv.Wrap(errGo))
	}
	return body, writer.FormDataContentType()
}

func (h *harness) do(method string, target string, body *bytes.Buffer, contentType string) (rec *httptest.ResponseRecorder) {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	if len(contentType) != 0 {
		req.Header.Set("Content-Type", contentType)
	}
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

// makeZip builds a real zip archive holding a single named file and returns
// the archive bytes for use as an upload
func makeZip(t *testing.T, name string, payload string) (data []byte) {
	dir := t.TempDir()
	dataFn := filepath.Join(dir, name)
	if errGo := os.WriteFile(dataFn, []byte(payload), 0644); errGo != nil {
		t.Fatal(kv.Wrap(errGo))
	}
	zipFn := filepath.Join(dir, "bundle.zip")
	if errGo := archiver.Archive([]string{dataFn}, zipFn); errGo != nil {
		t.Fatal(kv.Wrap(errGo))
	}
	data, errGo := os.ReadFile(zipFn)
	if errGo != nil {
		t.Fatal(kv.Wrap(errGo))
	}
	return data
}

func contestFields() map[string]string {
	return map[string]string{
		"title":       "Sorting Derby",
		"description": "sort the numbers as fast as you can",
		"owner_id":    "42",
		"owner_name":  "casey",
	}
}

func contestFiles(t *testing.T) []filePart {
	return []filePart{
		{field: "image", name: "scorer.tar", content: []byte("organizer-image-bytes")},
		{field: "source_dataset", name: "source.zip", content: makeZip(t, "input.txt", "7 3 9\n")},
		{field: "result_dataset", name: "result.zip", content: makeZip(t, "truth.txt", "3 7 9\n")},
		{field: "cover_image", name: "cover.png", content: []byte("png-bytes")},
	}
}

// seedContest installs contest fixtures directly through the store, keeping
// submission tests independent of the contest upload path
func seedContest(t *testing.T, s *store.Store, contestID string) {
	for _, dir := range []string{s.DatasetSourceDir(contestID), s.DatasetResultDir(contestID), s.InfoDir(contestID)} {
		if errGo := os.MkdirAll(dir, 0755); errGo != nil {
			t.Fatal(kv.Wrap(errGo))
		}
	}
	if errGo := os.WriteFile(filepath.Join(s.DatasetSourceDir(contestID), "input.txt"), []byte("7 3 9\n"), 0644); errGo != nil {
		t.Fatal(kv.Wrap(errGo))
	}
	info := store.ContestInfo{
		Title:       "Sorting Derby",
		Description: "sort the numbers",
		CreateTime:  time.Now().UTC().Format(queue.TimeFmt),
	}
	if err := s.SaveContestInfo(contestID, info); err != nil {
		t.Fatal(err)
	}
}

func TestCreateContestRoundTrip(t *testing.T) {
	h := newHarness(t)

	body, contentType := multipartBody(t, contestFields(), contestFiles(t))
	rec := h.do("POST", "/api/v1/contests", body, contentType)
	if rec.Code != http.StatusCreated {
		t.Fatal("unexpected status", rec.Code, rec.Body.String())
	}

	created := map[string]string{}
	if errGo := json.Unmarshal(rec.Body.Bytes(), &created); errGo != nil {
		t.Fatal(kv.Wrap(errGo))
	}
	contestID := created["contest_id"]
	wantPrefix := "AE" + time.Now().UTC().Format("20060102") + "-"
	if !strings.HasPrefix(contestID, wantPrefix) {
		t.Fatal("unexpected contest id", contestID)
	}

	info, err := h.store.LoadContestInfo(contestID)
	if err != nil || info == nil {
		t.Fatal("contest metadata missing", err)
	}
	if diff := deep.Equal(store.ContestInfo{
		Title:         "Sorting Derby",
		Description:   "sort the numbers as fast as you can",
		Image:         "scorer.tar",
		SourceDataset: "source.zip",
		ResultDataset: "result.zip",
		CoverImage:    "cover.png",
		OwnerID:       "42",
		OwnerName:     "casey",
		CreateTime:    info.CreateTime,
	}, *info); diff != nil {
		t.Fatal(diff)
	}

	imageData, errGo := os.ReadFile(filepath.Join(h.store.InfoDir(contestID), "scorer.tar"))
	if errGo != nil {
		t.Fatal(kv.Wrap(errGo))
	}
	if string(imageData) != "organizer-image-bytes" {
		t.Fatal("organizer image not stored")
	}
	coverData, errGo := os.ReadFile(filepath.Join(h.store.InfoDir(contestID), "cover.png"))
	if errGo != nil {
		t.Fatal(kv.Wrap(errGo))
	}
	if string(coverData) != "png-bytes" {
		t.Fatal("cover image not stored")
	}
	sourceData, errGo := os.ReadFile(filepath.Join(h.store.DatasetSourceDir(contestID), "input.txt"))
	if errGo != nil {
		t.Fatal(kv.Wrap(errGo))
	}
	if string(sourceData) != "7 3 9\n" {
		t.Fatal("source dataset not expanded")
	}
	resultData, errGo := os.ReadFile(filepath.Join(h.store.DatasetResultDir(contestID), "truth.txt"))
	if errGo != nil {
		t.Fatal(kv.Wrap(errGo))
	}
	if string(resultData) != "3 7 9\n" {
		t.Fatal("result dataset not expanded")
	}

	// The staging area must not accumulate anything
	if entries, errGo := os.ReadDir(h.opts.UploadDir); errGo == nil && len(entries) != 0 {
		t.Fatal("staging directory not cleaned", len(entries))
	}

	rec = h.do("GET", "/api/v1/contests", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatal("unexpected status", rec.Code)
	}
	contests := []store.Contest{}
	if errGo := json.Unmarshal(rec.Body.Bytes(), &contests); errGo != nil {
		t.Fatal(kv.Wrap(errGo))
	}
	if len(contests) != 1 || contests[0].ID != contestID {
		t.Fatal("contest listing incomplete", contests)
	}

	rec = h.do("GET", "/api/v1/contests/"+contestID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatal("unexpected status", rec.Code)
	}
	detail := store.Contest{}
	if errGo := json.Unmarshal(rec.Body.Bytes(), &detail); errGo != nil {
		t.Fatal(kv.Wrap(errGo))
	}
	if detail.Info.Title != "Sorting Derby" {
		t.Fatal("contest detail incomplete", detail)
	}

	// A second contest reusing the title must be refused
	body, contentType = multipartBody(t, contestFields(), contestFiles(t))
	rec = h.do("POST", "/api/v1/contests", body, contentType)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "already exists") {
		t.Fatal("duplicate title accepted", rec.Code, rec.Body.String())
	}
}

func TestCreateContestValidation(t *testing.T) {
	h := newHarness(t)

	items := []struct {
		msg    string
		fields map[string]string
		files  []filePart
		status int
		refuse string
	}{
		{
			msg:    "missing title",
			fields: map[string]string{"description": "d"},
			files:  contestFiles(t),
			status: http.StatusBadRequest,
			refuse: "contest title is required",
		},
		{
			msg:    "missing description",
			fields: map[string]string{"title": "Lonely"},
			files:  contestFiles(t),
			status: http.StatusBadRequest,
			refuse: "contest description is required",
		},
		{
			msg:    "missing organizer image",
			fields: map[string]string{"title": "NoImage", "description": "d"},
			files:  contestFiles(t)[1:],
			status: http.StatusBadRequest,
			refuse: "organizer image file is required",
		},
		{
			msg:    "dataset with wrong extension",
			fields: map[string]string{"title": "BadZip", "description": "d"},
			files: []filePart{
				{field: "image", name: "scorer.tar", content: []byte("x")},
				{field: "source_dataset", name: "source.txt", content: []byte("x")},
				{field: "result_dataset", name: "result.zip", content: makeZip(t, "truth.txt", "x")},
				{field: "cover_image", name: "cover.png", content: []byte("x")},
			},
			status: http.StatusBadRequest,
			refuse: "dataset files must be zip archives",
		},
		{
			msg:    "cover image with wrong extension",
			fields: map[string]string{"title": "BadCover", "description": "d"},
			files: []filePart{
				{field: "image", name: "scorer.tar", content: []byte("x")},
				{field: "source_dataset", name: "source.zip", content: makeZip(t, "input.txt", "x")},
				{field: "result_dataset", name: "result.zip", content: makeZip(t, "truth.txt", "x")},
				{field: "cover_image", name: "cover.gif", content: []byte("x")},
			},
			status: http.StatusBadRequest,
			refuse: "cover image must be a jpg or png file",
		},
	}

	for _, item := range items {
		body, contentType := multipartBody(t, item.fields, item.files)
		rec := h.do("POST", "/api/v1/contests", body, contentType)
		if rec.Code != item.status {
			t.Fatal(item.msg, "unexpected status", rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), item.refuse) {
			t.Fatal(item.msg, "unexpected refusal", rec.Body.String())
		}
	}

	// Nothing may survive a refused creation
	contests, err := h.store.ListContests()
	if err != nil {
		t.Fatal(err)
	}
	if len(contests) != 0 {
		t.Fatal("refused contests were persisted", contests)
	}
}

func TestCreateContestSizeLimit(t *testing.T) {
	h := newHarness(t)
	h.server.opts.ZipMaxBytes = 16

	files := []filePart{
		{field: "image", name: "scorer.tar", content: []byte("x")},
		{field: "source_dataset", name: "source.zip", content: makeZip(t, "input.txt", strings.Repeat("payload ", 64))},
		{field: "result_dataset", name: "result.zip", content: makeZip(t, "truth.txt", "x")},
		{field: "cover_image", name: "cover.png", content: []byte("x")},
	}
	body, contentType := multipartBody(t, contestFields(), files)
	rec := h.do("POST", "/api/v1/contests", body, contentType)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "file too large") {
		t.Fatal("oversize dataset accepted", rec.Code, rec.Body.String())
	}
}

type submitReply struct {
	SubmissionID  string `json:"submission_id"`
	ParticipantID string `json:"participant_id"`
	Status        string `json:"status"`
	QueueAhead    int    `json:"queue_ahead"`
}

func (h *harness) submit(t *testing.T, contestID string, participantID string) (reply submitReply) {
	fields := map[string]string{}
	if len(participantID) != 0 {
		fields["participant_id"] = participantID
	}
	body, contentType := multipartBody(t, fields, []filePart{
		{field: "file", name: "algo.tar", content: []byte("participant-image-bytes")},
	})
	rec := h.do("POST", "/api/v1/contests/"+contestID+"/submissions", body, contentType)
	if rec.Code != http.StatusOK {
		t.Fatal("unexpected status", rec.Code, rec.Body.String())
	}
	if errGo := json.Unmarshal(rec.Body.Bytes(), &reply); errGo != nil {
		t.Fatal(kv.Wrap(errGo))
	}
	return reply
}

func TestSubmitFlow(t *testing.T) {
	h := newHarness(t)
	contestID := "AE20240101-000"
	seedContest(t, h.store, contestID)

	first := h.submit(t, contestID, "")
	if first.ParticipantID != "default" || first.Status != task.StatusQueued.Code() || first.QueueAhead != 0 {
		t.Fatal("unexpected reply", first)
	}

	subDir := h.store.SubmissionDir(contestID, first.SubmissionID)
	tarData, errGo := os.ReadFile(filepath.Join(subDir, "algo.tar"))
	if errGo != nil {
		t.Fatal(kv.Wrap(errGo))
	}
	if string(tarData) != "participant-image-bytes" {
		t.Fatal("submission tar not stored")
	}
	snapshot, errGo := os.ReadFile(filepath.Join(subDir, store.InputDirName, "input.txt"))
	if errGo != nil {
		t.Fatal(kv.Wrap(errGo))
	}
	if string(snapshot) != "7 3 9\n" {
		t.Fatal("input dataset snapshot missing")
	}

	records, err := h.store.ListSubmissions(contestID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].StatusCode != task.StatusQueued.Code() {
		t.Fatal("index record missing", records)
	}

	queued, err := h.queue.Peek()
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].SubmissionID != first.SubmissionID {
		t.Fatal("task not enqueued", queued)
	}
	if queued[0].ImageTarPath != filepath.Join(subDir, "algo.tar") {
		t.Fatal("unexpected tar path", queued[0].ImageTarPath)
	}

	// Submission ids carry millisecond resolution
	time.Sleep(2 * time.Millisecond)
	second := h.submit(t, contestID, "team-rocket")
	if second.QueueAhead != 1 {
		t.Fatal("unexpected queue ahead", second.QueueAhead)
	}

	rec := h.do("GET", "/api/v1/contests/"+contestID+"/submissions", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatal("unexpected status", rec.Code, rec.Body.String())
	}
	entries := []submissionEntry{}
	if errGo := json.Unmarshal(rec.Body.Bytes(), &entries); errGo != nil {
		t.Fatal(kv.Wrap(errGo))
	}
	if len(entries) != 2 {
		t.Fatal("unexpected listing size", len(entries))
	}
	// Latest first, each annotated with its live queue position
	if entries[0].SubmissionID != second.SubmissionID || entries[0].QueuePosition == nil || *entries[0].QueuePosition != 1 {
		t.Fatal("unexpected head entry", entries[0])
	}
	if entries[1].SubmissionID != first.SubmissionID || entries[1].QueuePosition == nil || *entries[1].QueuePosition != 0 {
		t.Fatal("unexpected tail entry", entries[1])
	}

	rec = h.do("GET", "/api/v1/contests/"+contestID+"/submissions?participant_id=team-rocket", nil, "")
	filtered := []submissionEntry{}
	if errGo := json.Unmarshal(rec.Body.Bytes(), &filtered); errGo != nil {
		t.Fatal(kv.Wrap(errGo))
	}
	if len(filtered) != 1 || filtered[0].ParticipantID != "team-rocket" {
		t.Fatal("participant filter failed", filtered)
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)
	contestID := "AE20240101-000"
	seedContest(t, h.store, contestID)

	items := []struct {
		msg       string
		contestID string
		fields    map[string]string
		files     []filePart
		status    int
		refuse    string
	}{
		{
			msg:       "unknown contest",
			contestID: "AE19990101-000",
			files:     []filePart{{field: "file", name: "algo.tar", content: []byte("x")}},
			status:    http.StatusNotFound,
			refuse:    "contest not found",
		},
		{
			msg:       "missing file",
			contestID: contestID,
			status:    http.StatusBadRequest,
			refuse:    "submission file is required",
		},
		{
			msg:       "wrong extension",
			contestID: contestID,
			files:     []filePart{{field: "file", name: "algo.zip", content: []byte("x")}},
			status:    http.StatusBadRequest,
			refuse:    "submission must be a tar archive",
		},
		{
			msg:       "participant id with path characters",
			contestID: contestID,
			fields:    map[string]string{"participant_id": "../escape"},
			files:     []filePart{{field: "file", name: "algo.tar", content: []byte("x")}},
			status:    http.StatusBadRequest,
			refuse:    "participant id",
		},
	}

	for _, item := range items {
		body, contentType := multipartBody(t, item.fields, item.files)
		rec := h.do("POST", "/api/v1/contests/"+item.contestID+"/submissions", body, contentType)
		if rec.Code != item.status {
			t.Fatal(item.msg, "unexpected status", rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), item.refuse) {
			t.Fatal(item.msg, "unexpected refusal", rec.Body.String())
		}
	}

	if size, _ := h.queue.Size(); size != 0 {
		t.Fatal("refused submissions were queued", size)
	}
}

func TestArtifactDownloads(t *testing.T) {
	h := newHarness(t)
	contestID := "AE20240101-000"
	seedContest(t, h.store, contestID)

	submissionID := "1700000000123"
	subDir, err := h.store.PrepareSubmission(contestID, submissionID)
	if err != nil {
		t.Fatal(err)
	}
	artifacts := map[string]string{
		store.ParticipantLogsName:  "sorting...\ndone\n",
		store.OrganizerLogsName:    "scored\n",
		store.OrganizerResultsName: "{\n  \"indicator\": [0.9]\n}\n",
	}
	for name, content := range artifacts {
		if errGo := os.WriteFile(filepath.Join(subDir, name), []byte(content), 0644); errGo != nil {
			t.Fatal(kv.Wrap(errGo))
		}
	}
	rec := task.Record{
		SubmissionID:  submissionID,
		Timestamp:     time.Now().UTC().Format(queue.TimeFmt),
		StatusCode:    task.StatusSuccess.Code(),
		StatusDesc:    task.StatusSuccess.Desc(),
		ParticipantID: "default",
		StoragePath:   store.StoragePath(submissionID),
		OutputPath:    store.OutputPath(submissionID),
	}
	if err = h.store.AppendSubmissionRecord(contestID, rec); err != nil {
		t.Fatal(err)
	}

	base := "/api/v1/contests/" + contestID + "/submissions/" + submissionID
	items := []struct {
		msg    string
		target string
		status int
		body   string
	}{
		{msg: "participant logs", target: base + "/logs/participant", status: http.StatusOK, body: artifacts[store.ParticipantLogsName]},
		{msg: "organizer logs", target: base + "/logs/organizer", status: http.StatusOK, body: artifacts[store.OrganizerLogsName]},
		{msg: "organizer results", target: base + "/results", status: http.StatusOK, body: artifacts[store.OrganizerResultsName]},
		{msg: "unknown stage", target: base + "/logs/referee", status: http.StatusBadRequest},
		{msg: "unknown submission", target: "/api/v1/contests/" + contestID + "/submissions/42/results", status: http.StatusNotFound},
	}
	for _, item := range items {
		resp := h.do("GET", item.target, nil, "")
		if resp.Code != item.status {
			t.Fatal(item.msg, "unexpected status", resp.Code, resp.Body.String())
		}
		if len(item.body) != 0 && resp.Body.String() != item.body {
			t.Fatal(item.msg, "unexpected body", resp.Body.String())
		}
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	rec := h.do("GET", "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatal("unexpected status", rec.Code, rec.Body.String())
	}
	report := healthReport{}
	if errGo := json.Unmarshal(rec.Body.Bytes(), &report); errGo != nil {
		t.Fatal(kv.Wrap(errGo))
	}
	if report.Status != "ok" {
		t.Fatal("unexpected health status", report.Status)
	}
	if diff := deep.Equal(h.prober.facts, report.Docker); diff != nil {
		t.Fatal(diff)
	}
	if report.Disk.Total == 0 {
		t.Fatal("disk facts missing")
	}

	h.prober.err = kv.NewError("daemon unreachable")
	rec = h.do("GET", "/health", nil, "")
	report = healthReport{}
	if errGo := json.Unmarshal(rec.Body.Bytes(), &report); errGo != nil {
		t.Fatal(kv.Wrap(errGo))
	}
	if report.Status != "degraded" {
		t.Fatal("engine fault not reported", report.Status)
	}
}
