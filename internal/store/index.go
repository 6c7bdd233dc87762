// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package store

// This file contains the per contest submission index and the status
// patching rules applied to it.  The index is the authoritative listing of
// submissions, directory scans remain only as a fallback for stores written
// before the index existed.

import (
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/arena-ml/arena-go-runner/internal/io"
	"github.com/arena-ml/arena-go-runner/internal/task"
)

type indexDoc struct {
	Submissions []task.Record `json:"submissions"`
}

// readIndex loads the submission index for a contest with absent and
// malformed files both read as empty.  Callers hold the store lock.
func (s *Store) readIndex(contestID string) (records []task.Record) {
	records = []task.Record{}

	data, errGo := os.ReadFile(s.IndexPath(contestID))
	if errGo != nil {
		return records
	}
	doc := indexDoc{}
	if errGo = json.Unmarshal(data, &doc); errGo != nil {
		return records
	}
	if doc.Submissions != nil {
		records = doc.Submissions
	}
	return records
}

// writeIndex persists the submission index for a contest.  Callers hold the
// store lock.
func (s *Store) writeIndex(contestID string, records []task.Record) (err kv.Error) {
	if errGo := os.MkdirAll(s.EvaluationDir(contestID), 0755); errGo != nil {
		return kv.Wrap(errGo).With("contest", contestID).With("stack", stack.Trace().TrimRuntime())
	}
	data, err := io.MarshalPretty(indexDoc{Submissions: records})
	if err != nil {
		return err.With("contest", contestID)
	}
	return io.WriteFileAtomic(s.IndexPath(contestID), data, 0644)
}

// AppendSubmissionRecord adds a record to the tail of the contests
// submission index
func (s *Store) AppendSubmissionRecord(contestID string, rec task.Record) (err kv.Error) {
	s.Lock()
	defer s.Unlock()

	records := s.readIndex(contestID)
	records = append(records, rec)
	return s.writeIndex(contestID, records)
}

// UpdateSubmissionStatus patches the status code and description of one
// record.  A missing index or unknown submission id is a silent no-op, the
// caller has already logged the context.  Terminal codes are sticky, once a
// record carries one no further transition is applied, and re-applying the
// status a record already carries leaves the index untouched.
func (s *Store) UpdateSubmissionStatus(contestID string, submissionID string, code string, desc string) (err kv.Error) {
	s.Lock()
	defer s.Unlock()

	records := s.readIndex(contestID)
	for i, rec := range records {
		if rec.SubmissionID != submissionID {
			continue
		}
		if rec.StatusCode == code && rec.StatusDesc == desc {
			return nil
		}
		if task.IsTerminal(rec.StatusCode) {
			return nil
		}
		records[i].StatusCode = code
		records[i].StatusDesc = desc
		return s.writeIndex(contestID, records)
	}
	return nil
}

// ListSubmissions returns the submission records for a contest, optionally
// filtered to one participant.  When the index file is absent the
// directories are scanned instead, covering stores written before the index
// existed.  Synthesized records carry no status.
func (s *Store) ListSubmissions(contestID string, participantID string) (records []task.Record, err kv.Error) {
	s.Lock()
	records = s.readIndex(contestID)
	s.Unlock()

	if len(records) == 0 {
		if _, errGo := os.Stat(s.IndexPath(contestID)); errGo != nil {
			records = s.scanSubmissionDirs(contestID)
		}
	}

	if len(participantID) == 0 {
		return records, nil
	}
	matched := []task.Record{}
	for _, rec := range records {
		if rec.ParticipantID == participantID {
			matched = append(matched, rec)
		}
	}
	return matched, nil
}

// scanSubmissionDirs rebuilds a best effort submission listing from the
// directory tree, understanding both the current layout and the legacy per
// participant layout
func (s *Store) scanSubmissionDirs(contestID string) (records []task.Record) {
	records = []task.Record{}

	entries, errGo := os.ReadDir(s.EvaluationDir(contestID))
	if errGo != nil {
		return records
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		participantID := entry.Name()
		if participantID == submissionsDirName {
			participantID = ""
		}
		subEntries, errGo := os.ReadDir(filepath.Join(s.EvaluationDir(contestID), entry.Name()))
		if errGo != nil {
			continue
		}
		for _, subEntry := range subEntries {
			if !subEntry.IsDir() || !strings.HasPrefix(subEntry.Name(), SubmissionPrefix) {
				continue
			}
			stamp := ""
			if info, errGo := subEntry.Info(); errGo == nil {
				stamp = info.ModTime().UTC().Format(time.RFC3339)
			}
			storage := path.Join(evaluationDirName, entry.Name(), subEntry.Name())
			records = append(records, task.Record{
				SubmissionID:  strings.TrimPrefix(subEntry.Name(), SubmissionPrefix),
				Timestamp:     stamp,
				ParticipantID: participantID,
				StoragePath:   storage,
				OutputPath:    path.Join(storage, OutputDirName),
			})
		}
	}

	sort.Slice(records, func(i int, j int) bool {
		return records[i].SubmissionID < records[j].SubmissionID
	})
	return records
}
