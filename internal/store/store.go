// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package store

// This file contains the on disk layout of contests and their submissions.
// The store is the source of truth for submission state, everything in it is
// plain files so that a restart loses nothing.
//
// <base>/<contest_id>/
//   info/
//     info.json                  contest metadata, organizer image filename
//     <organizer_image>.tar
//     dataset/source/...         participant facing input dataset
//     dataset/result/...         reference results for the organizer
//   evaluation/
//     submissions.json           submission index
//     submissions/submission_<id>/...

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/arena-ml/arena-go-runner/internal/io"
)

const (
	infoDirName        = "info"
	infoFileName       = "info.json"
	datasetDirName     = "dataset"
	sourceDirName      = "source"
	resultDirName      = "result"
	evaluationDirName  = "evaluation"
	indexFileName      = "submissions.json"
	submissionsDirName = "submissions"

	// SubmissionPrefix starts every submission directory name
	SubmissionPrefix = "submission_"

	// Artifact names inside one submission directory
	InputDirName           = "input"
	OutputDirName          = "output"
	OrganizerOutputDirName = "organizer_output"
	ParticipantLogsName    = "participant_logs.txt"
	OrganizerLogsName      = "organizer_logs.txt"
	OrganizerResultsName   = "organizer_results.json"

	// ResultsFileName is the file a participant container must leave in its
	// output directory and an organizer container in its own
	ResultsFileName = "results.json"
)

// ContestInfo is the contest metadata kept in info/info.json.  The field
// names are a wire contract with existing readers of the store.
type ContestInfo struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	Image         string `json:"image"`
	SourceDataset string `json:"source_dataset"`
	ResultDataset string `json:"result_dataset"`
	CoverImage    string `json:"cover_image"`
	OwnerID       string `json:"owner_id"`
	OwnerName     string `json:"owner_name"`
	CreateTime    string `json:"createTime"`
}

// Contest pairs a contest id with its metadata for listings
type Contest struct {
	ID   string      `json:"id"`
	Info ContestInfo `json:"info"`
}

// Store mediates every read and write beneath the submission store root.
// Mutations of shared files are serialized by a process wide mutex, one
// Store instance is shared by the ingress and the queue runner.
type Store struct {
	base string
	sync.Mutex
}

// NewStore opens, creating when needed, a submission store rooted at base
func NewStore(base string) (s *Store, err kv.Error) {
	absolute, errGo := filepath.Abs(base)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("base", base).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo = os.MkdirAll(absolute, 0755); errGo != nil {
		return nil, kv.Wrap(errGo).With("base", absolute).With("stack", stack.Trace().TrimRuntime())
	}
	return &Store{base: absolute}, nil
}

// Base returns the absolute store root
func (s *Store) Base() string {
	return s.base
}

// ContestDir returns the directory holding everything for one contest
func (s *Store) ContestDir(contestID string) string {
	return filepath.Join(s.base, contestID)
}

// InfoDir returns the contest metadata directory
func (s *Store) InfoDir(contestID string) string {
	return filepath.Join(s.ContestDir(contestID), infoDirName)
}

// InfoPath returns the location of the contest metadata file
func (s *Store) InfoPath(contestID string) string {
	return filepath.Join(s.InfoDir(contestID), infoFileName)
}

// DatasetSourceDir returns the participant facing input dataset directory
func (s *Store) DatasetSourceDir(contestID string) string {
	return filepath.Join(s.InfoDir(contestID), datasetDirName, sourceDirName)
}

// DatasetResultDir returns the reference result dataset directory
func (s *Store) DatasetResultDir(contestID string) string {
	return filepath.Join(s.InfoDir(contestID), datasetDirName, resultDirName)
}

// EvaluationDir returns the directory holding the submission index and the
// submission directories for one contest
func (s *Store) EvaluationDir(contestID string) string {
	return filepath.Join(s.ContestDir(contestID), evaluationDirName)
}

// IndexPath returns the location of the submission index file
func (s *Store) IndexPath(contestID string) string {
	return filepath.Join(s.EvaluationDir(contestID), indexFileName)
}

// SubmissionsDir returns the parent directory of all current layout
// submission directories
func (s *Store) SubmissionsDir(contestID string) string {
	return filepath.Join(s.EvaluationDir(contestID), submissionsDirName)
}

// SubmissionDir returns the current layout directory for one submission
func (s *Store) SubmissionDir(contestID string, submissionID string) string {
	return filepath.Join(s.SubmissionsDir(contestID), SubmissionPrefix+submissionID)
}

// StoragePath returns the index representation of a submission directory,
// relative to the contest directory and always in POSIX form
func StoragePath(submissionID string) string {
	return path.Join(evaluationDirName, submissionsDirName, SubmissionPrefix+submissionID)
}

// OutputPath returns the index representation of a submissions output
// directory
func OutputPath(submissionID string) string {
	return path.Join(StoragePath(submissionID), OutputDirName)
}

// NewSubmissionID derives a submission id from the supplied instant.
// Ids are millisecond timestamps which keeps them unique within a contest
// under the single ingress assumption and sortable by arrival.
func NewSubmissionID(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10)
}

// ContestExists reports whether a contest with metadata is present
func (s *Store) ContestExists(contestID string) bool {
	info, errGo := os.Stat(s.InfoPath(contestID))
	return errGo == nil && info.Mode().IsRegular()
}

// LoadContestInfo reads the contest metadata.  Absent or malformed metadata
// returns nil without an error, readers of the store tolerate both.
func (s *Store) LoadContestInfo(contestID string) (info *ContestInfo, err kv.Error) {
	data, errGo := os.ReadFile(s.InfoPath(contestID))
	if errGo != nil {
		return nil, nil
	}
	info = &ContestInfo{}
	if errGo = json.Unmarshal(data, info); errGo != nil {
		return nil, nil
	}
	return info, nil
}

// SaveContestInfo writes the contest metadata file
func (s *Store) SaveContestInfo(contestID string, info ContestInfo) (err kv.Error) {
	if errGo := os.MkdirAll(s.InfoDir(contestID), 0755); errGo != nil {
		return kv.Wrap(errGo).With("contest", contestID).With("stack", stack.Trace().TrimRuntime())
	}
	data, err := io.MarshalPretty(info)
	if err != nil {
		return err.With("contest", contestID)
	}
	return io.WriteFileAtomic(s.InfoPath(contestID), data, 0644)
}

// OrganizerImagePath returns the location of the contests organizer scoring
// image tarball, or an empty string when the contest does not declare one
func (s *Store) OrganizerImagePath(contestID string) (fn string, err kv.Error) {
	info, err := s.LoadContestInfo(contestID)
	if err != nil {
		return "", err
	}
	if info == nil || len(info.Image) == 0 {
		return "", nil
	}
	return filepath.Join(s.InfoDir(contestID), info.Image), nil
}

// AllocateContestID reserves the first free contest id of the day, ids have
// the form AE<YYYYMMDD>-NNN with NNN running from 000 to 999.  The contest
// directory is created as part of the reservation.
func (s *Store) AllocateContestID(now time.Time) (contestID string, err kv.Error) {
	s.Lock()
	defer s.Unlock()

	day := now.UTC().Format("20060102")
	for seq := 0; seq != 1000; seq++ {
		contestID = fmt.Sprintf("AE%s-%03d", day, seq)
		if _, errGo := os.Stat(s.ContestDir(contestID)); errGo == nil {
			continue
		}
		if errGo := os.MkdirAll(s.InfoDir(contestID), 0755); errGo != nil {
			return "", kv.Wrap(errGo).With("contest", contestID).With("stack", stack.Trace().TrimRuntime())
		}
		return contestID, nil
	}
	return "", kv.NewError("contest ids exhausted for the day").With("day", day).With("stack", stack.Trace().TrimRuntime())
}

// ListContests scans the store root for contests that carry metadata
func (s *Store) ListContests() (contests []Contest, err kv.Error) {
	contests = []Contest{}

	entries, errGo := os.ReadDir(s.base)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("base", s.base).With("stack", stack.Trace().TrimRuntime())
	}
	for _, entry := range entries {
		if !entry.IsDir() || !s.ContestExists(entry.Name()) {
			continue
		}
		info, err := s.LoadContestInfo(entry.Name())
		if err != nil || info == nil {
			continue
		}
		contests = append(contests, Contest{ID: entry.Name(), Info: *info})
	}
	return contests, nil
}

// PrepareSubmission creates the directory skeleton for a new submission and
// returns its location
func (s *Store) PrepareSubmission(contestID string, submissionID string) (subDir string, err kv.Error) {
	subDir = s.SubmissionDir(contestID, submissionID)
	for _, dir := range []string{
		subDir,
		filepath.Join(subDir, InputDirName),
		filepath.Join(subDir, OutputDirName),
		filepath.Join(subDir, OrganizerOutputDirName),
	} {
		if errGo := os.MkdirAll(dir, 0755); errGo != nil {
			return "", kv.Wrap(errGo).With("dir", dir).With("stack", stack.Trace().TrimRuntime())
		}
	}
	return subDir, nil
}

// ResolveSubmissionDir locates the directory of a submission, trying the
// recorded storage path first, then the current layout, then the legacy per
// participant layout that older stores used.  The first candidate that
// exists on disk wins.
func (s *Store) ResolveSubmissionDir(contestID string, submissionID string, participantID string, storagePath string) (dir string, err kv.Error) {
	candidates := []string{}
	if len(storagePath) != 0 {
		candidates = append(candidates, filepath.Join(s.ContestDir(contestID), filepath.FromSlash(storagePath)))
	}
	candidates = append(candidates, s.SubmissionDir(contestID, submissionID))
	if len(participantID) != 0 {
		candidates = append(candidates, filepath.Join(s.EvaluationDir(contestID), participantID, SubmissionPrefix+submissionID))
	}

	for _, candidate := range candidates {
		if info, errGo := os.Stat(candidate); errGo == nil && info.IsDir() {
			return candidate, nil
		}
	}
	return "", kv.NewError("submission directory not found").
		With("contest", contestID).With("submission", submissionID).
		With("stack", stack.Trace().TrimRuntime())
}
