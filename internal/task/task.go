// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package task

// This file defines the task descriptor that travels through the evaluation
// queue along with the submission status model and its stable wire codes

// Task is one unit of evaluation work.  It carries every path needed to
// resume the work after a restart without consulting any other index.
type Task struct {
	SubmissionID  string `json:"submission_id"`
	ContestID     string `json:"contest_id"`
	ParticipantID string `json:"participant_id"`
	ImageTarPath  string `json:"image_tar_path"`
	InputDir      string `json:"input_dir"`
	OutputDir     string `json:"output_dir"`
	ContestDir    string `json:"contest_dir"`
	SubmissionDir string `json:"submission_dir"`
	EnqueuedAt    string `json:"enqueued_at"`
}

// Status is the rich submission state used inside the process.  Only the
// stable code/desc pair derived from it ever reaches disk or the API.
type Status int

const (
	StatusQueued Status = iota
	StatusRunning
	StatusSuccess
	StatusTimeout
	StatusContainerError
	StatusError
)

// Wire codes for the terminal statuses.  These values are a stable
// contract with readers of the submission index and must not be renumbered.
const (
	CodeSuccess        = 0
	CodeTimeout        = 1
	CodeContainerError = 2
	CodeError          = 3
)

const (
	DescQueued         = "queued for evaluation"
	DescRunning        = "evaluating participant image"
	DescSuccess        = "participant image succeeded"
	DescTimeout        = "participant image timed out"
	DescContainerError = "participant image container failure"
	DescError          = "orchestration error"
)

// Code returns the representation of the status used in the submission
// index, the state name while pending and the numeric wire code once
// terminal.
func (s Status) Code() string {
	switch s {
	case StatusQueued:
		return "QUEUED"
	case StatusRunning:
		return "RUNNING"
	case StatusSuccess:
		return "0"
	case StatusTimeout:
		return "1"
	case StatusContainerError:
		return "2"
	case StatusError:
		return "3"
	}
	return "3"
}

// Desc returns the canonical human readable description for the status
func (s Status) Desc() string {
	switch s {
	case StatusQueued:
		return DescQueued
	case StatusRunning:
		return DescRunning
	case StatusSuccess:
		return DescSuccess
	case StatusTimeout:
		return DescTimeout
	case StatusContainerError:
		return DescContainerError
	case StatusError:
		return DescError
	}
	return DescError
}

// WireCode returns the small integer used at the API boundary for a
// terminal status, -1 while the submission is still pending
func (s Status) WireCode() int {
	switch s {
	case StatusSuccess:
		return CodeSuccess
	case StatusTimeout:
		return CodeTimeout
	case StatusContainerError:
		return CodeContainerError
	case StatusError:
		return CodeError
	}
	return -1
}

// IsTerminal reports whether an index status code denotes a finished
// evaluation.  Terminal codes are sticky, a record carrying one is never
// moved back to QUEUED or RUNNING.
func IsTerminal(code string) bool {
	switch code {
	case "0", "1", "2", "3":
		return true
	}
	return false
}

// Record is one entry of the per contest submission index
// (evaluation/submissions.json)
type Record struct {
	SubmissionID  string `json:"submission_id"`
	Timestamp     string `json:"timestamp"`
	StatusCode    string `json:"status_code"`
	StatusDesc    string `json:"status_desc"`
	ParticipantID string `json:"participant_id"`
	StoragePath   string `json:"storage_path"`
	OutputPath    string `json:"output_path"`
}

// RuntimeInfo captures the participant run's resource peaks and wall time.
// It is injected into the organizer results under the runtimeInfo key.
type RuntimeInfo struct {
	CPU     float64 `json:"cpu"`
	Memory  float64 `json:"memory"`
	Runtime float64 `json:"runtime"`
}

// Result is the verdict the evaluation worker hands back to the queue
// runner for persistence
type Result struct {
	Code             int    `json:"code"`
	Desc             string `json:"desc"`
	ParticipantLogs  string `json:"participant_logs"`
	OrganizerLogs    string `json:"organizer_logs"`
	OrganizerResults []byte `json:"organizer_results,omitempty"`
	ParticipantImage string `json:"participant_image"`
	ParticipantID    string `json:"participant_id"`
}
