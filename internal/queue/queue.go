// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package queue

// This contains the implementation of a simple file backed task queue used
// to hand evaluation work from the ingress across to the queue runner and
// to have that work survive process restarts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/arena-ml/arena-go-runner/internal/io"
	"github.com/arena-ml/arena-go-runner/internal/task"
)

// TimeFmt is the fixed width UTC layout used for the enqueued_at stamps.
// Fixed width keeps the stamps comparable as plain strings.
const TimeFmt = "2006-01-02T15:04:05.000000Z07:00"

// FileQueue is a FIFO queue of evaluation tasks persisted as a single JSON
// array file.  Every mutation is a load whole file, change, write whole file
// cycle performed under a process wide mutex, with the write going to a
// temporary file that is renamed into place so a crash leaves the queue in
// either its pre or post mutation state.
//
// A single FileQueue instance is expected to be shared by all producers and
// the consumer within one process.
type FileQueue struct {
	path string
	sync.Mutex
}

// NewFileQueue prepares a queue backed by the supplied file.  The file does
// not need to exist, an absent file is an empty queue.
func NewFileQueue(path string) (fq *FileQueue, err kv.Error) {
	if errGo := os.MkdirAll(filepath.Dir(path), 0755); errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", path)
	}
	return &FileQueue{path: path}, nil
}

// URL returns the location of the queues backing file
func (fq *FileQueue) URL() (urlString string) {
	return fq.path
}

// load reads the entire backing file.  Absent and malformed files are both
// treated as an empty queue, the next mutation rewrites a well formed file.
func (fq *FileQueue) load() (tasks []task.Task) {
	data, errGo := os.ReadFile(fq.path)
	if errGo != nil {
		return []task.Task{}
	}
	tasks = []task.Task{}
	if errGo = json.Unmarshal(data, &tasks); errGo != nil {
		return []task.Task{}
	}
	return tasks
}

// save writes the entire queue to a temporary file in the same directory and
// renames it over the backing file
func (fq *FileQueue) save(tasks []task.Task) (err kv.Error) {
	data, err := io.MarshalPretty(tasks)
	if err != nil {
		return err.With("path", fq.path)
	}
	return io.WriteFileAtomic(fq.path, data, 0644)
}

// Enqueue appends a task to the tail of the queue, stamping its enqueued_at
// field, and returns the queue length after the append.  Callers report the
// length less one to submitters as the number of tasks ahead of them.
func (fq *FileQueue) Enqueue(t task.Task) (depth int, err kv.Error) {
	fq.Lock()
	defer fq.Unlock()

	t.EnqueuedAt = time.Now().UTC().Format(TimeFmt)

	tasks := fq.load()
	tasks = append(tasks, t)
	if err = fq.save(tasks); err != nil {
		return 0, err
	}
	return len(tasks), nil
}

// Dequeue pops the task at the head of the queue.  An empty queue returns a
// nil task and no error.
func (fq *FileQueue) Dequeue() (t *task.Task, err kv.Error) {
	fq.Lock()
	defer fq.Unlock()

	tasks := fq.load()
	if len(tasks) == 0 {
		return nil, nil
	}
	head := tasks[0]
	if err = fq.save(tasks[1:]); err != nil {
		return nil, err
	}
	return &head, nil
}

// Peek returns a snapshot of the queued tasks in order without mutating the
// queue
func (fq *FileQueue) Peek() (tasks []task.Task, err kv.Error) {
	fq.Lock()
	defer fq.Unlock()

	return fq.load(), nil
}

// Size returns the number of tasks currently queued
func (fq *FileQueue) Size() (size int, err kv.Error) {
	fq.Lock()
	defer fq.Unlock()

	return len(fq.load()), nil
}

// Position returns the zero based queue position of the task belonging to
// the supplied submission, or -1 when no such task is queued
func (fq *FileQueue) Position(submissionID string) (pos int, err kv.Error) {
	fq.Lock()
	defer fq.Unlock()

	for i, queued := range fq.load() {
		if queued.SubmissionID == submissionID {
			return i, nil
		}
	}
	return -1, nil
}
