// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package queue

// This file contains tests of the file backed FIFO task queue covering
// ordering, durability across instances and concurrent producers

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/jjeffery/kv" // MIT License

	"github.com/arena-ml/arena-go-runner/internal/task"
)

func testTask(id string) (t task.Task) {
	return task.Task{
		SubmissionID:  id,
		ContestID:     "AE20240101-000",
		ParticipantID: "default",
		ImageTarPath:  filepath.Join("evaluation", "submissions", "submission_"+id, "algo.tar"),
		InputDir:      filepath.Join("evaluation", "submissions", "submission_"+id, "input"),
		OutputDir:     filepath.Join("evaluation", "submissions", "submission_"+id, "output"),
		ContestDir:    "AE20240101-000",
		SubmissionDir: filepath.Join("evaluation", "submissions", "submission_"+id),
	}
}

func TestQueueFIFO(t *testing.T) {
	fq, err := NewFileQueue(filepath.Join(t.TempDir(), "task_queue.json"))
	if err != nil {
		t.Fatal(err)
	}

	ids := []string{"1700000000001", "1700000000002", "1700000000003"}
	for _, id := range ids {
		if _, err = fq.Enqueue(testTask(id)); err != nil {
			t.Fatal(err)
		}
	}

	for _, id := range ids {
		popped, err := fq.Dequeue()
		if err != nil {
			t.Fatal(err)
		}
		if popped == nil {
			t.Fatal("queue drained early")
		}
		if popped.SubmissionID != id {
			t.Fatal("out of order", "expected", id, "got", popped.SubmissionID)
		}
	}

	popped, err := fq.Dequeue()
	if err != nil {
		t.Fatal(err)
	}
	if popped != nil {
		t.Fatal("expected an empty queue")
	}
}

// TestQueueRoundTrip checks that a task survives the enqueue dequeue cycle
// unchanged except for the enqueued_at stamp added on the way in
func TestQueueRoundTrip(t *testing.T) {
	fq, err := NewFileQueue(filepath.Join(t.TempDir(), "task_queue.json"))
	if err != nil {
		t.Fatal(err)
	}

	sent := testTask("1700000000010")
	if _, err = fq.Enqueue(sent); err != nil {
		t.Fatal(err)
	}

	got, err := fq.Dequeue()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected a task")
	}
	if got.EnqueuedAt == "" {
		t.Fatal("enqueued_at was not stamped")
	}
	if _, errGo := time.Parse(TimeFmt, got.EnqueuedAt); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stamp", got.EnqueuedAt))
	}

	sent.EnqueuedAt = got.EnqueuedAt
	if diff := deep.Equal(sent, *got); diff != nil {
		t.Fatal(diff)
	}
}

// TestQueueDurability checks that tasks written through one queue instance
// are visible to a second instance opened on the same file, which is the
// restart recovery path
func TestQueueDurability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task_queue.json")

	fq, err := NewFileQueue(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"1700000000021", "1700000000022"} {
		if _, err = fq.Enqueue(testTask(id)); err != nil {
			t.Fatal(err)
		}
	}

	reopened, err := NewFileQueue(path)
	if err != nil {
		t.Fatal(err)
	}
	size, err := reopened.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != 2 {
		t.Fatal("expected 2 queued tasks", "got", size)
	}

	popped, err := reopened.Dequeue()
	if err != nil {
		t.Fatal(err)
	}
	if popped == nil || popped.SubmissionID != "1700000000021" {
		t.Fatal("restart did not resume from the head of the queue")
	}
}

func TestQueueCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task_queue.json")
	if errGo := os.WriteFile(path, []byte("not json at all"), 0644); errGo != nil {
		t.Fatal(kv.Wrap(errGo))
	}

	fq, err := NewFileQueue(path)
	if err != nil {
		t.Fatal(err)
	}

	size, err := fq.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != 0 {
		t.Fatal("corrupt file should read as empty", "got", size)
	}

	// The next mutation repairs the file
	if _, err = fq.Enqueue(testTask("1700000000030")); err != nil {
		t.Fatal(err)
	}
	size, err = fq.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != 1 {
		t.Fatal("expected 1 queued task", "got", size)
	}
}

// TestQueueConcurrentEnqueue has 50 producers enqueue in parallel and then
// checks the queue holds exactly 50 tasks, that the depths handed back are a
// permutation of 1..50 and that the enqueued_at stamps are non decreasing in
// queue order
func TestQueueConcurrentEnqueue(t *testing.T) {
	fq, err := NewFileQueue(filepath.Join(t.TempDir(), "task_queue.json"))
	if err != nil {
		t.Fatal(err)
	}

	producers := 50
	depths := make(chan int, producers)

	wg := sync.WaitGroup{}
	for i := 0; i != producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			depth, err := fq.Enqueue(testTask(fmt.Sprintf("17000000001%02d", i)))
			if err != nil {
				t.Error(err)
				return
			}
			depths <- depth
		}(i)
	}
	wg.Wait()
	close(depths)

	seen := map[int]bool{}
	for depth := range depths {
		if seen[depth] {
			t.Fatal("duplicate queue depth reported", depth)
		}
		seen[depth] = true
	}
	for i := 1; i <= producers; i++ {
		if !seen[i] {
			t.Fatal("missing queue depth", i)
		}
	}

	tasks, err := fq.Peek()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != producers {
		t.Fatal("expected", producers, "tasks", "got", len(tasks))
	}

	last := time.Time{}
	for _, queued := range tasks {
		stamp, errGo := time.Parse(TimeFmt, queued.EnqueuedAt)
		if errGo != nil {
			t.Fatal(kv.Wrap(errGo).With("stamp", queued.EnqueuedAt))
		}
		if stamp.Before(last) {
			t.Fatal("enqueued_at stamps decreased", "at", queued.SubmissionID)
		}
		last = stamp
	}
}

func TestQueuePosition(t *testing.T) {
	fq, err := NewFileQueue(filepath.Join(t.TempDir(), "task_queue.json"))
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"1700000000041", "1700000000042"} {
		if _, err = fq.Enqueue(testTask(id)); err != nil {
			t.Fatal(err)
		}
	}

	pos, err := fq.Position("1700000000042")
	if err != nil {
		t.Fatal(err)
	}
	if pos != 1 {
		t.Fatal("expected position 1", "got", pos)
	}

	pos, err = fq.Position("none-such")
	if err != nil {
		t.Fatal(err)
	}
	if pos != -1 {
		t.Fatal("expected -1 for unknown submission", "got", pos)
	}
}
