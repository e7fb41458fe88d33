// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"maskpipeworker/src/model"
)

// MemoryQueue is an in-process ClaimQueue. Nothing survives a restart; use it for
// local runs and tests.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  map[string]model.PollTask
	claimed  map[string]model.PollTask
	finished map[string]model.TaskStatus
	handles  map[string]string
	now      func() time.Time
	wake     chan struct{}
}

func NewMemoryQueue(now func() time.Time) *MemoryQueue {
	if now == nil {
		now = time.Now
	}
	return &MemoryQueue{
		pending:  make(map[string]model.PollTask),
		claimed:  make(map[string]model.PollTask),
		finished: make(map[string]model.TaskStatus),
		handles:  make(map[string]string),
		now:      now,
		wake:     make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, task model.PollTask, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if owner, ok := q.handles[task.CallbackHandle]; ok && owner != task.ID {
		return fmt.Errorf("%w: task %s", ErrDuplicateHandle, owner)
	}
	delete(q.claimed, task.ID)
	task.VisibleAt = q.now().Add(delay)
	q.pending[task.ID] = task
	q.handles[task.CallbackHandle] = task.ID

	if delay <= 0 {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Claim returns the due task with the earliest VisibleAt.
func (q *MemoryQueue) Claim(_ context.Context, _ string) (*model.PollTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var due *model.PollTask
	for _, task := range q.pending {
		if task.VisibleAt.After(now) {
			continue
		}
		if due == nil || task.VisibleAt.Before(due.VisibleAt) {
			t := task
			due = &t
		}
	}
	if due == nil {
		return nil, nil
	}
	delete(q.pending, due.ID)
	q.claimed[due.ID] = *due
	return due, nil
}

func (q *MemoryQueue) Complete(_ context.Context, id string, status model.TaskStatus, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.claimed[id]
	if !ok {
		return fmt.Errorf("complete %s: task is not claimed", id)
	}
	delete(q.claimed, id)
	delete(q.handles, task.CallbackHandle)
	q.finished[id] = status
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, id string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.claimed[id]
	if !ok {
		return fmt.Errorf("retry %s: task is not claimed", id)
	}
	delete(q.claimed, id)
	task.VisibleAt = q.now().Add(delay)
	q.pending[id] = task
	return nil
}

// Wake fires when a task is enqueued with no delay.
func (q *MemoryQueue) Wake() <-chan struct{} {
	return q.wake
}

// Pending returns the waiting tasks ordered by VisibleAt.
func (q *MemoryQueue) Pending() []model.PollTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks := make([]model.PollTask, 0, len(q.pending))
	for _, task := range q.pending {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].VisibleAt.Before(tasks[j].VisibleAt) })
	return tasks
}

// Finished returns the terminal status recorded for id.
func (q *MemoryQueue) Finished(id string) (model.TaskStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	status, ok := q.finished[id]
	return status, ok
}

// Counts reports pending, claimed and finished totals.
func (q *MemoryQueue) Counts() (pending, claimed, finished int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.claimed), len(q.finished)
}

var _ ClaimQueue = (*MemoryQueue)(nil)
