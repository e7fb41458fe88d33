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

// Package queue holds the durable carriers poll tasks wait in between probes, and the
// scheduler that puts them back with a delay.
package queue

import (
	"context"
	"errors"
	"math"
	"time"

	"maskpipeworker/src/model"
)

// ErrDuplicateHandle is returned when a live task already holds the callback handle.
var ErrDuplicateHandle = errors.New("a live poll task already holds this callback handle")

// Enqueuer makes a task deliverable again no earlier than delay from now.
type Enqueuer interface {
	Enqueue(ctx context.Context, task model.PollTask, delay time.Duration) error
}

// ClaimQueue is a carrier the worker pulls from, one task at a time.
// Claim returns nil when nothing is due.
type ClaimQueue interface {
	Enqueuer
	Claim(ctx context.Context, workerID string) (*model.PollTask, error)
	Complete(ctx context.Context, id string, status model.TaskStatus, detail string) error
	Retry(ctx context.Context, id string, delay time.Duration) error
}

// Scheduler hands pending tasks back to the carrier.
type Scheduler struct {
	enqueuer Enqueuer
	delay    time.Duration
	maxDelay time.Duration
	factor   float64
	now      func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithBackoff grows the delay by factor per attempt, capped at maxDelay.
func WithBackoff(factor float64, maxDelay time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.factor = factor
		s.maxDelay = maxDelay
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

func NewScheduler(enqueuer Enqueuer, delay time.Duration, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		enqueuer: enqueuer,
		delay:    delay,
		maxDelay: delay,
		factor:   1,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Delay is the wait before the poll that follows attempt.
func (s *Scheduler) Delay(attempt int) time.Duration {
	if s.factor <= 1 || attempt <= 0 {
		return s.delay
	}
	d := float64(s.delay) * math.Pow(s.factor, float64(attempt))
	if d >= float64(s.maxDelay) {
		return s.maxDelay
	}
	return time.Duration(d)
}

// Requeue schedules the continuation of task and returns it.
func (s *Scheduler) Requeue(ctx context.Context, task model.PollTask) (model.PollTask, error) {
	delay := s.Delay(task.Attempt)
	next := task.Next(s.now(), delay)
	if err := s.enqueuer.Enqueue(ctx, next, delay); err != nil {
		return task, err
	}
	return next, nil
}

// Defer puts task back unchanged until its VisibleAt, for deliveries that arrive early.
func (s *Scheduler) Defer(ctx context.Context, task model.PollTask) error {
	remaining := task.VisibleAt.Sub(s.now())
	if remaining < 0 {
		remaining = 0
	}
	return s.enqueuer.Enqueue(ctx, task, remaining)
}

// Now is the scheduler's clock.
func (s *Scheduler) Now() time.Time {
	return s.now()
}
