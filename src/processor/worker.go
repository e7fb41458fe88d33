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

package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"maskpipeworker/src/logging"
	"maskpipeworker/src/model"
	"maskpipeworker/src/queue"
)

// ProcessNext claims one due task from q and dispatches it, then acknowledges the claim.
// It reports whether a task was claimed. After a collaborator failure the claim is
// released with retryDelay and the attempt is not counted.
func (d *Dispatcher) ProcessNext(ctx context.Context, q queue.ClaimQueue, workerID string, retryDelay time.Duration) (bool, error) {
	task, err := q.Claim(ctx, workerID)
	if err != nil {
		d.stats.UpdateStats(logging.StatsDelta{CollaboratorFailures: 1})
		return false, err
	}
	if task == nil {
		return false, nil
	}

	res, procErr := d.Process(ctx, *task)
	if procErr != nil {
		logging.LogAttrs(ctx, slog.LevelError, "Poll cycle failed, releasing claim",
			taskAttrs(*task, slog.String("error", procErr.Error()))...)
		if err := q.Retry(ctx, task.ID, retryDelay); err != nil {
			return true, fmt.Errorf("release %s after %v: %w", task.ID, procErr, err)
		}
		return true, nil
	}

	switch res.Action {
	case ActionSignaledSuccess:
		err = q.Complete(ctx, task.ID, model.TaskSucceeded, "")
	case ActionSignaledFailure:
		err = q.Complete(ctx, task.ID, model.TaskFailed, res.Outcome.ErrorCode+": "+res.Outcome.Cause)
	case ActionDropped:
		err = q.Complete(ctx, task.ID, model.TaskFailed, "malformed task")
	}
	if err != nil {
		d.stats.UpdateStats(logging.StatsDelta{CollaboratorFailures: 1})
		return true, err
	}
	return true, nil
}

// Drain processes due tasks until none is left or ctx is done, and returns how many it
// claimed.
func (d *Dispatcher) Drain(ctx context.Context, q queue.ClaimQueue, workerID string, retryDelay time.Duration) int {
	n := 0
	for ctx.Err() == nil {
		found, err := d.ProcessNext(ctx, q, workerID, retryDelay)
		if err != nil {
			logging.Log(fmt.Sprintf("Error processing poll task: %v", err), slog.LevelError)
		}
		if !found {
			return n
		}
		n++
	}
	return n
}
