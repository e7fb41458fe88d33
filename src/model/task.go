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

package model

import (
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// PollTask identifies one in-flight long-running operation.
type PollTask struct {
	ID             string         // carrier-assigned, never serialized into the body
	Kind           string         // operation kind, selects vocabulary and prober
	SubjectID      string         // DB INSTANCE / MASKING RUN ID
	CallbackHandle string         // STEP FUNCTIONS TASK TOKEN
	Attempt        int
	Payload        map[string]any // passed through to the success output
	VisibleAt      time.Time
}

// Next returns the logical continuation of t scheduled delay after now.
func (t PollTask) Next(now time.Time, delay time.Duration) PollTask {
	next := t
	next.Attempt = t.Attempt + 1
	next.VisibleAt = now.Add(delay)
	return next
}

// Validate reports whether the task carries what is needed to ever redeem its handle.
func (t PollTask) Validate() error {
	switch {
	case t.CallbackHandle == "":
		return fmt.Errorf("%w: missing task token", ErrMalformedMessage)
	case t.SubjectID == "":
		return fmt.Errorf("%w: missing subject id", ErrMalformedMessage)
	case t.Attempt < 0:
		return fmt.Errorf("%w: negative attempt %d", ErrMalformedMessage, t.Attempt)
	}
	return nil
}

// ProbeResult is the raw external state as reported by a prober.
type ProbeResult struct {
	RawStatus string
	RawError  error
}

func (r ProbeResult) String() string {
	if r.RawError != nil {
		return "error: " + r.RawError.Error()
	}
	return r.RawStatus
}
