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

// OutcomeKind is the classifier's decision about one probe.
type OutcomeKind int

const (
	OutcomePending OutcomeKind = iota
	OutcomeSuccess
	OutcomeRetryableFailure
	OutcomeTerminalFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomePending:
		return "pending"
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryableFailure:
		return "retryable_failure"
	case OutcomeTerminalFailure:
		return "terminal_failure"
	}
	return "unknown"
}

// Terminal reports whether no further polling happens after k.
func (k OutcomeKind) Terminal() bool {
	return k == OutcomeSuccess || k == OutcomeTerminalFailure
}

// Stable reasons attached to outcomes.
const (
	ReasonMatched           = "matched"
	ReasonUnknownStatus     = "unknown_status"
	ReasonProbeError        = "probe_error"
	ReasonAttemptsExhausted = "attempts_exhausted"
)

// Outcome is the classification of one probe.
type Outcome struct {
	Kind   OutcomeKind
	Reason string

	// ErrorCode and Cause are set on TerminalFailure and handed to the failure callback.
	ErrorCode string
	Cause     string
}
