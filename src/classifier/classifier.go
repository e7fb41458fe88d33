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

// Package classifier maps raw external statuses onto the four poll outcomes.
package classifier

import (
	"fmt"

	"maskpipeworker/src/model"
)

// Classify maps one probe result to an outcome. It is total: every input yields
// exactly one outcome. A maxAttempts of zero or less disables the attempt ceiling.
//
// Once attempt reaches maxAttempts anything that would poll again (pending, unknown
// status, probe error) becomes a terminal failure.
func (k *Kind) Classify(res model.ProbeResult, attempt, maxAttempts int) model.Outcome {
	exhausted := maxAttempts > 0 && attempt >= maxAttempts

	if res.RawError != nil {
		if exhausted {
			return k.exhausted(res, attempt)
		}
		return model.Outcome{Kind: model.OutcomeRetryableFailure, Reason: model.ReasonProbeError}
	}

	outcome, known := k.lookup(res.RawStatus)
	switch {
	case known && outcome == model.OutcomeSuccess:
		return model.Outcome{Kind: model.OutcomeSuccess, Reason: model.ReasonMatched}
	case known && outcome == model.OutcomeTerminalFailure:
		return model.Outcome{
			Kind:      model.OutcomeTerminalFailure,
			Reason:    model.ReasonMatched,
			ErrorCode: k.FailureCode,
			Cause:     k.FailureCause,
		}
	case exhausted:
		return k.exhausted(res, attempt)
	case known:
		return model.Outcome{Kind: model.OutcomePending, Reason: model.ReasonMatched}
	default:
		return model.Outcome{Kind: model.OutcomePending, Reason: model.ReasonUnknownStatus}
	}
}

func (k *Kind) exhausted(res model.ProbeResult, attempt int) model.Outcome {
	return model.Outcome{
		Kind:      model.OutcomeTerminalFailure,
		Reason:    model.ReasonAttemptsExhausted,
		ErrorCode: model.ReasonAttemptsExhausted,
		Cause:     fmt.Sprintf("%s still not done after %d attempts (last: %s)", k.Name, attempt, res),
	}
}
