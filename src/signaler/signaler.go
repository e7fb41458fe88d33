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

// Package signaler redeems workflow callback handles.
package signaler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sfn/types"

	"maskpipeworker/src/classifier"
	"maskpipeworker/src/model"
)

// TimestampFormat is the layout of the Timestamp field in success output.
const TimestampFormat = "2006-01-02-15-04"

// Step Functions caps error at 256 and cause at 32768 characters.
const (
	maxErrorLen = 256
	maxCauseLen = 32768
)

// Signaler resumes the waiting workflow step. Each handle is redeemed at most once.
type Signaler interface {
	SignalSuccess(ctx context.Context, handle string, output []byte) error
	SignalFailure(ctx context.Context, handle, code, cause string) error
}

// SFNAPI is the part of the Step Functions client the signaler uses.
type SFNAPI interface {
	SendTaskSuccess(ctx context.Context, in *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
	SendTaskFailure(ctx context.Context, in *sfn.SendTaskFailureInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error)
}

type StepFunctionsSignaler struct {
	client SFNAPI
}

func NewStepFunctionsSignaler(client SFNAPI) *StepFunctionsSignaler {
	return &StepFunctionsSignaler{client: client}
}

func (s *StepFunctionsSignaler) SignalSuccess(ctx context.Context, handle string, output []byte) error {
	_, err := s.client.SendTaskSuccess(ctx, &sfn.SendTaskSuccessInput{
		TaskToken: aws.String(handle),
		Output:    aws.String(string(output)),
	})
	return classify(err, "send task success")
}

func (s *StepFunctionsSignaler) SignalFailure(ctx context.Context, handle, code, cause string) error {
	_, err := s.client.SendTaskFailure(ctx, &sfn.SendTaskFailureInput{
		TaskToken: aws.String(handle),
		Error:     aws.String(truncate(code, maxErrorLen)),
		Cause:     aws.String(truncate(cause, maxCauseLen)),
	})
	return classify(err, "send task failure")
}

// classify maps errors for handles that can never be redeemed to model.ErrHandleRedeemed.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var (
		gone    *types.TaskDoesNotExist
		timeout *types.TaskTimedOut
		invalid *types.InvalidToken
	)
	if errors.As(err, &gone) || errors.As(err, &timeout) || errors.As(err, &invalid) {
		return fmt.Errorf("%s: %w: %v", op, model.ErrHandleRedeemed, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// BuildOutput renders the success output for task: the payload, the subject under the
// kind's subject field and the completion timestamp.
func BuildOutput(kind *classifier.Kind, task model.PollTask, now time.Time) ([]byte, error) {
	out := make(map[string]any, len(task.Payload)+2)
	for k, v := range task.Payload {
		out[k] = v
	}
	if v, ok := model.SubjectString(out[kind.SubjectField]); !ok || v != task.SubjectID {
		out[kind.SubjectField] = task.SubjectID
	}
	out["Timestamp"] = now.Format(TimestampFormat)
	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode success output: %w", err)
	}
	return body, nil
}
