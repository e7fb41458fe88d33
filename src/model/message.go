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
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Message is the JSON body carried by the queue for one PollTask.
// Bodies written by the Step Functions integration only carry taskToken and input;
// the subject is then read from input under the kind's subject field.
type Message struct {
	Kind      string         `json:"kind,omitempty"`
	SubjectID string         `json:"subjectId,omitempty"`
	TaskToken string         `json:"taskToken"`
	Attempt   int            `json:"attempt,omitempty"`
	VisibleAt *time.Time     `json:"visibleAt,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
}

// SubjectFieldFunc returns the input field holding the subject for a kind, or "".
type SubjectFieldFunc func(kind string) string

// DecodeMessage parses a queue body into a PollTask.
func DecodeMessage(body []byte, defaultKind string, subjectField SubjectFieldFunc) (PollTask, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return PollTask{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	task := PollTask{
		Kind:           msg.Kind,
		SubjectID:      msg.SubjectID,
		CallbackHandle: msg.TaskToken,
		Attempt:        msg.Attempt,
		Payload:        msg.Input,
	}
	if task.Kind == "" {
		task.Kind = defaultKind
	}
	if msg.VisibleAt != nil {
		task.VisibleAt = *msg.VisibleAt
	}
	if task.SubjectID == "" && subjectField != nil {
		if field := subjectField(task.Kind); field != "" {
			if v, ok := SubjectString(msg.Input[field]); ok {
				task.SubjectID = v
			}
		}
	}

	if err := task.Validate(); err != nil {
		return PollTask{}, err
	}
	return task, nil
}

// SubjectString renders an input value as a subject id. DataMasque run ids arrive as
// JSON numbers.
func SubjectString(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case json.Number:
		return v.String(), true
	}
	return "", false
}

// EncodeMessage renders t as a queue body.
func EncodeMessage(t PollTask) ([]byte, error) {
	msg := Message{
		Kind:      t.Kind,
		SubjectID: t.SubjectID,
		TaskToken: t.CallbackHandle,
		Attempt:   t.Attempt,
		Input:     t.Payload,
	}
	if !t.VisibleAt.IsZero() {
		visibleAt := t.VisibleAt.UTC()
		msg.VisibleAt = &visibleAt
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode poll message: %w", err)
	}
	return body, nil
}
