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

// Package prober queries external status sources. A prober reports what the source
// said, verbatim; deciding what that means is the classifier's job.
package prober

import (
	"context"
	"fmt"

	"maskpipeworker/src/model"
)

// Prober performs exactly one status query per call. Failures are reported through
// ProbeResult.RawError and never returned or panicked.
type Prober interface {
	Probe(ctx context.Context, subjectID string) model.ProbeResult
}

// Func adapts a function to Prober.
type Func func(ctx context.Context, subjectID string) model.ProbeResult

func (f Func) Probe(ctx context.Context, subjectID string) model.ProbeResult {
	return f(ctx, subjectID)
}

// Registry maps operation kinds to probers.
type Registry struct {
	probers map[string]Prober
}

func NewRegistry() *Registry {
	return &Registry{probers: make(map[string]Prober)}
}

// Register must not be called concurrently with Lookup.
func (r *Registry) Register(kind string, p Prober) {
	r.probers[kind] = p
}

func (r *Registry) Lookup(kind string) (Prober, error) {
	p, ok := r.probers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no prober for %q", model.ErrUnknownKind, kind)
	}
	return p, nil
}
