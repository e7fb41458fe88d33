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

package logging

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PollMetrics are the counters recorded by the dispatcher. A nil *PollMetrics records nothing.
type PollMetrics struct {
	probes         metric.Int64Counter
	outcomes       metric.Int64Counter
	requeues       metric.Int64Counter
	signals        metric.Int64Counter
	signalFailures metric.Int64Counter
}

func NewPollMetrics() (*PollMetrics, error) {
	var (
		m   PollMetrics
		err error
	)
	if m.probes, err = InitializeInt64Counter("poll_probes_total", "Number of status probes issued", "{probe}"); err != nil {
		return nil, err
	}
	if m.outcomes, err = InitializeInt64Counter("poll_outcomes_total", "Classified probe outcomes", "{outcome}"); err != nil {
		return nil, err
	}
	if m.requeues, err = InitializeInt64Counter("poll_requeues_total", "Poll tasks handed back to the queue", "{task}"); err != nil {
		return nil, err
	}
	if m.signals, err = InitializeInt64Counter("poll_signals_total", "Workflow callbacks issued", "{signal}"); err != nil {
		return nil, err
	}
	if m.signalFailures, err = InitializeInt64Counter("poll_signal_failures_total", "Workflow callbacks that errored", "{signal}"); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *PollMetrics) Probe(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.probes.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *PollMetrics) Outcome(ctx context.Context, kind, outcome, reason string) {
	if m == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
		attribute.String("reason", reason),
	))
}

func (m *PollMetrics) Requeue(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.requeues.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *PollMetrics) Signal(ctx context.Context, kind, outcome string, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("outcome", outcome))
	if err != nil {
		m.signalFailures.Add(ctx, 1, attrs)
		return
	}
	m.signals.Add(ctx, 1, attrs)
}
