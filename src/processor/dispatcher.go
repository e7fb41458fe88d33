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

// Package processor runs one poll cycle per delivered task: probe, classify, then
// requeue or signal.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"maskpipeworker/src/classifier"
	"maskpipeworker/src/logging"
	"maskpipeworker/src/model"
	"maskpipeworker/src/prober"
	"maskpipeworker/src/queue"
	"maskpipeworker/src/signaler"
)

// ErrorCodeUnknownKind is the failure code sent for tasks whose kind this worker cannot poll.
const ErrorCodeUnknownKind = "unknown_kind"

// earlyTolerance absorbs clock skew between the producer of a message and this worker.
const earlyTolerance = time.Second

// Action is what the dispatcher did with a task.
type Action int

const (
	ActionRequeued Action = iota
	ActionDeferred
	ActionSignaledSuccess
	ActionSignaledFailure
	ActionDropped
)

func (a Action) String() string {
	switch a {
	case ActionRequeued:
		return "requeued"
	case ActionDeferred:
		return "deferred"
	case ActionSignaledSuccess:
		return "signaled_success"
	case ActionSignaledFailure:
		return "signaled_failure"
	case ActionDropped:
		return "dropped"
	}
	return "unknown"
}

// Result describes one dispatch.
type Result struct {
	Task    model.PollTask
	Action  Action
	Outcome model.Outcome

	// Next is the continuation handed to the queue when Action is ActionRequeued.
	Next *model.PollTask

	// Redeemed is set when the workflow engine had already redeemed or expired the handle.
	Redeemed bool
}

// Config wires a Dispatcher. Metrics and Stats may be nil.
type Config struct {
	Kinds        *classifier.Table
	Probers      *prober.Registry
	Scheduler    *queue.Scheduler
	Signaler     signaler.Signaler
	Metrics      *logging.PollMetrics
	Stats        *logging.WorkerStats
	MaxAttempts  int
	ProbeTimeout time.Duration
	DefaultKind  string
}

// Dispatcher holds no per-task state and is safe for concurrent use on distinct tasks.
type Dispatcher struct {
	kinds        *classifier.Table
	probers      *prober.Registry
	scheduler    *queue.Scheduler
	signaler     signaler.Signaler
	metrics      *logging.PollMetrics
	stats        *logging.WorkerStats
	maxAttempts  int
	probeTimeout time.Duration
	defaultKind  string
}

func NewDispatcher(cfg Config) *Dispatcher {
	return &Dispatcher{
		kinds:        cfg.Kinds,
		probers:      cfg.Probers,
		scheduler:    cfg.Scheduler,
		signaler:     cfg.Signaler,
		metrics:      cfg.Metrics,
		stats:        cfg.Stats,
		maxAttempts:  cfg.MaxAttempts,
		probeTimeout: cfg.ProbeTimeout,
		defaultKind:  cfg.DefaultKind,
	}
}

// HandleMessage decodes a queue body and processes it. Malformed bodies are logged and
// dropped with a nil error, since no callback can ever be redeemed for them.
func (d *Dispatcher) HandleMessage(ctx context.Context, body []byte) (Result, error) {
	task, err := model.DecodeMessage(body, d.defaultKind, d.kinds.SubjectField)
	if err != nil {
		logging.LogAttrs(ctx, slog.LevelWarn, "Dropping malformed poll message", slog.String("error", err.Error()))
		d.stats.UpdateStats(logging.StatsDelta{Dropped: 1})
		return Result{Action: ActionDropped}, nil
	}
	return d.Process(ctx, task)
}

// Decode parses a wire message like HandleMessage does, and also rejects kinds this
// worker cannot poll.
func (d *Dispatcher) Decode(body []byte) (model.PollTask, error) {
	task, err := model.DecodeMessage(body, d.defaultKind, d.kinds.SubjectField)
	if err != nil {
		return model.PollTask{}, err
	}
	if _, _, err := d.resolve(task.Kind); err != nil {
		return model.PollTask{}, err
	}
	return task, nil
}

// Process runs one poll cycle for task. A non-nil error means a collaborator (queue or
// workflow engine) failed and the delivery must be retried; the task is otherwise settled.
func (d *Dispatcher) Process(ctx context.Context, task model.PollTask) (res Result, err error) {
	ctx, span := logging.Tracer().Start(ctx, "poll.dispatch", trace.WithAttributes(
		attribute.String("poll.kind", task.Kind),
		attribute.String("poll.subject", task.SubjectID),
		attribute.Int("poll.attempt", task.Attempt),
	))
	d.stats.UpdateStats(logging.StatsDelta{InFlight: 1})
	defer func() {
		span.SetAttributes(attribute.String("poll.action", res.Action.String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			d.stats.UpdateStats(logging.StatsDelta{InFlight: -1, CollaboratorFailures: 1})
		} else {
			d.stats.UpdateStats(logging.StatsDelta{InFlight: -1})
		}
		span.End()
	}()

	res.Task = task
	if err := task.Validate(); err != nil {
		logging.LogAttrs(ctx, slog.LevelWarn, "Dropping malformed poll task", slog.String("error", err.Error()))
		d.stats.UpdateStats(logging.StatsDelta{Dropped: 1})
		res.Action = ActionDropped
		return res, nil
	}

	if wait := task.VisibleAt.Sub(d.scheduler.Now()); wait > earlyTolerance {
		if err := d.scheduler.Defer(ctx, task); err != nil {
			return res, fmt.Errorf("defer early delivery of %s: %w", task.SubjectID, err)
		}
		logging.LogAttrs(ctx, slog.LevelDebug, "Delivery arrived early, deferred",
			taskAttrs(task, slog.Duration("wait", wait))...)
		res.Action = ActionDeferred
		return res, nil
	}

	if !task.VisibleAt.IsZero() {
		logging.UpdateSpanValue(ctx, "poll.lateness_seconds", d.scheduler.Now().Sub(task.VisibleAt).Seconds())
	}

	kind, p, err := d.resolve(task.Kind)
	if err != nil {
		res.Outcome = model.Outcome{
			Kind:      model.OutcomeTerminalFailure,
			Reason:    ErrorCodeUnknownKind,
			ErrorCode: ErrorCodeUnknownKind,
			Cause:     err.Error(),
		}
		return d.signalFailure(ctx, res)
	}

	probe := d.probe(ctx, p, task)
	res.Outcome = kind.Classify(probe, task.Attempt, d.maxAttempts)
	d.metrics.Outcome(ctx, task.Kind, res.Outcome.Kind.String(), res.Outcome.Reason)
	span.SetAttributes(
		attribute.String("poll.outcome", res.Outcome.Kind.String()),
		attribute.String("poll.reason", res.Outcome.Reason),
	)

	level := slog.LevelInfo
	if res.Outcome.Kind == model.OutcomeRetryableFailure {
		level = slog.LevelWarn
	}
	logging.LogAttrs(ctx, level, "Classified probe",
		taskAttrs(task,
			slog.String("status", probe.String()),
			slog.String("outcome", res.Outcome.Kind.String()),
			slog.String("reason", res.Outcome.Reason),
		)...)

	switch res.Outcome.Kind {
	case model.OutcomeSuccess:
		return d.signalSuccess(ctx, kind, res)
	case model.OutcomeTerminalFailure:
		return d.signalFailure(ctx, res)
	default:
		return d.requeue(ctx, res)
	}
}

func (d *Dispatcher) resolve(name string) (*classifier.Kind, prober.Prober, error) {
	kind, err := d.kinds.Lookup(name)
	if err != nil {
		return nil, nil, err
	}
	p, err := d.probers.Lookup(name)
	if err != nil {
		return nil, nil, err
	}
	return kind, p, nil
}

func (d *Dispatcher) probe(ctx context.Context, p prober.Prober, task model.PollTask) model.ProbeResult {
	if d.probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.probeTimeout)
		defer cancel()
	}
	d.metrics.Probe(ctx, task.Kind)
	d.stats.UpdateStats(logging.StatsDelta{Probed: 1})
	return p.Probe(ctx, task.SubjectID)
}

func (d *Dispatcher) requeue(ctx context.Context, res Result) (Result, error) {
	next, err := d.scheduler.Requeue(ctx, res.Task)
	if err != nil {
		return res, fmt.Errorf("requeue %s: %w", res.Task.SubjectID, err)
	}
	d.metrics.Requeue(ctx, res.Task.Kind)
	d.stats.UpdateStats(logging.StatsDelta{Requeued: 1})
	res.Action = ActionRequeued
	res.Next = &next
	return res, nil
}

func (d *Dispatcher) signalSuccess(ctx context.Context, kind *classifier.Kind, res Result) (Result, error) {
	output, err := signaler.BuildOutput(kind, res.Task, d.scheduler.Now())
	if err != nil {
		return res, err
	}
	err = d.signaler.SignalSuccess(ctx, res.Task.CallbackHandle, output)
	res.Action = ActionSignaledSuccess
	return d.settle(ctx, res, err, logging.StatsDelta{Succeeded: 1})
}

func (d *Dispatcher) signalFailure(ctx context.Context, res Result) (Result, error) {
	err := d.signaler.SignalFailure(ctx, res.Task.CallbackHandle, res.Outcome.ErrorCode, res.Outcome.Cause)
	res.Action = ActionSignaledFailure
	return d.settle(ctx, res, err, logging.StatsDelta{Failed: 1})
}

// settle records a signal. A handle the workflow engine will never accept again is
// acknowledged rather than retried.
func (d *Dispatcher) settle(ctx context.Context, res Result, err error, done logging.StatsDelta) (Result, error) {
	d.metrics.Signal(ctx, res.Task.Kind, res.Outcome.Kind.String(), err)
	switch {
	case errors.Is(err, model.ErrHandleRedeemed):
		logging.LogAttrs(ctx, slog.LevelWarn, "Callback handle already redeemed, dropping task",
			taskAttrs(res.Task, slog.String("error", err.Error()))...)
		res.Redeemed = true
		d.stats.UpdateStats(done)
		return res, nil
	case err != nil:
		return res, fmt.Errorf("signal %s for %s: %w", res.Action, res.Task.SubjectID, err)
	}
	logging.LogAttrs(ctx, slog.LevelInfo, "Signaled workflow",
		taskAttrs(res.Task, slog.String("action", res.Action.String()), slog.String("error_code", res.Outcome.ErrorCode))...)
	d.stats.UpdateStats(done)
	return res, nil
}

func taskAttrs(task model.PollTask, extra ...slog.Attr) []slog.Attr {
	return append([]slog.Attr{
		slog.String("kind", task.Kind),
		slog.String("subject", task.SubjectID),
		slog.Int("attempt", task.Attempt),
	}, extra...)
}
