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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maskpipeworker/src/classifier"
	"maskpipeworker/src/logging"
	"maskpipeworker/src/model"
	"maskpipeworker/src/prober"
	"maskpipeworker/src/queue"
)

const maxAttempts = 5

var epoch = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

type signal struct {
	handle string
	output string
	code   string
	cause  string
	ok     bool
}

type recordingSignaler struct {
	mu      sync.Mutex
	signals []signal
	err     error
}

func (s *recordingSignaler) SignalSuccess(_ context.Context, handle string, output []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, signal{handle: handle, output: string(output), ok: true})
	return s.err
}

func (s *recordingSignaler) SignalFailure(_ context.Context, handle, code, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, signal{handle: handle, code: code, cause: cause})
	return s.err
}

func (s *recordingSignaler) recorded() []signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signal(nil), s.signals...)
}

type enqueued struct {
	task  model.PollTask
	delay time.Duration
}

type recordingEnqueuer struct {
	mu    sync.Mutex
	calls []enqueued
	err   error
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, task model.PollTask, delay time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.calls = append(e.calls, enqueued{task: task, delay: delay})
	return nil
}

func (e *recordingEnqueuer) recorded() []enqueued {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]enqueued(nil), e.calls...)
}

// staticProber always reports the same result and counts its calls.
type staticProber struct {
	mu    sync.Mutex
	res   model.ProbeResult
	calls int
}

func (p *staticProber) Probe(context.Context, string) model.ProbeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.res
}

func (p *staticProber) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type harness struct {
	dispatcher *Dispatcher
	signaler   *recordingSignaler
	enqueuer   *recordingEnqueuer
	probers    map[string]*staticProber
	stats      *logging.WorkerStats
}

func newHarness(t *testing.T, enq queue.Enqueuer, now func() time.Time) *harness {
	t.Helper()
	h := &harness{
		signaler: &recordingSignaler{},
		probers: map[string]*staticProber{
			classifier.KindDBInstance: {},
			classifier.KindMaskingRun: {},
		},
		stats: logging.NewWorkerStats("test-worker"),
	}
	if enq == nil {
		h.enqueuer = &recordingEnqueuer{}
		enq = h.enqueuer
	}
	if now == nil {
		now = func() time.Time { return epoch }
	}
	registry := prober.NewRegistry()
	for kind, p := range h.probers {
		registry.Register(kind, p)
	}
	metrics, err := logging.NewPollMetrics()
	require.NoError(t, err)

	h.dispatcher = NewDispatcher(Config{
		Kinds:        classifier.DefaultTable(),
		Probers:      registry,
		Scheduler:    queue.NewScheduler(enq, 120*time.Second, queue.WithClock(now)),
		Signaler:     h.signaler,
		Metrics:      metrics,
		Stats:        h.stats,
		MaxAttempts:  maxAttempts,
		ProbeTimeout: time.Second,
		DefaultKind:  classifier.KindDBInstance,
	})
	return h
}

func (h *harness) reports(kind string, res model.ProbeResult) {
	p := h.probers[kind]
	p.mu.Lock()
	defer p.mu.Unlock()
	p.res = res
}

func dbTask(attempt int) model.PollTask {
	return model.PollTask{
		Kind:           classifier.KindDBInstance,
		SubjectID:      "stage-db",
		CallbackHandle: "tok-db",
		Attempt:        attempt,
		Payload:        map[string]any{"DBInstanceIdentifier": "stage-db"},
	}
}

func runTask(attempt int) model.PollTask {
	return model.PollTask{
		Kind:           classifier.KindMaskingRun,
		SubjectID:      "42",
		CallbackHandle: "tok-run",
		Attempt:        attempt,
		Payload:        map[string]any{"DBInstanceIdentifier": "stage-db", "run_id": "42"},
	}
}

func TestAvailableSignalsSuccess(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.reports(classifier.KindDBInstance, model.ProbeResult{RawStatus: "available"})

	res, err := h.dispatcher.Process(context.Background(), dbTask(3))
	require.NoError(t, err)

	assert.Equal(t, ActionSignaledSuccess, res.Action)
	assert.Equal(t, model.OutcomeSuccess, res.Outcome.Kind)
	assert.Empty(t, h.enqueuer.recorded())

	signals := h.signaler.recorded()
	require.Len(t, signals, 1)
	assert.True(t, signals[0].ok)
	assert.Equal(t, "tok-db", signals[0].handle)
	assert.JSONEq(t, `{"DBInstanceIdentifier":"stage-db","Timestamp":"2026-03-04-10-00"}`, signals[0].output)
}

func TestFinishedRunSignalsSuccessWithTimestamp(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.reports(classifier.KindMaskingRun, model.ProbeResult{RawStatus: "finished"})

	_, err := h.dispatcher.Process(context.Background(), runTask(0))
	require.NoError(t, err)

	signals := h.signaler.recorded()
	require.Len(t, signals, 1)
	assert.JSONEq(t, `{"DBInstanceIdentifier":"stage-db","run_id":"42","Timestamp":"2026-03-04-10-00"}`, signals[0].output)
}

func TestCreatingRequeuesWithDelay(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.reports(classifier.KindDBInstance, model.ProbeResult{RawStatus: "creating"})

	res, err := h.dispatcher.Process(context.Background(), dbTask(0))
	require.NoError(t, err)

	assert.Equal(t, ActionRequeued, res.Action)
	assert.Equal(t, model.OutcomePending, res.Outcome.Kind)
	assert.Empty(t, h.signaler.recorded())

	calls := h.enqueuer.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, 1, calls[0].task.Attempt)
	assert.Equal(t, 120*time.Second, calls[0].delay)
	assert.Equal(t, epoch.Add(120*time.Second), calls[0].task.VisibleAt)
	require.NotNil(t, res.Next)
	assert.Equal(t, calls[0].task, *res.Next)
}

func TestFailedRunSignalsFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.reports(classifier.KindMaskingRun, model.ProbeResult{RawStatus: "failed"})

	res, err := h.dispatcher.Process(context.Background(), runTask(2))
	require.NoError(t, err)

	assert.Equal(t, ActionSignaledFailure, res.Action)
	signals := h.signaler.recorded()
	require.Len(t, signals, 1)
	assert.Equal(t, signal{handle: "tok-run", code: "failed", cause: "failed"}, signals[0])
	assert.Empty(t, h.enqueuer.recorded())
}

func TestProbeErrors(t *testing.T) {
	probeErr := fmt.Errorf("describe: %w", model.ErrSubjectNotFound)

	t.Run("below ceiling requeues", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.reports(classifier.KindDBInstance, model.ProbeResult{RawError: probeErr})

		res, err := h.dispatcher.Process(context.Background(), dbTask(maxAttempts-1))
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeRetryableFailure, res.Outcome.Kind)
		assert.Equal(t, ActionRequeued, res.Action)
		assert.Empty(t, h.signaler.recorded())
		require.Len(t, h.enqueuer.recorded(), 1)
		assert.Equal(t, maxAttempts, h.enqueuer.recorded()[0].task.Attempt)
	})

	t.Run("at ceiling signals failure", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.reports(classifier.KindDBInstance, model.ProbeResult{RawError: probeErr})

		res, err := h.dispatcher.Process(context.Background(), dbTask(maxAttempts))
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeTerminalFailure, res.Outcome.Kind)
		assert.Empty(t, h.enqueuer.recorded())

		signals := h.signaler.recorded()
		require.Len(t, signals, 1)
		assert.Equal(t, model.ReasonAttemptsExhausted, signals[0].code)
		assert.Contains(t, signals[0].cause, "5 attempts")
	})
}

func TestUnknownStatusHitsCeiling(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.reports(classifier.KindDBInstance, model.ProbeResult{RawStatus: "inventing-new-states"})

	res, err := h.dispatcher.Process(context.Background(), dbTask(0))
	require.NoError(t, err)
	assert.Equal(t, ActionRequeued, res.Action)
	assert.Equal(t, model.ReasonUnknownStatus, res.Outcome.Reason)

	res, err = h.dispatcher.Process(context.Background(), dbTask(maxAttempts))
	require.NoError(t, err)
	assert.Equal(t, ActionSignaledFailure, res.Action)
	assert.Len(t, h.signaler.recorded(), 1)
}

func TestHandleMessage(t *testing.T) {
	t.Run("legacy body", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.reports(classifier.KindDBInstance, model.ProbeResult{RawStatus: "backing-up"})

		res, err := h.dispatcher.HandleMessage(context.Background(),
			[]byte(`{"taskToken":"tok","input":{"DBInstanceIdentifier":"stage-db"}}`))
		require.NoError(t, err)
		assert.Equal(t, ActionRequeued, res.Action)
		assert.Equal(t, "stage-db", res.Task.SubjectID)
		assert.Equal(t, 1, h.probers[classifier.KindDBInstance].count())
	})

	t.Run("malformed body is dropped", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		for _, body := range []string{`not json`, `{"input":{"DBInstanceIdentifier":"x"}}`, `{"taskToken":"t"}`} {
			res, err := h.dispatcher.HandleMessage(context.Background(), []byte(body))
			require.NoError(t, err, body)
			assert.Equal(t, ActionDropped, res.Action, body)
		}
		assert.Zero(t, h.probers[classifier.KindDBInstance].count())
		assert.Empty(t, h.signaler.recorded())
		assert.Empty(t, h.enqueuer.recorded())
		assert.Equal(t, uint64(3), h.stats.GetStats().TasksDropped)
	})
}

func TestUnknownKindSignalsFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	task := dbTask(0)
	task.Kind = "cluster-snapshot"

	res, err := h.dispatcher.Process(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, ActionSignaledFailure, res.Action)

	signals := h.signaler.recorded()
	require.Len(t, signals, 1)
	assert.Equal(t, ErrorCodeUnknownKind, signals[0].code)
	assert.Contains(t, signals[0].cause, "cluster-snapshot")
}

func TestEarlyDeliveryIsDeferredWithoutProbing(t *testing.T) {
	h := newHarness(t, nil, nil)
	task := dbTask(2)
	task.VisibleAt = epoch.Add(10 * time.Minute)

	res, err := h.dispatcher.Process(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, ActionDeferred, res.Action)
	assert.Zero(t, h.probers[classifier.KindDBInstance].count())

	calls := h.enqueuer.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, 10*time.Minute, calls[0].delay)
	assert.Equal(t, 2, calls[0].task.Attempt)
}

func TestCollaboratorFailures(t *testing.T) {
	t.Run("signal error is returned for redelivery", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.signaler.err = errors.New("throttled")
		h.reports(classifier.KindDBInstance, model.ProbeResult{RawStatus: "available"})

		_, err := h.dispatcher.Process(context.Background(), dbTask(0))
		require.Error(t, err)
		assert.Equal(t, uint64(1), h.stats.GetStats().CollaboratorFailures)
	})

	t.Run("redeemed handle is acknowledged", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.signaler.err = fmt.Errorf("send task success: %w", model.ErrHandleRedeemed)
		h.reports(classifier.KindDBInstance, model.ProbeResult{RawStatus: "available"})

		res, err := h.dispatcher.Process(context.Background(), dbTask(0))
		require.NoError(t, err)
		assert.True(t, res.Redeemed)
	})

	t.Run("enqueue error is returned", func(t *testing.T) {
		enq := &recordingEnqueuer{err: errors.New("queue down")}
		h := newHarness(t, enq, nil)
		h.reports(classifier.KindDBInstance, model.ProbeResult{RawStatus: "modifying"})

		_, err := h.dispatcher.Process(context.Background(), dbTask(0))
		require.Error(t, err)
		assert.Empty(t, h.signaler.recorded())
	})
}

func TestDuplicateTerminalDeliveriesNeverMixOutcomes(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.reports(classifier.KindMaskingRun, model.ProbeResult{RawStatus: "cancelled"})

	for i := 0; i < 3; i++ {
		before := len(h.signaler.recorded())
		_, err := h.dispatcher.Process(context.Background(), runTask(1))
		require.NoError(t, err)
		assert.Len(t, h.signaler.recorded(), before+1, "one signal per delivery")
	}

	for _, s := range h.signaler.recorded() {
		assert.False(t, s.ok, "a failed run is never signaled as success")
		assert.Equal(t, "tok-run", s.handle)
	}
}

func TestIdempotentProbeSameOutcome(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.reports(classifier.KindDBInstance, model.ProbeResult{RawStatus: "restoring"})

	first, err := h.dispatcher.Process(context.Background(), dbTask(1))
	require.NoError(t, err)
	second, err := h.dispatcher.Process(context.Background(), dbTask(1))
	require.NoError(t, err)

	assert.Equal(t, first.Outcome, second.Outcome)
	assert.Equal(t, first.Next, second.Next)
}

func TestConcurrentDistinctTasks(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.reports(classifier.KindDBInstance, model.ProbeResult{RawStatus: "available"})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task := dbTask(0)
			task.SubjectID = fmt.Sprintf("db-%d", i)
			task.CallbackHandle = fmt.Sprintf("tok-%d", i)
			_, err := h.dispatcher.Process(context.Background(), task)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	handles := make(map[string]int)
	for _, s := range h.signaler.recorded() {
		handles[s.handle]++
	}
	assert.Len(t, handles, n)
	for handle, count := range handles {
		assert.Equal(t, 1, count, handle)
	}
	stats := h.stats.GetStats()
	assert.Equal(t, uint64(n), stats.TasksSucceeded)
	assert.Zero(t, stats.InFlight)
}

func TestProbeRunsUnderTimeout(t *testing.T) {
	h := newHarness(t, nil, nil)
	registry := prober.NewRegistry()
	registry.Register(classifier.KindDBInstance, prober.Func(func(ctx context.Context, _ string) model.ProbeResult {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return model.ProbeResult{RawStatus: "available"}
	}))
	h.dispatcher.probers = registry

	_, err := h.dispatcher.Process(context.Background(), dbTask(0))
	require.NoError(t, err)
}
