package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"CivicNotice/internal/agent"
	xerrors "CivicNotice/internal/errors"
	"CivicNotice/internal/notice"
	"CivicNotice/internal/observability/alerting"
)

// scriptedExecutor 依次返回 failures 中的错误，用完后返回成功结果。
type scriptedExecutor struct {
	mu       sync.Mutex
	failures map[string][]error
	calls    atomic.Int32
	latency  time.Duration
}

func (e *scriptedExecutor) Run(ctx context.Context, req notice.Request) (*agent.Run, error) {
	e.calls.Add(1)
	if e.latency > 0 {
		select {
		case <-time.After(e.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.mu.Lock()
	queue := e.failures[req.Title]
	var err error
	if len(queue) > 0 {
		err, e.failures[req.Title] = queue[0], queue[1:]
	}
	e.mu.Unlock()
	if err != nil {
		return &agent.Run{State: agent.StateFailed, Err: err}, err
	}
	return &agent.Run{
		ID:    "run-" + req.Title,
		State: agent.StateComplete,
		Draft: &agent.StageResult{Stage: agent.StageDraft, Text: "draft of " + req.Title},
		Final: &agent.StageResult{Stage: agent.StageReview, Text: "final " + req.Title, Model: "gemini-2.5-flash"},
	}, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	d.events = append(d.events, event)
	d.mu.Unlock()
	return nil
}

func (d *recordingDispatcher) Events() []alerting.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]alerting.Event(nil), d.events...)
}

type harness struct {
	store     *MemoryStore
	queue     *MemoryQueue
	service   *Service
	processor *Processor
	alerts    *recordingDispatcher
}

func startHarness(t *testing.T, executor Executor, maxRetries, workers int) *harness {
	t.Helper()
	h := &harness{
		store:  NewMemoryStore(),
		queue:  NewMemoryQueue(1024),
		alerts: &recordingDispatcher{},
	}
	h.service = NewService(h.store, h.queue, maxRetries)
	h.processor = NewProcessor(executor, h.store, h.queue, h.queue,
		WithWorkerCount(workers),
		WithAlertDispatcher(h.alerts),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.processor.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		err := <-done
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	})
	return h
}

func (h *harness) wait(t *testing.T, id string) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := h.service.WaitUntilCompleted(ctx, id, 5*time.Millisecond)
	require.NoError(t, err)
	return task
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	// Registered before startHarness so it runs after the harness cleanup stops the processor.
	t.Cleanup(func() { goleak.VerifyNone(t, goleak.IgnoreCurrent()) })

	executor := &scriptedExecutor{latency: 5 * time.Millisecond}
	h := startHarness(t, executor, 3, 8)
	ctx := context.Background()

	ids := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		task, err := h.service.Submit(ctx, Submission{Request: sampleRequest(fmt.Sprintf("notice-%d", i))})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	for i, id := range ids {
		task := h.wait(t, id)
		require.Equal(t, StatusSucceeded, task.Status)
		require.NotNil(t, task.Result)
		assert.Equal(t, fmt.Sprintf("final notice-%d", i), task.Result.Notice)
		assert.Equal(t, fmt.Sprintf("draft of notice-%d", i), task.Result.Draft)
		assert.Equal(t, "gemini-2.5-flash", task.Result.Model)
		assert.Equal(t, 1, task.Attempts)
	}
	assert.EqualValues(t, 50, executor.calls.Load())
	assert.Empty(t, h.alerts.Events())
}

func TestProcessorRequeuesRetryableFailure(t *testing.T) {
	// Registered before startHarness so it runs after the harness cleanup stops the processor.
	t.Cleanup(func() { goleak.VerifyNone(t, goleak.IgnoreCurrent()) })

	executor := &scriptedExecutor{failures: map[string][]error{
		"flaky": {xerrors.New(xerrors.CodeStageExecution, "draft stage failed")},
	}}
	h := startHarness(t, executor, 3, 1)

	task, err := h.service.Submit(context.Background(), Submission{Request: sampleRequest("flaky")})
	require.NoError(t, err)

	done := h.wait(t, task.ID)
	assert.Equal(t, StatusSucceeded, done.Status)
	assert.Equal(t, 2, done.Attempts)
	assert.Empty(t, done.LastError)
	assert.Empty(t, h.alerts.Events())
}

func TestProcessorStopsOnNonRetryableFailure(t *testing.T) {
	// Registered before startHarness so it runs after the harness cleanup stops the processor.
	t.Cleanup(func() { goleak.VerifyNone(t, goleak.IgnoreCurrent()) })

	cause := xerrors.New(xerrors.CodeStageExecution, "review stage failed",
		xerrors.WithRetryable(false),
		xerrors.WithMetadata("stage", "review"),
	)
	executor := &scriptedExecutor{failures: map[string][]error{"bad": {cause}}}
	h := startHarness(t, executor, 3, 1)

	task, err := h.service.Submit(context.Background(), Submission{Request: sampleRequest("bad")})
	require.NoError(t, err)

	failed := h.wait(t, task.ID)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, string(xerrors.CodeStageExecution), failed.ErrorCode)
	assert.Contains(t, failed.LastError, "review stage failed")
	assert.EqualValues(t, 1, executor.calls.Load())

	events := h.alerts.Events()
	require.Len(t, events, 1)
	assert.Equal(t, task.ID, events[0].JobID)
	assert.Equal(t, "bad", events[0].Title)
	assert.Equal(t, "review", events[0].Metadata["stage"])
}

func TestProcessorExhaustsRetries(t *testing.T) {
	// Registered before startHarness so it runs after the harness cleanup stops the processor.
	t.Cleanup(func() { goleak.VerifyNone(t, goleak.IgnoreCurrent()) })

	boom := xerrors.New(xerrors.CodeStageExecution, "draft stage failed")
	executor := &scriptedExecutor{failures: map[string][]error{"down": {boom, boom, boom}}}
	h := startHarness(t, executor, 2, 1)

	task, err := h.service.Submit(context.Background(), Submission{Request: sampleRequest("down")})
	require.NoError(t, err)

	failed := h.wait(t, task.ID)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, 2, failed.Attempts)
	assert.True(t, failed.Finished())
	assert.EqualValues(t, 2, executor.calls.Load())
	assert.Len(t, h.alerts.Events(), 1)
}

type failingProducer struct{ published atomic.Int32 }

func (p *failingProducer) Publish(context.Context, string) error {
	p.published.Add(1)
	return errors.New("broker unavailable")
}

func (p *failingProducer) Close() error { return nil }

func TestServiceSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects invalid request", func(t *testing.T) {
		store := NewMemoryStore()
		service := NewService(store, NewMemoryQueue(1), 3)
		req := sampleRequest("x")
		req.Email = ""

		_, err := service.Submit(ctx, Submission{Request: req})
		require.Error(t, err)
		assert.Equal(t, xerrors.CodeRequestValidation, xerrors.CodeOf(err))

		stats, err := service.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Total)
	})

	t.Run("is idempotent by id", func(t *testing.T) {
		queue := NewMemoryQueue(4)
		service := NewService(NewMemoryStore(), queue, 3)

		first, err := service.Submit(ctx, Submission{ID: "fixed", Request: sampleRequest("a")})
		require.NoError(t, err)
		second, err := service.Submit(ctx, Submission{ID: "fixed", Request: sampleRequest("b")})
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "a", second.Request.Title)
		assert.Len(t, queue.ch, 1)
	})

	t.Run("marks job failed when publish fails", func(t *testing.T) {
		store := NewMemoryStore()
		producer := &failingProducer{}
		service := NewService(store, producer, 3)

		_, err := service.Submit(ctx, Submission{ID: "p", Request: sampleRequest("a")})
		require.Error(t, err)
		assert.Equal(t, CodeTaskPublish, xerrors.CodeOf(err))

		task, err := store.Get(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, task.Status)
		assert.True(t, task.Finished())
	})
}

func TestRecoverRequeuesLeftoverJobs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	alerts := &recordingDispatcher{}
	processor := NewProcessor(&scriptedExecutor{}, store, queue, queue, WithAlertDispatcher(alerts))

	require.NoError(t, store.Create(ctx, &Task{ID: "pending", Request: sampleRequest("p"), MaxRetries: 3}))
	require.NoError(t, store.Create(ctx, &Task{ID: "running", Request: sampleRequest("r"), MaxRetries: 3}))
	require.NoError(t, store.Create(ctx, &Task{ID: "last-try", Request: sampleRequest("l"), MaxRetries: 1}))
	require.NoError(t, store.Create(ctx, &Task{ID: "done", Request: sampleRequest("d"), MaxRetries: 3}))
	for _, id := range []string{"running", "last-try"} {
		_, err := store.Claim(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, store.MarkSucceeded(ctx, "done", Result{Notice: "ok"}))

	requeued, err := processor.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, requeued)

	published := map[string]bool{}
	for i := 0; i < requeued; i++ {
		published[<-queue.ch] = true
	}
	assert.Equal(t, map[string]bool{"pending": true, "running": true}, published)

	interrupted, err := store.Get(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, interrupted.Status)
	assert.Equal(t, string(CodeTaskInterrupted), interrupted.ErrorCode)
	assert.False(t, interrupted.Finished())

	lastTry, err := store.Get(ctx, "last-try")
	require.NoError(t, err)
	assert.True(t, lastTry.Finished())
	require.Len(t, alerts.Events(), 1)
	assert.Equal(t, "last-try", alerts.Events()[0].JobID)
}

func TestRecoverDoesNotBlockWhenQueueIsFull(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(2)
	processor := NewProcessor(&scriptedExecutor{}, store, queue, queue)
	for _, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, store.Create(ctx, &Task{ID: id, Request: sampleRequest(id), MaxRetries: 3}))
	}

	type outcome struct {
		requeued int
		err      error
	}
	result := make(chan outcome, 1)
	go func() {
		n, err := processor.Recover(ctx)
		result <- outcome{n, err}
	}()

	select {
	case got := <-result:
		assert.Equal(t, 2, got.requeued)
		require.Error(t, got.err)
		assert.Equal(t, CodeTaskPublish, xerrors.CodeOf(got.err))
		assert.ErrorIs(t, got.err, ErrQueueFull)
	case <-time.After(2 * time.Second):
		t.Fatal("Recover blocked on a full queue")
	}

	stats, err := store.Stats(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pending, "unpublished jobs stay pending for the next recovery")
}

func TestStartRecoversBacklogLargerThanQueue(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(2)
	ids := []string{"b1", "b2", "b3", "b4", "b5", "b6"}
	for _, id := range ids {
		require.NoError(t, store.Create(ctx, &Task{ID: id, Request: sampleRequest(id), MaxRetries: 3}))
	}
	_, err := store.Claim(ctx, "b6")
	require.NoError(t, err)

	processor := NewProcessor(&scriptedExecutor{latency: 2 * time.Millisecond}, store, queue, queue,
		WithWorkerCount(1),
		WithRecoverOnStart(),
	)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- processor.Start(runCtx) }()

	require.Eventually(t, func() bool {
		stats, err := store.Stats(ctx, ListOptions{})
		return err == nil && stats.Succeeded == len(ids)
	}, 5*time.Second, 10*time.Millisecond)

	interrupted, err := store.Get(ctx, "b6")
	require.NoError(t, err)
	assert.Equal(t, 2, interrupted.Attempts)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
