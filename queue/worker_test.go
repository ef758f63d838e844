package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paygate "github.com/x402-labs/paygate"
	"github.com/x402-labs/paygate/store"
)

func startTestWorker(t *testing.T, q *Queue, registry *paygate.Registry, receipts store.ReceiptStore) {
	t.Helper()
	w := NewWorker(q, registry, receipts, nil, WithPollInterval(5*time.Millisecond))
	w.Start(context.Background())
	t.Cleanup(w.Stop)
}

func awaitState(t *testing.T, q *Queue, jobID string, want State) *Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		job, err := q.Get(context.Background(), jobID)
		require.NoError(t, err)
		if job.State == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %s, want %s (error: %s)", jobID, job.State, want, job.Error)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorkerCompletesJob(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, DefaultPolicy())
	receipts := store.NewMemoryStore()

	registry := paygate.NewRegistry(&paygate.ServiceFuncs{
		ServiceName: "sentiment",
		Price:       0.02,
		ExecuteFunc: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"label":"positive"}`), nil
		},
	})

	receipt := &paygate.PaymentReceipt{
		ID:        "rcpt-1",
		InvoiceID: "inv-1",
		Amount:    "20000",
		Status:    paygate.ReceiptSettled,
		Timestamp: time.Now().UTC(),
	}
	id, err := q.Enqueue(ctx, Request{Service: "sentiment", Input: json.RawMessage(`{"text":"hi"}`), Receipt: receipt})
	require.NoError(t, err)

	startTestWorker(t, q, registry, receipts)

	job := awaitState(t, q, id, StateCompleted)
	assert.Equal(t, 100, job.Progress)
	assert.JSONEq(t, `{"label":"positive"}`, string(job.Result))

	// The receipt became durable alongside completion
	saved, err := receipts.GetByID(ctx, "rcpt-1")
	require.NoError(t, err)
	assert.Equal(t, "inv-1", saved.InvoiceID)
}

func TestWorkerRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	policy := DefaultPolicy()
	policy.MaxAttempts = 3
	policy.BackoffBase = 5 * time.Millisecond
	q := newTestQueue(t, policy)

	var attempts atomic.Int32
	registry := paygate.NewRegistry(&paygate.ServiceFuncs{
		ServiceName: "flaky",
		Price:       0.01,
		ExecuteFunc: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			return nil, fmt.Errorf("transient failure %d", attempts.Add(1))
		},
	})

	id, err := q.Enqueue(ctx, Request{Service: "flaky"})
	require.NoError(t, err)

	startTestWorker(t, q, registry, store.NewMemoryStore())

	job := awaitState(t, q, id, StateFailed)
	assert.Equal(t, 3, job.Attempts)
	assert.Contains(t, job.Error, "transient failure 3")
	assert.Equal(t, int32(3), attempts.Load())
}

func TestWorkerRecoversAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	policy := DefaultPolicy()
	policy.BackoffBase = 5 * time.Millisecond
	q := newTestQueue(t, policy)

	var attempts atomic.Int32
	registry := paygate.NewRegistry(&paygate.ServiceFuncs{
		ServiceName: "eventually",
		Price:       0.01,
		ExecuteFunc: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			if attempts.Add(1) < 2 {
				return nil, errors.New("not yet")
			}
			return json.RawMessage(`{"ok":true}`), nil
		},
	})

	id, err := q.Enqueue(ctx, Request{Service: "eventually"})
	require.NoError(t, err)

	startTestWorker(t, q, registry, store.NewMemoryStore())

	job := awaitState(t, q, id, StateCompleted)
	assert.Equal(t, 2, job.Attempts)
	assert.JSONEq(t, `{"ok":true}`, string(job.Result))
}

func TestWorkerExecutionTimeout(t *testing.T) {
	ctx := context.Background()
	policy := DefaultPolicy()
	policy.MaxAttempts = 1
	policy.ExecTimeout = 30 * time.Millisecond
	q := newTestQueue(t, policy)

	registry := paygate.NewRegistry(&paygate.ServiceFuncs{
		ServiceName: "slow",
		Price:       0.01,
		ExecuteFunc: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return json.RawMessage(`{}`), nil
			}
		},
	})

	id, err := q.Enqueue(ctx, Request{Service: "slow"})
	require.NoError(t, err)

	startTestWorker(t, q, registry, store.NewMemoryStore())

	job := awaitState(t, q, id, StateFailed)
	assert.Contains(t, job.Error, paygate.ErrCodeExecutionTimeout)
}

func TestWorkerTimeoutIgnoringContext(t *testing.T) {
	ctx := context.Background()
	policy := DefaultPolicy()
	policy.MaxAttempts = 1
	policy.ExecTimeout = 30 * time.Millisecond
	q := newTestQueue(t, policy)

	// The service never looks at its context and returns late anyway.
	registry := paygate.NewRegistry(&paygate.ServiceFuncs{
		ServiceName: "oblivious",
		Price:       0.01,
		ExecuteFunc: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			time.Sleep(150 * time.Millisecond)
			return json.RawMessage(`{"late":true}`), nil
		},
	})

	id, err := q.Enqueue(ctx, Request{Service: "oblivious"})
	require.NoError(t, err)

	startTestWorker(t, q, registry, store.NewMemoryStore())

	// The deadline fires mid-call; the late result must be discarded
	job := awaitState(t, q, id, StateFailed)
	assert.Contains(t, job.Error, paygate.ErrCodeExecutionTimeout)
	assert.Nil(t, job.Result)

	// The job stays failed even after the abandoned call returns
	time.Sleep(200 * time.Millisecond)
	job, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Nil(t, job.Result)
}

func TestWorkerIsolatesPanic(t *testing.T) {
	ctx := context.Background()
	policy := DefaultPolicy()
	policy.MaxAttempts = 1
	q := newTestQueue(t, policy)

	registry := paygate.NewRegistry(
		&paygate.ServiceFuncs{
			ServiceName: "panics",
			Price:       0.01,
			ExecuteFunc: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
				panic("kaboom")
			},
		},
		&paygate.ServiceFuncs{
			ServiceName: "healthy",
			Price:       0.01,
			ExecuteFunc: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
				return json.RawMessage(`{"fine":true}`), nil
			},
		},
	)

	panicking, err := q.Enqueue(ctx, Request{Service: "panics"})
	require.NoError(t, err)
	healthy, err := q.Enqueue(ctx, Request{Service: "healthy"})
	require.NoError(t, err)

	startTestWorker(t, q, registry, store.NewMemoryStore())

	// The panic fails its own job and nothing else
	failed := awaitState(t, q, panicking, StateFailed)
	assert.Contains(t, failed.Error, "kaboom")
	awaitState(t, q, healthy, StateCompleted)
}

func TestWorkerUnknownServiceFailsTerminally(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, DefaultPolicy())

	id, err := q.Enqueue(ctx, Request{Service: "ghost"})
	require.NoError(t, err)

	startTestWorker(t, q, paygate.NewRegistry(), store.NewMemoryStore())

	job := awaitState(t, q, id, StateFailed)
	assert.Contains(t, job.Error, paygate.ErrCodeUnknownService)
	// No retries are burned on an unregistered service
	assert.Equal(t, 1, job.Attempts)
}

func TestWorkerValidationFailureSkipsExecution(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, DefaultPolicy())

	var executed atomic.Bool
	registry := paygate.NewRegistry(&paygate.ServiceFuncs{
		ServiceName: "strict",
		Price:       0.01,
		ValidateFunc: paygate.SchemaValidator(json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"]
		}`)),
		ExecuteFunc: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			executed.Store(true)
			return json.RawMessage(`{}`), nil
		},
	})

	id, err := q.Enqueue(ctx, Request{Service: "strict", Input: json.RawMessage(`{"wrong":1}`)})
	require.NoError(t, err)

	startTestWorker(t, q, registry, store.NewMemoryStore())

	job := awaitState(t, q, id, StateFailed)
	assert.Contains(t, job.Error, paygate.ErrCodeInvalidInput)
	assert.False(t, executed.Load())
}
