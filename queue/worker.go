package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paygate "github.com/x402-labs/paygate"
	"github.com/x402-labs/paygate/store"
)

// Worker dequeues jobs and executes them against the service registry.
// A failure in one job never crashes the worker or blocks other jobs.
type Worker struct {
	queue    *Queue
	registry *paygate.Registry
	receipts store.ReceiptStore
	logger   *slog.Logger

	pollInterval time.Duration
	wg           sync.WaitGroup
	cancel       context.CancelFunc
}

// WorkerOption configures the worker.
type WorkerOption func(*Worker)

// WithPollInterval sets how long an idle worker sleeps between
// dequeue attempts (default 100ms).
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.pollInterval = d
	}
}

// NewWorker creates a worker bound to a queue, registry and receipt
// store. Concurrency comes from the queue's policy.
func NewWorker(q *Queue, registry *paygate.Registry, receipts store.ReceiptStore, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		queue:        q,
		registry:     registry,
		receipts:     receipts,
		logger:       logger,
		pollInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the worker goroutines. They run until the context is
// cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.queue.Policy().Concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		job, err := w.queue.lease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("lease failed", "error", err.Error())
		}
		if job != nil {
			w.process(ctx, job)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.pollInterval):
		}
	}
}

// process runs one leased job to an attempt outcome. Job state is only
// mutated here; nothing else writes to an active job.
func (w *Worker) process(ctx context.Context, job *Job) {
	logger := w.logger.With("jobId", job.ID, "service", job.Service, "attempt", job.Attempts)

	svc, ok := w.registry.Get(job.Service)
	if !ok {
		// An unregistered service can never succeed; fail terminally
		// rather than burning retries.
		job.Attempts = w.queue.Policy().MaxAttempts
		w.fail(ctx, job, paygate.NewPaymentError(paygate.ErrCodeUnknownService,
			fmt.Sprintf("unknown service %q", job.Service), nil))
		return
	}

	if err := svc.Validate(job.Input); err != nil {
		job.Attempts = w.queue.Policy().MaxAttempts
		w.fail(ctx, job, err)
		return
	}

	if err := w.queue.setProgress(ctx, job.ID, 10); err != nil {
		logger.Error("progress update failed", "error", err.Error())
	}

	result, err := w.execute(ctx, svc, job.Input)
	if err != nil {
		logger.Warn("job attempt failed", "error", err.Error())
		w.fail(ctx, job, err)
		return
	}

	if err := w.queue.setProgress(ctx, job.ID, 90); err != nil {
		logger.Error("progress update failed", "error", err.Error())
	}

	// The receipt becomes durable only after the paid work succeeded.
	if job.Receipt != nil {
		if err := w.receipts.Save(ctx, *job.Receipt); err != nil {
			logger.Error("receipt save failed", "receiptId", job.Receipt.ID, "error", err.Error())
		}
	}

	if err := w.queue.complete(ctx, job.ID, result); err != nil {
		logger.Error("complete failed", "error", err.Error())
		return
	}
	logger.Info("job completed")
}

// execute runs the service under the policy's hard timeout, isolating
// panics as job failures. The service runs in its own goroutine so the
// deadline fires even when Execute ignores its context; a service that
// outlives the deadline is abandoned and its late result discarded.
func (w *Worker) execute(ctx context.Context, svc paygate.Service, input json.RawMessage) (json.RawMessage, error) {
	execCtx, cancel := context.WithTimeout(ctx, w.queue.Policy().ExecTimeout)
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	outcomes := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcomes <- outcome{err: paygate.NewPaymentError(paygate.ErrCodeExecutionFailed,
					fmt.Sprintf("service panicked: %v", r), nil)}
			}
		}()
		result, err := svc.Execute(execCtx, input)
		outcomes <- outcome{result: result, err: err}
	}()

	timeoutErr := func() error {
		return paygate.NewPaymentError(paygate.ErrCodeExecutionTimeout,
			fmt.Sprintf("execution exceeded %s", w.queue.Policy().ExecTimeout), nil)
	}

	select {
	case out := <-outcomes:
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, timeoutErr()
		}
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) {
				return nil, timeoutErr()
			}
			return nil, out.err
		}
		return out.result, nil
	case <-execCtx.Done():
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, timeoutErr()
		}
		return nil, execCtx.Err()
	}
}

// fail records a failed attempt, letting the queue's retry policy
// decide between backoff and terminal failure. Validation and
// unknown-service errors arrive with attempts forced to the bound so
// they fail terminally.
func (w *Worker) fail(ctx context.Context, job *Job, cause error) {
	if err := w.queue.failAttempt(ctx, job, cause.Error()); err != nil {
		w.logger.Error("fail transition failed", "jobId", job.ID, "error", err.Error())
	}
}
