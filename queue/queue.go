// Package queue implements the durable job queue that decouples HTTP
// request latency from service execution. Delivery is lease-based: a
// job not acknowledged within its execution timeout becomes
// redeliverable, giving at-least-once semantics.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	paygate "github.com/x402-labs/paygate"
)

// State is the lifecycle state of a job. Completed and failed are
// terminal: no further mutation, no resurrection.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is a unit of deferred work plus its execution bookkeeping.
type Job struct {
	ID       string                  `json:"id"`
	Service  string                  `json:"service"`
	Input    json.RawMessage         `json:"input,omitempty"`
	Receipt  *paygate.PaymentReceipt `json:"receipt,omitempty"`
	State    State                   `json:"state"`
	Progress int                     `json:"progress"`
	Result   json.RawMessage         `json:"result,omitempty"`
	Error    string                  `json:"error,omitempty"`
	Attempts int                     `json:"attempts"`
}

// Request is the enqueue payload. A non-nil Receipt implies payment was
// settled strictly before enqueue.
type Request struct {
	Service string
	Input   json.RawMessage
	Receipt *paygate.PaymentReceipt
}

// Policy consolidates the queue's retry/backoff/timeout knobs into one
// explicit structure passed in at construction.
type Policy struct {
	// MaxAttempts bounds how often a failing job is attempted.
	MaxAttempts int
	// BackoffBase is the base delay between attempts; attempt n waits
	// BackoffBase * 2^(n-1).
	BackoffBase time.Duration
	// ExecTimeout is the hard per-attempt execution timeout; it doubles
	// as the redelivery lease.
	ExecTimeout time.Duration
	// CompletedRetention bounds how many completed jobs are kept for
	// result lookup; oldest are evicted first. Failed jobs are retained
	// without eviction.
	CompletedRetention int
	// Concurrency is the number of worker goroutines.
	Concurrency int
	// MaxQueued caps in-flight jobs; 0 means unbounded. Enqueue beyond
	// the cap fails with queue_full.
	MaxQueued int
}

// DefaultPolicy returns the stock execution policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:        3,
		BackoffBase:        2 * time.Second,
		ExecTimeout:        120 * time.Second,
		CompletedRetention: 100,
		Concurrency:        1,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = d.BackoffBase
	}
	if p.ExecTimeout <= 0 {
		p.ExecTimeout = d.ExecTimeout
	}
	if p.CompletedRetention < 1 {
		p.CompletedRetention = d.CompletedRetention
	}
	if p.Concurrency < 1 {
		p.Concurrency = d.Concurrency
	}
	return p
}

// Queue is the SQLite-backed durable job queue.
type Queue struct {
	db     *sql.DB
	policy Policy
	now    func() time.Time
}

// New prepares the jobs schema and returns a queue governed by the
// given policy.
func New(db *sql.DB, policy Policy) (*Queue, error) {
	if err := migrateJobs(db); err != nil {
		return nil, fmt.Errorf("migrate jobs: %w", err)
	}
	return &Queue{db: db, policy: policy.withDefaults(), now: time.Now}, nil
}

// Policy returns the queue's effective execution policy.
func (q *Queue) Policy() Policy { return q.policy }

func migrateJobs(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			service TEXT NOT NULL,
			input TEXT NOT NULL DEFAULT '',
			receipt TEXT,
			state TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			result TEXT,
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			ready_at INTEGER NOT NULL,
			lease_expires_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state_ready ON jobs(state, ready_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue pushes a durable record and returns immediately with the job
// id. It never executes the service.
func (q *Queue) Enqueue(ctx context.Context, req Request) (string, error) {
	if q.policy.MaxQueued > 0 {
		var pending int
		err := q.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE state IN (?, ?)`,
			string(StateQueued), string(StateActive)).Scan(&pending)
		if err != nil {
			return "", fmt.Errorf("count pending jobs: %w", err)
		}
		if pending >= q.policy.MaxQueued {
			return "", paygate.NewPaymentError(paygate.ErrCodeQueueFull,
				fmt.Sprintf("queue is at capacity (%d in-flight jobs)", pending), nil)
		}
	}

	var receiptJSON any
	if req.Receipt != nil {
		encoded, err := json.Marshal(req.Receipt)
		if err != nil {
			return "", fmt.Errorf("marshal receipt: %w", err)
		}
		receiptJSON = string(encoded)
	}

	id := uuid.New().String()
	now := q.now().UnixMilli()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, service, input, receipt, state, ready_at, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		id, req.Service, string(req.Input), receiptJSON, string(StateQueued), now, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// Get returns a job by id. Unknown ids yield a job_not_found error.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, service, input, receipt, state, progress, result, error, attempts
		FROM jobs WHERE id = ?`, jobID)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, paygate.NewPaymentError(paygate.ErrCodeJobNotFound,
			fmt.Sprintf("job %s not found", jobID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// lease atomically claims one ready job: queued jobs whose backoff has
// elapsed, or active jobs whose lease expired (redelivery). Returns nil
// when nothing is ready.
func (q *Queue) lease(ctx context.Context) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := q.now().UnixMilli()
	row := tx.QueryRowContext(ctx, `
		SELECT id, service, input, receipt, state, progress, result, error, attempts
		FROM jobs
		WHERE (state = ? AND ready_at <= ?) OR (state = ? AND lease_expires_at <= ?)
		ORDER BY created_at
		LIMIT 1`,
		string(StateQueued), now, string(StateActive), now)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job.State = StateActive
	job.Attempts++
	leaseExpiry := q.now().Add(q.policy.ExecTimeout).UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, attempts = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ?`,
		string(StateActive), job.Attempts, leaseExpiry, now, job.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// setProgress records a coarse progress checkpoint on an active job.
func (q *Queue) setProgress(ctx context.Context, jobID string, progress int) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ? AND state = ?`,
		progress, q.now().UnixMilli(), jobID, string(StateActive))
	return err
}

// complete marks a job terminally completed with its result and prunes
// completed jobs beyond the retention bound, oldest first.
func (q *Queue) complete(ctx context.Context, jobID string, result json.RawMessage) error {
	now := q.now().UnixMilli()
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, progress = 100, result = ?, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(StateCompleted), string(result), now, jobID, string(StateActive))
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE state = ? AND id NOT IN (
			SELECT id FROM jobs WHERE state = ? ORDER BY updated_at DESC LIMIT ?
		)`,
		string(StateCompleted), string(StateCompleted), q.policy.CompletedRetention)
	return err
}

// failAttempt records a failed attempt. Below MaxAttempts the job goes
// back to queued with exponential backoff; at the bound it becomes
// terminally failed. Failed jobs are retained for diagnosability.
func (q *Queue) failAttempt(ctx context.Context, job *Job, errMsg string) error {
	now := q.now().UnixMilli()

	if job.Attempts >= q.policy.MaxAttempts {
		_, err := q.db.ExecContext(ctx, `
			UPDATE jobs SET state = ?, error = ?, lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND state = ?`,
			string(StateFailed), errMsg, now, job.ID, string(StateActive))
		return err
	}

	backoff := q.policy.BackoffBase << (job.Attempts - 1)
	readyAt := q.now().Add(backoff).UnixMilli()
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, error = ?, ready_at = ?, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(StateQueued), errMsg, readyAt, now, job.ID, string(StateActive))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var state, input string
	var receipt, result sql.NullString
	if err := row.Scan(&job.ID, &job.Service, &input, &receipt, &state,
		&job.Progress, &result, &job.Error, &job.Attempts); err != nil {
		return nil, err
	}
	job.State = State(state)
	if input != "" {
		job.Input = json.RawMessage(input)
	}
	if result.Valid && result.String != "" {
		job.Result = json.RawMessage(result.String)
	}
	if receipt.Valid && receipt.String != "" {
		var r paygate.PaymentReceipt
		if err := json.Unmarshal([]byte(receipt.String), &r); err != nil {
			return nil, fmt.Errorf("decode receipt for job %s: %w", job.ID, err)
		}
		job.Receipt = &r
	}
	return &job, nil
}
