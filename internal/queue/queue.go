// Package queue implements the M1 durable job queue: named queues ordered
// by priority, then eligible time, then id; reservation-lease claiming via
// SELECT ... FOR UPDATE SKIP LOCKED; jittered exponential backoff; and
// dead-lettering after a queue's configured max attempts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/crosslogic/control-plane/internal/errs"
	"github.com/crosslogic/control-plane/pkg/database"
	"github.com/crosslogic/control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Queue is a Postgres-backed durable job queue shared by all four named
// queues (provisioning, emails, invoices, backups); the queue name is a
// column, not a separate table, so enqueue can participate in the same
// transaction as the domain rows that trigger it.
type Queue struct {
	db          *database.Database
	backoffBase time.Duration
	backoffMax  time.Duration
	maxAttempts int
}

// New constructs a Queue.
func New(db *database.Database, backoffBase, backoffMax time.Duration, maxAttempts int) *Queue {
	return &Queue{db: db, backoffBase: backoffBase, backoffMax: backoffMax, maxAttempts: maxAttempts}
}

// EnqueueTx enqueues a job using the given transaction, so callers (the
// webhook handler) can commit the job
// atomically with the domain rows that produced it.
func EnqueueTx(ctx context.Context, tx pgx.Tx, queueName models.QueueName, priority int, payload interface{}, maxAttempts int) (uuid.UUID, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, errs.New(errs.Validation, "queue.Enqueue", err)
	}

	id := uuid.New()
	now := time.Now()
	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, queue, payload, priority, status, attempts, max_attempts, eligible_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $8)
	`, id, queueName, body, priority, models.JobQueued, maxAttempts, now, now)
	if err != nil {
		return uuid.Nil, errs.New(errs.StorageUnavailable, "queue.Enqueue", err)
	}
	return id, nil
}

// Enqueue enqueues a job outside of any caller-managed transaction.
func (q *Queue) Enqueue(ctx context.Context, queueName models.QueueName, priority int, payload interface{}) (uuid.UUID, error) {
	tx, err := q.db.Pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, errs.New(errs.StorageUnavailable, "queue.Enqueue", err)
	}
	defer tx.Rollback(ctx)

	id, err := EnqueueTx(ctx, tx, queueName, priority, payload, q.maxAttempts)
	if err != nil {
		return uuid.Nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, errs.New(errs.StorageUnavailable, "queue.Enqueue", err)
	}
	return id, nil
}

// Claim reserves up to n eligible jobs from queueName for reservationTTL,
// using SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never block
// each other on the same candidate row.
func (q *Queue) Claim(ctx context.Context, queueName models.QueueName, n int, reservationTTL time.Duration) ([]*models.Job, error) {
	tx, err := q.db.Pool.Begin(ctx)
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "queue.Claim", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	rows, err := tx.Query(ctx, `
		SELECT id, queue, payload, priority, status, attempts, max_attempts, eligible_at, reserved_until, last_error, created_at, updated_at
		FROM jobs
		WHERE queue = $1 AND status = $2 AND eligible_at <= $3
		ORDER BY priority ASC, eligible_at ASC, id ASC
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	`, queueName, models.JobQueued, now, n)
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "queue.Claim", err)
	}

	var jobs []*models.Job
	var ids []uuid.UUID
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, errs.New(errs.StorageUnavailable, "queue.Claim", err)
		}
		jobs = append(jobs, j)
		ids = append(ids, j.ID)
	}
	rows.Close()

	if len(jobs) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return nil, errs.New(errs.StorageUnavailable, "queue.Claim", err)
		}
		return nil, nil
	}

	reservedUntil := now.Add(reservationTTL)
	_, err = tx.Exec(ctx, `
		UPDATE jobs SET status = $1, attempts = attempts + 1, reserved_until = $2, updated_at = $3
		WHERE id = ANY($4)
	`, models.JobReserved, reservedUntil, now, ids)
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "queue.Claim", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errs.New(errs.StorageUnavailable, "queue.Claim", err)
	}

	for _, j := range jobs {
		j.Status = models.JobReserved
		j.Attempts++
		j.ReservedUntil = &reservedUntil
	}
	return jobs, nil
}

// Complete marks a job succeeded.
func (q *Queue) Complete(ctx context.Context, jobID uuid.UUID) error {
	_, err := q.db.Pool.Exec(ctx, `
		UPDATE jobs SET status = $1, updated_at = $2, reserved_until = NULL WHERE id = $3
	`, models.JobSucceeded, time.Now(), jobID)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "queue.Complete", err)
	}
	return nil
}

// Fail records a failed attempt. If the job has reached max attempts it is
// dead-lettered; otherwise it is re-queued with a jittered exponential
// backoff delay: min(base * 2^(n-1) + jitter, max), jitter uniform in
// [0, delay).
func (q *Queue) Fail(ctx context.Context, job *models.Job, cause error) error {
	now := time.Now()

	if job.Attempts >= job.MaxAttempts {
		_, err := q.db.Pool.Exec(ctx, `
			UPDATE jobs SET status = $1, last_error = $2, updated_at = $3, reserved_until = NULL WHERE id = $4
		`, models.JobDeadLettered, causeMessage(cause), now, job.ID)
		if err != nil {
			return errs.New(errs.StorageUnavailable, "queue.Fail", err)
		}
		return nil
	}

	delay := q.backoffDelay(job.Attempts)
	_, err := q.db.Pool.Exec(ctx, `
		UPDATE jobs SET status = $1, last_error = $2, eligible_at = $3, updated_at = $4, reserved_until = NULL WHERE id = $5
	`, models.JobQueued, causeMessage(cause), now.Add(delay), now, job.ID)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "queue.Fail", err)
	}
	return nil
}

// Extend pushes a job's reservation lease forward; the orchestrator calls
// this periodically for long-running tasks so another worker doesn't steal
// a job that is still legitimately in progress.
func (q *Queue) Extend(ctx context.Context, jobID uuid.UUID, by time.Duration) error {
	tag, err := q.db.Pool.Exec(ctx, `
		UPDATE jobs SET reserved_until = $1, updated_at = $2 WHERE id = $3 AND status = $4
	`, time.Now().Add(by), time.Now(), jobID, models.JobReserved)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "queue.Extend", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.ReservationLost, "queue.Extend", errors.New("job is no longer reserved"))
	}
	return nil
}

// Replay resets a dead-lettered job back to queued, for operator-triggered
// retry through the Task Control API. Attempts is reset to 0 so the job
// gets a full fresh attempt budget.
func (q *Queue) Replay(ctx context.Context, jobID uuid.UUID) error {
	tag, err := q.db.Pool.Exec(ctx, `
		UPDATE jobs SET status = $1, attempts = 0, eligible_at = $2, last_error = '', updated_at = $2
		WHERE id = $3 AND status = $4
	`, models.JobQueued, time.Now(), jobID, models.JobDeadLettered)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "queue.Replay", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.ConstraintViolation, "queue.Replay", errors.New("job is not dead-lettered"))
	}
	return nil
}

// ReplayByTaskID resets the dead-lettered job carrying the given task id
// back to queued, for the Task Control API's per-task replay endpoint,
// which addresses a provisioning task rather than a raw job id. Payload is
// stored as jsonb so this can select on the embedded task_id without a
// separate index table.
func (q *Queue) ReplayByTaskID(ctx context.Context, queueName models.QueueName, taskID uuid.UUID) error {
	tag, err := q.db.Pool.Exec(ctx, `
		UPDATE jobs SET status = $1, attempts = 0, eligible_at = $2, last_error = '', updated_at = $2
		WHERE queue = $3 AND status = $4 AND payload ->> 'task_id' = $5
	`, models.JobQueued, time.Now(), queueName, models.JobDeadLettered, taskID.String())
	if err != nil {
		return errs.New(errs.StorageUnavailable, "queue.ReplayByTaskID", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.ConstraintViolation, "queue.ReplayByTaskID", errors.New("no dead-lettered job found for task"))
	}
	return nil
}

// Stats summarizes queue depth per status, used by the Task Control API.
type Stats struct {
	Queue             models.QueueName
	Queued            int
	Reserved          int
	DeadLettered      int
	ReservationLeaks  int
}

// Stats reports queue depth and reservation-leak counts (jobs whose
// reserved_until has passed but whose status is still reserved — a worker
// that crashed mid-task without extending or completing).
func (q *Queue) Stats(ctx context.Context, queueName models.QueueName) (Stats, error) {
	stats := Stats{Queue: queueName}

	rows, err := q.db.Pool.Query(ctx, `
		SELECT status, count(*) FROM jobs WHERE queue = $1 GROUP BY status
	`, queueName)
	if err != nil {
		return stats, errs.New(errs.StorageUnavailable, "queue.Stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status models.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, errs.New(errs.StorageUnavailable, "queue.Stats", err)
		}
		switch status {
		case models.JobQueued:
			stats.Queued = count
		case models.JobReserved:
			stats.Reserved = count
		case models.JobDeadLettered:
			stats.DeadLettered = count
		}
	}

	err = q.db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM jobs
		WHERE queue = $1 AND status = $2 AND reserved_until < $3
	`, queueName, models.JobReserved, time.Now()).Scan(&stats.ReservationLeaks)
	if err != nil {
		return stats, errs.New(errs.StorageUnavailable, "queue.Stats", err)
	}

	return stats, nil
}

func (q *Queue) backoffDelay(attempt int) time.Duration {
	base := float64(q.backoffBase)
	delay := time.Duration(base * float64(int64(1)<<uint(attempt-1)))
	if delay > q.backoffMax || delay <= 0 {
		delay = q.backoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(delay) + 1))
	total := delay + jitter
	if total > q.backoffMax {
		total = q.backoffMax
	}
	return total
}

func causeMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func scanJob(rows pgx.Rows) (*models.Job, error) {
	var j models.Job
	err := rows.Scan(
		&j.ID, &j.Queue, &j.Payload, &j.Priority, &j.Status, &j.Attempts,
		&j.MaxAttempts, &j.EligibleAt, &j.ReservedUntil, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt,
	)
	return &j, err
}
