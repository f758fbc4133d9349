// Package taskstore implements M2: persistence for provisioning tasks and
// their append-only step records.
package taskstore

import (
	"context"
	"errors"
	"time"

	"github.com/crosslogic/control-plane/internal/errs"
	"github.com/crosslogic/control-plane/pkg/database"
	"github.com/crosslogic/control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type Store struct {
	db *database.Database
}

func New(db *database.Database) *Store { return &Store{db: db} }

// CreateTask inserts a new pending task for a subscription, scoped to the
// same tenant as the subscription that spawned it.
func (s *Store) CreateTask(ctx context.Context, tenant string, subscriptionID uuid.UUID, deadline time.Time) (*models.ProvisioningTask, error) {
	now := time.Now()
	t := models.ProvisioningTask{
		ID: uuid.New(), Tenant: tenant, SubscriptionID: subscriptionID, Status: models.TaskPending,
		Attempt: 0, DeadlineAt: deadline, CreatedAt: now, UpdatedAt: now,
	}
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO provisioning_tasks (id, tenant, subscription_id, server_id, status, attempt, deadline_at, created_at, updated_at)
		VALUES ($1, $2, $3, NULL, $4, $5, $6, $7, $7)
	`, t.ID, t.Tenant, t.SubscriptionID, t.Status, t.Attempt, t.DeadlineAt, t.CreatedAt)
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "taskstore.CreateTask", err)
	}
	return &t, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*models.ProvisioningTask, error) {
	var t models.ProvisioningTask
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, tenant, subscription_id, server_id, status, attempt, deadline_at, created_at, updated_at
		FROM provisioning_tasks WHERE id = $1
	`, id).Scan(&t.ID, &t.Tenant, &t.SubscriptionID, &t.ServerID, &t.Status, &t.Attempt, &t.DeadlineAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New(errs.ConstraintViolation, "taskstore.GetTask", err)
	}
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "taskstore.GetTask", err)
	}
	return &t, nil
}

// ListTasks lists tasks, most recent first, for the Task Control API.
func (s *Store) ListTasks(ctx context.Context, status models.ProvisioningTaskStatus, limit int) ([]*models.ProvisioningTask, error) {
	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = s.db.Pool.Query(ctx, `
			SELECT id, tenant, subscription_id, server_id, status, attempt, deadline_at, created_at, updated_at
			FROM provisioning_tasks ORDER BY created_at DESC LIMIT $1
		`, limit)
	} else {
		rows, err = s.db.Pool.Query(ctx, `
			SELECT id, tenant, subscription_id, server_id, status, attempt, deadline_at, created_at, updated_at
			FROM provisioning_tasks WHERE status = $1 ORDER BY created_at DESC LIMIT $2
		`, status, limit)
	}
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "taskstore.ListTasks", err)
	}
	defer rows.Close()

	var tasks []*models.ProvisioningTask
	for rows.Next() {
		var t models.ProvisioningTask
		if err := rows.Scan(&t.ID, &t.Tenant, &t.SubscriptionID, &t.ServerID, &t.Status, &t.Attempt, &t.DeadlineAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, errs.New(errs.StorageUnavailable, "taskstore.ListTasks", err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

// AssignServer records which server the capacity allocator picked, once,
// on the task's first run.
func (s *Store) AssignServer(ctx context.Context, taskID, serverID uuid.UUID) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE provisioning_tasks SET server_id = $1, updated_at = $2 WHERE id = $3 AND server_id IS NULL
	`, serverID, time.Now(), taskID)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "taskstore.AssignServer", err)
	}
	return nil
}

// UpdateTaskStatus transitions the task's overall status.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID uuid.UUID, status models.ProvisioningTaskStatus) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE provisioning_tasks SET status = $1, updated_at = $2 WHERE id = $3
	`, status, time.Now(), taskID)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "taskstore.UpdateTaskStatus", err)
	}
	return nil
}

// IncrementAttempt bumps the task's attempt counter at the start of a run.
func (s *Store) IncrementAttempt(ctx context.Context, taskID uuid.UUID) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE provisioning_tasks SET attempt = attempt + 1, status = $1, updated_at = $2 WHERE id = $3
	`, models.TaskRunning, time.Now(), taskID)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "taskstore.IncrementAttempt", err)
	}
	return nil
}

// AppendStepRecord writes a new, immutable step attempt record.
func (s *Store) AppendStepRecord(ctx context.Context, taskID uuid.UUID, step models.ProvisioningStepKind, status models.StepRecordStatus, idemKey, detail string) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO step_records (id, task_id, step_kind, status, idem_key, detail, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), taskID, step, status, idemKey, detail, time.Now())
	if err != nil {
		return errs.New(errs.StorageUnavailable, "taskstore.AppendStepRecord", err)
	}
	return nil
}

// LatestStepStatuses returns, for each step kind that has at least one
// record, the status of its most recent attempt — used by the orchestrator
// to decide which steps to skip on a resumed task.
func (s *Store) LatestStepStatuses(ctx context.Context, taskID uuid.UUID) (map[models.ProvisioningStepKind]models.StepRecordStatus, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT DISTINCT ON (step_kind) step_kind, status
		FROM step_records
		WHERE task_id = $1
		ORDER BY step_kind, attempted_at DESC
	`, taskID)
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "taskstore.LatestStepStatuses", err)
	}
	defer rows.Close()

	result := make(map[models.ProvisioningStepKind]models.StepRecordStatus)
	for rows.Next() {
		var step models.ProvisioningStepKind
		var status models.StepRecordStatus
		if err := rows.Scan(&step, &status); err != nil {
			return nil, errs.New(errs.StorageUnavailable, "taskstore.LatestStepStatuses", err)
		}
		result[step] = status
	}
	return result, nil
}

// ResetNonSucceededSteps is used by the Task Control API's replay operation:
// it does not delete history, it simply means a subsequent orchestrator run
// will treat any step whose latest record isn't StepSucceeded as pending
// again — which is already LatestStepStatuses' natural behavior once the
// task's own status is reset to pending. This helper exists to make that
// reset explicit and auditable.
func (s *Store) ResetNonSucceededSteps(ctx context.Context, taskID uuid.UUID) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE provisioning_tasks SET status = $1, updated_at = $2 WHERE id = $3
	`, models.TaskPending, time.Now(), taskID)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "taskstore.ResetNonSucceededSteps", err)
	}
	return nil
}
