package primary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"taxflow/internal/models"
	"taxflow/internal/store"
)

const taskColumns = `id, job_id, task_key, task_name, task_order, task_type,
	depends_on, status, executed_by, assigned_to, worker_id, output_data,
	confidence_score, requires_verification, verified_by, verified_at,
	verification_notes, retry_count, last_error, created_at, updated_at,
	started_at, completed_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	t := &models.Task{}
	var deps []byte
	err := row.Scan(
		&t.ID, &t.JobID, &t.TaskKey, &t.TaskName, &t.TaskOrder, &t.TaskType,
		&deps, &t.Status, &t.ExecutedBy, &t.AssignedTo, &t.WorkerID,
		&t.OutputData, &t.ConfidenceScore, &t.RequiresVerification,
		&t.VerifiedBy, &t.VerifiedAt, &t.VerificationNotes, &t.RetryCount,
		&t.LastError, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(deps) > 0 {
		if err := json.Unmarshal(deps, &t.DependsOn); err != nil {
			return nil, fmt.Errorf("decode depends_on: %w", err)
		}
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM filing_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, jobID uuid.UUID) ([]*models.Task, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+taskColumns+` FROM filing_tasks WHERE job_id = $1 ORDER BY task_order ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTask(ctx context.Context, task *models.Task) error {
	cmdTag, err := s.db.Exec(ctx, `
		UPDATE filing_tasks SET
			status = $2, assigned_to = $3, worker_id = $4, output_data = $5,
			confidence_score = $6, verified_by = $7, verified_at = $8,
			verification_notes = $9, retry_count = $10, last_error = $11,
			updated_at = $12, started_at = $13, completed_at = $14
		WHERE id = $1`,
		task.ID, task.Status, task.AssignedTo, task.WorkerID, task.OutputData,
		task.ConfidenceScore, task.VerifiedBy, task.VerifiedAt,
		task.VerificationNotes, task.RetryCount, task.LastError, time.Now(),
		task.StartedAt, task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// TransitionTask flips the task status only if it still holds `from`. A zero
// row count with an existing row means another caller won the race.
func (s *Store) TransitionTask(ctx context.Context, id uuid.UUID, from, to models.TaskStatus) error {
	cmdTag, err := s.db.Exec(ctx,
		`UPDATE filing_tasks SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		id, from, to, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("transition task %s %s->%s: %w", id, from, to, err)
	}
	if cmdTag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM filing_tasks WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("transition task %s: %w", id, err)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}
	return nil
}
