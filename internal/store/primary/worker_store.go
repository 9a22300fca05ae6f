package primary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"taxflow/internal/models"
	"taxflow/internal/store"
)

const workerColumns = `worker_id, machine_id, queue_name, status, current_job_id,
	jobs_processed, jobs_failed, avg_processing_time_ms, last_heartbeat, registered_at`

func scanWorker(row pgx.Row) (*models.QueueWorker, error) {
	w := &models.QueueWorker{}
	err := row.Scan(
		&w.WorkerID, &w.MachineID, &w.QueueName, &w.Status, &w.CurrentJobID,
		&w.JobsProcessed, &w.JobsFailed, &w.AvgProcessingTimeMS,
		&w.LastHeartbeat, &w.RegisteredAt,
	)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// RegisterWorker upserts: a returning worker refreshes its queue binding and
// comes back idle, keeping its lifetime counters.
func (s *Store) RegisterWorker(ctx context.Context, w *models.QueueWorker) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO queue_workers (`+workerColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (worker_id) DO UPDATE SET
			machine_id = EXCLUDED.machine_id,
			queue_name = EXCLUDED.queue_name,
			status = EXCLUDED.status,
			current_job_id = NULL,
			last_heartbeat = EXCLUDED.last_heartbeat`,
		w.WorkerID, w.MachineID, w.QueueName, w.Status, w.CurrentJobID,
		w.JobsProcessed, w.JobsFailed, w.AvgProcessingTimeMS,
		w.LastHeartbeat, w.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("register worker %s: %w", w.WorkerID, err)
	}
	return nil
}

func (s *Store) GetWorker(ctx context.Context, workerID string) (*models.QueueWorker, error) {
	row := s.db.QueryRow(ctx, `SELECT `+workerColumns+` FROM queue_workers WHERE worker_id = $1`, workerID)
	w, err := scanWorker(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get worker %s: %w", workerID, err)
	}
	return w, nil
}

func (s *Store) ListWorkers(ctx context.Context, queue string, statuses []models.WorkerStatus) ([]*models.QueueWorker, error) {
	query := `SELECT ` + workerColumns + ` FROM queue_workers WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if queue != "" {
		query += ` AND queue_name = ` + arg(queue)
	}
	if len(statuses) > 0 {
		list := make([]string, len(statuses))
		for i, st := range statuses {
			list[i] = string(st)
		}
		query += ` AND status = ANY(` + arg(list) + `)`
	}
	query += ` ORDER BY worker_id ASC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []*models.QueueWorker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) Heartbeat(ctx context.Context, workerID string, at time.Time) error {
	cmdTag, err := s.db.Exec(ctx, `
		UPDATE queue_workers SET
			last_heartbeat = $2,
			status = CASE WHEN status = 'offline' THEN 'idle' ELSE status END
		WHERE worker_id = $1`,
		workerID, at,
	)
	if err != nil {
		return fmt.Errorf("heartbeat for worker %s: %w", workerID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AssignJob claims the worker and the job in one transaction. Both UPDATEs
// are conditional; if either finds its row already claimed the whole
// assignment rolls back with ErrConflict and the caller retries against
// fresh state.
func (s *Store) AssignJob(ctx context.Context, workerID string, jobID uuid.UUID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin assign tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	workerTag, err := tx.Exec(ctx, `
		UPDATE queue_workers SET status = 'busy', current_job_id = $2
		WHERE worker_id = $1 AND status = 'idle' AND current_job_id IS NULL`,
		workerID, jobID,
	)
	if err != nil {
		return fmt.Errorf("claim worker %s: %w", workerID, err)
	}
	if workerTag.RowsAffected() == 0 {
		return store.ErrConflict
	}

	jobTag, err := tx.Exec(ctx, `
		UPDATE filing_jobs SET
			worker_id = $2, status = 'processing',
			machine_id = (SELECT machine_id FROM queue_workers WHERE worker_id = $2),
			started_at = COALESCE(started_at, $3), updated_at = $3
		WHERE id = $1 AND status = 'queued' AND worker_id IS NULL`,
		jobID, workerID, now,
	)
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if jobTag.RowsAffected() == 0 {
		return store.ErrConflict
	}

	return tx.Commit(ctx)
}

func (s *Store) ReleaseWorker(ctx context.Context, workerID string, failed bool, processingTime time.Duration) error {
	failedInc := 0
	processedInc := 1
	if failed {
		failedInc, processedInc = 1, 0
	}
	cmdTag, err := s.db.Exec(ctx, `
		UPDATE queue_workers SET
			current_job_id = NULL,
			status = CASE WHEN status = 'busy' THEN 'idle' ELSE status END,
			jobs_processed = jobs_processed + $2,
			jobs_failed = jobs_failed + $3,
			avg_processing_time_ms = avg_processing_time_ms +
				($4 - avg_processing_time_ms) / (jobs_processed + jobs_failed + 1)
		WHERE worker_id = $1`,
		workerID, processedInc, failedInc, float64(processingTime.Milliseconds()),
	)
	if err != nil {
		return fmt.Errorf("release worker %s: %w", workerID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListStaleWorkers(ctx context.Context, deadline time.Time) ([]*models.QueueWorker, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+workerColumns+` FROM queue_workers
		WHERE status <> 'offline' AND last_heartbeat < $1
		ORDER BY worker_id ASC`,
		deadline,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale workers: %w", err)
	}
	defer rows.Close()

	var out []*models.QueueWorker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) MarkWorkerOffline(ctx context.Context, workerID string) error {
	cmdTag, err := s.db.Exec(ctx,
		`UPDATE queue_workers SET status = 'offline', current_job_id = NULL WHERE worker_id = $1`,
		workerID,
	)
	if err != nil {
		return fmt.Errorf("mark worker %s offline: %w", workerID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
