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

const jobColumns = `id, reference, customer_id, tax_year, period_start, period_end,
	filing_period_type, status, current_queue, priority, execution_mode, trigger_type,
	risk_score, risk_category, anomaly_flags, assigned_to, worker_id, machine_id,
	revenue, expenses, taxable_income, tax_liability, retry_count, last_error,
	created_at, updated_at, queued_at, started_at, completed_at, submitted_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	job := &models.Job{}
	var flags []byte
	err := row.Scan(
		&job.ID, &job.Reference, &job.CustomerID, &job.TaxYear, &job.PeriodStart,
		&job.PeriodEnd, &job.FilingPeriodType, &job.Status, &job.CurrentQueue,
		&job.Priority, &job.ExecutionMode, &job.TriggerType, &job.RiskScore,
		&job.RiskCategory, &flags, &job.AssignedTo, &job.WorkerID, &job.MachineID,
		&job.Revenue, &job.Expenses, &job.TaxableIncome, &job.TaxLiability,
		&job.RetryCount, &job.LastError, &job.CreatedAt, &job.UpdatedAt,
		&job.QueuedAt, &job.StartedAt, &job.CompletedAt, &job.SubmittedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &job.AnomalyFlags); err != nil {
			return nil, fmt.Errorf("decode anomaly flags: %w", err)
		}
	}
	return job, nil
}

// CreateJob inserts the job and its full task set in one transaction so a
// half-created job can never be observed.
func (s *Store) CreateJob(ctx context.Context, job *models.Job, tasks []*models.Task) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create job tx: %w", err)
	}
	defer tx.Rollback(ctx)

	flags, err := json.Marshal(emptyIfNil(job.AnomalyFlags))
	if err != nil {
		return fmt.Errorf("encode anomaly flags: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO filing_jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,
		        $19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30)`,
		job.ID, job.Reference, job.CustomerID, job.TaxYear, job.PeriodStart,
		job.PeriodEnd, job.FilingPeriodType, job.Status, job.CurrentQueue,
		job.Priority, job.ExecutionMode, job.TriggerType, job.RiskScore,
		job.RiskCategory, flags, job.AssignedTo, job.WorkerID, job.MachineID,
		job.Revenue, job.Expenses, job.TaxableIncome, job.TaxLiability,
		job.RetryCount, job.LastError, job.CreatedAt, job.UpdatedAt,
		job.QueuedAt, job.StartedAt, job.CompletedAt, job.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}

	for _, t := range tasks {
		deps, err := json.Marshal(emptyIfNil(t.DependsOn))
		if err != nil {
			return fmt.Errorf("encode depends_on for %s: %w", t.TaskKey, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO filing_tasks (id, job_id, task_key, task_name, task_order,
				task_type, depends_on, status, executed_by, requires_verification,
				retry_count, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			t.ID, t.JobID, t.TaskKey, t.TaskName, t.TaskOrder, t.TaskType, deps,
			t.Status, t.ExecutedBy, t.RequiresVerification, t.RetryCount,
			t.CreatedAt, t.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert task %s for job %s: %w", t.TaskKey, job.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM filing_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (s *Store) GetJobByReference(ctx context.Context, reference string) (*models.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM filing_jobs WHERE reference = $1`, reference)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get job by reference %s: %w", reference, err)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, filter store.ListJobsFilter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM filing_jobs WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Queue != "" {
		query += ` AND current_queue = ` + arg(filter.Queue)
	}
	if filter.CustomerID != "" {
		query += ` AND customer_id = ` + arg(filter.CustomerID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query += ` AND status = ANY(` + arg(statuses) + `)`
	}
	// Priority ordering matches models.Priority.Rank, then FIFO.
	query += `
		ORDER BY CASE priority
			WHEN 'urgent' THEN 4 WHEN 'premium' THEN 3 WHEN 'high' THEN 2
			WHEN 'standard' THEN 1 ELSE 0 END DESC,
		COALESCE(queued_at, created_at) ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) UpdateJob(ctx context.Context, job *models.Job) error {
	flags, err := json.Marshal(emptyIfNil(job.AnomalyFlags))
	if err != nil {
		return fmt.Errorf("encode anomaly flags: %w", err)
	}
	cmdTag, err := s.db.Exec(ctx, `
		UPDATE filing_jobs SET
			status = $2, current_queue = $3, priority = $4, execution_mode = $5,
			trigger_type = $6, risk_score = $7, risk_category = $8,
			anomaly_flags = $9, assigned_to = $10, worker_id = $11, machine_id = $12,
			revenue = $13, expenses = $14, taxable_income = $15, tax_liability = $16,
			retry_count = $17, last_error = $18, updated_at = $19, queued_at = $20,
			started_at = $21, completed_at = $22, submitted_at = $23
		WHERE id = $1`,
		job.ID, job.Status, job.CurrentQueue, job.Priority, job.ExecutionMode,
		job.TriggerType, job.RiskScore, job.RiskCategory, flags, job.AssignedTo,
		job.WorkerID, job.MachineID, job.Revenue, job.Expenses, job.TaxableIncome,
		job.TaxLiability, job.RetryCount, job.LastError, time.Now(), job.QueuedAt,
		job.StartedAt, job.CompletedAt, job.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID) error {
	cmdTag, err := s.db.Exec(ctx, `DELETE FROM filing_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AppendQueueHistory is a pure INSERT; history rows are never updated.
func (s *Store) AppendQueueHistory(ctx context.Context, jobID uuid.UUID, tr models.QueueTransition) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO queue_history (job_id, queue, timestamp, reason) VALUES ($1,$2,$3,$4)`,
		jobID, tr.Queue, tr.Timestamp, tr.Reason,
	)
	if err != nil {
		return fmt.Errorf("append queue history for %s: %w", jobID, err)
	}
	return nil
}

func (s *Store) GetQueueHistory(ctx context.Context, jobID uuid.UUID) ([]models.QueueTransition, error) {
	rows, err := s.db.Query(ctx,
		`SELECT queue, timestamp, reason FROM queue_history WHERE job_id = $1 ORDER BY id ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("get queue history for %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []models.QueueTransition
	for rows.Next() {
		var tr models.QueueTransition
		if err := rows.Scan(&tr.Queue, &tr.Timestamp, &tr.Reason); err != nil {
			return nil, fmt.Errorf("scan queue history: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *Store) AppendAudit(ctx context.Context, jobID uuid.UUID, entry models.AuditEntry) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO audit_log (job_id, action, timestamp, actor, details) VALUES ($1,$2,$3,$4,$5)`,
		jobID, entry.Action, entry.Timestamp, entry.Actor, entry.Details,
	)
	if err != nil {
		return fmt.Errorf("append audit for %s: %w", jobID, err)
	}
	return nil
}

func (s *Store) GetAuditLog(ctx context.Context, jobID uuid.UUID) ([]models.AuditEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT action, timestamp, actor, details FROM audit_log WHERE job_id = $1 ORDER BY id ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("get audit log for %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.Action, &e.Timestamp, &e.Actor, &e.Details); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) AppendNote(ctx context.Context, jobID uuid.UUID, note models.JobNote) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO job_notes (job_id, author, timestamp, body) VALUES ($1,$2,$3,$4)`,
		jobID, note.Author, note.Timestamp, note.Body,
	)
	if err != nil {
		return fmt.Errorf("append note for %s: %w", jobID, err)
	}
	return nil
}

func (s *Store) GetNotes(ctx context.Context, jobID uuid.UUID) ([]models.JobNote, error) {
	rows, err := s.db.Query(ctx,
		`SELECT author, timestamp, body FROM job_notes WHERE job_id = $1 ORDER BY id ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("get notes for %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []models.JobNote
	for rows.Next() {
		var n models.JobNote
		if err := rows.Scan(&n.Author, &n.Timestamp, &n.Body); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) CountJobsByStatus(ctx context.Context, queue string) (map[models.JobStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM filing_jobs`
	var args []any
	if queue != "" {
		query += ` WHERE current_queue = $1`
		args = append(args, queue)
	}
	query += ` GROUP BY status`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var st models.JobStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func emptyIfNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
