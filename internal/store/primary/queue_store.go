package primary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"taxflow/internal/models"
	"taxflow/internal/store"
)

const queueColumns = `queue_name, display_name, description, is_active, is_paused,
	max_workers, max_batch_size, max_parallel_jobs, rate_limit_per_minute,
	cooldown_seconds, priority_weight, risk_threshold, auto_assign, auto_start,
	requires_approval, version, updated_at`

func scanQueue(row pgx.Row) (*models.QueueConfig, error) {
	q := &models.QueueConfig{}
	err := row.Scan(
		&q.QueueName, &q.DisplayName, &q.Description, &q.IsActive, &q.IsPaused,
		&q.MaxWorkers, &q.MaxBatchSize, &q.MaxParallelJobs, &q.RateLimitPerMinute,
		&q.CooldownSeconds, &q.PriorityWeight, &q.RiskThreshold, &q.AutoAssign,
		&q.AutoStart, &q.RequiresApproval, &q.Version, &q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (s *Store) GetQueue(ctx context.Context, name string) (*models.QueueConfig, error) {
	row := s.db.QueryRow(ctx, `SELECT `+queueColumns+` FROM queue_configs WHERE queue_name = $1`, name)
	q, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get queue %s: %w", name, err)
	}
	return q, nil
}

func (s *Store) ListQueues(ctx context.Context) ([]*models.QueueConfig, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+queueColumns+` FROM queue_configs ORDER BY priority_weight DESC, queue_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	var out []*models.QueueConfig
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// UpdateQueue bumps the config version so in-flight admission decisions made
// against an older snapshot are identifiable in logs.
func (s *Store) UpdateQueue(ctx context.Context, cfg *models.QueueConfig) error {
	cmdTag, err := s.db.Exec(ctx, `
		UPDATE queue_configs SET
			display_name = $2, description = $3, is_active = $4, is_paused = $5,
			max_workers = $6, max_batch_size = $7, max_parallel_jobs = $8,
			rate_limit_per_minute = $9, cooldown_seconds = $10, priority_weight = $11,
			risk_threshold = $12, auto_assign = $13, auto_start = $14,
			requires_approval = $15, version = version + 1, updated_at = $16
		WHERE queue_name = $1`,
		cfg.QueueName, cfg.DisplayName, cfg.Description, cfg.IsActive, cfg.IsPaused,
		cfg.MaxWorkers, cfg.MaxBatchSize, cfg.MaxParallelJobs, cfg.RateLimitPerMinute,
		cfg.CooldownSeconds, cfg.PriorityWeight, cfg.RiskThreshold, cfg.AutoAssign,
		cfg.AutoStart, cfg.RequiresApproval, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update queue %s: %w", cfg.QueueName, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) EnsureQueue(ctx context.Context, cfg *models.QueueConfig) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO queue_configs (`+queueColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,1,$16)
		ON CONFLICT (queue_name) DO NOTHING`,
		cfg.QueueName, cfg.DisplayName, cfg.Description, cfg.IsActive, cfg.IsPaused,
		cfg.MaxWorkers, cfg.MaxBatchSize, cfg.MaxParallelJobs, cfg.RateLimitPerMinute,
		cfg.CooldownSeconds, cfg.PriorityWeight, cfg.RiskThreshold, cfg.AutoAssign,
		cfg.AutoStart, cfg.RequiresApproval, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("ensure queue %s: %w", cfg.QueueName, err)
	}
	return nil
}

func (s *Store) RecordDispatch(ctx context.Context, rec models.DispatchRecord) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO dispatch_log (queue, job_id, kind, dispatched_at) VALUES ($1,$2,$3,$4)`,
		rec.Queue, rec.JobID, rec.Kind, rec.DispatchedAt,
	)
	if err != nil {
		return fmt.Errorf("record dispatch for queue %s: %w", rec.Queue, err)
	}
	return nil
}

func (s *Store) CountDispatchesSince(ctx context.Context, queue string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM dispatch_log WHERE queue = $1 AND dispatched_at >= $2`,
		queue, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dispatches for queue %s: %w", queue, err)
	}
	return n, nil
}

func (s *Store) LastDispatchAt(ctx context.Context, queue string) (*time.Time, error) {
	var at *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT MAX(dispatched_at) FROM dispatch_log WHERE queue = $1`,
		queue,
	).Scan(&at)
	if err != nil {
		return nil, fmt.Errorf("last dispatch for queue %s: %w", queue, err)
	}
	return at, nil
}
