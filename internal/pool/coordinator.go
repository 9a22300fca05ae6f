// Package pool coordinates queue workers: registration, heartbeats,
// claim-based job assignment and stale-worker reclamation.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"taxflow/internal/models"
	"taxflow/internal/store"
)

type Coordinator struct {
	store            store.Store
	heartbeatTimeout time.Duration
}

func New(st store.Store, heartbeatTimeout time.Duration) *Coordinator {
	return &Coordinator{store: st, heartbeatTimeout: heartbeatTimeout}
}

// Register adds a worker to the pool (or refreshes a returning one). The
// worker comes back idle with its lifetime counters intact.
func (c *Coordinator) Register(ctx context.Context, workerID, queueName string, machineID *string) (*models.QueueWorker, error) {
	if workerID == "" || queueName == "" {
		return nil, fmt.Errorf("worker_id and queue_name are required: %w", models.ErrValidation)
	}
	if _, err := c.store.GetQueue(ctx, queueName); err != nil {
		return nil, fmt.Errorf("register worker %s: %w", workerID, err)
	}
	now := time.Now()
	w := &models.QueueWorker{
		WorkerID:      workerID,
		MachineID:     machineID,
		QueueName:     queueName,
		Status:        models.WorkerStatusIdle,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	if err := c.store.RegisterWorker(ctx, w); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"worker": workerID, "queue": queueName}).Info("worker registered")
	return c.store.GetWorker(ctx, workerID)
}

// Heartbeat refreshes the worker's liveness. An offline worker that
// heartbeats again comes back as idle.
func (c *Coordinator) Heartbeat(ctx context.Context, workerID string) error {
	return c.store.Heartbeat(ctx, workerID, time.Now())
}

// AssignNext hands the highest-priority queued job in the queue to an idle
// worker. Assignment is claim-based: a lost race on either side surfaces as
// store.ErrConflict and the next candidate pair is tried. Returns
// (nil, nil, nil) when there is nothing to assign.
func (c *Coordinator) AssignNext(ctx context.Context, queueName string) (*models.QueueWorker, *models.Job, error) {
	workers, err := c.store.ListWorkers(ctx, queueName, []models.WorkerStatus{models.WorkerStatusIdle})
	if err != nil {
		return nil, nil, fmt.Errorf("list idle workers for %s: %w", queueName, err)
	}
	if len(workers) == 0 {
		return nil, nil, nil
	}

	jobs, err := c.store.ListJobs(ctx, store.ListJobsFilter{
		Queue:    queueName,
		Statuses: []models.JobStatus{models.JobStatusQueued},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("list queued jobs for %s: %w", queueName, err)
	}
	// Priority first, then longest-queued. ListJobs already orders this way;
	// re-sorting keeps the contract local.
	sort.SliceStable(jobs, func(a, b int) bool {
		ra, rb := jobs[a].Priority.Rank(), jobs[b].Priority.Rank()
		if ra != rb {
			return ra > rb
		}
		return queuedTime(jobs[a]).Before(queuedTime(jobs[b]))
	})

	for _, job := range jobs {
		for _, w := range workers {
			err := c.store.AssignJob(ctx, w.WorkerID, job.ID)
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			if err != nil {
				return nil, nil, fmt.Errorf("assign job %s to worker %s: %w", job.Reference, w.WorkerID, err)
			}
			entry := models.AuditEntry{
				Action:    "worker_assigned",
				Timestamp: time.Now(),
				Actor:     "system",
				Details:   fmt.Sprintf("job assigned to worker %s in queue %s", w.WorkerID, queueName),
			}
			if err := c.store.AppendAudit(ctx, job.ID, entry); err != nil {
				return nil, nil, fmt.Errorf("append audit: %w", err)
			}
			assigned, err := c.store.GetJob(ctx, job.ID)
			if err != nil {
				return nil, nil, err
			}
			worker, err := c.store.GetWorker(ctx, w.WorkerID)
			if err != nil {
				return nil, nil, err
			}
			log.WithFields(log.Fields{"worker": w.WorkerID, "job": job.Reference}).Info("job assigned")
			return worker, assigned, nil
		}
	}
	return nil, nil, nil
}

// Release returns the worker to idle after finishing its job, folding the
// attempt into the worker's processing stats.
func (c *Coordinator) Release(ctx context.Context, workerID string, failed bool, processingTime time.Duration) error {
	if err := c.store.ReleaseWorker(ctx, workerID, failed, processingTime); err != nil {
		return fmt.Errorf("release worker %s: %w", workerID, err)
	}
	return nil
}

// ReapStale marks workers past the heartbeat deadline offline and requeues
// any job they were holding. The requeue does not count against the job's
// retry budget; losing a worker is not the job's fault.
func (c *Coordinator) ReapStale(ctx context.Context) (int, error) {
	deadline := time.Now().Add(-c.heartbeatTimeout)
	stale, err := c.store.ListStaleWorkers(ctx, deadline)
	if err != nil {
		return 0, fmt.Errorf("list stale workers: %w", err)
	}

	reaped := 0
	for _, w := range stale {
		jobID := w.CurrentJobID
		if err := c.store.MarkWorkerOffline(ctx, w.WorkerID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return reaped, fmt.Errorf("mark worker %s offline: %w", w.WorkerID, err)
		}
		reaped++
		log.WithFields(log.Fields{"worker": w.WorkerID, "last_heartbeat": w.LastHeartbeat}).
			Warn("worker reaped after missed heartbeats")

		if jobID == nil {
			continue
		}
		if err := c.requeueOrphan(ctx, *jobID, w.WorkerID); err != nil {
			return reaped, err
		}
	}
	return reaped, nil
}

func (c *Coordinator) requeueOrphan(ctx context.Context, jobID uuid.UUID, workerID string) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load orphaned job %s: %w", jobID, err)
	}
	if job.Status != models.JobStatusProcessing || job.WorkerID == nil || *job.WorkerID != workerID {
		return nil
	}
	now := time.Now()
	job.Status = models.JobStatusQueued
	job.WorkerID = nil
	job.MachineID = nil
	job.QueuedAt = &now
	if err := c.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("requeue orphaned job %s: %w", job.Reference, err)
	}
	entry := models.AuditEntry{
		Action:    "job_reclaimed",
		Timestamp: now,
		Actor:     "system",
		Details:   fmt.Sprintf("worker %s went offline, job returned to queue %s", workerID, job.CurrentQueue),
	}
	if err := c.store.AppendAudit(ctx, job.ID, entry); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	log.WithFields(log.Fields{"job": job.Reference, "worker": workerID}).
		Info("orphaned job requeued")
	return nil
}

func queuedTime(j *models.Job) time.Time {
	if j.QueuedAt != nil {
		return *j.QueuedAt
	}
	return j.CreatedAt
}
