// Package worker adapts orchestrator operations into asynq task handlers.
// The worker process consumes run-job triggers, periodic queue-processing
// ticks and the stale-worker reaper.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
	"taxflow/internal/orchestrator"
	"taxflow/internal/pool"
	"taxflow/internal/tasks"
)

type Handlers struct {
	orch *orchestrator.Orchestrator
	pool *pool.Coordinator
}

func NewHandlers(orch *orchestrator.Orchestrator, pl *pool.Coordinator) *Handlers {
	return &Handlers{orch: orch, pool: pl}
}

// Register binds every task type onto the mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(tasks.TypeRunJob, h.HandleRunJob)
	mux.HandleFunc(tasks.TypeProcessQueue, h.HandleProcessQueue)
	mux.HandleFunc(tasks.TypeReapWorkers, h.HandleReapWorkers)
}

func (h *Handlers) HandleRunJob(ctx context.Context, t *asynq.Task) error {
	var p tasks.RunJobPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal run-job payload: %v: %w", err, asynq.SkipRetry)
	}
	log.WithFields(log.Fields{"job_id": p.JobID, "queue": p.Queue}).Info("run-job trigger received")
	if err := h.orch.RunJob(ctx, p.JobID); err != nil {
		return fmt.Errorf("run job %s: %w", p.JobID, err)
	}
	return nil
}

func (h *Handlers) HandleProcessQueue(ctx context.Context, t *asynq.Task) error {
	var p tasks.ProcessQueuePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal process-queue payload: %v: %w", err, asynq.SkipRetry)
	}
	var (
		n   int
		err error
	)
	if p.Queue == "" {
		n, err = h.orch.ProcessAllQueues(ctx, p.Limit)
	} else {
		n, err = h.orch.ProcessQueue(ctx, p.Queue, p.Limit)
	}
	if err != nil {
		return fmt.Errorf("process queue %q: %w", p.Queue, err)
	}
	if n > 0 {
		log.WithFields(log.Fields{"queue": p.Queue, "dispatched": n}).Info("queue pass dispatched jobs")
	}
	return nil
}

func (h *Handlers) HandleReapWorkers(ctx context.Context, t *asynq.Task) error {
	n, err := h.pool.ReapStale(ctx)
	if err != nil {
		return fmt.Errorf("reap stale workers: %w", err)
	}
	if n > 0 {
		log.WithField("reaped", n).Warn("stale workers taken offline")
	}
	return nil
}
