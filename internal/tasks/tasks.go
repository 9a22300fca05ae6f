package tasks

// Defines constants and payloads for task types used in Asynq.

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// TypeRunJob drives one filing job forward until it blocks or finishes.
	TypeRunJob = "job:run"
	// TypeProcessQueue pulls the top eligible jobs off a named queue.
	TypeProcessQueue = "queue:process"
	// TypeReapWorkers marks dead workers offline and requeues their jobs.
	TypeReapWorkers = "worker:reap"
)

// RunJobPayload identifies the job to run and the queue it was dispatched
// from, for dispatch-log attribution.
type RunJobPayload struct {
	JobID uuid.UUID `json:"job_id"`
	Queue string    `json:"queue"`
}

// ProcessQueuePayload names the queue to drain and how many jobs to pull.
type ProcessQueuePayload struct {
	Queue string `json:"queue"`
	Limit int    `json:"limit"`
}

func NewRunJobTask(jobID uuid.UUID, queue string) (*asynq.Task, error) {
	payload, err := json.Marshal(RunJobPayload{JobID: jobID, Queue: queue})
	if err != nil {
		return nil, fmt.Errorf("marshal run-job payload: %w", err)
	}
	return asynq.NewTask(TypeRunJob, payload), nil
}

func NewProcessQueueTask(queue string, limit int) (*asynq.Task, error) {
	payload, err := json.Marshal(ProcessQueuePayload{Queue: queue, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("marshal process-queue payload: %w", err)
	}
	return asynq.NewTask(TypeProcessQueue, payload), nil
}

func NewReapWorkersTask() *asynq.Task {
	return asynq.NewTask(TypeReapWorkers, nil)
}
