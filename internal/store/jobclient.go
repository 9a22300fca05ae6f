package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
	"taxflow/internal/models"
	"taxflow/internal/tasks"
)

// AsynqJobClient is the concrete JobClient. It enqueues orchestration
// triggers onto Redis via asynq and records each enqueue in the dispatch log
// so operators can see what was handed out, and the router can account for
// rate limits.
var _ JobClient = (*AsynqJobClient)(nil)

type AsynqJobClient struct {
	client     *asynq.Client
	queueStore QueueStore
}

func NewAsynqJobClient(redisAddr, redisPassword string, redisDB int, qs QueueStore) (*AsynqJobClient, error) {
	if qs == nil {
		return nil, fmt.Errorf("QueueStore cannot be nil for AsynqJobClient")
	}
	cli := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})
	return &AsynqJobClient{client: cli, queueStore: qs}, nil
}

func (jc *AsynqJobClient) Close() error {
	return jc.client.Close()
}

// Enqueue enqueues a task and records the event in the dispatch log. A
// failed log write does not fail the enqueue; the task is already on the
// wire.
func (jc *AsynqJobClient) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := jc.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	rec := models.DispatchRecord{
		Queue:        info.Queue,
		Kind:         task.Type(),
		DispatchedAt: time.Now(),
	}
	if err := jc.queueStore.RecordDispatch(ctx, rec); err != nil {
		log.WithError(err).WithField("task_type", task.Type()).
			Warn("failed to record dispatch for enqueued task")
	}
	return info, nil
}

func (jc *AsynqJobClient) EnqueueRunJob(ctx context.Context, jobID uuid.UUID, queue string) error {
	task, err := tasks.NewRunJobTask(jobID, queue)
	if err != nil {
		return err
	}
	info, err := jc.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueue run-job for %s: %w", jobID, err)
	}
	rec := models.DispatchRecord{
		Queue:        queue,
		JobID:        &jobID,
		Kind:         tasks.TypeRunJob,
		DispatchedAt: time.Now(),
	}
	if err := jc.queueStore.RecordDispatch(ctx, rec); err != nil {
		log.WithError(err).WithField("job_id", jobID).
			Warn("failed to record run-job dispatch")
	}
	log.WithFields(log.Fields{"job_id": jobID, "queue": queue, "task_id": info.ID}).
		Debug("enqueued run-job task")
	return nil
}

func (jc *AsynqJobClient) EnqueueProcessQueue(ctx context.Context, queue string, limit int) error {
	task, err := tasks.NewProcessQueueTask(queue, limit)
	if err != nil {
		return err
	}
	if _, err := jc.Enqueue(ctx, task); err != nil {
		return err
	}
	return nil
}
