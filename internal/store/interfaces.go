package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"taxflow/internal/models"
)

// --- Job Store ---

// ListJobsFilter narrows ListJobs. Zero values mean "no filter".
type ListJobsFilter struct {
	Queue      string
	Statuses   []models.JobStatus
	CustomerID string
	Limit      int
	Offset     int
}

type JobStore interface {
	// CreateJob persists a job together with its full task set in one
	// transaction.
	CreateJob(ctx context.Context, job *models.Job, tasks []*models.Task) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetJobByReference(ctx context.Context, reference string) (*models.Job, error)
	ListJobs(ctx context.Context, filter ListJobsFilter) ([]*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	DeleteJob(ctx context.Context, id uuid.UUID) error // cascades to tasks

	// AppendQueueHistory appends one transition entry. The history is
	// append-only; there is no update or delete.
	AppendQueueHistory(ctx context.Context, jobID uuid.UUID, tr models.QueueTransition) error
	GetQueueHistory(ctx context.Context, jobID uuid.UUID) ([]models.QueueTransition, error)

	AppendAudit(ctx context.Context, jobID uuid.UUID, entry models.AuditEntry) error
	GetAuditLog(ctx context.Context, jobID uuid.UUID) ([]models.AuditEntry, error)

	AppendNote(ctx context.Context, jobID uuid.UUID, note models.JobNote) error
	GetNotes(ctx context.Context, jobID uuid.UUID) ([]models.JobNote, error)

	// CountJobsByStatus aggregates job counts per status for one queue.
	CountJobsByStatus(ctx context.Context, queue string) (map[models.JobStatus]int, error)
}

// --- Task Store ---

type TaskStore interface {
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	ListTasks(ctx context.Context, jobID uuid.UUID) ([]*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error

	// TransitionTask performs a compare-and-swap on task status: the update
	// applies only if the task is currently in `from`. Returns ErrConflict
	// when another caller won the race.
	TransitionTask(ctx context.Context, id uuid.UUID, from, to models.TaskStatus) error
}

// --- Queue Store ---

type QueueStore interface {
	GetQueue(ctx context.Context, name string) (*models.QueueConfig, error)
	ListQueues(ctx context.Context) ([]*models.QueueConfig, error)
	UpdateQueue(ctx context.Context, cfg *models.QueueConfig) error
	// EnsureQueue inserts cfg if no queue with that name exists yet.
	EnsureQueue(ctx context.Context, cfg *models.QueueConfig) error

	// Dispatch log: append-only record of everything handed out of a queue.
	// The router derives rate-limit and cooldown decisions from it.
	RecordDispatch(ctx context.Context, rec models.DispatchRecord) error
	CountDispatchesSince(ctx context.Context, queue string, since time.Time) (int, error)
	LastDispatchAt(ctx context.Context, queue string) (*time.Time, error)
}

// --- Worker Store ---

type WorkerStore interface {
	RegisterWorker(ctx context.Context, w *models.QueueWorker) error
	GetWorker(ctx context.Context, workerID string) (*models.QueueWorker, error)
	ListWorkers(ctx context.Context, queue string, statuses []models.WorkerStatus) ([]*models.QueueWorker, error)
	Heartbeat(ctx context.Context, workerID string, at time.Time) error

	// AssignJob atomically claims both sides of an assignment: the worker
	// must be idle and the job queued and unclaimed, or ErrConflict is
	// returned and nothing changes.
	AssignJob(ctx context.Context, workerID string, jobID uuid.UUID) error

	// ReleaseWorker clears the worker's current job and returns it to idle,
	// updating its processing counters.
	ReleaseWorker(ctx context.Context, workerID string, failed bool, processingTime time.Duration) error

	// ListStaleWorkers returns non-offline workers whose last heartbeat is
	// older than deadline.
	ListStaleWorkers(ctx context.Context, deadline time.Time) ([]*models.QueueWorker, error)
	MarkWorkerOffline(ctx context.Context, workerID string) error
}

// Store is the full persistence surface the orchestrator runs against.
// primary.Store implements it on PostgreSQL; memory.Store implements it
// in-process for tests and DSN-less local runs.
type Store interface {
	JobStore
	TaskStore
	QueueStore
	WorkerStore

	Ping(ctx context.Context) error
	Close()
}

// --- Job Client ---

// JobClient enqueues background triggers onto the asynq transport and records
// each enqueue in the dispatch log.
type JobClient interface {
	EnqueueRunJob(ctx context.Context, jobID uuid.UUID, queue string) error
	EnqueueProcessQueue(ctx context.Context, queue string, limit int) error
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}
