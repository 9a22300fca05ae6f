package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"taxflow/internal/models"
	"taxflow/internal/store"
)

func newJob(ref string, priority models.Priority, queuedAt *time.Time) *models.Job {
	now := time.Now()
	return &models.Job{
		ID:               uuid.New(),
		Reference:        ref,
		CustomerID:       "cust-" + ref,
		TaxYear:          2026,
		PeriodStart:      now.AddDate(0, -3, 0),
		PeriodEnd:        now,
		FilingPeriodType: models.FilingPeriodQuarterly,
		Status:           models.JobStatusQueued,
		CurrentQueue:     models.QueueAIPreparation,
		Priority:         priority,
		ExecutionMode:    models.ModeAIOrchestrated,
		QueuedAt:         queuedAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func newTask(jobID uuid.UUID, key string, order int) *models.Task {
	return &models.Task{
		ID:        uuid.New(),
		JobID:     jobID,
		TaskKey:   key,
		TaskOrder: order,
		TaskType:  models.TaskTypeSequential,
		Status:    models.TaskStatusPending,
	}
}

func TestCreateJobRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	st := NewStore()

	job := newJob("TF-2026-DUP001", models.PriorityStandard, nil)
	require.NoError(t, st.CreateJob(ctx, job, nil))

	err := st.CreateJob(ctx, job, nil)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	other := newJob("TF-2026-DUP001", models.PriorityStandard, nil)
	err = st.CreateJob(ctx, other, nil)
	assert.ErrorIs(t, err, store.ErrDuplicate, "reference must be unique")
}

func TestGetJobCopiesOut(t *testing.T) {
	ctx := context.Background()
	st := NewStore()

	job := newJob("TF-2026-COPY01", models.PriorityStandard, nil)
	job.AnomalyFlags = []string{"zero_revenue_period"}
	require.NoError(t, st.CreateJob(ctx, job, nil))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	got.AnomalyFlags[0] = "mutated"
	got.Status = models.JobStatusFailed

	again, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "zero_revenue_period", again.AnomalyFlags[0])
	assert.Equal(t, models.JobStatusQueued, again.Status)
}

func TestListJobsOrderingAndFilters(t *testing.T) {
	ctx := context.Background()
	st := NewStore()

	old := time.Now().Add(-10 * time.Minute)
	recent := time.Now().Add(-1 * time.Minute)

	standardOld := newJob("TF-2026-STDOLD", models.PriorityStandard, &old)
	standardNew := newJob("TF-2026-STDNEW", models.PriorityStandard, &recent)
	urgent := newJob("TF-2026-URGNT1", models.PriorityUrgent, &recent)
	done := newJob("TF-2026-DONE01", models.PriorityStandard, &old)
	done.Status = models.JobStatusCompleted
	elsewhere := newJob("TF-2026-OTHERQ", models.PriorityStandard, &old)
	elsewhere.CurrentQueue = models.QueueManual

	for _, j := range []*models.Job{standardOld, standardNew, urgent, done, elsewhere} {
		require.NoError(t, st.CreateJob(ctx, j, nil))
	}

	jobs, err := st.ListJobs(ctx, store.ListJobsFilter{
		Queue:    models.QueueAIPreparation,
		Statuses: []models.JobStatus{models.JobStatusQueued},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, urgent.ID, jobs[0].ID, "priority beats age")
	assert.Equal(t, standardOld.ID, jobs[1].ID, "FIFO within a priority")
	assert.Equal(t, standardNew.ID, jobs[2].ID)

	// Pagination.
	page, err := st.ListJobs(ctx, store.ListJobsFilter{
		Queue:    models.QueueAIPreparation,
		Statuses: []models.JobStatus{models.JobStatusQueued},
		Limit:    1, Offset: 1,
	})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, standardOld.ID, page[0].ID)

	// Offset beyond the result set.
	none, err := st.ListJobs(ctx, store.ListJobsFilter{Offset: 100})
	require.NoError(t, err)
	assert.Empty(t, none)

	// Customer filter.
	mine, err := st.ListJobs(ctx, store.ListJobsFilter{CustomerID: urgent.CustomerID})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, urgent.ID, mine[0].ID)
}

func TestDeleteJobCascadesToTasks(t *testing.T) {
	ctx := context.Background()
	st := NewStore()

	job := newJob("TF-2026-DEL001", models.PriorityStandard, nil)
	task := newTask(job.ID, "bookkeeping_check", 1)
	require.NoError(t, st.CreateJob(ctx, job, []*models.Task{task}))

	require.NoError(t, st.DeleteJob(ctx, job.ID))
	_, err := st.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, st.DeleteJob(ctx, job.ID), store.ErrNotFound)
}

func TestTransitionTaskCAS(t *testing.T) {
	ctx := context.Background()
	st := NewStore()

	job := newJob("TF-2026-CAS001", models.PriorityStandard, nil)
	task := newTask(job.ID, "bookkeeping_check", 1)
	require.NoError(t, st.CreateJob(ctx, job, []*models.Task{task}))

	require.NoError(t, st.TransitionTask(ctx, task.ID, models.TaskStatusPending, models.TaskStatusRunning))

	// Second claimant loses the race.
	err := st.TransitionTask(ctx, task.ID, models.TaskStatusPending, models.TaskStatusRunning)
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, got.Status)

	err = st.TransitionTask(ctx, uuid.New(), models.TaskStatusPending, models.TaskStatusRunning)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAssignJobClaimsBothSides(t *testing.T) {
	ctx := context.Background()
	st := NewStore()

	job := newJob("TF-2026-ASG001", models.PriorityStandard, nil)
	require.NoError(t, st.CreateJob(ctx, job, nil))
	machine := "host-1"
	require.NoError(t, st.RegisterWorker(ctx, &models.QueueWorker{
		WorkerID: "w1", MachineID: &machine, QueueName: models.QueueAIPreparation,
		Status: models.WorkerStatusIdle, LastHeartbeat: time.Now(), RegisteredAt: time.Now(),
	}))
	require.NoError(t, st.RegisterWorker(ctx, &models.QueueWorker{
		WorkerID: "w2", QueueName: models.QueueAIPreparation,
		Status: models.WorkerStatusIdle, LastHeartbeat: time.Now(), RegisteredAt: time.Now(),
	}))

	require.NoError(t, st.AssignJob(ctx, "w1", job.ID))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	require.NotNil(t, got.WorkerID)
	assert.Equal(t, "w1", *got.WorkerID)
	require.NotNil(t, got.MachineID)
	assert.Equal(t, machine, *got.MachineID)
	assert.NotNil(t, got.StartedAt)

	w, err := st.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusBusy, w.Status)
	require.NotNil(t, w.CurrentJobID)
	assert.Equal(t, job.ID, *w.CurrentJobID)

	// The job is claimed: a second worker cannot take it.
	assert.ErrorIs(t, st.AssignJob(ctx, "w2", job.ID), store.ErrConflict)

	// A busy worker cannot take another job either.
	other := newJob("TF-2026-ASG002", models.PriorityStandard, nil)
	require.NoError(t, st.CreateJob(ctx, other, nil))
	assert.ErrorIs(t, st.AssignJob(ctx, "w1", other.ID), store.ErrConflict)

	assert.ErrorIs(t, st.AssignJob(ctx, "ghost", job.ID), store.ErrNotFound)
}

func TestReleaseWorkerRunningAverage(t *testing.T) {
	ctx := context.Background()
	st := NewStore()

	require.NoError(t, st.RegisterWorker(ctx, &models.QueueWorker{
		WorkerID: "w1", QueueName: models.QueueAIPreparation,
		Status: models.WorkerStatusBusy, LastHeartbeat: time.Now(), RegisteredAt: time.Now(),
	}))

	require.NoError(t, st.ReleaseWorker(ctx, "w1", false, time.Second))
	require.NoError(t, st.ReleaseWorker(ctx, "w1", false, 3*time.Second))

	w, err := st.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 2, w.JobsProcessed)
	assert.Equal(t, 2000.0, w.AvgProcessingTimeMS)
}

func TestEnsureQueueIdempotent(t *testing.T) {
	ctx := context.Background()
	st := NewStore()

	cfg := &models.QueueConfig{QueueName: "urgent", DisplayName: "Urgent", IsActive: true, MaxBatchSize: 5}
	require.NoError(t, st.EnsureQueue(ctx, cfg))

	// A second ensure with different settings does not overwrite.
	require.NoError(t, st.EnsureQueue(ctx, &models.QueueConfig{QueueName: "urgent", MaxBatchSize: 99}))

	got, err := st.GetQueue(ctx, "urgent")
	require.NoError(t, err)
	assert.Equal(t, 5, got.MaxBatchSize)
	assert.Equal(t, 1, got.Version)
}

func TestUpdateQueueBumpsVersion(t *testing.T) {
	ctx := context.Background()
	st := NewStore()

	require.NoError(t, st.EnsureQueue(ctx, &models.QueueConfig{QueueName: "manual", IsActive: true}))
	cfg, err := st.GetQueue(ctx, "manual")
	require.NoError(t, err)

	cfg.IsPaused = true
	require.NoError(t, st.UpdateQueue(ctx, cfg))

	got, err := st.GetQueue(ctx, "manual")
	require.NoError(t, err)
	assert.True(t, got.IsPaused)
	assert.Equal(t, 2, got.Version)

	err = st.UpdateQueue(ctx, &models.QueueConfig{QueueName: "ghost"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDispatchAccounting(t *testing.T) {
	ctx := context.Background()
	st := NewStore()

	now := time.Now()
	for _, rec := range []models.DispatchRecord{
		{Queue: "a", Kind: "job:run", DispatchedAt: now.Add(-90 * time.Second)},
		{Queue: "a", Kind: "job:run", DispatchedAt: now.Add(-30 * time.Second)},
		{Queue: "a", Kind: "job:run", DispatchedAt: now},
		{Queue: "b", Kind: "job:run", DispatchedAt: now},
	} {
		require.NoError(t, st.RecordDispatch(ctx, rec))
	}

	n, err := st.CountDispatchesSince(ctx, "a", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	last, err := st.LastDispatchAt(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.WithinDuration(t, now, *last, time.Millisecond)

	none, err := st.LastDispatchAt(ctx, "empty")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestListStaleWorkersSkipsOffline(t *testing.T) {
	ctx := context.Background()
	st := NewStore()

	stale := time.Now().Add(-5 * time.Minute)
	require.NoError(t, st.RegisterWorker(ctx, &models.QueueWorker{
		WorkerID: "stale", QueueName: "a", Status: models.WorkerStatusBusy, LastHeartbeat: stale,
	}))
	require.NoError(t, st.RegisterWorker(ctx, &models.QueueWorker{
		WorkerID: "offline", QueueName: "a", Status: models.WorkerStatusOffline, LastHeartbeat: stale,
	}))
	require.NoError(t, st.RegisterWorker(ctx, &models.QueueWorker{
		WorkerID: "fresh", QueueName: "a", Status: models.WorkerStatusIdle, LastHeartbeat: time.Now(),
	}))

	got, err := st.ListStaleWorkers(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "stale", got[0].WorkerID)
}

func TestQueueHistoryAuditAndNotesAppendOnly(t *testing.T) {
	ctx := context.Background()
	st := NewStore()

	job := newJob("TF-2026-LOG001", models.PriorityStandard, nil)
	require.NoError(t, st.CreateJob(ctx, job, nil))

	require.NoError(t, st.AppendQueueHistory(ctx, job.ID, models.QueueTransition{Queue: "a", Timestamp: time.Now(), Reason: "initial"}))
	require.NoError(t, st.AppendAudit(ctx, job.ID, models.AuditEntry{Action: "created", Timestamp: time.Now(), Actor: "system"}))
	require.NoError(t, st.AppendNote(ctx, job.ID, models.JobNote{Author: "ops", Timestamp: time.Now(), Body: "hello"}))

	history, err := st.GetQueueHistory(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	audit, err := st.GetAuditLog(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 1)
	notes, err := st.GetNotes(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, notes, 1)

	assert.ErrorIs(t, st.AppendAudit(ctx, uuid.New(), models.AuditEntry{}), store.ErrNotFound)
}
