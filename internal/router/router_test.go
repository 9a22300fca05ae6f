package router

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"taxflow/internal/models"
	"taxflow/internal/registry"
	"taxflow/internal/store/memory"
)

const testMaxRetries = 3

func intPtr(n int) *int { return &n }

func seedQueues(t *testing.T, st *memory.Store) {
	t.Helper()
	ctx := context.Background()
	queues := []*models.QueueConfig{
		{
			QueueName: models.QueueAIPreparation, DisplayName: "AI Preparation",
			IsActive: true, MaxWorkers: 5, MaxBatchSize: 10, MaxParallelJobs: 10,
			RateLimitPerMinute: intPtr(30), RiskThreshold: intPtr(60),
			PriorityWeight: 5, AutoAssign: true, AutoStart: true,
		},
		{
			QueueName: models.QueueManual, DisplayName: "Manual",
			IsActive: true, MaxWorkers: 10, MaxBatchSize: 10, MaxParallelJobs: 20,
			PriorityWeight: 5,
		},
		{
			QueueName: models.QueueHumanReview, DisplayName: "Human Review",
			IsActive: true, MaxWorkers: 10, MaxBatchSize: 10, MaxParallelJobs: 20,
			PriorityWeight: 7, RequiresApproval: true,
		},
		{
			QueueName: models.QueueUrgent, DisplayName: "Urgent",
			IsActive: true, MaxWorkers: 5, MaxBatchSize: 5, MaxParallelJobs: 10,
			PriorityWeight: 10, AutoAssign: true, AutoStart: true,
		},
	}
	for _, q := range queues {
		require.NoError(t, st.EnsureQueue(ctx, q))
	}
}

func seedJob(t *testing.T, st *memory.Store) *models.Job {
	t.Helper()
	now := time.Now()
	job := &models.Job{
		ID:               uuid.New(),
		Reference:        "TF-2026-ROUTE1",
		CustomerID:       "cust-1",
		TaxYear:          2026,
		PeriodStart:      now.AddDate(0, -3, 0),
		PeriodEnd:        now,
		FilingPeriodType: models.FilingPeriodQuarterly,
		Status:           models.JobStatusPending,
		CurrentQueue:     models.QueueAIPreparation,
		Priority:         models.PriorityStandard,
		ExecutionMode:    models.ModeAIOrchestrated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, st.CreateJob(context.Background(), job, registry.Materialize(job.ID, now)))
	return job
}

func TestInitialQueue(t *testing.T) {
	cases := []struct {
		mode     models.ExecutionMode
		priority models.Priority
		want     string
	}{
		{models.ModeAIOrchestrated, models.PriorityStandard, models.QueueAIPreparation},
		{models.ModeBackground, models.PriorityLow, models.QueueAIPreparation},
		{models.ModeManual, models.PriorityStandard, models.QueueManual},
		{models.ModeManual, models.PriorityUrgent, models.QueueUrgent},
		{models.ModeAIOrchestrated, models.PriorityUrgent, models.QueueUrgent},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, InitialQueue(c.mode, c.priority), "mode=%s priority=%s", c.mode, c.priority)
	}
}

func TestEnqueueSetsStateAndHistory(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	seedQueues(t, st)
	job := seedJob(t, st)
	r := New(st, testMaxRetries)

	wid := "worker-1"
	job.WorkerID = &wid
	require.NoError(t, r.Enqueue(ctx, job, models.QueueAIPreparation, "created"))

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, stored.Status)
	assert.Equal(t, models.QueueAIPreparation, stored.CurrentQueue)
	assert.NotNil(t, stored.QueuedAt)
	assert.Nil(t, stored.WorkerID, "enqueue clears any worker claim")

	history, err := st.GetQueueHistory(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.QueueAIPreparation, history[0].Queue)
	assert.Equal(t, "created", history[0].Reason)

	audit, err := st.GetAuditLog(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "enqueued", audit[0].Action)
}

func TestEnqueueRejectsTerminalJob(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	seedQueues(t, st)
	job := seedJob(t, st)
	job.Status = models.JobStatusCompleted
	require.NoError(t, st.UpdateJob(ctx, job))

	r := New(st, testMaxRetries)
	err := r.Enqueue(ctx, job, models.QueueAIPreparation, "late")
	assert.ErrorIs(t, err, models.ErrJobTerminal)
}

func TestEnqueueRiskGateRedirectsToHumanReview(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	seedQueues(t, st)
	job := seedJob(t, st)
	job.RiskScore = intPtr(80) // above ai_preparation threshold of 60
	require.NoError(t, st.UpdateJob(ctx, job))

	r := New(st, testMaxRetries)
	require.NoError(t, r.Enqueue(ctx, job, models.QueueAIPreparation, "retry"))

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueHumanReview, stored.CurrentQueue)

	history, err := st.GetQueueHistory(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Reason, "risk gate")
}

func TestEnqueueRiskGateBelowThresholdPasses(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	seedQueues(t, st)
	job := seedJob(t, st)
	job.RiskScore = intPtr(40)
	require.NoError(t, st.UpdateJob(ctx, job))

	r := New(st, testMaxRetries)
	require.NoError(t, r.Enqueue(ctx, job, models.QueueAIPreparation, "retry"))

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueAIPreparation, stored.CurrentQueue)
}

func TestEnqueueRiskGateHumanReviewNotRedirected(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	seedQueues(t, st)
	job := seedJob(t, st)
	job.RiskScore = intPtr(95)
	require.NoError(t, st.UpdateJob(ctx, job))

	r := New(st, testMaxRetries)
	require.NoError(t, r.Enqueue(ctx, job, models.QueueHumanReview, "review"))

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueHumanReview, stored.CurrentQueue)
}

func TestStartProcessingIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	seedQueues(t, st)
	job := seedJob(t, st)
	r := New(st, testMaxRetries)

	require.NoError(t, r.StartProcessing(ctx, job))
	first := job.StartedAt
	require.NotNil(t, first)

	require.NoError(t, r.StartProcessing(ctx, job))
	assert.Equal(t, first, job.StartedAt, "started_at is set once")
	assert.Equal(t, models.JobStatusProcessing, job.Status)
}

func TestApproveOnlyFromAwaitingReview(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	seedQueues(t, st)
	job := seedJob(t, st)
	r := New(st, testMaxRetries)

	err := r.Approve(ctx, job, "reviewer@firm")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	job.Status = models.JobStatusAwaitingReview
	require.NoError(t, st.UpdateJob(ctx, job))
	require.NoError(t, r.Approve(ctx, job, "reviewer@firm"))

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusApproved, stored.Status)
	require.NotNil(t, stored.AssignedTo)
	assert.Equal(t, "reviewer@firm", *stored.AssignedTo)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	seedQueues(t, st)
	job := seedJob(t, st)
	r := New(st, testMaxRetries)

	require.NoError(t, r.Cancel(ctx, job, "ops@firm", "customer churned"))
	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, stored.Status)

	err = r.Cancel(ctx, stored, "ops@firm", "again")
	assert.ErrorIs(t, err, models.ErrJobTerminal)
}

func TestAdmitInactiveAndPaused(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	seedQueues(t, st)
	r := New(st, testMaxRetries)

	cfg, err := st.GetQueue(ctx, models.QueueManual)
	require.NoError(t, err)
	cfg.IsActive = false
	require.NoError(t, st.UpdateQueue(ctx, cfg))

	dec, err := r.Admit(ctx, models.QueueManual)
	require.NoError(t, err)
	assert.False(t, dec.Admit)
	assert.Equal(t, "queue inactive", dec.Reason)

	cfg.IsActive = true
	cfg.IsPaused = true
	require.NoError(t, st.UpdateQueue(ctx, cfg))

	dec, err = r.Admit(ctx, models.QueueManual)
	require.NoError(t, err)
	assert.False(t, dec.Admit)
	assert.Equal(t, "queue paused", dec.Reason)
}

func TestAdmitMaxParallelJobs(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	seedQueues(t, st)
	r := New(st, testMaxRetries)

	cfg, err := st.GetQueue(ctx, models.QueueAIPreparation)
	require.NoError(t, err)
	cfg.MaxParallelJobs = 1
	require.NoError(t, st.UpdateQueue(ctx, cfg))

	dec, err := r.Admit(ctx, models.QueueAIPreparation)
	require.NoError(t, err)
	assert.True(t, dec.Admit)

	busy := seedJob(t, st)
	busy.Status = models.JobStatusProcessing
	require.NoError(t, st.UpdateJob(ctx, busy))

	dec, err = r.Admit(ctx, models.QueueAIPreparation)
	require.NoError(t, err)
	assert.False(t, dec.Admit)
	assert.Contains(t, dec.Reason, "max_parallel_jobs")
}

func TestAdmitRateLimit(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	seedQueues(t, st)
	r := New(st, testMaxRetries)

	cfg, err := st.GetQueue(ctx, models.QueueAIPreparation)
	require.NoError(t, err)
	cfg.RateLimitPerMinute = intPtr(2)
	require.NoError(t, st.UpdateQueue(ctx, cfg))

	for i := 0; i < 2; i++ {
		require.NoError(t, st.RecordDispatch(ctx, models.DispatchRecord{
			Queue: models.QueueAIPreparation, Kind: "run_job", DispatchedAt: time.Now(),
		}))
	}

	dec, err := r.Admit(ctx, models.QueueAIPreparation)
	require.NoError(t, err)
	assert.False(t, dec.Admit)
	assert.Contains(t, dec.Reason, "rate limit")

	// Dispatches older than the window do not count.
	st2 := memory.NewStore()
	seedQueues(t, st2)
	cfg2, err := st2.GetQueue(ctx, models.QueueAIPreparation)
	require.NoError(t, err)
	cfg2.RateLimitPerMinute = intPtr(2)
	require.NoError(t, st2.UpdateQueue(ctx, cfg2))
	require.NoError(t, st2.RecordDispatch(ctx, models.DispatchRecord{
		Queue: models.QueueAIPreparation, Kind: "run_job", DispatchedAt: time.Now().Add(-2 * time.Minute),
	}))

	dec, err = New(st2, testMaxRetries).Admit(ctx, models.QueueAIPreparation)
	require.NoError(t, err)
	assert.True(t, dec.Admit)
}

func TestAdmitCooldown(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	seedQueues(t, st)
	r := New(st, testMaxRetries)

	cfg, err := st.GetQueue(ctx, models.QueueManual)
	require.NoError(t, err)
	cfg.CooldownSeconds = 30
	require.NoError(t, st.UpdateQueue(ctx, cfg))

	// No dispatch yet: cooldown does not apply.
	dec, err := r.Admit(ctx, models.QueueManual)
	require.NoError(t, err)
	assert.True(t, dec.Admit)

	require.NoError(t, st.RecordDispatch(ctx, models.DispatchRecord{
		Queue: models.QueueManual, Kind: "run_job", DispatchedAt: time.Now(),
	}))

	dec, err = r.Admit(ctx, models.QueueManual)
	require.NoError(t, err)
	assert.False(t, dec.Admit)
	assert.Contains(t, dec.Reason, "cooldown")
}

func TestRouteAfterProgressFailsDeadJob(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	seedQueues(t, st)
	job := seedJob(t, st)
	job.Status = models.JobStatusProcessing
	require.NoError(t, st.UpdateJob(ctx, job))

	tasks, err := st.ListTasks(ctx, job.ID)
	require.NoError(t, err)

	// First task terminally failed, everything downstream blocked.
	msg := "books service unavailable"
	for _, task := range tasks {
		if task.TaskKey == models.TaskKeyBookkeepingCheck {
			task.Status = models.TaskStatusFailed
			task.RetryCount = testMaxRetries
			task.LastError = &msg
		} else {
			task.Status = models.TaskStatusBlocked
		}
		require.NoError(t, st.UpdateTask(ctx, task))
	}
	tasks, err = st.ListTasks(ctx, job.ID)
	require.NoError(t, err)

	r := New(st, testMaxRetries)
	require.NoError(t, r.RouteAfterProgress(ctx, job, tasks))

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, msg, *stored.LastError)

	audit, err := st.GetAuditLog(ctx, job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, audit)
	last := audit[len(audit)-1]
	assert.Equal(t, "failed", last.Action)
	assert.Contains(t, last.Details, models.TaskKeyBookkeepingCheck)
}

func TestRouteAfterProgressReleasesToHumanReview(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	seedQueues(t, st)
	job := seedJob(t, st)
	job.Status = models.JobStatusProcessing
	require.NoError(t, st.UpdateJob(ctx, job))

	tasks, err := st.ListTasks(ctx, job.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.ExecutedBy != models.ExecutorHuman {
			task.Status = models.TaskStatusCompleted
			require.NoError(t, st.UpdateTask(ctx, task))
		}
	}
	tasks, err = st.ListTasks(ctx, job.ID)
	require.NoError(t, err)

	r := New(st, testMaxRetries)
	require.NoError(t, r.RouteAfterProgress(ctx, job, tasks))

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAwaitingReview, stored.Status)
	assert.Equal(t, models.QueueHumanReview, stored.CurrentQueue)
}

func TestRouteAfterProgressCompletes(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	seedQueues(t, st)
	job := seedJob(t, st)
	job.Status = models.JobStatusApproved
	require.NoError(t, st.UpdateJob(ctx, job))

	done := time.Now()
	tasks, err := st.ListTasks(ctx, job.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		task.Status = models.TaskStatusCompleted
		task.CompletedAt = &done
		require.NoError(t, st.UpdateTask(ctx, task))
	}
	tasks, err = st.ListTasks(ctx, job.ID)
	require.NoError(t, err)

	r := New(st, testMaxRetries)
	require.NoError(t, r.RouteAfterProgress(ctx, job, tasks))

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.NotNil(t, stored.SubmittedAt, "submission completion timestamp flows onto the job")
}
