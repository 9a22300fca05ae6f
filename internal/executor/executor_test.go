package executor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"taxflow/internal/models"
	"taxflow/internal/registry"
	"taxflow/internal/store"
	"taxflow/internal/store/memory"
)

func seedJob(t *testing.T, st *memory.Store) (*models.Job, map[string]*models.Task) {
	t.Helper()
	now := time.Now()
	job := &models.Job{
		ID:               uuid.New(),
		Reference:        "TF-2026-TEST01",
		CustomerID:       "cust-1",
		TaxYear:          2026,
		PeriodStart:      now.AddDate(0, -3, 0),
		PeriodEnd:        now,
		FilingPeriodType: models.FilingPeriodQuarterly,
		Status:           models.JobStatusProcessing,
		CurrentQueue:     models.QueueAIPreparation,
		Priority:         models.PriorityStandard,
		ExecutionMode:    models.ModeAIOrchestrated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tasks := registry.Materialize(job.ID, now)
	require.NoError(t, st.CreateJob(context.Background(), job, tasks))

	byKey := make(map[string]*models.Task, len(tasks))
	for _, task := range tasks {
		byKey[task.TaskKey] = task
	}
	return job, byKey
}

func TestExecuteSuccessPersistsOutputAndAudit(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	job, tasks := seedJob(t, st)

	reg := NewRegistry()
	reg.Register(models.TaskKeyBookkeepingCheck, func(ctx context.Context, j *models.Job, task *models.Task) (*models.TaskResult, error) {
		return &models.TaskResult{Success: true, Output: &models.BookkeepingCheckOutput{BooksCurrent: true}}, nil
	})
	exec := New(st, reg, 3)

	res, err := exec.Execute(ctx, job.ID, tasks[models.TaskKeyBookkeepingCheck].ID)
	require.NoError(t, err)
	assert.True(t, res.Success)

	stored, err := st.GetTask(ctx, tasks[models.TaskKeyBookkeepingCheck].ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.NotEmpty(t, stored.OutputData)

	audit, err := st.GetAuditLog(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "task_completed", audit[0].Action)
}

func TestExecuteCompletedTaskIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	job, tasks := seedJob(t, st)

	calls := 0
	reg := NewRegistry()
	reg.Register(models.TaskKeyBookkeepingCheck, func(ctx context.Context, j *models.Job, task *models.Task) (*models.TaskResult, error) {
		calls++
		return &models.TaskResult{Success: true, Output: &models.BookkeepingCheckOutput{BooksCurrent: true}}, nil
	})
	exec := New(st, reg, 3)

	_, err := exec.Execute(ctx, job.ID, tasks[models.TaskKeyBookkeepingCheck].ID)
	require.NoError(t, err)

	res, err := exec.Execute(ctx, job.ID, tasks[models.TaskKeyBookkeepingCheck].ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	out, ok := res.Output.(*models.BookkeepingCheckOutput)
	require.True(t, ok)
	assert.True(t, out.BooksCurrent)
	assert.Equal(t, 1, calls, "completed task must not re-run its handler")
}

func TestExecuteFailureIncrementsRetryCount(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	job, tasks := seedJob(t, st)

	reg := NewRegistry()
	reg.Register(models.TaskKeyBookkeepingCheck, func(ctx context.Context, j *models.Job, task *models.Task) (*models.TaskResult, error) {
		return &models.TaskResult{Success: false, Error: "books service unavailable"}, nil
	})
	exec := New(st, reg, 3)

	res, err := exec.Execute(ctx, job.ID, tasks[models.TaskKeyBookkeepingCheck].ID)
	require.NoError(t, err)
	assert.False(t, res.Success)

	stored, err := st.GetTask(ctx, tasks[models.TaskKeyBookkeepingCheck].ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "books service unavailable", *stored.LastError)

	// Dependents stay pending while retries remain.
	dep, err := st.GetTask(ctx, tasks[models.TaskKeyRunBookkeeping].ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, dep.Status)

	updatedJob, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, updatedJob.LastError)
	assert.Equal(t, 1, updatedJob.RetryCount)
}

func TestExecuteTerminalFailureBlocksDependents(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	job, tasks := seedJob(t, st)

	reg := NewRegistry()
	reg.Register(models.TaskKeyBookkeepingCheck, func(ctx context.Context, j *models.Job, task *models.Task) (*models.TaskResult, error) {
		return nil, assert.AnError
	})
	exec := New(st, reg, 1)

	_, err := exec.Execute(ctx, job.ID, tasks[models.TaskKeyBookkeepingCheck].ID)
	require.NoError(t, err)

	// Everything downstream of the failed root is blocked, transitively.
	for _, key := range []string{
		models.TaskKeyRunBookkeeping,
		models.TaskKeyVerifyInputs,
		models.TaskKeyTaxComputation,
		models.TaskKeyHumanReview,
		models.TaskKeySubmission,
	} {
		stored, err := st.GetTask(ctx, tasks[key].ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusBlocked, stored.Status, "task %s", key)
	}

	// A further execute attempt is rejected outright.
	_, err = exec.Execute(ctx, job.ID, tasks[models.TaskKeyBookkeepingCheck].ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestExecuteMissingHandlerFailsTask(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	job, tasks := seedJob(t, st)

	exec := New(st, NewRegistry(), 3)

	res, err := exec.Execute(ctx, job.ID, tasks[models.TaskKeyBookkeepingCheck].ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no handler registered")
}

func TestExecuteRejectsHumanGateTask(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	job, tasks := seedJob(t, st)

	exec := New(st, NewRegistry(), 3)

	review := tasks[models.TaskKeyHumanReview]
	_, err := exec.Execute(ctx, job.ID, review.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	// The gate is untouched: no failure recorded, no retries burned.
	stored, err := st.GetTask(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, stored.Status)
	assert.Zero(t, stored.RetryCount)
}

func TestExecuteRunningTaskConflicts(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	job, tasks := seedJob(t, st)

	task := tasks[models.TaskKeyBookkeepingCheck]
	require.NoError(t, st.TransitionTask(ctx, task.ID, models.TaskStatusPending, models.TaskStatusRunning))

	exec := New(st, NewRegistry(), 3)
	_, err := exec.Execute(ctx, job.ID, task.ID)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestExecuteRecoversFromHandlerPanic(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	job, tasks := seedJob(t, st)

	reg := NewRegistry()
	reg.Register(models.TaskKeyBookkeepingCheck, func(ctx context.Context, j *models.Job, task *models.Task) (*models.TaskResult, error) {
		panic("boom")
	})
	exec := New(st, reg, 3)

	res, err := exec.Execute(ctx, job.ID, tasks[models.TaskKeyBookkeepingCheck].ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "handler panic")
}

func TestApplyOutputUpdatesFinancialSnapshot(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	job, tasks := seedJob(t, st)

	reg := NewRegistry()
	reg.Register(models.TaskKeyTaxComputation, func(ctx context.Context, j *models.Job, task *models.Task) (*models.TaskResult, error) {
		return &models.TaskResult{Success: true, Output: &models.TaxComputationOutput{
			Revenue: 1_000_000, Expenses: 400_000, TaxableIncome: 600_000, TaxLiability: 20_250,
		}}, nil
	})
	exec := New(st, reg, 3)

	// Complete the dependency chain so the computation may run.
	for _, key := range []string{models.TaskKeyBookkeepingCheck, models.TaskKeyRunBookkeeping, models.TaskKeyVerifyInputs} {
		task := tasks[key]
		task.Status = models.TaskStatusCompleted
		require.NoError(t, st.UpdateTask(ctx, task))
	}

	_, err := exec.Execute(ctx, job.ID, tasks[models.TaskKeyTaxComputation].ID)
	require.NoError(t, err)

	updated, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1_000_000.0, updated.Revenue)
	assert.Equal(t, 600_000.0, updated.TaxableIncome)
	assert.Equal(t, 20_250.0, updated.TaxLiability)
}

func TestDefaultTaxComputation(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	job, tasks := seedJob(t, st)

	reg := NewRegistry()
	RegisterDefaultHandlers(reg, StubBooksProvider{}, StubScoringClient{})
	exec := New(st, reg, 3)

	job.Revenue = 500_000
	job.Expenses = 100_000
	require.NoError(t, st.UpdateJob(ctx, job))
	for _, key := range []string{models.TaskKeyBookkeepingCheck, models.TaskKeyRunBookkeeping, models.TaskKeyVerifyInputs} {
		task := tasks[key]
		task.Status = models.TaskStatusCompleted
		require.NoError(t, st.UpdateTask(ctx, task))
	}

	res, err := exec.Execute(ctx, job.ID, tasks[models.TaskKeyTaxComputation].ID)
	require.NoError(t, err)
	out, ok := res.Output.(*models.TaxComputationOutput)
	require.True(t, ok)

	// 400k taxable: first 375k at 0%, remaining 25k at 9%.
	assert.Equal(t, 400_000.0, out.TaxableIncome)
	assert.InDelta(t, 2_250.0, out.TaxLiability, 0.01)
}
