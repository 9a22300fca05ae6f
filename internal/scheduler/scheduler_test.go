package scheduler

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"taxflow/internal/models"
)

const testMaxRetries = 3

func task(key string, order int, typ models.TaskType, by models.ExecutorClass, status models.TaskStatus, deps ...string) *models.Task {
	return &models.Task{
		ID:         uuid.New(),
		TaskKey:    key,
		TaskOrder:  order,
		TaskType:   typ,
		ExecutedBy: by,
		Status:     status,
		DependsOn:  deps,
	}
}

func aiJob() *models.Job {
	return &models.Job{ID: uuid.New(), ExecutionMode: models.ModeAIOrchestrated, Status: models.JobStatusProcessing}
}

func keys(tasks []*models.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.TaskKey
	}
	return out
}

func TestNextEligibleOnlyFirstSequential(t *testing.T) {
	tasks := []*models.Task{
		task("a", 1, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusPending),
		task("b", 2, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusPending),
	}
	eligible := NextEligible(aiJob(), tasks, testMaxRetries)
	assert.Equal(t, []string{"a"}, keys(eligible))
}

func TestNextEligibleHonorsDependencies(t *testing.T) {
	tasks := []*models.Task{
		task("a", 1, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusPending),
		task("b", 2, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusPending, "a"),
	}
	eligible := NextEligible(aiJob(), tasks, testMaxRetries)
	require.Equal(t, []string{"a"}, keys(eligible))

	tasks[0].Status = models.TaskStatusCompleted
	eligible = NextEligible(aiJob(), tasks, testMaxRetries)
	assert.Equal(t, []string{"b"}, keys(eligible))
}

func TestNextEligibleParallelFanOut(t *testing.T) {
	tasks := []*models.Task{
		task("root", 1, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusCompleted),
		task("p1", 2, models.TaskTypeParallel, models.ExecutorAI, models.TaskStatusPending, "root"),
		task("p2", 3, models.TaskTypeParallel, models.ExecutorAI, models.TaskStatusPending, "root"),
		task("s1", 4, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusPending, "root"),
		task("s2", 5, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusPending, "root"),
	}
	eligible := NextEligible(aiJob(), tasks, testMaxRetries)
	// Both parallels plus only the first ready sequential.
	assert.ElementsMatch(t, []string{"p1", "p2", "s1"}, keys(eligible))
}

func TestNextEligibleNoSequentialWhileOneRuns(t *testing.T) {
	tasks := []*models.Task{
		task("s1", 1, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusRunning),
		task("s2", 2, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusPending),
		task("p1", 3, models.TaskTypeParallel, models.ExecutorAI, models.TaskStatusPending),
	}
	eligible := NextEligible(aiJob(), tasks, testMaxRetries)
	// Parallel tasks still fan out; the next sequential waits.
	assert.Equal(t, []string{"p1"}, keys(eligible))
}

func TestNextEligibleExcludesHumanInAIMode(t *testing.T) {
	tasks := []*models.Task{
		task("auto", 1, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusCompleted),
		task("review", 2, models.TaskTypeSequential, models.ExecutorHuman, models.TaskStatusPending, "auto"),
	}
	assert.Empty(t, NextEligible(aiJob(), tasks, testMaxRetries))

	manual := &models.Job{ID: uuid.New(), ExecutionMode: models.ModeManual}
	assert.Equal(t, []string{"review"}, keys(NextEligible(manual, tasks, testMaxRetries)))
}

func TestNextEligibleSkippedDependencySatisfies(t *testing.T) {
	tasks := []*models.Task{
		task("a", 1, models.TaskTypeSequential, models.ExecutorAI, models.TaskStatusSkipped),
		task("b", 2, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusPending, "a"),
		task("review", 3, models.TaskTypeSequential, models.ExecutorHuman, models.TaskStatusPending, "a"),
	}
	// An operator skip counts as done for dependents, both automated and human.
	assert.Equal(t, []string{"b"}, keys(NextEligible(aiJob(), tasks, testMaxRetries)))
	assert.Equal(t, []string{"review"}, keys(HumanGates(tasks)))
}

func TestNextEligibleRetriesFailedBelowLimit(t *testing.T) {
	failed := task("a", 1, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusFailed)
	failed.RetryCount = 1
	eligible := NextEligible(aiJob(), []*models.Task{failed}, testMaxRetries)
	require.Equal(t, []string{"a"}, keys(eligible))

	failed.RetryCount = testMaxRetries
	assert.Empty(t, NextEligible(aiJob(), []*models.Task{failed}, testMaxRetries))
}

func TestBlockDependentsTransitive(t *testing.T) {
	failed := task("a", 1, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusFailed)
	failed.RetryCount = testMaxRetries
	tasks := []*models.Task{
		failed,
		task("b", 2, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusPending, "a"),
		task("c", 3, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusPending, "b"),
		task("d", 4, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusPending),
	}
	changed := BlockDependents(tasks, testMaxRetries)
	assert.ElementsMatch(t, []string{"b", "c"}, keys(changed))
	for _, ch := range changed {
		assert.Equal(t, models.TaskStatusBlocked, ch.Status)
	}
	// Independent task untouched.
	assert.Equal(t, models.TaskStatusPending, tasks[3].Status)
}

func TestBlockDependentsNoTerminalFailure(t *testing.T) {
	failed := task("a", 1, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusFailed)
	failed.RetryCount = 1 // still retryable
	tasks := []*models.Task{
		failed,
		task("b", 2, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusPending, "a"),
	}
	assert.Empty(t, BlockDependents(tasks, testMaxRetries))
}

func TestAssess(t *testing.T) {
	t.Run("done", func(t *testing.T) {
		tasks := []*models.Task{
			task("a", 1, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusCompleted),
			task("b", 2, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusSkipped),
		}
		assert.Equal(t, ProgressDone, Assess(aiJob(), tasks, testMaxRetries))
	})

	t.Run("runnable", func(t *testing.T) {
		tasks := []*models.Task{
			task("a", 1, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusPending),
		}
		assert.Equal(t, ProgressRunnable, Assess(aiJob(), tasks, testMaxRetries))
	})

	t.Run("running counts as runnable", func(t *testing.T) {
		tasks := []*models.Task{
			task("a", 1, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusRunning),
			task("b", 2, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusPending, "a"),
		}
		assert.Equal(t, ProgressRunnable, Assess(aiJob(), tasks, testMaxRetries))
	})

	t.Run("awaiting human", func(t *testing.T) {
		tasks := []*models.Task{
			task("a", 1, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusCompleted),
			task("review", 2, models.TaskTypeSequential, models.ExecutorHuman, models.TaskStatusPending, "a"),
		}
		assert.Equal(t, ProgressAwaitingHuman, Assess(aiJob(), tasks, testMaxRetries))
	})

	t.Run("dead after terminal failure", func(t *testing.T) {
		failed := task("a", 1, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusFailed)
		failed.RetryCount = testMaxRetries
		blocked := task("review", 2, models.TaskTypeSequential, models.ExecutorHuman, models.TaskStatusBlocked, "a")
		assert.Equal(t, ProgressDead, Assess(aiJob(), []*models.Task{failed, blocked}, testMaxRetries))
	})
}

func TestAllAutomatedDone(t *testing.T) {
	tasks := []*models.Task{
		task("a", 1, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusCompleted),
		task("review", 2, models.TaskTypeSequential, models.ExecutorHuman, models.TaskStatusPending, "a"),
	}
	assert.True(t, AllAutomatedDone(tasks))

	tasks = append(tasks, task("b", 3, models.TaskTypeSequential, models.ExecutorAI, models.TaskStatusPending))
	assert.False(t, AllAutomatedDone(tasks))
}

func TestFirstBlocker(t *testing.T) {
	ok := task("a", 1, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusCompleted)
	failedLate := task("c", 3, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusFailed)
	failedLate.RetryCount = testMaxRetries
	failedEarly := task("b", 2, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusFailed)
	failedEarly.RetryCount = testMaxRetries

	blocker := FirstBlocker([]*models.Task{ok, failedLate, failedEarly}, testMaxRetries)
	require.NotNil(t, blocker)
	assert.Equal(t, "b", blocker.TaskKey)

	assert.Nil(t, FirstBlocker([]*models.Task{ok}, testMaxRetries))
}

func TestHumanGates(t *testing.T) {
	tasks := []*models.Task{
		task("a", 1, models.TaskTypeSequential, models.ExecutorSystem, models.TaskStatusCompleted),
		task("review", 2, models.TaskTypeSequential, models.ExecutorHuman, models.TaskStatusPending, "a"),
		task("submit", 3, models.TaskTypeSequential, models.ExecutorHuman, models.TaskStatusPending, "review"),
	}
	gates := HumanGates(tasks)
	// submit's dependency is not completed yet, only review is actionable.
	assert.Equal(t, []string{"review"}, keys(gates))
}
