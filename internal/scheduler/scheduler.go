// Package scheduler computes which of a job's tasks may run next. It is
// pure: it reads job and task state and returns decisions, never mutating
// the store itself.
package scheduler

import (
	"sort"

	"taxflow/internal/models"
)

// Progress summarizes whether a job can still move forward on its own.
type Progress int

const (
	// ProgressRunnable: at least one task is dispatchable right now.
	ProgressRunnable Progress = iota
	// ProgressAwaitingHuman: nothing auto-dispatchable remains, but a
	// human-gated task is pending and resolvable.
	ProgressAwaitingHuman
	// ProgressDone: every task is completed (or skipped).
	ProgressDone
	// ProgressDead: no task is eligible, no human gate remains, and the job
	// is not done. A dependency has failed terminally.
	ProgressDead
)

// NextEligible returns the tasks that may be dispatched for job right now.
//
// A task is eligible when it is pending (or blocked with its blocker since
// cleared) and every key in depends_on is completed or skipped. Sequential
// tasks run one at a time per job: only the lowest task_order sequential task is
// returned, and none while another sequential task is running. Parallel
// tasks fan out freely once their own dependencies are met.
//
// A failed task below maxRetries is re-dispatchable: retry happens on the
// next trigger (RunJob pass, scheduled tick or manual re-execute), never on
// an automatic backoff loop.
//
// Human-executed tasks are never auto-dispatched in ai_orchestrated or
// background mode; they are routed to a human queue by the router instead.
func NextEligible(job *models.Job, tasks []*models.Task, maxRetries int) []*models.Task {
	satisfied := satisfiedKeys(tasks)

	sequentialRunning := false
	for _, t := range tasks {
		if t.Status == models.TaskStatusRunning && t.TaskType == models.TaskTypeSequential {
			sequentialRunning = true
		}
	}

	var parallel []*models.Task
	var sequential []*models.Task
	for _, t := range tasks {
		if !dispatchable(t, job.ExecutionMode, maxRetries) {
			continue
		}
		if !depsMet(t, satisfied) {
			continue
		}
		if t.TaskType == models.TaskTypeParallel {
			parallel = append(parallel, t)
		} else {
			sequential = append(sequential, t)
		}
	}

	eligible := parallel
	if len(sequential) > 0 && !sequentialRunning {
		sort.Slice(sequential, func(a, b int) bool {
			return sequential[a].TaskOrder < sequential[b].TaskOrder
		})
		eligible = append(eligible, sequential[0])
	}
	sort.Slice(eligible, func(a, b int) bool {
		return eligible[a].TaskOrder < eligible[b].TaskOrder
	})
	return eligible
}

// HumanGates returns pending human-executed tasks whose dependencies are
// met. These are what the router releases to the human-review queue.
func HumanGates(tasks []*models.Task) []*models.Task {
	satisfied := satisfiedKeys(tasks)
	var out []*models.Task
	for _, t := range tasks {
		if t.ExecutedBy != models.ExecutorHuman {
			continue
		}
		if t.Status != models.TaskStatusPending && t.Status != models.TaskStatusQueued {
			continue
		}
		if depsMet(t, satisfied) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].TaskOrder < out[b].TaskOrder })
	return out
}

// BlockDependents marks every task depending (transitively) on a terminally
// failed task as blocked. Returns the tasks whose status changed; the caller
// persists them.
func BlockDependents(tasks []*models.Task, maxRetries int) []*models.Task {
	failed := make(map[string]bool)
	for _, t := range tasks {
		if t.Status == models.TaskStatusFailed && t.RetryCount >= maxRetries {
			failed[t.TaskKey] = true
		}
	}
	if len(failed) == 0 {
		return nil
	}

	var changed []*models.Task
	// Propagate in task_order; deps always precede dependents.
	ordered := make([]*models.Task, len(tasks))
	copy(ordered, tasks)
	sort.Slice(ordered, func(a, b int) bool { return ordered[a].TaskOrder < ordered[b].TaskOrder })

	blocked := make(map[string]bool)
	for _, t := range ordered {
		if failed[t.TaskKey] {
			continue
		}
		for _, dep := range t.DependsOn {
			if failed[dep] || blocked[dep] {
				blocked[t.TaskKey] = true
				if t.Status == models.TaskStatusPending || t.Status == models.TaskStatusQueued {
					t.Status = models.TaskStatusBlocked
					changed = append(changed, t)
				}
				break
			}
		}
	}
	return changed
}

// Assess reports whether the job can still make progress. maxRetries is the
// terminal-failure threshold for tasks.
func Assess(job *models.Job, tasks []*models.Task, maxRetries int) Progress {
	done := true
	for _, t := range tasks {
		if t.Status != models.TaskStatusCompleted && t.Status != models.TaskStatusSkipped {
			done = false
			break
		}
	}
	if done {
		return ProgressDone
	}

	if len(NextEligible(job, tasks, maxRetries)) > 0 {
		return ProgressRunnable
	}
	for _, t := range tasks {
		if t.Status == models.TaskStatusRunning {
			return ProgressRunnable
		}
	}
	if len(HumanGates(tasks)) > 0 {
		return ProgressAwaitingHuman
	}
	return ProgressDead
}

// AllAutomatedDone reports whether every non-human task is completed. This
// is the trigger for routing the job to human review.
func AllAutomatedDone(tasks []*models.Task) bool {
	for _, t := range tasks {
		if t.ExecutedBy == models.ExecutorHuman {
			continue
		}
		if t.Status != models.TaskStatusCompleted && t.Status != models.TaskStatusSkipped {
			return false
		}
	}
	return true
}

// FirstBlocker returns the terminally failed task that stops the job, if
// any. Used for the audit trail when a job is declared dead.
func FirstBlocker(tasks []*models.Task, maxRetries int) *models.Task {
	ordered := make([]*models.Task, len(tasks))
	copy(ordered, tasks)
	sort.Slice(ordered, func(a, b int) bool { return ordered[a].TaskOrder < ordered[b].TaskOrder })
	for _, t := range ordered {
		if t.Status == models.TaskStatusFailed && t.RetryCount >= maxRetries {
			return t
		}
	}
	return nil
}

// satisfiedKeys returns the task keys that count as done for dependency
// purposes. A skipped task satisfies its dependents: skipping is an operator
// decision that downstream work proceeds without that input.
func satisfiedKeys(tasks []*models.Task) map[string]bool {
	done := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.Status == models.TaskStatusCompleted || t.Status == models.TaskStatusSkipped {
			done[t.TaskKey] = true
		}
	}
	return done
}

func depsMet(t *models.Task, satisfied map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if !satisfied[dep] {
			return false
		}
	}
	return true
}

func dispatchable(t *models.Task, mode models.ExecutionMode, maxRetries int) bool {
	switch t.Status {
	case models.TaskStatusPending, models.TaskStatusQueued, models.TaskStatusBlocked:
		// blocked tasks re-qualify if their blocker has since completed;
		// depsMet decides.
	case models.TaskStatusFailed:
		if t.RetryCount >= maxRetries {
			return false
		}
	default:
		return false
	}
	if t.ExecutedBy == models.ExecutorHuman &&
		(mode == models.ModeAIOrchestrated || mode == models.ModeBackground) {
		return false
	}
	return true
}
