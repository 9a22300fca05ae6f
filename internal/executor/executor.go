// Package executor runs a single task: it claims the task via a
// compare-and-swap status transition, dispatches to the handler registered
// for its task key, and persists the outcome. No store lock is held while
// the handler runs.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"taxflow/internal/models"
	"taxflow/internal/store"
)

// HandlerFunc executes one task attempt. Handlers receive copies of the job
// and task; persistence is the executor's responsibility. A handler reports
// domain failure through TaskResult.Success=false or by returning an error;
// both are recorded on the task, never propagated as a crash.
type HandlerFunc func(ctx context.Context, job *models.Job, task *models.Task) (*models.TaskResult, error)

// Registry maps task keys to handlers.
type Registry struct {
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func (r *Registry) Register(taskKey string, fn HandlerFunc) {
	r.handlers[taskKey] = fn
}

func (r *Registry) Lookup(taskKey string) (HandlerFunc, bool) {
	fn, ok := r.handlers[taskKey]
	return fn, ok
}

type Executor struct {
	store      store.Store
	handlers   *Registry
	maxRetries int

	// Per-job locks serialize the persist phase so parallel tasks of the
	// same job cannot clobber each other's writes to the job snapshot.
	jobLocks sync.Map
}

func New(st store.Store, handlers *Registry, maxRetries int) *Executor {
	return &Executor{store: st, handlers: handlers, maxRetries: maxRetries}
}

func (e *Executor) lockFor(jobID uuid.UUID) *sync.Mutex {
	mu, _ := e.jobLocks.LoadOrStore(jobID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Execute runs one attempt of the given task.
//
// Idempotency: a completed task is a no-op returning its prior result; a
// running task returns store.ErrConflict. The pending->running flip is a
// CAS, so two concurrent callers cannot both execute the same task.
func (e *Executor) Execute(ctx context.Context, jobID, taskID uuid.UUID) (*models.TaskResult, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task.JobID != jobID {
		return nil, fmt.Errorf("task %s does not belong to job %s: %w", taskID, jobID, models.ErrValidation)
	}
	if task.ExecutedBy == models.ExecutorHuman {
		// Human gates are resolved through review and submission, never by
		// the handler path; executing one here would burn its retries.
		return nil, fmt.Errorf("task %s is human-executed: %w", task.TaskKey, models.ErrInvalidTransition)
	}

	switch task.Status {
	case models.TaskStatusCompleted:
		// Re-executing a completed task must not change its result.
		return resultFromTask(task), nil
	case models.TaskStatusRunning:
		return nil, fmt.Errorf("task %s already running: %w", taskID, store.ErrConflict)
	case models.TaskStatusFailed:
		if task.RetryCount >= e.maxRetries {
			return nil, fmt.Errorf("task %s exhausted retries: %w", taskID, models.ErrInvalidTransition)
		}
	case models.TaskStatusBlocked, models.TaskStatusSkipped:
		return nil, fmt.Errorf("task %s is %s: %w", taskID, task.Status, models.ErrInvalidTransition)
	}

	if err := e.store.TransitionTask(ctx, taskID, task.Status, models.TaskStatusRunning); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("task %s claimed by concurrent caller: %w", taskID, err)
		}
		return nil, err
	}

	now := time.Now()
	task.Status = models.TaskStatusRunning
	task.StartedAt = &now
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task start: %w", err)
	}

	// Handler runs with no store lock held; state is re-persisted after.
	result := e.runHandler(ctx, job, task)

	// Persist under the per-job lock, against a fresh job snapshot, so
	// concurrently finishing parallel tasks do not lose each other's writes.
	mu := e.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()
	job, err = e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("reload job %s: %w", jobID, err)
	}

	if result.Success {
		if err := e.persistSuccess(ctx, job, task, result); err != nil {
			return nil, err
		}
	} else {
		if err := e.persistFailure(ctx, job, task, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// runHandler dispatches to the registered handler, converting errors and
// panics into failed results.
func (e *Executor) runHandler(ctx context.Context, job *models.Job, task *models.Task) (result *models.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"task_key": task.TaskKey, "task_id": task.ID}).
				Errorf("handler panicked: %v", r)
			result = &models.TaskResult{Success: false, Error: fmt.Sprintf("handler panic: %v", r)}
		}
	}()

	fn, ok := e.handlers.Lookup(task.TaskKey)
	if !ok {
		return &models.TaskResult{Success: false, Error: models.ErrNoHandler.Error() + ": " + task.TaskKey}
	}
	res, err := fn(ctx, job, task)
	if err != nil {
		return &models.TaskResult{Success: false, Error: err.Error()}
	}
	if res == nil {
		return &models.TaskResult{Success: false, Error: "handler returned no result"}
	}
	return res
}

func (e *Executor) persistSuccess(ctx context.Context, job *models.Job, task *models.Task, result *models.TaskResult) error {
	now := time.Now()
	task.Status = models.TaskStatusCompleted
	task.CompletedAt = &now
	task.LastError = nil
	task.ConfidenceScore = result.Confidence
	if result.Output != nil {
		data, err := json.Marshal(result.Output)
		if err != nil {
			return fmt.Errorf("encode output for %s: %w", task.TaskKey, err)
		}
		task.OutputData = data
	}
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("persist task completion: %w", err)
	}

	if err := e.applyOutput(ctx, job, task, result); err != nil {
		return err
	}

	entry := models.AuditEntry{
		Action:    "task_completed",
		Timestamp: now,
		Actor:     string(task.ExecutedBy),
		Details:   fmt.Sprintf("task %s (%s) completed", task.TaskKey, task.ID),
	}
	if err := e.store.AppendAudit(ctx, job.ID, entry); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	log.WithFields(log.Fields{"job": job.Reference, "task_key": task.TaskKey}).
		Info("task completed")
	return nil
}

func (e *Executor) persistFailure(ctx context.Context, job *models.Job, task *models.Task, result *models.TaskResult) error {
	now := time.Now()
	task.Status = models.TaskStatusFailed
	task.RetryCount++
	task.LastError = &result.Error

	if err := e.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("persist task failure: %w", err)
	}

	detail := fmt.Sprintf("task %s failed (attempt %d/%d): %s",
		task.TaskKey, task.RetryCount, e.maxRetries, result.Error)
	entry := models.AuditEntry{
		Action:    "task_failed",
		Timestamp: now,
		Actor:     string(task.ExecutedBy),
		Details:   detail,
	}
	if err := e.store.AppendAudit(ctx, job.ID, entry); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}

	// Terminal failure blocks everything downstream of this task.
	if task.RetryCount >= e.maxRetries {
		if err := e.blockDependents(ctx, job, task); err != nil {
			return err
		}
	}

	job.LastError = &result.Error
	job.RetryCount++
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist job error state: %w", err)
	}
	log.WithFields(log.Fields{"job": job.Reference, "task_key": task.TaskKey, "attempt": task.RetryCount}).
		Warn("task failed")
	return nil
}

func (e *Executor) blockDependents(ctx context.Context, job *models.Job, failed *models.Task) error {
	tasks, err := e.store.ListTasks(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list tasks for blocking: %w", err)
	}
	blocked := blockedClosure(tasks, failed.TaskKey)
	for _, t := range blocked {
		if t.Status != models.TaskStatusPending && t.Status != models.TaskStatusQueued {
			continue
		}
		t.Status = models.TaskStatusBlocked
		if err := e.store.UpdateTask(ctx, t); err != nil {
			return fmt.Errorf("block task %s: %w", t.TaskKey, err)
		}
		entry := models.AuditEntry{
			Action:    "task_blocked",
			Timestamp: time.Now(),
			Actor:     "system",
			Details:   fmt.Sprintf("task %s blocked by terminal failure of %s", t.TaskKey, failed.TaskKey),
		}
		if err := e.store.AppendAudit(ctx, job.ID, entry); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
	}
	return nil
}

// blockedClosure returns the transitive dependents of failedKey.
func blockedClosure(tasks []*models.Task, failedKey string) []*models.Task {
	dead := map[string]bool{failedKey: true}
	var out []*models.Task
	// Tasks are ordered by task_order and dependencies always point
	// backwards, so a single pass suffices.
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if dead[dep] {
				dead[t.TaskKey] = true
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// applyOutput copies handler-specific results onto the job. Only task
// handlers ever write the financial snapshot and risk fields.
func (e *Executor) applyOutput(ctx context.Context, job *models.Job, task *models.Task, result *models.TaskResult) error {
	switch out := result.Output.(type) {
	case *models.RunBookkeepingOutput:
		job.Revenue = out.Revenue
		job.Expenses = out.Expenses
	case *models.TaxComputationOutput:
		job.Revenue = out.Revenue
		job.Expenses = out.Expenses
		job.TaxableIncome = out.TaxableIncome
		job.TaxLiability = out.TaxLiability
	case *models.RiskScoringOutput:
		score := out.Score
		category := out.Category
		job.RiskScore = &score
		job.RiskCategory = &category
		job.AnomalyFlags = mergeFlags(job.AnomalyFlags, out.AnomalyFlags)
	case *models.AnomalyDetectionOutput:
		job.AnomalyFlags = mergeFlags(job.AnomalyFlags, out.Flags)
	case *models.SubmissionOutput:
		at := out.SubmittedAt
		job.SubmittedAt = &at
	default:
		return nil
	}
	if len(result.Flags) > 0 {
		job.AnomalyFlags = mergeFlags(job.AnomalyFlags, result.Flags)
	}
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("apply %s output to job: %w", task.TaskKey, err)
	}
	return nil
}

func mergeFlags(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, f := range existing {
		seen[f] = true
	}
	for _, f := range incoming {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

func resultFromTask(task *models.Task) *models.TaskResult {
	res := &models.TaskResult{Success: true, Confidence: task.ConfidenceScore}
	if len(task.OutputData) > 0 {
		if out, err := models.DecodeOutput(task.TaskKey, task.OutputData); err == nil {
			res.Output = out
		}
	}
	return res
}
