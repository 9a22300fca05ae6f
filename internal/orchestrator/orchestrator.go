// Package orchestrator is the service facade: every external operation on
// filing jobs enters here, and it coordinates the store, scheduler,
// executor, router and worker pool to carry jobs to a terminal state.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"taxflow/internal/executor"
	"taxflow/internal/models"
	"taxflow/internal/pool"
	"taxflow/internal/registry"
	"taxflow/internal/router"
	"taxflow/internal/scheduler"
	"taxflow/internal/store"
)

type Orchestrator struct {
	store            store.Store
	executor         *executor.Executor
	router           *router.Router
	pool             *pool.Coordinator
	jobClient        store.JobClient // nil in inline mode: triggers run in-process
	maxRetries       int
	batchConcurrency int
}

type Options struct {
	MaxTaskRetries   int
	BatchConcurrency int
}

func New(st store.Store, exec *executor.Executor, rt *router.Router, pl *pool.Coordinator, jc store.JobClient, opts Options) *Orchestrator {
	if opts.MaxTaskRetries <= 0 {
		opts.MaxTaskRetries = 3
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = 4
	}
	return &Orchestrator{
		store:            st,
		executor:         exec,
		router:           rt,
		pool:             pl,
		jobClient:        jc,
		maxRetries:       opts.MaxTaskRetries,
		batchConcurrency: opts.BatchConcurrency,
	}
}

// --- Job creation ---

type CreateJobInput struct {
	CustomerID       string                  `json:"customer_id"`
	TaxYear          int                     `json:"tax_year"`
	PeriodStart      time.Time               `json:"period_start"`
	PeriodEnd        time.Time               `json:"period_end"`
	FilingPeriodType models.FilingPeriodType `json:"filing_period_type"`
	Priority         models.Priority         `json:"priority"`
	ExecutionMode    models.ExecutionMode    `json:"execution_mode"`
	TriggerType      models.TriggerType      `json:"trigger_type"`
}

func (in *CreateJobInput) validate() error {
	if in.CustomerID == "" {
		return fmt.Errorf("customer_id is required: %w", models.ErrValidation)
	}
	if in.TaxYear < 2023 || in.TaxYear > 2100 {
		return fmt.Errorf("tax_year %d out of range: %w", in.TaxYear, models.ErrValidation)
	}
	if in.PeriodStart.IsZero() || in.PeriodEnd.IsZero() || !in.PeriodEnd.After(in.PeriodStart) {
		return fmt.Errorf("filing period must end after it starts: %w", models.ErrValidation)
	}
	switch in.FilingPeriodType {
	case models.FilingPeriodQuarterly, models.FilingPeriodMonthlyInternal:
	case "":
		in.FilingPeriodType = models.FilingPeriodQuarterly
	default:
		return fmt.Errorf("unknown filing_period_type %q: %w", in.FilingPeriodType, models.ErrValidation)
	}
	switch in.Priority {
	case models.PriorityLow, models.PriorityStandard, models.PriorityHigh, models.PriorityPremium, models.PriorityUrgent:
	case "":
		in.Priority = models.PriorityStandard
	default:
		return fmt.Errorf("unknown priority %q: %w", in.Priority, models.ErrValidation)
	}
	switch in.ExecutionMode {
	case models.ModeManual, models.ModeAIOrchestrated, models.ModeBackground:
	case "":
		in.ExecutionMode = models.ModeAIOrchestrated
	default:
		return fmt.Errorf("unknown execution_mode %q: %w", in.ExecutionMode, models.ErrValidation)
	}
	switch in.TriggerType {
	case models.TriggerManual, models.TriggerAuto, models.TriggerScheduled, models.TriggerBatch:
	case "":
		in.TriggerType = models.TriggerManual
	default:
		return fmt.Errorf("unknown trigger_type %q: %w", in.TriggerType, models.ErrValidation)
	}
	return nil
}

// CreateJob creates a filing job with its full task set and routes it into
// its initial queue.
func (o *Orchestrator) CreateJob(ctx context.Context, in CreateJobInput) (*models.Job, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	job := &models.Job{
		ID:               uuid.New(),
		CustomerID:       in.CustomerID,
		TaxYear:          in.TaxYear,
		PeriodStart:      in.PeriodStart,
		PeriodEnd:        in.PeriodEnd,
		FilingPeriodType: in.FilingPeriodType,
		Status:           models.JobStatusPending,
		Priority:         in.Priority,
		ExecutionMode:    in.ExecutionMode,
		TriggerType:      in.TriggerType,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	// Reference collisions are vanishingly rare but cheap to retry.
	for attempt := 0; ; attempt++ {
		job.Reference = newReference(in.TaxYear)
		if _, err := o.store.GetJobByReference(ctx, job.Reference); errors.Is(err, store.ErrNotFound) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("check reference: %w", err)
		}
		if attempt >= 5 {
			return nil, fmt.Errorf("could not allocate a unique reference")
		}
	}

	tasks := registry.Materialize(job.ID, now)
	if err := o.store.CreateJob(ctx, job, tasks); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := o.store.AppendAudit(ctx, job.ID, models.AuditEntry{
		Action:    "created",
		Timestamp: now,
		Actor:     "system",
		Details:   fmt.Sprintf("job created with %d tasks (%s, %s)", len(tasks), in.ExecutionMode, in.Priority),
	}); err != nil {
		return nil, fmt.Errorf("append audit: %w", err)
	}

	initial := router.InitialQueue(in.ExecutionMode, in.Priority)
	if err := o.router.Enqueue(ctx, job, initial, "initial routing"); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"job": job.Reference, "customer": in.CustomerID, "queue": initial}).
		Info("filing job created")
	return job, nil
}

// newReference builds a TF-<year>-<6 alphanumeric> reference. The alphabet
// drops easily confused characters.
func newReference(year int) string {
	const alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// uuid-derived suffix just in case.
		s := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
		return fmt.Sprintf("TF-%d-%s", year, s[:6])
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return fmt.Sprintf("TF-%d-%s", year, string(buf))
}

// --- Running jobs ---

// RunJob drives one job forward until nothing more can run automatically.
// Eligible parallel tasks execute concurrently; a batch containing any
// failure ends the pass so the retry happens on the next trigger rather
// than in a hot loop. Cancellation is observed at every checkpoint.
func (o *Orchestrator) RunJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("run %s: %w", job.Reference, models.ErrJobTerminal)
	}
	if err := o.router.StartProcessing(ctx, job); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err = o.store.GetJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("reload job %s: %w", jobID, err)
		}
		if job.Status.IsTerminal() {
			return nil
		}
		taskList, err := o.store.ListTasks(ctx, jobID)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}

		eligible := scheduler.NextEligible(job, taskList, o.maxRetries)
		// Human tasks are never run by the executor; they complete through
		// the review and submission operations.
		automated := eligible[:0:0]
		for _, t := range eligible {
			if t.ExecutedBy != models.ExecutorHuman {
				automated = append(automated, t)
			}
		}
		if len(automated) == 0 {
			return o.routeAfter(ctx, jobID)
		}

		batchFailed := o.executeBatch(ctx, jobID, automated)

		if err := o.routeAfter(ctx, jobID); err != nil {
			return err
		}
		if batchFailed {
			return nil
		}
		job, err = o.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != models.JobStatusProcessing {
			return nil
		}
	}
}

// executeBatch runs the eligible tasks, parallel ones concurrently. Reports
// whether any attempt failed. Execution errors on individual tasks are
// recorded by the executor; a conflict (another runner claimed the task) is
// not a failure.
func (o *Orchestrator) executeBatch(ctx context.Context, jobID uuid.UUID, eligible []*models.Task) bool {
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := false

	run := func(t *models.Task) {
		res, err := o.executor.Execute(ctx, jobID, t.ID)
		if err != nil {
			if !errors.Is(err, store.ErrConflict) {
				log.WithError(err).WithField("task_key", t.TaskKey).Warn("task execution error")
				mu.Lock()
				failed = true
				mu.Unlock()
			}
			return
		}
		if !res.Success {
			mu.Lock()
			failed = true
			mu.Unlock()
		}
	}

	for _, t := range eligible {
		if t.TaskType == models.TaskTypeParallel {
			wg.Add(1)
			go func(t *models.Task) {
				defer wg.Done()
				run(t)
			}(t)
		} else {
			run(t)
		}
	}
	wg.Wait()
	return failed
}

func (o *Orchestrator) routeAfter(ctx context.Context, jobID uuid.UUID) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	taskList, err := o.store.ListTasks(ctx, jobID)
	if err != nil {
		return err
	}
	return o.router.RouteAfterProgress(ctx, job, taskList)
}

// ExecuteTask runs exactly one task attempt and re-routes the job.
func (o *Orchestrator) ExecuteTask(ctx context.Context, jobID, taskID uuid.UUID) (*models.TaskResult, error) {
	res, err := o.executor.Execute(ctx, jobID, taskID)
	if err != nil {
		return nil, err
	}
	if err := o.routeAfter(ctx, jobID); err != nil {
		return nil, err
	}
	return res, nil
}

// RunBatch runs several jobs with bounded concurrency. One job's failure
// never stops the others; per-job errors come back keyed by job ID.
func (o *Orchestrator) RunBatch(ctx context.Context, jobIDs []uuid.UUID) map[uuid.UUID]error {
	sem := make(chan struct{}, o.batchConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make(map[uuid.UUID]error, len(jobIDs))

	for _, id := range jobIDs {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			err := o.RunJob(ctx, id)
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return results
}

// --- Queue processing ---

// ProcessQueue pulls up to limit eligible jobs off a queue and dispatches a
// run trigger for each. Every dispatch re-checks admission against a fresh
// queue snapshot; the first rejection ends the pass since capacity, rate
// and cooldown are queue-level. Returns the number dispatched.
func (o *Orchestrator) ProcessQueue(ctx context.Context, queueName string, limit int) (int, error) {
	cfg, err := o.store.GetQueue(ctx, queueName)
	if err != nil {
		return 0, fmt.Errorf("load queue %s: %w", queueName, err)
	}
	if !cfg.IsActive || cfg.IsPaused {
		log.WithFields(log.Fields{"queue": queueName, "active": cfg.IsActive, "paused": cfg.IsPaused}).
			Debug("queue not processable")
		return 0, nil
	}
	if limit <= 0 || (cfg.MaxBatchSize > 0 && limit > cfg.MaxBatchSize) {
		limit = cfg.MaxBatchSize
	}
	if limit <= 0 {
		limit = 10
	}

	jobs, err := o.store.ListJobs(ctx, store.ListJobsFilter{
		Queue:    queueName,
		Statuses: []models.JobStatus{models.JobStatusQueued},
		Limit:    limit,
	})
	if err != nil {
		return 0, fmt.Errorf("list queued jobs: %w", err)
	}

	dispatched := 0
	for _, job := range jobs {
		decision, err := o.router.Admit(ctx, queueName)
		if err != nil {
			return dispatched, err
		}
		if !decision.Admit {
			log.WithFields(log.Fields{"queue": queueName, "reason": decision.Reason}).
				Debug("queue admission rejected, ending pass")
			break
		}

		if cfg.AutoAssign && o.pool != nil {
			// Best effort: assignment needs an idle worker and may lose a
			// claim race. The job still runs either way.
			if _, _, err := o.pool.AssignNext(ctx, queueName); err != nil {
				log.WithError(err).WithField("queue", queueName).Warn("auto-assign failed")
			}
		}

		if o.jobClient != nil {
			if err := o.jobClient.EnqueueRunJob(ctx, job.ID, queueName); err != nil {
				return dispatched, fmt.Errorf("dispatch job %s: %w", job.Reference, err)
			}
		} else {
			rec := models.DispatchRecord{
				Queue:        queueName,
				JobID:        &job.ID,
				Kind:         "job:run",
				DispatchedAt: time.Now(),
			}
			if err := o.store.RecordDispatch(ctx, rec); err != nil {
				return dispatched, fmt.Errorf("record dispatch: %w", err)
			}
			if err := o.RunJob(ctx, job.ID); err != nil {
				log.WithError(err).WithField("job", job.Reference).Warn("inline run failed")
			}
		}
		dispatched++
	}
	return dispatched, nil
}

// ProcessAllQueues runs one processing pass over every active queue,
// ordered by priority weight. Used by the scheduled tick.
func (o *Orchestrator) ProcessAllQueues(ctx context.Context, limitPerQueue int) (int, error) {
	queues, err := o.store.ListQueues(ctx)
	if err != nil {
		return 0, fmt.Errorf("list queues: %w", err)
	}
	total := 0
	for _, q := range queues {
		if !q.IsActive || q.IsPaused {
			continue
		}
		n, err := o.ProcessQueue(ctx, q.QueueName, limitPerQueue)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// --- Manual controls ---

// AssignJobToQueue moves a job to another queue by operator action. Risk
// gating still applies: a high-risk job aimed at an automated queue is
// redirected to human review.
func (o *Orchestrator) AssignJobToQueue(ctx context.Context, jobID uuid.UUID, queueName, actor string) (*models.Job, error) {
	if _, err := o.store.GetQueue(ctx, queueName); err != nil {
		return nil, fmt.Errorf("target queue %s: %w", queueName, err)
	}
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	reason := fmt.Sprintf("manual assignment by %s", actor)
	if err := o.router.Enqueue(ctx, job, queueName, reason); err != nil {
		return nil, err
	}
	return job, nil
}

type UpdateJobInput struct {
	Priority      *models.Priority      `json:"priority,omitempty"`
	ExecutionMode *models.ExecutionMode `json:"execution_mode,omitempty"`
	AssignedTo    *string               `json:"assigned_to,omitempty"`
}

// UpdateJob applies operator-editable fields. Status, queue and the
// financial snapshot are never writable here.
func (o *Orchestrator) UpdateJob(ctx context.Context, jobID uuid.UUID, in UpdateJobInput, actor string) (*models.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("update %s: %w", job.Reference, models.ErrJobTerminal)
	}
	var changes []string
	if in.Priority != nil {
		job.Priority = *in.Priority
		changes = append(changes, fmt.Sprintf("priority=%s", *in.Priority))
	}
	if in.ExecutionMode != nil {
		job.ExecutionMode = *in.ExecutionMode
		changes = append(changes, fmt.Sprintf("execution_mode=%s", *in.ExecutionMode))
	}
	if in.AssignedTo != nil {
		job.AssignedTo = in.AssignedTo
		changes = append(changes, fmt.Sprintf("assigned_to=%s", *in.AssignedTo))
	}
	if len(changes) == 0 {
		return job, nil
	}
	if err := o.store.UpdateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job update: %w", err)
	}
	if err := o.store.AppendAudit(ctx, jobID, models.AuditEntry{
		Action:    "job_updated",
		Timestamp: time.Now(),
		Actor:     actor,
		Details:   strings.Join(changes, " "),
	}); err != nil {
		return nil, err
	}
	return job, nil
}

type UpdateTaskInput struct {
	AssignedTo *string `json:"assigned_to,omitempty"`
	Skip       bool    `json:"skip,omitempty"`
	SkipReason string  `json:"skip_reason,omitempty"`
}

// UpdateTask applies operator edits to a task. Skipping is allowed only for
// pending or blocked tasks and records who skipped and why.
func (o *Orchestrator) UpdateTask(ctx context.Context, taskID uuid.UUID, in UpdateTaskInput, actor string) (*models.Task, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var changes []string
	if in.AssignedTo != nil {
		task.AssignedTo = in.AssignedTo
		changes = append(changes, fmt.Sprintf("assigned_to=%s", *in.AssignedTo))
	}
	if in.Skip {
		if task.Status != models.TaskStatusPending && task.Status != models.TaskStatusBlocked {
			return nil, fmt.Errorf("cannot skip %s task %s: %w", task.Status, task.TaskKey, models.ErrInvalidTransition)
		}
		task.Status = models.TaskStatusSkipped
		changes = append(changes, "status=skipped")
		if in.SkipReason != "" {
			changes = append(changes, "reason="+in.SkipReason)
		}
	}
	if len(changes) == 0 {
		return task, nil
	}
	if err := o.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task update: %w", err)
	}
	if err := o.store.AppendAudit(ctx, task.JobID, models.AuditEntry{
		Action:    "task_updated",
		Timestamp: time.Now(),
		Actor:     actor,
		Details:   fmt.Sprintf("task %s: %s", task.TaskKey, strings.Join(changes, " ")),
	}); err != nil {
		return nil, err
	}
	return task, nil
}

type UpdateQueueInput struct {
	DisplayName        *string `json:"display_name,omitempty"`
	Description        *string `json:"description,omitempty"`
	IsActive           *bool   `json:"is_active,omitempty"`
	IsPaused           *bool   `json:"is_paused,omitempty"`
	MaxWorkers         *int    `json:"max_workers,omitempty"`
	MaxBatchSize       *int    `json:"max_batch_size,omitempty"`
	MaxParallelJobs    *int    `json:"max_parallel_jobs,omitempty"`
	RateLimitPerMinute *int    `json:"rate_limit_per_minute,omitempty"`
	CooldownSeconds    *int    `json:"cooldown_seconds,omitempty"`
	PriorityWeight     *int    `json:"priority_weight,omitempty"`
	RiskThreshold      *int    `json:"risk_threshold,omitempty"`
	AutoAssign         *bool   `json:"auto_assign,omitempty"`
	AutoStart          *bool   `json:"auto_start,omitempty"`
	RequiresApproval   *bool   `json:"requires_approval,omitempty"`
}

// UpdateQueue applies an admin configuration change. The store bumps the
// queue version; in-flight routing decisions keep the snapshot they read.
func (o *Orchestrator) UpdateQueue(ctx context.Context, queueName string, in UpdateQueueInput) (*models.QueueConfig, error) {
	cfg, err := o.store.GetQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	if in.DisplayName != nil {
		cfg.DisplayName = *in.DisplayName
	}
	if in.Description != nil {
		cfg.Description = *in.Description
	}
	if in.IsActive != nil {
		cfg.IsActive = *in.IsActive
	}
	if in.IsPaused != nil {
		cfg.IsPaused = *in.IsPaused
	}
	if in.MaxWorkers != nil {
		cfg.MaxWorkers = *in.MaxWorkers
	}
	if in.MaxBatchSize != nil {
		cfg.MaxBatchSize = *in.MaxBatchSize
	}
	if in.MaxParallelJobs != nil {
		cfg.MaxParallelJobs = *in.MaxParallelJobs
	}
	if in.RateLimitPerMinute != nil {
		cfg.RateLimitPerMinute = in.RateLimitPerMinute
	}
	if in.CooldownSeconds != nil {
		cfg.CooldownSeconds = *in.CooldownSeconds
	}
	if in.PriorityWeight != nil {
		cfg.PriorityWeight = *in.PriorityWeight
	}
	if in.RiskThreshold != nil {
		cfg.RiskThreshold = in.RiskThreshold
	}
	if in.AutoAssign != nil {
		cfg.AutoAssign = *in.AutoAssign
	}
	if in.AutoStart != nil {
		cfg.AutoStart = *in.AutoStart
	}
	if in.RequiresApproval != nil {
		cfg.RequiresApproval = *in.RequiresApproval
	}
	if err := o.store.UpdateQueue(ctx, cfg); err != nil {
		return nil, fmt.Errorf("persist queue update: %w", err)
	}
	// The store owns the version bump; reload so the caller sees it.
	updated, err := o.store.GetQueue(ctx, queueName)
	if err != nil {
		return nil, fmt.Errorf("reload queue after update: %w", err)
	}
	log.WithFields(log.Fields{"queue": queueName, "version": updated.Version}).Info("queue updated")
	return updated, nil
}

// CancelJob cancels from any non-terminal state. In-flight task attempts
// finish; no new ones are dispatched.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID uuid.UUID, actor, reason string) (*models.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	if err := o.router.Cancel(ctx, job, actor, reason); err != nil {
		return nil, err
	}
	return job, nil
}

// --- Human gates ---

// CompleteReview records the human review decision. Approval moves the job
// to approved and clears the way for submission; rejection marks the review
// task failed so it can be retaken after the underlying issue is fixed.
func (o *Orchestrator) CompleteReview(ctx context.Context, jobID uuid.UUID, reviewer string, approved bool, notes string) (*models.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	task, err := o.findTask(ctx, jobID, models.TaskKeyHumanReview)
	if err != nil {
		return nil, err
	}
	if task.Status == models.TaskStatusCompleted {
		return nil, fmt.Errorf("review already completed: %w", models.ErrInvalidTransition)
	}
	if job.Status != models.JobStatusAwaitingReview {
		return nil, fmt.Errorf("job %s is %s, not awaiting review: %w", job.Reference, job.Status, models.ErrInvalidTransition)
	}

	now := time.Now()
	out := models.HumanReviewOutput{Approved: approved, ReviewedBy: reviewer, Notes: notes}

	if approved {
		if err := o.completeHumanTask(ctx, task, reviewer, out, notes); err != nil {
			return nil, err
		}
		if err := o.router.Approve(ctx, job, reviewer); err != nil {
			return nil, err
		}
		return job, nil
	}

	task.Status = models.TaskStatusFailed
	task.RetryCount++
	reasonMsg := "review rejected"
	if notes != "" {
		reasonMsg = "review rejected: " + notes
	}
	task.LastError = &reasonMsg
	if err := o.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist review rejection: %w", err)
	}
	job.LastError = &reasonMsg
	if err := o.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := o.store.AppendAudit(ctx, jobID, models.AuditEntry{
		Action:    "review_rejected",
		Timestamp: now,
		Actor:     reviewer,
		Details:   reasonMsg,
	}); err != nil {
		return nil, err
	}
	return job, nil
}

// CompleteSubmission records the filing submission done by a human against
// the tax authority portal. Requires prior approval.
func (o *Orchestrator) CompleteSubmission(ctx context.Context, jobID uuid.UUID, submitter, submissionRef string) (*models.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusApproved {
		return nil, fmt.Errorf("job %s is %s, not approved: %w", job.Reference, job.Status, models.ErrInvalidTransition)
	}
	task, err := o.findTask(ctx, jobID, models.TaskKeySubmission)
	if err != nil {
		return nil, err
	}
	if task.Status == models.TaskStatusCompleted {
		return nil, fmt.Errorf("submission already recorded: %w", models.ErrInvalidTransition)
	}

	now := time.Now()
	out := models.SubmissionOutput{SubmissionRef: submissionRef, SubmittedAt: now, SubmittedBy: submitter}
	if err := o.completeHumanTask(ctx, task, submitter, out, ""); err != nil {
		return nil, err
	}

	job.SubmittedAt = &now
	if err := o.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := o.routeAfter(ctx, jobID); err != nil {
		return nil, err
	}
	return o.store.GetJob(ctx, jobID)
}

func (o *Orchestrator) completeHumanTask(ctx context.Context, task *models.Task, actor string, output any, notes string) error {
	res := &models.TaskResult{Success: true, Output: output}
	now := time.Now()
	task.Status = models.TaskStatusCompleted
	task.CompletedAt = &now
	task.AssignedTo = &actor
	task.LastError = nil
	data, err := json.Marshal(res.Output)
	if err != nil {
		return fmt.Errorf("encode %s output: %w", task.TaskKey, err)
	}
	task.OutputData = data
	if task.RequiresVerification {
		task.VerifiedBy = &actor
		task.VerifiedAt = &now
		if notes != "" {
			task.VerificationNotes = &notes
		}
	}
	if err := o.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("persist %s completion: %w", task.TaskKey, err)
	}
	return o.store.AppendAudit(ctx, task.JobID, models.AuditEntry{
		Action:    "task_completed",
		Timestamp: now,
		Actor:     actor,
		Details:   fmt.Sprintf("task %s completed by %s", task.TaskKey, actor),
	})
}

// VerifyTask records human verification of an AI task output without
// changing the task's status.
func (o *Orchestrator) VerifyTask(ctx context.Context, taskID uuid.UUID, verifier, notes string) (*models.Task, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.RequiresVerification {
		return nil, fmt.Errorf("task %s does not require verification: %w", task.TaskKey, models.ErrValidation)
	}
	if task.Status != models.TaskStatusCompleted {
		return nil, fmt.Errorf("task %s is %s, only completed tasks are verifiable: %w", task.TaskKey, task.Status, models.ErrInvalidTransition)
	}
	now := time.Now()
	task.VerifiedBy = &verifier
	task.VerifiedAt = &now
	if notes != "" {
		task.VerificationNotes = &notes
	}
	if err := o.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist verification: %w", err)
	}
	if err := o.store.AppendAudit(ctx, task.JobID, models.AuditEntry{
		Action:    "task_verified",
		Timestamp: now,
		Actor:     verifier,
		Details:   fmt.Sprintf("task %s output verified", task.TaskKey),
	}); err != nil {
		return nil, err
	}
	return task, nil
}

// AddNote appends an operator note to the job.
func (o *Orchestrator) AddNote(ctx context.Context, jobID uuid.UUID, author, body string) error {
	if body == "" {
		return fmt.Errorf("note body is required: %w", models.ErrValidation)
	}
	if _, err := o.store.GetJob(ctx, jobID); err != nil {
		return err
	}
	return o.store.AppendNote(ctx, jobID, models.JobNote{
		Author:    author,
		Timestamp: time.Now(),
		Body:      body,
	})
}

func (o *Orchestrator) findTask(ctx context.Context, jobID uuid.UUID, taskKey string) (*models.Task, error) {
	taskList, err := o.store.ListTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, t := range taskList {
		if t.TaskKey == taskKey {
			return t, nil
		}
	}
	return nil, fmt.Errorf("task %s not found on job %s: %w", taskKey, jobID, store.ErrNotFound)
}

// --- Read side ---

// JobDetail is the full read model for one job.
type JobDetail struct {
	Job          *models.Job              `json:"job"`
	Tasks        []*models.Task           `json:"tasks"`
	QueueHistory []models.QueueTransition `json:"queue_history"`
	AuditLog     []models.AuditEntry      `json:"audit_log"`
	Notes        []models.JobNote         `json:"notes,omitempty"`
}

func (o *Orchestrator) GetJobDetail(ctx context.Context, jobID uuid.UUID) (*JobDetail, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	taskList, err := o.store.ListTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	history, err := o.store.GetQueueHistory(ctx, jobID)
	if err != nil {
		return nil, err
	}
	audit, err := o.store.GetAuditLog(ctx, jobID)
	if err != nil {
		return nil, err
	}
	notes, err := o.store.GetNotes(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobDetail{Job: job, Tasks: taskList, QueueHistory: history, AuditLog: audit, Notes: notes}, nil
}

// QueueStats is the operational snapshot of one queue.
type QueueStats struct {
	Queue           *models.QueueConfig      `json:"queue"`
	JobsByStatus    map[models.JobStatus]int `json:"jobs_by_status"`
	WorkersIdle     int                      `json:"workers_idle"`
	WorkersBusy     int                      `json:"workers_busy"`
	WorkersOffline  int                      `json:"workers_offline"`
	DispatchesLastM int                      `json:"dispatches_last_minute"`
	LastDispatchAt  *time.Time               `json:"last_dispatch_at,omitempty"`
}

// GetQueueStats aggregates job, worker and dispatch figures for one queue.
func (o *Orchestrator) GetQueueStats(ctx context.Context, queueName string) (*QueueStats, error) {
	cfg, err := o.store.GetQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	counts, err := o.store.CountJobsByStatus(ctx, queueName)
	if err != nil {
		return nil, err
	}
	workers, err := o.store.ListWorkers(ctx, queueName, nil)
	if err != nil {
		return nil, err
	}
	stats := &QueueStats{Queue: cfg, JobsByStatus: counts}
	for _, w := range workers {
		switch w.Status {
		case models.WorkerStatusIdle:
			stats.WorkersIdle++
		case models.WorkerStatusBusy:
			stats.WorkersBusy++
		case models.WorkerStatusOffline:
			stats.WorkersOffline++
		}
	}
	stats.DispatchesLastM, err = o.store.CountDispatchesSince(ctx, queueName, time.Now().Add(-time.Minute))
	if err != nil {
		return nil, err
	}
	stats.LastDispatchAt, err = o.store.LastDispatchAt(ctx, queueName)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// GetAllQueueStats returns stats for every configured queue.
func (o *Orchestrator) GetAllQueueStats(ctx context.Context) ([]*QueueStats, error) {
	queues, err := o.store.ListQueues(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*QueueStats, 0, len(queues))
	for _, q := range queues {
		st, err := o.GetQueueStats(ctx, q.QueueName)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
