// Package router owns every Job.Status and Job.CurrentQueue transition.
// Status, queue and execution mode collapse into one explicit state machine
// here; nothing else in the codebase writes those fields.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"taxflow/internal/models"
	"taxflow/internal/scheduler"
	"taxflow/internal/store"
)

type Router struct {
	store      store.Store
	maxRetries int
}

func New(st store.Store, maxRetries int) *Router {
	return &Router{store: st, maxRetries: maxRetries}
}

// InitialQueue selects where a freshly created job starts.
func InitialQueue(mode models.ExecutionMode, priority models.Priority) string {
	if priority == models.PriorityUrgent {
		return models.QueueUrgent
	}
	switch mode {
	case models.ModeAIOrchestrated, models.ModeBackground:
		return models.QueueAIPreparation
	default:
		return models.QueueManual
	}
}

// Enqueue places the job into queueName (or a stricter queue if risk gating
// redirects it), appends exactly one queue-history entry and one audit
// entry, and sets status to queued.
func (r *Router) Enqueue(ctx context.Context, job *models.Job, queueName, reason string) error {
	if job.Status.IsTerminal() {
		return fmt.Errorf("enqueue %s: %w", job.Reference, models.ErrJobTerminal)
	}

	target, gateReason, err := r.applyRiskGate(ctx, job, queueName)
	if err != nil {
		return err
	}
	if gateReason != "" {
		reason = gateReason
	}

	now := time.Now()
	job.Status = models.JobStatusQueued
	job.CurrentQueue = target
	job.QueuedAt = &now
	job.WorkerID = nil
	job.MachineID = nil
	if err := r.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist enqueue: %w", err)
	}
	if err := r.store.AppendQueueHistory(ctx, job.ID, models.QueueTransition{
		Queue: target, Timestamp: now, Reason: reason,
	}); err != nil {
		return fmt.Errorf("append queue history: %w", err)
	}
	if err := r.audit(ctx, job, "enqueued", fmt.Sprintf("queue=%s reason=%s", target, reason)); err != nil {
		return err
	}
	log.WithFields(log.Fields{"job": job.Reference, "queue": target, "reason": reason}).
		Info("job enqueued")
	return nil
}

// applyRiskGate redirects a scored job away from queues whose risk
// threshold it exceeds. The redirect target is the human-review queue: a
// job too risky for automation always lands in front of a person.
func (r *Router) applyRiskGate(ctx context.Context, job *models.Job, queueName string) (string, string, error) {
	if job.RiskScore == nil {
		return queueName, "", nil
	}
	cfg, err := r.store.GetQueue(ctx, queueName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return queueName, "", nil
		}
		return "", "", fmt.Errorf("load queue %s: %w", queueName, err)
	}
	if cfg.RiskThreshold == nil || *job.RiskScore < *cfg.RiskThreshold {
		return queueName, "", nil
	}
	if queueName == models.QueueHumanReview {
		return queueName, "", nil
	}
	reason := fmt.Sprintf("risk gate: score %d >= threshold %d for %s, redirected to %s",
		*job.RiskScore, *cfg.RiskThreshold, queueName, models.QueueHumanReview)
	return models.QueueHumanReview, reason, nil
}

// StartProcessing flips a queued job to processing. Idempotent: a job
// already processing is left untouched.
func (r *Router) StartProcessing(ctx context.Context, job *models.Job) error {
	if job.Status == models.JobStatusProcessing {
		return nil
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("start %s: %w", job.Reference, models.ErrJobTerminal)
	}
	now := time.Now()
	job.Status = models.JobStatusProcessing
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	if err := r.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist start: %w", err)
	}
	return r.audit(ctx, job, "processing_started", "")
}

// RouteAfterProgress re-evaluates the job after a task batch. It applies
// the all_ai_tasks_completed, submission_completed and dead-end transitions
// from the state machine.
func (r *Router) RouteAfterProgress(ctx context.Context, job *models.Job, tasks []*models.Task) error {
	if job.Status.IsTerminal() {
		return nil
	}

	progress := scheduler.Assess(job, tasks, r.maxRetries)

	switch progress {
	case scheduler.ProgressDone:
		return r.complete(ctx, job, tasks)
	case scheduler.ProgressAwaitingHuman:
		return r.releaseToHumans(ctx, job, tasks)
	case scheduler.ProgressDead:
		return r.fail(ctx, job, tasks)
	default:
		return nil
	}
}

func (r *Router) releaseToHumans(ctx context.Context, job *models.Job, tasks []*models.Task) error {
	gates := scheduler.HumanGates(tasks)
	if len(gates) == 0 {
		return nil
	}
	gate := gates[0]

	switch gate.TaskKey {
	case models.TaskKeySubmission:
		// Submission is resolved by CompleteSubmission after explicit
		// approval; there is nothing to route here.
		return nil
	default:
		if job.Status == models.JobStatusAwaitingReview {
			return nil
		}
		if scheduler.AllAutomatedDone(tasks) || gateDepsOnlyHuman(tasks, gate) {
			if err := r.Enqueue(ctx, job, models.QueueHumanReview,
				fmt.Sprintf("automated tasks complete, awaiting %s", gate.TaskKey)); err != nil {
				return err
			}
			job.Status = models.JobStatusAwaitingReview
			if err := r.store.UpdateJob(ctx, job); err != nil {
				return fmt.Errorf("persist awaiting_review: %w", err)
			}
			return r.audit(ctx, job, "awaiting_review", "released to human review queue")
		}
	}
	return nil
}

// gateDepsOnlyHuman covers manual-mode jobs where some automated tasks are
// still pending but the next actionable gate is human anyway.
func gateDepsOnlyHuman(tasks []*models.Task, gate *models.Task) bool {
	byKey := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		byKey[t.TaskKey] = t
	}
	for _, dep := range gate.DependsOn {
		d, ok := byKey[dep]
		if !ok || (d.Status != models.TaskStatusCompleted && d.Status != models.TaskStatusSkipped) {
			return false
		}
	}
	return true
}

// Approve records the human sign-off: awaiting_review -> approved. The
// submission task becomes eligible for its human executor.
func (r *Router) Approve(ctx context.Context, job *models.Job, approver string) error {
	if job.Status != models.JobStatusAwaitingReview {
		return fmt.Errorf("approve %s from %s: %w", job.Reference, job.Status, models.ErrInvalidTransition)
	}
	job.Status = models.JobStatusApproved
	job.AssignedTo = &approver
	if err := r.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist approval: %w", err)
	}
	return r.auditAs(ctx, job, "approved", approver, "human review approved")
}

func (r *Router) complete(ctx context.Context, job *models.Job, tasks []*models.Task) error {
	now := time.Now()
	// Submission result present => the job passed through submitted.
	if job.SubmittedAt == nil {
		for _, t := range tasks {
			if t.TaskKey == models.TaskKeySubmission && t.Status == models.TaskStatusCompleted {
				job.SubmittedAt = t.CompletedAt
			}
		}
	}
	if job.SubmittedAt != nil && job.Status != models.JobStatusSubmitted {
		job.Status = models.JobStatusSubmitted
		if err := r.store.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("persist submitted: %w", err)
		}
		if err := r.audit(ctx, job, "submitted", "filing submitted"); err != nil {
			return err
		}
	}
	job.Status = models.JobStatusCompleted
	job.CompletedAt = &now
	job.WorkerID = nil
	job.MachineID = nil
	if err := r.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}
	log.WithField("job", job.Reference).Info("job completed")
	return r.audit(ctx, job, "completed", "all tasks terminal")
}

func (r *Router) fail(ctx context.Context, job *models.Job, tasks []*models.Task) error {
	detail := "no eligible tasks remain and no human gate is reachable"
	if blocker := scheduler.FirstBlocker(tasks, r.maxRetries); blocker != nil {
		detail = fmt.Sprintf("task %s failed terminally after %d attempts: %s",
			blocker.TaskKey, blocker.RetryCount, deref(blocker.LastError))
		job.LastError = blocker.LastError
	}
	job.Status = models.JobStatusFailed
	job.WorkerID = nil
	job.MachineID = nil
	if err := r.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist failure: %w", err)
	}
	log.WithFields(log.Fields{"job": job.Reference, "detail": detail}).Warn("job failed")
	return r.audit(ctx, job, "failed", detail)
}

// Cancel is legal from any non-terminal state. In-flight tasks are not
// interrupted; the orchestrator observes the cancelled status at its next
// checkpoint and stops dispatching.
func (r *Router) Cancel(ctx context.Context, job *models.Job, actor, reason string) error {
	if job.Status.IsTerminal() {
		return fmt.Errorf("cancel %s: %w", job.Reference, models.ErrJobTerminal)
	}
	job.Status = models.JobStatusCancelled
	job.WorkerID = nil
	job.MachineID = nil
	if err := r.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist cancellation: %w", err)
	}
	return r.auditAs(ctx, job, "cancelled", actor, reason)
}

// AdmitDecision is the outcome of a capacity check against one queue.
type AdmitDecision struct {
	Admit  bool
	Reason string
}

// Admit re-validates queue capacity at dispatch time against a fresh
// config snapshot. A rejection is not an error: the job simply stays
// queued for a later tick.
func (r *Router) Admit(ctx context.Context, queueName string) (AdmitDecision, error) {
	cfg, err := r.store.GetQueue(ctx, queueName)
	if err != nil {
		return AdmitDecision{}, fmt.Errorf("load queue %s: %w", queueName, err)
	}
	if !cfg.IsActive {
		return AdmitDecision{Reason: "queue inactive"}, nil
	}
	if cfg.IsPaused {
		return AdmitDecision{Reason: "queue paused"}, nil
	}

	if cfg.MaxParallelJobs > 0 {
		counts, err := r.store.CountJobsByStatus(ctx, queueName)
		if err != nil {
			return AdmitDecision{}, fmt.Errorf("count jobs in %s: %w", queueName, err)
		}
		if counts[models.JobStatusProcessing] >= cfg.MaxParallelJobs {
			return AdmitDecision{Reason: fmt.Sprintf("max_parallel_jobs %d reached", cfg.MaxParallelJobs)}, nil
		}
	}

	now := time.Now()
	if cfg.RateLimitPerMinute != nil {
		n, err := r.store.CountDispatchesSince(ctx, queueName, now.Add(-time.Minute))
		if err != nil {
			return AdmitDecision{}, fmt.Errorf("count dispatches for %s: %w", queueName, err)
		}
		if n >= *cfg.RateLimitPerMinute {
			return AdmitDecision{Reason: fmt.Sprintf("rate limit %d/min reached", *cfg.RateLimitPerMinute)}, nil
		}
	}

	if cfg.CooldownSeconds > 0 {
		last, err := r.store.LastDispatchAt(ctx, queueName)
		if err != nil {
			return AdmitDecision{}, fmt.Errorf("last dispatch for %s: %w", queueName, err)
		}
		if last != nil && now.Sub(*last) < time.Duration(cfg.CooldownSeconds)*time.Second {
			return AdmitDecision{Reason: fmt.Sprintf("cooldown %ds not elapsed", cfg.CooldownSeconds)}, nil
		}
	}

	return AdmitDecision{Admit: true}, nil
}

func (r *Router) audit(ctx context.Context, job *models.Job, action, details string) error {
	return r.auditAs(ctx, job, action, "system", details)
}

func (r *Router) auditAs(ctx context.Context, job *models.Job, action, actor, details string) error {
	entry := models.AuditEntry{Action: action, Timestamp: time.Now(), Actor: actor, Details: details}
	if err := r.store.AppendAudit(ctx, job.ID, entry); err != nil {
		return fmt.Errorf("append audit %s: %w", action, err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
