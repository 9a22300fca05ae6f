package models

/*
Status and enum constants for jobs, tasks, queues and workers.
Centralizing these avoids magic strings and improves maintainability.
*/

// JobStatus is the single explicit lifecycle state of a job. Transitions are
// owned by the queue router; nothing else writes Job.Status directly.
type JobStatus string

const (
	JobStatusPending        JobStatus = "pending"
	JobStatusQueued         JobStatus = "queued"
	JobStatusProcessing     JobStatus = "processing"
	JobStatusAwaitingReview JobStatus = "awaiting_review"
	JobStatusApproved       JobStatus = "approved"
	JobStatusSubmitted      JobStatus = "submitted"
	JobStatusCompleted      JobStatus = "completed"
	JobStatusFailed         JobStatus = "failed"
	JobStatusCancelled      JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is legal from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a single task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
	TaskStatusBlocked   TaskStatus = "blocked"
)

// TaskType controls per-job dispatch concurrency: sequential tasks run one
// at a time in task_order; parallel tasks fan out once their own
// dependencies are met.
type TaskType string

const (
	TaskTypeSequential TaskType = "sequential"
	TaskTypeParallel   TaskType = "parallel"
)

// ExecutorClass tags who is expected to execute a task.
type ExecutorClass string

const (
	ExecutorSystem ExecutorClass = "system"
	ExecutorAI     ExecutorClass = "ai"
	ExecutorHuman  ExecutorClass = "human"
)

// WorkerStatus is the liveness/occupancy state of a queue worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusPaused  WorkerStatus = "paused"
	WorkerStatusOffline WorkerStatus = "offline"
	WorkerStatusError   WorkerStatus = "error"
)

// FilingPeriodType distinguishes statutory quarterly filings from internal
// monthly bookkeeping cycles.
type FilingPeriodType string

const (
	FilingPeriodQuarterly       FilingPeriodType = "quarterly"
	FilingPeriodMonthlyInternal FilingPeriodType = "monthly_internal"
)

// Priority orders jobs within a queue ahead of FIFO age.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityStandard Priority = "standard"
	PriorityHigh     Priority = "high"
	PriorityPremium  Priority = "premium"
	PriorityUrgent   Priority = "urgent"
)

// Rank converts a priority to a sortable weight (higher runs first).
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityPremium:
		return 3
	case PriorityHigh:
		return 2
	case PriorityStandard:
		return 1
	}
	return 0
}

// ExecutionMode selects how a job progresses: fully manual, AI-orchestrated
// with human gates, or background batch processing.
type ExecutionMode string

const (
	ModeManual         ExecutionMode = "manual"
	ModeAIOrchestrated ExecutionMode = "ai_orchestrated"
	ModeBackground     ExecutionMode = "background"
)

// TriggerType records what initiated the job.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerAuto      TriggerType = "auto"
	TriggerScheduled TriggerType = "scheduled"
	TriggerBatch     TriggerType = "batch"
)

// RiskCategory buckets the 0-100 risk score.
type RiskCategory string

const (
	RiskLow      RiskCategory = "low"
	RiskMedium   RiskCategory = "medium"
	RiskHigh     RiskCategory = "high"
	RiskCritical RiskCategory = "critical"
)

// CategorizeRisk maps a 0-100 score onto its category.
func CategorizeRisk(score int) RiskCategory {
	switch {
	case score >= 85:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 30:
		return RiskMedium
	}
	return RiskLow
}

// Well-known queue names. Queues beyond these can be created by admins, but
// the router falls back to this fixed set for initial routing and escalation.
const (
	QueueAIPreparation = "ai_preparation"
	QueueManual        = "manual"
	QueueHumanReview   = "human_review"
	QueueUrgent        = "urgent"
)
