package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job represents one tax-filing obligation for one customer and period,
// moving through the orchestrator until it reaches a terminal status.
type Job struct {
	ID               uuid.UUID        `db:"id" json:"id"`
	Reference        string           `db:"reference" json:"reference"` // TF-<year>-<6 alphanumeric>
	CustomerID       string           `db:"customer_id" json:"customer_id"`
	TaxYear          int              `db:"tax_year" json:"tax_year"`
	PeriodStart      time.Time        `db:"period_start" json:"period_start"`
	PeriodEnd        time.Time        `db:"period_end" json:"period_end"`
	FilingPeriodType FilingPeriodType `db:"filing_period_type" json:"filing_period_type"`

	Status       JobStatus `db:"status" json:"status"`
	CurrentQueue string    `db:"current_queue" json:"current_queue"`

	Priority      Priority      `db:"priority" json:"priority"`
	ExecutionMode ExecutionMode `db:"execution_mode" json:"execution_mode"`
	TriggerType   TriggerType   `db:"trigger_type" json:"trigger_type"`

	RiskScore    *int          `db:"risk_score" json:"risk_score,omitempty"` // 0-100, nil until scored
	RiskCategory *RiskCategory `db:"risk_category" json:"risk_category,omitempty"`
	AnomalyFlags []string      `db:"anomaly_flags" json:"anomaly_flags,omitempty"`

	// At most one of these identifies the current claim; WorkerID is set
	// only while the job is processing.
	AssignedTo *string `db:"assigned_to" json:"assigned_to,omitempty"`
	WorkerID   *string `db:"worker_id" json:"worker_id,omitempty"`
	MachineID  *string `db:"machine_id" json:"machine_id,omitempty"`

	// Financial snapshot, written only by task handlers (never by the API).
	Revenue       float64 `db:"revenue" json:"revenue"`
	Expenses      float64 `db:"expenses" json:"expenses"`
	TaxableIncome float64 `db:"taxable_income" json:"taxable_income"`
	TaxLiability  float64 `db:"tax_liability" json:"tax_liability"`

	RetryCount int     `db:"retry_count" json:"retry_count"`
	LastError  *string `db:"last_error" json:"last_error,omitempty"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	QueuedAt    *time.Time `db:"queued_at" json:"queued_at,omitempty"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	SubmittedAt *time.Time `db:"submitted_at" json:"submitted_at,omitempty"`
}

// QueueTransition is one append-only entry in a job's queue history.
type QueueTransition struct {
	Queue     string    `db:"queue" json:"queue"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	Reason    string    `db:"reason" json:"reason"`
}

// AuditEntry is one append-only entry in a job's audit log. Every status,
// queue and task mutation produces exactly one entry.
type AuditEntry struct {
	Action    string    `db:"action" json:"action"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	Actor     string    `db:"actor" json:"actor"`
	Details   string    `db:"details" json:"details,omitempty"`
}

// JobNote is an operator note attached to a job. Append-only.
type JobNote struct {
	Author    string    `db:"author" json:"author"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	Body      string    `db:"body" json:"body"`
}

// Task is one unit of work belonging to exactly one job. Tasks are created
// together with their job from the registry catalog and never added later.
type Task struct {
	ID        uuid.UUID `db:"id" json:"id"`
	JobID     uuid.UUID `db:"job_id" json:"job_id"`
	TaskKey   string    `db:"task_key" json:"task_key"`
	TaskName  string    `db:"task_name" json:"task_name"`
	TaskOrder int       `db:"task_order" json:"task_order"`
	TaskType  TaskType  `db:"task_type" json:"task_type"`

	// Catalog keys within the same job that must be completed first.
	DependsOn []string `db:"depends_on" json:"depends_on,omitempty"`

	Status     TaskStatus    `db:"status" json:"status"`
	ExecutedBy ExecutorClass `db:"executed_by" json:"executed_by"`

	AssignedTo *string `db:"assigned_to" json:"assigned_to,omitempty"`
	WorkerID   *string `db:"worker_id" json:"worker_id,omitempty"`

	OutputData      json.RawMessage `db:"output_data" json:"output_data,omitempty"`
	ConfidenceScore *float64        `db:"confidence_score" json:"confidence_score,omitempty"` // 0-1, AI tasks only

	RequiresVerification bool       `db:"requires_verification" json:"requires_verification"`
	VerifiedBy           *string    `db:"verified_by" json:"verified_by,omitempty"`
	VerifiedAt           *time.Time `db:"verified_at" json:"verified_at,omitempty"`
	VerificationNotes    *string    `db:"verification_notes" json:"verification_notes,omitempty"`

	RetryCount int     `db:"retry_count" json:"retry_count"`
	LastError  *string `db:"last_error" json:"last_error,omitempty"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// QueueConfig is the operating policy for one named queue. It is read-mostly
// and consumed as a by-value snapshot at each routing decision; Version is
// bumped on every admin update so stale snapshots are identifiable.
type QueueConfig struct {
	QueueName   string `db:"queue_name" json:"queue_name"`
	DisplayName string `db:"display_name" json:"display_name"`
	Description string `db:"description" json:"description,omitempty"`

	IsActive bool `db:"is_active" json:"is_active"`
	IsPaused bool `db:"is_paused" json:"is_paused"`

	MaxWorkers         int  `db:"max_workers" json:"max_workers"`
	MaxBatchSize       int  `db:"max_batch_size" json:"max_batch_size"`
	MaxParallelJobs    int  `db:"max_parallel_jobs" json:"max_parallel_jobs"`
	RateLimitPerMinute *int `db:"rate_limit_per_minute" json:"rate_limit_per_minute,omitempty"` // nil = unlimited
	CooldownSeconds    int  `db:"cooldown_seconds" json:"cooldown_seconds"`

	PriorityWeight int  `db:"priority_weight" json:"priority_weight"`
	RiskThreshold  *int `db:"risk_threshold" json:"risk_threshold,omitempty"` // nil = no risk gate

	AutoAssign       bool `db:"auto_assign" json:"auto_assign"`
	AutoStart        bool `db:"auto_start" json:"auto_start"`
	RequiresApproval bool `db:"requires_approval" json:"requires_approval"`

	Version   int       `db:"version" json:"version"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// QueueWorker is a claimable execution slot bound to a queue. Workers
// register themselves and heartbeat periodically; the pool coordinator marks
// them offline after a missed-heartbeat deadline and reclaims their job.
type QueueWorker struct {
	WorkerID  string  `db:"worker_id" json:"worker_id"`
	MachineID *string `db:"machine_id" json:"machine_id,omitempty"`
	QueueName string  `db:"queue_name" json:"queue_name"`

	Status       WorkerStatus `db:"status" json:"status"`
	CurrentJobID *uuid.UUID   `db:"current_job_id" json:"current_job_id,omitempty"`

	JobsProcessed       int     `db:"jobs_processed" json:"jobs_processed"`
	JobsFailed          int     `db:"jobs_failed" json:"jobs_failed"`
	AvgProcessingTimeMS float64 `db:"avg_processing_time_ms" json:"avg_processing_time_ms"`

	LastHeartbeat time.Time `db:"last_heartbeat" json:"last_heartbeat"`
	RegisteredAt  time.Time `db:"registered_at" json:"registered_at"`
}

// TaskResult is what a handler returns from one execution attempt. Output is
// one of the typed output structs from outputs.go, keyed by the task's
// task_key; it is marshalled into Task.OutputData on success.
type TaskResult struct {
	Success    bool
	Output     any
	Error      string
	Confidence *float64
	Flags      []string
}

// DispatchRecord is one entry in the dispatch log: a job handed out from a
// queue, or a background trigger enqueued. Doubles as the rate-limit and
// cooldown accounting source for the queue router.
type DispatchRecord struct {
	Queue        string     `db:"queue" json:"queue"`
	JobID        *uuid.UUID `db:"job_id" json:"job_id,omitempty"`
	Kind         string     `db:"kind" json:"kind"`
	DispatchedAt time.Time  `db:"dispatched_at" json:"dispatched_at"`
}
