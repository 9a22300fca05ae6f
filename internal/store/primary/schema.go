package primary

// Schema for the orchestrator tables. Applied idempotently at startup.
// queue_history, audit_log, job_notes and dispatch_log are append-only:
// nothing in this package issues UPDATE or DELETE against them.
const schema = `
CREATE TABLE IF NOT EXISTS filing_jobs (
    id                  UUID PRIMARY KEY,
    reference           TEXT NOT NULL UNIQUE,
    customer_id         TEXT NOT NULL,
    tax_year            INT NOT NULL,
    period_start        TIMESTAMPTZ NOT NULL,
    period_end          TIMESTAMPTZ NOT NULL,
    filing_period_type  TEXT NOT NULL,
    status              TEXT NOT NULL DEFAULT 'pending',
    current_queue       TEXT NOT NULL DEFAULT '',
    priority            TEXT NOT NULL DEFAULT 'standard',
    execution_mode      TEXT NOT NULL DEFAULT 'manual',
    trigger_type        TEXT NOT NULL DEFAULT 'manual',
    risk_score          INT,
    risk_category       TEXT,
    anomaly_flags       JSONB NOT NULL DEFAULT '[]',
    assigned_to         TEXT,
    worker_id           TEXT,
    machine_id          TEXT,
    revenue             DOUBLE PRECISION NOT NULL DEFAULT 0,
    expenses            DOUBLE PRECISION NOT NULL DEFAULT 0,
    taxable_income      DOUBLE PRECISION NOT NULL DEFAULT 0,
    tax_liability       DOUBLE PRECISION NOT NULL DEFAULT 0,
    retry_count         INT NOT NULL DEFAULT 0,
    last_error          TEXT,
    created_at          TIMESTAMPTZ NOT NULL,
    updated_at          TIMESTAMPTZ NOT NULL,
    queued_at           TIMESTAMPTZ,
    started_at          TIMESTAMPTZ,
    completed_at        TIMESTAMPTZ,
    submitted_at        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_filing_jobs_queue_status
    ON filing_jobs (current_queue, status);

CREATE TABLE IF NOT EXISTS filing_tasks (
    id                    UUID PRIMARY KEY,
    job_id                UUID NOT NULL REFERENCES filing_jobs(id) ON DELETE CASCADE,
    task_key              TEXT NOT NULL,
    task_name             TEXT NOT NULL,
    task_order            INT NOT NULL,
    task_type             TEXT NOT NULL,
    depends_on            JSONB NOT NULL DEFAULT '[]',
    status                TEXT NOT NULL DEFAULT 'pending',
    executed_by           TEXT NOT NULL,
    assigned_to           TEXT,
    worker_id             TEXT,
    output_data           JSONB,
    confidence_score      DOUBLE PRECISION,
    requires_verification BOOLEAN NOT NULL DEFAULT FALSE,
    verified_by           TEXT,
    verified_at           TIMESTAMPTZ,
    verification_notes    TEXT,
    retry_count           INT NOT NULL DEFAULT 0,
    last_error            TEXT,
    created_at            TIMESTAMPTZ NOT NULL,
    updated_at            TIMESTAMPTZ NOT NULL,
    started_at            TIMESTAMPTZ,
    completed_at          TIMESTAMPTZ,
    UNIQUE (job_id, task_key)
);

CREATE INDEX IF NOT EXISTS idx_filing_tasks_job ON filing_tasks (job_id, task_order);

CREATE TABLE IF NOT EXISTS queue_history (
    id        BIGSERIAL PRIMARY KEY,
    job_id    UUID NOT NULL REFERENCES filing_jobs(id) ON DELETE CASCADE,
    queue     TEXT NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL,
    reason    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
    id        BIGSERIAL PRIMARY KEY,
    job_id    UUID NOT NULL REFERENCES filing_jobs(id) ON DELETE CASCADE,
    action    TEXT NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL,
    actor     TEXT NOT NULL,
    details   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS job_notes (
    id        BIGSERIAL PRIMARY KEY,
    job_id    UUID NOT NULL REFERENCES filing_jobs(id) ON DELETE CASCADE,
    author    TEXT NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL,
    body      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_configs (
    queue_name            TEXT PRIMARY KEY,
    display_name          TEXT NOT NULL DEFAULT '',
    description           TEXT NOT NULL DEFAULT '',
    is_active             BOOLEAN NOT NULL DEFAULT TRUE,
    is_paused             BOOLEAN NOT NULL DEFAULT FALSE,
    max_workers           INT NOT NULL DEFAULT 1,
    max_batch_size        INT NOT NULL DEFAULT 1,
    max_parallel_jobs     INT NOT NULL DEFAULT 1,
    rate_limit_per_minute INT,
    cooldown_seconds      INT NOT NULL DEFAULT 0,
    priority_weight       INT NOT NULL DEFAULT 0,
    risk_threshold        INT,
    auto_assign           BOOLEAN NOT NULL DEFAULT FALSE,
    auto_start            BOOLEAN NOT NULL DEFAULT FALSE,
    requires_approval     BOOLEAN NOT NULL DEFAULT FALSE,
    version               INT NOT NULL DEFAULT 1,
    updated_at            TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_workers (
    worker_id              TEXT PRIMARY KEY,
    machine_id             TEXT,
    queue_name             TEXT NOT NULL,
    status                 TEXT NOT NULL DEFAULT 'idle',
    current_job_id         UUID,
    jobs_processed         INT NOT NULL DEFAULT 0,
    jobs_failed            INT NOT NULL DEFAULT 0,
    avg_processing_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
    last_heartbeat         TIMESTAMPTZ NOT NULL,
    registered_at          TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS dispatch_log (
    id            BIGSERIAL PRIMARY KEY,
    queue         TEXT NOT NULL,
    job_id        UUID,
    kind          TEXT NOT NULL,
    dispatched_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dispatch_log_queue_at
    ON dispatch_log (queue, dispatched_at);
`
