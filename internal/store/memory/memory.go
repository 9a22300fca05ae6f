// Package memory implements store.Store entirely in process. It backs unit
// tests and DSN-less local runs. All methods copy on the way in and out so
// callers never share mutable state with the store, mirroring the isolation
// a database row gives.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"taxflow/internal/models"
	"taxflow/internal/store"
)

var _ store.Store = (*Store)(nil)

type jobRecord struct {
	job          models.Job
	queueHistory []models.QueueTransition
	auditLog     []models.AuditEntry
	notes        []models.JobNote
}

type Store struct {
	mu sync.RWMutex

	jobs    map[uuid.UUID]*jobRecord
	tasks   map[uuid.UUID]*models.Task
	queues  map[string]*models.QueueConfig
	workers map[string]*models.QueueWorker

	dispatches []models.DispatchRecord
}

func NewStore() *Store {
	return &Store{
		jobs:    make(map[uuid.UUID]*jobRecord),
		tasks:   make(map[uuid.UUID]*models.Task),
		queues:  make(map[string]*models.QueueConfig),
		workers: make(map[string]*models.QueueWorker),
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }
func (s *Store) Close()                         {}

// --- helpers ---

func copyJob(j *models.Job) *models.Job {
	out := *j
	out.AnomalyFlags = append([]string(nil), j.AnomalyFlags...)
	return &out
}

func copyTask(t *models.Task) *models.Task {
	out := *t
	out.DependsOn = append([]string(nil), t.DependsOn...)
	out.OutputData = append([]byte(nil), t.OutputData...)
	return &out
}

func copyQueue(q *models.QueueConfig) *models.QueueConfig {
	out := *q
	return &out
}

func copyWorker(w *models.QueueWorker) *models.QueueWorker {
	out := *w
	if w.CurrentJobID != nil {
		id := *w.CurrentJobID
		out.CurrentJobID = &id
	}
	return &out
}

// --- JobStore ---

func (s *Store) CreateJob(ctx context.Context, job *models.Job, tasks []*models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return store.ErrDuplicate
	}
	for _, rec := range s.jobs {
		if rec.job.Reference == job.Reference {
			return store.ErrDuplicate
		}
	}
	s.jobs[job.ID] = &jobRecord{job: *copyJob(job)}
	for _, t := range tasks {
		s.tasks[t.ID] = copyTask(t)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyJob(&rec.job), nil
}

func (s *Store) GetJobByReference(ctx context.Context, reference string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.jobs {
		if rec.job.Reference == reference {
			return copyJob(&rec.job), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListJobs(ctx context.Context, filter store.ListJobsFilter) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Job
	for _, rec := range s.jobs {
		j := rec.job
		if filter.Queue != "" && j.CurrentQueue != filter.Queue {
			continue
		}
		if filter.CustomerID != "" && j.CustomerID != filter.CustomerID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, j.Status) {
			continue
		}
		out = append(out, copyJob(&j))
	}
	// Priority first, then FIFO by queue entry, then creation time for
	// jobs that were never queued.
	sort.Slice(out, func(a, b int) bool {
		ra, rb := out[a].Priority.Rank(), out[b].Priority.Rank()
		if ra != rb {
			return ra > rb
		}
		ta := orderTime(out[a])
		tb := orderTime(out[b])
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return strings.Compare(out[a].ID.String(), out[b].ID.String()) < 0
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func orderTime(j *models.Job) time.Time {
	if j.QueuedAt != nil {
		return *j.QueuedAt
	}
	return j.CreatedAt
}

func containsStatus(list []models.JobStatus, st models.JobStatus) bool {
	for _, s := range list {
		if s == st {
			return true
		}
	}
	return false
}

func (s *Store) UpdateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[job.ID]
	if !ok {
		return store.ErrNotFound
	}
	updated := copyJob(job)
	updated.UpdatedAt = time.Now()
	rec.job = *updated
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.jobs, id)
	for tid, t := range s.tasks {
		if t.JobID == id {
			delete(s.tasks, tid)
		}
	}
	return nil
}

func (s *Store) AppendQueueHistory(ctx context.Context, jobID uuid.UUID, tr models.QueueTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	rec.queueHistory = append(rec.queueHistory, tr)
	return nil
}

func (s *Store) GetQueueHistory(ctx context.Context, jobID uuid.UUID) ([]models.QueueTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]models.QueueTransition(nil), rec.queueHistory...), nil
}

func (s *Store) AppendAudit(ctx context.Context, jobID uuid.UUID, entry models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	rec.auditLog = append(rec.auditLog, entry)
	return nil
}

func (s *Store) GetAuditLog(ctx context.Context, jobID uuid.UUID) ([]models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]models.AuditEntry(nil), rec.auditLog...), nil
}

func (s *Store) AppendNote(ctx context.Context, jobID uuid.UUID, note models.JobNote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	rec.notes = append(rec.notes, note)
	return nil
}

func (s *Store) GetNotes(ctx context.Context, jobID uuid.UUID) ([]models.JobNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]models.JobNote(nil), rec.notes...), nil
}

func (s *Store) CountJobsByStatus(ctx context.Context, queue string) (map[models.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.JobStatus]int)
	for _, rec := range s.jobs {
		if queue != "" && rec.job.CurrentQueue != queue {
			continue
		}
		counts[rec.job.Status]++
	}
	return counts, nil
}

// --- TaskStore ---

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyTask(t), nil
}

func (s *Store) ListTasks(ctx context.Context, jobID uuid.UUID) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Task
	for _, t := range s.tasks {
		if t.JobID == jobID {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].TaskOrder < out[b].TaskOrder })
	return out, nil
}

func (s *Store) UpdateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; !ok {
		return store.ErrNotFound
	}
	updated := copyTask(task)
	updated.UpdatedAt = time.Now()
	s.tasks[task.ID] = updated
	return nil
}

func (s *Store) TransitionTask(ctx context.Context, id uuid.UUID, from, to models.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status != from {
		return store.ErrConflict
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	return nil
}

// --- QueueStore ---

func (s *Store) GetQueue(ctx context.Context, name string) (*models.QueueConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.queues[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyQueue(q), nil
}

func (s *Store) ListQueues(ctx context.Context) ([]*models.QueueConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.QueueConfig, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, copyQueue(q))
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].PriorityWeight != out[b].PriorityWeight {
			return out[a].PriorityWeight > out[b].PriorityWeight
		}
		return out[a].QueueName < out[b].QueueName
	})
	return out, nil
}

func (s *Store) UpdateQueue(ctx context.Context, cfg *models.QueueConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[cfg.QueueName]; !ok {
		return store.ErrNotFound
	}
	updated := copyQueue(cfg)
	updated.Version++
	updated.UpdatedAt = time.Now()
	s.queues[cfg.QueueName] = updated
	return nil
}

func (s *Store) EnsureQueue(ctx context.Context, cfg *models.QueueConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[cfg.QueueName]; ok {
		return nil
	}
	created := copyQueue(cfg)
	created.Version = 1
	created.UpdatedAt = time.Now()
	s.queues[cfg.QueueName] = created
	return nil
}

func (s *Store) RecordDispatch(ctx context.Context, rec models.DispatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dispatches = append(s.dispatches, rec)
	return nil
}

func (s *Store) CountDispatchesSince(ctx context.Context, queue string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, d := range s.dispatches {
		if d.Queue == queue && !d.DispatchedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) LastDispatchAt(ctx context.Context, queue string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *time.Time
	for i := range s.dispatches {
		d := s.dispatches[i]
		if d.Queue != queue {
			continue
		}
		if last == nil || d.DispatchedAt.After(*last) {
			at := d.DispatchedAt
			last = &at
		}
	}
	return last, nil
}

// --- WorkerStore ---

func (s *Store) RegisterWorker(ctx context.Context, w *models.QueueWorker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-registration of a known worker refreshes its binding and brings it
	// back to idle.
	s.workers[w.WorkerID] = copyWorker(w)
	return nil
}

func (s *Store) GetWorker(ctx context.Context, workerID string) (*models.QueueWorker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workers[workerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyWorker(w), nil
}

func (s *Store) ListWorkers(ctx context.Context, queue string, statuses []models.WorkerStatus) ([]*models.QueueWorker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.QueueWorker
	for _, w := range s.workers {
		if queue != "" && w.QueueName != queue {
			continue
		}
		if len(statuses) > 0 && !containsWorkerStatus(statuses, w.Status) {
			continue
		}
		out = append(out, copyWorker(w))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].WorkerID < out[b].WorkerID })
	return out, nil
}

func containsWorkerStatus(list []models.WorkerStatus, st models.WorkerStatus) bool {
	for _, s := range list {
		if s == st {
			return true
		}
	}
	return false
}

func (s *Store) Heartbeat(ctx context.Context, workerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return store.ErrNotFound
	}
	w.LastHeartbeat = at
	if w.Status == models.WorkerStatusOffline {
		w.Status = models.WorkerStatusIdle
	}
	return nil
}

func (s *Store) AssignJob(ctx context.Context, workerID string, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return store.ErrNotFound
	}
	rec, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if w.Status != models.WorkerStatusIdle || w.CurrentJobID != nil {
		return store.ErrConflict
	}
	if rec.job.Status != models.JobStatusQueued || rec.job.WorkerID != nil {
		return store.ErrConflict
	}

	id := jobID
	w.Status = models.WorkerStatusBusy
	w.CurrentJobID = &id

	wid := workerID
	rec.job.WorkerID = &wid
	rec.job.MachineID = w.MachineID
	rec.job.Status = models.JobStatusProcessing
	now := time.Now()
	if rec.job.StartedAt == nil {
		rec.job.StartedAt = &now
	}
	rec.job.UpdatedAt = now
	return nil
}

func (s *Store) ReleaseWorker(ctx context.Context, workerID string, failed bool, processingTime time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return store.ErrNotFound
	}
	w.CurrentJobID = nil
	if w.Status == models.WorkerStatusBusy {
		w.Status = models.WorkerStatusIdle
	}
	if failed {
		w.JobsFailed++
	} else {
		w.JobsProcessed++
	}
	total := w.JobsProcessed + w.JobsFailed
	if total > 0 {
		ms := float64(processingTime.Milliseconds())
		w.AvgProcessingTimeMS += (ms - w.AvgProcessingTimeMS) / float64(total)
	}
	return nil
}

func (s *Store) ListStaleWorkers(ctx context.Context, deadline time.Time) ([]*models.QueueWorker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.QueueWorker
	for _, w := range s.workers {
		if w.Status == models.WorkerStatusOffline {
			continue
		}
		if w.LastHeartbeat.Before(deadline) {
			out = append(out, copyWorker(w))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].WorkerID < out[b].WorkerID })
	return out, nil
}

func (s *Store) MarkWorkerOffline(ctx context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return store.ErrNotFound
	}
	w.Status = models.WorkerStatusOffline
	w.CurrentJobID = nil
	return nil
}
