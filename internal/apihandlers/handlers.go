package apihandlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taxflow/internal/app"
	"taxflow/internal/models"
	"taxflow/internal/orchestrator"
	"taxflow/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type APIHandler struct {
	App *app.App
}

func NewAPIHandler(app *app.App) *APIHandler {
	return &APIHandler{App: app}
}

// RegisterRoutes mounts the full API surface under /api.
func (h *APIHandler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api")

	jobs := api.Group("/jobs")
	jobs.POST("", h.CreateJobHandler)
	jobs.GET("", h.ListJobsHandler)
	jobs.GET("/:id", h.GetJobHandler)
	jobs.PATCH("/:id", h.UpdateJobHandler)
	jobs.POST("/:id/queue", h.AssignJobToQueueHandler)
	jobs.POST("/:id/run", h.RunJobHandler)
	jobs.POST("/:id/cancel", h.CancelJobHandler)
	jobs.POST("/:id/review", h.CompleteReviewHandler)
	jobs.POST("/:id/submit", h.CompleteSubmissionHandler)
	jobs.POST("/:id/notes", h.AddNoteHandler)
	jobs.POST("/:id/tasks/:taskID/execute", h.ExecuteTaskHandler)
	api.POST("/batch/run", h.RunBatchHandler)

	tasks := api.Group("/tasks")
	tasks.PATCH("/:id", h.UpdateTaskHandler)
	tasks.POST("/:id/verify", h.VerifyTaskHandler)

	queues := api.Group("/queues")
	queues.GET("", h.ListQueuesHandler)
	queues.PATCH("/:name", h.UpdateQueueHandler)
	queues.GET("/:name/stats", h.QueueStatsHandler)
	queues.POST("/:name/process", h.ProcessQueueHandler)
	queues.POST("/:name/assign", h.AssignNextHandler)

	workers := api.Group("/workers")
	workers.POST("", h.RegisterWorkerHandler)
	workers.POST("/:id/heartbeat", h.HeartbeatHandler)
	workers.POST("/:id/release", h.ReleaseWorkerHandler)
}

// --- Jobs ---

func (h *APIHandler) CreateJobHandler(c *gin.Context) {
	var req orchestrator.CreateJobInput
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	job, err := h.App.Orchestrator.CreateJob(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			BadRequest(c, err.Error())
			return
		}
		Internal(c, fmt.Sprintf("CreateJobHandler: failed to create job: %v", err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": job})
}

func (h *APIHandler) ListJobsHandler(c *gin.Context) {
	filter, err := parseListJobsFilter(c)
	if err != nil {
		BadRequest(c, "Invalid query parameters: "+err.Error())
		return
	}
	jobs, err := h.App.Store.ListJobs(c.Request.Context(), filter)
	if err != nil {
		Internal(c, fmt.Sprintf("ListJobsHandler: failed to list jobs: %v", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": jobs})
}

func parseListJobsFilter(c *gin.Context) (store.ListJobsFilter, error) {
	filter := store.ListJobsFilter{
		Queue:      c.Query("queue"),
		CustomerID: c.Query("customer_id"),
		Limit:      50,
	}
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			return filter, fmt.Errorf("invalid limit: %s", l)
		}
		filter.Limit = parsed
	}
	if o := c.Query("offset"); o != "" {
		parsed, err := strconv.Atoi(o)
		if err != nil || parsed < 0 {
			return filter, fmt.Errorf("invalid offset: %s", o)
		}
		filter.Offset = parsed
	}
	if statusParam := c.Query("status"); statusParam != "" {
		for _, s := range strings.Split(statusParam, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				filter.Statuses = append(filter.Statuses, models.JobStatus(s))
			}
		}
	}
	return filter, nil
}

func (h *APIHandler) GetJobHandler(c *gin.Context) {
	jobID, ok := h.jobIDFromPath(c)
	if !ok {
		return
	}
	detail, err := h.App.Orchestrator.GetJobDetail(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "retrieve job")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": detail})
}

func (h *APIHandler) UpdateJobHandler(c *gin.Context) {
	jobID, ok := h.jobIDFromPath(c)
	if !ok {
		return
	}
	var req orchestrator.UpdateJobInput
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	job, err := h.App.Orchestrator.UpdateJob(c.Request.Context(), jobID, req, actorFrom(c))
	if err != nil {
		h.respondError(c, err, "update job")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": job})
}

func (h *APIHandler) AssignJobToQueueHandler(c *gin.Context) {
	jobID, ok := h.jobIDFromPath(c)
	if !ok {
		return
	}
	var req struct {
		Queue string `json:"queue"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Queue == "" {
		BadRequest(c, "Request body must include a queue name")
		return
	}
	job, err := h.App.Orchestrator.AssignJobToQueue(c.Request.Context(), jobID, req.Queue, actorFrom(c))
	if err != nil {
		h.respondError(c, err, "assign job to queue")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": job})
}

// RunJobHandler triggers a run. With Redis configured the run is enqueued
// onto the background transport; otherwise it executes inline before the
// response is written.
func (h *APIHandler) RunJobHandler(c *gin.Context) {
	jobID, ok := h.jobIDFromPath(c)
	if !ok {
		return
	}
	if h.App.JobClient != nil {
		job, err := h.App.Store.GetJob(c.Request.Context(), jobID)
		if err != nil {
			h.respondError(c, err, "load job")
			return
		}
		if err := h.App.JobClient.EnqueueRunJob(c.Request.Context(), jobID, job.CurrentQueue); err != nil {
			Internal(c, fmt.Sprintf("RunJobHandler: failed to enqueue run: %v", err))
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"data": gin.H{"job_id": jobID, "enqueued": true}})
		return
	}
	if err := h.App.Orchestrator.RunJob(c.Request.Context(), jobID); err != nil {
		h.respondError(c, err, "run job")
		return
	}
	job, err := h.App.Store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "reload job")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": job})
}

func (h *APIHandler) RunBatchHandler(c *gin.Context) {
	var req struct {
		JobIDs []uuid.UUID `json:"job_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.JobIDs) == 0 {
		BadRequest(c, "Request body must include job_ids")
		return
	}
	results := h.App.Orchestrator.RunBatch(c.Request.Context(), req.JobIDs)
	resp := make(map[string]string, len(results))
	for id, err := range results {
		if err != nil {
			resp[id.String()] = err.Error()
		} else {
			resp[id.String()] = "ok"
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": resp})
}

func (h *APIHandler) CancelJobHandler(c *gin.Context) {
	jobID, ok := h.jobIDFromPath(c)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	job, err := h.App.Orchestrator.CancelJob(c.Request.Context(), jobID, actorFrom(c), req.Reason)
	if err != nil {
		h.respondError(c, err, "cancel job")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": job})
}

func (h *APIHandler) CompleteReviewHandler(c *gin.Context) {
	jobID, ok := h.jobIDFromPath(c)
	if !ok {
		return
	}
	var req struct {
		Reviewer string `json:"reviewer"`
		Approved bool   `json:"approved"`
		Notes    string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Reviewer == "" {
		BadRequest(c, "Request body must include reviewer and approved")
		return
	}
	job, err := h.App.Orchestrator.CompleteReview(c.Request.Context(), jobID, req.Reviewer, req.Approved, req.Notes)
	if err != nil {
		h.respondError(c, err, "complete review")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": job})
}

func (h *APIHandler) CompleteSubmissionHandler(c *gin.Context) {
	jobID, ok := h.jobIDFromPath(c)
	if !ok {
		return
	}
	var req struct {
		Submitter     string `json:"submitter"`
		SubmissionRef string `json:"submission_ref"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Submitter == "" || req.SubmissionRef == "" {
		BadRequest(c, "Request body must include submitter and submission_ref")
		return
	}
	job, err := h.App.Orchestrator.CompleteSubmission(c.Request.Context(), jobID, req.Submitter, req.SubmissionRef)
	if err != nil {
		h.respondError(c, err, "complete submission")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": job})
}

func (h *APIHandler) AddNoteHandler(c *gin.Context) {
	jobID, ok := h.jobIDFromPath(c)
	if !ok {
		return
	}
	var req struct {
		Author string `json:"author"`
		Body   string `json:"body"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Body == "" {
		BadRequest(c, "Request body must include body")
		return
	}
	if req.Author == "" {
		req.Author = actorFrom(c)
	}
	if err := h.App.Orchestrator.AddNote(c.Request.Context(), jobID, req.Author, req.Body); err != nil {
		h.respondError(c, err, "add note")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": gin.H{"job_id": jobID}})
}

func (h *APIHandler) ExecuteTaskHandler(c *gin.Context) {
	jobID, ok := h.jobIDFromPath(c)
	if !ok {
		return
	}
	taskID, err := uuid.Parse(c.Param("taskID"))
	if err != nil {
		BadRequest(c, "Invalid task ID: "+c.Param("taskID"))
		return
	}
	result, err := h.App.Orchestrator.ExecuteTask(c.Request.Context(), jobID, taskID)
	if err != nil {
		h.respondError(c, err, "execute task")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

// --- Tasks ---

func (h *APIHandler) UpdateTaskHandler(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		BadRequest(c, "Invalid task ID: "+c.Param("id"))
		return
	}
	var req orchestrator.UpdateTaskInput
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	task, err := h.App.Orchestrator.UpdateTask(c.Request.Context(), taskID, req, actorFrom(c))
	if err != nil {
		h.respondError(c, err, "update task")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": task})
}

func (h *APIHandler) VerifyTaskHandler(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		BadRequest(c, "Invalid task ID: "+c.Param("id"))
		return
	}
	var req struct {
		Verifier string `json:"verifier"`
		Notes    string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Verifier == "" {
		BadRequest(c, "Request body must include verifier")
		return
	}
	task, err := h.App.Orchestrator.VerifyTask(c.Request.Context(), taskID, req.Verifier, req.Notes)
	if err != nil {
		h.respondError(c, err, "verify task")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": task})
}

// --- Queues ---

func (h *APIHandler) ListQueuesHandler(c *gin.Context) {
	queues, err := h.App.Store.ListQueues(c.Request.Context())
	if err != nil {
		Internal(c, fmt.Sprintf("ListQueuesHandler: failed to list queues: %v", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": queues})
}

func (h *APIHandler) UpdateQueueHandler(c *gin.Context) {
	var req orchestrator.UpdateQueueInput
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	cfg, err := h.App.Orchestrator.UpdateQueue(c.Request.Context(), c.Param("name"), req)
	if err != nil {
		h.respondError(c, err, "update queue")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cfg})
}

func (h *APIHandler) QueueStatsHandler(c *gin.Context) {
	stats, err := h.App.Orchestrator.GetQueueStats(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.respondError(c, err, "load queue stats")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func (h *APIHandler) ProcessQueueHandler(c *gin.Context) {
	limit := 0
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			BadRequest(c, "invalid limit: "+l)
			return
		}
		limit = parsed
	}
	n, err := h.App.Orchestrator.ProcessQueue(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		h.respondError(c, err, "process queue")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"dispatched": n}})
}

func (h *APIHandler) AssignNextHandler(c *gin.Context) {
	worker, job, err := h.App.Pool.AssignNext(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.respondError(c, err, "assign next job")
		return
	}
	if worker == nil {
		c.JSON(http.StatusOK, gin.H{"data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"worker": worker, "job": job}})
}

// --- Workers ---

func (h *APIHandler) RegisterWorkerHandler(c *gin.Context) {
	var req struct {
		WorkerID  string  `json:"worker_id"`
		Queue     string  `json:"queue"`
		MachineID *string `json:"machine_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	worker, err := h.App.Pool.Register(c.Request.Context(), req.WorkerID, req.Queue, req.MachineID)
	if err != nil {
		h.respondError(c, err, "register worker")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": worker})
}

func (h *APIHandler) HeartbeatHandler(c *gin.Context) {
	workerID := c.Param("id")
	if err := h.App.Pool.Heartbeat(c.Request.Context(), workerID); err != nil {
		h.respondError(c, err, "heartbeat")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"worker_id": workerID}})
}

func (h *APIHandler) ReleaseWorkerHandler(c *gin.Context) {
	workerID := c.Param("id")
	var req struct {
		Failed           bool  `json:"failed"`
		ProcessingTimeMS int64 `json:"processing_time_ms"`
	}
	_ = c.ShouldBindJSON(&req)
	err := h.App.Pool.Release(c.Request.Context(), workerID, req.Failed, msToDuration(req.ProcessingTimeMS))
	if err != nil {
		h.respondError(c, err, "release worker")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"worker_id": workerID}})
}

// --- Helpers ---

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// jobIDFromPath parses the :id path segment as a UUID or a job reference.
func (h *APIHandler) jobIDFromPath(c *gin.Context) (uuid.UUID, bool) {
	raw := c.Param("id")
	if id, err := uuid.Parse(raw); err == nil {
		return id, true
	}
	if strings.HasPrefix(raw, "TF-") {
		job, err := h.App.Store.GetJobByReference(c.Request.Context(), raw)
		if err == nil {
			return job.ID, true
		}
		if errors.Is(err, store.ErrNotFound) {
			NotFound(c, "Job not found with reference: "+raw)
			return uuid.Nil, false
		}
		Internal(c, fmt.Sprintf("failed to resolve job reference %s: %v", raw, err))
		return uuid.Nil, false
	}
	BadRequest(c, "Invalid job ID: "+raw)
	return uuid.Nil, false
}

func (h *APIHandler) respondError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, models.ErrNotFound):
		NotFound(c, "Not found: "+err.Error())
	case errors.Is(err, store.ErrConflict):
		Conflict(c, err.Error())
	case errors.Is(err, models.ErrValidation):
		BadRequest(c, err.Error())
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrJobTerminal):
		Conflict(c, err.Error())
	default:
		Internal(c, fmt.Sprintf("failed to %s: %v", op, err))
	}
}

// actorFrom identifies the caller for the audit trail. The API is deployed
// behind the office gateway which sets X-Actor; anonymous calls audit as
// "api".
func actorFrom(c *gin.Context) string {
	if actor := c.GetHeader("X-Actor"); actor != "" {
		return actor
	}
	return "api"
}
