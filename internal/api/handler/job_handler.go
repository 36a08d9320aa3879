package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mediaops/transformd/internal/api/dto"
	"github.com/mediaops/transformd/internal/jobs"
	"github.com/mediaops/transformd/internal/queue"
	"github.com/mediaops/transformd/internal/recipe"
	"github.com/mediaops/transformd/internal/store"
)

// SubmitJob handles POST /api/v1/jobs
// Validates the request, persists a PENDING record, and enqueues it.
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	kind := jobs.Kind(req.Kind)
	if !jobs.IsKnownKind(kind) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown job kind: " + req.Kind,
		})
		return
	}

	min, max := recipe.InputCount(kind)
	if len(req.InputRefs) < min || (max >= 0 && len(req.InputRefs) > max) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Wrong number of input refs for kind " + req.Kind,
		})
		return
	}

	for _, ref := range req.InputRefs {
		if err := h.refs.Validate(ref); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid input ref: " + err.Error(),
			})
			return
		}
	}

	if req.TimeoutSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "timeout_seconds must not be negative",
		})
		return
	}
	timeoutSeconds := req.TimeoutSeconds
	if limit := int(h.maxTimeout.Seconds()); timeoutSeconds > limit {
		timeoutSeconds = limit
	}

	job := &jobs.Job{
		ID:             uuid.New().String(),
		IdempotencyKey: req.IdempotencyKey,
		Kind:           kind,
		InputRefs:      req.InputRefs,
		Params:         req.Params,
		State:          jobs.StatePending,
		WebhookURL:     req.WebhookURL,
		MaxAttempts:    h.maxAttempts,
		TimeoutSeconds: timeoutSeconds,
		CreatedAt:      time.Now().UTC(),
	}

	if err := h.records.Create(c.Request.Context(), job); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			existing, err := h.records.GetByIdempotencyKey(c.Request.Context(), req.IdempotencyKey)
			if err != nil {
				h.logger.Error("Failed to resolve idempotency key",
					slog.String("idempotency_key", req.IdempotencyKey),
					slog.String("error", err.Error()),
				)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error": "Failed to create job",
				})
				return
			}
			c.JSON(http.StatusOK, dto.SubmitJobResponse{
				JobID: existing.ID,
				State: string(existing.State),
			})
			return
		}
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	if err := h.queue.Enqueue(c.Request.Context(), job.ID); err != nil {
		// The record must not outlive a failed enqueue or it would sit
		// PENDING forever with no message to claim it.
		if delErr := h.records.Delete(c.Request.Context(), job.ID); delErr != nil {
			h.logger.Error("Failed to roll back job record",
				slog.String("job_id", job.ID),
				slog.String("error", delErr.Error()),
			)
		}
		if errors.Is(err, queue.ErrQueueFull) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Queue is full, retry later",
			})
			return
		}
		h.logger.Error("Failed to enqueue job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	h.logger.Info("Job submitted",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
	)

	c.JSON(http.StatusAccepted, dto.SubmitJobResponse{
		JobID: job.ID,
		State: string(job.State),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves the current state of a job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.records.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toStatusResponse(job, h.artifacts))
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancels a job that has not been claimed yet
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.records.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	if job.State != jobs.StatePending {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Job is not cancellable in state " + string(job.State),
		})
		return
	}

	// FAILED is terminal, so the record enters the retention window now or
	// the janitor would never pick it up.
	expiresAt := time.Now().UTC().Add(h.retention)
	ok, err := h.records.CompareAndSet(c.Request.Context(), jobID,
		jobs.StatePending, jobs.StateFailed, store.Update{
			Error:     jobs.NewError(jobs.ErrCancelled, "cancelled before execution"),
			ExpiresAt: &expiresAt,
		})
	if err != nil {
		h.logger.Error("Failed to cancel job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel job",
		})
		return
	}
	if !ok {
		// A worker claimed it between our read and the update.
		c.JSON(http.StatusConflict, gin.H{
			"error": "Job was claimed before cancellation",
		})
		return
	}

	h.logger.Info("Job cancelled", slog.String("job_id", jobID))

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"state":  string(jobs.StateFailed),
	})
}

// Health handles GET /health
func (h *JobHandler) Health(c *gin.Context) {
	resp := dto.HealthResponse{
		Status:   "healthy",
		Service:  "transformd-api",
		Database: "up",
		Queue:    "up",
	}

	if err := h.records.Ping(c.Request.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = "down"
	}

	depth, err := h.queue.Depth()
	if err != nil {
		resp.Status = "degraded"
		resp.Queue = "down"
	} else {
		resp.QueueDepth = depth
	}

	if resp.Database == "up" {
		running, err := h.records.CountByState(c.Request.Context(), jobs.StateRunning)
		if err == nil {
			resp.Running = running
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func toStatusResponse(job *jobs.Job, artifacts ArtifactResolver) dto.JobStatusResponse {
	resp := dto.JobStatusResponse{
		JobID:        job.ID,
		Kind:         string(job.Kind),
		State:        string(job.State),
		AttemptCount: job.AttemptCount,
		CreatedAt:    job.CreatedAt.Format(time.RFC3339),
	}
	if job.State == jobs.StateDone && job.OutputRef != "" {
		resp.OutputURL = artifacts.URLFor(job.OutputRef)
	}
	if job.Error != nil {
		resp.Error = &dto.JobError{
			Kind:    string(job.Error.Kind),
			Message: job.Error.Message,
		}
	}
	if job.StartedAt != nil {
		resp.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.FinishedAt != nil {
		resp.FinishedAt = job.FinishedAt.Format(time.RFC3339)
	}
	if job.ExpiresAt != nil {
		resp.ExpiresAt = job.ExpiresAt.Format(time.RFC3339)
	}
	return resp
}
