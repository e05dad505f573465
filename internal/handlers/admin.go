package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"photo-restore-backend/internal/middleware"
	"photo-restore-backend/internal/models"
	"photo-restore-backend/internal/outbox"
	"photo-restore-backend/internal/restoration"
)

type JobRetrier interface {
	RetryJob(ctx context.Context, jobID uuid.UUID, reason string) (*models.RestorationJob, error)
}

type OutboxFlusher interface {
	Flush(ctx context.Context) (outbox.FlushResult, error)
}

// AdminHandler exposes operator actions behind middleware.AdminAuth.
type AdminHandler struct {
	poller  OrderPoller
	retrier JobRetrier
	flusher OutboxFlusher
}

func NewAdminHandler(poller OrderPoller, retrier JobRetrier, flusher OutboxFlusher) *AdminHandler {
	return &AdminHandler{poller: poller, retrier: retrier, flusher: flusher}
}

// ReconcileOrder godoc
// @Summary     Force reconciliation of an order
// @Description Polls the provider for every processing job of the order and re-evaluates order completion
// @Tags        admin
// @Produce     json
// @Security    BearerAuth
// @Param       order_id path string true "Order ID"
// @Success     200 {object} models.ReconcileResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     401 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Failure     500 {object} models.ErrorResponse
// @Router      /api/v1/admin/orders/{order_id}/reconcile [post]
func (h *AdminHandler) ReconcileOrder(c *gin.Context) {
	orderID, ok := parseUUIDParam(c, "order_id")
	if !ok {
		return
	}

	result, eval, err := h.poller.PollOrder(c.Request.Context(), orderID)
	if err != nil {
		writeStoreError(c, "order not found", err)
		return
	}

	slog.Info("operator reconciled order",
		"order_id", orderID,
		"operator", c.GetString(middleware.SubjectKey),
		"checked", result.Checked,
		"changed", result.Changed,
	)

	resp := models.ReconcileResponse{
		OrderID: orderID.String(),
		Checked: result.Checked,
		Changed: result.Changed,
	}
	if eval != nil {
		resp.Terminal = eval.Terminal
		resp.Status = string(eval.Status)
	}
	c.JSON(http.StatusOK, resp)
}

// RetryJob godoc
// @Summary     Retry a failed restoration job
// @Description Moves a failed job with attempts left back to pending and reopens its failed order. Jobs of completed orders are not retried.
// @Tags        admin
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       job_id  path string                 true  "Job ID"
// @Param       request body models.RetryJobRequest false "Retry reason"
// @Success     200 {object} models.RetryJobResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Failure     409 {object} models.ErrorResponse
// @Failure     500 {object} models.ErrorResponse
// @Router      /api/v1/admin/jobs/{job_id}/retry [post]
func (h *AdminHandler) RetryJob(c *gin.Context) {
	jobID, ok := parseUUIDParam(c, "job_id")
	if !ok {
		return
	}

	var req models.RetryJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body", Message: err.Error()})
			return
		}
	}

	job, err := h.retrier.RetryJob(c.Request.Context(), jobID, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "job not found"})
		case restoration.IsNotRetryable(err):
			c.JSON(http.StatusConflict, models.ErrorResponse{Error: "job cannot be retried", Message: err.Error()})
		default:
			slog.Error("job retry failed", "job_id", jobID, "error", err)
			c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to retry job"})
		}
		return
	}

	slog.Info("operator retried job", "job_id", jobID, "operator", c.GetString(middleware.SubjectKey))
	c.JSON(http.StatusOK, models.RetryJobResponse{
		JobID:         job.ID.String(),
		Status:        string(job.Status),
		AttemptNumber: job.AttemptNumber,
		MaxAttempts:   job.MaxAttempts,
	})
}

// FlushOutbox godoc
// @Summary     Deliver due notifications now
// @Description Runs one outbox relay pass outside the worker schedule
// @Tags        admin
// @Produce     json
// @Security    BearerAuth
// @Success     200 {object} models.FlushResponse
// @Failure     401 {object} models.ErrorResponse
// @Failure     500 {object} models.ErrorResponse
// @Router      /api/v1/admin/outbox/flush [post]
func (h *AdminHandler) FlushOutbox(c *gin.Context) {
	result, err := h.flusher.Flush(c.Request.Context())
	if err != nil {
		slog.Error("outbox flush failed", "error", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to flush outbox", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.FlushResponse{
		Claimed:     result.Claimed,
		Sent:        result.Sent,
		Unconfirmed: result.Unconfirmed,
		Rescheduled: result.Rescheduled,
		Failed:      result.Failed,
	})
}
