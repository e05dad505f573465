package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"photo-restore-backend/internal/models"
	"photo-restore-backend/internal/restoration"
)

type OrderReader interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ListJobsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.RestorationJob, error)
}

type OrderPoller interface {
	PollOrder(ctx context.Context, orderID uuid.UUID) (restoration.PollResult, *restoration.Evaluation, error)
}

type StatusHandler struct {
	store       OrderReader
	poller      OrderPoller
	pollTimeout time.Duration
}

func NewStatusHandler(store OrderReader, poller OrderPoller) *StatusHandler {
	return &StatusHandler{store: store, poller: poller, pollTimeout: 10 * time.Second}
}

// OrderStatus godoc
// @Summary     Order restoration progress
// @Description Refreshes the order's in-flight jobs from the provider, then returns aggregate progress and the restored images so far
// @Tags        orders
// @Produce     json
// @Param       order_id path string true "Order ID"
// @Success     200 {object} models.StatusResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Failure     500 {object} models.ErrorResponse
// @Router      /api/v1/orders/{order_id}/status [get]
func (h *StatusHandler) OrderStatus(c *gin.Context) {
	orderID, ok := parseUUIDParam(c, "order_id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if _, err := h.store.GetOrder(ctx, orderID); err != nil {
		writeStoreError(c, "order not found", err)
		return
	}

	// Polling only speeds convergence; the webhook and worker paths get there anyway.
	if h.poller != nil {
		pollCtx, cancel := context.WithTimeout(ctx, h.pollTimeout)
		if _, _, err := h.poller.PollOrder(pollCtx, orderID); err != nil {
			slog.Warn("status page poll failed", "order_id", orderID, "error", err)
		}
		cancel()
	}

	order, err := h.store.GetOrder(ctx, orderID)
	if err != nil {
		writeStoreError(c, "order not found", err)
		return
	}
	jobs, err := h.store.ListJobsByOrder(ctx, orderID)
	if err != nil {
		slog.Error("failed to list order jobs", "order_id", orderID, "error", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to load order"})
		return
	}

	c.JSON(http.StatusOK, statusResponse(order, jobs))
}

func statusResponse(order *models.Order, jobs []models.RestorationJob) models.StatusResponse {
	tally := restoration.TallyJobs(jobs)
	resp := models.StatusResponse{
		OrderID:            order.ID.String(),
		OverallStatus:      string(order.Status),
		ProgressPercentage: tally.ProgressPercentage(),
		TotalJobs:          tally.Total,
		CompletedJobs:      tally.Completed,
		FailedJobs:         tally.Failed,
		ProcessingJobs:     tally.Active,
		RestoredImages:     []models.RestoredImage{},
		UpdatedAt:          order.UpdatedAt,
	}

	for _, job := range jobs {
		if job.Status != models.JobStatusCompleted || !job.RestoredURL.Valid {
			continue
		}
		resp.RestoredImages = append(resp.RestoredImages, models.RestoredImage{
			JobID:       job.ID.String(),
			OriginalURL: job.OriginalURL,
			RestoredURL: job.RestoredURL.String,
		})
		if job.UpdatedAt.After(resp.UpdatedAt) {
			resp.UpdatedAt = job.UpdatedAt
		}
	}
	return resp
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid " + name, Message: err.Error()})
		return uuid.Nil, false
	}
	return id, true
}

func writeStoreError(c *gin.Context, notFound string, err error) {
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: notFound})
		return
	}
	slog.Error("store request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "internal error"})
}
