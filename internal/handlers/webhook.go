package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"photo-restore-backend/internal/models"
	"photo-restore-backend/internal/replicate"
	"photo-restore-backend/internal/restoration"
)

const maxWebhookBody = 1 << 20

type WebhookReconciler interface {
	HandleWebhook(ctx context.Context, p *replicate.Prediction) (restoration.Outcome, error)
}

// ReplayGuard is satisfied by cache.ReplayGuard; a nil guard is allowed.
type ReplayGuard interface {
	Claim(ctx context.Context, id string) bool
	Release(ctx context.Context, id string)
}

type WebhookHandler struct {
	verifier   *restoration.WebhookVerifier
	guard      ReplayGuard
	reconciler WebhookReconciler
}

func NewWebhookHandler(verifier *restoration.WebhookVerifier, guard ReplayGuard, reconciler WebhookReconciler) *WebhookHandler {
	return &WebhookHandler{
		verifier:   verifier,
		guard:      guard,
		reconciler: reconciler,
	}
}

// ReplicateWebhook godoc
// @Summary     Restoration provider webhook
// @Description Receives signed prediction status deliveries and reconciles the matching job. Unknown predictions are acknowledged.
// @Tags        webhooks
// @Accept      json
// @Produce     json
// @Param       webhook-id        header string true "Delivery id"
// @Param       webhook-timestamp header string true "Unix seconds"
// @Param       webhook-signature header string true "Space separated v1,<base64> signatures"
// @Success     200 {object} map[string]string "status"
// @Failure     400 {object} models.ErrorResponse
// @Failure     403 {object} models.ErrorResponse
// @Failure     500 {object} models.ErrorResponse
// @Router      /api/v1/webhooks/replicate [post]
func (h *WebhookHandler) ReplicateWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "failed to read request body",
			Message: err.Error(),
		})
		return
	}

	if err := h.verifier.Verify(c.Request.Header, body); err != nil {
		slog.Warn("rejected provider webhook", "error", err, "remote_addr", c.ClientIP())
		c.JSON(restoration.StatusCode(err), models.ErrorResponse{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	deliveryID := c.GetHeader(restoration.HeaderWebhookID)
	if h.guard != nil && !h.guard.Claim(ctx, deliveryID) {
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}

	var prediction replicate.Prediction
	if err := json.Unmarshal(body, &prediction); err != nil || prediction.ID == "" {
		h.release(ctx, deliveryID)
		msg := "missing prediction id"
		if err != nil {
			msg = err.Error()
		}
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "failed to parse prediction", Message: msg})
		return
	}

	outcome, err := h.reconciler.HandleWebhook(ctx, &prediction)
	if err != nil {
		// Let the provider redeliver; the next attempt must not be seen as a replay.
		h.release(ctx, deliveryID)
		slog.Error("webhook reconciliation failed", "external_job_id", prediction.ID, "error", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to process webhook"})
		return
	}

	if outcome.Unknown {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "job_status": string(outcome.Status)})
}

func (h *WebhookHandler) release(ctx context.Context, id string) {
	if h.guard != nil {
		h.guard.Release(ctx, id)
	}
}
