package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"photo-restore-backend/internal/fulfillment"
	"photo-restore-backend/internal/models"
)

type CheckoutFulfiller interface {
	HandleEvent(ctx context.Context, payload []byte) (*fulfillment.Result, error)
}

type CheckoutHandler struct {
	verifier  *fulfillment.SignatureVerifier
	fulfiller CheckoutFulfiller
}

func NewCheckoutHandler(verifier *fulfillment.SignatureVerifier, fulfiller CheckoutFulfiller) *CheckoutHandler {
	return &CheckoutHandler{verifier: verifier, fulfiller: fulfiller}
}

// CheckoutWebhook godoc
// @Summary     Payment checkout webhook
// @Description Turns a paid checkout session into an order with one restoration job per uploaded photo. Redeliveries are no-ops.
// @Tags        webhooks
// @Accept      json
// @Produce     json
// @Param       Stripe-Signature header string true "t=<unix>,v1=<hex hmac>"
// @Success     200 {object} map[string]interface{}
// @Failure     400 {object} models.ErrorResponse
// @Failure     500 {object} models.ErrorResponse
// @Router      /api/v1/webhooks/checkout [post]
func (h *CheckoutHandler) CheckoutWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "failed to read request body",
			Message: err.Error(),
		})
		return
	}

	if err := h.verifier.Verify(c.GetHeader(fulfillment.SignatureHeader), body); err != nil {
		slog.Warn("rejected checkout webhook", "error", err, "remote_addr", c.ClientIP())
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	result, err := h.fulfiller.HandleEvent(c.Request.Context(), body)
	if err != nil {
		if errors.Is(err, fulfillment.ErrInvalidSession) {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid checkout session", Message: err.Error()})
			return
		}
		slog.Error("checkout fulfillment failed", "error", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to fulfill checkout"})
		return
	}

	if result.Ignored {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"received":  true,
		"order_id":  result.OrderID.String(),
		"duplicate": result.Duplicate,
		"jobs":      result.Jobs,
	})
}
