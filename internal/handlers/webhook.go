package handlers

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/replyflow/replyflow-backend/internal/clients/evolution"
	"github.com/replyflow/replyflow-backend/internal/logger"
	"github.com/replyflow/replyflow-backend/internal/services"
)

// WebhookHandler is the provider's entry point. Malformed payloads are
// rejected for good with 400; transient processing failures answer 500 so
// the provider redelivers, which the store merge absorbs idempotently.
type WebhookHandler struct {
	log          *logger.Logger
	processor    services.EventProcessor
	ownerID      uuid.UUID
	webhookToken string
}

func NewWebhookHandler(log *logger.Logger, processor services.EventProcessor, ownerID uuid.UUID, webhookToken string) *WebhookHandler {
	return &WebhookHandler{
		log:          log.With("handler", "WebhookHandler"),
		processor:    processor,
		ownerID:      ownerID,
		webhookToken: webhookToken,
	}
}

// POST /webhook/:instance
func (h *WebhookHandler) Receive(c *gin.Context) {
	if h.webhookToken != "" {
		provided := c.GetHeader("X-Webhook-Token")
		if provided == "" {
			provided = c.Query("token")
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(h.webhookToken)) != 1 {
			RespondError(c, http.StatusUnauthorized, "invalid_webhook_token", fmt.Errorf("invalid webhook token"))
			return
		}
	}

	var event evolution.WebhookEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_webhook_payload", err)
		return
	}
	if event.Instance == "" {
		event.Instance = c.Param("instance")
	}

	if err := h.processor.Handle(c.Request.Context(), h.ownerID, event); err != nil {
		h.log.Warn("Webhook processing failed", "event", event.Event, "instance", event.Instance, "error", err)
		RespondError(c, http.StatusInternalServerError, "webhook_processing_failed", err)
		return
	}
	RespondOK(c, gin.H{"received": true})
}
