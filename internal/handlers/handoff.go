package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/replyflow/replyflow-backend/internal/logger"
	"github.com/replyflow/replyflow-backend/internal/requestdata"
	"github.com/replyflow/replyflow-backend/internal/services"
)

type HandoffHandler struct {
	log            *logger.Logger
	handoffService services.HandoffService
}

func NewHandoffHandler(log *logger.Logger, handoffService services.HandoffService) *HandoffHandler {
	return &HandoffHandler{
		log:            log.With("handler", "HandoffHandler"),
		handoffService: handoffService,
	}
}

// GET /api/handoffs
func (h *HandoffHandler) List(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	limit, offset := pagination(c)
	reqs, err := h.handoffService.List(c.Request.Context(), rd.OwnerID, c.Query("status"), limit, offset)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "handoff_list_failed", err)
		return
	}
	RespondOK(c, gin.H{"handoffs": reqs})
}

// POST /api/handoffs/:id/assign
func (h *HandoffHandler) Assign(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_handoff_id", err)
		return
	}
	var body struct {
		AgentID uuid.UUID `json:"agent_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if err := h.handoffService.Assign(c.Request.Context(), id, body.AgentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			RespondError(c, http.StatusNotFound, "handoff_not_found", err)
			return
		}
		RespondError(c, http.StatusInternalServerError, "handoff_assign_failed", err)
		return
	}
	RespondOK(c, gin.H{"assigned": true})
}

// POST /api/handoffs/:id/resolve
func (h *HandoffHandler) Resolve(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_handoff_id", err)
		return
	}
	var body struct {
		ConversationID uuid.UUID `json:"conversation_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if err := h.handoffService.Resolve(c.Request.Context(), id, body.ConversationID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			RespondError(c, http.StatusNotFound, "handoff_not_found", err)
			return
		}
		RespondError(c, http.StatusInternalServerError, "handoff_resolve_failed", err)
		return
	}
	RespondOK(c, gin.H{"resolved": true})
}
