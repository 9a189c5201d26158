package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/replyflow/replyflow-backend/internal/logger"
	"github.com/replyflow/replyflow-backend/internal/requestdata"
	"github.com/replyflow/replyflow-backend/internal/services"
)

type ConversationHandler struct {
	log                 *logger.Logger
	conversationService services.ConversationService
}

func NewConversationHandler(log *logger.Logger, conversationService services.ConversationService) *ConversationHandler {
	return &ConversationHandler{
		log:                 log.With("handler", "ConversationHandler"),
		conversationService: conversationService,
	}
}

// GET /api/conversations
func (h *ConversationHandler) List(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	limit, offset := pagination(c)
	convs, err := h.conversationService.List(c.Request.Context(), rd.OwnerID, c.Query("status"), limit, offset)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "conversation_list_failed", err)
		return
	}
	RespondOK(c, gin.H{"conversations": convs})
}

// GET /api/conversations/:id
func (h *ConversationHandler) Get(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_conversation_id", err)
		return
	}
	conv, err := h.conversationService.Get(c.Request.Context(), rd.OwnerID, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			RespondError(c, http.StatusNotFound, "conversation_not_found", err)
			return
		}
		RespondError(c, http.StatusInternalServerError, "conversation_lookup_failed", err)
		return
	}
	RespondOK(c, conv)
}

// GET /api/conversations/:id/messages
func (h *ConversationHandler) Messages(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_conversation_id", err)
		return
	}
	limit, offset := pagination(c)
	msgs, err := h.conversationService.Messages(c.Request.Context(), rd.OwnerID, id, limit, offset)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			RespondError(c, http.StatusNotFound, "conversation_not_found", err)
			return
		}
		RespondError(c, http.StatusInternalServerError, "message_list_failed", err)
		return
	}
	RespondOK(c, gin.H{"messages": msgs})
}

// PATCH /api/conversations/:id/status
func (h *ConversationHandler) UpdateStatus(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_conversation_id", err)
		return
	}
	var body struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if err := h.conversationService.UpdateStatus(c.Request.Context(), rd.OwnerID, id, body.Status); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			RespondError(c, http.StatusNotFound, "conversation_not_found", err)
			return
		}
		RespondError(c, http.StatusBadRequest, "status_update_failed", err)
		return
	}
	RespondOK(c, gin.H{"updated": true})
}

func pagination(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
