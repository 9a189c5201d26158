package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/replyflow/replyflow-backend/internal/logger"
	"github.com/replyflow/replyflow-backend/internal/repos"
	"github.com/replyflow/replyflow-backend/internal/requestdata"
	"github.com/replyflow/replyflow-backend/internal/services"
)

type SyncHandler struct {
	log         *logger.Logger
	syncService services.SyncService
	runRepo     repos.SyncRunRepo
}

func NewSyncHandler(log *logger.Logger, syncService services.SyncService, runRepo repos.SyncRunRepo) *SyncHandler {
	return &SyncHandler{
		log:         log.With("handler", "SyncHandler"),
		syncService: syncService,
		runRepo:     runRepo,
	}
}

// POST /api/instances/:instance/sync
// A reconciliation can take minutes on a large history; run it detached and
// let the dashboard follow progress over SSE or poll the run endpoint.
func (h *SyncHandler) TriggerSync(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	instanceKey := c.Param("instance")

	go func(ownerID uuid.UUID, instance string) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := h.syncService.Reconcile(ctx, ownerID, instance); err != nil {
			h.log.Error("Reconciliation run failed", "instance", instance, "error", err)
		}
	}(rd.OwnerID, instanceKey)

	c.JSON(http.StatusAccepted, gin.H{"started": true, "instance": instanceKey})
}

// GET /api/instances/:instance/sync/latest
func (h *SyncHandler) LatestRun(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	run, err := h.runRepo.GetLatest(c.Request.Context(), nil, rd.OwnerID, c.Param("instance"))
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			RespondError(c, http.StatusNotFound, "sync_run_not_found", err)
			return
		}
		RespondError(c, http.StatusInternalServerError, "sync_run_lookup_failed", err)
		return
	}
	RespondOK(c, run)
}
