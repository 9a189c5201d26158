package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/replyflow/replyflow-backend/internal/handlers"
	"github.com/replyflow/replyflow-backend/internal/middleware"
)

type RouterConfig struct {
	AllowOrigins        []string
	AuthMiddleware      *middleware.AuthMiddleware
	WebhookHandler      *handlers.WebhookHandler
	SyncHandler         *handlers.SyncHandler
	ConversationHandler *handlers.ConversationHandler
	HandoffHandler      *handlers.HandoffHandler
	SSEHandler          *handlers.SSEHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware("replyflow-backend"))

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-Webhook-Token"},
		AllowCredentials: true,
	}))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", handlers.HealthCheck)
	// Gateway callbacks authenticate with the shared webhook token, not JWT.
	router.POST("/webhook/:instance", cfg.WebhookHandler.Receive)

	// ===============
	// || Protected ||
	// ===============
	protected := router.Group("/api")
	protected.Use(cfg.AuthMiddleware.RequireAuth())
	// Sync
	protected.POST("/instances/:instance/sync", cfg.SyncHandler.TriggerSync)
	protected.GET("/instances/:instance/sync/latest", cfg.SyncHandler.LatestRun)
	// Conversations
	protected.GET("/conversations", cfg.ConversationHandler.List)
	protected.GET("/conversations/:id", cfg.ConversationHandler.Get)
	protected.GET("/conversations/:id/messages", cfg.ConversationHandler.Messages)
	protected.PATCH("/conversations/:id/status", cfg.ConversationHandler.UpdateStatus)
	// Handoffs
	protected.GET("/handoffs", cfg.HandoffHandler.List)
	protected.POST("/handoffs/:id/assign", cfg.HandoffHandler.Assign)
	protected.POST("/handoffs/:id/resolve", cfg.HandoffHandler.Resolve)
	// SSE
	protected.GET("/events", cfg.SSEHandler.Stream)

	return router
}
