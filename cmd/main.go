package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/replyflow/replyflow-backend/internal/clients/evolution"
	"github.com/replyflow/replyflow-backend/internal/clients/pinecone"
	redisclient "github.com/replyflow/replyflow-backend/internal/clients/redis"
	"github.com/replyflow/replyflow-backend/internal/db"
	"github.com/replyflow/replyflow-backend/internal/handlers"
	"github.com/replyflow/replyflow-backend/internal/logger"
	"github.com/replyflow/replyflow-backend/internal/middleware"
	"github.com/replyflow/replyflow-backend/internal/observability"
	"github.com/replyflow/replyflow-backend/internal/server"
	"github.com/replyflow/replyflow-backend/internal/services"
	"github.com/replyflow/replyflow-backend/internal/sse"
	"github.com/replyflow/replyflow-backend/internal/utils"

	"github.com/replyflow/replyflow-backend/internal/repos"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Tracing
	shutdownOtel := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "replyflow-backend",
		Environment: utils.GetEnv("APP_ENV", "development", log),
		Version:     utils.GetEnv("APP_VERSION", "dev", log),
	})
	if shutdownOtel != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownOtel(ctx)
		}()
	}

	// Env
	log.Info("Loading environment variables from main...")
	jwtSecretKey := utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log)
	webhookToken := utils.GetEnv("WEBHOOK_TOKEN", "", log)
	syncWorkers := utils.GetEnvAsInt("SYNC_WORKERS", 6, log)
	ownerIDRaw := utils.GetEnv("OWNER_ID", "", log)
	ownerID, err := uuid.Parse(ownerIDRaw)
	if err != nil {
		log.Error("OWNER_ID must be a valid uuid", "error", err)
		os.Exit(1)
	}
	allowOrigins := strings.Split(utils.GetEnv("CORS_ALLOW_ORIGINS", "http://localhost:3000,http://localhost:5173", log), ",")

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	conversationRepo := repos.NewConversationRepo(thePG, log)
	messageRepo := repos.NewMessageRepo(thePG, log)
	handoffRepo := repos.NewHandoffRepo(thePG, log)
	syncRunRepo := repos.NewSyncRunRepo(thePG, log)

	// SSE
	log.Info("Setting up SSE hub now...")
	sseHub := sse.NewHub(log)

	// Clients
	log.Info("Setting up gateway and AI clients from main...")
	gatewayClient, err := evolution.NewFromEnv(log)
	if err != nil {
		log.Error("Could not init gateway client", "error", err)
		os.Exit(1)
	}
	stateCache, err := redisclient.NewStateCache(log)
	if err != nil {
		log.Warn("Could not init redis state cache", "error", err)
	}
	openaiClient, err := services.NewOpenAIClient(log)
	if err != nil {
		log.Error("Could not init OpenAIClient", "error", err)
		os.Exit(1)
	}
	vectorIndex, err := pinecone.NewFromEnv(log)
	if err != nil {
		log.Error("Could not init vector index client", "error", err)
		os.Exit(1)
	}

	// Services
	log.Info("Setting up Services from main...")
	ragService := services.NewRAGService(log, openaiClient, vectorIndex)
	handoffService := services.NewHandoffService(thePG, log, handoffRepo, conversationRepo, sseHub)
	autoReplyService := services.NewAutoReplyService(thePG, log, gatewayClient, ragService, handoffService, messageRepo, conversationRepo, sseHub)
	syncService := services.NewSyncService(thePG, log, gatewayClient, conversationRepo, messageRepo, syncRunRepo, sseHub, syncWorkers)
	eventProcessor := services.NewEventProcessor(thePG, log, conversationRepo, messageRepo, stateCache, sseHub, autoReplyService)
	conversationService := services.NewConversationService(thePG, log, conversationRepo, messageRepo)

	// Handlers
	log.Info("Setting up Handlers from main...")
	webhookHandler := handlers.NewWebhookHandler(log, eventProcessor, ownerID, webhookToken)
	syncHandler := handlers.NewSyncHandler(log, syncService, syncRunRepo)
	conversationHandler := handlers.NewConversationHandler(log, conversationService)
	handoffHandler := handlers.NewHandoffHandler(log, handoffService)
	sseHandler := handlers.NewSSEHandler(log, sseHub)

	// Middleware
	log.Info("Setting up middleware from main...")
	authMiddleware := middleware.NewAuthMiddleware(log, jwtSecretKey)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		AllowOrigins:        allowOrigins,
		AuthMiddleware:      authMiddleware,
		WebhookHandler:      webhookHandler,
		SyncHandler:         syncHandler,
		ConversationHandler: conversationHandler,
		HandoffHandler:      handoffHandler,
		SSEHandler:          sseHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	fmt.Printf("Server listening on :%s\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server failed", "error", err)
	}
}
