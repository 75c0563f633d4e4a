package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/access"
	"github.com/docqa/backend/internal/answer"
	"github.com/docqa/backend/internal/api/handlers"
	"github.com/docqa/backend/internal/cache/redis"
	"github.com/docqa/backend/internal/chunker"
	"github.com/docqa/backend/internal/embedding"
	"github.com/docqa/backend/internal/ingestion"
	"github.com/docqa/backend/internal/llm"
	"github.com/docqa/backend/internal/metrics"
	"github.com/docqa/backend/internal/middleware/ratelimit"
	"github.com/docqa/backend/internal/middleware/security"
	"github.com/docqa/backend/internal/middleware/validation"
	"github.com/docqa/backend/internal/prompts"
	"github.com/docqa/backend/internal/session"
	"github.com/docqa/backend/internal/storage/sqlite"
	"github.com/docqa/backend/internal/vector/milvus"
	"github.com/docqa/backend/pkg/config"
	appLogger "github.com/docqa/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting document QA API server")
	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	milvusClient, err := milvus.NewClient(
		cfg.Milvus.Endpoint,
		cfg.Milvus.APIKey,
		cfg.Milvus.CollectionName,
		cfg.Milvus.VectorDim,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	if err := milvusClient.EnsureCollection(context.Background()); err != nil {
		appLogger.Fatal("Failed to ensure collection", zap.Error(err))
	}

	var embeddingCache embedding.Cache
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()
		embeddingCache = redisClient
	}

	embedder := embedding.NewOpenAIEmbedder(
		cfg.LLM.APIKey,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.EmbedBatchSize,
		cfg.LLM.EmbedTimeoutSec,
		embeddingCache,
	)
	generator := llm.NewClient(cfg.LLM.APIKey, cfg.LLM.GenTimeoutSec)

	ch, err := chunker.New(cfg.Chunking.Size, cfg.Chunking.Overlap)
	if err != nil {
		appLogger.Fatal("Invalid chunking config", zap.Error(err))
	}

	fallbackPrompt := prompts.Default()
	fallbackPrompt.ModelName = cfg.LLM.Model
	fallbackPrompt.Temperature = cfg.LLM.Temperature
	fallbackPrompt.MaxTokens = cfg.LLM.MaxTokens
	promptStore, err := prompts.NewDBStoreWithFallback(sqliteClient, fallbackPrompt)
	if err != nil {
		appLogger.Fatal("Invalid default prompt config", zap.Error(err))
	}

	processor := ingestion.NewProcessor(sqliteClient, milvusClient, embedder, ch)
	sessions := session.NewManager(sqliteClient, cfg.Session.StoredTurns)
	pipeline := answer.NewPipeline(
		access.NewDBResolver(sqliteClient),
		milvusClient,
		embedder,
		generator,
		promptStore,
		sessions,
		sqliteClient,
		answer.Config{
			TopK:         cfg.Retrieval.TopK,
			MaxTopK:      cfg.Retrieval.MaxTopK,
			PromptWindow: cfg.Session.PromptWindow,
		},
	)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, X-Tenant-ID, X-User-ID",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: 120,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	queryHandler := handlers.NewQueryHandler(pipeline)
	documentHandler := handlers.NewDocumentHandler(processor, sqliteClient)
	sessionHandler := handlers.NewSessionHandler(sqliteClient)
	wsHandler := handlers.NewWebSocketHandler(pipeline)

	app.Get("/metrics", metrics.MetricsHandler())

	// Registered ahead of the group middleware so probes need no identity
	// headers and are never rate limited.
	app.Get("/api/v1/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api := app.Group("/api/v1", limiter.Middleware(), validation.Middleware(validation.Config{
		Logger: appLogger.GetLogger(),
	}))

	api.Post("/query", queryHandler.HandleQuery)
	api.Post("/documents", documentHandler.UploadDocument)
	api.Get("/documents/:file_id", documentHandler.GetDocument)
	api.Delete("/documents/:file_id", documentHandler.DeleteDocument)
	api.Post("/documents/:file_id/grants", documentHandler.CreateGrant)
	api.Get("/sessions/:session_id/history", sessionHandler.GetHistory)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		c.Locals("tenant_id", c.Get("X-Tenant-ID"))
		c.Locals("user_id", c.Get("X-User-ID"))
		return c.Next()
	})
	app.Get("/ws/chat", websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
