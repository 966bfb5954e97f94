package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/voicerag/backend/internal/api/handlers"
	"github.com/voicerag/backend/internal/assembler"
	"github.com/voicerag/backend/internal/cache/querycache"
	"github.com/voicerag/backend/internal/cache/redis"
	"github.com/voicerag/backend/internal/gate"
	"github.com/voicerag/backend/internal/llm"
	"github.com/voicerag/backend/internal/metrics"
	"github.com/voicerag/backend/internal/middleware/ratelimit"
	"github.com/voicerag/backend/internal/middleware/security"
	"github.com/voicerag/backend/internal/middleware/validation"
	"github.com/voicerag/backend/internal/pipeline"
	"github.com/voicerag/backend/internal/session"
	"github.com/voicerag/backend/internal/storage/sqlite"
	"github.com/voicerag/backend/internal/vector"
	"github.com/voicerag/backend/internal/vector/flat"
	"github.com/voicerag/backend/internal/vector/zilliz"
	"github.com/voicerag/backend/pkg/config"
	appLogger "github.com/voicerag/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting voice support server")

	metrics.Init()

	ctx := context.Background()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(ctx); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	index, closeIndex, err := buildIndex(ctx, cfg, sqliteClient)
	if err != nil {
		appLogger.Fatal("Failed to build vector index", zap.Error(err))
	}
	defer closeIndex()

	llmClient := llm.NewClient(llm.Options{
		APIKey:             cfg.LLM.APIKey,
		BaseURL:            cfg.LLM.BaseURL,
		Model:              cfg.LLM.Model,
		Temperature:        cfg.LLM.Temperature,
		MaxTokens:          cfg.LLM.MaxTokens,
		SummaryModel:       cfg.LLM.SummaryModel,
		SummaryTemperature: cfg.Context.SummaryTemperature,
		SummaryMaxTokens:   cfg.Context.SummaryMaxTokens,
		EmbeddingModel:     cfg.LLM.EmbeddingModel,
		TranscriptionModel: cfg.Speech.TranscriptionModel,
		TTSModel:           cfg.Speech.TTSModel,
		Timeout:            time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		SpeechTimeout:      time.Duration(cfg.Speech.TimeoutSec) * time.Second,
	})

	queryCache := querycache.New(llmClient, vector.NewRetriever(index, sqliteClient), querycache.Options{
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
		SemanticCapacity:    cfg.Cache.SemanticCapacity,
		ExactCapacity:       cfg.Cache.ExactCapacity,
		EmbeddingCapacity:   cfg.Cache.EmbeddingCapacity,
		TopK:                cfg.Vector.TopK,
		CallTimeout:         time.Duration(cfg.LLM.TimeoutSec) * time.Second,
	})

	engine := pipeline.NewEngine(
		queryCache,
		gate.New(nil, nil),
		assembler.New(llmClient, cfg.Context.CharBudget),
		llmClient,
		pipeline.Options{
			HistoryWindow:   cfg.Session.HistoryWindow,
			StrictRelevance: cfg.Gate.StrictRelevance,
			Temperature:     cfg.LLM.Temperature,
			MaxTokens:       cfg.LLM.MaxTokens,
		},
	)

	registry := session.NewRegistry()
	statusHandler := handlers.NewStatusHandler(queryCache, sqliteClient, registry, cfg.Vector.Backend)

	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable, usage counters disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
			engine.WithUsageRecorder(redisClient)
			statusHandler.WithUsage(redisClient)
		}
	}

	wsHandler := handlers.NewWebSocketHandler(engine, llmClient, registry, handlers.WebSocketConfig{
		Voices:        cfg.Speech.Voices,
		TurnTimeout:   cfg.Session.TurnTimeout(),
		MaxAudioBytes: cfg.Session.MaxAudioBytes,
	})
	queryHandler := handlers.NewQueryHandler(engine)

	rl := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Logger:               appLogger.GetLogger(),
	})
	defer rl.Stop()

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	allowOrigins := "*"
	if len(cfg.Server.AllowedOrigins) > 0 {
		allowOrigins = strings.Join(cfg.Server.AllowedOrigins, ", ")
	}

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))

	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", rl.Middleware(), func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(wsHandler.HandleConnection))

	api := app.Group("/api/v1")

	api.Get("/health", statusHandler.Health)
	api.Get("/ready", statusHandler.Ready)
	api.Get("/cache/stats", statusHandler.CacheStats)
	api.Post("/query",
		rl.Middleware(),
		validation.QueryMiddleware(validation.Config{Logger: appLogger.GetLogger()}),
		queryHandler.HandleQuery,
	)

	app.Static("/", cfg.Server.StaticDir)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting",
		zap.String("address", addr),
		zap.String("vector_backend", cfg.Vector.Backend),
	)

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(cfg.Session.TurnTimeout()); err != nil {
		appLogger.Error("Shutdown did not complete", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

// buildIndex loads the configured nearest-neighbour backend. The flat index
// is read from the sqlite corpus; milvus must already hold the same vectors.
func buildIndex(ctx context.Context, cfg *config.Config, corpus *sqlite.Client) (vector.Index, func(), error) {
	switch cfg.Vector.Backend {
	case "milvus":
		client, err := zilliz.NewClient(ctx, cfg.Milvus.Endpoint, cfg.Milvus.APIKey, cfg.Milvus.CollectionName, cfg.Vector.Dim)
		if err != nil {
			return nil, nil, err
		}
		if err := client.EnsureCollection(ctx); err != nil {
			client.Close()
			return nil, nil, err
		}
		return client, func() { client.Close() }, nil
	default:
		index, err := flat.Load(ctx, corpus)
		if err != nil {
			return nil, nil, err
		}
		if index.Len() == 0 {
			appLogger.Warn("Corpus is empty; run the ingest command before serving queries")
		} else if index.Dim() != cfg.Vector.Dim {
			return nil, nil, fmt.Errorf("%w: corpus has %d, config expects %d", vector.ErrDimensionMismatch, index.Dim(), cfg.Vector.Dim)
		}
		appLogger.Info("Flat index loaded", zap.Int("vectors", index.Len()), zap.Int("dim", index.Dim()))
		return index, func() {}, nil
	}
}
