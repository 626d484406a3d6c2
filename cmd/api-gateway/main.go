// Package main API Gateway 服务入口
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tcm-kgqa-api/internal/application/qa"
	"tcm-kgqa-api/internal/application/resolver"
	"tcm-kgqa-api/internal/config"
	"tcm-kgqa-api/internal/domain/schema"
	"tcm-kgqa-api/internal/infrastructure/embedding"
	"tcm-kgqa-api/internal/infrastructure/llm"
	"tcm-kgqa-api/internal/infrastructure/persistence/milvus"
	"tcm-kgqa-api/internal/infrastructure/persistence/neo4j"
	"tcm-kgqa-api/internal/infrastructure/persistence/redis"
	"tcm-kgqa-api/internal/infrastructure/vectorindex"
	"tcm-kgqa-api/internal/interfaces/http/handler"
	"tcm-kgqa-api/internal/interfaces/http/middleware"
	"tcm-kgqa-api/internal/interfaces/http/router"
	einoobs "tcm-kgqa-api/internal/observability/eino"
	workflowprompt "tcm-kgqa-api/internal/workflow/prompt"
	"tcm-kgqa-api/pkg/logger"
	"tcm-kgqa-api/pkg/tracer"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

// Version 版本信息，构建时注入
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// 加载 .env 文件（如果存在）
	_ = godotenv.Load()

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger.Init(
		cfg.Observability.Logging.Level,
		cfg.Observability.Logging.Format,
	)

	ctx := context.Background()
	log := logger.FromContext(ctx)
	log.Info("starting api-gateway",
		"version", Version,
		"build_time", BuildTime,
		"env", cfg.App.Env,
	)

	// 初始化追踪
	shutdown, err := tracer.Init(ctx, tracer.Config{
		ServiceName: cfg.App.Name,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		log.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdown(ctx); err != nil {
			log.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// 初始化 Eino 全局 callbacks（追踪）
	einoobs.Init()

	// 图数据库（必需）
	graphClient, err := neo4j.NewClient(ctx, &cfg.Graph.Neo4j)
	if err != nil {
		logger.Fatal(ctx, "failed to connect neo4j", err)
	}
	defer func() {
		if err := graphClient.Close(ctx); err != nil {
			log.Error("failed to close neo4j", "error", err)
		}
	}()

	// 图谱模式快照（必需）
	metadata, err := schema.Load(cfg.QA.MetadataPath)
	if err != nil {
		logger.Fatal(ctx, "failed to load graph metadata", err, "path", cfg.QA.MetadataPath)
	}
	log.Info("graph metadata loaded",
		"labels", len(metadata.Labels),
		"relationships", len(metadata.Relationships),
		"triples", len(metadata.Triples),
	)

	// Embedding 客户端（必需，实体解析依赖）
	embedder, err := embedding.NewEinoEmbedder(ctx, &cfg.Embedding)
	if err != nil {
		logger.Fatal(ctx, "failed to init embedder", err)
	}

	// 实体名称向量索引（必需）
	var milvusClient *milvus.Client
	var nameIndex resolver.NameIndex
	switch cfg.Vector.Backend {
	case "milvus":
		milvusClient, err = milvus.NewClient(ctx, &cfg.Vector.Milvus)
		if err != nil {
			logger.Fatal(ctx, "failed to connect milvus", err)
		}
		defer milvusClient.Close()
		nameIndex = milvus.NewRepository(milvusClient)
	case "flat", "":
		flat, loadErr := vectorindex.Load(cfg.Vector.Flat.IndexPath, cfg.Vector.Flat.NamesPath)
		if loadErr != nil {
			logger.Fatal(ctx, "failed to load flat index", loadErr, "path", cfg.Vector.Flat.IndexPath)
		}
		log.Info("flat index loaded", "entries", flat.Len(), "dimension", flat.Dimension())
		nameIndex = flat
	default:
		logger.Fatal(ctx, "unknown vector backend", fmt.Errorf("backend %q", cfg.Vector.Backend))
	}

	// 实体解析引擎
	engine := resolver.NewEngine(embedder, nameIndex, resolver.Options{
		TopK:                cfg.QA.TopK,
		SimilarityThreshold: cfg.QA.SimilarityThreshold,
		Concurrency:         cfg.QA.ResolveConcurrency,
	})

	// 问答流水线
	factory := llm.NewEinoFactory(cfg)
	provider := cfg.LLM.DefaultProvider
	pipeline := qa.NewPipeline(
		factory,
		workflowprompt.NewRegistry(),
		engine,
		graphClient,
		metadata,
		qa.Options{
			Provider:          provider,
			Model:             cfg.LLM.Providers[provider].Model,
			MaxGenerateRounds: cfg.QA.MaxGenerateRounds,
			StageTimeout:      cfg.QA.StageTimeout,
		},
	)

	// Redis（可选，缓存与限流降级运行）
	var redisClient *redis.Client
	var answerCache *redis.Cache
	rateLimitMW := gin.HandlerFunc(func(c *gin.Context) { c.Next() })
	if client, redisErr := redis.NewClient(&cfg.Cache.Redis); redisErr != nil {
		log.Warn("redis unavailable, cache and rate limit disabled", "error", redisErr)
	} else {
		redisClient = client
		defer redisClient.Close()
		answerCache = redis.NewCache(redisClient)
		rateLimitMW = middleware.NewRateLimitMiddleware(middleware.RateLimitConfig{
			Enabled:           cfg.Security.RateLimit.Enabled,
			RequestsPerSecond: cfg.Security.RateLimit.RequestsPerSecond,
			Burst:             cfg.Security.RateLimit.Burst,
		}, redis.NewRateLimiter(redisClient))
	}

	// HTTP 层
	handlers := router.Handlers{
		Health: handler.NewHealthHandler(graphClient, redisClient, milvusClient),
		QA: handler.NewQAHandler(
			pipeline,
			answerCache,
			cfg.QA.AnswerCache.Enabled && answerCache != nil,
			cfg.QA.AnswerCache.TTL,
		),
	}
	r := router.New(cfg, handlers, rateLimitMW)

	// 创建 HTTP 服务器
	addr := fmt.Sprintf("%s:%d", cfg.Server.HTTP.Host, cfg.Server.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.HTTP.ReadTimeout,
		WriteTimeout: cfg.Server.HTTP.WriteTimeout,
		IdleTimeout:  cfg.Server.HTTP.IdleTimeout,
	}

	// 启动服务器
	go func() {
		log.Info("http server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	// 优雅关闭
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server exited")
}
