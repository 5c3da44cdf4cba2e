package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agent-relay/internal/config"
	"agent-relay/internal/db"
	"agent-relay/internal/extract"
	apihttp "agent-relay/internal/http"
	"agent-relay/internal/llm"
	"agent-relay/internal/metrics"
	"agent-relay/internal/repository"
	"agent-relay/internal/service"
	"agent-relay/internal/tracing"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{Environment: cfg.Environment, Stdout: cfg.TracingStdout})
	if err != nil {
		logger.Warn("tracing setup failed", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	var convRepo repository.ConversationRepository = repository.NewMemoryConversationRepository()
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg)
		if err != nil {
			logger.Fatal("db connect", zap.Error(err))
		}
		defer pool.Close()
		if err := db.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal("db schema", zap.Error(err))
		}
		convRepo = repository.NewPgConversationRepository(pool)
	} else {
		logger.Warn("DATABASE_URL not set, conversation index kept in memory")
	}

	limiter := service.NewMemoryRateLimiter(cfg.RateLimitPerMinute)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed, using in-process rate limiter", zap.Error(err))
		} else {
			limiter = service.NewRedisRateLimiter(redisClient, time.Minute, cfg.RateLimitPerMinute)
		}
		cancel()
	}

	var verifier *service.TokenVerifier
	if cfg.JWTSecret != "" {
		verifier = service.NewTokenVerifier(cfg.JWTSecret, "")
	} else {
		logger.Warn("jwt secret not configured, trusting X-User-ID")
	}
	if cfg.IsolationSecret == "" {
		logger.Warn("isolation secret not configured, isolation keys are unkeyed hashes")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	relayMetrics := metrics.NewRelay(registry)

	agent := llm.NewHTTPClient(cfg.AgentBaseURL, cfg.AgentAPIKey, cfg.AgentBotID, cfg.AgentTimeout, logger)
	sessions := service.NewSessionService(agent, convRepo, cfg.IsolationSecret, logger)
	relay := service.NewRelayService(agent, sessions, service.NewMessageBuilder(cfg.MaxTextLength), logger,
		service.WithExtractor(extract.NewDocumentExtractor(int64(cfg.MaxTextLength)*4)),
		service.WithMetrics(relayMetrics),
		service.WithPolling(cfg.PollAttempts, cfg.PollInterval),
	)

	chatHandler := apihttp.NewChatHandler(logger, relay, agent, service.NewFileIntake(cfg.MaxFileSize), cfg.KeepAliveInterval)
	handlers := apihttp.NewHandlers(logger, sessions, relay, cfg.Summary())
	router := apihttp.NewRouter(apihttp.RouterDeps{
		Logger:         logger,
		Chat:           chatHandler,
		Handlers:       handlers,
		Verifier:       verifier,
		Limiter:        limiter,
		Metrics:        relayMetrics,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		CORSOrigin:     cfg.CORSOrigin,
	})

	// Sin WriteTimeout: los streams SSE duran lo que tarde el agente.
	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting server", zap.String("port", cfg.HTTPPort), zap.Any("config", cfg.Summary()))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}
