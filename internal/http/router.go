package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"agent-relay/internal/metrics"
	"agent-relay/internal/service"
)

// RouterDeps agrupa lo que necesita el router; los campos opcionales pueden ser nil.
type RouterDeps struct {
	Logger         *zap.Logger
	Chat           *ChatHandler
	Handlers       *Handlers
	Verifier       *service.TokenVerifier
	Limiter        service.RateLimiter
	Metrics        *metrics.Relay
	MetricsHandler http.Handler
	CORSOrigin     string
}

// NewRouter configura el router de Gin con middlewares y rutas.
func NewRouter(deps RouterDeps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()

	r.Use(
		zapLoggerMiddleware(logger),
		gin.Recovery(),
		otelgin.Middleware("agent-relay"),
		corsMiddleware(deps.CORSOrigin),
		jsonContentTypeMiddleware(),
	)

	r.GET("/health", deps.Handlers.Health)
	r.GET("/analysis-types", deps.Handlers.AnalysisTypes)
	if deps.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	api := r.Group("", IdentityMiddleware(deps.Verifier))
	limited := api.Group("", RateLimitMiddleware(deps.Limiter, deps.Metrics))
	limited.POST("/analyze", deps.Chat.Stream)
	limited.POST("/analyze/sync", deps.Chat.Sync)
	limited.POST("/files", deps.Chat.UploadFile)

	api.GET("/conversations", deps.Handlers.ListConversations)
	api.GET("/conversations/:id/messages", deps.Handlers.ListMessages)

	return r
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// jsonContentTypeMiddleware deja JSON como Content-Type por defecto; el stream
// SSE y /metrics lo sobrescriben antes de escribir.
func jsonContentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "application/json")
		c.Next()
	}
}

func corsMiddleware(origin string) gin.HandlerFunc {
	if strings.TrimSpace(origin) == "" {
		origin = "*"
	}
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+UserIDHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
