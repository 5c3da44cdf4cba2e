package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"agent-relay/internal/domain"
	"agent-relay/internal/llm"
	"agent-relay/internal/service"
)

const maxListLimit = 100

// Handlers mantiene dependencias para los endpoints de consulta.
type Handlers struct {
	logger   *zap.Logger
	sessions *service.SessionService
	relay    *service.RelayService
	summary  map[string]any
}

// NewHandlers crea una instancia de Handlers; summary se expone en /health.
func NewHandlers(
	logger *zap.Logger,
	sessions *service.SessionService,
	relay *service.RelayService,
	summary map[string]any,
) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		logger:   logger,
		sessions: sessions,
		relay:    relay,
		summary:  summary,
	}
}

// Health maneja GET /health.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "config": h.summary})
}

// AnalysisTypes maneja GET /analysis-types.
func (h *Handlers) AnalysisTypes(c *gin.Context) {
	types := make([]gin.H, 0, len(domain.AnalysisModes))
	for _, m := range domain.AnalysisModes {
		types = append(types, gin.H{"id": m, "description": m.Description()})
	}
	c.JSON(http.StatusOK, gin.H{"analysisTypes": types})
}

// ListConversations maneja GET /conversations.
func (h *Handlers) ListConversations(c *gin.Context) {
	userID := RequestUserID(c, c.Query("userId"))
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": service.ErrMissingUser.Error()})
		return
	}

	convs, err := h.sessions.ListConversations(c.Request.Context(), userID, queryLimit(c, 20))
	if err != nil {
		h.logger.Error("list conversations failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// ListMessages maneja GET /conversations/:id/messages.
func (h *Handlers) ListMessages(c *gin.Context) {
	userID := RequestUserID(c, c.Query("userId"))
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": service.ErrMissingUser.Error()})
		return
	}
	conversationID := strings.TrimSpace(c.Param("id"))

	opts := llm.ListOptions{
		Order:    c.DefaultQuery("order", "asc"),
		Limit:    queryLimit(c, 50),
		BeforeID: c.Query("beforeId"),
		AfterID:  c.Query("afterId"),
	}
	page, err := h.relay.Messages(c.Request.Context(), userID, conversationID, opts)
	if errors.Is(err, service.ErrConversationForbidden) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if err != nil {
		h.logger.Error("list messages failed", zap.String("conversation_id", conversationID), zap.Error(err))
		failed := service.FailureFor(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": failed.ErrorMessage, "code": failed.Code})
		return
	}

	messages := page.Messages
	if messages == nil {
		messages = []domain.HistoryMessage{}
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": messages,
		"firstId":  page.FirstID,
		"lastId":   page.LastID,
		"hasMore":  page.HasMore,
	})
}

func queryLimit(c *gin.Context, def int) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
