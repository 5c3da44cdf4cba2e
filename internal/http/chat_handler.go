package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"agent-relay/internal/domain"
	"agent-relay/internal/service"
	"agent-relay/internal/sse"
)

// multipartOverhead es el margen para campos de formulario sobre el tamano del archivo.
const multipartOverhead = 1 << 20

// FileUploader es la parte del agente que usa POST /files.
type FileUploader interface {
	UploadFile(ctx context.Context, file domain.UploadedFile) (string, error)
}

// ChatHandler expone los endpoints de analisis (streaming y sincrono) y la subida de archivos.
type ChatHandler struct {
	logger    *zap.Logger
	relay     *service.RelayService
	uploader  FileUploader
	intake    service.FileIntake
	keepAlive time.Duration
}

func NewChatHandler(
	logger *zap.Logger,
	relay *service.RelayService,
	uploader FileUploader,
	intake service.FileIntake,
	keepAlive time.Duration,
) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{
		logger:    logger,
		relay:     relay,
		uploader:  uploader,
		intake:    intake,
		keepAlive: keepAlive,
	}
}

type analyzeRequest struct {
	UserID         string `json:"userId" form:"userId"`
	ConversationID string `json:"conversationId" form:"conversationId"`
	Question       string `json:"question" form:"question"`
	FileID         string `json:"fileId" form:"fileId"`
	AnalysisType   string `json:"analysisType" form:"analysisType"`
}

// requestError lleva el status HTTP para errores detectados antes de abrir el stream.
type requestError struct {
	status int
	err    error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func newRequestError(status int, err error) *requestError {
	return &requestError{status: status, err: err}
}

// Stream maneja POST /analyze. Los errores de validacion responden JSON; una vez
// abierto el stream todo error llega al cliente como evento failed.
func (h *ChatHandler) Stream(c *gin.Context) {
	req, rerr := h.parseAnalyzeRequest(c)
	if rerr != nil {
		h.logger.Warn("invalid analyze request", zap.Error(rerr))
		c.JSON(rerr.status, gin.H{"error": rerr.Error()})
		return
	}

	ctx := c.Request.Context()
	writer := sse.NewWriter(c.Writer, h.logger, sse.WithFailureMapper(service.FailureFor))
	stopKeepAlive := h.startKeepAlive(ctx, writer)

	err := h.relay.Stream(ctx, req, writer)
	stopKeepAlive()

	if ctx.Err() != nil {
		h.logger.Info("client disconnected", zap.String("user_id", req.UserID))
		return
	}
	if err != nil {
		h.logger.Warn("analyze stream finished with error", zap.String("user_id", req.UserID), zap.Error(err))
	}
	if cerr := writer.Close(err); cerr != nil {
		h.logger.Warn("close sse stream failed", zap.Error(cerr))
	}
}

// Sync maneja POST /analyze/sync.
func (h *ChatHandler) Sync(c *gin.Context) {
	req, rerr := h.parseAnalyzeRequest(c)
	if rerr != nil {
		h.logger.Warn("invalid analyze request", zap.Error(rerr))
		c.JSON(rerr.status, gin.H{"error": rerr.Error()})
		return
	}

	result, err := h.relay.Analyze(c.Request.Context(), req)
	if errors.Is(err, service.ErrAnalysisPending) {
		c.JSON(http.StatusAccepted, gin.H{
			"status":         "pending",
			"conversationId": result.ConversationID,
			"chatId":         result.ChatID,
		})
		return
	}
	if err != nil {
		h.logger.Error("sync analysis failed", zap.String("user_id", req.UserID), zap.Error(err))
		failed := service.FailureFor(err)
		c.JSON(statusFor(err), gin.H{"error": failed.ErrorMessage, "code": failed.Code})
		return
	}
	c.JSON(http.StatusOK, result)
}

// UploadFile maneja POST /files: valida el archivo y lo sube al agente.
func (h *ChatHandler) UploadFile(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxFileSize()+multipartOverhead)
	if RequestUserID(c, c.PostForm("userId")) == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": service.ErrMissingUser.Error()})
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	file, rerr := h.readFile(fh)
	if rerr != nil {
		c.JSON(rerr.status, gin.H{"error": rerr.Error()})
		return
	}

	id, err := h.uploader.UploadFile(c.Request.Context(), file)
	if err != nil {
		h.logger.Error("upload file failed", zap.String("file", file.Name), zap.Error(err))
		failed := service.FailureFor(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": failed.ErrorMessage, "code": failed.Code})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"fileId":   id,
		"name":     file.Name,
		"mimeType": file.MIMEType,
		"size":     file.Size,
	})
}

func (h *ChatHandler) parseAnalyzeRequest(c *gin.Context) (domain.AnalysisRequest, *requestError) {
	var body analyzeRequest
	var file *domain.UploadedFile

	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxFileSize()+multipartOverhead)
		if err := c.ShouldBind(&body); err != nil {
			return domain.AnalysisRequest{}, newRequestError(http.StatusBadRequest, fmt.Errorf("invalid form: %w", err))
		}
		fh, err := c.FormFile("file")
		switch {
		case err == nil:
			f, rerr := h.readFile(fh)
			if rerr != nil {
				return domain.AnalysisRequest{}, rerr
			}
			file = &f
		case !errors.Is(err, http.ErrMissingFile):
			return domain.AnalysisRequest{}, newRequestError(http.StatusBadRequest, fmt.Errorf("invalid file: %w", err))
		}
	} else if err := c.ShouldBindJSON(&body); err != nil {
		return domain.AnalysisRequest{}, newRequestError(http.StatusBadRequest, errors.New("invalid request"))
	}

	mode, err := domain.ParseAnalysisMode(body.AnalysisType)
	if err != nil {
		return domain.AnalysisRequest{}, newRequestError(http.StatusBadRequest, err)
	}
	userID := RequestUserID(c, body.UserID)
	if userID == "" {
		return domain.AnalysisRequest{}, newRequestError(http.StatusUnauthorized, service.ErrMissingUser)
	}

	req := domain.AnalysisRequest{
		UserID:         userID,
		ConversationID: strings.TrimSpace(body.ConversationID),
		Question:       strings.TrimSpace(body.Question),
		FileID:         strings.TrimSpace(body.FileID),
		File:           file,
		Mode:           mode,
	}
	if err := req.Validate(); err != nil {
		return domain.AnalysisRequest{}, newRequestError(http.StatusBadRequest, err)
	}
	return req, nil
}

func (h *ChatHandler) readFile(fh *multipart.FileHeader) (domain.UploadedFile, *requestError) {
	limit := h.maxFileSize()
	if fh.Size > limit {
		return domain.UploadedFile{}, newRequestError(http.StatusRequestEntityTooLarge, service.ErrFileTooLarge)
	}
	f, err := fh.Open()
	if err != nil {
		return domain.UploadedFile{}, newRequestError(http.StatusBadRequest, fmt.Errorf("open file: %w", err))
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return domain.UploadedFile{}, newRequestError(http.StatusBadRequest, fmt.Errorf("read file: %w", err))
	}
	file, err := h.intake.Prepare(fh.Filename, data)
	switch {
	case err == nil:
		return file, nil
	case errors.Is(err, service.ErrFileTooLarge):
		return domain.UploadedFile{}, newRequestError(http.StatusRequestEntityTooLarge, err)
	case errors.Is(err, service.ErrUnsupportedFileType):
		return domain.UploadedFile{}, newRequestError(http.StatusUnsupportedMediaType, err)
	}
	return domain.UploadedFile{}, newRequestError(http.StatusBadRequest, err)
}

func (h *ChatHandler) maxFileSize() int64 {
	if h.intake.MaxSize > 0 {
		return h.intake.MaxSize
	}
	return service.DefaultMaxFileSize
}

// startKeepAlive envia comentarios periodicos mientras el agente no produce nada.
func (h *ChatHandler) startKeepAlive(ctx context.Context, w *sse.Writer) func() {
	if h.keepAlive <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := w.KeepAlive(); err != nil {
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidAnalysisRequest), errors.Is(err, service.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrConversationForbidden):
		return http.StatusNotFound
	case errors.Is(err, service.ErrMissingUser):
		return http.StatusUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
