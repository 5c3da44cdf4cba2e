package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"agent-relay/internal/domain"
)

// APIError es una respuesta no 2xx del relay antes de abrir el stream.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay api error (status %d): %s", e.Status, e.Message)
}

// AnalyzeRequest es lo que envia el cliente; FileData activa el envio multipart.
type AnalyzeRequest struct {
	ConversationID string
	Question       string
	FileID         string
	AnalysisType   string
	FileName       string
	FileData       []byte
}

type UploadResult struct {
	FileID   string `json:"fileId"`
	Name     string `json:"name"`
	MIMEType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

type MessagePage struct {
	Messages []domain.HistoryMessage `json:"messages"`
	FirstID  string                  `json:"firstId"`
	LastID   string                  `json:"lastId"`
	HasMore  bool                    `json:"hasMore"`
}

// Client habla con el relay HTTP.
type Client struct {
	baseURL string
	token   string
	userID  string
	http    *http.Client
	logger  *zap.Logger
}

type Option func(*Client)

// WithToken envia un bearer token; tiene prioridad sobre el user id en el relay.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithUserID(userID string) Option {
	return func(c *Client) { c.userID = userID }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Analyze envia la peticion a /analyze y entrega cada evento a onEvent.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest, onEvent EventHandler) error {
	body, contentType, err := c.analyzeBody(req)
	if err != nil {
		return err
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/analyze", body, contentType)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return canceled(ctx.Err())
		}
		return fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return decodeAPIError(resp)
	}
	return consume(ctx, resp.Body, onEvent, c.logger)
}

// UploadFile sube un archivo suelto via /files.
func (c *Client) UploadFile(ctx context.Context, name string, data []byte) (UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if c.userID != "" {
		_ = mw.WriteField("userId", c.userID)
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return UploadResult{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return UploadResult{}, fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return UploadResult{}, fmt.Errorf("close multipart: %w", err)
	}

	var out UploadResult
	if err := c.doJSON(ctx, http.MethodPost, "/files", &buf, mw.FormDataContentType(), &out); err != nil {
		return UploadResult{}, err
	}
	return out, nil
}

// Conversations lista las conversaciones del usuario.
func (c *Client) Conversations(ctx context.Context, limit int) ([]domain.Conversation, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Conversations []domain.Conversation `json:"conversations"`
	}
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/conversations", q), nil, "", &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// Messages devuelve el historial de una conversacion.
func (c *Client) Messages(ctx context.Context, conversationID string, limit int) (MessagePage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	var out MessagePage
	if err := c.doJSON(ctx, http.MethodGet, withQuery(path, q), nil, "", &out); err != nil {
		return MessagePage{}, err
	}
	return out, nil
}

func (c *Client) analyzeBody(req AnalyzeRequest) (io.Reader, string, error) {
	if len(req.FileData) == 0 {
		payload := map[string]string{
			"conversationId": req.ConversationID,
			"question":       req.Question,
			"fileId":         req.FileID,
			"analysisType":   req.AnalysisType,
			"userId":         c.userID,
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("marshal request: %w", err)
		}
		return bytes.NewReader(raw), "application/json", nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"conversationId", req.ConversationID},
		{"question", req.Question},
		{"analysisType", req.AnalysisType},
		{"userId", c.userID},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f[0], err)
		}
	}
	name := req.FileName
	if name == "" {
		name = "upload"
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(req.FileData); err != nil {
		return nil, "", fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := c.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		apiErr.Message = payload.Error
		apiErr.Code = payload.Code
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
