package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"agent-relay/internal/domain"
)

// AgentClient define las operaciones del agente remoto que usa el relay.
type AgentClient interface {
	CreateConversation(ctx context.Context) (string, error)
	UploadFile(ctx context.Context, file domain.UploadedFile) (string, error)
	StreamChat(ctx context.Context, req ChatRequest) (io.ReadCloser, error)
	CreateChat(ctx context.Context, req ChatRequest) (ChatInfo, error)
	ChatMessages(ctx context.Context, conversationID, chatID string) ([]domain.HistoryMessage, error)
	ListMessages(ctx context.Context, conversationID string, opts ListOptions) (MessagePage, error)
}

// ChatRequest describe un envio de mensaje al agente.
type ChatRequest struct {
	ConversationID string
	IsolationKey   string
	Message        domain.Message
	Mode           domain.AnalysisMode
}

type ChatInfo struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

type ListOptions struct {
	Order    string
	Limit    int
	BeforeID string
	AfterID  string
}

type MessagePage struct {
	Messages []domain.HistoryMessage
	FirstID  string
	LastID   string
	HasMore  bool
}

const userAgent = "agent-relay/1.0"

// HTTPClient implementa AgentClient contra la API v3 de Coze (o compatible).
type HTTPClient struct {
	baseURL string
	apiKey  string
	botID   string
	timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPClient construye el cliente del agente. El http.Client no lleva
// timeout global porque las respuestas en streaming pueden durar minutos;
// las llamadas no streaming usan timeout por contexto.
func NewHTTPClient(baseURL, apiKey, botID string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if baseURL == "" {
		baseURL = "https://api.coze.cn"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		botID:   botID,
		timeout: timeout,
		client:  &http.Client{},
		logger:  logger,
	}
}

// WithHTTPClient reemplaza el transporte, util en tests.
func (c *HTTPClient) WithHTTPClient(hc *http.Client) *HTTPClient {
	if hc != nil {
		c.client = hc
	}
	return c
}

func (c *HTTPClient) CreateConversation(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"bot_id": c.botID})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	var out envelope[struct {
		ID string `json:"id"`
	}]
	if err := c.doJSON(ctx, http.MethodPost, "/v1/conversation/create", bytes.NewReader(body), "application/json", &out); err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("create conversation: %w", ErrMissingID)
	}
	c.logger.Info("conversation created", zap.String("conversation_id", out.Data.ID))
	return out.Data.ID, nil
}

func (c *HTTPClient) UploadFile(ctx context.Context, file domain.UploadedFile) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreatePart(fileHeader(file))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	var out envelope[struct {
		ID       string `json:"id"`
		Bytes    int64  `json:"bytes"`
		FileName string `json:"file_name"`
	}]
	if err := c.doJSON(ctx, http.MethodPost, "/v1/files/upload", &buf, mw.FormDataContentType(), &out); err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("upload file: %w", ErrMissingID)
	}
	c.logger.Info("file uploaded",
		zap.String("file_id", out.Data.ID),
		zap.String("file_name", file.Name),
		zap.Int64("bytes", out.Data.Bytes),
	)
	return out.Data.ID, nil
}

// StreamChat abre la peticion de chat en streaming y devuelve el cuerpo SSE
// crudo. El llamador debe cerrarlo.
func (c *HTTPClient) StreamChat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	body, err := c.chatBody(req, true)
	if err != nil {
		return nil, err
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, chatPath(req.ConversationID), bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	c.logger.Info("sending chat request",
		zap.String("conversation_id", req.ConversationID),
		zap.String("content_kind", string(req.Message.ContentKind)),
		zap.String("analysis_type", string(req.Mode)),
		zap.Bool("stream", true),
	)
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, c.decodeError(resp)
	}
	// Un error de negocio llega como JSON aunque se pidiera streaming.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		defer resp.Body.Close()
		var out envelope[json.RawMessage]
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode chat response: %w", err)
		}
		if out.Code != 0 {
			return nil, &APIError{Status: resp.StatusCode, Code: out.Code, Message: out.Msg}
		}
		return nil, fmt.Errorf("chat: %w", ErrUnexpectedResponse)
	}
	return resp.Body, nil
}

func (c *HTTPClient) CreateChat(ctx context.Context, req ChatRequest) (ChatInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := c.chatBody(req, false)
	if err != nil {
		return ChatInfo{}, err
	}
	var out envelope[ChatInfo]
	if err := c.doJSON(ctx, http.MethodPost, chatPath(req.ConversationID), bytes.NewReader(body), "application/json", &out); err != nil {
		return ChatInfo{}, fmt.Errorf("create chat: %w", err)
	}
	if out.Data.ID == "" {
		return ChatInfo{}, fmt.Errorf("create chat: %w", ErrMissingID)
	}
	return out.Data, nil
}

func (c *HTTPClient) ChatMessages(ctx context.Context, conversationID, chatID string) ([]domain.HistoryMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("chat_id", chatID)
	q.Set("conversation_id", conversationID)
	var out envelope[[]wireHistoryMessage]
	if err := c.doJSON(ctx, http.MethodGet, "/v3/chat/message/list?"+q.Encode(), nil, "", &out); err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	return toHistory(out.Data), nil
}

func (c *HTTPClient) ListMessages(ctx context.Context, conversationID string, opts ListOptions) (MessagePage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqBody := map[string]any{"order": "asc"}
	if opts.Order != "" {
		reqBody["order"] = opts.Order
	}
	if opts.Limit > 0 {
		reqBody["limit"] = opts.Limit
	}
	if opts.BeforeID != "" {
		reqBody["before_id"] = opts.BeforeID
	}
	if opts.AfterID != "" {
		reqBody["after_id"] = opts.AfterID
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return MessagePage{}, fmt.Errorf("marshal request: %w", err)
	}

	var out struct {
		envelope[[]wireHistoryMessage]
		FirstID string `json:"first_id"`
		LastID  string `json:"last_id"`
		HasMore bool   `json:"has_more"`
	}
	path := "/v1/conversation/message/list?conversation_id=" + url.QueryEscape(conversationID)
	if err := c.doJSON(ctx, http.MethodPost, path, bytes.NewReader(body), "application/json", &out); err != nil {
		return MessagePage{}, fmt.Errorf("list messages: %w", err)
	}
	return MessagePage{
		Messages: toHistory(out.Data),
		FirstID:  out.FirstID,
		LastID:   out.LastID,
		HasMore:  out.HasMore,
	}, nil
}

func (c *HTTPClient) chatBody(req ChatRequest, stream bool) ([]byte, error) {
	msg, err := toWireMessage(req.Message)
	if err != nil {
		return nil, err
	}
	mode := req.Mode
	if mode == "" {
		mode = domain.ModeEvaluate
	}
	body := chatRequestBody{
		BotID:              c.botID,
		UserID:             req.IsolationKey,
		Stream:             stream,
		AutoSaveHistory:    true,
		AdditionalMessages: []wireMessage{msg},
		CustomVariables:    map[string]string{"analysis_type": string(mode)},
		MetaData:           map[string]string{"isolation_key": req.IsolationKey},
	}
	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return out, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// doJSON ejecuta una llamada no streaming y decodifica el sobre {code,msg,data}.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body io.Reader, contentType string, out codeCarrier) error {
	req, err := c.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.decodeError(resp)
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	if code, msg := out.result(); code != 0 {
		return &APIError{Status: resp.StatusCode, Code: code, Message: msg}
	}
	return nil
}

func (c *HTTPClient) decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := parseAPIError(resp.StatusCode, raw)
	c.logger.Warn("agent api error response",
		zap.Int("status", resp.StatusCode),
		zap.Int("code", apiErr.Code),
		zap.String("body", truncate(string(raw), 500)),
	)
	return apiErr
}

func chatPath(conversationID string) string {
	return "/v3/chat?conversation_id=" + url.QueryEscape(conversationID)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
