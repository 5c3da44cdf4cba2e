package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"time"

	"agent-relay/internal/domain"
)

var (
	ErrMissingID          = errors.New("agent response without id")
	ErrUnexpectedResponse = errors.New("agent returned an unexpected response")
)

// APIError representa un error reportado por el agente, por HTTP o por el
// campo code del sobre de respuesta.
type APIError struct {
	Status  int
	Code    int
	Message string
	Hint    string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("agent api error: status=%d", e.Status)
	if e.Code != 0 {
		msg += fmt.Sprintf(" code=%d", e.Code)
	}
	if e.Message != "" {
		msg += " - " + e.Message
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

var statusHints = map[int]string{
	400: "invalid request parameters",
	401: "authentication failed, check the API key",
	403: "insufficient permissions",
	404: "resource not found, check the API URL",
	429: "rate limit exceeded",
	500: "agent internal error",
	502: "agent temporarily unavailable",
	503: "agent temporarily unavailable",
	504: "agent temporarily unavailable",
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Hint: statusHints[status]}
	trimmed := strings.ToLower(strings.TrimSpace(string(body)))
	if strings.HasPrefix(trimmed, "<!doctype") || strings.HasPrefix(trimmed, "<html") {
		apiErr.Message = "agent returned an HTML page, the API URL is probably wrong"
		return apiErr
	}

	var parsed struct {
		Code    int             `json:"code"`
		Msg     string          `json:"msg"`
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		apiErr.Message = truncate(strings.TrimSpace(string(body)), 200)
		return apiErr
	}
	apiErr.Code = parsed.Code
	switch {
	case parsed.Msg != "":
		apiErr.Message = parsed.Msg
	case parsed.Message != "":
		apiErr.Message = parsed.Message
	case len(parsed.Error) > 0:
		var nested struct {
			Message string `json:"message"`
		}
		var plain string
		if json.Unmarshal(parsed.Error, &nested) == nil && nested.Message != "" {
			apiErr.Message = nested.Message
		} else if json.Unmarshal(parsed.Error, &plain) == nil {
			apiErr.Message = plain
		}
	}
	return apiErr
}

type codeCarrier interface {
	result() (int, string)
}

type envelope[T any] struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

func (e envelope[T]) result() (int, string) {
	return e.Code, e.Msg
}

type chatRequestBody struct {
	BotID              string            `json:"bot_id"`
	UserID             string            `json:"user_id"`
	Stream             bool              `json:"stream"`
	AutoSaveHistory    bool              `json:"auto_save_history"`
	AdditionalMessages []wireMessage     `json:"additional_messages"`
	CustomVariables    map[string]string `json:"custom_variables,omitempty"`
	MetaData           map[string]string `json:"meta_data,omitempty"`
}

type wireMessage struct {
	Role        string `json:"role"`
	Type        string `json:"type"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

type wirePart struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	FileID string `json:"file_id,omitempty"`
}

const (
	wireContentText   = "text"
	wireContentObject = "object_string"
)

// toWireMessage traduce un mensaje del dominio al formato del agente: los
// multipart viajan como object_string con las partes serializadas.
func toWireMessage(m domain.Message) (wireMessage, error) {
	role := m.Role
	if role == "" {
		role = domain.RoleUser
	}
	out := wireMessage{Role: string(role), Type: "question"}
	switch m.ContentKind {
	case domain.ContentMultipart:
		parts := make([]wirePart, 0, len(m.Parts))
		for _, p := range m.Parts {
			parts = append(parts, wirePart{Type: string(p.Type), Text: p.Text, FileID: p.FileID})
		}
		raw, err := json.Marshal(parts)
		if err != nil {
			return wireMessage{}, fmt.Errorf("marshal parts: %w", err)
		}
		out.ContentType = wireContentObject
		out.Content = string(raw)
	default:
		out.ContentType = wireContentText
		out.Content = m.Text
	}
	return out, nil
}

type wireHistoryMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	ChatID         string `json:"chat_id"`
	Role           string `json:"role"`
	Type           string `json:"type"`
	ContentType    string `json:"content_type"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"created_at"`
}

func toHistory(in []wireHistoryMessage) []domain.HistoryMessage {
	out := make([]domain.HistoryMessage, 0, len(in))
	for _, m := range in {
		out = append(out, domain.HistoryMessage{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			ChatID:         m.ChatID,
			Role:           domain.Role(m.Role),
			Type:           m.Type,
			ContentType:    m.ContentType,
			Content:        FlattenContent(m.ContentType, m.Content),
			CreatedAt:      time.Unix(m.CreatedAt, 0).UTC(),
		})
	}
	return out
}

// FlattenContent extrae solo el texto de un contenido object_string; cualquier
// otro contenido se devuelve tal cual.
func FlattenContent(contentType, content string) string {
	trimmed := strings.TrimSpace(content)
	if contentType != wireContentObject && !strings.HasPrefix(trimmed, "[") {
		return content
	}
	var parts []wirePart
	if err := json.Unmarshal([]byte(trimmed), &parts); err != nil {
		return content
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func fileHeader(file domain.UploadedFile) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	name := file.Name
	if name == "" {
		name = "upload"
	}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(name)))
	contentType := file.MIMEType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	return h
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
