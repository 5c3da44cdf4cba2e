package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"agent-relay/internal/domain"
	"agent-relay/internal/sse"
)

// Nombres de evento del stream del agente.
const (
	EventChatCreated      = "conversation.chat.created"
	EventChatInProgress   = "conversation.chat.in_progress"
	EventMessageDelta     = "conversation.message.delta"
	EventMessageCompleted = "conversation.message.completed"
	EventChatCompleted    = "conversation.chat.completed"
	EventChatFailed       = "conversation.chat.failed"
	EventError            = "error"
	EventDone             = "done"
)

const defaultFailureMessage = "chat processing failed"

var ErrMalformedPayload = errors.New("malformed agent event payload")

// Usage resume el consumo reportado al completar un chat.
type Usage struct {
	ChatID      string
	TokenCount  int
	InputCount  int
	OutputCount int
}

type agentPayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	ChatID         string `json:"chat_id"`
	Role           string `json:"role"`
	Type           string `json:"type"`
	Content        string `json:"content"`
	ContentType    string `json:"content_type"`
	Status         string `json:"status"`
	Code           int    `json:"code"`
	Msg            string `json:"msg"`
	LastError      *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"last_error"`
	Usage *struct {
		TokenCount  int `json:"token_count"`
		InputCount  int `json:"input_count"`
		OutputCount int `json:"output_count"`
	} `json:"usage"`
}

// Normalizer traduce frames del agente a eventos del dominio.
type Normalizer struct {
	// OnUsage, si no es nil, recibe el consumo de cada chat completado.
	OnUsage func(Usage)
}

// Normalize produce cero o un evento por frame. Un payload que no es JSON
// valido devuelve ErrMalformedPayload y ningun evento.
func (n Normalizer) Normalize(f sse.Frame) (domain.StreamEvent, error) {
	if f.Done() || f.Event == EventDone {
		return domain.Ended{}, nil
	}

	switch f.Event {
	case EventChatCreated, EventChatInProgress, EventMessageDelta, EventMessageCompleted,
		EventChatCompleted, EventChatFailed, EventError:
	default:
		return unrecognized(f)
	}

	var p agentPayload
	if err := json.Unmarshal([]byte(f.Data), &p); err != nil {
		return nil, fmt.Errorf("%w: event %s: %v", ErrMalformedPayload, f.Event, err)
	}

	switch f.Event {
	case EventChatCreated:
		return domain.SessionStarted{ConversationID: p.ConversationID, ChatID: p.ID}, nil

	case EventChatInProgress:
		return domain.StatusChanged{Status: "in_progress"}, nil

	case EventMessageDelta:
		if p.Role != string(domain.RoleAssistant) || p.Content == "" {
			return nil, nil
		}
		return domain.ContentDelta{Text: p.Content, MessageID: p.ID}, nil

	case EventMessageCompleted:
		if p.Role != string(domain.RoleAssistant) {
			return nil, nil
		}
		switch p.Type {
		case "answer":
			return domain.ContentComplete{Text: p.Content, MessageID: p.ID, ContentKind: p.ContentType}, nil
		case "verbose":
			return domain.Diagnostic{Text: p.Content}, nil
		case "follow_up":
			return domain.Suggestion{Text: p.Content}, nil
		}
		return nil, nil

	case EventChatCompleted:
		if n.OnUsage != nil && p.Usage != nil {
			n.OnUsage(Usage{
				ChatID:      p.ID,
				TokenCount:  p.Usage.TokenCount,
				InputCount:  p.Usage.InputCount,
				OutputCount: p.Usage.OutputCount,
			})
		}
		return nil, nil

	case EventChatFailed:
		failed := domain.Failed{ErrorMessage: defaultFailureMessage}
		if p.LastError != nil {
			if p.LastError.Msg != "" {
				failed.ErrorMessage = p.LastError.Msg
			}
			failed.Code = p.LastError.Code
		}
		return failed, nil

	case EventError:
		failed := domain.Failed{ErrorMessage: defaultFailureMessage, Code: p.Code}
		if p.Msg != "" {
			failed.ErrorMessage = p.Msg
		}
		return failed, nil
	}
	return nil, nil
}

// unrecognized reenvia un evento desconocido solo si el payload es JSON con un
// campo type no vacio. Los heartbeats y los payloads sin tipo se descartan.
func unrecognized(f sse.Frame) (domain.StreamEvent, error) {
	data := []byte(f.Data)
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: event %q: payload is not JSON", ErrMalformedPayload, f.Event)
	}
	var tagged struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil || strings.TrimSpace(tagged.Type) == "" {
		return nil, nil
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return domain.Unrecognized{Event: f.Event, Raw: raw}, nil
}
