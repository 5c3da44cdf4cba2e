package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

type EventType string

const (
	EventSessionStarted  EventType = "session_started"
	EventStatusChanged   EventType = "status_changed"
	EventContentDelta    EventType = "content_delta"
	EventContentComplete EventType = "content_complete"
	EventSuggestion      EventType = "suggestion"
	EventDiagnostic      EventType = "diagnostic"
	EventFailed          EventType = "failed"
	EventEnded           EventType = "ended"
	EventUnrecognized    EventType = "unrecognized"
)

// StreamEvent es la union cerrada de eventos normalizados que viajan del
// agente al cliente. Solo los tipos de este archivo la implementan.
type StreamEvent interface {
	Type() EventType
	streamEvent()
}

type SessionStarted struct {
	ConversationID string
	ChatID         string
}

type StatusChanged struct {
	Status string
}

type ContentDelta struct {
	Text      string
	MessageID string
}

type ContentComplete struct {
	Text        string
	MessageID   string
	ContentKind string
}

// Suggestion es una pregunta de seguimiento propuesta por el agente; no forma
// parte de la respuesta.
type Suggestion struct {
	Text string
}

// Diagnostic transporta salida verbose del agente; nunca se muestra como respuesta.
type Diagnostic struct {
	Text string
}

type Failed struct {
	ErrorMessage string
	Code         int
}

type Ended struct{}

// Unrecognized conserva eventos que el relay no sabe interpretar.
type Unrecognized struct {
	Event string
	Raw   json.RawMessage
}

func (SessionStarted) Type() EventType  { return EventSessionStarted }
func (StatusChanged) Type() EventType   { return EventStatusChanged }
func (ContentDelta) Type() EventType    { return EventContentDelta }
func (ContentComplete) Type() EventType { return EventContentComplete }
func (Suggestion) Type() EventType      { return EventSuggestion }
func (Diagnostic) Type() EventType      { return EventDiagnostic }
func (Failed) Type() EventType          { return EventFailed }
func (Ended) Type() EventType           { return EventEnded }
func (Unrecognized) Type() EventType    { return EventUnrecognized }

func (SessionStarted) streamEvent()  {}
func (StatusChanged) streamEvent()   {}
func (ContentDelta) streamEvent()    {}
func (ContentComplete) streamEvent() {}
func (Suggestion) streamEvent()      {}
func (Diagnostic) streamEvent()      {}
func (Failed) streamEvent()          {}
func (Ended) streamEvent()           {}
func (Unrecognized) streamEvent()    {}

// IsTerminal indica si el evento cierra el stream (Failed o Ended).
func IsTerminal(ev StreamEvent) bool {
	switch ev.(type) {
	case Failed, Ended:
		return true
	}
	return false
}

var ErrInvalidEvent = errors.New("invalid stream event")

// wireEvent es la forma JSON de todos los eventos: "type" identifica la
// variante y el resto de campos se omiten si no aplican.
type wireEvent struct {
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	ChatID         string          `json:"chatId,omitempty"`
	Status         string          `json:"status,omitempty"`
	Text           string          `json:"text,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
	ContentKind    string          `json:"contentKind,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	Code           int             `json:"code,omitempty"`
	Event          string          `json:"event,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// EncodeEvent serializa un evento a su forma JSON de una linea.
func EncodeEvent(ev StreamEvent) ([]byte, error) {
	if ev == nil {
		return nil, ErrInvalidEvent
	}
	w := wireEvent{Type: ev.Type()}
	switch e := ev.(type) {
	case SessionStarted:
		w.ConversationID = e.ConversationID
		w.ChatID = e.ChatID
	case StatusChanged:
		w.Status = e.Status
	case ContentDelta:
		w.Text = e.Text
		w.MessageID = e.MessageID
	case ContentComplete:
		w.Text = e.Text
		w.MessageID = e.MessageID
		w.ContentKind = e.ContentKind
	case Suggestion:
		w.Text = e.Text
	case Diagnostic:
		w.Text = e.Text
	case Failed:
		w.ErrorMessage = e.ErrorMessage
		w.Code = e.Code
	case Ended:
	case Unrecognized:
		w.Event = e.Event
		if json.Valid(e.Raw) {
			w.Raw = e.Raw
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidEvent, ev)
	}
	return json.Marshal(w)
}

// DecodeEvent reconstruye un evento desde su forma JSON. Un "type"
// desconocido se devuelve como Unrecognized con el payload completo.
func DecodeEvent(data []byte) (StreamEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	switch w.Type {
	case EventSessionStarted:
		return SessionStarted{ConversationID: w.ConversationID, ChatID: w.ChatID}, nil
	case EventStatusChanged:
		return StatusChanged{Status: w.Status}, nil
	case EventContentDelta:
		return ContentDelta{Text: w.Text, MessageID: w.MessageID}, nil
	case EventContentComplete:
		return ContentComplete{Text: w.Text, MessageID: w.MessageID, ContentKind: w.ContentKind}, nil
	case EventSuggestion:
		return Suggestion{Text: w.Text}, nil
	case EventDiagnostic:
		return Diagnostic{Text: w.Text}, nil
	case EventFailed:
		return Failed{ErrorMessage: w.ErrorMessage, Code: w.Code}, nil
	case EventEnded:
		return Ended{}, nil
	case EventUnrecognized:
		return Unrecognized{Event: w.Event, Raw: w.Raw}, nil
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Unrecognized{Event: string(w.Type), Raw: raw}, nil
}
