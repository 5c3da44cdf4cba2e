package chatclient

import (
	"fmt"
	"strings"

	"agent-relay/internal/domain"
)

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseStreaming Phase = "streaming"
)

// Entry es un turno del historial visible.
type Entry struct {
	Role    domain.Role
	Text    string
	Partial bool
}

// StreamFailure es el error que el relay reporta con un evento failed.
type StreamFailure struct {
	Message string
	Code    int
}

func (e *StreamFailure) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("relay failure %d: %s", e.Code, e.Message)
	}
	return "relay failure: " + e.Message
}

// ChatState reensambla los eventos de un stream en el estado de la conversacion.
// No es seguro para uso concurrente.
type ChatState struct {
	Phase          Phase
	ConversationID string
	Status         string
	Live           string
	History        []Entry
	Suggestions    []string
	Diagnostics    []string
	Err            error
}

func NewChatState() *ChatState {
	return &ChatState{Phase: PhaseIdle}
}

// Submit registra la pregunta del usuario y limpia lo que quedo del turno anterior.
func (s *ChatState) Submit(question string) {
	if q := strings.TrimSpace(question); q != "" {
		s.History = append(s.History, Entry{Role: domain.RoleUser, Text: q})
	}
	s.Suggestions = nil
	s.Diagnostics = nil
	s.Status = ""
	s.Err = nil
}

// Apply aplica un evento del stream.
func (s *ChatState) Apply(ev domain.StreamEvent) {
	switch e := ev.(type) {
	case domain.SessionStarted:
		if e.ConversationID != "" {
			s.ConversationID = e.ConversationID
		}
		s.Phase = PhaseStreaming
	case domain.StatusChanged:
		s.Status = e.Status
		s.Phase = PhaseStreaming
	case domain.ContentDelta:
		s.Live += e.Text
		s.Phase = PhaseStreaming
	case domain.ContentComplete:
		text := e.Text
		if text == "" {
			text = s.Live
		}
		if text != "" {
			s.History = append(s.History, Entry{Role: domain.RoleAssistant, Text: text})
		}
		s.Live = ""
		s.Phase = PhaseIdle
	case domain.Suggestion:
		s.Suggestions = append(s.Suggestions, e.Text)
	case domain.Diagnostic:
		s.Diagnostics = append(s.Diagnostics, e.Text)
	case domain.Failed:
		s.Abort(&StreamFailure{Message: e.ErrorMessage, Code: e.Code})
	case domain.Ended:
		s.flushPartial()
		s.Phase = PhaseIdle
	}
}

// Abort cierra el turno en curso por un error local (red, cancelacion) o remoto.
// El texto parcial ya recibido queda en el historial.
func (s *ChatState) Abort(err error) {
	s.flushPartial()
	s.Err = err
	s.Phase = PhaseIdle
}

func (s *ChatState) flushPartial() {
	if s.Live == "" {
		return
	}
	s.History = append(s.History, Entry{Role: domain.RoleAssistant, Text: s.Live, Partial: true})
	s.Live = ""
}
