package llm

import (
	"context"
	"io"
	"strings"
	"sync"

	"agent-relay/internal/domain"
)

// MockAgent permite tests sin llamar al agente real. StreamBody es el cuerpo
// SSE crudo que devuelve StreamChat.
type MockAgent struct {
	mu sync.Mutex

	ConversationID string
	CreateErr      error
	FileID         string
	UploadErr      error
	StreamBody     string
	StreamErr      error
	Chat           ChatInfo
	ChatErr        error
	History        []domain.HistoryMessage
	HistoryErr     error
	// FailFirst limita StreamErr y ChatErr a los primeros N envios; 0 los aplica siempre.
	FailFirst int
	// EmptyPolls hace que las primeras N llamadas a ChatMessages no devuelvan nada.
	EmptyPolls int

	CreateCalls  int
	UploadCalls  int
	MessageCalls int
	Requests     []ChatRequest
}

func (m *MockAgent) failing(err error) bool {
	return err != nil && (m.FailFirst == 0 || len(m.Requests) <= m.FailFirst)
}

func (m *MockAgent) CreateConversation(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls++
	if m.CreateErr != nil {
		return "", m.CreateErr
	}
	return m.ConversationID, nil
}

func (m *MockAgent) UploadFile(ctx context.Context, file domain.UploadedFile) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UploadCalls++
	if m.UploadErr != nil {
		return "", m.UploadErr
	}
	return m.FileID, nil
}

func (m *MockAgent) StreamChat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.failing(m.StreamErr) {
		return nil, m.StreamErr
	}
	return io.NopCloser(strings.NewReader(m.StreamBody)), nil
}

func (m *MockAgent) CreateChat(ctx context.Context, req ChatRequest) (ChatInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.failing(m.ChatErr) {
		return ChatInfo{}, m.ChatErr
	}
	return m.Chat, nil
}

func (m *MockAgent) ChatMessages(ctx context.Context, conversationID, chatID string) ([]domain.HistoryMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessageCalls++
	if m.HistoryErr != nil {
		return nil, m.HistoryErr
	}
	if m.MessageCalls <= m.EmptyPolls {
		return nil, nil
	}
	return m.History, nil
}

func (m *MockAgent) ListMessages(ctx context.Context, conversationID string, opts ListOptions) (MessagePage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.HistoryErr != nil {
		return MessagePage{}, m.HistoryErr
	}
	return MessagePage{Messages: m.History}, nil
}

// RequestCount devuelve cuantos envios de chat recibio el mock.
func (m *MockAgent) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}
