package service

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"agent-relay/internal/domain"
	"agent-relay/internal/repository"
)

var (
	ErrSessionServiceNotConfigured = errors.New("session service not configured")
	ErrMissingUser                 = errors.New("user id is required")
	ErrConversationForbidden       = errors.New("conversation belongs to another user")
)

// ConversationCreator es la parte del agente que necesita el gestor de sesiones.
type ConversationCreator interface {
	CreateConversation(ctx context.Context) (string, error)
}

// SessionService decide por peticion si reutilizar o crear la conversacion y
// deriva la clave de aislamiento que viaja al agente.
type SessionService struct {
	agent  ConversationCreator
	repo   repository.ConversationRepository
	key    []byte
	logger *zap.Logger
	now    func() time.Time
}

func NewSessionService(agent ConversationCreator, repo repository.ConversationRepository, secret string, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if repo == nil {
		repo = repository.NewMemoryConversationRepository()
	}
	var key []byte
	if secret != "" {
		sum := blake2b.Sum256([]byte(secret))
		key = sum[:]
	}
	return &SessionService{
		agent:  agent,
		repo:   repo,
		key:    key,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Resolve devuelve la conversacion a usar. Sin conversationID crea una nueva en
// el agente; si la creacion falla la peticion entera falla.
func (s *SessionService) Resolve(ctx context.Context, userID, conversationID string) (domain.Conversation, error) {
	if s == nil || s.agent == nil {
		return domain.Conversation{}, ErrSessionServiceNotConfigured
	}
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" {
		return domain.Conversation{}, ErrMissingUser
	}

	if conversationID != "" {
		return s.reuse(ctx, userID, conversationID)
	}

	id, err := s.agent.CreateConversation(ctx)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	conv := domain.Conversation{
		ID:           id,
		OwnerID:      userID,
		IsolationKey: s.IsolationKey(userID, id),
		CreatedAt:    s.now(),
	}
	s.index(ctx, conv)
	s.logger.Info("conversation created", zap.String("user_id", userID), zap.String("conversation_id", id))
	return conv, nil
}

func (s *SessionService) reuse(ctx context.Context, userID, conversationID string) (domain.Conversation, error) {
	known, err := s.repo.GetByID(ctx, conversationID)
	switch {
	case err == nil:
		if known.OwnerID != userID {
			s.logger.Warn("conversation owner mismatch",
				zap.String("user_id", userID),
				zap.String("conversation_id", conversationID),
			)
			return domain.Conversation{}, ErrConversationForbidden
		}
		return known, nil
	case !errors.Is(err, repository.ErrConversationNotFound):
		// El indice es auxiliar: si no responde seguimos con la conversacion pedida.
		s.logger.Warn("conversation index lookup failed", zap.Error(err), zap.String("conversation_id", conversationID))
	}

	conv := domain.Conversation{
		ID:           conversationID,
		OwnerID:      userID,
		IsolationKey: s.IsolationKey(userID, conversationID),
		CreatedAt:    s.now(),
	}
	if err != nil && errors.Is(err, repository.ErrConversationNotFound) {
		s.index(ctx, conv)
	}
	return conv, nil
}

// Authorize comprueba que el usuario puede leer la conversacion. Una lectura
// nunca reclama una conversacion: si el indice no la conoce, o no responde,
// se rechaza.
func (s *SessionService) Authorize(ctx context.Context, userID, conversationID string) error {
	if s == nil {
		return ErrSessionServiceNotConfigured
	}
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" {
		return ErrMissingUser
	}
	if conversationID == "" {
		return ErrConversationForbidden
	}
	known, err := s.repo.GetByID(ctx, conversationID)
	if errors.Is(err, repository.ErrConversationNotFound) {
		return ErrConversationForbidden
	}
	if err != nil {
		s.logger.Warn("conversation index lookup failed", zap.Error(err), zap.String("conversation_id", conversationID))
		return ErrConversationForbidden
	}
	if known.OwnerID != userID {
		return ErrConversationForbidden
	}
	return nil
}

func (s *SessionService) ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	if s == nil {
		return nil, ErrSessionServiceNotConfigured
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrMissingUser
	}
	convs, err := s.repo.ListByOwner(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	return convs, nil
}

// IsolationKey deriva una clave determinista a partir del usuario y, si existe,
// de la conversacion. Cada componente va prefijado con su longitud para que
// ninguna combinacion de ids colisione con otra.
func (s *SessionService) IsolationKey(userID, conversationID string) string {
	h, err := blake2b.New256(s.key)
	if err != nil {
		// Solo falla con claves de mas de 64 bytes; la clave es un hash de 32.
		panic(err)
	}
	writeField(h, "user", userID)
	if conversationID != "" {
		writeField(h, "conv", conversationID)
	}
	return "iso_" + hex.EncodeToString(h.Sum(nil))
}

func (s *SessionService) index(ctx context.Context, conv domain.Conversation) {
	if err := s.repo.Create(ctx, conv); err != nil {
		s.logger.Warn("conversation index write failed", zap.Error(err), zap.String("conversation_id", conv.ID))
	}
}

type byteWriter interface {
	Write(p []byte) (int, error)
}

func writeField(w byteWriter, label, value string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(value)))
	_, _ = w.Write([]byte(label))
	_, _ = w.Write(n[:])
	_, _ = w.Write([]byte(value))
}
