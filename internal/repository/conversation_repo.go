package repository

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agent-relay/internal/domain"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository guarda el indice de propiedad de conversaciones; el
// contenido vive en el agente.
type ConversationRepository interface {
	Create(ctx context.Context, conv domain.Conversation) error
	GetByID(ctx context.Context, id string) (domain.Conversation, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Conversation, error)
}

type PgConversationRepository struct {
	pool *pgxpool.Pool
}

func NewPgConversationRepository(pool *pgxpool.Pool) *PgConversationRepository {
	return &PgConversationRepository{pool: pool}
}

func (r *PgConversationRepository) Create(ctx context.Context, conv domain.Conversation) error {
	const query = `
		INSERT INTO conversations (id, owner_id, isolation_key, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query,
		conv.ID,
		conv.OwnerID,
		conv.IsolationKey,
		conv.CreatedAt,
	)
	return err
}

func (r *PgConversationRepository) GetByID(ctx context.Context, id string) (domain.Conversation, error) {
	const query = `
		SELECT id, owner_id, isolation_key, created_at
		FROM conversations
		WHERE id = $1
	`
	var conv domain.Conversation
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&conv.ID,
		&conv.OwnerID,
		&conv.IsolationKey,
		&conv.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

func (r *PgConversationRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, owner_id, isolation_key, created_at
		FROM conversations
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		var conv domain.Conversation
		if err := rows.Scan(&conv.ID, &conv.OwnerID, &conv.IsolationKey, &conv.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MemoryConversationRepository se usa cuando no hay DATABASE_URL.
type MemoryConversationRepository struct {
	mu    sync.RWMutex
	items map[string]domain.Conversation
}

func NewMemoryConversationRepository() *MemoryConversationRepository {
	return &MemoryConversationRepository{items: make(map[string]domain.Conversation)}
}

func (r *MemoryConversationRepository) Create(_ context.Context, conv domain.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[conv.ID]; ok {
		return nil
	}
	r.items[conv.ID] = conv
	return nil
}

func (r *MemoryConversationRepository) GetByID(_ context.Context, id string) (domain.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.items[id]
	if !ok {
		return domain.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (r *MemoryConversationRepository) ListByOwner(_ context.Context, ownerID string, limit int) ([]domain.Conversation, error) {
	r.mu.RLock()
	var out []domain.Conversation
	for _, conv := range r.items {
		if conv.OwnerID == ownerID {
			out = append(out, conv)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
