package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"relaychat-backend/internal/domain"
)

// ConversationRepository reads conversation membership. Conversations are
// created and edited by another service; this one only looks them up.
type ConversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// MembersOf retrieves all participants in a conversation with their role
func (r *ConversationRepository) MembersOf(ctx context.Context, conversationID uuid.UUID) ([]domain.Participant, error) {
	query := `
		SELECT user_id, role, joined_at
		FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY joined_at
	`

	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	participants := make([]domain.Participant, 0)
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.UserID, &p.Role, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read participants: %w", err)
	}

	return participants, nil
}

// IsParticipant checks membership without loading the whole list
func (r *ConversationRepository) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2
		)
	`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, conversationID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return exists, nil
}
