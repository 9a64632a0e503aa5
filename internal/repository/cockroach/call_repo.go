package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"relaychat-backend/internal/domain"
)

// CallRepository stores the history of finished call sessions
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// SaveCall writes a finished session. Saving the same call twice keeps the latest row.
func (r *CallRepository) SaveCall(ctx context.Context, call *domain.CallSession) error {
	query := `
		UPSERT INTO call_sessions (
			call_id, conversation_id, caller_id, callee_id, state, outcome,
			started_at, connected_at, ended_at, reported_duration, observed_duration
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.pool.Exec(ctx, query,
		call.CallID,
		call.ConversationID,
		call.CallerID,
		call.CalleeID,
		call.State,
		call.Outcome,
		call.StartedAt,
		call.ConnectedAt,
		call.EndedAt,
		call.ReportedDuration,
		int(call.ConnectedFor().Seconds()),
	)
	if err != nil {
		return fmt.Errorf("failed to save call: %w", err)
	}

	return nil
}

// GetUserCalls retrieves calls a user placed or received, newest first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	query := `
		SELECT call_id, conversation_id, caller_id, callee_id, state, outcome,
		       started_at, connected_at, ended_at, reported_duration
		FROM call_sessions
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	calls := make([]*domain.CallSession, 0)
	for rows.Next() {
		call := &domain.CallSession{}
		err := rows.Scan(
			&call.CallID,
			&call.ConversationID,
			&call.CallerID,
			&call.CalleeID,
			&call.State,
			&call.Outcome,
			&call.StartedAt,
			&call.ConnectedAt,
			&call.EndedAt,
			&call.ReportedDuration,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read calls: %w", err)
	}

	return calls, nil
}
