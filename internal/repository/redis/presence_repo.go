package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"relaychat-backend/internal/database"
)

const onlineSetKey = "presence:online"

// PresenceTTL bounds how long a mirrored online flag survives without a rewrite,
// so a crashed process does not leave users online forever
const PresenceTTL = 5 * time.Minute

// PresenceRepository mirrors user online/offline status in Redis for other services
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:%s", userID)
}

// SetUserOnline marks user as online
func (r *PresenceRepository) SetUserOnline(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.SafeSet(ctx, presenceKey(userID), "online", PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set user online: %w", err)
	}
	if err := r.client.SafeSAdd(ctx, onlineSetKey, userID.String()).Err(); err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}
	return nil
}

// SetUserOffline marks user as offline
func (r *PresenceRepository) SetUserOffline(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.SafeDel(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	if err := r.client.SafeSRem(ctx, onlineSetKey, userID.String()).Err(); err != nil {
		return fmt.Errorf("failed to remove from online set: %w", err)
	}
	return nil
}

// IsUserOnline checks if user is currently online
func (r *PresenceRepository) IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	exists, err := r.client.SafeExists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return exists > 0, nil
}

// GetOnlineUsers retrieves list of online user IDs
func (r *PresenceRepository) GetOnlineUsers(ctx context.Context) ([]uuid.UUID, error) {
	ids, err := r.client.SafeSMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online users: %w", err)
	}

	userIDs := make([]uuid.UUID, 0, len(ids))
	for _, s := range ids {
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, nil
}

// Reset clears the online set on startup. Entries left by a previous process
// would otherwise never be removed.
func (r *PresenceRepository) Reset(ctx context.Context) error {
	ids, err := r.GetOnlineUsers(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, presenceKey(id))
	}
	keys = append(keys, onlineSetKey)
	if err := r.client.SafeDel(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to reset presence: %w", err)
	}
	return nil
}
