package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaychat-backend/internal/database"
	"relaychat-backend/pkg/logger"
)

// MembershipChannel carries the id of a conversation whose participants changed
const MembershipChannel = "conversation:membership"

// MembershipEvents publishes and receives conversation membership changes
type MembershipEvents struct {
	client *database.RedisClient
}

// NewMembershipEvents creates a new MembershipEvents
func NewMembershipEvents(client *database.RedisClient) *MembershipEvents {
	return &MembershipEvents{client: client}
}

// Publish announces that conversationID's participants changed
func (e *MembershipEvents) Publish(ctx context.Context, conversationID uuid.UUID) error {
	if err := e.client.SafePublish(ctx, MembershipChannel, conversationID.String()).Err(); err != nil {
		return fmt.Errorf("failed to publish membership change: %w", err)
	}
	return nil
}

// Subscribe streams changed conversation ids until ctx is done
func (e *MembershipEvents) Subscribe(ctx context.Context) (<-chan uuid.UUID, error) {
	pubsub := e.client.Subscribe(ctx, MembershipChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", MembershipChannel, err)
	}

	out := make(chan uuid.UUID, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				id, err := uuid.Parse(msg.Payload)
				if err != nil {
					logger.Warn("Ignoring malformed membership event", zap.String("payload", msg.Payload))
					continue
				}
				select {
				case out <- id:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
