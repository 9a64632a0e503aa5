package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaychat-backend/internal/domain"
	"relaychat-backend/pkg/constants"
	apperrors "relaychat-backend/pkg/errors"
	"relaychat-backend/pkg/keylock"
	"relaychat-backend/pkg/logger"
	"relaychat-backend/pkg/metrics"
)

// MessageStore persists messages. AppendMessage must be idempotent on
// MessageID and assigns Seq.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *domain.Message) error
	GetMessage(ctx context.Context, messageID uuid.UUID) (*domain.Message, error)
	GetMessagesPage(ctx context.Context, conversationID uuid.UUID, beforeSeq int64, limit int) ([]*domain.Message, error)
	AddReadReceipts(ctx context.Context, conversationID, userID uuid.UUID, messageIDs []uuid.UUID, at time.Time) error
	MarkDeleted(ctx context.Context, messageID uuid.UUID, at time.Time) error
}

// Directory answers membership questions
type Directory interface {
	IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
	RoleOf(ctx context.Context, conversationID, userID uuid.UUID) (domain.ParticipantRole, bool, error)
}

// Broadcaster fans a frame out to a conversation room
type Broadcaster interface {
	Broadcast(conversationID uuid.UUID, payload []byte) int
}

// Executor runs store calls with retry and circuit breaking
type Executor interface {
	Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error
}

// Service handles chat business logic
type Service struct {
	store     MessageStore
	directory Directory
	rooms     Broadcaster
	exec      Executor
	locks     *keylock.Map
	now       func() time.Time
}

// NewService creates a new chat service
func NewService(store MessageStore, directory Directory, rooms Broadcaster, exec Executor) *Service {
	return &Service{
		store:     store,
		directory: directory,
		rooms:     rooms,
		exec:      exec,
		locks:     keylock.New(),
		now:       time.Now,
	}
}

// SendMessageInput contains message data
type SendMessageInput struct {
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	Type           domain.MessageType
	Content        []byte
}

func (in *SendMessageInput) validate() error {
	if in.ConversationID == uuid.Nil {
		return apperrors.MissingFieldError("conversationId")
	}
	content := bytes.TrimSpace(in.Content)
	if len(content) == 0 || bytes.Equal(content, []byte("null")) {
		return apperrors.MissingFieldError("content")
	}
	if len(content) > constants.MaxMessageContentBytes {
		return apperrors.ValidationError(fmt.Sprintf("content exceeds %d bytes", constants.MaxMessageContentBytes))
	}
	if in.Type == "" {
		in.Type = domain.MessageTypeText
	}
	if !domain.ValidMessageType(in.Type) {
		return apperrors.ValidationError("unknown message type")
	}
	return nil
}

// SendMessage authorizes, persists and broadcasts one message. Messages to the
// same conversation are persisted and enqueued to subscribers in one order.
// A message that fails to persist is never broadcast.
func (s *Service) SendMessage(ctx context.Context, input *SendMessageInput) (*domain.Message, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	if err := s.authorize(ctx, input.ConversationID, input.SenderID); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeNotAMember) {
			metrics.MessagesUnauthorizedTotal.Inc()
		}
		return nil, err
	}
	metrics.MessageDeliveryDuration.WithLabelValues("authorize").Observe(time.Since(start).Seconds())

	unlock := s.locks.Lock(input.ConversationID)
	defer unlock()

	msg := &domain.Message{
		MessageID:      uuid.New(),
		ConversationID: input.ConversationID,
		SenderID:       input.SenderID,
		Type:           input.Type,
		Content:        append([]byte(nil), bytes.TrimSpace(input.Content)...),
		Status:         domain.MessageStatusSent,
		ReadBy:         []domain.ReadReceipt{},
		CreatedAt:      s.now().UTC(),
	}

	start = time.Now()
	err := s.exec.Execute(ctx, "append_message", func(ctx context.Context) error {
		return s.store.AppendMessage(ctx, msg)
	})
	metrics.MessageDeliveryDuration.WithLabelValues("persist").Observe(time.Since(start).Seconds())
	if err != nil {
		logger.Error("Failed to persist message",
			zap.String("conversation_id", msg.ConversationID.String()),
			zap.String("message_id", msg.MessageID.String()),
			zap.Error(err),
		)
		return nil, apperrors.PersistenceError(err)
	}

	msg.Status = domain.MessageStatusDelivered
	start = time.Now()
	n := s.rooms.Broadcast(msg.ConversationID, domain.MustEncode(domain.EventMessageNew, domain.MessageNewPayload{
		Message:        msg,
		ConversationID: msg.ConversationID,
	}))
	metrics.MessageDeliveryDuration.WithLabelValues("broadcast").Observe(time.Since(start).Seconds())
	metrics.MessagesSentTotal.WithLabelValues(string(msg.Type)).Inc()

	logger.Debug("Message delivered",
		zap.String("conversation_id", msg.ConversationID.String()),
		zap.Int64("seq", msg.Seq),
		zap.Int("subscribers", n),
	)
	return msg, nil
}

// MarkReadInput identifies messages a user has read
type MarkReadInput struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID
	MessageIDs     []uuid.UUID
}

// MarkRead records receipts and broadcasts messages_read for the ids that were
// newly read. Unknown ids, ids from another conversation, the reader's own
// messages and already-read messages are skipped. It returns the newly read ids.
func (s *Service) MarkRead(ctx context.Context, input *MarkReadInput) ([]uuid.UUID, error) {
	if input.ConversationID == uuid.Nil {
		return nil, apperrors.MissingFieldError("conversationId")
	}
	if len(input.MessageIDs) == 0 {
		return nil, apperrors.MissingFieldError("messageIds")
	}
	if len(input.MessageIDs) > constants.MaxReadBatch {
		return nil, apperrors.ValidationError(fmt.Sprintf("at most %d messages per batch", constants.MaxReadBatch))
	}
	if err := s.authorize(ctx, input.ConversationID, input.UserID); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(input.ConversationID)
	defer unlock()

	seen := make(map[uuid.UUID]struct{}, len(input.MessageIDs))
	fresh := make([]uuid.UUID, 0, len(input.MessageIDs))
	for _, id := range input.MessageIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		msg, err := s.store.GetMessage(ctx, id)
		if errors.Is(err, domain.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return nil, apperrors.PersistenceError(err)
		}
		if msg.ConversationID != input.ConversationID || msg.IsDeleted() {
			continue
		}
		if msg.SenderID == input.UserID || msg.HasReader(input.UserID) {
			continue
		}
		fresh = append(fresh, id)
	}
	if len(fresh) == 0 {
		return fresh, nil
	}

	at := s.now().UTC()
	err := s.exec.Execute(ctx, "add_read_receipts", func(ctx context.Context) error {
		return s.store.AddReadReceipts(ctx, input.ConversationID, input.UserID, fresh, at)
	})
	if err != nil {
		logger.Error("Failed to persist read receipts",
			zap.String("conversation_id", input.ConversationID.String()),
			zap.String("user_id", input.UserID.String()),
			zap.Error(err),
		)
		return nil, apperrors.PersistenceError(err)
	}

	metrics.MessagesReadTotal.Add(float64(len(fresh)))
	s.rooms.Broadcast(input.ConversationID, domain.MustEncode(domain.EventMessagesRead, domain.MessagesReadPayload{
		MessageIDs:     fresh,
		UserID:         input.UserID,
		ConversationID: input.ConversationID,
	}))
	return fresh, nil
}

// DeleteMessage tombstones a message. Only its sender or a conversation admin
// may delete it. Deleting an already deleted message succeeds without a broadcast.
func (s *Service) DeleteMessage(ctx context.Context, messageID, requesterID uuid.UUID) error {
	if messageID == uuid.Nil {
		return apperrors.MissingFieldError("messageId")
	}

	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, domain.ErrMessageNotFound) {
		return apperrors.NotFoundError("message")
	}
	if err != nil {
		return apperrors.PersistenceError(err)
	}

	if msg.SenderID != requesterID {
		role, ok, err := s.directory.RoleOf(ctx, msg.ConversationID, requesterID)
		if err != nil {
			return apperrors.DependencyError("membership lookup failed", err)
		}
		if !ok {
			return apperrors.NotAMemberError()
		}
		if role != domain.RoleAdmin {
			return apperrors.ForbiddenError("only the sender or an admin can delete this message")
		}
	}

	unlock := s.locks.Lock(msg.ConversationID)
	defer unlock()

	// A concurrent delete may have won the lock; only the first one broadcasts
	current, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return apperrors.PersistenceError(err)
	}
	if current.IsDeleted() {
		return nil
	}

	err = s.exec.Execute(ctx, "mark_deleted", func(ctx context.Context) error {
		return s.store.MarkDeleted(ctx, messageID, s.now().UTC())
	})
	if err != nil {
		return apperrors.PersistenceError(err)
	}

	s.rooms.Broadcast(msg.ConversationID, domain.MustEncode(domain.EventMessageDeleted, domain.MessageDeletedPayload{
		MessageID:      messageID,
		ConversationID: msg.ConversationID,
	}))
	logger.Info("Message deleted",
		zap.String("message_id", messageID.String()),
		zap.String("deleted_by", requesterID.String()),
	)
	return nil
}

// GetMessagesInput contains pagination params
type GetMessagesInput struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID
	BeforeSeq      int64
	Limit          int
}

// GetMessagesOutput contains one page of history, newest first
type GetMessagesOutput struct {
	Messages   []*domain.Message `json:"messages"`
	NextBefore int64             `json:"nextBefore,omitempty"`
	HasMore    bool              `json:"hasMore"`
}

// GetMessages returns history for members of the conversation
func (s *Service) GetMessages(ctx context.Context, input *GetMessagesInput) (*GetMessagesOutput, error) {
	if input.ConversationID == uuid.Nil {
		return nil, apperrors.MissingFieldError("conversationId")
	}
	if err := s.authorize(ctx, input.ConversationID, input.UserID); err != nil {
		return nil, err
	}

	limit := input.Limit
	if limit <= 0 {
		limit = constants.DefaultHistoryLimit
	}
	if limit > constants.MaxHistoryLimit {
		limit = constants.MaxHistoryLimit
	}

	var page []*domain.Message
	err := s.exec.Execute(ctx, "get_messages", func(ctx context.Context) error {
		var err error
		page, err = s.store.GetMessagesPage(ctx, input.ConversationID, input.BeforeSeq, limit+1)
		return err
	})
	if err != nil {
		return nil, apperrors.PersistenceError(err)
	}

	out := &GetMessagesOutput{Messages: page}
	if len(page) > limit {
		out.Messages = page[:limit]
		out.HasMore = true
	}
	for _, m := range out.Messages {
		m.DeriveStatus()
	}
	if out.HasMore {
		out.NextBefore = out.Messages[len(out.Messages)-1].Seq
	}
	return out, nil
}

func (s *Service) authorize(ctx context.Context, conversationID, userID uuid.UUID) error {
	ok, err := s.directory.IsMember(ctx, conversationID, userID)
	if err != nil {
		return apperrors.DependencyError("membership lookup failed", err)
	}
	if !ok {
		logger.Warn("Rejected non-member",
			zap.String("conversation_id", conversationID.String()),
			zap.String("user_id", userID.String()),
		)
		return apperrors.NotAMemberError()
	}
	return nil
}
