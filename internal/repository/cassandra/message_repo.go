package cassandra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"relaychat-backend/internal/database"
	"relaychat-backend/internal/domain"
)

// maxSeqAttempts bounds compare-and-set rounds when allocating a sequence number
const maxSeqAttempts = 16

// ErrSeqContention is returned when the sequence could not be advanced
var ErrSeqContention = errors.New("conversation sequence contention")

// MessageRepository handles message storage in Cassandra.
// Messages are partitioned by conversation and clustered by a per-conversation
// sequence number allocated with a lightweight transaction.
type MessageRepository struct {
	db *database.CassandraDB
}

// NewMessageRepository creates a new MessageRepository
func NewMessageRepository(db *database.CassandraDB) *MessageRepository {
	return &MessageRepository{db: db}
}

type messageRef struct {
	conversationID uuid.UUID
	seq            int64
}

// AppendMessage stores a message and sets its Seq. Appending a MessageID that
// is already stored only reports the existing Seq, so retries are safe.
func (r *MessageRepository) AppendMessage(ctx context.Context, msg *domain.Message) error {
	ref, err := r.lookup(ctx, msg.MessageID)
	if err == nil {
		msg.Seq = ref.seq
		return nil
	}
	if !errors.Is(err, domain.ErrMessageNotFound) {
		return err
	}

	seq, err := r.nextSeq(ctx, msg.ConversationID)
	if err != nil {
		return err
	}

	batch := r.db.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`
		INSERT INTO messages (
			conversation_id, seq, message_id, sender_id, message_type, content, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, seq, msg.MessageID, msg.SenderID, string(msg.Type), []byte(msg.Content), msg.CreatedAt,
	)
	batch.Query(`
		INSERT INTO messages_by_id (message_id, conversation_id, seq) VALUES (?, ?, ?)`,
		msg.MessageID, msg.ConversationID, seq,
	)
	if err := r.db.Session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	msg.Seq = seq
	return nil
}

// nextSeq advances conversation_seq with compare-and-set so concurrent writers
// in different processes never share a sequence number
func (r *MessageRepository) nextSeq(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	previous := map[string]interface{}{}
	applied, err := r.db.Query(ctx,
		`INSERT INTO conversation_seq (conversation_id, last_seq) VALUES (?, 1) IF NOT EXISTS`,
		conversationID,
	).MapScanCAS(previous)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}
	if applied {
		return 1, nil
	}

	current, _ := previous["last_seq"].(int64)
	for attempt := 0; attempt < maxSeqAttempts; attempt++ {
		previous = map[string]interface{}{}
		applied, err = r.db.Query(ctx,
			`UPDATE conversation_seq SET last_seq = ? WHERE conversation_id = ? IF last_seq = ?`,
			current+1, conversationID, current,
		).MapScanCAS(previous)
		if err != nil {
			return 0, fmt.Errorf("failed to allocate sequence: %w", err)
		}
		if applied {
			return current + 1, nil
		}
		current, _ = previous["last_seq"].(int64)
	}
	return 0, ErrSeqContention
}

func (r *MessageRepository) lookup(ctx context.Context, messageID uuid.UUID) (messageRef, error) {
	var ref messageRef
	err := r.db.Query(ctx,
		`SELECT conversation_id, seq FROM messages_by_id WHERE message_id = ?`,
		messageID,
	).Scan(&ref.conversationID, &ref.seq)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return ref, domain.ErrMessageNotFound
		}
		return ref, fmt.Errorf("failed to look up message: %w", err)
	}
	return ref, nil
}

const selectMessage = `
	SELECT conversation_id, seq, message_id, sender_id, message_type, content,
	       read_by, created_at, deleted_at
	FROM messages`

type scanner interface {
	Scan(dest ...interface{}) bool
}

func scanMessage(s scanner) (*domain.Message, bool) {
	var (
		msg       domain.Message
		msgType   string
		content   []byte
		readBy    map[string]time.Time
		deletedAt time.Time
	)
	if !s.Scan(
		&msg.ConversationID,
		&msg.Seq,
		&msg.MessageID,
		&msg.SenderID,
		&msgType,
		&content,
		&readBy,
		&msg.CreatedAt,
		&deletedAt,
	) {
		return nil, false
	}
	msg.Type = domain.MessageType(msgType)
	if len(content) > 0 {
		msg.Content = content
	}
	if !deletedAt.IsZero() {
		msg.DeletedAt = &deletedAt
	}
	msg.ReadBy = make([]domain.ReadReceipt, 0, len(readBy))
	for id, at := range readBy {
		userID, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		msg.ReadBy = append(msg.ReadBy, domain.ReadReceipt{UserID: userID, ReadAt: at})
	}
	msg.DeriveStatus()
	return &msg, true
}

// GetMessage retrieves a specific message
func (r *MessageRepository) GetMessage(ctx context.Context, messageID uuid.UUID) (*domain.Message, error) {
	ref, err := r.lookup(ctx, messageID)
	if err != nil {
		return nil, err
	}

	iter := r.db.Query(ctx, selectMessage+` WHERE conversation_id = ? AND seq = ?`, ref.conversationID, ref.seq).Iter()
	msg, ok := scanMessage(iter)
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	return msg, nil
}

// GetMessagesPage returns up to limit messages older than beforeSeq, newest
// first. beforeSeq <= 0 starts from the newest message.
func (r *MessageRepository) GetMessagesPage(ctx context.Context, conversationID uuid.UUID, beforeSeq int64, limit int) ([]*domain.Message, error) {
	var iter *gocql.Iter
	if beforeSeq > 0 {
		iter = r.db.Query(ctx, selectMessage+` WHERE conversation_id = ? AND seq < ? LIMIT ?`,
			conversationID, beforeSeq, limit).Iter()
	} else {
		iter = r.db.Query(ctx, selectMessage+` WHERE conversation_id = ? LIMIT ?`,
			conversationID, limit).Iter()
	}

	messages := make([]*domain.Message, 0, limit)
	for {
		msg, ok := scanMessage(iter)
		if !ok {
			break
		}
		messages = append(messages, msg)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return messages, nil
}

// AddReadReceipts adds userID to the read_by map of each message
func (r *MessageRepository) AddReadReceipts(ctx context.Context, conversationID, userID uuid.UUID, messageIDs []uuid.UUID, at time.Time) error {
	batch := r.db.Session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	for _, id := range messageIDs {
		ref, err := r.lookup(ctx, id)
		if errors.Is(err, domain.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if ref.conversationID != conversationID {
			continue
		}
		batch.Query(`UPDATE messages SET read_by[?] = ? WHERE conversation_id = ? AND seq = ?`,
			userID.String(), at, conversationID, ref.seq)
	}
	if batch.Size() == 0 {
		return nil
	}
	if err := r.db.Session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to save read receipts: %w", err)
	}
	return nil
}

// MarkDeleted tombstones a message and drops its content
func (r *MessageRepository) MarkDeleted(ctx context.Context, messageID uuid.UUID, at time.Time) error {
	ref, err := r.lookup(ctx, messageID)
	if err != nil {
		return err
	}
	err = r.db.Exec(ctx,
		`UPDATE messages SET deleted_at = ?, content = null WHERE conversation_id = ? AND seq = ?`,
		at, ref.conversationID, ref.seq,
	)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}
