// Package memory holds in-process stores used for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaychat-backend/internal/domain"
)

// MessageStore keeps messages in process memory. Every value crossing its
// boundary is cloned.
type MessageStore struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*domain.Message
	byConv map[uuid.UUID][]*domain.Message
	seq    map[uuid.UUID]int64
}

// NewMessageStore creates an empty store
func NewMessageStore() *MessageStore {
	return &MessageStore{
		byID:   make(map[uuid.UUID]*domain.Message),
		byConv: make(map[uuid.UUID][]*domain.Message),
		seq:    make(map[uuid.UUID]int64),
	}
}

// AppendMessage stores msg and assigns the next sequence number of its conversation
func (s *MessageStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[msg.MessageID]; ok {
		msg.Seq = existing.Seq
		return nil
	}

	s.seq[msg.ConversationID]++
	msg.Seq = s.seq[msg.ConversationID]

	stored := msg.Clone()
	if stored.ReadBy == nil {
		stored.ReadBy = []domain.ReadReceipt{}
	}
	s.byID[stored.MessageID] = stored
	s.byConv[stored.ConversationID] = append(s.byConv[stored.ConversationID], stored)
	return nil
}

// GetMessage retrieves a specific message
func (s *MessageStore) GetMessage(ctx context.Context, messageID uuid.UUID) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.byID[messageID]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	out := msg.Clone()
	out.DeriveStatus()
	return out, nil
}

// GetMessagesPage returns up to limit messages older than beforeSeq, newest first
func (s *MessageStore) GetMessagesPage(ctx context.Context, conversationID uuid.UUID, beforeSeq int64, limit int) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.byConv[conversationID]
	// all is in ascending seq order
	end := len(all)
	if beforeSeq > 0 {
		end = sort.Search(len(all), func(i int) bool { return all[i].Seq >= beforeSeq })
	}

	out := make([]*domain.Message, 0, limit)
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i].Clone())
	}
	return out, nil
}

// AddReadReceipts records that userID read messageIDs. Existing receipts are kept.
func (s *MessageStore) AddReadReceipts(ctx context.Context, conversationID, userID uuid.UUID, messageIDs []uuid.UUID, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range messageIDs {
		msg, ok := s.byID[id]
		if !ok || msg.ConversationID != conversationID {
			continue
		}
		msg.AddReader(userID, at)
	}
	return nil
}

// MarkDeleted tombstones a message
func (s *MessageStore) MarkDeleted(ctx context.Context, messageID uuid.UUID, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[messageID]
	if !ok {
		return domain.ErrMessageNotFound
	}
	if !msg.IsDeleted() {
		msg.Tombstone(at)
	}
	return nil
}
