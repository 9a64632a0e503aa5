package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// MessageType tags the content payload. The core treats content as opaque.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeFile     MessageType = "file"
	MessageTypeLocation MessageType = "location"
	MessageTypeCall     MessageType = "call"
)

// MessageStatus is the client-facing summary of a message's read state
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// ReadReceipt records that a user read a message
type ReadReceipt struct {
	UserID uuid.UUID `json:"user"`
	ReadAt time.Time `json:"readAt"`
}

// Message represents a chat message entity.
// Seq is assigned by the message store and is strictly increasing per conversation.
type Message struct {
	MessageID      uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversationId"`
	Seq            int64           `json:"seq"`
	SenderID       uuid.UUID       `json:"sender"`
	Type           MessageType     `json:"type"`
	Content        json.RawMessage `json:"content"`
	Status         MessageStatus   `json:"status"`
	ReadBy         []ReadReceipt   `json:"readBy"`
	CreatedAt      time.Time       `json:"createdAt"`
	DeletedAt      *time.Time      `json:"deletedAt,omitempty"`
}

// HasReader reports whether userID already has a receipt
func (m *Message) HasReader(userID uuid.UUID) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// AddReader appends a receipt for userID. It returns false, changing nothing,
// when userID is the sender or has already read the message.
func (m *Message) AddReader(userID uuid.UUID, at time.Time) bool {
	if userID == m.SenderID || m.HasReader(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, ReadReceipt{UserID: userID, ReadAt: at})
	if m.Status != MessageStatusRead {
		m.Status = MessageStatusRead
	}
	return true
}

// IsDeleted reports whether the message carries a tombstone
func (m *Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// Tombstone marks the message deleted and drops its content
func (m *Message) Tombstone(at time.Time) {
	t := at
	m.DeletedAt = &t
	m.Content = nil
}

// IsReadByAll reports whether every recipient other than the sender has a receipt
func (m *Message) IsReadByAll(members []uuid.UUID) bool {
	for _, id := range members {
		if id != m.SenderID && !m.HasReader(id) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers can mutate it without sharing state
func (m *Message) Clone() *Message {
	c := *m
	if m.Content != nil {
		c.Content = append(json.RawMessage(nil), m.Content...)
	}
	if m.ReadBy != nil {
		c.ReadBy = append([]ReadReceipt(nil), m.ReadBy...)
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// ValidMessageType reports whether t is a known message type
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeLocation, MessageTypeCall:
		return true
	}
	return false
}

// DeriveStatus sets Status for a message loaded from the store. Anything the
// store returns has already been broadcast.
func (m *Message) DeriveStatus() {
	if len(m.ReadBy) > 0 {
		m.Status = MessageStatusRead
		return
	}
	m.Status = MessageStatusDelivered
}

// ErrMessageNotFound is returned by message stores for unknown ids
var ErrMessageNotFound = errors.New("message not found")
