package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Client to server events
const (
	EventJoinConversation  = "join:conversation"
	EventLeaveConversation = "leave:conversation"
	EventMessageSend       = "message:send"
	EventMessageRead       = "message:read"
	EventMarkMultipleRead  = "mark-multiple-read"
	EventMessageDelete     = "message:delete"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"
	EventCallOffer         = "call:offer"
	EventCallAnswer        = "call:answer"
	EventCallICECandidate  = "call:ice-candidate"
	EventCallReject        = "call:reject"
	EventCallEnd           = "call:end"
	EventHeartbeat         = "heartbeat"
)

// Server to client events. typing:start, typing:stop and the call:offer,
// call:answer and call:ice-candidate names are shared with the client side.
const (
	EventUsersOnline         = "users:online"
	EventUserStatus          = "user:status"
	EventMessageNew          = "message:new"
	EventMessagesRead        = "messages_read"
	EventMessageDeleted      = "message:deleted"
	EventConversationUpdated = "conversation:updated"
	EventCallRejected        = "call:rejected"
	EventCallEnded           = "call:ended"
	EventError               = "error"
	EventAck                 = "ack"
)

// Envelope is the frame exchanged on a realtime connection
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

// Encode marshals an outbound event into a frame ready for a connection's queue
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// MustEncode is Encode for payloads built from domain types that always marshal
func MustEncode(event string, data any) []byte {
	b, err := Encode(event, data)
	if err != nil {
		panic(err)
	}
	return b
}

// ConversationRef decodes either a bare conversation id string or an object
// carrying conversationId. Clients send both shapes for join and leave.
type ConversationRef struct {
	ConversationID uuid.UUID `json:"conversationId"`
}

func (r *ConversationRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return err
		}
		r.ConversationID = id
		return nil
	}
	type plain ConversationRef
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = ConversationRef(p)
	return nil
}

// Inbound payloads

type SendMessageRequest struct {
	ConversationID uuid.UUID       `json:"conversationId"`
	Content        json.RawMessage `json:"content"`
	Type           MessageType     `json:"type"`
}

// ReadMessagesRequest accepts a single messageId or a messageIds batch
type ReadMessagesRequest struct {
	ConversationID uuid.UUID   `json:"conversationId"`
	MessageID      uuid.UUID   `json:"messageId"`
	MessageIDs     []uuid.UUID `json:"messageIds"`
}

// IDs merges the single and batched forms
func (r *ReadMessagesRequest) IDs() []uuid.UUID {
	ids := r.MessageIDs
	if r.MessageID != uuid.Nil {
		ids = append([]uuid.UUID{r.MessageID}, ids...)
	}
	return ids
}

type DeleteMessageRequest struct {
	MessageID uuid.UUID `json:"messageId"`
}

type CallOfferRequest struct {
	To             uuid.UUID       `json:"to"`
	Offer          json.RawMessage `json:"offer"`
	ConversationID uuid.UUID       `json:"conversationId"`
	CallerInfo     json.RawMessage `json:"callerInfo,omitempty"`
	GroupInfo      json.RawMessage `json:"groupInfo,omitempty"`
}

type CallAnswerRequest struct {
	To     uuid.UUID       `json:"to"`
	Answer json.RawMessage `json:"answer"`
}

type CallICERequest struct {
	To        uuid.UUID       `json:"to"`
	Candidate json.RawMessage `json:"candidate"`
}

type CallRejectRequest struct {
	To             uuid.UUID `json:"to"`
	ConversationID uuid.UUID `json:"conversationId"`
}

type CallEndRequest struct {
	To             uuid.UUID `json:"to"`
	ConversationID uuid.UUID `json:"conversationId"`
	Duration       int       `json:"duration"`
}

// Outbound payloads

type UserStatusPayload struct {
	UserID uuid.UUID      `json:"userId"`
	Status PresenceStatus `json:"status"`
}

type MessageNewPayload struct {
	Message        *Message  `json:"message"`
	ConversationID uuid.UUID `json:"conversationId"`
}

type MessagesReadPayload struct {
	MessageIDs     []uuid.UUID `json:"messageIds"`
	UserID         uuid.UUID   `json:"userId"`
	ConversationID uuid.UUID   `json:"conversationId"`
}

type MessageDeletedPayload struct {
	MessageID      uuid.UUID `json:"messageId"`
	ConversationID uuid.UUID `json:"conversationId"`
}

type TypingPayload struct {
	UserID         uuid.UUID `json:"userId"`
	ConversationID uuid.UUID `json:"conversationId"`
}

type ConversationUpdatedPayload struct {
	Conversation *Conversation `json:"conversation"`
}

type CallOfferPayload struct {
	From           uuid.UUID       `json:"from"`
	Offer          json.RawMessage `json:"offer"`
	CallerInfo     json.RawMessage `json:"callerInfo,omitempty"`
	GroupInfo      json.RawMessage `json:"groupInfo,omitempty"`
	ConversationID uuid.UUID       `json:"conversationId"`
}

type CallAnswerPayload struct {
	Answer json.RawMessage `json:"answer"`
	From   uuid.UUID       `json:"from"`
}

type CallICEPayload struct {
	Candidate json.RawMessage `json:"candidate"`
	From      uuid.UUID       `json:"from"`
}

type CallRejectedPayload struct {
	From           uuid.UUID `json:"from"`
	ConversationID uuid.UUID `json:"conversationId"`
}

type CallEndedPayload struct {
	From           uuid.UUID   `json:"from"`
	ConversationID uuid.UUID   `json:"conversationId"`
	Reason         CallOutcome `json:"reason"`
	Duration       int         `json:"duration,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Event   string `json:"event,omitempty"`
}

type AckPayload struct {
	AckID   string        `json:"ackId"`
	OK      bool          `json:"ok"`
	Message *Message      `json:"message,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty"`
}
