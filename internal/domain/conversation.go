package domain

import (
	"time"

	"github.com/google/uuid"
)

// ParticipantRole is a member's role within a conversation
type ParticipantRole string

const (
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

// Participant represents a user in a conversation.
// Maps to CockroachDB conversation_participants table.
type Participant struct {
	UserID   uuid.UUID       `json:"userId" db:"user_id"`
	Role     ParticipantRole `json:"role" db:"role"`
	JoinedAt time.Time       `json:"joinedAt" db:"joined_at"`
}

// Conversation is the membership view the realtime core needs. The directory
// service owns it; the core only reads it.
type Conversation struct {
	ConversationID uuid.UUID     `json:"id"`
	Participants   []Participant `json:"participants"`
}

// MemberIDs returns the user ids of all participants
func (c *Conversation) MemberIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}
