package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaychat-backend/internal/domain"
)

// Directory is an in-process conversation directory. Every participant change
// is published to subscribers.
type Directory struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]map[uuid.UUID]domain.Participant

	subsMu sync.Mutex
	subs   map[chan uuid.UUID]struct{}
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{
		conversations: make(map[uuid.UUID]map[uuid.UUID]domain.Participant),
		subs:          make(map[chan uuid.UUID]struct{}),
	}
}

// AddParticipant adds or updates a participant
func (d *Directory) AddParticipant(conversationID, userID uuid.UUID, role domain.ParticipantRole) {
	d.mu.Lock()
	members, ok := d.conversations[conversationID]
	if !ok {
		members = make(map[uuid.UUID]domain.Participant)
		d.conversations[conversationID] = members
	}
	if role == "" {
		role = domain.RoleMember
	}
	joinedAt := time.Now().UTC()
	if p, ok := members[userID]; ok {
		joinedAt = p.JoinedAt
	}
	members[userID] = domain.Participant{UserID: userID, Role: role, JoinedAt: joinedAt}
	d.mu.Unlock()

	d.publish(conversationID)
}

// RemoveParticipant removes a participant
func (d *Directory) RemoveParticipant(conversationID, userID uuid.UUID) {
	d.mu.Lock()
	if members, ok := d.conversations[conversationID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(d.conversations, conversationID)
		}
	}
	d.mu.Unlock()

	d.publish(conversationID)
}

// MembersOf retrieves all participants in a conversation
func (d *Directory) MembersOf(ctx context.Context, conversationID uuid.UUID) ([]domain.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	members := d.conversations[conversationID]
	out := make([]domain.Participant, 0, len(members))
	for _, p := range members {
		out = append(out, p)
	}
	return out, nil
}

// Subscribe streams ids of conversations whose participants changed until ctx is done
func (d *Directory) Subscribe(ctx context.Context) (<-chan uuid.UUID, error) {
	ch := make(chan uuid.UUID, 64)
	d.subsMu.Lock()
	d.subs[ch] = struct{}{}
	d.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		d.subsMu.Lock()
		delete(d.subs, ch)
		close(ch)
		d.subsMu.Unlock()
	}()
	return ch, nil
}

func (d *Directory) publish(conversationID uuid.UUID) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	for ch := range d.subs {
		select {
		case ch <- conversationID:
		default:
		}
	}
}
