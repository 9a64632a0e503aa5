package hub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaychat-backend/pkg/errors"
	"relaychat-backend/pkg/logger"
	"relaychat-backend/pkg/metrics"
	"relaychat-backend/pkg/shard"
)

// MembershipChecker answers whether a user belongs to a conversation
type MembershipChecker interface {
	IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
}

type roomBucket struct {
	sync.RWMutex
	rooms map[uuid.UUID]map[ConnID]*Connection
}

// Rooms maps conversations to the connections subscribed to them and fans
// events out to those connections
type Rooms struct {
	shards   [shard.Count]*roomBucket
	registry *Registry
	members  MembershipChecker
	subs     atomic.Int64
}

// NewRooms creates the room broadcaster. Connections removed from the
// registry are dropped from every room they joined.
func NewRooms(registry *Registry, members MembershipChecker) *Rooms {
	b := &Rooms{
		registry: registry,
		members:  members,
	}
	for i := 0; i < shard.Count; i++ {
		b.shards[i] = &roomBucket{rooms: make(map[uuid.UUID]map[ConnID]*Connection)}
	}
	registry.OnRemove(b.LeaveAll)
	return b
}

// Join subscribes a connection to a conversation after checking membership.
// A refused join returns NotAMember; the caller decides whether to surface it.
func (b *Rooms) Join(ctx context.Context, conversationID uuid.UUID, connID ConnID) error {
	c, ok := b.registry.Get(connID)
	if !ok {
		return errors.NotFoundError("Connection")
	}

	member, err := b.members.IsMember(ctx, conversationID, c.UserID)
	if err != nil {
		return errors.DependencyError("Membership lookup failed", err)
	}
	if !member {
		metrics.RoomJoinRejectedTotal.Inc()
		logger.Warn("Join refused for non-member",
			zap.String("conversation_id", conversationID.String()),
			zap.String("user_id", c.UserID.String()),
			zap.String("connection_id", string(connID)),
		)
		return errors.NotAMemberError()
	}

	rb := b.shards[shard.Of(conversationID)]
	rb.Lock()
	// The connection may have gone away while membership was looked up.
	// addRoom and the room insert share the room lock, so a concurrent
	// LeaveAll either sees the subscription or the join is refused here.
	added, live := c.addRoom(conversationID)
	if !live {
		rb.Unlock()
		return errors.NotFoundError("Connection")
	}
	room, ok := rb.rooms[conversationID]
	if !ok {
		room = make(map[ConnID]*Connection)
		rb.rooms[conversationID] = room
	}
	room[connID] = c
	rb.Unlock()

	if added {
		metrics.RoomSubscriptions.Set(float64(b.subs.Add(1)))
	}
	return nil
}

// Leave unsubscribes a connection. Leaving a room not joined is a no-op.
func (b *Rooms) Leave(conversationID uuid.UUID, connID ConnID) {
	if b.remove(conversationID, connID) {
		if c, ok := b.registry.Get(connID); ok {
			c.removeRoom(conversationID)
		}
	}
}

func (b *Rooms) remove(conversationID uuid.UUID, connID ConnID) bool {
	rb := b.shards[shard.Of(conversationID)]
	rb.Lock()
	defer rb.Unlock()

	room, ok := rb.rooms[conversationID]
	if !ok {
		return false
	}
	if _, ok := room[connID]; !ok {
		return false
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(rb.rooms, conversationID)
	}
	metrics.RoomSubscriptions.Set(float64(b.subs.Add(-1)))
	return true
}

// LeaveAll drops a connection from every room it joined
func (b *Rooms) LeaveAll(c *Connection) {
	for _, id := range c.Rooms() {
		b.remove(id, c.ID)
		c.removeRoom(id)
	}
}

// Broadcast enqueues payload on every subscriber of the conversation
func (b *Rooms) Broadcast(conversationID uuid.UUID, payload []byte) int {
	return b.fanout(conversationID, payload, uuid.Nil)
}

// BroadcastExcept is Broadcast skipping every connection of excludeUser
func (b *Rooms) BroadcastExcept(conversationID, excludeUser uuid.UUID, payload []byte) int {
	return b.fanout(conversationID, payload, excludeUser)
}

func (b *Rooms) fanout(conversationID uuid.UUID, payload []byte, exclude uuid.UUID) int {
	targets := b.subscribers(conversationID)

	// deliver without holding the room lock
	n := 0
	for _, c := range targets {
		if exclude != uuid.Nil && c.UserID == exclude {
			continue
		}
		if c.Send(payload) {
			n++
		}
	}
	metrics.RoomBroadcastFanout.Observe(float64(n))
	return n
}

func (b *Rooms) subscribers(conversationID uuid.UUID) []*Connection {
	rb := b.shards[shard.Of(conversationID)]
	rb.RLock()
	defer rb.RUnlock()

	room := rb.rooms[conversationID]
	out := make([]*Connection, 0, len(room))
	for _, c := range room {
		out = append(out, c)
	}
	return out
}

// Subscribers returns the ids of connections subscribed to a conversation
func (b *Rooms) Subscribers(conversationID uuid.UUID) []ConnID {
	conns := b.subscribers(conversationID)
	ids := make([]ConnID, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.ID)
	}
	return ids
}

// IsSubscribed reports whether a connection has joined a conversation
func (b *Rooms) IsSubscribed(conversationID uuid.UUID, connID ConnID) bool {
	rb := b.shards[shard.Of(conversationID)]
	rb.RLock()
	defer rb.RUnlock()
	_, ok := rb.rooms[conversationID][connID]
	return ok
}

// Retain drops subscriptions of connections whose user is not in members.
// It returns the users that lost their subscription.
func (b *Rooms) Retain(conversationID uuid.UUID, members []uuid.UUID) []uuid.UUID {
	keep := make(map[uuid.UUID]struct{}, len(members))
	for _, id := range members {
		keep[id] = struct{}{}
	}

	var evicted []*Connection
	rb := b.shards[shard.Of(conversationID)]
	rb.Lock()
	room := rb.rooms[conversationID]
	for id, c := range room {
		if _, ok := keep[c.UserID]; !ok {
			delete(room, id)
			evicted = append(evicted, c)
		}
	}
	if room != nil && len(room) == 0 {
		delete(rb.rooms, conversationID)
	}
	rb.Unlock()

	seen := make(map[uuid.UUID]struct{})
	var users []uuid.UUID
	for _, c := range evicted {
		c.removeRoom(conversationID)
		metrics.RoomSubscriptions.Set(float64(b.subs.Add(-1)))
		if _, ok := seen[c.UserID]; !ok {
			seen[c.UserID] = struct{}{}
			users = append(users, c.UserID)
		}
	}
	return users
}
