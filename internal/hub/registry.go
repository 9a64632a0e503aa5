package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"relaychat-backend/pkg/logger"
	"relaychat-backend/pkg/metrics"
	"relaychat-backend/pkg/shard"
)

// Disconnect reasons
const (
	ReasonClosed           = "closed"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonSendBufferFull   = "send_buffer_full"
	ReasonShutdown         = "shutdown"
)

// Sink is the outbound side of a live connection.
// Enqueue must not block; it returns false when the payload was not queued.
type Sink interface {
	Enqueue(payload []byte) bool
	Close()
}

// ConnID identifies one live connection. Ids are ULIDs and never reused.
type ConnID string

// Connection is one authenticated transport session
type Connection struct {
	ID          ConnID
	UserID      uuid.UUID
	ConnectedAt time.Time

	sink     Sink
	registry *Registry
	lastSeen atomic.Int64

	mu     sync.Mutex
	rooms  map[uuid.UUID]struct{}
	closed bool
}

// Send enqueues payload without blocking. A connection whose queue is full is
// disconnected rather than allowed to hold up the sender.
func (c *Connection) Send(payload []byte) bool {
	if c.sink.Enqueue(payload) {
		return true
	}
	metrics.RealtimeOutboundDroppedTotal.WithLabelValues(ReasonSendBufferFull).Inc()
	go c.registry.disconnect(c.ID, ReasonSendBufferFull)
	return false
}

// LastSeen returns the time of the last heartbeat
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Rooms returns the conversations this connection is subscribed to
func (c *Connection) Rooms() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uuid.UUID, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// addRoom records a subscription. It refuses, reporting live false, once the
// connection has left the registry.
func (c *Connection) addRoom(id uuid.UUID) (added, live bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, false
	}
	if _, ok := c.rooms[id]; ok {
		return false, true
	}
	c.rooms[id] = struct{}{}
	return true, true
}

func (c *Connection) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Connection) removeRoom(id uuid.UUID) {
	c.mu.Lock()
	delete(c.rooms, id)
	c.mu.Unlock()
}

// ChangeFunc observes connection count changes for a user (+1 or -1)
type ChangeFunc func(userID uuid.UUID, delta int)

// RemoveFunc observes a connection leaving the registry
type RemoveFunc func(conn *Connection)

type connBucket struct {
	sync.RWMutex
	conns map[ConnID]*Connection
}

type userBucket struct {
	sync.RWMutex
	users map[uuid.UUID]map[ConnID]*Connection
}

// Registry tracks live connections by id and by user
type Registry struct {
	conns [shard.Count]*connBucket
	users [shard.Count]*userBucket

	heartbeatTimeout time.Duration
	count            atomic.Int64
	now              func() time.Time

	listenersMu sync.RWMutex
	onChange    []ChangeFunc
	onRemove    []RemoveFunc
}

// NewRegistry creates a registry that reaps connections silent for longer than heartbeatTimeout
func NewRegistry(heartbeatTimeout time.Duration) *Registry {
	r := &Registry{
		heartbeatTimeout: heartbeatTimeout,
		now:              time.Now,
	}
	for i := 0; i < shard.Count; i++ {
		r.conns[i] = &connBucket{conns: make(map[ConnID]*Connection)}
		r.users[i] = &userBucket{users: make(map[uuid.UUID]map[ConnID]*Connection)}
	}
	return r
}

// OnChange registers a connection count observer
func (r *Registry) OnChange(fn ChangeFunc) {
	r.listenersMu.Lock()
	r.onChange = append(r.onChange, fn)
	r.listenersMu.Unlock()
}

// OnRemove registers an observer called before the count change of a removal
func (r *Registry) OnRemove(fn RemoveFunc) {
	r.listenersMu.Lock()
	r.onRemove = append(r.onRemove, fn)
	r.listenersMu.Unlock()
}

func (r *Registry) listeners() ([]ChangeFunc, []RemoveFunc) {
	r.listenersMu.RLock()
	defer r.listenersMu.RUnlock()
	return r.onChange, r.onRemove
}

// Register adds a connection for an authenticated user and returns it
func (r *Registry) Register(userID uuid.UUID, sink Sink) *Connection {
	now := r.now()
	c := &Connection{
		ID:          ConnID(ulid.Make().String()),
		UserID:      userID,
		ConnectedAt: now,
		sink:        sink,
		registry:    r,
		rooms:       make(map[uuid.UUID]struct{}),
	}
	c.lastSeen.Store(now.UnixNano())

	// Observers hear +1 before the connection is reachable, so no removal of
	// it can be reported ahead of its arrival.
	onChange, _ := r.listeners()
	for _, fn := range onChange {
		fn(userID, 1)
	}

	cb := r.conns[shard.OfString(string(c.ID))]
	cb.Lock()
	cb.conns[c.ID] = c
	cb.Unlock()

	ub := r.users[shard.Of(userID)]
	ub.Lock()
	set, ok := ub.users[userID]
	if !ok {
		set = make(map[ConnID]*Connection)
		ub.users[userID] = set
	}
	set[c.ID] = c
	ub.Unlock()

	metrics.RealtimeConnections.Set(float64(r.count.Add(1)))
	metrics.RealtimeConnectionsTotal.WithLabelValues("registered").Inc()

	logger.Debug("Connection registered",
		zap.String("connection_id", string(c.ID)),
		zap.String("user_id", userID.String()),
	)
	return c
}

// Unregister removes a connection. Unknown or already removed ids are a no-op.
func (r *Registry) Unregister(id ConnID) bool {
	return r.disconnect(id, ReasonClosed)
}

func (r *Registry) disconnect(id ConnID, reason string) bool {
	cb := r.conns[shard.OfString(string(id))]
	cb.Lock()
	c, ok := cb.conns[id]
	if ok {
		delete(cb.conns, id)
	}
	cb.Unlock()
	if !ok {
		return false
	}

	ub := r.users[shard.Of(c.UserID)]
	ub.Lock()
	if set, ok := ub.users[c.UserID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(ub.users, c.UserID)
		}
	}
	ub.Unlock()

	// After this no join can add a room, so onRemove sees every subscription
	c.markClosed()

	metrics.RealtimeConnections.Set(float64(r.count.Add(-1)))
	metrics.RealtimeDisconnectionsTotal.WithLabelValues(reason).Inc()

	onChange, onRemove := r.listeners()
	for _, fn := range onRemove {
		fn(c)
	}
	for _, fn := range onChange {
		fn(c.UserID, -1)
	}

	c.sink.Close()

	logger.Debug("Connection unregistered",
		zap.String("connection_id", string(id)),
		zap.String("user_id", c.UserID.String()),
		zap.String("reason", reason),
	)
	return true
}

// Get returns a live connection by id
func (r *Registry) Get(id ConnID) (*Connection, bool) {
	cb := r.conns[shard.OfString(string(id))]
	cb.RLock()
	defer cb.RUnlock()
	c, ok := cb.conns[id]
	return c, ok
}

// Heartbeat refreshes the liveness of a connection
func (r *Registry) Heartbeat(id ConnID) bool {
	c, ok := r.Get(id)
	if !ok {
		return false
	}
	c.lastSeen.Store(r.now().UnixNano())
	return true
}

// ConnectionsFor returns the ids of every live connection of a user
func (r *Registry) ConnectionsFor(userID uuid.UUID) []ConnID {
	conns := r.userConnections(userID)
	ids := make([]ConnID, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.ID)
	}
	return ids
}

func (r *Registry) userConnections(userID uuid.UUID) []*Connection {
	ub := r.users[shard.Of(userID)]
	ub.RLock()
	defer ub.RUnlock()
	set := ub.users[userID]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// SendToUser enqueues payload on every connection of a user and returns how many accepted it
func (r *Registry) SendToUser(userID uuid.UUID, payload []byte) int {
	n := 0
	for _, c := range r.userConnections(userID) {
		if c.Send(payload) {
			n++
		}
	}
	return n
}

// SendToAll enqueues payload on every live connection
func (r *Registry) SendToAll(payload []byte) int {
	n := 0
	for _, c := range r.snapshot() {
		if c.Send(payload) {
			n++
		}
	}
	return n
}

func (r *Registry) snapshot() []*Connection {
	out := make([]*Connection, 0, r.Count())
	for _, cb := range r.conns {
		cb.RLock()
		for _, c := range cb.conns {
			out = append(out, c)
		}
		cb.RUnlock()
	}
	return out
}

// OnlineUsers returns every user with at least one live connection
func (r *Registry) OnlineUsers() []uuid.UUID {
	var out []uuid.UUID
	for _, ub := range r.users {
		ub.RLock()
		for id := range ub.users {
			out = append(out, id)
		}
		ub.RUnlock()
	}
	return out
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Reap disconnects every connection whose last heartbeat is older than the timeout
func (r *Registry) Reap(now time.Time) []ConnID {
	cutoff := now.Add(-r.heartbeatTimeout).UnixNano()

	var stale []ConnID
	for _, cb := range r.conns {
		cb.RLock()
		for id, c := range cb.conns {
			if c.lastSeen.Load() < cutoff {
				stale = append(stale, id)
			}
		}
		cb.RUnlock()
	}

	reaped := stale[:0]
	for _, id := range stale {
		if r.disconnect(id, ReasonHeartbeatTimeout) {
			reaped = append(reaped, id)
		}
	}
	if len(reaped) > 0 {
		logger.Info("Reaped stale connections", zap.Int("count", len(reaped)))
	}
	return reaped
}

// Run reaps stale connections every interval until ctx is done
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap(r.now())
		}
	}
}

// Shutdown disconnects every live connection
func (r *Registry) Shutdown() {
	for _, c := range r.snapshot() {
		r.disconnect(c.ID, ReasonShutdown)
	}
}
