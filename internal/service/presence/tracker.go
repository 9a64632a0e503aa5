package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaychat-backend/internal/domain"
	"relaychat-backend/pkg/constants"
	"relaychat-backend/pkg/logger"
	"relaychat-backend/pkg/metrics"
	"relaychat-backend/pkg/shard"
)

// Store mirrors presence for other services to read
type Store interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
}

// StatusFunc observes a status transition. It runs under the tracker's lock
// for that user, so it must not block.
type StatusFunc func(rec domain.PresenceRecord)

type userPresence struct {
	count          int
	status         domain.PresenceStatus
	lastTransition time.Time
	offlineTimer   *time.Timer
	gen            uint64
}

type bucket struct {
	sync.Mutex
	users map[uuid.UUID]*userPresence
}

// Tracker derives online/offline status from connection counts. A user goes
// offline only after grace has passed with no connection.
type Tracker struct {
	grace   time.Duration
	refresh time.Duration
	store   Store
	now     func() time.Time
	buckets [shard.Count]*bucket
	online  atomic.Int64

	listenersMu sync.RWMutex
	listeners   []StatusFunc

	mirror chan domain.PresenceRecord
}

// Option configures a Tracker
type Option func(*Tracker)

// WithRefresh sets how often online users are rewritten to the store. It must
// be shorter than the store's expiry of an online flag.
func WithRefresh(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.refresh = d
		}
	}
}

// NewTracker creates a tracker. store may be nil.
func NewTracker(grace time.Duration, store Store, opts ...Option) *Tracker {
	t := &Tracker{
		grace:   grace,
		refresh: constants.PresenceRefresh,
		store:   store,
		now:     time.Now,
		mirror:  make(chan domain.PresenceRecord, 1024),
	}
	for i := range t.buckets {
		t.buckets[i] = &bucket{users: make(map[uuid.UUID]*userPresence)}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnStatusChange registers a transition observer
func (t *Tracker) OnStatusChange(fn StatusFunc) {
	t.listenersMu.Lock()
	t.listeners = append(t.listeners, fn)
	t.listenersMu.Unlock()
}

// OnConnectionChange applies a connection count delta for a user
func (t *Tracker) OnConnectionChange(userID uuid.UUID, delta int) {
	b := t.buckets[shard.Of(userID)]
	b.Lock()
	defer b.Unlock()

	p, ok := b.users[userID]
	if !ok {
		p = &userPresence{status: domain.StatusOffline}
		b.users[userID] = p
	}

	p.count += delta
	if p.count < 0 {
		logger.Warn("Presence count went negative", zap.String("user_id", userID.String()))
		p.count = 0
	}

	if p.count > 0 {
		if p.offlineTimer != nil {
			p.offlineTimer.Stop()
			p.offlineTimer = nil
		}
		p.gen++
		if p.status != domain.StatusOnline {
			t.transition(userID, p, domain.StatusOnline)
		}
		return
	}

	if p.status != domain.StatusOnline {
		delete(b.users, userID)
		return
	}
	if p.offlineTimer != nil {
		return
	}
	if t.grace <= 0 {
		t.transition(userID, p, domain.StatusOffline)
		delete(b.users, userID)
		return
	}

	p.gen++
	gen := p.gen
	p.offlineTimer = time.AfterFunc(t.grace, func() { t.expire(userID, gen) })
}

func (t *Tracker) expire(userID uuid.UUID, gen uint64) {
	b := t.buckets[shard.Of(userID)]
	b.Lock()
	defer b.Unlock()

	p, ok := b.users[userID]
	if !ok || p.gen != gen || p.count > 0 {
		return
	}
	p.offlineTimer = nil
	if p.status == domain.StatusOnline {
		t.transition(userID, p, domain.StatusOffline)
	}
	delete(b.users, userID)
}

// transition must be called with the user's bucket locked
func (t *Tracker) transition(userID uuid.UUID, p *userPresence, status domain.PresenceStatus) {
	p.status = status
	p.lastTransition = t.now()
	rec := domain.PresenceRecord{UserID: userID, Status: status, LastTransition: p.lastTransition}

	if status == domain.StatusOnline {
		metrics.PresenceOnlineUsers.Set(float64(t.online.Add(1)))
	} else {
		metrics.PresenceOnlineUsers.Set(float64(t.online.Add(-1)))
	}
	metrics.PresenceTransitionsTotal.WithLabelValues(string(status)).Inc()

	t.listenersMu.RLock()
	listeners := t.listeners
	t.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(rec)
	}

	if t.store != nil {
		select {
		case t.mirror <- rec:
		default:
			logger.Warn("Presence mirror queue full, dropping update", zap.String("user_id", userID.String()))
		}
	}
}

// StatusOf returns the current status of a user
func (t *Tracker) StatusOf(userID uuid.UUID) domain.PresenceStatus {
	b := t.buckets[shard.Of(userID)]
	b.Lock()
	defer b.Unlock()
	if p, ok := b.users[userID]; ok {
		return p.status
	}
	return domain.StatusOffline
}

// OnlineUsers returns every user currently online, including users inside
// their grace window
func (t *Tracker) OnlineUsers() []uuid.UUID {
	var out []uuid.UUID
	for _, b := range t.buckets {
		b.Lock()
		for id, p := range b.users {
			if p.status == domain.StatusOnline {
				out = append(out, id)
			}
		}
		b.Unlock()
	}
	return out
}

// Run writes transitions to the store in the order they happened until ctx is
// done. Online users are rewritten every refresh interval so their flags do
// not expire while they stay connected.
func (t *Tracker) Run(ctx context.Context) {
	if t.store == nil {
		return
	}
	ticker := time.NewTicker(t.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-t.mirror:
			t.write(ctx, rec)
		case <-ticker.C:
			t.refreshOnline(ctx)
		}
	}
}

// refreshOnline runs on the Run goroutine, so a rewrite never overtakes a
// queued offline transition
func (t *Tracker) refreshOnline(ctx context.Context) {
	users := t.OnlineUsers()
	for _, id := range users {
		if ctx.Err() != nil {
			return
		}
		t.write(ctx, domain.PresenceRecord{UserID: id, Status: domain.StatusOnline})
	}
	logger.Debug("Presence refreshed", zap.Int("online", len(users)))
}

func (t *Tracker) write(ctx context.Context, rec domain.PresenceRecord) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var err error
	if rec.Status == domain.StatusOnline {
		err = t.store.SetUserOnline(ctx, rec.UserID)
	} else {
		err = t.store.SetUserOffline(ctx, rec.UserID)
	}
	if err != nil {
		logger.Warn("Failed to mirror presence",
			zap.String("user_id", rec.UserID.String()),
			zap.String("status", string(rec.Status)),
			zap.Error(err),
		)
	}
}
