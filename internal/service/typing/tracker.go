package typing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaychat-backend/internal/domain"
	"relaychat-backend/pkg/logger"
	"relaychat-backend/pkg/metrics"
	"relaychat-backend/pkg/shard"
)

// Broadcaster delivers a frame to a conversation room except one user's connections
type Broadcaster interface {
	BroadcastExcept(conversationID, excludeUser uuid.UUID, payload []byte) int
}

type key struct {
	conversationID uuid.UUID
	userID         uuid.UUID
}

type bucket struct {
	sync.Mutex
	expires map[key]time.Time
}

// Tracker holds ephemeral typing indicators. Every start refreshes a TTL and
// every indicator ends with exactly one stop, sent either explicitly or on expiry.
type Tracker struct {
	ttl     time.Duration
	rooms   Broadcaster
	now     func() time.Time
	buckets [shard.Count]*bucket
	active  atomic.Int64
}

// NewTracker creates a typing tracker
func NewTracker(ttl time.Duration, rooms Broadcaster) *Tracker {
	t := &Tracker{
		ttl:   ttl,
		rooms: rooms,
		now:   time.Now,
	}
	for i := range t.buckets {
		t.buckets[i] = &bucket{expires: make(map[key]time.Time)}
	}
	return t
}

// Sharded by conversation so sweep and explicit stop for one key share a lock
func (t *Tracker) bucketFor(conversationID uuid.UUID) *bucket {
	return t.buckets[shard.Of(conversationID)]
}

// StartTyping inserts or refreshes the indicator and broadcasts typing:start.
// Refreshes re-broadcast; clients are idempotent on user id.
func (t *Tracker) StartTyping(conversationID, userID uuid.UUID) {
	k := key{conversationID: conversationID, userID: userID}
	b := t.bucketFor(conversationID)

	b.Lock()
	defer b.Unlock()

	if _, ok := b.expires[k]; !ok {
		metrics.TypingActive.Set(float64(t.active.Add(1)))
	}
	b.expires[k] = t.now().Add(t.ttl)
	t.broadcast(domain.EventTypingStart, k)
}

// StopTyping clears the indicator and broadcasts typing:stop. It reports false,
// broadcasting nothing, when no indicator was set.
func (t *Tracker) StopTyping(conversationID, userID uuid.UUID) bool {
	k := key{conversationID: conversationID, userID: userID}
	b := t.bucketFor(conversationID)

	b.Lock()
	defer b.Unlock()

	if _, ok := b.expires[k]; !ok {
		return false
	}
	delete(b.expires, k)
	metrics.TypingActive.Set(float64(t.active.Add(-1)))
	t.broadcast(domain.EventTypingStop, k)
	return true
}

// StopAll clears every indicator held by userID, for example once they go offline
func (t *Tracker) StopAll(userID uuid.UUID) int {
	n := 0
	for _, b := range t.buckets {
		b.Lock()
		for k := range b.expires {
			if k.userID != userID {
				continue
			}
			delete(b.expires, k)
			metrics.TypingActive.Set(float64(t.active.Add(-1)))
			t.broadcast(domain.EventTypingStop, k)
			n++
		}
		b.Unlock()
	}
	return n
}

// IsTyping reports whether an unexpired indicator exists
func (t *Tracker) IsTyping(conversationID, userID uuid.UUID) bool {
	b := t.bucketFor(conversationID)
	b.Lock()
	defer b.Unlock()
	exp, ok := b.expires[key{conversationID: conversationID, userID: userID}]
	return ok && t.now().Before(exp)
}

// Sweep clears indicators that expired by now and returns how many it cleared
func (t *Tracker) Sweep(now time.Time) int {
	n := 0
	for _, b := range t.buckets {
		b.Lock()
		for k, exp := range b.expires {
			if now.Before(exp) {
				continue
			}
			delete(b.expires, k)
			metrics.TypingActive.Set(float64(t.active.Add(-1)))
			metrics.TypingExpiredTotal.Inc()
			t.broadcast(domain.EventTypingStop, k)
			n++
		}
		b.Unlock()
	}
	return n
}

// Run sweeps every interval until ctx is done
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(t.now()); n > 0 {
				logger.Debug("Expired typing indicators", zap.Int("count", n))
			}
		}
	}
}

// broadcast must be called with the key's bucket locked so start and stop
// frames for one key are enqueued in the order they were applied
func (t *Tracker) broadcast(event string, k key) {
	payload := domain.MustEncode(event, domain.TypingPayload{
		UserID:         k.userID,
		ConversationID: k.conversationID,
	})
	t.rooms.BroadcastExcept(k.conversationID, k.userID, payload)
}
