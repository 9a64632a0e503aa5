// Package directory caches conversation membership read from the external
// conversation directory.
package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"relaychat-backend/internal/domain"
	"relaychat-backend/pkg/logger"
	"relaychat-backend/pkg/metrics"
	"relaychat-backend/pkg/shard"
)

// Source is the authoritative conversation directory
type Source interface {
	MembersOf(ctx context.Context, conversationID uuid.UUID) ([]domain.Participant, error)
}

// InvalidationSource delivers ids of conversations whose membership changed
type InvalidationSource interface {
	Subscribe(ctx context.Context) (<-chan uuid.UUID, error)
}

// InvalidateFunc observes a membership change after the cache dropped its entry
type InvalidateFunc func(conversationID uuid.UUID)

type entry struct {
	members  map[uuid.UUID]domain.Participant
	loadedAt time.Time
}

// bucket.gen advances on every invalidation in the bucket. A load stores its
// result only if gen did not move while it ran.
type bucket struct {
	sync.RWMutex
	entries map[uuid.UUID]*entry
	gen     uint64
}

const (
	defaultLoadTimeout = 5 * time.Second
	defaultRetryMin    = 500 * time.Millisecond
	defaultRetryMax    = 30 * time.Second
)

// Cache is a read-mostly membership cache. Entries expire after ttl and are
// dropped immediately on invalidation; concurrent misses share one load.
type Cache struct {
	source Source
	ttl    time.Duration
	now    func() time.Time
	group  singleflight.Group

	loadTimeout time.Duration
	retryMin    time.Duration
	retryMax    time.Duration

	buckets [shard.Count]*bucket

	listenersMu sync.RWMutex
	listeners   []InvalidateFunc
}

// NewCache creates a cache in front of source
func NewCache(source Source, ttl time.Duration) *Cache {
	c := &Cache{
		source:      source,
		ttl:         ttl,
		now:         time.Now,
		loadTimeout: defaultLoadTimeout,
		retryMin:    defaultRetryMin,
		retryMax:    defaultRetryMax,
	}
	for i := range c.buckets {
		c.buckets[i] = &bucket{entries: make(map[uuid.UUID]*entry)}
	}
	return c
}

// OnInvalidate registers an observer of membership changes
func (c *Cache) OnInvalidate(fn InvalidateFunc) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

func (c *Cache) lookup(ctx context.Context, conversationID uuid.UUID) (map[uuid.UUID]domain.Participant, error) {
	b := c.buckets[shard.Of(conversationID)]

	b.RLock()
	e, ok := b.entries[conversationID]
	gen := b.gen
	b.RUnlock()
	if ok && c.now().Sub(e.loadedAt) < c.ttl {
		metrics.DirectoryLookupsTotal.WithLabelValues("hit").Inc()
		return e.members, nil
	}
	metrics.DirectoryLookupsTotal.WithLabelValues("miss").Inc()

	// Loads started before an invalidation never share with, or overwrite,
	// loads started after it.
	key := fmt.Sprintf("%s/%d", conversationID, gen)
	// The shared load outlives any one caller; each caller waits on its own ctx
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(loadCtx, c.loadTimeout)
		defer cancel()

		participants, err := c.source.MembersOf(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		members := make(map[uuid.UUID]domain.Participant, len(participants))
		for _, p := range participants {
			members[p.UserID] = p
		}

		b.Lock()
		if b.gen == gen {
			b.entries[conversationID] = &entry{members: members, loadedAt: c.now()}
		}
		b.Unlock()
		return members, nil
	})

	select {
	case <-ctx.Done():
		metrics.DirectoryLookupsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load members of %s: %w", conversationID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			metrics.DirectoryLookupsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("load members of %s: %w", conversationID, res.Err)
		}
		return res.Val.(map[uuid.UUID]domain.Participant), nil
	}
}

// MembersOf returns the participants of a conversation. An unknown conversation has none.
func (c *Cache) MembersOf(ctx context.Context, conversationID uuid.UUID) ([]domain.Participant, error) {
	members, err := c.lookup(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Participant, 0, len(members))
	for _, p := range members {
		out = append(out, p)
	}
	return out, nil
}

// IsMember reports whether userID participates in the conversation
func (c *Cache) IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	members, err := c.lookup(ctx, conversationID)
	if err != nil {
		return false, err
	}
	_, ok := members[userID]
	return ok, nil
}

// RoleOf returns the role of userID, or false when they are not a member
func (c *Cache) RoleOf(ctx context.Context, conversationID, userID uuid.UUID) (domain.ParticipantRole, bool, error) {
	members, err := c.lookup(ctx, conversationID)
	if err != nil {
		return "", false, err
	}
	p, ok := members[userID]
	return p.Role, ok, nil
}

// Invalidate drops the cached membership of a conversation and notifies observers
func (c *Cache) Invalidate(conversationID uuid.UUID) {
	b := c.buckets[shard.Of(conversationID)]
	b.Lock()
	delete(b.entries, conversationID)
	b.gen++
	b.Unlock()

	metrics.DirectoryInvalidationsTotal.Inc()
	logger.Debug("Membership cache invalidated", zap.String("conversation_id", conversationID.String()))

	c.listenersMu.RLock()
	listeners := c.listeners
	c.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(conversationID)
	}
}

// InvalidateAll drops every cached conversation. Changes published while no
// feed was attached are unknown, so each one is treated as changed.
func (c *Cache) InvalidateAll() {
	var ids []uuid.UUID
	for _, b := range c.buckets {
		b.RLock()
		for id := range b.entries {
			ids = append(ids, id)
		}
		b.RUnlock()
	}
	for _, id := range ids {
		c.Invalidate(id)
	}
}

// Watch applies invalidations from src until ctx is done. A failed or closed
// subscription is retried with backoff, and the cache is flushed once the
// feed is back.
func (c *Cache) Watch(ctx context.Context, src InvalidationSource) {
	backoff := c.retryMin
	resumed := false
	for {
		ch, err := src.Subscribe(ctx)
		if err == nil {
			if resumed {
				logger.Info("Membership change feed resumed")
				c.InvalidateAll()
			}
			c.drain(ctx, ch)
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Membership change feed closed, resubscribing")
		} else {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Membership change feed unavailable, retrying",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
		}
		resumed = true

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if err == nil {
			backoff = c.retryMin
		} else {
			backoff = min(backoff*2, c.retryMax)
		}
	}
}

func (c *Cache) drain(ctx context.Context, ch <-chan uuid.UUID) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-ch:
			if !ok {
				return
			}
			c.Invalidate(id)
		}
	}
}
