package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"relaychat-backend/internal/domain"
)

type MockSource struct {
	mock.Mock
}

func (m *MockSource) MembersOf(ctx context.Context, conversationID uuid.UUID) ([]domain.Participant, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Participant), args.Error(1)
}

type chanSource chan uuid.UUID

func (c chanSource) Subscribe(context.Context) (<-chan uuid.UUID, error) {
	return c, nil
}

// flakySource fails the first failures subscriptions
type flakySource struct {
	mu       sync.Mutex
	failures int
	attempts int
	events   chan uuid.UUID
}

func (f *flakySource) Subscribe(context.Context) (<-chan uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failures {
		return nil, errors.New("connection refused")
	}
	return f.events, nil
}

func (f *flakySource) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func TestCache_HitAfterFirstLoad(t *testing.T) {
	src := new(MockSource)
	conv, alice, bob := uuid.New(), uuid.New(), uuid.New()
	src.On("MembersOf", mock.Anything, conv).Return([]domain.Participant{
		{UserID: alice, Role: domain.RoleAdmin},
		{UserID: bob, Role: domain.RoleMember},
	}, nil).Once()

	c := NewCache(src, time.Minute)

	ok, err := c.IsMember(context.Background(), conv, alice)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.IsMember(context.Background(), conv, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)

	role, ok, err := c.RoleOf(context.Background(), conv, alice)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.RoleAdmin, role)

	members, err := c.MembersOf(context.Background(), conv)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	src.AssertExpectations(t)
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	src := new(MockSource)
	conv, alice := uuid.New(), uuid.New()
	src.On("MembersOf", mock.Anything, conv).Return([]domain.Participant{{UserID: alice}}, nil).Twice()

	c := NewCache(src, time.Minute)
	base := time.Now()
	c.now = func() time.Time { return base }

	_, err := c.IsMember(context.Background(), conv, alice)
	require.NoError(t, err)

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = c.IsMember(context.Background(), conv, alice)
	require.NoError(t, err)

	src.AssertNumberOfCalls(t, "MembersOf", 2)
}

func TestCache_InvalidateReloadsAndNotifies(t *testing.T) {
	src := new(MockSource)
	conv, alice := uuid.New(), uuid.New()
	src.On("MembersOf", mock.Anything, conv).Return([]domain.Participant{{UserID: alice}}, nil).Once()
	src.On("MembersOf", mock.Anything, conv).Return([]domain.Participant{}, nil).Once()

	c := NewCache(src, time.Hour)
	var notified []uuid.UUID
	c.OnInvalidate(func(id uuid.UUID) { notified = append(notified, id) })

	ok, err := c.IsMember(context.Background(), conv, alice)
	require.NoError(t, err)
	assert.True(t, ok)

	c.Invalidate(conv)

	ok, err = c.IsMember(context.Background(), conv, alice)
	require.NoError(t, err)
	assert.False(t, ok, "removed member is refused right after invalidation")
	assert.Equal(t, []uuid.UUID{conv}, notified)
}

func TestCache_ConcurrentMissesShareOneLoad(t *testing.T) {
	src := new(MockSource)
	conv, alice := uuid.New(), uuid.New()
	release := make(chan struct{})
	src.On("MembersOf", mock.Anything, conv).
		Run(func(mock.Arguments) { <-release }).
		Return([]domain.Participant{{UserID: alice}}, nil)

	c := NewCache(src, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.IsMember(context.Background(), conv, alice)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, len(src.Calls), 2)
}

func TestCache_SourceError(t *testing.T) {
	src := new(MockSource)
	conv := uuid.New()
	src.On("MembersOf", mock.Anything, conv).Return(nil, errors.New("db down"))

	c := NewCache(src, time.Minute)
	_, err := c.IsMember(context.Background(), conv, uuid.New())
	assert.Error(t, err)
}

func TestCache_Watch(t *testing.T) {
	src := new(MockSource)
	c := NewCache(src, time.Minute)

	got := make(chan uuid.UUID, 1)
	c.OnInvalidate(func(id uuid.UUID) { got <- id })

	events := make(chanSource, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Watch(ctx, events)

	conv := uuid.New()
	events <- conv

	select {
	case id := <-got:
		assert.Equal(t, conv, id)
	case <-time.After(time.Second):
		t.Fatal("invalidation not applied")
	}
}

func TestCache_SharedLoadSurvivesCallerDeadline(t *testing.T) {
	src := new(MockSource)
	conv, alice := uuid.New(), uuid.New()
	release := make(chan struct{})
	loadErr := make(chan error, 1)
	src.On("MembersOf", mock.Anything, conv).
		Run(func(args mock.Arguments) {
			<-release
			loadErr <- args.Get(0).(context.Context).Err()
		}).
		Return([]domain.Participant{{UserID: alice}}, nil).Once()

	c := NewCache(src, time.Minute)

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	shortErr := make(chan error, 1)
	go func() {
		_, err := c.IsMember(short, conv, alice)
		shortErr <- err
	}()

	type result struct {
		ok  bool
		err error
	}
	long := make(chan result, 1)
	go func() {
		time.Sleep(2 * time.Millisecond)
		ok, err := c.IsMember(context.Background(), conv, alice)
		long <- result{ok, err}
	}()

	err := <-shortErr
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	res := <-long
	require.NoError(t, res.err)
	assert.True(t, res.ok)
	assert.NoError(t, <-loadErr, "load ran under a context that outlived the first caller")
	src.AssertNumberOfCalls(t, "MembersOf", 1)
}

func TestCache_LoadRacingInvalidationIsNotCached(t *testing.T) {
	src := new(MockSource)
	conv, alice := uuid.New(), uuid.New()
	started := make(chan struct{})
	release := make(chan struct{})
	src.On("MembersOf", mock.Anything, conv).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return([]domain.Participant{{UserID: alice}}, nil).Once()
	src.On("MembersOf", mock.Anything, conv).Return([]domain.Participant{}, nil).Once()

	c := NewCache(src, time.Hour)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.IsMember(context.Background(), conv, alice)
	}()
	<-started
	c.Invalidate(conv)
	close(release)
	<-done

	ok, err := c.IsMember(context.Background(), conv, alice)
	require.NoError(t, err)
	assert.False(t, ok)
	src.AssertNumberOfCalls(t, "MembersOf", 2)
}

func TestCache_InvalidationStateIsBounded(t *testing.T) {
	c := NewCache(new(MockSource), time.Minute)
	for i := 0; i < 10_000; i++ {
		c.Invalidate(uuid.New())
	}

	var entries int
	var gens uint64
	for _, b := range c.buckets {
		entries += len(b.entries)
		gens += b.gen
	}
	assert.Zero(t, entries)
	assert.Equal(t, uint64(10_000), gens)
}

func TestCache_WatchRetriesSubscribe(t *testing.T) {
	src := new(MockSource)
	conv, alice := uuid.New(), uuid.New()
	src.On("MembersOf", mock.Anything, conv).Return([]domain.Participant{{UserID: alice}}, nil)

	c := NewCache(src, time.Hour)
	c.retryMin = time.Millisecond
	c.retryMax = 4 * time.Millisecond

	_, err := c.IsMember(context.Background(), conv, alice)
	require.NoError(t, err)

	got := make(chan uuid.UUID, 4)
	c.OnInvalidate(func(id uuid.UUID) { got <- id })

	feed := &flakySource{failures: 3, events: make(chan uuid.UUID, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Watch(ctx, feed)

	// Entries cached while the feed was down are flushed once it resumes
	select {
	case id := <-got:
		assert.Equal(t, conv, id)
	case <-time.After(time.Second):
		t.Fatal("cache not flushed after the feed resumed")
	}
	assert.Equal(t, 4, feed.Attempts())

	other := uuid.New()
	feed.events <- other
	select {
	case id := <-got:
		assert.Equal(t, other, id)
	case <-time.After(time.Second):
		t.Fatal("invalidation not applied after resubscribing")
	}
}

func TestCache_WatchStopsWithContext(t *testing.T) {
	c := NewCache(new(MockSource), time.Minute)
	c.retryMin = time.Millisecond

	feed := &flakySource{failures: 1 << 30}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Watch(ctx, feed)
		close(done)
	}()

	require.Eventually(t, func() bool { return feed.Attempts() > 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
