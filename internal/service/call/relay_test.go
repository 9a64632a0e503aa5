package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"relaychat-backend/internal/domain"
	apperrors "relaychat-backend/pkg/errors"
)

type delivery struct {
	to  uuid.UUID
	env domain.Envelope
}

type fakeUsers struct {
	mu   sync.Mutex
	sent []delivery
}

func (f *fakeUsers) SendToUser(userID uuid.UUID, payload []byte) int {
	var env domain.Envelope
	_ = json.Unmarshal(payload, &env)
	f.mu.Lock()
	f.sent = append(f.sent, delivery{to: userID, env: env})
	f.mu.Unlock()
	return 1
}

func (f *fakeUsers) eventsFor(userID uuid.UUID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, d := range f.sent {
		if d.to == userID {
			out = append(out, d.env.Event)
		}
	}
	return out
}

type MockCallLog struct {
	mock.Mock
}

func (m *MockCallLog) SaveCall(ctx context.Context, session *domain.CallSession) error {
	return m.Called(ctx, session).Error(0)
}

type MockMembers struct {
	mock.Mock
}

func (m *MockMembers) IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

var sdp = json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

func offer(from, to uuid.UUID) *OfferInput {
	return &OfferInput{From: from, To: to, ConversationID: uuid.New(), Offer: sdp}
}

func TestRelay_FullCall(t *testing.T) {
	users := &fakeUsers{}
	log := new(MockCallLog)
	log.On("SaveCall", mock.Anything, mock.AnythingOfType("*domain.CallSession")).Return(nil)
	r := NewRelay(time.Minute, users, WithCallLog(log))
	alice, bob := uuid.New(), uuid.New()

	session, err := r.Offer(context.Background(), offer(alice, bob))
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateRinging, session.State)

	require.NoError(t, r.Answer(bob, alice, json.RawMessage(`{"type":"answer"}`)))
	active, ok := r.ActiveSession(bob, alice)
	require.True(t, ok)
	assert.Equal(t, domain.CallStateConnected, active.State)

	assert.True(t, r.ICECandidate(alice, bob, json.RawMessage(`{"candidate":"c1"}`)))
	assert.True(t, r.ICECandidate(bob, alice, json.RawMessage(`{"candidate":"c2"}`)))

	require.NoError(t, r.End(alice, bob, uuid.Nil, 42))
	_, ok = r.ActiveSession(alice, bob)
	assert.False(t, ok)

	assert.Equal(t, []string{domain.EventCallOffer, domain.EventCallICECandidate, domain.EventCallEnded}, users.eventsFor(bob))
	assert.Equal(t, []string{domain.EventCallAnswer, domain.EventCallICECandidate}, users.eventsFor(alice))

	r.Wait()
	log.AssertNumberOfCalls(t, "SaveCall", 1)
	saved := log.Calls[0].Arguments.Get(1).(*domain.CallSession)
	assert.Equal(t, domain.CallOutcomeEnded, saved.Outcome)
	assert.Equal(t, 42, saved.ReportedDuration)
	assert.NotNil(t, saved.ConnectedAt)
}

func TestRelay_SecondOfferRejected(t *testing.T) {
	r := NewRelay(time.Minute, &fakeUsers{})
	alice, bob := uuid.New(), uuid.New()

	_, err := r.Offer(context.Background(), offer(alice, bob))
	require.NoError(t, err)

	_, err = r.Offer(context.Background(), offer(alice, bob))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyInCall))

	_, err = r.Offer(context.Background(), offer(bob, alice))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyInCall), "reverse direction shares the pair")
}

func TestRelay_ConcurrentOffersOneWins(t *testing.T) {
	r := NewRelay(time.Minute, &fakeUsers{})
	alice, bob := uuid.New(), uuid.New()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		from, to := alice, bob
		if i%2 == 1 {
			from, to = bob, alice
		}
		go func() {
			defer wg.Done()
			if _, err := r.Offer(context.Background(), offer(from, to)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestRelay_RingingTimeout(t *testing.T) {
	users := &fakeUsers{}
	r := NewRelay(30*time.Millisecond, users)
	alice, bob := uuid.New(), uuid.New()

	_, err := r.Offer(context.Background(), offer(alice, bob))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := r.ActiveSession(alice, bob)
		return !ok
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{domain.EventCallEnded}, users.eventsFor(alice))
	users.mu.Lock()
	var ended domain.CallEndedPayload
	for _, d := range users.sent {
		if d.to == alice {
			require.NoError(t, json.Unmarshal(d.env.Data, &ended))
		}
	}
	users.mu.Unlock()
	assert.Equal(t, domain.CallOutcomeTimeout, ended.Reason)

	_, err = r.Offer(context.Background(), offer(alice, bob))
	assert.NoError(t, err, "a new offer is allowed right after the timeout")
}

func TestRelay_AnsweredCallDoesNotTimeOut(t *testing.T) {
	r := NewRelay(20*time.Millisecond, &fakeUsers{})
	alice, bob := uuid.New(), uuid.New()

	_, err := r.Offer(context.Background(), offer(alice, bob))
	require.NoError(t, err)
	require.NoError(t, r.Answer(bob, alice, sdp))

	time.Sleep(60 * time.Millisecond)
	s, ok := r.ActiveSession(alice, bob)
	require.True(t, ok)
	assert.Equal(t, domain.CallStateConnected, s.State)
}

func TestRelay_AnswerRules(t *testing.T) {
	r := NewRelay(time.Minute, &fakeUsers{})
	alice, bob := uuid.New(), uuid.New()

	err := r.Answer(bob, alice, sdp)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoSuchSession))

	_, err = r.Offer(context.Background(), offer(alice, bob))
	require.NoError(t, err)

	err = r.Answer(alice, bob, sdp)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoSuchSession), "the caller cannot answer their own call")

	require.NoError(t, r.Answer(bob, alice, sdp))
	err = r.Answer(bob, alice, sdp)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoSuchSession), "already connected")
}

func TestRelay_Reject(t *testing.T) {
	users := &fakeUsers{}
	r := NewRelay(time.Minute, users)
	alice, bob := uuid.New(), uuid.New()

	in := offer(alice, bob)
	_, err := r.Offer(context.Background(), in)
	require.NoError(t, err)

	require.NoError(t, r.Reject(bob, alice, uuid.Nil))
	_, ok := r.ActiveSession(alice, bob)
	assert.False(t, ok)
	assert.Equal(t, []string{domain.EventCallRejected}, users.eventsFor(alice))

	var p domain.CallRejectedPayload
	users.mu.Lock()
	require.NoError(t, json.Unmarshal(users.sent[len(users.sent)-1].env.Data, &p))
	users.mu.Unlock()
	assert.Equal(t, in.ConversationID, p.ConversationID)

	err = r.Reject(bob, alice, uuid.Nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoSuchSession))
}

func TestRelay_StragglerICEDropped(t *testing.T) {
	users := &fakeUsers{}
	r := NewRelay(time.Minute, users)
	alice, bob := uuid.New(), uuid.New()

	assert.False(t, r.ICECandidate(alice, bob, json.RawMessage(`{}`)))
	assert.Empty(t, users.eventsFor(bob))
}

func TestRelay_HangupUser(t *testing.T) {
	users := &fakeUsers{}
	r := NewRelay(time.Minute, users)
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()

	_, err := r.Offer(context.Background(), offer(alice, bob))
	require.NoError(t, err)
	_, err = r.Offer(context.Background(), offer(carol, alice))
	require.NoError(t, err)
	_, err = r.Offer(context.Background(), offer(bob, carol))
	require.NoError(t, err)

	assert.Equal(t, 2, r.HangupUser(alice))
	_, ok := r.ActiveSession(bob, carol)
	assert.True(t, ok)
	assert.Contains(t, users.eventsFor(carol), domain.EventCallEnded)
}

func TestRelay_OfferValidation(t *testing.T) {
	members := new(MockMembers)
	r := NewRelay(time.Minute, &fakeUsers{}, WithMembership(members))
	alice, bob := uuid.New(), uuid.New()

	_, err := r.Offer(context.Background(), &OfferInput{From: alice, To: alice, Offer: sdp})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	_, err = r.Offer(context.Background(), &OfferInput{From: alice, To: bob})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingField))

	in := offer(alice, bob)
	members.On("IsMember", mock.Anything, in.ConversationID, alice).Return(false, nil).Once()
	_, err = r.Offer(context.Background(), in)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotAMember))

	members.On("IsMember", mock.Anything, in.ConversationID, alice).Return(false, errors.New("db down")).Once()
	_, err = r.Offer(context.Background(), in)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeServiceUnavail))
}
