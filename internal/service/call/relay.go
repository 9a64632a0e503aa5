package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaychat-backend/internal/domain"
	apperrors "relaychat-backend/pkg/errors"
	"relaychat-backend/pkg/logger"
	"relaychat-backend/pkg/metrics"
	"relaychat-backend/pkg/shard"
)

// Deliverer sends a frame to every live connection of a user
type Deliverer interface {
	SendToUser(userID uuid.UUID, payload []byte) int
}

// CallLog records finished sessions
type CallLog interface {
	SaveCall(ctx context.Context, session *domain.CallSession) error
}

// MembershipChecker verifies the caller belongs to the conversation a call is placed from
type MembershipChecker interface {
	IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
}

type entry struct {
	session *domain.CallSession
	timer   *time.Timer
}

type bucket struct {
	sync.Mutex
	calls map[domain.CallPair]*entry
}

// Relay brokers WebRTC signaling between two users. It holds at most one
// ringing or connected session per unordered pair of users.
type Relay struct {
	ringing time.Duration
	users   Deliverer
	log     CallLog
	members MembershipChecker
	now     func() time.Time
	buckets [shard.Count]*bucket

	saves sync.WaitGroup
}

// Option configures a Relay
type Option func(*Relay)

// WithCallLog persists every finished session
func WithCallLog(log CallLog) Option {
	return func(r *Relay) { r.log = log }
}

// WithMembership makes Offer check the caller's membership of the conversation
func WithMembership(members MembershipChecker) Option {
	return func(r *Relay) { r.members = members }
}

// NewRelay creates a signaling relay
func NewRelay(ringingTimeout time.Duration, users Deliverer, opts ...Option) *Relay {
	r := &Relay{
		ringing: ringingTimeout,
		users:   users,
		now:     time.Now,
	}
	for i := range r.buckets {
		r.buckets[i] = &bucket{calls: make(map[domain.CallPair]*entry)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) bucketFor(pair domain.CallPair) *bucket {
	return r.buckets[shard.Of(pair.Low)]
}

// OfferInput carries a call:offer signal
type OfferInput struct {
	From           uuid.UUID
	To             uuid.UUID
	ConversationID uuid.UUID
	Offer          json.RawMessage
	CallerInfo     json.RawMessage
	GroupInfo      json.RawMessage
}

// Offer creates a ringing session and relays the offer to the callee. It fails
// with AlreadyInCall when the pair already has an active session. A callee
// with no live connection is not an error; the session times out.
func (r *Relay) Offer(ctx context.Context, input *OfferInput) (*domain.CallSession, error) {
	if input.To == uuid.Nil {
		return nil, apperrors.MissingFieldError("to")
	}
	if input.To == input.From {
		return nil, apperrors.ValidationError("cannot call yourself")
	}
	if len(input.Offer) == 0 {
		return nil, apperrors.MissingFieldError("offer")
	}
	if r.members != nil && input.ConversationID != uuid.Nil {
		ok, err := r.members.IsMember(ctx, input.ConversationID, input.From)
		if err != nil {
			return nil, apperrors.DependencyError("membership lookup failed", err)
		}
		if !ok {
			return nil, apperrors.NotAMemberError()
		}
	}

	pair := domain.NewCallPair(input.From, input.To)
	b := r.bucketFor(pair)
	b.Lock()
	defer b.Unlock()

	if _, busy := b.calls[pair]; busy {
		logger.Info("Rejected concurrent call offer",
			zap.String("from", input.From.String()),
			zap.String("to", input.To.String()),
		)
		return nil, apperrors.AlreadyInCallError()
	}

	session := domain.NewCallSession(input.From, input.To, input.ConversationID, r.now())
	e := &entry{session: session}
	callID := session.CallID
	e.timer = time.AfterFunc(r.ringing, func() { r.expire(pair, callID) })
	b.calls[pair] = e
	metrics.CallsActive.Inc()

	n := r.users.SendToUser(input.To, domain.MustEncode(domain.EventCallOffer, domain.CallOfferPayload{
		From:           input.From,
		Offer:          input.Offer,
		CallerInfo:     input.CallerInfo,
		GroupInfo:      input.GroupInfo,
		ConversationID: input.ConversationID,
	}))
	logger.Info("Call ringing",
		zap.String("call_id", callID.String()),
		zap.String("caller_id", input.From.String()),
		zap.String("callee_id", input.To.String()),
		zap.Int("callee_connections", n),
	)
	return session.Clone(), nil
}

// Answer connects a ringing session. Only the callee may answer.
func (r *Relay) Answer(from, to uuid.UUID, answer json.RawMessage) error {
	pair := domain.NewCallPair(from, to)
	b := r.bucketFor(pair)
	b.Lock()
	defer b.Unlock()

	e, ok := b.calls[pair]
	if !ok || e.session.CalleeID != from {
		return r.noSession(domain.EventCallAnswer, from, to)
	}
	if err := e.session.Answer(r.now()); err != nil {
		return r.noSession(domain.EventCallAnswer, from, to)
	}
	e.timer.Stop()

	r.users.SendToUser(to, domain.MustEncode(domain.EventCallAnswer, domain.CallAnswerPayload{
		Answer: answer,
		From:   from,
	}))
	logger.Info("Call connected", zap.String("call_id", e.session.CallID.String()))
	return nil
}

// ICECandidate relays a candidate while the pair has a session. Stragglers are
// dropped and it reports false.
func (r *Relay) ICECandidate(from, to uuid.UUID, candidate json.RawMessage) bool {
	pair := domain.NewCallPair(from, to)
	b := r.bucketFor(pair)
	b.Lock()
	defer b.Unlock()

	if _, ok := b.calls[pair]; !ok {
		metrics.CallSignalsDroppedTotal.WithLabelValues(domain.EventCallICECandidate).Inc()
		logger.Debug("Dropped ICE candidate without session",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		return false
	}
	r.users.SendToUser(to, domain.MustEncode(domain.EventCallICECandidate, domain.CallICEPayload{
		Candidate: candidate,
		From:      from,
	}))
	return true
}

// Reject declines a ringing session and tells the caller
func (r *Relay) Reject(from, to, conversationID uuid.UUID) error {
	pair := domain.NewCallPair(from, to)
	b := r.bucketFor(pair)
	b.Lock()
	defer b.Unlock()

	e, ok := b.calls[pair]
	if !ok || e.session.CalleeID != from {
		return r.noSession(domain.EventCallReject, from, to)
	}
	if err := e.session.Reject(r.now()); err != nil {
		return r.noSession(domain.EventCallReject, from, to)
	}
	r.finish(b, pair, e)

	r.users.SendToUser(to, domain.MustEncode(domain.EventCallRejected, domain.CallRejectedPayload{
		From:           from,
		ConversationID: conversationOf(e.session, conversationID),
	}))
	return nil
}

// End hangs up a ringing or connected session and tells the peer. The
// reported duration is stored as sent; the observed connected time is
// recorded next to it.
func (r *Relay) End(from, to, conversationID uuid.UUID, duration int) error {
	pair := domain.NewCallPair(from, to)
	b := r.bucketFor(pair)
	b.Lock()
	defer b.Unlock()

	e, ok := b.calls[pair]
	if !ok {
		return r.noSession(domain.EventCallEnd, from, to)
	}
	if err := e.session.End(r.now(), domain.CallOutcomeEnded, duration); err != nil {
		return r.noSession(domain.EventCallEnd, from, to)
	}
	r.finish(b, pair, e)

	r.users.SendToUser(to, domain.MustEncode(domain.EventCallEnded, domain.CallEndedPayload{
		From:           from,
		ConversationID: conversationOf(e.session, conversationID),
		Reason:         domain.CallOutcomeEnded,
		Duration:       duration,
	}))
	return nil
}

// HangupUser ends every session involving userID, used once the user goes offline
func (r *Relay) HangupUser(userID uuid.UUID) int {
	n := 0
	for _, b := range r.buckets {
		b.Lock()
		for pair, e := range b.calls {
			if !e.session.Involves(userID) {
				continue
			}
			if err := e.session.End(r.now(), domain.CallOutcomeDisconnected, 0); err != nil {
				continue
			}
			r.finish(b, pair, e)
			r.users.SendToUser(e.session.Peer(userID), domain.MustEncode(domain.EventCallEnded, domain.CallEndedPayload{
				From:           userID,
				ConversationID: e.session.ConversationID,
				Reason:         domain.CallOutcomeDisconnected,
			}))
			n++
		}
		b.Unlock()
	}
	return n
}

// ActiveSession returns a copy of the session between a and b, if any
func (r *Relay) ActiveSession(a, b uuid.UUID) (*domain.CallSession, bool) {
	pair := domain.NewCallPair(a, b)
	bk := r.bucketFor(pair)
	bk.Lock()
	defer bk.Unlock()
	e, ok := bk.calls[pair]
	if !ok {
		return nil, false
	}
	return e.session.Clone(), true
}

// Wait blocks until pending call log writes finish
func (r *Relay) Wait() {
	r.saves.Wait()
}

func (r *Relay) expire(pair domain.CallPair, callID uuid.UUID) {
	b := r.bucketFor(pair)
	b.Lock()
	defer b.Unlock()

	e, ok := b.calls[pair]
	if !ok || e.session.CallID != callID || e.session.State != domain.CallStateRinging {
		return
	}
	if err := e.session.End(r.now(), domain.CallOutcomeTimeout, 0); err != nil {
		return
	}
	r.finish(b, pair, e)

	payload := domain.MustEncode(domain.EventCallEnded, domain.CallEndedPayload{
		From:           e.session.CalleeID,
		ConversationID: e.session.ConversationID,
		Reason:         domain.CallOutcomeTimeout,
	})
	r.users.SendToUser(e.session.CallerID, payload)
	r.users.SendToUser(e.session.CalleeID, payload)
	logger.Info("Call timed out", zap.String("call_id", callID.String()))
}

// finish must be called with the pair's bucket locked and the session already terminal
func (r *Relay) finish(b *bucket, pair domain.CallPair, e *entry) {
	e.timer.Stop()
	delete(b.calls, pair)

	metrics.CallsActive.Dec()
	metrics.CallsTotal.WithLabelValues(string(e.session.Outcome)).Inc()
	if d := e.session.ConnectedFor(); d > 0 {
		metrics.CallDuration.Observe(d.Seconds())
	}

	if r.log == nil {
		return
	}
	session := e.session.Clone()
	r.saves.Add(1)
	go func() {
		defer r.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.log.SaveCall(ctx, session); err != nil {
			logger.Warn("Failed to save call log",
				zap.String("call_id", session.CallID.String()),
				zap.Error(err),
			)
		}
	}()
}

// Signaling races are expected, so these are not logged as errors
func (r *Relay) noSession(signal string, from, to uuid.UUID) error {
	metrics.CallSignalsDroppedTotal.WithLabelValues(signal).Inc()
	logger.Debug("Call signal without matching session",
		zap.String("signal", signal),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	return apperrors.NoSuchSessionError()
}

func conversationOf(s *domain.CallSession, fallback uuid.UUID) uuid.UUID {
	if s.ConversationID != uuid.Nil {
		return s.ConversationID
	}
	return fallback
}
