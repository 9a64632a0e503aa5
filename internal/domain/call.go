package domain

import (
	"bytes"
	"errors"
	"time"

	"github.com/google/uuid"
)

// CallState is the lifecycle state of a one-to-one call
type CallState string

const (
	CallStateRinging   CallState = "ringing"
	CallStateConnected CallState = "connected"
	CallStateEnded     CallState = "ended"
	CallStateRejected  CallState = "rejected"
)

// CallOutcome records why a session finished
type CallOutcome string

const (
	CallOutcomeEnded        CallOutcome = "ended"
	CallOutcomeRejected     CallOutcome = "rejected"
	CallOutcomeTimeout      CallOutcome = "timeout"
	CallOutcomeDisconnected CallOutcome = "disconnected"
)

// ErrInvalidCallTransition is returned when a signal does not fit the current state
var ErrInvalidCallTransition = errors.New("invalid call state transition")

// CallSession is one call attempt between a caller and a callee.
// Maps to CockroachDB call_sessions table once finished.
type CallSession struct {
	CallID           uuid.UUID   `json:"callId" db:"call_id"`
	ConversationID   uuid.UUID   `json:"conversationId" db:"conversation_id"`
	CallerID         uuid.UUID   `json:"callerId" db:"caller_id"`
	CalleeID         uuid.UUID   `json:"calleeId" db:"callee_id"`
	State            CallState   `json:"state" db:"state"`
	Outcome          CallOutcome `json:"outcome,omitempty" db:"outcome"`
	StartedAt        time.Time   `json:"startedAt" db:"started_at"`
	ConnectedAt      *time.Time  `json:"connectedAt,omitempty" db:"connected_at"`
	EndedAt          *time.Time  `json:"endedAt,omitempty" db:"ended_at"`
	ReportedDuration int         `json:"reportedDuration,omitempty" db:"reported_duration"` // seconds, as sent by the client
}

// NewCallSession creates a ringing session
func NewCallSession(callerID, calleeID, conversationID uuid.UUID, now time.Time) *CallSession {
	return &CallSession{
		CallID:         uuid.New(),
		ConversationID: conversationID,
		CallerID:       callerID,
		CalleeID:       calleeID,
		State:          CallStateRinging,
		StartedAt:      now,
	}
}

// Active reports whether the session is ringing or connected
func (s *CallSession) Active() bool {
	return s.State == CallStateRinging || s.State == CallStateConnected
}

// Answer moves ringing to connected
func (s *CallSession) Answer(now time.Time) error {
	if s.State != CallStateRinging {
		return ErrInvalidCallTransition
	}
	s.State = CallStateConnected
	s.ConnectedAt = &now
	return nil
}

// Reject moves ringing to rejected
func (s *CallSession) Reject(now time.Time) error {
	if s.State != CallStateRinging {
		return ErrInvalidCallTransition
	}
	s.State = CallStateRejected
	s.Outcome = CallOutcomeRejected
	s.EndedAt = &now
	return nil
}

// End moves a ringing or connected session to ended with the given outcome
func (s *CallSession) End(now time.Time, outcome CallOutcome, reportedDuration int) error {
	if !s.Active() {
		return ErrInvalidCallTransition
	}
	s.State = CallStateEnded
	s.Outcome = outcome
	s.EndedAt = &now
	if reportedDuration > 0 {
		s.ReportedDuration = reportedDuration
	}
	return nil
}

// ConnectedFor returns the server-observed connected time of a finished session
func (s *CallSession) ConnectedFor() time.Duration {
	if s.ConnectedAt == nil || s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(*s.ConnectedAt)
}

// Peer returns the other party of the session
func (s *CallSession) Peer(userID uuid.UUID) uuid.UUID {
	if userID == s.CallerID {
		return s.CalleeID
	}
	return s.CallerID
}

// Involves reports whether userID is the caller or the callee
func (s *CallSession) Involves(userID uuid.UUID) bool {
	return userID == s.CallerID || userID == s.CalleeID
}

// Clone returns a copy safe to hand outside the relay's lock
func (s *CallSession) Clone() *CallSession {
	c := *s
	if s.ConnectedAt != nil {
		t := *s.ConnectedAt
		c.ConnectedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// CallPair identifies the unordered pair of users a session belongs to
type CallPair struct {
	Low  uuid.UUID
	High uuid.UUID
}

// NewCallPair orders a and b so (a, b) and (b, a) map to the same pair
func NewCallPair(a, b uuid.UUID) CallPair {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return CallPair{Low: a, High: b}
	}
	return CallPair{Low: b, High: a}
}
