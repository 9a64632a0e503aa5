package ws

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaychat-backend/internal/domain"
	"relaychat-backend/internal/service/call"
	"relaychat-backend/internal/service/chat"
	"relaychat-backend/pkg/constants"
	apperrors "relaychat-backend/pkg/errors"
	"relaychat-backend/pkg/logger"
	"relaychat-backend/pkg/metrics"
)

// handle runs one inbound event. Events from one connection are handled in
// the order they were read.
func (c *Client) handle(env *domain.Envelope) {
	metrics.RealtimeEventsTotal.WithLabelValues(env.Event, "inbound").Inc()

	ctx := logger.WithConnectionID(context.Background(), string(c.hubConn.ID))
	ctx, cancel := context.WithTimeout(ctx, constants.EventTimeout)
	defer cancel()

	if env.Event == domain.EventMessageSend {
		c.sendMessage(ctx, env)
		return
	}

	var err error
	switch env.Event {
	case domain.EventHeartbeat:
		// liveness was refreshed when the frame was read
	case domain.EventJoinConversation:
		err = c.join(ctx, env.Data)
		// Rooms logs the refusal; only a join that asked for an ack hears about it
		if env.AckID == "" && apperrors.HasCode(err, apperrors.ErrCodeNotAMember) {
			err = nil
		}
	case domain.EventLeaveConversation:
		err = c.leave(env.Data)
	case domain.EventMessageRead, domain.EventMarkMultipleRead:
		err = c.markRead(ctx, env.Data)
	case domain.EventMessageDelete:
		err = c.deleteMessage(ctx, env.Data)
	case domain.EventTypingStart, domain.EventTypingStop:
		err = c.typing(env.Event, env.Data)
	case domain.EventCallOffer:
		err = c.callOffer(ctx, env.Data)
	case domain.EventCallAnswer:
		err = c.callAnswer(env.Data)
	case domain.EventCallICECandidate:
		err = c.callICE(env.Data)
	case domain.EventCallReject:
		err = c.callReject(env.Data)
	case domain.EventCallEnd:
		err = c.callEnd(env.Data)
	default:
		err = apperrors.ValidationError("Unknown event")
	}

	if err != nil {
		if !apperrors.IsAppError(err) {
			logger.FromContext(ctx).Error("Realtime event failed", zap.String("event", env.Event), zap.Error(err))
		}
		c.fail(env, err)
		return
	}
	if env.AckID != "" {
		c.ack(env, nil)
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return apperrors.MissingFieldError("data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.ValidationError("Invalid payload")
	}
	return nil
}

// sendMessage is always acknowledged so the sender can retry a failed send
func (c *Client) sendMessage(ctx context.Context, env *domain.Envelope) {
	var req domain.SendMessageRequest
	if err := decode(env.Data, &req); err != nil {
		c.fail(env, err)
		return
	}

	msg, err := c.gateway.chat.SendMessage(ctx, &chat.SendMessageInput{
		ConversationID: req.ConversationID,
		SenderID:       c.userID,
		Type:           req.Type,
		Content:        req.Content,
	})
	if err != nil {
		c.fail(env, err)
		return
	}
	c.ack(env, msg)
}

func (c *Client) join(ctx context.Context, data json.RawMessage) error {
	var ref domain.ConversationRef
	if err := decode(data, &ref); err != nil {
		return err
	}
	if ref.ConversationID == uuid.Nil {
		return apperrors.MissingFieldError("conversationId")
	}
	return c.gateway.rooms.Join(ctx, ref.ConversationID, c.hubConn.ID)
}

func (c *Client) leave(data json.RawMessage) error {
	var ref domain.ConversationRef
	if err := decode(data, &ref); err != nil {
		return err
	}
	c.gateway.rooms.Leave(ref.ConversationID, c.hubConn.ID)
	c.gateway.typing.StopTyping(ref.ConversationID, c.userID)
	return nil
}

func (c *Client) markRead(ctx context.Context, data json.RawMessage) error {
	var req domain.ReadMessagesRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	_, err := c.gateway.chat.MarkRead(ctx, &chat.MarkReadInput{
		ConversationID: req.ConversationID,
		UserID:         c.userID,
		MessageIDs:     req.IDs(),
	})
	return err
}

func (c *Client) deleteMessage(ctx context.Context, data json.RawMessage) error {
	var req domain.DeleteMessageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return c.gateway.chat.DeleteMessage(ctx, req.MessageID, c.userID)
}

// typing is only accepted for rooms this connection joined, which were
// membership-checked on join
func (c *Client) typing(event string, data json.RawMessage) error {
	var ref domain.ConversationRef
	if err := decode(data, &ref); err != nil {
		return err
	}
	if !c.gateway.rooms.IsSubscribed(ref.ConversationID, c.hubConn.ID) {
		return apperrors.NotAMemberError()
	}
	if event == domain.EventTypingStart {
		c.gateway.typing.StartTyping(ref.ConversationID, c.userID)
	} else {
		c.gateway.typing.StopTyping(ref.ConversationID, c.userID)
	}
	return nil
}

func (c *Client) callOffer(ctx context.Context, data json.RawMessage) error {
	var req domain.CallOfferRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	_, err := c.gateway.calls.Offer(ctx, &call.OfferInput{
		From:           c.userID,
		To:             req.To,
		ConversationID: req.ConversationID,
		Offer:          req.Offer,
		CallerInfo:     req.CallerInfo,
		GroupInfo:      req.GroupInfo,
	})
	return err
}

func (c *Client) callAnswer(data json.RawMessage) error {
	var req domain.CallAnswerRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.To == uuid.Nil {
		return apperrors.MissingFieldError("to")
	}
	return c.gateway.calls.Answer(c.userID, req.To, req.Answer)
}

// Candidates that arrive after a call ended are dropped without an error
func (c *Client) callICE(data json.RawMessage) error {
	var req domain.CallICERequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.To == uuid.Nil {
		return apperrors.MissingFieldError("to")
	}
	c.gateway.calls.ICECandidate(c.userID, req.To, req.Candidate)
	return nil
}

func (c *Client) callReject(data json.RawMessage) error {
	var req domain.CallRejectRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.To == uuid.Nil {
		return apperrors.MissingFieldError("to")
	}
	return c.gateway.calls.Reject(c.userID, req.To, req.ConversationID)
}

func (c *Client) callEnd(data json.RawMessage) error {
	var req domain.CallEndRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.To == uuid.Nil {
		return apperrors.MissingFieldError("to")
	}
	if req.Duration < 0 {
		return apperrors.ValidationError("duration must not be negative")
	}
	return c.gateway.calls.End(c.userID, req.To, req.ConversationID, req.Duration)
}
