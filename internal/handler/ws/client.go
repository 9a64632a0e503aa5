package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"relaychat-backend/internal/domain"
	"relaychat-backend/internal/hub"
	"relaychat-backend/pkg/constants"
	apperrors "relaychat-backend/pkg/errors"
	"relaychat-backend/pkg/logger"
	"relaychat-backend/pkg/metrics"
)

// Client is one WebSocket connection. It is the hub.Sink of its registry entry.
type Client struct {
	gateway *Gateway
	conn    *websocket.Conn
	userID  uuid.UUID
	hubConn *hub.Connection
	limiter *rate.Limiter

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(g *Gateway, conn *websocket.Conn, userID uuid.UUID) *Client {
	return &Client{
		gateway: g,
		conn:    conn,
		userID:  userID,
		limiter: g.newLimiter(),
		send:    make(chan []byte, g.cfg.SendBuffer),
		done:    make(chan struct{}),
	}
}

// Enqueue queues payload for the write pump without blocking
func (c *Client) Enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which closes the socket
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump reads frames until the socket fails and dispatches them in order
func (c *Client) readPump() {
	defer func() {
		c.gateway.registry.Unregister(c.hubConn.ID)
		c.conn.Close()
	}()

	pongWait := c.gateway.cfg.PongWait
	c.conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.gateway.registry.Heartbeat(c.hubConn.ID)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket read failed",
					zap.String("connection_id", string(c.hubConn.ID)),
					zap.Error(err),
				)
			}
			return
		}

		// Any frame proves the peer is alive.
		c.gateway.registry.Heartbeat(c.hubConn.ID)
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.fail(&domain.Envelope{}, apperrors.ValidationError("Malformed frame"))
			continue
		}
		if !c.limiter.Allow() {
			c.fail(&env, apperrors.RateLimitExceededError())
			continue
		}
		c.handle(&env)
	}
}

// writePump drains the send queue and keeps the peer alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(c.gateway.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) reply(event string, payload any) {
	metrics.RealtimeEventsTotal.WithLabelValues(event, "outbound").Inc()
	c.hubConn.Send(domain.MustEncode(event, payload))
}

func (c *Client) ack(env *domain.Envelope, msg *domain.Message) {
	c.reply(domain.EventAck, domain.AckPayload{AckID: env.AckID, OK: true, Message: msg})
}

// fail reports err to this connection only. Requests that carried an ackId
// get a failed ack; everything else gets an error event.
func (c *Client) fail(env *domain.Envelope, err error) {
	appErr := toAppError(err)
	metrics.RealtimeEventErrorsTotal.WithLabelValues(env.Event, string(appErr.Code)).Inc()

	payload := &domain.ErrorPayload{
		Message: appErr.Message,
		Code:    string(appErr.Code),
		Event:   env.Event,
	}
	if env.AckID != "" {
		c.reply(domain.EventAck, domain.AckPayload{AckID: env.AckID, OK: false, Error: payload})
		return
	}
	c.reply(domain.EventError, payload)
}

func toAppError(err error) *apperrors.AppError {
	if apperrors.IsAppError(err) {
		return apperrors.GetAppError(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.TransportTimeoutError("Request timed out")
	}
	return apperrors.InternalError("Internal error")
}
