package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"relaychat-backend/internal/directory"
	"relaychat-backend/internal/domain"
	"relaychat-backend/internal/hub"
	"relaychat-backend/internal/middleware"
	"relaychat-backend/internal/service/call"
	"relaychat-backend/internal/service/chat"
	"relaychat-backend/internal/service/presence"
	"relaychat-backend/pkg/constants"
	"relaychat-backend/pkg/logger"
	"relaychat-backend/pkg/metrics"
	"relaychat-backend/pkg/response"
)

// ChatService is the message side of the gateway
type ChatService interface {
	SendMessage(ctx context.Context, input *chat.SendMessageInput) (*domain.Message, error)
	MarkRead(ctx context.Context, input *chat.MarkReadInput) ([]uuid.UUID, error)
	DeleteMessage(ctx context.Context, messageID, requesterID uuid.UUID) error
}

// CallRelay is the signaling side of the gateway
type CallRelay interface {
	Offer(ctx context.Context, input *call.OfferInput) (*domain.CallSession, error)
	Answer(from, to uuid.UUID, answer json.RawMessage) error
	ICECandidate(from, to uuid.UUID, candidate json.RawMessage) bool
	Reject(from, to, conversationID uuid.UUID) error
	End(from, to, conversationID uuid.UUID, duration int) error
	HangupUser(userID uuid.UUID) int
}

// TypingTracker holds typing indicators
type TypingTracker interface {
	StartTyping(conversationID, userID uuid.UUID)
	StopTyping(conversationID, userID uuid.UUID) bool
	StopAll(userID uuid.UUID) int
}

// PresenceTracker derives online status from connection churn
type PresenceTracker interface {
	OnStatusChange(fn presence.StatusFunc)
	OnConnectionChange(userID uuid.UUID, delta int)
	OnlineUsers() []uuid.UUID
}

// Directory reads conversation membership
type Directory interface {
	MembersOf(ctx context.Context, conversationID uuid.UUID) ([]domain.Participant, error)
	OnInvalidate(fn directory.InvalidateFunc)
}

// Config tunes per-connection behaviour
type Config struct {
	SendBuffer   int
	PongWait     time.Duration
	InboundRate  float64
	InboundBurst int
}

// pingPeriod must stay below PongWait so a healthy peer is never reaped
func (c Config) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

// Gateway terminates realtime WebSocket connections and routes their events
// into the realtime core
type Gateway struct {
	registry  *hub.Registry
	rooms     *hub.Rooms
	presence  PresenceTracker
	typing    TypingTracker
	chat      ChatService
	calls     CallRelay
	directory Directory
	cfg       Config
	upgrader  websocket.Upgrader
}

// NewGateway creates the gateway and connects the core's observers:
// connection churn drives presence, status changes go to every connection,
// a user going offline clears their typing indicators and calls, and a
// membership change is pushed to the affected users.
func NewGateway(
	cfg Config,
	origins middleware.OriginSet,
	registry *hub.Registry,
	rooms *hub.Rooms,
	presenceTracker PresenceTracker,
	typingTracker TypingTracker,
	chatService ChatService,
	calls CallRelay,
	members Directory,
) *Gateway {
	if cfg.SendBuffer < 1 {
		cfg.SendBuffer = constants.WebSocketSendBuffer
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = constants.HeartbeatTimeout
	}

	g := &Gateway{
		registry:  registry,
		rooms:     rooms,
		presence:  presenceTracker,
		typing:    typingTracker,
		chat:      chatService,
		calls:     calls,
		directory: members,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return origins.Allowed(r.Header.Get("Origin"))
			},
		},
	}

	registry.OnChange(presenceTracker.OnConnectionChange)
	presenceTracker.OnStatusChange(g.statusChanged)
	members.OnInvalidate(func(conversationID uuid.UUID) {
		go g.membershipChanged(conversationID)
	})
	return g
}

// statusChanged runs under the presence lock for the user, so the slow
// cleanup of an offline user happens on its own goroutine
func (g *Gateway) statusChanged(rec domain.PresenceRecord) {
	g.registry.SendToAll(domain.MustEncode(domain.EventUserStatus, domain.UserStatusPayload{
		UserID: rec.UserID,
		Status: rec.Status,
	}))
	if rec.Status != domain.StatusOffline {
		return
	}
	go func() {
		stopped := g.typing.StopAll(rec.UserID)
		ended := g.calls.HangupUser(rec.UserID)
		if stopped > 0 || ended > 0 {
			logger.Debug("Cleared state of offline user",
				zap.String("user_id", rec.UserID.String()),
				zap.Int("typing_cleared", stopped),
				zap.Int("calls_ended", ended),
			)
		}
	}()
}

// membershipChanged reloads a conversation after an invalidation, drops room
// subscriptions of removed users and sends conversation:updated to current
// members and to the users who were just removed
func (g *Gateway) membershipChanged(conversationID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.EventTimeout)
	defer cancel()

	members, err := g.directory.MembersOf(ctx, conversationID)
	if err != nil {
		logger.Warn("Failed to reload conversation after membership change",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err),
		)
		return
	}

	conv := &domain.Conversation{ConversationID: conversationID, Participants: members}
	memberIDs := conv.MemberIDs()
	evicted := g.rooms.Retain(conversationID, memberIDs)

	payload := domain.MustEncode(domain.EventConversationUpdated, domain.ConversationUpdatedPayload{Conversation: conv})
	for _, id := range memberIDs {
		g.registry.SendToUser(id, payload)
	}
	for _, id := range evicted {
		g.registry.SendToUser(id, payload)
	}

	logger.Info("Conversation membership updated",
		zap.String("conversation_id", conversationID.String()),
		zap.Int("members", len(memberIDs)),
		zap.Int("evicted", len(evicted)),
	)
}

// ServeWS upgrades an authenticated request and starts the connection's pumps
func (g *Gateway) ServeWS(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Unauthorized")
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		metrics.RealtimeConnectionsTotal.WithLabelValues("upgrade_failed").Inc()
		logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(g, conn, userID)

	// Queued before registration so the snapshot is the first frame the
	// client sees. The user counts as online already.
	client.Enqueue(g.onlineSnapshot(userID))
	client.hubConn = g.registry.Register(userID, client)

	go client.writePump()
	go client.readPump()
}

func (g *Gateway) onlineSnapshot(self uuid.UUID) []byte {
	online := g.presence.OnlineUsers()
	users := make([]domain.UserStatusPayload, 0, len(online)+1)
	users = append(users, domain.UserStatusPayload{UserID: self, Status: domain.StatusOnline})
	for _, id := range online {
		if id != self {
			users = append(users, domain.UserStatusPayload{UserID: id, Status: domain.StatusOnline})
		}
	}
	return domain.MustEncode(domain.EventUsersOnline, users)
}

func (g *Gateway) newLimiter() *rate.Limiter {
	if g.cfg.InboundRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := g.cfg.InboundBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(g.cfg.InboundRate), burst)
}
