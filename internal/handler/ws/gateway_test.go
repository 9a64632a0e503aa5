package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat-backend/internal/directory"
	"relaychat-backend/internal/domain"
	"relaychat-backend/internal/hub"
	"relaychat-backend/internal/middleware"
	"relaychat-backend/internal/repository/memory"
	"relaychat-backend/internal/service/call"
	"relaychat-backend/internal/service/chat"
	"relaychat-backend/internal/service/presence"
	"relaychat-backend/internal/service/typing"
	"relaychat-backend/pkg/resilience"
)

type harness struct {
	server *httptest.Server
	dir    *memory.Directory
	cache  *directory.Cache
	rooms  *hub.Rooms
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := memory.NewDirectory()
	cache := directory.NewCache(dir, time.Minute)
	registry := hub.NewRegistry(time.Minute)
	rooms := hub.NewRooms(registry, cache)
	chatService := chat.NewService(memory.NewMessageStore(), cache, rooms, resilience.NewStoreResilience(resilience.DefaultConfig()))

	g := NewGateway(cfg,
		middleware.NewOriginSet([]string{"*"}),
		registry,
		rooms,
		presence.NewTracker(0, nil),
		typing.NewTracker(time.Minute, rooms),
		chatService,
		call.NewRelay(time.Minute, registry),
		cache,
	)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		if id, err := uuid.Parse(c.Query("uid")); err == nil {
			c.Set(middleware.ContextUserID, id)
		}
		c.Next()
	}, g.ServeWS)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &harness{server: srv, dir: dir, cache: cache, rooms: rooms}
}

func (h *harness) dial(t *testing.T, userID uuid.UUID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?uid=" + userID.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event, ackID string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(domain.Envelope{Event: event, Data: raw, AckID: ackID})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func next(t *testing.T, conn *websocket.Conn) domain.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env domain.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// await skips frames until one with the given event arrives
func await(t *testing.T, conn *websocket.Conn, event string) domain.Envelope {
	t.Helper()
	for {
		env := next(t, conn)
		if env.Event == event {
			return env
		}
	}
}

func awaitAck(t *testing.T, conn *websocket.Conn, ackID string) domain.AckPayload {
	t.Helper()
	for {
		env := await(t, conn, domain.EventAck)
		var ack domain.AckPayload
		require.NoError(t, json.Unmarshal(env.Data, &ack))
		if ack.AckID == ackID {
			return ack
		}
	}
}

func (h *harness) joined(t *testing.T, conn *websocket.Conn, conversationID uuid.UUID) {
	t.Helper()
	emit(t, conn, domain.EventJoinConversation, "join", map[string]string{"conversationId": conversationID.String()})
	ack := awaitAck(t, conn, "join")
	require.True(t, ack.OK, "join refused: %+v", ack.Error)
}

func TestGateway_OnlineSnapshotFirst(t *testing.T) {
	h := newHarness(t, Config{})
	alice, bob := uuid.New(), uuid.New()

	aliceConn := h.dial(t, alice)
	first := next(t, aliceConn)
	require.Equal(t, domain.EventUsersOnline, first.Event)

	bobConn := h.dial(t, bob)
	first = next(t, bobConn)
	require.Equal(t, domain.EventUsersOnline, first.Event)
	var online []domain.UserStatusPayload
	require.NoError(t, json.Unmarshal(first.Data, &online))
	var ids []uuid.UUID
	for _, u := range online {
		ids = append(ids, u.UserID)
		assert.Equal(t, domain.StatusOnline, u.Status)
	}
	assert.ElementsMatch(t, []uuid.UUID{alice, bob}, ids)

	status := await(t, aliceConn, domain.EventUserStatus)
	var p domain.UserStatusPayload
	require.NoError(t, json.Unmarshal(status.Data, &p))
	assert.Equal(t, bob, p.UserID)
	assert.Equal(t, domain.StatusOnline, p.Status)
}

func TestGateway_SendMessage(t *testing.T) {
	h := newHarness(t, Config{})
	alice, bob := uuid.New(), uuid.New()
	conv := uuid.New()
	h.dir.AddParticipant(conv, alice, domain.RoleMember)
	h.dir.AddParticipant(conv, bob, domain.RoleMember)

	aliceConn := h.dial(t, alice)
	bobConn := h.dial(t, bob)
	h.joined(t, aliceConn, conv)
	h.joined(t, bobConn, conv)

	emit(t, aliceConn, domain.EventMessageSend, "m1", map[string]any{
		"conversationId": conv,
		"content":        "hello",
		"type":           "text",
	})
	ack := awaitAck(t, aliceConn, "m1")
	require.True(t, ack.OK)
	require.NotNil(t, ack.Message)
	assert.Equal(t, int64(1), ack.Message.Seq)
	assert.Equal(t, alice, ack.Message.SenderID)

	env := await(t, bobConn, domain.EventMessageNew)
	var p domain.MessageNewPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, ack.Message.MessageID, p.Message.MessageID)
	assert.Equal(t, conv, p.ConversationID)

	emit(t, bobConn, domain.EventMessageRead, "", map[string]any{
		"conversationId": conv,
		"messageId":      p.Message.MessageID,
	})
	env = await(t, aliceConn, domain.EventMessagesRead)
	var read domain.MessagesReadPayload
	require.NoError(t, json.Unmarshal(env.Data, &read))
	assert.Equal(t, bob, read.UserID)
	assert.Equal(t, []uuid.UUID{p.Message.MessageID}, read.MessageIDs)
}

func TestGateway_NonMemberRefused(t *testing.T) {
	h := newHarness(t, Config{})
	carol := uuid.New()
	conv := uuid.New()
	h.dir.AddParticipant(conv, uuid.New(), domain.RoleMember)

	conn := h.dial(t, carol)

	emit(t, conn, domain.EventJoinConversation, "j", conv.String())
	ack := awaitAck(t, conn, "j")
	assert.False(t, ack.OK)
	require.NotNil(t, ack.Error)
	assert.Equal(t, "NOT_A_MEMBER", ack.Error.Code)

	emit(t, conn, domain.EventMessageSend, "", map[string]any{"conversationId": conv, "content": "hi"})
	env := await(t, conn, domain.EventError)
	var e domain.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &e))
	assert.Equal(t, "NOT_A_MEMBER", e.Code)
	assert.Equal(t, domain.EventMessageSend, e.Event)
}

func TestGateway_RefusedJoinWithoutAckIsSilent(t *testing.T) {
	h := newHarness(t, Config{})
	carol := uuid.New()
	conv := uuid.New()
	h.dir.AddParticipant(conv, uuid.New(), domain.RoleMember)

	conn := h.dial(t, carol)

	emit(t, conn, domain.EventJoinConversation, "", map[string]string{"conversationId": conv.String()})
	emit(t, conn, domain.EventMessageSend, "", map[string]any{"conversationId": conv, "content": "hi"})

	// The first error the client sees is for the send, not the join
	env := await(t, conn, domain.EventError)
	var e domain.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &e))
	assert.Equal(t, domain.EventMessageSend, e.Event)
	assert.Equal(t, "NOT_A_MEMBER", e.Code)
	assert.Empty(t, h.rooms.Subscribers(conv))
}

func TestGateway_MalformedAndUnknown(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.dial(t, uuid.New())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	env := await(t, conn, domain.EventError)
	var e domain.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &e))
	assert.Equal(t, "VALIDATION_ERROR", e.Code)

	emit(t, conn, "no:such-event", "", map[string]any{})
	env = await(t, conn, domain.EventError)
	require.NoError(t, json.Unmarshal(env.Data, &e))
	assert.Equal(t, "no:such-event", e.Event)
}

func TestGateway_TypingNeedsJoin(t *testing.T) {
	h := newHarness(t, Config{})
	alice, bob := uuid.New(), uuid.New()
	conv := uuid.New()
	h.dir.AddParticipant(conv, alice, domain.RoleMember)
	h.dir.AddParticipant(conv, bob, domain.RoleMember)

	aliceConn := h.dial(t, alice)
	bobConn := h.dial(t, bob)

	emit(t, aliceConn, domain.EventTypingStart, "t0", map[string]any{"conversationId": conv})
	ack := awaitAck(t, aliceConn, "t0")
	assert.False(t, ack.OK)

	h.joined(t, aliceConn, conv)
	h.joined(t, bobConn, conv)

	emit(t, aliceConn, domain.EventTypingStart, "", map[string]any{"conversationId": conv})
	env := await(t, bobConn, domain.EventTypingStart)
	var p domain.TypingPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, alice, p.UserID)
	assert.Equal(t, conv, p.ConversationID)

	emit(t, aliceConn, domain.EventTypingStop, "", map[string]any{"conversationId": conv})
	await(t, bobConn, domain.EventTypingStop)
}

func TestGateway_CallSignaling(t *testing.T) {
	h := newHarness(t, Config{})
	alice, bob := uuid.New(), uuid.New()

	aliceConn := h.dial(t, alice)
	bobConn := h.dial(t, bob)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	emit(t, aliceConn, domain.EventCallOffer, "o1", map[string]any{"to": bob, "offer": offer})
	require.True(t, awaitAck(t, aliceConn, "o1").OK)

	env := await(t, bobConn, domain.EventCallOffer)
	var p domain.CallOfferPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, alice, p.From)
	assert.JSONEq(t, string(offer), string(p.Offer))

	emit(t, bobConn, domain.EventCallOffer, "o2", map[string]any{"to": alice, "offer": offer})
	ack := awaitAck(t, bobConn, "o2")
	assert.False(t, ack.OK)
	assert.Equal(t, "ALREADY_IN_CALL", ack.Error.Code)

	emit(t, bobConn, domain.EventCallAnswer, "", map[string]any{"to": alice, "answer": json.RawMessage(`{"type":"answer"}`)})
	await(t, aliceConn, domain.EventCallAnswer)
}

func TestGateway_DisconnectEndsCalls(t *testing.T) {
	h := newHarness(t, Config{})
	alice, bob := uuid.New(), uuid.New()

	aliceConn := h.dial(t, alice)
	bobConn := h.dial(t, bob)

	emit(t, aliceConn, domain.EventCallOffer, "o", map[string]any{"to": bob, "offer": json.RawMessage(`{}`)})
	require.True(t, awaitAck(t, aliceConn, "o").OK)
	await(t, bobConn, domain.EventCallOffer)

	require.NoError(t, aliceConn.Close())

	env := await(t, bobConn, domain.EventUserStatus)
	var status domain.UserStatusPayload
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, alice, status.UserID)
	assert.Equal(t, domain.StatusOffline, status.Status)

	env = await(t, bobConn, domain.EventCallEnded)
	var ended domain.CallEndedPayload
	require.NoError(t, json.Unmarshal(env.Data, &ended))
	assert.Equal(t, domain.CallOutcomeDisconnected, ended.Reason)
}

func TestGateway_InboundRateLimit(t *testing.T) {
	h := newHarness(t, Config{InboundRate: 0.01, InboundBurst: 1})
	conn := h.dial(t, uuid.New())

	emit(t, conn, domain.EventHeartbeat, "h1", nil)
	emit(t, conn, domain.EventHeartbeat, "h2", nil)

	assert.True(t, awaitAck(t, conn, "h1").OK)
	ack := awaitAck(t, conn, "h2")
	assert.False(t, ack.OK)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", ack.Error.Code)
}

func TestGateway_MembershipChange(t *testing.T) {
	h := newHarness(t, Config{})
	alice, bob := uuid.New(), uuid.New()
	conv := uuid.New()
	h.dir.AddParticipant(conv, alice, domain.RoleAdmin)
	h.dir.AddParticipant(conv, bob, domain.RoleMember)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.cache.Watch(ctx, h.dir)

	aliceConn := h.dial(t, alice)
	bobConn := h.dial(t, bob)
	h.joined(t, aliceConn, conv)
	h.joined(t, bobConn, conv)

	// Watch subscribes asynchronously; keep removing until the change lands.
	require.Eventually(t, func() bool {
		h.dir.RemoveParticipant(conv, bob)
		return len(h.rooms.Subscribers(conv)) == 1
	}, 2*time.Second, 20*time.Millisecond)

	env := await(t, bobConn, domain.EventConversationUpdated)
	var p domain.ConversationUpdatedPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, conv, p.Conversation.ConversationID)
	assert.Equal(t, []uuid.UUID{alice}, p.Conversation.MemberIDs())

	await(t, aliceConn, domain.EventConversationUpdated)
}
