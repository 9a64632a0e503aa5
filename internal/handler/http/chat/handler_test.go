package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"relaychat-backend/internal/domain"
	"relaychat-backend/internal/middleware"
	"relaychat-backend/internal/service/chat"
	apperrors "relaychat-backend/pkg/errors"
)

type MockMessageService struct {
	mock.Mock
}

func (m *MockMessageService) GetMessages(ctx context.Context, input *chat.GetMessagesInput) (*chat.GetMessagesOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*chat.GetMessagesOutput), args.Error(1)
}

func (m *MockMessageService) MarkRead(ctx context.Context, input *chat.MarkReadInput) ([]uuid.UUID, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

func (m *MockMessageService) DeleteMessage(ctx context.Context, messageID, requesterID uuid.UUID) error {
	return m.Called(ctx, messageID, requesterID).Error(0)
}

type MockCallHistory struct {
	mock.Mock
}

func (m *MockCallHistory) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallSession), args.Error(1)
}

type recordingInvalidator struct {
	ids []uuid.UUID
}

func (r *recordingInvalidator) Invalidate(id uuid.UUID) {
	r.ids = append(r.ids, id)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func setup(userID uuid.UUID) (*gin.Engine, *MockMessageService, *MockCallHistory, *recordingInvalidator) {
	gin.SetMode(gin.TestMode)
	messages := new(MockMessageService)
	calls := new(MockCallHistory)
	inv := &recordingInvalidator{}
	h := NewHandler(messages, calls, inv)

	r := gin.New()
	authed := r.Group("/v1", func(c *gin.Context) {
		c.Set(middleware.ContextUserID, userID)
		c.Next()
	})
	internal := r.Group("/v1/internal", middleware.InternalToken("secret"))
	h.RegisterRoutes(authed, internal)
	return r, messages, calls, inv
}

func do(r *gin.Engine, method, path, body string, headers ...string) (*httptest.ResponseRecorder, envelope) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestGetMessages(t *testing.T) {
	user, conv := uuid.New(), uuid.New()
	r, messages, _, _ := setup(user)

	out := &chat.GetMessagesOutput{Messages: []*domain.Message{{Seq: 5}}, HasMore: true, NextBefore: 5}
	messages.On("GetMessages", mock.Anything, &chat.GetMessagesInput{
		ConversationID: conv,
		UserID:         user,
		BeforeSeq:      10,
		Limit:          1,
	}).Return(out, nil)

	w, env := do(r, http.MethodGet, "/v1/conversations/"+conv.String()+"/messages?before=10&limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)

	var page chat.GetMessagesOutput
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(5), page.NextBefore)
	messages.AssertExpectations(t)
}

func TestGetMessages_Errors(t *testing.T) {
	user, conv := uuid.New(), uuid.New()
	r, messages, _, _ := setup(user)

	w, _ := do(r, http.MethodGet, "/v1/conversations/not-a-uuid/messages", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(r, http.MethodGet, "/v1/conversations/"+conv.String()+"/messages?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	messages.On("GetMessages", mock.Anything, mock.Anything).Return(nil, apperrors.NotAMemberError())
	w, env := do(r, http.MethodGet, "/v1/conversations/"+conv.String()+"/messages", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "NOT_A_MEMBER", env.Error.Code)
}

func TestMarkRead(t *testing.T) {
	user, conv, m1 := uuid.New(), uuid.New(), uuid.New()
	r, messages, _, _ := setup(user)

	messages.On("MarkRead", mock.Anything, &chat.MarkReadInput{
		ConversationID: conv,
		UserID:         user,
		MessageIDs:     []uuid.UUID{m1},
	}).Return([]uuid.UUID{m1}, nil)

	body := `{"conversationId":"` + conv.String() + `","messageIds":["` + m1.String() + `"]}`
	w, _ := do(r, http.MethodPost, "/v1/messages/mark-multiple-read", body)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(r, http.MethodPost, "/v1/messages/mark-multiple-read", `{"conversationId":"`+conv.String()+`","messageIds":["bad"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	messages.AssertNumberOfCalls(t, "MarkRead", 1)
}

func TestDeleteMessage(t *testing.T) {
	user, msg := uuid.New(), uuid.New()
	r, messages, _, _ := setup(user)

	messages.On("DeleteMessage", mock.Anything, msg, user).Return(apperrors.ForbiddenError("nope")).Once()
	w, env := do(r, http.MethodDelete, "/v1/messages/"+msg.String(), "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)

	messages.On("DeleteMessage", mock.Anything, msg, user).Return(nil).Once()
	w, _ = do(r, http.MethodDelete, "/v1/messages/"+msg.String(), "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetCallHistory(t *testing.T) {
	user := uuid.New()
	r, _, calls, _ := setup(user)

	calls.On("GetUserCalls", mock.Anything, user, 20, 0).Return([]*domain.CallSession{{CallID: uuid.New()}}, nil)
	w, _ := do(r, http.MethodGet, "/v1/calls", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(r, http.MethodGet, "/v1/calls?limit=500", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	calls.AssertExpectations(t)
}

func TestMembershipChanged(t *testing.T) {
	r, _, _, inv := setup(uuid.New())
	conv := uuid.New()
	path := "/v1/internal/conversations/" + conv.String() + "/membership-changed"

	w, _ := do(r, http.MethodPost, path, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, inv.ids)

	w, _ = do(r, http.MethodPost, path, "", "X-Internal-Token", "secret")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []uuid.UUID{conv}, inv.ids)
}

type recordingEditor struct {
	added   map[uuid.UUID]domain.ParticipantRole
	removed []uuid.UUID
}

func (e *recordingEditor) AddParticipant(conversationID, userID uuid.UUID, role domain.ParticipantRole) {
	e.added[userID] = role
}

func (e *recordingEditor) RemoveParticipant(conversationID, userID uuid.UUID) {
	e.removed = append(e.removed, userID)
}

func TestDirectoryRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	editor := &recordingEditor{added: map[uuid.UUID]domain.ParticipantRole{}}
	r := gin.New()
	RegisterDirectoryRoutes(r.Group("/v1/internal"), editor)

	conv, alice, bob := uuid.New(), uuid.New(), uuid.New()
	base := "/v1/internal/conversations/" + conv.String() + "/participants/"

	w, _ := do(r, http.MethodPut, base+alice.String(), `{"role":"admin"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, _ = do(r, http.MethodPut, base+bob.String(), "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, _ = do(r, http.MethodPut, base+bob.String(), `{"role":"owner"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, domain.RoleAdmin, editor.added[alice])
	assert.Equal(t, domain.ParticipantRole(""), editor.added[bob])

	w, _ = do(r, http.MethodDelete, base+bob.String(), "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []uuid.UUID{bob}, editor.removed)

	w, _ = do(r, http.MethodDelete, base+"nope", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
