package chat

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"relaychat-backend/internal/domain"
	"relaychat-backend/internal/middleware"
	"relaychat-backend/internal/service/chat"
	"relaychat-backend/pkg/response"
)

// MessageService is the part of the chat service served over REST
type MessageService interface {
	GetMessages(ctx context.Context, input *chat.GetMessagesInput) (*chat.GetMessagesOutput, error)
	MarkRead(ctx context.Context, input *chat.MarkReadInput) ([]uuid.UUID, error)
	DeleteMessage(ctx context.Context, messageID, requesterID uuid.UUID) error
}

// CallHistory lists finished calls
type CallHistory interface {
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error)
}

// Invalidator drops cached membership of a conversation
type Invalidator interface {
	Invalidate(conversationID uuid.UUID)
}

// ParticipantEditor edits an in-process conversation directory
type ParticipantEditor interface {
	AddParticipant(conversationID, userID uuid.UUID, role domain.ParticipantRole)
	RemoveParticipant(conversationID, userID uuid.UUID)
}

// Handler handles chat HTTP requests
type Handler struct {
	messages MessageService
	calls    CallHistory
	members  Invalidator
}

// NewHandler creates a new chat handler
func NewHandler(messages MessageService, calls CallHistory, members Invalidator) *Handler {
	return &Handler{
		messages: messages,
		calls:    calls,
		members:  members,
	}
}

// GetMessagesQuery represents query parameters for listing messages
type GetMessagesQuery struct {
	Before int64 `form:"before" binding:"min=0"`
	Limit  int   `form:"limit" binding:"min=0"`
}

// MarkReadRequest represents a batched read receipt
type MarkReadRequest struct {
	ConversationID string   `json:"conversationId" binding:"required,uuid"`
	MessageIDs     []string `json:"messageIds" binding:"required,min=1,dive,uuid"`
}

// CallHistoryQuery represents query parameters for listing calls
type CallHistoryQuery struct {
	Limit  int `form:"limit" binding:"min=0,max=100"`
	Offset int `form:"offset" binding:"min=0"`
}

// GetMessages returns one page of history, newest first
// GET /v1/conversations/:id/messages?before=seq&limit=20
func (h *Handler) GetMessages(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	var query GetMessagesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	output, err := h.messages.GetMessages(c.Request.Context(), &chat.GetMessagesInput{
		ConversationID: conversationID,
		UserID:         userID,
		BeforeSeq:      query.Before,
		Limit:          query.Limit,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, output)
}

// MarkRead records read receipts for a batch of messages
// POST /v1/messages/mark-multiple-read
func (h *Handler) MarkRead(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	var req MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	// binding already checked the uuid format
	ids := make([]uuid.UUID, 0, len(req.MessageIDs))
	for _, s := range req.MessageIDs {
		ids = append(ids, uuid.MustParse(s))
	}

	fresh, err := h.messages.MarkRead(c.Request.Context(), &chat.MarkReadInput{
		ConversationID: uuid.MustParse(req.ConversationID),
		UserID:         userID,
		MessageIDs:     ids,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"messageIds": fresh})
}

// DeleteMessage tombstones a message
// DELETE /v1/messages/:id
func (h *Handler) DeleteMessage(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	messageID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid message ID")
		return
	}

	if err := h.messages.DeleteMessage(c.Request.Context(), messageID, userID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"messageId": messageID})
}

// GetCallHistory lists the caller's finished calls
// GET /v1/calls?limit=20&offset=0
func (h *Handler) GetCallHistory(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	var query CallHistoryQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	if query.Limit == 0 {
		query.Limit = 20
	}

	calls, err := h.calls.GetUserCalls(c.Request.Context(), userID, query.Limit, query.Offset)
	if err != nil {
		response.Error(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Failed to load call history")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"calls": calls})
}

// MembershipChanged is called by the conversation directory after it changed
// the participants of a conversation
// POST /v1/internal/conversations/:id/membership-changed
func (h *Handler) MembershipChanged(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	h.members.Invalidate(conversationID)
	c.Status(http.StatusNoContent)
}

// ParticipantRequest represents a participant upsert
type ParticipantRequest struct {
	Role string `json:"role" binding:"omitempty,oneof=admin member"`
}

func participantParams(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return uuid.Nil, uuid.Nil, false
	}
	userID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		response.ValidationError(c, "Invalid user ID")
		return uuid.Nil, uuid.Nil, false
	}
	return conversationID, userID, true
}

// RegisterDirectoryRoutes exposes participant editing for deployments that
// run the directory in memory
func RegisterDirectoryRoutes(internal *gin.RouterGroup, editor ParticipantEditor) {
	// PUT /v1/internal/conversations/:id/participants/:userId
	internal.PUT("/conversations/:id/participants/:userId", func(c *gin.Context) {
		conversationID, userID, ok := participantParams(c)
		if !ok {
			return
		}
		var req ParticipantRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				response.ValidationError(c, err.Error())
				return
			}
		}
		editor.AddParticipant(conversationID, userID, domain.ParticipantRole(req.Role))
		c.Status(http.StatusNoContent)
	})

	// DELETE /v1/internal/conversations/:id/participants/:userId
	internal.DELETE("/conversations/:id/participants/:userId", func(c *gin.Context) {
		conversationID, userID, ok := participantParams(c)
		if !ok {
			return
		}
		editor.RemoveParticipant(conversationID, userID)
		c.Status(http.StatusNoContent)
	})
}

// RegisterRoutes mounts the handler. authed must already run AuthMiddleware;
// internal must already check the internal token.
func (h *Handler) RegisterRoutes(authed, internal *gin.RouterGroup) {
	authed.GET("/conversations/:id/messages", h.GetMessages)
	authed.POST("/messages/mark-multiple-read", h.MarkRead)
	authed.DELETE("/messages/:id", h.DeleteMessage)
	authed.GET("/calls", h.GetCallHistory)

	internal.POST("/conversations/:id/membership-changed", h.MembershipChanged)
}
