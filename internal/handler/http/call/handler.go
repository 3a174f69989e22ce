package call

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"vconnect-backend/internal/domain"
	"vconnect-backend/internal/handler/ws"
	callservice "vconnect-backend/internal/service/call"
	apperrors "vconnect-backend/pkg/errors"
	"vconnect-backend/pkg/metrics"
	"vconnect-backend/pkg/response"
)

// ConversationRepository is the subset of conversation storage the call
// handlers need for scoping and membership checks.
type ConversationRepository interface {
	GetByID(ctx context.Context, conversationID uuid.UUID) (*domain.Conversation, error)
	GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
}

// BlockRepository answers whether two users have a block between them.
type BlockRepository interface {
	IsBlockedEitherDirection(ctx context.Context, userA, userB uuid.UUID) (bool, error)
}

// Handler handles call signaling HTTP requests
type Handler struct {
	callService   *callservice.Service
	conversations ConversationRepository
	blocks        BlockRepository
	broadcaster   *ws.CallBroadcaster
}

// NewHandler creates a new call handler
func NewHandler(callService *callservice.Service, conversations ConversationRepository, blocks BlockRepository, broadcaster *ws.CallBroadcaster) *Handler {
	return &Handler{
		callService:   callService,
		conversations: conversations,
		blocks:        blocks,
		broadcaster:   broadcaster,
	}
}

// CallStateResponse is the wire representation of a derived call state
type CallStateResponse struct {
	ConversationID uuid.UUID               `json:"conversation_id"`
	Status         domain.CallStatus       `json:"status"`
	StartedBy      *uuid.UUID              `json:"started_by,omitempty"`
	StartedAt      *time.Time              `json:"started_at,omitempty"`
	TargetUsers    []uuid.UUID             `json:"target_users,omitempty"`
	DeclinedBy     []uuid.UUID             `json:"declined_by,omitempty"`
	Participants   []uuid.UUID             `json:"participants,omitempty"`
	Reason         domain.EndReason        `json:"reason,omitempty"`
	DurationSecs   *int                    `json:"duration_secs,omitempty"`
	EndedAt        *time.Time              `json:"ended_at,omitempty"`
	Capabilities   domain.CallCapabilities `json:"capabilities"`
}

// newCallStateResponse maps a derived state onto the wire shape. Only the
// fields meaningful for the current status are populated.
func newCallStateResponse(conversationID uuid.UUID, state *domain.CallState) *CallStateResponse {
	resp := &CallStateResponse{
		ConversationID: conversationID,
		Status:         state.Status,
		Capabilities:   state.Capabilities,
	}

	switch state.Status {
	case domain.CallStatusRinging:
		startedBy := state.StartedBy
		startedAt := state.StartedAt
		resp.StartedBy = &startedBy
		resp.StartedAt = &startedAt
		resp.TargetUsers = state.TargetList()
		resp.DeclinedBy = state.DeclinedList()

	case domain.CallStatusActive:
		startedAt := state.StartedAt
		resp.StartedAt = &startedAt
		resp.Participants = state.ParticipantList()

	case domain.CallStatusEnded:
		endedAt := state.EndedAt
		resp.Reason = state.Reason
		resp.DurationSecs = state.DurationSecs
		resp.EndedAt = &endedAt
	}

	return resp
}

// GetCall retrieves the current call state for a conversation
// GET /v1/conversations/:id/call
func (h *Handler) GetCall(c *gin.Context) {
	conversationID, _, ok := h.authorize(c)
	if !ok {
		return
	}

	state, err := h.callService.GetCallState(c.Request.Context(), conversationID)
	if err != nil {
		h.handleError(c, "get_call", err)
		return
	}

	if state == nil {
		// No call is a normal answer, not an error.
		response.Success(c, http.StatusOK, nil)
		return
	}

	response.Success(c, http.StatusOK, newCallStateResponse(conversationID, state))
}

// StartCall begins a new call in a conversation. Every other conversation
// member becomes an invited target.
// POST /v1/conversations/:id/call/start
func (h *Handler) StartCall(c *gin.Context) {
	conversationID, userID, ok := h.authorize(c)
	if !ok {
		return
	}

	participants, err := h.conversations.GetParticipants(c.Request.Context(), conversationID)
	if err != nil {
		h.handleError(c, "start_call", apperrors.DatabaseError(err))
		return
	}

	targets := make([]uuid.UUID, 0, len(participants))
	for _, id := range participants {
		if id != userID {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		h.handleError(c, "start_call", apperrors.ValidationError("No other participants in conversation"))
		return
	}

	if h.blockedWithAny(c.Request.Context(), userID, targets) {
		h.handleError(c, "start_call", apperrors.BlockedError())
		return
	}

	capabilities := domain.AudioOnly()
	state, err := h.callService.StartCall(c.Request.Context(), conversationID, userID, targets, capabilities)
	if err != nil {
		h.handleError(c, "start_call", err)
		return
	}

	h.broadcaster.IncomingCall(c.Request.Context(), conversationID, userID, capabilities)

	response.Success(c, http.StatusCreated, newCallStateResponse(conversationID, state))
}

// JoinCall joins a live call
// POST /v1/conversations/:id/call/join
func (h *Handler) JoinCall(c *gin.Context) {
	conversationID, userID, ok := h.authorize(c)
	if !ok {
		return
	}

	participants, err := h.conversations.GetParticipants(c.Request.Context(), conversationID)
	if err != nil {
		h.handleError(c, "join_call", apperrors.DatabaseError(err))
		return
	}
	if h.blockedWithAny(c.Request.Context(), userID, participants) {
		h.handleError(c, "join_call", apperrors.BlockedError())
		return
	}

	state, err := h.callService.JoinCall(c.Request.Context(), conversationID, userID)
	if err != nil {
		h.handleError(c, "join_call", err)
		return
	}

	h.broadcaster.ParticipantJoined(c.Request.Context(), conversationID, userID)

	response.Success(c, http.StatusOK, newCallStateResponse(conversationID, state))
}

// DeclineCall declines a ringing call
// POST /v1/conversations/:id/call/decline
func (h *Handler) DeclineCall(c *gin.Context) {
	conversationID, userID, ok := h.authorize(c)
	if !ok {
		return
	}

	state, err := h.callService.DeclineCall(c.Request.Context(), conversationID, userID)
	if err != nil {
		h.handleError(c, "decline_call", err)
		return
	}

	h.broadcaster.Declined(c.Request.Context(), conversationID, userID)
	if state.Status == domain.CallStatusEnded {
		h.broadcaster.Ended(c.Request.Context(), conversationID, state.Reason, state.DurationSecs)
	}

	response.Success(c, http.StatusOK, newCallStateResponse(conversationID, state))
}

// LeaveCall removes the user from a call. An initiator leaving a still
// ringing call cancels it; anyone leaving an active call is removed as a
// participant.
// POST /v1/conversations/:id/call/leave
func (h *Handler) LeaveCall(c *gin.Context) {
	conversationID, userID, ok := h.authorize(c)
	if !ok {
		return
	}

	current, err := h.callService.GetCallState(c.Request.Context(), conversationID)
	if err != nil {
		h.handleError(c, "leave_call", err)
		return
	}

	if current != nil && current.Status == domain.CallStatusRinging && current.StartedBy == userID {
		state, err := h.callService.EndCall(c.Request.Context(), conversationID, domain.EndReasonCancelled)
		if err != nil {
			h.handleError(c, "leave_call", err)
			return
		}

		h.broadcaster.Ended(c.Request.Context(), conversationID, state.Reason, state.DurationSecs)
		response.Success(c, http.StatusOK, newCallStateResponse(conversationID, state))
		return
	}

	state, err := h.callService.LeaveCall(c.Request.Context(), conversationID, userID)
	if err != nil {
		h.handleError(c, "leave_call", err)
		return
	}

	h.broadcaster.ParticipantLeft(c.Request.Context(), conversationID, userID)
	if state.Status == domain.CallStatusEnded {
		h.broadcaster.Ended(c.Request.Context(), conversationID, state.Reason, state.DurationSecs)
	}

	response.Success(c, http.StatusOK, newCallStateResponse(conversationID, state))
}

// GetCallHistory lists the user's past calls, newest first
// GET /v1/calls/history
func (h *Handler) GetCallHistory(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	records, err := h.callService.GetUserCallHistory(c.Request.Context(), userID, limit, offset)
	if err != nil {
		h.handleError(c, "get_call_history", err)
		return
	}

	response.Success(c, http.StatusOK, records)
}

// authorize resolves the conversation from the path, the user from the auth
// context, and enforces direct-conversation scoping plus membership. It
// writes the error response itself when any step fails.
func (h *Handler) authorize(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return uuid.Nil, uuid.Nil, false
	}

	userID, ok := currentUserID(c)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}

	conversation, err := h.conversations.GetByID(c.Request.Context(), conversationID)
	if err != nil {
		response.InternalError(c, "Failed to load conversation")
		return uuid.Nil, uuid.Nil, false
	}
	if conversation == nil || !conversation.IsDirect() {
		// Calls exist only in direct conversations; a group conversation
		// has no call surface and looks absent.
		response.NotFound(c, "Conversation not found")
		return uuid.Nil, uuid.Nil, false
	}

	isMember, err := h.conversations.IsParticipant(c.Request.Context(), conversationID, userID)
	if err != nil {
		response.InternalError(c, "Failed to verify conversation membership")
		return uuid.Nil, uuid.Nil, false
	}
	if !isMember {
		response.Forbidden(c, "Not a participant of this conversation")
		return uuid.Nil, uuid.Nil, false
	}

	return conversationID, userID, true
}

// blockedWithAny reports whether any pair (userID, other) has a block in
// either direction. A failed lookup counts as not blocked.
func (h *Handler) blockedWithAny(ctx context.Context, userID uuid.UUID, others []uuid.UUID) bool {
	if h.blocks == nil {
		return false
	}
	for _, other := range others {
		if other == userID {
			continue
		}
		blocked, err := h.blocks.IsBlockedEitherDirection(ctx, userID, other)
		if err != nil {
			continue
		}
		if blocked {
			return true
		}
	}
	return false
}

// currentUserID reads the authenticated user from the gin context
func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}

	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}

	return userID, true
}

// handleError translates service errors into the response envelope and counts
// the rejection.
func (h *Handler) handleError(c *gin.Context, operation string, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		metrics.CallSignalingErrorsTotal.WithLabelValues(operation, string(apperrors.ErrCodeInternal)).Inc()
		response.InternalError(c, "Internal server error")
		return
	}

	metrics.CallSignalingErrorsTotal.WithLabelValues(operation, string(appErr.Code)).Inc()
	response.Error(c, appErr.StatusCode, string(appErr.Code), appErr.Message)
}
