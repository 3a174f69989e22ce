package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vconnect-backend/internal/database"
	"vconnect-backend/internal/domain"
	"vconnect-backend/pkg/logger"
	"vconnect-backend/pkg/metrics"
)

// Call event types pushed to subscribed clients
const (
	CallEventIncomingCall      = "incoming_call"
	CallEventParticipantJoined = "call_participant_joined"
	CallEventDeclined          = "call_declined"
	CallEventParticipantLeft   = "call_participant_left"
	CallEventEnded             = "call_ended"
)

// CallServerEvent is a call lifecycle notification fanned out over the
// conversation's pub/sub channel to every connected client.
type CallServerEvent struct {
	Type           string                   `json:"type"`
	ConversationID uuid.UUID                `json:"conversation_id"`
	UserID         *uuid.UUID               `json:"user_id,omitempty"`
	Initiator      *uuid.UUID               `json:"initiator,omitempty"`
	Capabilities   *domain.CallCapabilities `json:"capabilities,omitempty"`
	Reason         string                   `json:"reason,omitempty"`
	DurationSecs   *int                     `json:"duration_secs,omitempty"`
	Timestamp      time.Time                `json:"timestamp"`
}

// callChannel returns the pub/sub channel for a conversation's call events
func callChannel(conversationID uuid.UUID) string {
	return fmt.Sprintf("call:%s", conversationID)
}

// CallBroadcaster publishes call lifecycle events to the conversation's
// pub/sub channel. Publishing is best effort: a failed broadcast is logged
// and counted, never surfaced to the signaling operation that triggered it.
type CallBroadcaster struct {
	redisClient *database.RedisClient
}

// NewCallBroadcaster creates a new call event broadcaster
func NewCallBroadcaster(redisClient *database.RedisClient) *CallBroadcaster {
	return &CallBroadcaster{redisClient: redisClient}
}

// IncomingCall announces a freshly started call to the conversation
func (b *CallBroadcaster) IncomingCall(ctx context.Context, conversationID, initiator uuid.UUID, capabilities domain.CallCapabilities) {
	b.publish(ctx, &CallServerEvent{
		Type:           CallEventIncomingCall,
		ConversationID: conversationID,
		Initiator:      &initiator,
		Capabilities:   &capabilities,
	})
}

// ParticipantJoined announces a user joining the call
func (b *CallBroadcaster) ParticipantJoined(ctx context.Context, conversationID, userID uuid.UUID) {
	b.publish(ctx, &CallServerEvent{
		Type:           CallEventParticipantJoined,
		ConversationID: conversationID,
		UserID:         &userID,
	})
}

// Declined announces a target refusing the call
func (b *CallBroadcaster) Declined(ctx context.Context, conversationID, userID uuid.UUID) {
	b.publish(ctx, &CallServerEvent{
		Type:           CallEventDeclined,
		ConversationID: conversationID,
		UserID:         &userID,
	})
}

// ParticipantLeft announces a user leaving the call
func (b *CallBroadcaster) ParticipantLeft(ctx context.Context, conversationID, userID uuid.UUID) {
	b.publish(ctx, &CallServerEvent{
		Type:           CallEventParticipantLeft,
		ConversationID: conversationID,
		UserID:         &userID,
	})
}

// Ended announces the call reaching a terminal state
func (b *CallBroadcaster) Ended(ctx context.Context, conversationID uuid.UUID, reason domain.EndReason, durationSecs *int) {
	b.publish(ctx, &CallServerEvent{
		Type:           CallEventEnded,
		ConversationID: conversationID,
		Reason:         string(reason),
		DurationSecs:   durationSecs,
	})
}

func (b *CallBroadcaster) publish(ctx context.Context, event *CallServerEvent) {
	event.Timestamp = time.Now().UTC()

	payload, err := json.Marshal(event)
	if err != nil {
		metrics.CallEventsBroadcastTotal.WithLabelValues(event.Type, "error").Inc()
		logger.Warn("Failed to marshal call event",
			zap.String("event", event.Type),
			zap.String("conversation_id", event.ConversationID.String()),
			zap.Error(err))
		return
	}

	if err := b.redisClient.SafePublish(ctx, callChannel(event.ConversationID), payload).Err(); err != nil {
		metrics.CallEventsBroadcastTotal.WithLabelValues(event.Type, "error").Inc()
		logger.Warn("Failed to broadcast call event",
			zap.String("event", event.Type),
			zap.String("conversation_id", event.ConversationID.String()),
			zap.Error(err))
		return
	}

	metrics.CallEventsBroadcastTotal.WithLabelValues(event.Type, "ok").Inc()
}
