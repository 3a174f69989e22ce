package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallRecord is the durable history row for a call, written alongside the
// ephemeral event stream. The stream is authoritative for live state; records
// exist only so calls remain visible after the stream expires.
type CallRecord struct {
	CallID         uuid.UUID  `json:"call_id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	InitiatorID    uuid.UUID  `json:"initiator_id"`
	Status         CallStatus `json:"status"`
	EndReason      *EndReason `json:"end_reason,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	DurationSecs   *int       `json:"duration_secs,omitempty"`
}
