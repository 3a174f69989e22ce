package domain

import (
	"time"

	"github.com/google/uuid"
)

// Conversation types
const (
	ConversationTypeDirect = "direct"
	ConversationTypeGroup  = "group"
)

// Conversation represents conversation metadata
// Maps to CockroachDB conversations table
type Conversation struct {
	ConversationID uuid.UUID `json:"conversation_id" db:"conversation_id"`
	Type           string    `json:"type" db:"type"`
	Name           *string   `json:"name,omitempty" db:"name"` // For group chats
	CreatedBy      uuid.UUID `json:"created_by" db:"created_by"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// IsDirect reports whether the conversation is a two-party direct chat
func (c *Conversation) IsDirect() bool {
	return c.Type == ConversationTypeDirect
}
