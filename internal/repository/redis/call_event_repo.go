package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"vconnect-backend/internal/database"
	"vconnect-backend/internal/domain"
)

// eventDataField is the single stream entry field carrying the serialized event.
const eventDataField = "data"

// CallEventRepository is the append-only event log for call streams, one
// Redis Stream per conversation. Stream entry IDs give the per-conversation
// total order that linearizes concurrent appends from different nodes; no
// lock exists anywhere in the call path.
type CallEventRepository struct {
	client *database.RedisClient
}

// NewCallEventRepository creates a new CallEventRepository
func NewCallEventRepository(client *database.RedisClient) *CallEventRepository {
	return &CallEventRepository{client: client}
}

// streamKey returns the Redis stream key for a conversation's call events
func streamKey(conversationID uuid.UUID) string {
	return fmt.Sprintf("call_events:%s", conversationID)
}

// Append adds an event to the conversation's call stream and returns the
// store-assigned entry ID.
func (r *CallEventRepository) Append(ctx context.Context, conversationID uuid.UUID, event *domain.CallEvent) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal call event: %w", err)
	}

	id, err := r.client.SafeXAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(conversationID),
		ID:     "*",
		Values: map[string]interface{}{eventDataField: string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append call event: %w", err)
	}

	return id, nil
}

// ReadAll returns every event in the conversation's call stream in log
// order. An absent or expired stream yields an empty slice, not an error.
func (r *CallEventRepository) ReadAll(ctx context.Context, conversationID uuid.UUID) ([]domain.CallEvent, error) {
	messages, err := r.client.SafeXRange(ctx, streamKey(conversationID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read call stream: %w", err)
	}

	events := make([]domain.CallEvent, 0, len(messages))
	for _, msg := range messages {
		event, err := decodeEvent(msg)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, nil
}

// SetTTL sets the expiry on a conversation's call stream. Idempotent.
func (r *CallEventRepository) SetTTL(ctx context.Context, conversationID uuid.UUID, ttl time.Duration) error {
	if err := r.client.SafeExpire(ctx, streamKey(conversationID), ttl).Err(); err != nil {
		return fmt.Errorf("failed to set call stream ttl: %w", err)
	}
	return nil
}

// ClearTTL removes any expiry from a conversation's call stream. Idempotent.
func (r *CallEventRepository) ClearTTL(ctx context.Context, conversationID uuid.UUID) error {
	if err := r.client.SafePersist(ctx, streamKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("failed to clear call stream ttl: %w", err)
	}
	return nil
}

// decodeEvent parses one stream entry into a CallEvent, attaching the entry
// ID and the instant it encodes.
func decodeEvent(msg redis.XMessage) (domain.CallEvent, error) {
	raw, ok := msg.Values[eventDataField]
	if !ok {
		return domain.CallEvent{}, &domain.MalformedLogError{
			Detail: fmt.Sprintf("entry %s is missing the %q field", msg.ID, eventDataField),
		}
	}

	data, ok := raw.(string)
	if !ok {
		return domain.CallEvent{}, &domain.MalformedLogError{
			Detail: fmt.Sprintf("entry %s has a non-string %q field", msg.ID, eventDataField),
		}
	}

	var event domain.CallEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return domain.CallEvent{}, &domain.MalformedLogError{
			Detail: fmt.Sprintf("entry %s does not decode: %v", msg.ID, err),
		}
	}

	event.EventID = msg.ID
	event.Timestamp = entryTime(msg.ID)
	return event, nil
}

// entryTime extracts the millisecond timestamp a stream entry ID encodes.
func entryTime(id string) time.Time {
	msPart, _, found := strings.Cut(id, "-")
	if !found {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
