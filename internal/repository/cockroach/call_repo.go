package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"vconnect-backend/internal/domain"
)

// CallRepository persists durable call history rows. The Redis call stream
// is authoritative for live state; these rows only keep calls visible after
// the stream expires.
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create inserts a new call record
func (r *CallRepository) Create(ctx context.Context, record *domain.CallRecord) error {
	query := `
		INSERT INTO calls (
			call_id, conversation_id, initiator_id, status, started_at
		) VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.pool.Exec(ctx, query,
		record.CallID,
		record.ConversationID,
		record.InitiatorID,
		record.Status,
		record.StartedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create call record: %w", err)
	}

	return nil
}

// UpdateStatus updates the status of the conversation's open call record
func (r *CallRepository) UpdateStatus(ctx context.Context, conversationID uuid.UUID, status domain.CallStatus) error {
	query := `
		UPDATE calls
		SET status = $2
		WHERE call_id = (
			SELECT call_id FROM calls
			WHERE conversation_id = $1 AND status != 'ended'
			ORDER BY started_at DESC
			LIMIT 1
		)
	`

	_, err := r.pool.Exec(ctx, query, conversationID, status)
	if err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}

	return nil
}

// Finish closes out the conversation's open call record with its terminal
// reason, end time and duration
func (r *CallRepository) Finish(ctx context.Context, conversationID uuid.UUID, reason domain.EndReason, endedAt time.Time, durationSecs *int) error {
	query := `
		UPDATE calls
		SET status = 'ended',
		    end_reason = $2,
		    ended_at = $3,
		    duration_secs = $4
		WHERE call_id = (
			SELECT call_id FROM calls
			WHERE conversation_id = $1 AND status != 'ended'
			ORDER BY started_at DESC
			LIMIT 1
		)
	`

	_, err := r.pool.Exec(ctx, query, conversationID, reason, endedAt, durationSecs)
	if err != nil {
		return fmt.Errorf("failed to finish call record: %w", err)
	}

	return nil
}

// GetUserCalls retrieves call history for a user, newest first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	query := `
		SELECT c.call_id, c.conversation_id, c.initiator_id, c.status,
		       c.end_reason, c.started_at, c.ended_at, c.duration_secs
		FROM calls c
		JOIN conversation_participants cp ON c.conversation_id = cp.conversation_id
		WHERE cp.user_id = $1
		ORDER BY c.started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	var records []*domain.CallRecord
	for rows.Next() {
		record := &domain.CallRecord{}
		err := rows.Scan(
			&record.CallID,
			&record.ConversationID,
			&record.InitiatorID,
			&record.Status,
			&record.EndReason,
			&record.StartedAt,
			&record.EndedAt,
			&record.DurationSecs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}
		records = append(records, record)
	}

	return records, nil
}
