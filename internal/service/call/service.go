package call

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vconnect-backend/internal/domain"
	apperrors "vconnect-backend/pkg/errors"
	"vconnect-backend/pkg/logger"
	"vconnect-backend/pkg/metrics"
)

// EventLog is the append-only call stream store. Appends are durable and
// totally ordered per conversation; that ordering is the only cross-node
// coordination mechanism in the call path.
type EventLog interface {
	Append(ctx context.Context, conversationID uuid.UUID, event *domain.CallEvent) (string, error)
	ReadAll(ctx context.Context, conversationID uuid.UUID) ([]domain.CallEvent, error)
	SetTTL(ctx context.Context, conversationID uuid.UUID, ttl time.Duration) error
	ClearTTL(ctx context.Context, conversationID uuid.UUID) error
}

// HistoryRepository records durable call summaries. The event stream remains
// authoritative for live state; history only keeps calls visible after the
// stream expires.
type HistoryRepository interface {
	Create(ctx context.Context, record *domain.CallRecord) error
	UpdateStatus(ctx context.Context, conversationID uuid.UUID, status domain.CallStatus) error
	Finish(ctx context.Context, conversationID uuid.UUID, reason domain.EndReason, endedAt time.Time, durationSecs *int) error
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error)
}

// Service orchestrates call signaling. It is stateless: every operation is
// read -> reduce -> validate -> append -> re-read and re-reduce, and the
// post-append derivation is the only state ever returned. Because two nodes
// may interleave appends between a read and its append, the pre-append
// snapshot is never authoritative.
type Service struct {
	events  EventLog
	history HistoryRepository // nil disables history persistence
	now     func() time.Time
}

// NewService creates a new call service. history may be nil when the service
// runs without durable call logs.
func NewService(events EventLog, history HistoryRepository) *Service {
	return &Service{
		events:  events,
		history: history,
		now:     time.Now,
	}
}

// GetCallState derives the current call state for a conversation. A missing
// or expired stream yields (nil, nil): no call is not an error.
func (s *Service) GetCallState(ctx context.Context, conversationID uuid.UUID) (*domain.CallState, error) {
	return s.deriveState(ctx, conversationID)
}

// StartCall begins a new call. Preconditions: at least one target, and no
// existing call stream for the conversation. The fresh stream gets the ring
// TTL so an unanswered call vanishes on its own.
func (s *Service) StartCall(ctx context.Context, conversationID, initiator uuid.UUID, targets []uuid.UUID, capabilities domain.CallCapabilities) (*domain.CallState, error) {
	if len(targets) == 0 {
		return nil, apperrors.ValidationError("target_users must not be empty")
	}

	state, err := s.deriveState(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if state != nil {
		// A terminal state inside its grace window also blocks a new call:
		// appending a second "started" would corrupt the replay.
		return nil, apperrors.CallAlreadyExistsError()
	}

	event := &domain.CallEvent{
		Type:         domain.CallEventStarted,
		Initiator:    initiator,
		TargetUsers:  targets,
		Capabilities: &capabilities,
	}
	if _, err := s.events.Append(ctx, conversationID, event); err != nil {
		return nil, apperrors.StoreUnavailableError(err)
	}
	// The append and the TTL write are separate commands. If the TTL write
	// fails, the stream persists with no expiry and later starts keep seeing
	// CALL_ALREADY_EXISTS until the call is explicitly ended; the store error
	// below is the caller's only signal. The service never retries or cleans
	// up on its own.
	if err := s.events.SetTTL(ctx, conversationID, ringTimeout); err != nil {
		return nil, apperrors.StoreUnavailableError(err)
	}

	newState, err := s.rederive(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	s.recordStarted(ctx, conversationID, initiator, newState)
	metrics.CallStartedTotal.Inc()
	return newState, nil
}

// JoinCall adds the acting user to a live call. Joining a ringing call
// promotes it to active, which clears the ring TTL: a live call is never
// garbage-collected.
func (s *Service) JoinCall(ctx context.Context, conversationID, userID uuid.UUID) (*domain.CallState, error) {
	state, err := s.deriveState(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, apperrors.CallNotFoundError()
	}
	if !state.IsLive() {
		return nil, apperrors.CallEndedError()
	}

	event := &domain.CallEvent{Type: domain.CallEventJoined, UserID: userID}
	if _, err := s.events.Append(ctx, conversationID, event); err != nil {
		return nil, apperrors.StoreUnavailableError(err)
	}

	newState, err := s.rederive(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if newState.Status == domain.CallStatusActive {
		if err := s.events.ClearTTL(ctx, conversationID); err != nil {
			return nil, apperrors.StoreUnavailableError(err)
		}
		s.recordStatus(ctx, conversationID, domain.CallStatusActive)
	}
	return newState, nil
}

// DeclineCall records that an invited user refuses the call. When the last
// remaining target declines, the call ends with reason all_declined.
func (s *Service) DeclineCall(ctx context.Context, conversationID, userID uuid.UUID) (*domain.CallState, error) {
	state, err := s.deriveState(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, apperrors.CallNotFoundError()
	}
	if state.Status == domain.CallStatusEnded {
		return nil, apperrors.CallEndedError()
	}
	if state.Status != domain.CallStatusRinging {
		return nil, apperrors.InvalidTransitionError("call can only be declined while ringing")
	}
	if !state.TargetUsers[userID] {
		return nil, apperrors.InvalidTransitionError("user is not an invited target of this call")
	}

	event := &domain.CallEvent{Type: domain.CallEventDeclined, UserID: userID}
	if _, err := s.events.Append(ctx, conversationID, event); err != nil {
		return nil, apperrors.StoreUnavailableError(err)
	}

	newState, err := s.rederive(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if err := s.scheduleExpiry(ctx, conversationID, newState); err != nil {
		return nil, err
	}
	return newState, nil
}

// LeaveCall removes the acting user from an active call. The last
// participant leaving ends the call with reason last_left.
func (s *Service) LeaveCall(ctx context.Context, conversationID, userID uuid.UUID) (*domain.CallState, error) {
	state, err := s.deriveState(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, apperrors.CallNotFoundError()
	}
	if state.Status == domain.CallStatusEnded {
		return nil, apperrors.CallEndedError()
	}
	if state.Status != domain.CallStatusActive {
		return nil, apperrors.InvalidTransitionError("call can only be left while active")
	}
	if !state.Participants[userID] {
		return nil, apperrors.InvalidTransitionError("user is not a participant of this call")
	}

	event := &domain.CallEvent{Type: domain.CallEventLeft, UserID: userID}
	if _, err := s.events.Append(ctx, conversationID, event); err != nil {
		return nil, apperrors.StoreUnavailableError(err)
	}

	newState, err := s.rederive(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if err := s.scheduleExpiry(ctx, conversationID, newState); err != nil {
		return nil, err
	}
	return newState, nil
}

// EndCall explicitly terminates a still-live call with the given reason.
func (s *Service) EndCall(ctx context.Context, conversationID uuid.UUID, reason domain.EndReason) (*domain.CallState, error) {
	state, err := s.deriveState(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, apperrors.CallNotFoundError()
	}
	if !state.IsLive() {
		return nil, apperrors.CallEndedError()
	}

	event := &domain.CallEvent{Type: domain.CallEventEnded, Reason: reason}
	if _, err := s.events.Append(ctx, conversationID, event); err != nil {
		return nil, apperrors.StoreUnavailableError(err)
	}

	newState, err := s.rederive(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if err := s.scheduleExpiry(ctx, conversationID, newState); err != nil {
		return nil, err
	}
	return newState, nil
}

// GetUserCallHistory lists durable call records for a user, newest first.
func (s *Service) GetUserCallHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	if s.history == nil {
		return nil, apperrors.ServiceUnavailableError("call history is not enabled")
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	records, err := s.history.GetUserCalls(ctx, userID, limit, offset)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return records, nil
}

// deriveState reads the full stream and folds it into the current state.
func (s *Service) deriveState(ctx context.Context, conversationID uuid.UUID) (*domain.CallState, error) {
	events, err := s.events.ReadAll(ctx, conversationID)
	if err != nil {
		var malformed *domain.MalformedLogError
		if errors.As(err, &malformed) {
			return nil, apperrors.MalformedLogError(err)
		}
		return nil, apperrors.StoreUnavailableError(err)
	}

	if len(events) > 0 {
		metrics.CallStreamReplayEventsTotal.Observe(float64(len(events)))
	}

	state, err := domain.ReduceCallEvents(events, s.now())
	if err != nil {
		return nil, mapReduceError(err)
	}
	return state, nil
}

// rederive re-reads and re-reduces after an append. The snapshot taken
// before the append may have been invalidated by a concurrent node, so only
// this derivation may be returned or broadcast. If a racing append made the
// stream terminal or inconsistent, the structured error replaces the
// originally intended success payload.
func (s *Service) rederive(ctx context.Context, conversationID uuid.UUID) (*domain.CallState, error) {
	state, err := s.deriveState(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		// The stream expired between the append and the re-read.
		return nil, apperrors.CallNotFoundError()
	}
	return state, nil
}

func mapReduceError(err error) *apperrors.AppError {
	var (
		ended      *domain.CallEndedError
		transition *domain.TransitionError
		malformed  *domain.MalformedLogError
	)
	switch {
	case errors.As(err, &ended):
		return apperrors.CallEndedError()
	case errors.As(err, &transition):
		return apperrors.InvalidTransitionError(transition.Error())
	case errors.As(err, &malformed):
		return apperrors.MalformedLogError(err)
	default:
		return apperrors.InternalError(err.Error())
	}
}

// recordStarted writes the history row for a new call. History is best
// effort: a failed write never fails the signaling operation.
func (s *Service) recordStarted(ctx context.Context, conversationID, initiator uuid.UUID, state *domain.CallState) {
	if s.history == nil || state == nil {
		return
	}
	record := &domain.CallRecord{
		CallID:         uuid.New(),
		ConversationID: conversationID,
		InitiatorID:    initiator,
		Status:         state.Status,
		StartedAt:      state.StartedAt,
	}
	if err := s.history.Create(ctx, record); err != nil {
		logger.Warn("failed to record call start",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err))
	}
}

func (s *Service) recordStatus(ctx context.Context, conversationID uuid.UUID, status domain.CallStatus) {
	if s.history == nil {
		return
	}
	if err := s.history.UpdateStatus(ctx, conversationID, status); err != nil {
		logger.Warn("failed to update call record status",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err))
	}
}

func (s *Service) recordFinished(ctx context.Context, conversationID uuid.UUID, state *domain.CallState) {
	if s.history == nil {
		return
	}
	if err := s.history.Finish(ctx, conversationID, state.Reason, state.EndedAt, state.DurationSecs); err != nil {
		logger.Warn("failed to finish call record",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err))
	}
}
