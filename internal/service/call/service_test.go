package call

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"vconnect-backend/internal/database"
	"vconnect-backend/internal/domain"
	redisrepo "vconnect-backend/internal/repository/redis"
	apperrors "vconnect-backend/pkg/errors"
	"vconnect-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	os.Exit(m.Run())
}

// MockEventLog is a mock implementation of EventLog
type MockEventLog struct {
	mock.Mock
}

func (m *MockEventLog) Append(ctx context.Context, conversationID uuid.UUID, event *domain.CallEvent) (string, error) {
	args := m.Called(ctx, conversationID, event)
	return args.String(0), args.Error(1)
}

func (m *MockEventLog) ReadAll(ctx context.Context, conversationID uuid.UUID) ([]domain.CallEvent, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.CallEvent), args.Error(1)
}

func (m *MockEventLog) SetTTL(ctx context.Context, conversationID uuid.UUID, ttl time.Duration) error {
	args := m.Called(ctx, conversationID, ttl)
	return args.Error(0)
}

func (m *MockEventLog) ClearTTL(ctx context.Context, conversationID uuid.UUID) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

// MockHistoryRepository is a mock implementation of HistoryRepository
type MockHistoryRepository struct {
	mock.Mock
}

func (m *MockHistoryRepository) Create(ctx context.Context, record *domain.CallRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockHistoryRepository) UpdateStatus(ctx context.Context, conversationID uuid.UUID, status domain.CallStatus) error {
	args := m.Called(ctx, conversationID, status)
	return args.Error(0)
}

func (m *MockHistoryRepository) Finish(ctx context.Context, conversationID uuid.UUID, reason domain.EndReason, endedAt time.Time, durationSecs *int) error {
	args := m.Called(ctx, conversationID, reason, endedAt, durationSecs)
	return args.Error(0)
}

func (m *MockHistoryRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallRecord), args.Error(1)
}

func appErrorCode(t *testing.T, err error) apperrors.ErrorCode {
	t.Helper()
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr, "expected an AppError, got %v", err)
	return appErr.Code
}

func startedEvent(initiator uuid.UUID, targets ...uuid.UUID) domain.CallEvent {
	caps := domain.AudioOnly()
	return domain.CallEvent{
		Type:         domain.CallEventStarted,
		Initiator:    initiator,
		TargetUsers:  targets,
		Capabilities: &caps,
		Timestamp:    time.Now().Add(-10 * time.Second),
	}
}

// TestStartCall_EmptyTargets rejects before touching the store
func TestStartCall_EmptyTargets(t *testing.T) {
	mockLog := new(MockEventLog)
	service := NewService(mockLog, nil)

	_, err := service.StartCall(context.Background(), uuid.New(), uuid.New(), nil, domain.AudioOnly())

	assert.Equal(t, apperrors.ErrCodeValidation, appErrorCode(t, err))
	mockLog.AssertNotCalled(t, "Append")
	mockLog.AssertNotCalled(t, "ReadAll")
}

// TestStartCall_NewCall covers the full append path for a fresh conversation
func TestStartCall_NewCall(t *testing.T) {
	mockLog := new(MockEventLog)
	mockHistory := new(MockHistoryRepository)
	service := NewService(mockLog, mockHistory)

	conversationID := uuid.New()
	initiator := uuid.New()
	target := uuid.New()

	// First read sees no stream, second read sees the appended event.
	mockLog.On("ReadAll", mock.Anything, conversationID).Return([]domain.CallEvent{}, nil).Once()
	mockLog.On("Append", mock.Anything, conversationID, mock.AnythingOfType("*domain.CallEvent")).Return("1-0", nil).Once()
	mockLog.On("SetTTL", mock.Anything, conversationID, ringTimeout).Return(nil).Once()
	mockLog.On("ReadAll", mock.Anything, conversationID).Return([]domain.CallEvent{startedEvent(initiator, target)}, nil).Once()
	mockHistory.On("Create", mock.Anything, mock.AnythingOfType("*domain.CallRecord")).Return(nil)

	state, err := service.StartCall(context.Background(), conversationID, initiator, []uuid.UUID{target}, domain.AudioOnly())

	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, domain.CallStatusRinging, state.Status)
	assert.Equal(t, initiator, state.StartedBy)
	mockLog.AssertExpectations(t)
	mockHistory.AssertExpectations(t)
}

// TestStartCall_AlreadyExists rejects when any stream exists, even one already
// terminal but still inside its grace window
func TestStartCall_AlreadyExists(t *testing.T) {
	mockLog := new(MockEventLog)
	service := NewService(mockLog, nil)

	conversationID := uuid.New()
	initiator := uuid.New()
	target := uuid.New()

	mockLog.On("ReadAll", mock.Anything, conversationID).Return([]domain.CallEvent{startedEvent(initiator, target)}, nil)

	_, err := service.StartCall(context.Background(), conversationID, uuid.New(), []uuid.UUID{uuid.New()}, domain.AudioOnly())

	assert.Equal(t, apperrors.ErrCodeCallAlreadyExists, appErrorCode(t, err))
	mockLog.AssertNotCalled(t, "Append")
}

// TestStartCall_TTLFailureLeavesStream pins the non-atomic append/TTL pair:
// a failed ring-TTL write surfaces STORE_UNAVAILABLE, but the appended stream
// stays behind and blocks later starts until explicitly ended.
func TestStartCall_TTLFailureLeavesStream(t *testing.T) {
	mockLog := new(MockEventLog)
	service := NewService(mockLog, nil)

	conversationID := uuid.New()
	initiator := uuid.New()
	target := uuid.New()

	mockLog.On("ReadAll", mock.Anything, conversationID).Return([]domain.CallEvent{}, nil).Once()
	mockLog.On("Append", mock.Anything, conversationID, mock.AnythingOfType("*domain.CallEvent")).Return("1-0", nil).Once()
	mockLog.On("SetTTL", mock.Anything, conversationID, ringTimeout).Return(assert.AnError).Once()

	_, err := service.StartCall(context.Background(), conversationID, initiator, []uuid.UUID{target}, domain.AudioOnly())
	assert.Equal(t, apperrors.ErrCodeStoreUnavailable, appErrorCode(t, err))

	// The orphaned stream now reads as a live ringing call.
	mockLog.On("ReadAll", mock.Anything, conversationID).Return([]domain.CallEvent{startedEvent(initiator, target)}, nil)

	_, err = service.StartCall(context.Background(), conversationID, initiator, []uuid.UUID{target}, domain.AudioOnly())
	assert.Equal(t, apperrors.ErrCodeCallAlreadyExists, appErrorCode(t, err))
	mockLog.AssertExpectations(t)
}

// TestJoinCall_NotFound maps an absent stream to CALL_NOT_FOUND
func TestJoinCall_NotFound(t *testing.T) {
	mockLog := new(MockEventLog)
	service := NewService(mockLog, nil)

	conversationID := uuid.New()
	mockLog.On("ReadAll", mock.Anything, conversationID).Return([]domain.CallEvent{}, nil)

	_, err := service.JoinCall(context.Background(), conversationID, uuid.New())

	assert.Equal(t, apperrors.ErrCodeCallNotFound, appErrorCode(t, err))
	mockLog.AssertNotCalled(t, "Append")
}

// TestJoinCall_Ended rejects joining a call already terminal in its grace window
func TestJoinCall_Ended(t *testing.T) {
	mockLog := new(MockEventLog)
	service := NewService(mockLog, nil)

	conversationID := uuid.New()
	initiator := uuid.New()
	target := uuid.New()

	mockLog.On("ReadAll", mock.Anything, conversationID).Return([]domain.CallEvent{
		startedEvent(initiator, target),
		{Type: domain.CallEventDeclined, UserID: target},
	}, nil)

	_, err := service.JoinCall(context.Background(), conversationID, uuid.New())

	assert.Equal(t, apperrors.ErrCodeCallEnded, appErrorCode(t, err))
	mockLog.AssertNotCalled(t, "Append")
}

// TestDeclineCall_NotTarget rejects a decline from a user who was never invited
func TestDeclineCall_NotTarget(t *testing.T) {
	mockLog := new(MockEventLog)
	service := NewService(mockLog, nil)

	conversationID := uuid.New()
	mockLog.On("ReadAll", mock.Anything, conversationID).Return([]domain.CallEvent{startedEvent(uuid.New(), uuid.New())}, nil)

	_, err := service.DeclineCall(context.Background(), conversationID, uuid.New())

	assert.Equal(t, apperrors.ErrCodeInvalidTransition, appErrorCode(t, err))
	mockLog.AssertNotCalled(t, "Append")
}

// TestDeclineCall_LastTargetEndsCall verifies the terminal decline schedules
// the grace ttl and closes the history record
func TestDeclineCall_LastTargetEndsCall(t *testing.T) {
	mockLog := new(MockEventLog)
	mockHistory := new(MockHistoryRepository)
	service := NewService(mockLog, mockHistory)

	conversationID := uuid.New()
	initiator := uuid.New()
	target := uuid.New()

	ringing := []domain.CallEvent{startedEvent(initiator, target)}
	ended := append(append([]domain.CallEvent{}, ringing...), domain.CallEvent{Type: domain.CallEventDeclined, UserID: target})

	mockLog.On("ReadAll", mock.Anything, conversationID).Return(ringing, nil).Once()
	mockLog.On("Append", mock.Anything, conversationID, mock.AnythingOfType("*domain.CallEvent")).Return("2-0", nil).Once()
	mockLog.On("ReadAll", mock.Anything, conversationID).Return(ended, nil).Once()
	mockLog.On("SetTTL", mock.Anything, conversationID, endedGrace).Return(nil).Once()
	mockHistory.On("Finish", mock.Anything, conversationID, domain.EndReasonAllDeclined, mock.AnythingOfType("time.Time"), (*int)(nil)).Return(nil)

	state, err := service.DeclineCall(context.Background(), conversationID, target)

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, state.Status)
	assert.Equal(t, domain.EndReasonAllDeclined, state.Reason)
	assert.Nil(t, state.DurationSecs, "an unanswered call has no duration")
	mockLog.AssertExpectations(t)
	mockHistory.AssertExpectations(t)
}

// TestLeaveCall_WhileRinging is invalid: a ringing call has no participant to remove
func TestLeaveCall_WhileRinging(t *testing.T) {
	mockLog := new(MockEventLog)
	service := NewService(mockLog, nil)

	conversationID := uuid.New()
	initiator := uuid.New()
	mockLog.On("ReadAll", mock.Anything, conversationID).Return([]domain.CallEvent{startedEvent(initiator, uuid.New())}, nil)

	_, err := service.LeaveCall(context.Background(), conversationID, initiator)

	assert.Equal(t, apperrors.ErrCodeInvalidTransition, appErrorCode(t, err))
	mockLog.AssertNotCalled(t, "Append")
}

// TestJoinCall_PromotionClearsTTL checks the ringing -> active promotion
// removes the ring ttl so a live call is never garbage-collected
func TestJoinCall_PromotionClearsTTL(t *testing.T) {
	mockLog := new(MockEventLog)
	service := NewService(mockLog, nil)

	conversationID := uuid.New()
	initiator := uuid.New()
	target := uuid.New()

	ringing := []domain.CallEvent{startedEvent(initiator, target)}
	active := append(append([]domain.CallEvent{}, ringing...), domain.CallEvent{Type: domain.CallEventJoined, UserID: target})

	mockLog.On("ReadAll", mock.Anything, conversationID).Return(ringing, nil).Once()
	mockLog.On("Append", mock.Anything, conversationID, mock.AnythingOfType("*domain.CallEvent")).Return("2-0", nil).Once()
	mockLog.On("ReadAll", mock.Anything, conversationID).Return(active, nil).Once()
	mockLog.On("ClearTTL", mock.Anything, conversationID).Return(nil).Once()

	state, err := service.JoinCall(context.Background(), conversationID, target)

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, state.Status)
	mockLog.AssertExpectations(t)
}

// TestGetCallState_StoreError surfaces store failures as STORE_UNAVAILABLE
func TestGetCallState_StoreError(t *testing.T) {
	mockLog := new(MockEventLog)
	service := NewService(mockLog, nil)

	conversationID := uuid.New()
	mockLog.On("ReadAll", mock.Anything, conversationID).Return(nil, assert.AnError)

	_, err := service.GetCallState(context.Background(), conversationID)

	assert.Equal(t, apperrors.ErrCodeStoreUnavailable, appErrorCode(t, err))
}

// TestGetUserCallHistory_LimitClamping applies the default page size
func TestGetUserCallHistory_LimitClamping(t *testing.T) {
	mockHistory := new(MockHistoryRepository)
	service := NewService(new(MockEventLog), mockHistory)

	userID := uuid.New()
	mockHistory.On("GetUserCalls", mock.Anything, userID, 20, 0).Return([]*domain.CallRecord{}, nil).Once()
	mockHistory.On("GetUserCalls", mock.Anything, userID, 100, 0).Return([]*domain.CallRecord{}, nil).Once()

	_, err := service.GetUserCallHistory(context.Background(), userID, 0, 0)
	require.NoError(t, err)

	_, err = service.GetUserCallHistory(context.Background(), userID, 500, 0)
	require.NoError(t, err)

	mockHistory.AssertExpectations(t)
}

// TestGetUserCallHistory_Disabled errors when no history store is wired
func TestGetUserCallHistory_Disabled(t *testing.T) {
	service := NewService(new(MockEventLog), nil)

	_, err := service.GetUserCallHistory(context.Background(), uuid.New(), 20, 0)

	assert.Equal(t, apperrors.ErrCodeServiceUnavail, appErrorCode(t, err))
}

// setupIntegrationService wires the service against a real stream store backed
// by an in-process Redis server.
func setupIntegrationService(t *testing.T) (*miniredis.Miniredis, *Service) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	events := redisrepo.NewCallEventRepository(database.NewRedisClient(client))
	return mr, NewService(events, nil)
}

// TestCallLifecycle_Integration runs a full answered call against the stream store
func TestCallLifecycle_Integration(t *testing.T) {
	_, service := setupIntegrationService(t)
	ctx := context.Background()

	conversationID := uuid.New()
	initiator := uuid.New()
	target := uuid.New()

	state, err := service.StartCall(ctx, conversationID, initiator, []uuid.UUID{target}, domain.AudioOnly())
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, state.Status)

	state, err = service.JoinCall(ctx, conversationID, target)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, state.Status)
	assert.ElementsMatch(t, []uuid.UUID{initiator, target}, state.ParticipantList())

	state, err = service.LeaveCall(ctx, conversationID, target)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, state.Status)

	state, err = service.LeaveCall(ctx, conversationID, initiator)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, state.Status)
	assert.Equal(t, domain.EndReasonLastLeft, state.Reason)
	require.NotNil(t, state.DurationSecs)

	// Inside the grace window the ended state is still readable, and every
	// further operation is rejected as already ended.
	state, err = service.GetCallState(ctx, conversationID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, state.Status)

	_, err = service.JoinCall(ctx, conversationID, target)
	assert.Equal(t, apperrors.ErrCodeCallEnded, appErrorCode(t, err))
}

// TestCallLifecycle_RingTimeout verifies the silent disappearance semantics:
// an unanswered call leaves no trace, not a terminal state
func TestCallLifecycle_RingTimeout(t *testing.T) {
	mr, service := setupIntegrationService(t)
	ctx := context.Background()

	conversationID := uuid.New()
	_, err := service.StartCall(ctx, conversationID, uuid.New(), []uuid.UUID{uuid.New()}, domain.AudioOnly())
	require.NoError(t, err)

	mr.FastForward(ringTimeout + time.Second)

	state, err := service.GetCallState(ctx, conversationID)
	require.NoError(t, err)
	assert.Nil(t, state)

	_, err = service.JoinCall(ctx, conversationID, uuid.New())
	assert.Equal(t, apperrors.ErrCodeCallNotFound, appErrorCode(t, err))
}

// TestConcurrentJoins_Converge races two joins against a ringing call. Both
// must land in the log, and the final derivation must hold all three users
// no matter which append won.
func TestConcurrentJoins_Converge(t *testing.T) {
	_, service := setupIntegrationService(t)
	ctx := context.Background()

	conversationID := uuid.New()
	initiator := uuid.New()
	targetA := uuid.New()
	targetB := uuid.New()

	_, err := service.StartCall(ctx, conversationID, initiator, []uuid.UUID{targetA, targetB}, domain.AudioOnly())
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, userID := range []uuid.UUID{targetA, targetB} {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := service.JoinCall(ctx, conversationID, id)
			errs <- err
		}(userID)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	state, err := service.GetCallState(ctx, conversationID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, domain.CallStatusActive, state.Status)
	assert.ElementsMatch(t, []uuid.UUID{initiator, targetA, targetB}, state.ParticipantList())
}
