package call

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vconnect-backend/internal/database"
	"vconnect-backend/internal/domain"
	"vconnect-backend/internal/handler/ws"
	redisrepo "vconnect-backend/internal/repository/redis"
	callservice "vconnect-backend/internal/service/call"
	"vconnect-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	logger.InitDefault()
	os.Exit(m.Run())
}

// stubConversations is a canned conversation store for handler tests
type stubConversations struct {
	conversation *domain.Conversation
	participants []uuid.UUID
	member       bool
}

func (s *stubConversations) GetByID(ctx context.Context, conversationID uuid.UUID) (*domain.Conversation, error) {
	return s.conversation, nil
}

func (s *stubConversations) GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	return s.participants, nil
}

func (s *stubConversations) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	return s.member, nil
}

// stubBlocks reports a block for the configured pairs, either direction
type stubBlocks struct {
	pairs [][2]uuid.UUID
}

func (s *stubBlocks) IsBlockedEitherDirection(ctx context.Context, userA, userB uuid.UUID) (bool, error) {
	for _, p := range s.pairs {
		if (p[0] == userA && p[1] == userB) || (p[0] == userB && p[1] == userA) {
			return true, nil
		}
	}
	return false, nil
}

type handlerFixture struct {
	handler        *Handler
	service        *callservice.Service
	conversations  *stubConversations
	blocks         *stubBlocks
	conversationID uuid.UUID
	initiator      uuid.UUID
	target         uuid.UUID
}

// setupHandler wires the handler against a real event store backed by an
// in-process Redis server, with canned conversation and block stores.
func setupHandler(t *testing.T) *handlerFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rc := database.NewRedisClient(client)
	service := callservice.NewService(redisrepo.NewCallEventRepository(rc), nil)

	conversationID := uuid.New()
	initiator := uuid.New()
	target := uuid.New()

	conversations := &stubConversations{
		conversation: &domain.Conversation{
			ConversationID: conversationID,
			Type:           domain.ConversationTypeDirect,
			CreatedBy:      initiator,
		},
		participants: []uuid.UUID{initiator, target},
		member:       true,
	}
	blocks := &stubBlocks{}

	return &handlerFixture{
		handler:        NewHandler(service, conversations, blocks, ws.NewCallBroadcaster(rc)),
		service:        service,
		conversations:  conversations,
		blocks:         blocks,
		conversationID: conversationID,
		initiator:      initiator,
		target:         target,
	}
}

type responseEnvelope struct {
	Success bool `json:"success"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// perform invokes a handler with the fixture conversation in the path and
// the given user in the auth context.
func (f *handlerFixture) perform(t *testing.T, fn gin.HandlerFunc, userID uuid.UUID) (*httptest.ResponseRecorder, responseEnvelope) {
	t.Helper()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
	c.Params = gin.Params{{Key: "id", Value: f.conversationID.String()}}
	c.Set("user_id", userID)

	fn(c)

	var env responseEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w, env
}

func errorCode(t *testing.T, env responseEnvelope) string {
	t.Helper()
	require.NotNil(t, env.Error)
	return env.Error.Code
}

func TestStartCall_Created(t *testing.T) {
	f := setupHandler(t)

	w, env := f.perform(t, f.handler.StartCall, f.initiator)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, env.Success)
}

func TestStartCall_Conflict(t *testing.T) {
	f := setupHandler(t)

	_, err := f.service.StartCall(context.Background(), f.conversationID, f.initiator, []uuid.UUID{f.target}, domain.AudioOnly())
	require.NoError(t, err)

	w, env := f.perform(t, f.handler.StartCall, f.initiator)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CALL_ALREADY_EXISTS", errorCode(t, env))
}

func TestJoinCall_NotFound(t *testing.T) {
	f := setupHandler(t)

	w, env := f.perform(t, f.handler.JoinCall, f.target)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "CALL_NOT_FOUND", errorCode(t, env))
}

func TestJoinCall_AfterEnd(t *testing.T) {
	f := setupHandler(t)
	ctx := context.Background()

	_, err := f.service.StartCall(ctx, f.conversationID, f.initiator, []uuid.UUID{f.target}, domain.AudioOnly())
	require.NoError(t, err)
	_, err = f.service.EndCall(ctx, f.conversationID, domain.EndReasonCancelled)
	require.NoError(t, err)

	w, env := f.perform(t, f.handler.JoinCall, f.target)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CALL_ALREADY_ENDED", errorCode(t, env))
}

func TestDeclineCall_NonTarget(t *testing.T) {
	f := setupHandler(t)

	_, err := f.service.StartCall(context.Background(), f.conversationID, f.initiator, []uuid.UUID{f.target}, domain.AudioOnly())
	require.NoError(t, err)

	w, env := f.perform(t, f.handler.DeclineCall, uuid.New())

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(t, env))
}

func TestStartCall_NoOtherParticipants(t *testing.T) {
	f := setupHandler(t)
	f.conversations.participants = []uuid.UUID{f.initiator}

	w, env := f.perform(t, f.handler.StartCall, f.initiator)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, env))
}

func TestStartCall_BlockedTarget(t *testing.T) {
	f := setupHandler(t)
	f.blocks.pairs = [][2]uuid.UUID{{f.target, f.initiator}}

	w, env := f.perform(t, f.handler.StartCall, f.initiator)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "BLOCKED", errorCode(t, env))
}

func TestJoinCall_BlockedParticipant(t *testing.T) {
	f := setupHandler(t)

	_, err := f.service.StartCall(context.Background(), f.conversationID, f.initiator, []uuid.UUID{f.target}, domain.AudioOnly())
	require.NoError(t, err)

	f.blocks.pairs = [][2]uuid.UUID{{f.initiator, f.target}}

	w, env := f.perform(t, f.handler.JoinCall, f.target)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "BLOCKED", errorCode(t, env))
}

func TestAuthorize_NonMember(t *testing.T) {
	f := setupHandler(t)
	f.conversations.member = false

	w, env := f.perform(t, f.handler.GetCall, uuid.New())

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, env))
}

func TestAuthorize_GroupConversation(t *testing.T) {
	f := setupHandler(t)
	f.conversations.conversation.Type = domain.ConversationTypeGroup

	w, env := f.perform(t, f.handler.StartCall, f.initiator)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, env))
}

func TestAuthorize_MissingConversation(t *testing.T) {
	f := setupHandler(t)
	f.conversations.conversation = nil

	w, env := f.perform(t, f.handler.GetCall, f.initiator)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, env))
}

func TestAuthorize_InvalidConversationID(t *testing.T) {
	f := setupHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Params = gin.Params{{Key: "id", Value: "not-a-uuid"}}
	c.Set("user_id", f.initiator)

	f.handler.GetCall(c)

	var env responseEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, env))
}

func TestGetCall_NoCall(t *testing.T) {
	f := setupHandler(t)

	w, env := f.perform(t, f.handler.GetCall, f.initiator)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
	assert.Nil(t, env.Error)
}

func TestGetCallHistory_Disabled(t *testing.T) {
	f := setupHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Set("user_id", f.initiator)

	f.handler.GetCallHistory(c)

	var env responseEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "SERVICE_UNAVAILABLE", errorCode(t, env))
}
