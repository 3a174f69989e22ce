package call

import (
	"context"

	"github.com/google/uuid"

	"vconnect-backend/internal/domain"
	"vconnect-backend/pkg/constants"
	apperrors "vconnect-backend/pkg/errors"
	"vconnect-backend/pkg/metrics"
)

// Expiry policy: a ringing stream carries the 90 second ring TTL set at
// start; an active stream carries no TTL at all, so only an explicit event
// can end a live call; a terminal stream gets a 5 second grace TTL so late
// readers can still fetch the ended reason and duration before the log
// vanishes. Ring timeout is silent disappearance, not an appended event:
// a client racing the timeout gets "call not found" rather than a terminal
// reason.
const (
	ringTimeout = constants.CallRingTimeout
	endedGrace  = constants.CallEndedGraceTTL
)

// scheduleExpiry applies the post-append TTL policy for operations that can
// terminate a call, and closes out the history record when they do.
func (s *Service) scheduleExpiry(ctx context.Context, conversationID uuid.UUID, state *domain.CallState) error {
	if state == nil || state.Status != domain.CallStatusEnded {
		return nil
	}

	if err := s.events.SetTTL(ctx, conversationID, endedGrace); err != nil {
		return apperrors.StoreUnavailableError(err)
	}

	s.recordFinished(ctx, conversationID, state)
	metrics.CallEndedTotal.WithLabelValues(string(state.Reason)).Inc()
	if state.DurationSecs != nil {
		metrics.CallDurationSeconds.Observe(float64(*state.DurationSecs))
	}
	return nil
}
