package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// CallEventType discriminates records in a conversation's call stream.
type CallEventType string

const (
	CallEventStarted  CallEventType = "started"
	CallEventJoined   CallEventType = "joined"
	CallEventLeft     CallEventType = "left"
	CallEventDeclined CallEventType = "declined"
	CallEventEnded    CallEventType = "ended"
)

// EndReason explains why a call reached its terminal state.
type EndReason string

const (
	EndReasonCancelled   EndReason = "cancelled"    // Initiator hung up before anyone joined
	EndReasonAllDeclined EndReason = "all_declined" // Every invited user declined
	EndReasonNoAnswer    EndReason = "no_answer"    // Ring timeout
	EndReasonLastLeft    EndReason = "last_left"    // Last participant left
)

// CallCapabilities is captured once at call start and never changes for the
// lifetime of the call. Only audio is exercised today; the other flags are
// forward-compatibility placeholders.
type CallCapabilities struct {
	Audio       bool `json:"audio"`
	Video       bool `json:"video"`
	Screenshare bool `json:"screenshare"`
}

// AudioOnly returns the default capability set for a new call.
func AudioOnly() CallCapabilities {
	return CallCapabilities{Audio: true}
}

// CallEvent is a single immutable record in a call stream. Events are created
// only by the call service appending to the log; they are never mutated or
// deleted individually, only removed wholesale when the stream expires.
type CallEvent struct {
	Type         CallEventType     `json:"type"`
	Initiator    uuid.UUID         `json:"initiator,omitempty"`
	UserID       uuid.UUID         `json:"user_id,omitempty"`
	TargetUsers  []uuid.UUID       `json:"target_users,omitempty"`
	Reason       EndReason         `json:"reason,omitempty"`
	Capabilities *CallCapabilities `json:"capabilities,omitempty"`

	// EventID and Timestamp are assigned by the log on append (the stream
	// entry ID and the instant it encodes). They are not part of the
	// serialized event payload.
	EventID   string    `json:"-"`
	Timestamp time.Time `json:"-"`
}

// CallStatus discriminates the derived call state.
type CallStatus string

const (
	CallStatusRinging CallStatus = "ringing"
	CallStatusActive  CallStatus = "active"
	CallStatusEnded   CallStatus = "ended"
)

// CallState is derived by folding a call stream in log order. It is never
// persisted; the stream is the only durable representation of a call.
type CallState struct {
	Status CallStatus

	// Ringing fields
	StartedBy   uuid.UUID
	DeclinedBy  map[uuid.UUID]bool
	TargetUsers map[uuid.UUID]bool

	// Ringing and Active
	StartedAt time.Time

	// Active fields
	Participants map[uuid.UUID]bool

	// Ended fields
	Reason       EndReason
	DurationSecs *int
	EndedAt      time.Time

	Capabilities CallCapabilities
}

// IsLive reports whether the state represents a call that can still accept
// events. A nil state (no stream) is not live.
func (s *CallState) IsLive() bool {
	return s != nil && s.Status != CallStatusEnded
}

// ParticipantList returns the active participants in stable order.
func (s *CallState) ParticipantList() []uuid.UUID {
	return sortedUsers(s.Participants)
}

// TargetList returns the invited users in stable order.
func (s *CallState) TargetList() []uuid.UUID {
	return sortedUsers(s.TargetUsers)
}

// DeclinedList returns the users who declined in stable order.
func (s *CallState) DeclinedList() []uuid.UUID {
	return sortedUsers(s.DeclinedBy)
}

func sortedUsers(set map[uuid.UUID]bool) []uuid.UUID {
	users := make([]uuid.UUID, 0, len(set))
	for id := range set {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].String() < users[j].String()
	})
	return users
}

// CallEndedError is returned when an event is applied against a terminal
// state.
type CallEndedError struct {
	Event CallEventType
}

func (e *CallEndedError) Error() string {
	return fmt.Sprintf("call already ended: cannot apply %q", e.Event)
}

// TransitionError reports an illegal state/event pair. It indicates either a
// caller bug or a stream corrupted by a racing append.
type TransitionError struct {
	Status CallStatus
	Event  CallEventType
}

func (e *TransitionError) Error() string {
	status := string(e.Status)
	if status == "" {
		status = "absent"
	}
	return fmt.Sprintf("invalid call transition: %s + %s", status, e.Event)
}

// MalformedLogError reports a stream that cannot be replayed at all, such as
// one whose first event is not "started" or whose records fail to decode.
type MalformedLogError struct {
	Detail string
}

func (e *MalformedLogError) Error() string {
	return "malformed call log: " + e.Detail
}

// ReduceCallEvents folds an ordered event sequence into the current call
// state. An empty sequence yields (nil, nil): no call. The now parameter is
// the fold-time clock used for terminal duration/ended_at; tests pin it for
// determinism.
func ReduceCallEvents(events []CallEvent, now time.Time) (*CallState, error) {
	var state *CallState
	for _, ev := range events {
		next, err := ApplyCallEvent(state, ev, now)
		if err != nil {
			return nil, err
		}
		state = next
	}
	return state, nil
}

// ApplyCallEvent derives the next state from (state, event). A nil state
// means no call exists yet; the only event that folds against it is
// "started". The transition table is exhaustive over both tags: any pair
// without a rule is an error, and "ended" is terminal.
func ApplyCallEvent(state *CallState, ev CallEvent, now time.Time) (*CallState, error) {
	if state == nil {
		if ev.Type != CallEventStarted {
			return nil, &MalformedLogError{Detail: fmt.Sprintf("first event is %q, want %q", ev.Type, CallEventStarted)}
		}
		caps := AudioOnly()
		if ev.Capabilities != nil {
			caps = *ev.Capabilities
		}
		targets := make(map[uuid.UUID]bool, len(ev.TargetUsers))
		for _, id := range ev.TargetUsers {
			targets[id] = true
		}
		return &CallState{
			Status:       CallStatusRinging,
			StartedBy:    ev.Initiator,
			StartedAt:    ev.Timestamp,
			DeclinedBy:   make(map[uuid.UUID]bool),
			TargetUsers:  targets,
			Capabilities: caps,
		}, nil
	}

	switch state.Status {
	case CallStatusRinging:
		switch ev.Type {
		case CallEventJoined:
			participants := map[uuid.UUID]bool{
				state.StartedBy: true,
				ev.UserID:       true,
			}
			return &CallState{
				Status:       CallStatusActive,
				StartedAt:    state.StartedAt,
				Participants: participants,
				Capabilities: state.Capabilities,
			}, nil

		case CallEventDeclined:
			// Declines from outside the invited set would break the
			// declined_by ⊆ target_users invariant.
			if !state.TargetUsers[ev.UserID] {
				return nil, &TransitionError{Status: state.Status, Event: ev.Type}
			}
			declined := copySet(state.DeclinedBy)
			declined[ev.UserID] = true
			if allDeclined(declined, state.TargetUsers) {
				return endedState(state, EndReasonAllDeclined, now, false), nil
			}
			next := *state
			next.DeclinedBy = declined
			return &next, nil

		case CallEventEnded:
			return endedState(state, ev.Reason, now, false), nil
		}

	case CallStatusActive:
		switch ev.Type {
		case CallEventJoined:
			participants := copySet(state.Participants)
			participants[ev.UserID] = true
			next := *state
			next.Participants = participants
			return &next, nil

		case CallEventLeft:
			participants := copySet(state.Participants)
			delete(participants, ev.UserID)
			if len(participants) == 0 {
				return endedState(state, EndReasonLastLeft, now, true), nil
			}
			next := *state
			next.Participants = participants
			return &next, nil

		case CallEventEnded:
			return endedState(state, ev.Reason, now, true), nil
		}

	case CallStatusEnded:
		return nil, &CallEndedError{Event: ev.Type}
	}

	return nil, &TransitionError{Status: state.Status, Event: ev.Type}
}

// endedState builds the terminal state. Duration is only meaningful for calls
// that were answered, and is measured against the fold-time clock.
func endedState(prev *CallState, reason EndReason, now time.Time, withDuration bool) *CallState {
	state := &CallState{
		Status:       CallStatusEnded,
		Reason:       reason,
		EndedAt:      now,
		Capabilities: prev.Capabilities,
	}
	if withDuration {
		secs := int(now.Sub(prev.StartedAt).Seconds())
		if secs < 0 {
			secs = 0
		}
		state.DurationSecs = &secs
	}
	return state
}

func allDeclined(declined, targets map[uuid.UUID]bool) bool {
	for id := range targets {
		if !declined[id] {
			return false
		}
	}
	return true
}

func copySet(set map[uuid.UUID]bool) map[uuid.UUID]bool {
	out := make(map[uuid.UUID]bool, len(set))
	for id := range set {
		out[id] = true
	}
	return out
}
