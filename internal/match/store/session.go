// Package store holds match sessions in memory and serializes every mutation
// of a session behind that session's own lock.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cory-johannsen/gambit/internal/match/presence"
)

// Status is a session lifecycle state.
type Status string

const (
	// StatusWaiting has only the creator slot filled.
	StatusWaiting Status = "waiting"
	// StatusActive has both slots filled and accepts actions.
	StatusActive Status = "active"
	// StatusCompleted was ended explicitly. Terminal.
	StatusCompleted Status = "completed"
	// StatusAbandoned lost a member connection while active. Terminal.
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// ErrInvalidTransition is returned by Session.Transition for disallowed moves.
var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[Status]map[Status]bool{
	StatusWaiting: {StatusActive: true},
	StatusActive:  {StatusCompleted: true, StatusAbandoned: true},
}

// ActionRecord is one relayed action. The position in Session.Actions is the
// authoritative relay order; Seq mirrors it (1-based).
type ActionRecord struct {
	Seq        int
	SessionID  string
	Actor      string
	Payload    json.RawMessage
	RecordedAt time.Time
}

// Session is the match aggregate.
//
// Invariant: StatusWaiting implies Joiner == nil; StatusActive implies Joiner != nil.
type Session struct {
	ID        string
	Code      string
	Status    Status
	Creator   presence.Participant
	Joiner    *presence.Participant
	Actions   []ActionRecord
	Result    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Participants returns the filled slots in slot order.
func (s *Session) Participants() []presence.Participant {
	if s.Joiner == nil {
		return []presence.Participant{s.Creator}
	}
	return []presence.Participant{s.Creator, *s.Joiner}
}

// MemberBy returns the slot participant bound through connID.
//
// Postcondition: Returns (participant, true) if either slot was bound through connID.
func (s *Session) MemberBy(connID string) (presence.Participant, bool) {
	if s.Creator.ConnectionID == connID {
		return s.Creator, true
	}
	if s.Joiner != nil && s.Joiner.ConnectionID == connID {
		return *s.Joiner, true
	}
	return presence.Participant{}, false
}

// Opponent returns the slot participant that is not bound through connID.
//
// Postcondition: Returns (zero, false) when connID is not a member or the other slot is empty.
func (s *Session) Opponent(connID string) (presence.Participant, bool) {
	switch {
	case s.Joiner == nil:
		return presence.Participant{}, false
	case s.Creator.ConnectionID == connID:
		return *s.Joiner, true
	case s.Joiner.ConnectionID == connID:
		return s.Creator, true
	default:
		return presence.Participant{}, false
	}
}

// Transition moves the session to next.
//
// Postcondition: Status == next, or ErrInvalidTransition is returned and Status is unchanged.
func (s *Session) Transition(next Status) error {
	if !transitions[s.Status][next] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	if next == StatusActive && s.Joiner == nil {
		return fmt.Errorf("%w: %s -> %s without a joiner", ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	return nil
}

// Append adds an action to the log, stamped with UpdatedAt.
//
// Postcondition: len(Actions) grows by one and the returned record is the last element.
func (s *Session) Append(actor string, payload json.RawMessage) ActionRecord {
	rec := ActionRecord{
		Seq:        len(s.Actions) + 1,
		SessionID:  s.ID,
		Actor:      actor,
		Payload:    payload,
		RecordedAt: s.UpdatedAt,
	}
	s.Actions = append(s.Actions, rec)
	return rec
}

// clone returns a copy that shares no mutable state with s.
func (s *Session) clone() Session {
	out := *s
	if s.Joiner != nil {
		j := *s.Joiner
		out.Joiner = &j
	}
	if s.Actions != nil {
		out.Actions = make([]ActionRecord, len(s.Actions))
		copy(out.Actions, s.Actions)
	}
	if s.Result != nil {
		out.Result = append(json.RawMessage(nil), s.Result...)
	}
	return out
}
