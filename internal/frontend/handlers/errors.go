package handlers

import (
	"errors"

	"github.com/cory-johannsen/gambit/internal/match/coordinator"
)

// Wire error codes.
const (
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeNotAMember        = "NOT_A_MEMBER"
	CodeSessionClosed     = "SESSION_CLOSED"
	CodeSessionNotActive  = "SESSION_NOT_ACTIVE"
	CodeIdentityMissing   = "IDENTITY_MISSING"
	CodeInvalidArgument   = "INVALID_ARGUMENT"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeInternal          = "INTERNAL"
)

// JoinFailedMessage is shown to a caller whose join_session did not match.
const JoinFailedMessage = "Game not found or already started"

var (
	// ErrRateLimited ends a connection that exceeded its inbound frame rate.
	ErrRateLimited = errors.New("inbound frame rate exceeded")
	// ErrTooManyDecodeErrors ends a connection that keeps sending malformed frames.
	ErrTooManyDecodeErrors = errors.New("too many malformed frames")
	// ErrIdleTimeout ends a connection that stayed silent past its grace period.
	ErrIdleTimeout = errors.New("connection idle")
)

// ToErrorPayload maps an error returned by the coordinator or by payload
// decoding onto the wire error body. frameType selects join-specific wording.
func ToErrorPayload(frameType string, err error) ErrorPayload {
	var invalid invalidArgument
	switch {
	case errors.As(err, &invalid):
		return ErrorPayload{Code: CodeInvalidArgument, Message: invalid.msg}
	case errors.Is(err, coordinator.ErrSessionNotFound):
		if frameType == FrameJoinSession {
			return ErrorPayload{Code: CodeSessionNotFound, Message: JoinFailedMessage}
		}
		return ErrorPayload{Code: CodeSessionNotFound, Message: "session not found"}
	case errors.Is(err, coordinator.ErrNotAMember):
		return ErrorPayload{Code: CodeNotAMember, Message: "not a member of this session"}
	case errors.Is(err, coordinator.ErrSessionClosed):
		return ErrorPayload{Code: CodeSessionClosed, Message: "session has already ended"}
	case errors.Is(err, coordinator.ErrSessionNotActive):
		return ErrorPayload{Code: CodeSessionNotActive, Message: "session is waiting for an opponent"}
	case errors.Is(err, coordinator.ErrIdentityMissing):
		return ErrorPayload{Code: CodeIdentityMissing, Message: "send join_presence first"}
	case errors.Is(err, coordinator.ErrCodeSpaceExhausted), errors.Is(err, ErrRateLimited):
		return ErrorPayload{Code: CodeResourceExhausted, Message: err.Error()}
	default:
		return ErrorPayload{Code: CodeInternal, Message: "internal error"}
	}
}
