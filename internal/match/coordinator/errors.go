package coordinator

import "errors"

var (
	// ErrSessionNotFound: no waiting session for a code, or an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotAMember: the caller is not bound to either slot of the session.
	ErrNotAMember = errors.New("not a member of session")
	// ErrSessionClosed: the session is completed or abandoned.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionNotActive: the session is still waiting for a joiner.
	ErrSessionNotActive = errors.New("session not active")
	// ErrIdentityMissing: the connection has not announced its presence.
	ErrIdentityMissing = errors.New("identity missing")
	// ErrCodeSpaceExhausted: no free join code was found within the retry budget.
	ErrCodeSpaceExhausted = errors.New("no free join code")
)
