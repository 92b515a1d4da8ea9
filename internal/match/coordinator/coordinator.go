// Package coordinator implements the match session state machine: it pairs
// participants by join code, relays actions and chat within a session, ends
// sessions, and abandons active sessions whose member connection drops.
package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gambit/internal/match/broadcast"
	"github.com/cory-johannsen/gambit/internal/match/ident"
	"github.com/cory-johannsen/gambit/internal/match/presence"
	"github.com/cory-johannsen/gambit/internal/match/store"
)

// DefaultCodeAttempts bounds join code generation retries.
const DefaultCodeAttempts = 16

// Presence is what a caller announces about itself.
type Presence struct {
	Identity    string
	DisplayName string
	Rating      int
}

// Stats is a point-in-time summary used for logging.
type Stats struct {
	Connections int
	Bound       int
	Sessions    int
	ByStatus    map[store.Status]int
}

// Coordinator owns the registry, the store, and the gateway. All methods are
// safe for concurrent use; mutations of one session are serialized by the store.
type Coordinator struct {
	registry     *presence.Registry
	sessions     *store.Store
	gateway      *broadcast.Gateway
	codes        ident.Generator
	chatIDs      ident.Generator
	codeAttempts int
	logger       *zap.Logger
	now          func() time.Time
}

// New creates a Coordinator.
//
// Precondition: registry, sessions, gateway, codes, chatIDs, and logger must be non-nil.
// Postcondition: codeAttempts <= 0 is replaced with DefaultCodeAttempts.
func New(
	registry *presence.Registry,
	sessions *store.Store,
	gateway *broadcast.Gateway,
	codes ident.Generator,
	chatIDs ident.Generator,
	codeAttempts int,
	logger *zap.Logger,
) *Coordinator {
	if codeAttempts <= 0 {
		codeAttempts = DefaultCodeAttempts
	}
	return &Coordinator{
		registry:     registry,
		sessions:     sessions,
		gateway:      gateway,
		codes:        codes,
		chatIDs:      chatIDs,
		codeAttempts: codeAttempts,
		logger:       logger,
		now:          time.Now,
	}
}

// Connect registers the outbound sink of a newly accepted connection.
func (c *Coordinator) Connect(connID string, sink presence.Sink) {
	c.registry.Attach(connID, sink)
	c.logger.Debug("connection attached", zap.String("conn_id", connID))
}

// RegisterPresence binds the caller's identity to connID, replacing any
// earlier binding for the same connection.
//
// Precondition: p.Identity must be non-empty.
// Postcondition: Lookup of connID yields the returned participant.
func (c *Coordinator) RegisterPresence(connID string, p Presence) presence.Participant {
	participant := c.registry.Bind(connID, presence.Participant{
		Identity:    p.Identity,
		DisplayName: p.DisplayName,
		Rating:      p.Rating,
	})
	c.logger.Info("participant joined",
		zap.String("conn_id", connID),
		zap.String("identity", p.Identity),
		zap.String("display_name", p.DisplayName),
	)
	return participant
}

// CreateSession opens a waiting session with the caller in the first slot
// under a freshly generated join code.
//
// Postcondition: Returns the new session, ErrIdentityMissing if connID has no
// presence, or ErrCodeSpaceExhausted if every attempted code was taken.
func (c *Coordinator) CreateSession(connID string) (store.Session, error) {
	creator, ok := c.registry.Lookup(connID)
	if !ok {
		return store.Session{}, ErrIdentityMissing
	}

	for attempt := 1; attempt <= c.codeAttempts; attempt++ {
		code := c.codes.Next()
		sess, err := c.sessions.Create(creator, code)
		if errors.Is(err, store.ErrCodeInUse) {
			c.logger.Debug("join code collision, retrying",
				zap.String("code", code),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return store.Session{}, fmt.Errorf("creating session: %w", err)
		}
		c.logger.Info("session created",
			zap.String("session_id", sess.ID),
			zap.String("code", sess.Code),
			zap.String("conn_id", connID),
		)
		return sess, nil
	}
	return store.Session{}, fmt.Errorf("%w after %d attempts", ErrCodeSpaceExhausted, c.codeAttempts)
}

// JoinSession fills the second slot of the waiting session holding code and
// activates it. Both members receive session_started.
//
// Postcondition: Exactly one concurrent joiner succeeds; every other caller,
// including the creator's own connection, gets ErrSessionNotFound. A waiting
// session whose creator is no longer connected cannot be joined and stays
// waiting.
func (c *Coordinator) JoinSession(connID, code string) (store.Session, error) {
	joiner, ok := c.registry.Lookup(connID)
	if !ok {
		return store.Session{}, ErrIdentityMissing
	}

	code = ident.NormalizeCode(code)
	waiting, ok := c.sessions.FindWaitingByCode(code)
	if !ok {
		return store.Session{}, ErrSessionNotFound
	}

	sess, err := c.sessions.Mutate(waiting.ID, func(s *store.Session) error {
		if s.Status != store.StatusWaiting || s.Joiner != nil {
			return ErrSessionNotFound
		}
		if s.Creator.ConnectionID == connID {
			return ErrSessionNotFound
		}
		if _, live := c.registry.Sink(s.Creator.ConnectionID); !live {
			return ErrSessionNotFound
		}
		s.Joiner = &joiner
		if err := s.Transition(store.StatusActive); err != nil {
			s.Joiner = nil
			return err
		}
		c.gateway.Deliver(*s, EventSessionStarted, NewSessionView(*s))
		return nil
	})
	if err != nil {
		return store.Session{}, c.translate(err)
	}

	c.logger.Info("session started",
		zap.String("session_id", sess.ID),
		zap.String("code", code),
		zap.String("creator", sess.Creator.Identity),
		zap.String("joiner", joiner.Identity),
	)
	return sess, nil
}

// RelayAction appends payload to the session log and broadcasts it. The
// broadcast is issued under the session lock, so members observe actions in
// log order. The actor recorded is the caller's session slot, not its current
// presence. Move legality and turn order are not checked here.
//
// Postcondition: Returns the appended record or one of ErrIdentityMissing,
// ErrSessionNotFound, ErrNotAMember, ErrSessionClosed, ErrSessionNotActive.
func (c *Coordinator) RelayAction(connID, sessionID string, payload json.RawMessage) (store.ActionRecord, error) {
	if _, ok := c.registry.Lookup(connID); !ok {
		return store.ActionRecord{}, ErrIdentityMissing
	}

	var rec store.ActionRecord
	_, err := c.sessions.Mutate(sessionID, func(s *store.Session) error {
		if err := requireOpenMember(s, connID); err != nil {
			return err
		}
		if s.Status != store.StatusActive {
			return ErrSessionNotActive
		}
		actor, _ := s.MemberBy(connID)
		rec = s.Append(actor.Identity, payload)
		c.gateway.Deliver(*s, EventActionRelayed, ActionEvent{
			SessionID: s.ID,
			Seq:       rec.Seq,
			Actor:     rec.Actor,
			Payload:   rec.Payload,
		})
		return nil
	})
	if err != nil {
		c.logger.Debug("action rejected",
			zap.String("session_id", sessionID),
			zap.String("conn_id", connID),
			zap.Error(err),
		)
		return store.ActionRecord{}, c.translate(err)
	}
	return rec, nil
}

// RelayChat broadcasts a chat message to the session's members. The message
// is not stored. Chat is allowed while waiting and while active. Like actions,
// it is attributed to the sender's session slot.
//
// Postcondition: Returns the relayed message or one of ErrIdentityMissing,
// ErrSessionNotFound, ErrNotAMember, ErrSessionClosed.
func (c *Coordinator) RelayChat(connID, sessionID, text string) (ChatMessage, error) {
	if _, ok := c.registry.Lookup(connID); !ok {
		return ChatMessage{}, ErrIdentityMissing
	}

	var msg ChatMessage
	err := c.sessions.View(sessionID, func(s store.Session) error {
		if err := requireOpenMember(&s, connID); err != nil {
			return err
		}
		sender, _ := s.MemberBy(connID)
		msg = ChatMessage{
			ID:                c.chatIDs.Next(),
			SenderIdentity:    sender.Identity,
			SenderDisplayName: sender.DisplayName,
			SessionID:         s.ID,
			Text:              text,
			Timestamp:         c.now().UnixMilli(),
		}
		c.gateway.Deliver(s, EventChatMessage, msg)
		return nil
	})
	if err != nil {
		return ChatMessage{}, c.translate(err)
	}
	return msg, nil
}

// EndSession completes an active session, stores result, and broadcasts the
// final snapshot. A session that already reached a terminal state keeps its
// stored result.
//
// Postcondition: Returns the completed session or one of ErrIdentityMissing,
// ErrSessionNotFound, ErrNotAMember, ErrSessionClosed, ErrSessionNotActive.
func (c *Coordinator) EndSession(connID, sessionID string, result json.RawMessage) (store.Session, error) {
	if _, ok := c.registry.Lookup(connID); !ok {
		return store.Session{}, ErrIdentityMissing
	}

	sess, err := c.sessions.Mutate(sessionID, func(s *store.Session) error {
		if err := requireOpenMember(s, connID); err != nil {
			return err
		}
		if s.Status != store.StatusActive {
			return ErrSessionNotActive
		}
		if err := s.Transition(store.StatusCompleted); err != nil {
			return err
		}
		s.Result = result
		c.gateway.Deliver(*s, EventSessionEnded, NewSessionView(*s))
		return nil
	})
	if err != nil {
		return store.Session{}, c.translate(err)
	}

	c.logger.Info("session ended",
		zap.String("session_id", sess.ID),
		zap.Int("actions", len(sess.Actions)),
	)
	return sess, nil
}

// Disconnect forgets connID and abandons every active session it was a member
// of. The remaining member of each abandoned session receives exactly one
// opponent_disconnected notice. Waiting sessions are left waiting.
//
// Postcondition: Returns the ids of the sessions that were abandoned.
func (c *Coordinator) Disconnect(connID string) []string {
	c.registry.Unbind(connID)

	var abandoned []string
	for _, id := range c.sessions.SessionsFor(connID) {
		_, err := c.sessions.Mutate(id, func(s *store.Session) error {
			if s.Status != store.StatusActive {
				return errSkip
			}
			if err := s.Transition(store.StatusAbandoned); err != nil {
				return err
			}
			if other, ok := s.Opponent(connID); ok {
				c.gateway.DeliverTo(other.ConnectionID, "", EventOpponentDisconnected, DisconnectNotice{
					SessionID: s.ID,
					Status:    s.Status,
				})
			}
			return nil
		})
		switch {
		case err == nil:
			abandoned = append(abandoned, id)
			c.logger.Info("session abandoned",
				zap.String("session_id", id),
				zap.String("conn_id", connID),
			)
		case !errors.Is(err, errSkip):
			c.logger.Warn("abandoning session failed",
				zap.String("session_id", id),
				zap.Error(err),
			)
		}
	}
	c.sessions.Forget(connID)

	c.logger.Debug("connection detached",
		zap.String("conn_id", connID),
		zap.Int("abandoned", len(abandoned)),
	)
	return abandoned
}

// Stats summarizes the registry and the store.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Connections: c.registry.ConnectionCount(),
		Bound:       c.registry.BoundCount(),
		Sessions:    c.sessions.Count(),
		ByStatus:    c.sessions.CountByStatus(),
	}
}

var errSkip = errors.New("skip")

func requireOpenMember(s *store.Session, connID string) error {
	if _, ok := s.MemberBy(connID); !ok {
		return ErrNotAMember
	}
	if s.Status.Terminal() {
		return ErrSessionClosed
	}
	return nil
}

// translate maps store errors onto coordinator errors.
func (c *Coordinator) translate(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	return err
}
