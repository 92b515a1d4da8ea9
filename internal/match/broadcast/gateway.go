// Package broadcast fans session events out to the live connections of a
// session's members.
//
// Delivery contract: every push is fire-and-forget and at-most-once. The
// gateway never waits for acknowledgement and never retries. A connection
// that is gone or closed misses the frame and the caller is not told. A
// connection whose outbox overflows is closed by the outbox itself, and its
// transport then tears down through the normal disconnect path.
package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gambit/internal/match/presence"
	"github.com/cory-johannsen/gambit/internal/match/store"
)

// Frame is the wire envelope shared by inbound and outbound messages.
type Frame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Encode marshals an outbound frame.
func Encode(event, requestID string, payload any) ([]byte, error) {
	data, err := json.Marshal(Frame{Type: event, RequestID: requestID, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", event, err)
	}
	return data, nil
}

// SinkResolver resolves a connection id to its outbound sink.
type SinkResolver interface {
	Sink(connID string) (presence.Sink, bool)
}

// SessionSource resolves a session id to a session snapshot.
type SessionSource interface {
	Get(id string) (store.Session, bool)
}

// Gateway delivers encoded frames to session members.
type Gateway struct {
	sinks    SinkResolver
	sessions SessionSource
	logger   *zap.Logger
}

// NewGateway creates a Gateway.
//
// Precondition: sinks, sessions, and logger must be non-nil.
func NewGateway(sinks SinkResolver, sessions SessionSource, logger *zap.Logger) *Gateway {
	return &Gateway{sinks: sinks, sessions: sessions, logger: logger}
}

// Deliver pushes one frame to every distinct live connection bound to a slot
// of sess. Members without a live connection are skipped.
//
// Postcondition: Returns the number of connections the frame was queued for.
func (g *Gateway) Deliver(sess store.Session, event string, payload any) int {
	data, err := Encode(event, "", payload)
	if err != nil {
		g.logger.Error("dropping undeliverable event",
			zap.String("session_id", sess.ID),
			zap.String("event", event),
			zap.Error(err),
		)
		return 0
	}

	connIDs := lo.Uniq(lo.Map(sess.Participants(), func(p presence.Participant, _ int) string {
		return p.ConnectionID
	}))
	delivered := 0
	for _, connID := range connIDs {
		if g.push(connID, event, data) {
			delivered++
		}
	}
	return delivered
}

// DeliverToSession looks the session up and delivers to its members.
//
// Postcondition: Returns 0 when the session is unknown.
func (g *Gateway) DeliverToSession(sessionID, event string, payload any) int {
	sess, ok := g.sessions.Get(sessionID)
	if !ok {
		g.logger.Debug("delivery to unknown session skipped",
			zap.String("session_id", sessionID),
			zap.String("event", event),
		)
		return 0
	}
	return g.Deliver(sess, event, payload)
}

// DeliverTo pushes one frame to a single connection, tagged with requestID.
//
// Postcondition: Returns true if the frame was queued.
func (g *Gateway) DeliverTo(connID, requestID, event string, payload any) bool {
	data, err := Encode(event, requestID, payload)
	if err != nil {
		g.logger.Error("dropping undeliverable event",
			zap.String("conn_id", connID),
			zap.String("event", event),
			zap.Error(err),
		)
		return false
	}
	return g.push(connID, event, data)
}

func (g *Gateway) push(connID, event string, data []byte) bool {
	sink, ok := g.sinks.Sink(connID)
	if !ok {
		return false
	}
	if err := sink.Push(data); err != nil {
		if errors.Is(err, presence.ErrOutboxFull) {
			g.logger.Warn("outbox overflow, cutting off slow connection",
				zap.String("conn_id", connID),
				zap.String("event", event),
			)
			return false
		}
		g.logger.Debug("delivery dropped",
			zap.String("conn_id", connID),
			zap.String("event", event),
			zap.Error(err),
		)
		return false
	}
	return true
}
