package coordinator

import (
	"encoding/json"

	"github.com/samber/lo"

	"github.com/cory-johannsen/gambit/internal/match/presence"
	"github.com/cory-johannsen/gambit/internal/match/store"
)

// Outbound event names.
const (
	EventSessionCreated       = "session_created"
	EventSessionStarted       = "session_started"
	EventActionRelayed        = "action_relayed"
	EventChatMessage          = "chat_message"
	EventSessionEnded         = "session_ended"
	EventOpponentDisconnected = "opponent_disconnected"
)

// ParticipantView is the wire form of a session slot.
type ParticipantView struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
	Rating      int    `json:"rating"`
}

// SessionView is the wire snapshot of a session. Times are unix milliseconds.
type SessionView struct {
	SessionID    string            `json:"sessionId"`
	Code         string            `json:"code"`
	Status       store.Status      `json:"status"`
	Participants []ParticipantView `json:"participants"`
	ActionCount  int               `json:"actionCount"`
	Result       json.RawMessage   `json:"result,omitempty"`
	CreatedAt    int64             `json:"createdAt"`
	UpdatedAt    int64             `json:"updatedAt"`
}

// NewSessionView builds the wire snapshot of sess.
func NewSessionView(sess store.Session) SessionView {
	return SessionView{
		SessionID: sess.ID,
		Code:      sess.Code,
		Status:    sess.Status,
		Participants: lo.Map(sess.Participants(), func(p presence.Participant, _ int) ParticipantView {
			return ParticipantView{Identity: p.Identity, DisplayName: p.DisplayName, Rating: p.Rating}
		}),
		ActionCount: len(sess.Actions),
		Result:      sess.Result,
		CreatedAt:   sess.CreatedAt.UnixMilli(),
		UpdatedAt:   sess.UpdatedAt.UnixMilli(),
	}
}

// ActionEvent is broadcast for every relayed action.
type ActionEvent struct {
	SessionID string          `json:"sessionId"`
	Seq       int             `json:"seq"`
	Actor     string          `json:"actor"`
	Payload   json.RawMessage `json:"payload"`
}

// ChatMessage is relayed to session members and never stored.
type ChatMessage struct {
	ID                string `json:"id"`
	SenderIdentity    string `json:"senderIdentity"`
	SenderDisplayName string `json:"senderDisplayName"`
	SessionID         string `json:"sessionId"`
	Text              string `json:"text"`
	Timestamp         int64  `json:"timestamp"`
}

// DisconnectNotice tells the surviving member that the session was abandoned.
type DisconnectNotice struct {
	SessionID string       `json:"sessionId"`
	Status    store.Status `json:"status"`
}
