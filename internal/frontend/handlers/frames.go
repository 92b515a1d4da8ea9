package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

// Inbound frame types.
const (
	FrameJoinPresence  = "join_presence"
	FrameCreateSession = "create_session"
	FrameJoinSession   = "join_session"
	FrameRelayAction   = "relay_action"
	FrameRelayChat     = "relay_chat"
	FrameEndSession    = "end_session"
)

// Reply-only event types.
const (
	EventPresenceAck = "presence_ack"
	EventIdleWarning = "idle_warning"
	EventError       = "error"
)

// inboundFrame is the envelope of every client frame.
type inboundFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

type presencePayload struct {
	Identity    string `json:"identity" validate:"required,max=128"`
	DisplayName string `json:"displayName" validate:"max=64"`
	Rating      int    `json:"rating" validate:"gte=0,lte=10000"`
}

// joinPayload carries the code as typed. Normalization and matching happen in
// the coordinator, so any unknown code reads as "not found".
type joinPayload struct {
	Code string `json:"code" validate:"required,max=64"`
}

type actionPayload struct {
	SessionID string          `json:"sessionId" validate:"required,max=64"`
	Payload   json.RawMessage `json:"payload" validate:"required"`
}

type chatPayload struct {
	SessionID string `json:"sessionId" validate:"required,max=64"`
	Text      string `json:"text"`
}

type endPayload struct {
	SessionID string          `json:"sessionId" validate:"required,max=64"`
	Result    json.RawMessage `json:"result"`
}

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IdleWarning tells a silent connection when it will be closed.
type IdleWarning struct {
	DisconnectInMs int64 `json:"disconnectInMs"`
}

// invalidArgument is a client input problem reported as INVALID_ARGUMENT.
type invalidArgument struct {
	msg string
}

func (e invalidArgument) Error() string { return e.msg }

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodePayload unmarshals raw into dst and validates its struct tags.
// An absent payload decodes as an empty object.
func decodePayload(v *validator.Validate, raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return invalidArgument{msg: "malformed payload"}
	}
	if err := v.Struct(dst); err != nil {
		return describeValidation(err)
	}
	return nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return invalidArgument{msg: err.Error()}
	}
	parts := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		if fe.Param() != "" {
			return fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag())
	})
	return invalidArgument{msg: strings.Join(parts, "; ")}
}
