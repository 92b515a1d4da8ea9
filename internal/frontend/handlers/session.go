// Package handlers implements the admission boundary: it decodes client
// frames, calls the match coordinator, and turns results and errors into
// outbound frames for the calling connection.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gambit/internal/match/broadcast"
	"github.com/cory-johannsen/gambit/internal/match/coordinator"
	"github.com/cory-johannsen/gambit/internal/match/presence"
	"github.com/cory-johannsen/gambit/internal/match/store"
	"github.com/cory-johannsen/gambit/internal/observability"
)

// Defaults applied by NewSessionHandler for zero Options fields.
const (
	DefaultMaxChatLength      = 500
	DefaultMaxFramesPerSecond = 20
	DefaultMaxDecodeErrors    = 8
)

// Coordinator is the subset of the match coordinator the boundary calls.
type Coordinator interface {
	Connect(connID string, sink presence.Sink)
	RegisterPresence(connID string, p coordinator.Presence) presence.Participant
	CreateSession(connID string) (store.Session, error)
	JoinSession(connID, code string) (store.Session, error)
	RelayAction(connID, sessionID string, payload json.RawMessage) (store.ActionRecord, error)
	RelayChat(connID, sessionID, text string) (coordinator.ChatMessage, error)
	EndSession(connID, sessionID string, result json.RawMessage) (store.Session, error)
	Disconnect(connID string) []string
}

// Conn is one client connection as seen by the boundary.
type Conn interface {
	// ID is unique for the process lifetime.
	ID() string
	RemoteAddr() string
	// ReadFrame blocks for the next inbound message. A clean close yields io.EOF.
	ReadFrame(ctx context.Context) ([]byte, error)
	// Sink receives every outbound frame for this connection.
	Sink() presence.Sink
}

// Options tunes per-connection limits.
type Options struct {
	MaxChatLength      int
	MaxFramesPerSecond int
	MaxDecodeErrors    int
	// IdleTimeout of zero disables idle disconnects.
	IdleTimeout     time.Duration
	IdleGracePeriod time.Duration
}

// SessionHandler runs the inbound loop of a single connection.
type SessionHandler struct {
	coord    Coordinator
	logger   *zap.Logger
	validate *validator.Validate
	chatRule string
	opts     Options
	now      func() time.Time
}

// NewSessionHandler creates a SessionHandler.
//
// Precondition: coord and logger must be non-nil.
// Postcondition: Zero Options fields are replaced with package defaults.
func NewSessionHandler(coord Coordinator, opts Options, logger *zap.Logger) *SessionHandler {
	if opts.MaxChatLength <= 0 {
		opts.MaxChatLength = DefaultMaxChatLength
	}
	if opts.MaxFramesPerSecond <= 0 {
		opts.MaxFramesPerSecond = DefaultMaxFramesPerSecond
	}
	if opts.MaxDecodeErrors <= 0 {
		opts.MaxDecodeErrors = DefaultMaxDecodeErrors
	}
	return &SessionHandler{
		coord:    coord,
		logger:   logger,
		validate: newValidator(),
		chatRule: fmt.Sprintf("required,max=%d", opts.MaxChatLength),
		opts:     opts,
		now:      time.Now,
	}
}

// HandleSession registers conn with the coordinator, dispatches its frames
// until it closes, and then disconnects it. The coordinator's Disconnect runs
// on every exit path.
//
// Postcondition: Returns nil on a clean close or ctx cancellation;
// ErrRateLimited, ErrTooManyDecodeErrors, or ErrIdleTimeout when the
// connection was cut off; otherwise the transport read error.
func (h *SessionHandler) HandleSession(ctx context.Context, conn Conn) error {
	connID := conn.ID()
	logger := observability.ConnLogger(h.logger, connID, conn.RemoteAddr())

	h.coord.Connect(connID, conn.Sink())
	defer func() {
		abandoned := h.coord.Disconnect(connID)
		logger.Info("connection closed", zap.Strings("abandoned", abandoned))
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastInput atomic.Int64
	var idled atomic.Bool
	lastInput.Store(h.now().UnixNano())
	if h.opts.IdleTimeout > 0 {
		stop := StartIdleMonitor(IdleMonitorConfig{
			LastInput:   &lastInput,
			IdleTimeout: h.opts.IdleTimeout,
			GracePeriod: h.opts.IdleGracePeriod,
			OnWarning: func() {
				h.reply(conn, logger, "", EventIdleWarning, IdleWarning{
					DisconnectInMs: h.opts.IdleGracePeriod.Milliseconds(),
				})
			},
			OnDisconnect: func() {
				logger.Info("closing idle connection", zap.Duration("idle_timeout", h.opts.IdleTimeout))
				idled.Store(true)
				cancel()
			},
		})
		defer stop()
	}

	window := newFrameWindow(h.opts.MaxFramesPerSecond, h.now)
	decodeErrors := 0

	for {
		data, err := conn.ReadFrame(ctx)
		if err != nil {
			if idled.Load() {
				return ErrIdleTimeout
			}
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}
		lastInput.Store(h.now().UnixNano())

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
			decodeErrors++
			h.reply(conn, logger, "", EventError, ErrorPayload{Code: CodeInvalidArgument, Message: "invalid frame"})
			if decodeErrors >= h.opts.MaxDecodeErrors {
				logger.Warn("closing connection after repeated malformed frames", zap.Int("count", decodeErrors))
				return ErrTooManyDecodeErrors
			}
			continue
		}
		decodeErrors = 0

		if !window.allow() {
			h.reply(conn, logger, frame.RequestID, EventError, ToErrorPayload(frame.Type, ErrRateLimited))
			logger.Warn("closing rate limited connection", zap.Int("limit", h.opts.MaxFramesPerSecond))
			return ErrRateLimited
		}

		h.dispatch(conn, logger, frame)
	}
}

func (h *SessionHandler) dispatch(conn Conn, logger *zap.Logger, frame inboundFrame) {
	connID := conn.ID()
	logger.Debug("frame received",
		zap.String("event", frame.Type),
		zap.String("request_id", frame.RequestID),
	)

	var err error
	switch frame.Type {
	case FrameJoinPresence:
		var p presencePayload
		if err = decodePayload(h.validate, frame.Payload, &p); err == nil && strings.TrimSpace(p.Identity) == "" {
			err = invalidArgument{msg: "identity must not be blank"}
		}
		if err == nil {
			bound := h.coord.RegisterPresence(connID, coordinator.Presence{
				Identity:    strings.TrimSpace(p.Identity),
				DisplayName: strings.TrimSpace(p.DisplayName),
				Rating:      p.Rating,
			})
			h.reply(conn, logger, frame.RequestID, EventPresenceAck, coordinator.ParticipantView{
				Identity:    bound.Identity,
				DisplayName: bound.DisplayName,
				Rating:      bound.Rating,
			})
		}

	case FrameCreateSession:
		var sess store.Session
		if sess, err = h.coord.CreateSession(connID); err == nil {
			h.reply(conn, logger, frame.RequestID, coordinator.EventSessionCreated, coordinator.NewSessionView(sess))
		}

	case FrameJoinSession:
		var p joinPayload
		if err = decodePayload(h.validate, frame.Payload, &p); err == nil {
			_, err = h.coord.JoinSession(connID, p.Code)
		}

	case FrameRelayAction:
		var p actionPayload
		if err = decodePayload(h.validate, frame.Payload, &p); err == nil {
			_, err = h.coord.RelayAction(connID, p.SessionID, p.Payload)
		}

	case FrameRelayChat:
		var p chatPayload
		if err = decodePayload(h.validate, frame.Payload, &p); err == nil {
			err = h.validateChat(p.Text)
		}
		if err == nil {
			_, err = h.coord.RelayChat(connID, p.SessionID, p.Text)
		}

	case FrameEndSession:
		var p endPayload
		if err = decodePayload(h.validate, frame.Payload, &p); err == nil {
			_, err = h.coord.EndSession(connID, p.SessionID, p.Result)
		}

	default:
		err = invalidArgument{msg: fmt.Sprintf("unsupported frame type %q", frame.Type)}
	}

	if err != nil {
		body := ToErrorPayload(frame.Type, err)
		if body.Code == CodeInternal {
			logger.Error("frame failed", zap.String("event", frame.Type), zap.Error(err))
		} else {
			logger.Debug("frame rejected",
				zap.String("event", frame.Type),
				zap.String("code", body.Code),
				zap.Error(err),
			)
		}
		h.reply(conn, logger, frame.RequestID, EventError, body)
	}
}

func (h *SessionHandler) validateChat(text string) error {
	if strings.TrimSpace(text) == "" {
		return invalidArgument{msg: "text must not be blank"}
	}
	if err := h.validate.Var(text, h.chatRule); err != nil {
		return invalidArgument{msg: fmt.Sprintf("text must be at most %d characters", h.opts.MaxChatLength)}
	}
	return nil
}

// reply sends a frame to the calling connection only. A full or closed outbox
// drops the reply.
func (h *SessionHandler) reply(conn Conn, logger *zap.Logger, requestID, event string, payload any) {
	data, err := broadcast.Encode(event, requestID, payload)
	if err != nil {
		logger.Error("encoding reply", zap.String("event", event), zap.Error(err))
		return
	}
	if err := conn.Sink().Push(data); err != nil {
		logger.Debug("reply dropped", zap.String("event", event), zap.Error(err))
	}
}

// frameWindow is a fixed one-second window frame counter.
type frameWindow struct {
	limit int
	now   func() time.Time
	start time.Time
	count int
}

func newFrameWindow(limit int, now func() time.Time) *frameWindow {
	return &frameWindow{limit: limit, now: now, start: now()}
}

func (w *frameWindow) allow() bool {
	t := w.now()
	if t.Sub(w.start) >= time.Second {
		w.start = t
		w.count = 0
	}
	w.count++
	return w.count <= w.limit
}
