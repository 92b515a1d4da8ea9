package ws

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/cory-johannsen/gambit/internal/match/presence"
)

// Conn wraps an accepted WebSocket with an outbox drained by a write pump.
// Reads happen on the caller's goroutine; writes only on the pump.
type Conn struct {
	id         string
	remoteAddr string
	ws         *websocket.Conn
	outbox     *presence.Outbox
	logger     *zap.Logger

	writeTimeout time.Duration
	pumpDone     chan struct{}
}

// NewConn wraps ws and starts its write pump.
//
// Precondition: ws must be an accepted, open WebSocket; id must be non-empty.
// Postcondition: Frames pushed to Sink are written to ws in push order until Close.
func NewConn(id, remoteAddr string, ws *websocket.Conn, outboxSize int, writeTimeout time.Duration, logger *zap.Logger) *Conn {
	c := &Conn{
		id:           id,
		remoteAddr:   remoteAddr,
		ws:           ws,
		outbox:       presence.NewOutbox(id, outboxSize),
		logger:       logger,
		writeTimeout: writeTimeout,
		pumpDone:     make(chan struct{}),
	}
	go c.pump()
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address of the upgrade request.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Sink returns the outbox feeding the write pump.
func (c *Conn) Sink() presence.Sink { return c.outbox }

// ReadFrame reads the next message. A normal or going-away close from the
// peer is reported as io.EOF. A socket torn down because the outbox
// overflowed is reported as presence.ErrOutboxFull.
func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		if c.outbox.Overflowed() {
			return nil, fmt.Errorf("connection %s: %w", c.id, presence.ErrOutboxFull)
		}
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

// pump writes queued frames until the outbox is closed. A failed write or an
// outbox overflow tears the socket down so the read side unblocks.
func (c *Conn) pump() {
	defer close(c.pumpDone)
	defer func() {
		if c.outbox.Overflowed() {
			c.logger.Warn("outbox overflow, dropping connection", zap.String("conn_id", c.id))
			_ = c.ws.CloseNow()
		}
	}()
	for data := range c.outbox.Frames() {
		ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		err := c.ws.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			c.logger.Debug("write failed, dropping connection", zap.String("conn_id", c.id), zap.Error(err))
			c.outbox.Close()
			_ = c.ws.CloseNow()
			for range c.outbox.Frames() {
			}
			return
		}
	}
}

// Close flushes queued frames, then sends a close frame with code and reason.
//
// Postcondition: The write pump has exited and the socket is closed.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	c.outbox.Close()
	select {
	case <-c.pumpDone:
	case <-time.After(c.writeTimeout):
		_ = c.ws.CloseNow()
		<-c.pumpDone
	}
	if err := c.ws.Close(code, reason); err != nil {
		return fmt.Errorf("closing websocket %s: %w", c.id, err)
	}
	return nil
}
