// Package testutil provides helpers for end-to-end tests against a running acceptor.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Frame is a decoded server frame.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the frame payload into dst or fails the test.
func (f Frame) Decode(t *testing.T, dst any) {
	t.Helper()
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		t.Fatalf("decoding %s payload %s: %v", f.Type, f.Payload, err)
	}
}

// WSClient is a WebSocket test client speaking the match frame protocol.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// NewWSClient dials addr ("host:port") on /ws and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, addr string) *WSClient {
	t.Helper()
	return NewWSClientWithOrigin(t, addr, "")
}

// NewWSClientWithOrigin dials like NewWSClient but sends the given Origin header.
func NewWSClientWithOrigin(t *testing.T, addr, origin string) *WSClient {
	t.Helper()
	conn, err := DialWS(addr, origin)
	if err != nil {
		t.Fatalf("connecting to %s: %v", addr, err)
	}
	t.Cleanup(func() {
		_ = conn.CloseNow()
	})
	return &WSClient{conn: conn, t: t}
}

// DialWS opens a raw WebSocket to addr's /ws endpoint.
func DialWS(addr, origin string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{}
	if origin != "" {
		opts.HTTPHeader = map[string][]string{"Origin": {origin}}
	}
	url := "ws://" + strings.TrimPrefix(addr, "http://") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return conn, nil
}

// Send writes a frame with the given type, request id, and payload.
func (c *WSClient) Send(typ, requestID string, payload any) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	frame := map[string]any{"type": typ}
	if requestID != "" {
		frame["request_id"] = requestID
	}
	if payload != nil {
		frame["payload"] = payload
	}
	if err := wsjson.Write(ctx, c.conn, frame); err != nil {
		c.t.Fatalf("sending %s: %v", typ, err)
	}
}

// SendRaw writes data as a single text message.
func (c *WSClient) SendRaw(data []byte) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.t.Fatalf("sending raw frame: %v", err)
	}
}

// Read returns the next frame or fails the test after timeout.
func (c *WSClient) Read(timeout time.Duration) Frame {
	c.t.Helper()
	f, err := c.TryRead(timeout)
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	return f
}

// TryRead returns the next frame or the read error.
func (c *WSClient) TryRead(timeout time.Duration) (Frame, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var f Frame
	err := wsjson.Read(ctx, c.conn, &f)
	return f, err
}

// Expect reads frames until one of type typ arrives, failing on timeout.
// Frames of other types are discarded.
func (c *WSClient) Expect(typ string, timeout time.Duration) Frame {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	var seen []string
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("expected %q frame, saw %v", typ, seen)
		}
		f, err := c.TryRead(remaining)
		if err != nil {
			c.t.Fatalf("expected %q frame, saw %v: %v", typ, seen, err)
		}
		if f.Type == typ {
			return f
		}
		seen = append(seen, f.Type)
	}
}

// Close sends a normal closure.
func (c *WSClient) Close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}
