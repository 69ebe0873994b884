package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/guseggert/simbridge/protocol"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const readLimit = 32768

// Conn is one simulator session. Methods must not be called concurrently.
type Conn struct {
	log  *zap.SugaredLogger
	conn *websocket.Conn

	closeOnce sync.Once
}

// Connect opens a session, which starts a dedicated simulator on the server.
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	u := c.url("/sim")
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.wsHTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(readLimit)
	return &Conn{log: c.Logger.Named("conn"), conn: wsConn}, nil
}

// Send sends one message without waiting for anything in return.
func (c *Conn) Send(ctx context.Context, msg protocol.ClientMessage) error {
	b, err := protocol.EncodeClientMessage(msg)
	if err != nil {
		return err
	}
	c.log.Debugw("sending", "Message", string(b))
	return c.conn.Write(ctx, websocket.MessageText, b)
}

// Step advances the simulation one clock and returns the resulting state.
// If the server closes the session instead, the error carries the close status.
func (c *Conn) Step(ctx context.Context) (protocol.StateSnapshot, error) {
	err := c.Send(ctx, protocol.Step())
	if err != nil {
		return nil, fmt.Errorf("sending step: %w", err)
	}
	_, b, err := c.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading state: %w", err)
	}
	return protocol.DecodeStateSnapshot(b)
}

func (c *Conn) Request(ctx context.Context, floor int) error {
	return c.Send(ctx, protocol.Request(floor))
}

func (c *Conn) Reset(ctx context.Context) error {
	return c.Send(ctx, protocol.Reset())
}

func (c *Conn) Emergency(ctx context.Context, on bool) error {
	return c.Send(ctx, protocol.Emergency(on))
}

// SendRaw sends b as-is, for talking to the server with messages this package wouldn't produce.
func (c *Conn) SendRaw(ctx context.Context, b []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, b)
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, "")
	})
	return err
}
