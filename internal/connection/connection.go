// Package connection implements the per-client protocol loop: initial
// replay, operation-log catch-up, broadcast reception, inbound message
// handling, and cooperative termination. Ported from the teacher's
// pkg/server.Connection, restructured around a select loop that
// implements the arm-then-check wakeup discipline instead of polling.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/collabpad/core/internal/auth"
	"github.com/collabpad/core/internal/document"
	"github.com/collabpad/core/internal/protocol"
	"github.com/collabpad/core/internal/session"
)

// writeTimeout bounds how long a single outbound frame write may take.
const writeTimeout = 10 * time.Second

// ErrLaggingSubscriber is returned when this connection's broadcast
// channel overflowed and the engine disconnected it. The client should
// reconnect; history is recoverable from revision 0.
var ErrLaggingSubscriber = errors.New("connection: lagging subscriber disconnected")

// ErrVisibilityDenied is returned when the document's visibility
// tightened past what this connection's role may access.
var ErrVisibilityDenied = errors.New("connection: visibility no longer permits this role")

// Conn is the minimal transport this package needs, satisfied by
// *websocket.Conn; separated out so tests can supply a fake.
type Conn interface {
	Read(ctx context.Context, v interface{}) error
	Write(ctx context.Context, v interface{}) error
}

// wsConn adapts *websocket.Conn (JSON framing via wsjson) to Conn.
type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Read(ctx context.Context, v interface{}) error {
	return wsjson.Read(ctx, w.c, v)
}

func (w wsConn) Write(ctx context.Context, v interface{}) error {
	return wsjson.Write(ctx, w.c, v)
}

// NewWebSocketConn wraps a *websocket.Conn as a Conn.
func NewWebSocketConn(c *websocket.Conn) Conn { return wsConn{c: c} }

// Connection drives one client's protocol loop against a document engine.
type Connection struct {
	engine *document.Engine
	conn   Conn
	user   *session.User
	role   auth.Role

	connID uint64
	sendMu sync.Mutex
}

// New constructs a connection handler. role must already have been
// checked against the engine's visibility by the caller (the HTTP/socket
// entry point) before accepting the transport.
func New(engine *document.Engine, conn Conn, user *session.User, role auth.Role) *Connection {
	return &Connection{engine: engine, conn: conn, user: user, role: role}
}

// Handle drives the connection until it terminates: context cancellation,
// a client-protocol error, a visibility change that excludes this
// connection's role, a lagging-subscriber disconnect, or graceful close.
// It always calls engine.CloseConnection before returning.
func (c *Connection) Handle(ctx context.Context) error {
	connID, revision, initial := c.engine.InitConnection()
	c.connID = connID
	defer c.engine.CloseConnection(connID)

	for _, msg := range initial {
		if err := c.send(ctx, msg); err != nil {
			return fmt.Errorf("connection: send initial state: %w", err)
		}
	}

	sub := c.engine.Subscribe(connID)
	defer c.engine.Unsubscribe(connID)

	readCh := make(chan protocol.ClientMsg)
	readErrCh := make(chan error, 1)
	go c.readLoop(ctx, readCh, readErrCh)

	for {
		notified := c.engine.Notified()

		if c.engine.Killed() {
			return nil
		}
		if !auth.CanAccess(c.role, c.engine.Visibility()) {
			return ErrVisibilityDenied
		}
		if current := c.engine.Revision(); current > revision {
			newRevision, msg := c.engine.SendHistory(revision)
			if err := c.send(ctx, msg); err != nil {
				return fmt.Errorf("connection: send history: %w", err)
			}
			revision = newRevision
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-notified:
			continue

		case msg, ok := <-sub:
			if !ok {
				if c.engine.Killed() {
					return nil
				}
				return ErrLaggingSubscriber
			}
			if err := c.send(ctx, msg); err != nil {
				return fmt.Errorf("connection: send broadcast: %w", err)
			}

		case cmsg := <-readCh:
			if err := c.engine.HandleMessage(connID, cmsg, c.user); err != nil {
				return fmt.Errorf("connection: handle message: %w", err)
			}

		case err := <-readErrCh:
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("connection: read message: %w", err)
		}
	}
}

// readLoop decodes inbound client messages and forwards them, exiting
// when ctx is canceled or a read fails.
func (c *Connection) readLoop(ctx context.Context, readCh chan<- protocol.ClientMsg, errCh chan<- error) {
	for {
		var msg protocol.ClientMsg
		if err := c.conn.Read(ctx, &msg); err != nil {
			select {
			case errCh <- err:
			case <-ctx.Done():
			}
			return
		}
		select {
		case readCh <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// send serializes and writes one server message, serialized against
// concurrent writers.
func (c *Connection) send(ctx context.Context, msg protocol.ServerMsg) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, msg)
}
