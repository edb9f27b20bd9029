package connection

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/collabpad/core/internal/auth"
	"github.com/collabpad/core/internal/document"
	"github.com/collabpad/core/internal/ot"
	"github.com/collabpad/core/internal/protocol"
)

// fakeConn is an in-memory Conn for driving Connection.Handle in tests
// without a real websocket.
type fakeConn struct {
	inbound  chan protocol.ClientMsg
	outbound chan protocol.ServerMsg
	closeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan protocol.ClientMsg, 16),
		outbound: make(chan protocol.ServerMsg, 16),
	}
}

func (f *fakeConn) Read(ctx context.Context, v interface{}) error {
	msg, ok := v.(*protocol.ClientMsg)
	if !ok {
		return fmt.Errorf("unexpected read target %T", v)
	}
	select {
	case m, ok := <-f.inbound:
		if !ok {
			if f.closeErr != nil {
				return f.closeErr
			}
			return errors.New("fakeConn: closed")
		}
		*msg = m
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, v interface{}) error {
	msg, ok := v.(protocol.ServerMsg)
	if !ok {
		return fmt.Errorf("unexpected write value %T", v)
	}
	select {
	case f.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func insertOp(text string) *ot.OperationSeq {
	op := ot.NewOperationSeq()
	op.Insert(text)
	return op
}

func TestHandleSendsInitialStateInOrder(t *testing.T) {
	engine := document.New(document.DefaultMaxDocumentSize, document.DefaultBroadcastBufferSize)
	conn := newFakeConn()
	c := New(engine, conn, nil, auth.RoleAnon)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Handle(ctx) }()

	identity := <-conn.outbound
	if identity.Identity == nil {
		t.Fatalf("expected Identity first, got %+v", identity)
	}
	meta := <-conn.outbound
	if meta.Meta == nil {
		t.Fatalf("expected Meta second, got %+v", meta)
	}

	cancel()
	<-done
}

func TestHandleEchoesEditAsHistory(t *testing.T) {
	engine := document.New(document.DefaultMaxDocumentSize, document.DefaultBroadcastBufferSize)
	conn := newFakeConn()
	c := New(engine, conn, nil, auth.RoleAnon)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Handle(ctx) }()

	<-conn.outbound // Identity
	<-conn.outbound // Meta

	conn.inbound <- protocol.ClientMsg{Edit: &protocol.EditMsg{Revision: 0, Operation: insertOp("hello")}}

	select {
	case msg := <-conn.outbound:
		if msg.History == nil || len(msg.History.Operations) != 1 {
			t.Fatalf("expected History with one operation, got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for history broadcast")
	}
}

func TestHandleClosesOnInvalidRevision(t *testing.T) {
	engine := document.New(document.DefaultMaxDocumentSize, document.DefaultBroadcastBufferSize)
	conn := newFakeConn()
	c := New(engine, conn, nil, auth.RoleAnon)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Handle(ctx) }()

	<-conn.outbound // Identity
	<-conn.outbound // Meta

	conn.inbound <- protocol.ClientMsg{Edit: &protocol.EditMsg{Revision: 1, Operation: insertOp("x")}}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error for invalid revision")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connection to close")
	}
}

func TestHandleExitsWhenVisibilityTightensBeyondRole(t *testing.T) {
	engine := document.New(document.DefaultMaxDocumentSize, document.DefaultBroadcastBufferSize)
	conn := newFakeConn()
	c := New(engine, conn, nil, auth.RoleAnon)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Handle(ctx) }()

	<-conn.outbound // Identity
	<-conn.outbound // Meta

	internal := auth.VisibilityInternal
	engine.HandleMessage(999, protocol.ClientMsg{SetMeta: &protocol.SetMetaMsg{Visibility: &internal}}, nil)

	select {
	case err := <-done:
		if !errors.Is(err, ErrVisibilityDenied) {
			t.Fatalf("expected ErrVisibilityDenied, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for visibility-denied exit")
	}
}

func TestHandleCleansUpConnectionOnExit(t *testing.T) {
	engine := document.New(document.DefaultMaxDocumentSize, document.DefaultBroadcastBufferSize)
	conn := newFakeConn()
	c := New(engine, conn, nil, auth.RoleAnon)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Handle(ctx) }()

	<-conn.outbound
	<-conn.outbound
	conn.inbound <- protocol.ClientMsg{ClientInfo: &protocol.ClientInfoMsg{Name: "alice", Hue: 10}}

	select {
	case msg := <-conn.outbound:
		if msg.UserInfo == nil {
			t.Fatalf("expected UserInfo broadcast, got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for UserInfo broadcast")
	}

	cancel()
	<-done

	if engine.KillIfIdle() == false {
		t.Fatal("expected engine to be idle (user removed) after connection exit")
	}
}
