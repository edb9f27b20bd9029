package document

import (
	"testing"

	"github.com/collabpad/core/internal/auth"
	"github.com/collabpad/core/internal/ot"
	"github.com/collabpad/core/internal/protocol"
	"github.com/collabpad/core/internal/session"
	"github.com/collabpad/core/internal/store"
)

func insertOp(text string) *ot.OperationSeq {
	op := ot.NewOperationSeq()
	op.Insert(text)
	return op
}

func TestInitConnectionOnFreshEngine(t *testing.T) {
	e := New(DefaultMaxDocumentSize, DefaultBroadcastBufferSize)
	connID, revision, initial := e.InitConnection()
	if connID != 0 || revision != 0 {
		t.Fatalf("unexpected connID=%d revision=%d", connID, revision)
	}
	if len(initial) != 2 {
		t.Fatalf("expected Identity+Meta only, got %d messages", len(initial))
	}
	if initial[0].Identity == nil || initial[0].Identity.ID != 0 || initial[0].Identity.Info != nil {
		t.Errorf("unexpected identity message: %+v", initial[0])
	}
	if initial[1].Meta == nil || initial[1].Meta.Visibility != auth.VisibilityPublic {
		t.Errorf("unexpected meta message: %+v", initial[1])
	}
}

func TestSingleInsertScenario(t *testing.T) {
	e := New(DefaultMaxDocumentSize, DefaultBroadcastBufferSize)
	connID, _, _ := e.InitConnection()

	if err := e.HandleMessage(connID, protocol.ClientMsg{Edit: &protocol.EditMsg{Revision: 0, Operation: insertOp("hello")}}, nil); err != nil {
		t.Fatalf("apply edit: %v", err)
	}

	rev, msg := e.SendHistory(0)
	if rev != 1 {
		t.Fatalf("expected revision 1, got %d", rev)
	}
	if len(msg.History.Operations) != 1 || msg.History.Operations[0].ID != connID {
		t.Fatalf("unexpected history: %+v", msg.History)
	}
	if e.Text() != "hello" {
		t.Fatalf("unexpected text %q", e.Text())
	}
}

func TestInvalidRevisionRejected(t *testing.T) {
	e := New(DefaultMaxDocumentSize, DefaultBroadcastBufferSize)
	connID, _, _ := e.InitConnection()

	err := e.HandleMessage(connID, protocol.ClientMsg{Edit: &protocol.EditMsg{Revision: 1, Operation: insertOp("hello")}}, nil)
	if _, ok := err.(ErrInvalidRevision); !ok {
		t.Fatalf("expected ErrInvalidRevision, got %v", err)
	}
}

func TestOversizedOperationRejected(t *testing.T) {
	e := New(10, DefaultBroadcastBufferSize)
	connID, _, _ := e.InitConnection()

	big := make([]byte, 0, 100)
	for i := 0; i < 100; i++ {
		big = append(big, 'a')
	}
	err := e.HandleMessage(connID, protocol.ClientMsg{Edit: &protocol.EditMsg{Revision: 0, Operation: insertOp(string(big))}}, nil)
	if _, ok := err.(ErrOversizedOperation); !ok {
		t.Fatalf("expected ErrOversizedOperation, got %v", err)
	}
}

func TestConcurrentEditsConverge(t *testing.T) {
	e := New(DefaultMaxDocumentSize, DefaultBroadcastBufferSize)
	connA, _, _ := e.InitConnection()
	connB, _, _ := e.InitConnection()

	// A inserts "hello" at rev 0.
	if err := e.HandleMessage(connA, protocol.ClientMsg{Edit: &protocol.EditMsg{Revision: 0, Operation: insertOp("hello")}}, nil); err != nil {
		t.Fatalf("A insert: %v", err)
	}

	// A transforms "hello" -> "henlo": retain 2, delete 1, insert "n", retain 2.
	henlo := ot.WithCapacity(4)
	henlo.Retain(2)
	henlo.Delete(1)
	henlo.Insert("n")
	henlo.Retain(2)
	if err := e.HandleMessage(connA, protocol.ClientMsg{Edit: &protocol.EditMsg{Revision: 1, Operation: henlo}}, nil); err != nil {
		t.Fatalf("A transform edit: %v", err)
	}

	// B, still at rev 0, inserts "~rust~" before consuming history.
	if err := e.HandleMessage(connB, protocol.ClientMsg{Edit: &protocol.EditMsg{Revision: 0, Operation: insertOp("~rust~")}}, nil); err != nil {
		t.Fatalf("B insert: %v", err)
	}

	if e.Text() != "~rust~henlo" {
		t.Fatalf("expected convergence to %q, got %q", "~rust~henlo", e.Text())
	}

	rev, msg := e.SendHistory(2)
	if rev != 3 {
		t.Fatalf("expected revision 3, got %d", rev)
	}
	if len(msg.History.Operations) != 1 || msg.History.Operations[0].ID != connB {
		t.Fatalf("unexpected transformed broadcast: %+v", msg.History)
	}
}

func TestUnicodeCursorTransform(t *testing.T) {
	e := New(DefaultMaxDocumentSize, DefaultBroadcastBufferSize)
	connA, _, _ := e.InitConnection()
	connB, _, _ := e.InitConnection()

	if err := e.HandleMessage(connA, protocol.ClientMsg{Edit: &protocol.EditMsg{Revision: 0, Operation: insertOp("🎉🎉🎉")}}, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	e.HandleMessage(connA, protocol.ClientMsg{CursorData: &protocol.CursorData{
		Cursors:    []uint32{0, 1, 2, 3},
		Selections: [][2]uint32{{0, 1}, {2, 3}},
	}}, nil)

	one := ot.WithCapacity(2)
	one.Insert("🎉")
	one.Retain(3)
	if err := e.HandleMessage(connB, protocol.ClientMsg{Edit: &protocol.EditMsg{Revision: 1, Operation: one}}, nil); err != nil {
		t.Fatalf("second insert: %v", err)
	}

	cursors := e.cursorsSnapshotForTest(connA)
	want := []uint32{1, 2, 3, 4}
	for i, c := range cursors.Cursors {
		if c != want[i] {
			t.Errorf("cursor[%d] = %d, want %d", i, c, want[i])
		}
	}
	wantSel := [][2]uint32{{1, 2}, {3, 4}}
	for i, s := range cursors.Selections {
		if s != wantSel[i] {
			t.Errorf("selection[%d] = %v, want %v", i, s, wantSel[i])
		}
	}
}

// cursorsSnapshotForTest reaches into engine state under lock; acceptable
// in a white-box test within the same package.
func (e *Engine) cursorsSnapshotForTest(connID uint64) protocol.CursorData {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.cursors[connID]
}

func TestVisibilityTighteningWakesWaiters(t *testing.T) {
	e := New(DefaultMaxDocumentSize, DefaultBroadcastBufferSize)
	waiter := e.Notified()

	private := auth.VisibilityPrivate
	e.HandleMessage(0, protocol.ClientMsg{SetMeta: &protocol.SetMetaMsg{Visibility: &private}}, nil)

	select {
	case <-waiter:
	default:
		t.Fatal("expected notify channel to be closed after tightening visibility")
	}
	if e.Visibility() != auth.VisibilityPrivate {
		t.Fatalf("expected visibility Private, got %v", e.Visibility())
	}
}

func TestClientInfoAuthoritativeName(t *testing.T) {
	e := New(DefaultMaxDocumentSize, DefaultBroadcastBufferSize)
	connID, _, _ := e.InitConnection()
	user := &session.User{Name: "alice", Admin: true}

	e.HandleMessage(connID, protocol.ClientMsg{ClientInfo: &protocol.ClientInfoMsg{Name: "spoofed", Hue: 400}}, user)

	info := e.userInfo(connID)
	if info.Name != "alice" {
		t.Errorf("expected authoritative name alice, got %q", info.Name)
	}
	if info.Role != auth.RoleAdmin {
		t.Errorf("expected role admin, got %v", info.Role)
	}
	if info.Hue != 40 {
		t.Errorf("expected hue wrapped to 40, got %d", info.Hue)
	}
}

func TestBroadcastOverflowDisconnectsSubscriber(t *testing.T) {
	e := New(DefaultMaxDocumentSize, 1)
	connID, _, _ := e.InitConnection()
	ch := e.Subscribe(connID)

	other, _, _ := e.InitConnection()
	// Fills the buffer of size 1.
	e.HandleMessage(other, protocol.ClientMsg{CursorData: &protocol.CursorData{}}, nil)
	// Overflows: the subscriber channel is closed and removed instead of
	// silently dropping this message.
	e.HandleMessage(other, protocol.ClientMsg{CursorData: &protocol.CursorData{}}, nil)

	if _, ok := <-ch; !ok {
		t.Fatal("expected the buffered first message before closure")
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after overflow")
	}
}

func TestKillIfIdleRespectsUsersAndDirty(t *testing.T) {
	e := New(DefaultMaxDocumentSize, DefaultBroadcastBufferSize)
	connID, _, _ := e.InitConnection()
	e.HandleMessage(connID, protocol.ClientMsg{ClientInfo: &protocol.ClientInfoMsg{Name: "bob"}}, nil)

	if e.KillIfIdle() {
		t.Fatal("expected KillIfIdle to fail while a user is present")
	}

	e.CloseConnection(connID)
	if !e.KillIfIdle() {
		t.Fatal("expected KillIfIdle to succeed once idle and clean")
	}
	if !e.Killed() {
		t.Fatal("expected engine to be killed")
	}
}

func TestKillIfIdleBlockedByDirty(t *testing.T) {
	e := New(DefaultMaxDocumentSize, DefaultBroadcastBufferSize)
	connID, _, _ := e.InitConnection()
	e.HandleMessage(connID, protocol.ClientMsg{Edit: &protocol.EditMsg{Revision: 0, Operation: insertOp("x")}}, nil)
	e.CloseConnection(connID)

	if e.KillIfIdle() {
		t.Fatal("expected KillIfIdle to fail while dirty")
	}
}

func TestLoadFromPersistedDocument(t *testing.T) {
	doc := store.Document{Text: "hello", Meta: store.Meta{Language: "go", Visibility: auth.VisibilityInternal}}
	e := Load(doc, DefaultMaxDocumentSize, DefaultBroadcastBufferSize)

	if e.Revision() != 1 {
		t.Fatalf("expected revision 1 after load, got %d", e.Revision())
	}
	_, msg := e.SendHistory(0)
	if len(msg.History.Operations) != 1 || msg.History.Operations[0].ID != protocol.SystemUserID {
		t.Fatalf("expected synthetic system operation, got %+v", msg.History)
	}
	if e.Visibility() != auth.VisibilityInternal {
		t.Fatalf("expected loaded visibility Internal, got %v", e.Visibility())
	}
}
