// Package document implements the per-document engine: the exclusively
// locked operation log, text, metadata, live users and cursors, and OT
// edit admission. Ported from the teacher's pkg/server.Kolabpad, with
// semantics generalized from a bare language string to the full
// language/visibility metadata and from silent broadcast drop to
// disconnect-on-overflow for lagging subscribers.
package document

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/collabpad/core/internal/auth"
	"github.com/collabpad/core/internal/ot"
	"github.com/collabpad/core/internal/protocol"
	"github.com/collabpad/core/internal/session"
	"github.com/collabpad/core/internal/store"
)

// DefaultMaxDocumentSize is the maximum accepted target length of an
// operation, in Unicode code points (256 KiB worth of characters).
const DefaultMaxDocumentSize = 256 * 1024

// DefaultBroadcastBufferSize is the per-subscriber channel capacity for
// non-history broadcast messages.
const DefaultBroadcastBufferSize = 16

// state is the engine's mutable data, always accessed under mu.
type state struct {
	operations []protocol.UserOperation
	text       string
	meta       store.Meta
	users      map[uint64]protocol.OnlineUser
	cursors    map[uint64]protocol.CursorData
	dirty      bool
}

// Engine owns one document's authoritative state: the operation log,
// derived text, metadata, and the set of live connections. All mutating
// operations acquire an exclusive lock; broadcasts are issued only after
// the lock is released.
type Engine struct {
	mu     sync.RWMutex
	state  state
	count  atomic.Uint64
	killed atomic.Bool

	subscribers map[uint64]chan protocol.ServerMsg
	notify      chan struct{}

	maxDocumentSize     int
	broadcastBufferSize int
}

// New creates an empty engine with default metadata.
func New(maxDocumentSize, broadcastBufferSize int) *Engine {
	return &Engine{
		state: state{
			operations: make([]protocol.UserOperation, 0),
			users:      make(map[uint64]protocol.OnlineUser),
			cursors:    make(map[uint64]protocol.CursorData),
			meta:       store.DefaultMeta(),
		},
		subscribers:         make(map[uint64]chan protocol.ServerMsg),
		notify:              make(chan struct{}),
		maxDocumentSize:     maxDocumentSize,
		broadcastBufferSize: broadcastBufferSize,
	}
}

// Load constructs an engine from a persisted document. Non-empty text is
// represented as a single synthetic initial operation attributed to
// protocol.SystemUserID, so that the operation log, once composed,
// reproduces the text and the "initial replay" path is just the first
// slice of ordinary history.
func Load(doc store.Document, maxDocumentSize, broadcastBufferSize int) *Engine {
	e := New(maxDocumentSize, broadcastBufferSize)
	e.state.meta = doc.Meta
	if doc.Text != "" {
		op := ot.NewOperationSeq()
		op.Insert(doc.Text)
		e.state.operations = []protocol.UserOperation{{ID: protocol.SystemUserID, Operation: op}}
		e.state.text = doc.Text
	}
	return e
}

// Revision is the length of the operation log.
func (e *Engine) Revision() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return uint64(len(e.state.operations))
}

// Text returns the current document text.
func (e *Engine) Text() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.text
}

// Visibility returns the document's current visibility.
func (e *Engine) Visibility() auth.Visibility {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.meta.Visibility
}

// IsLimited reports whether the document's visibility is stricter than Public.
func (e *Engine) IsLimited() bool {
	return e.Visibility() != auth.VisibilityPublic
}

// Snapshot returns the current text and metadata, for persistence or
// read-only HTTP access.
func (e *Engine) Snapshot() store.Document {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return store.Document{Text: e.state.text, Meta: e.state.meta}
}

// DirtySnapshot atomically returns the current snapshot and clears the
// dirty flag, iff the engine is dirty. A mutation landing between the
// caller reading the snapshot and clearing dirty would otherwise be
// silently lost; this method closes that window by doing both under one
// lock acquisition.
func (e *Engine) DirtySnapshot() (store.Document, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.dirty {
		return store.Document{}, false
	}
	e.state.dirty = false
	return store.Document{Text: e.state.text, Meta: e.state.meta}, true
}

// Subscribe opens a fan-out channel of non-history broadcast messages for
// connID. Callers must still obtain linear history via SendHistory; a
// lagging subscriber has its channel closed by the engine rather than
// silently dropped messages, and must treat that as connection-fatal.
func (e *Engine) Subscribe(connID uint64) <-chan protocol.ServerMsg {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan protocol.ServerMsg, e.broadcastBufferSize)
	e.subscribers[connID] = ch
	return ch
}

// Unsubscribe closes and removes connID's broadcast channel, if still present.
func (e *Engine) Unsubscribe(connID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.subscribers[connID]; ok {
		close(ch)
		delete(e.subscribers, connID)
	}
}

// Notified returns the current wakeup channel. Callers must re-arm (call
// Notified again) before re-checking any state it might have changed —
// arming after the check reintroduces the lost-wakeup race.
func (e *Engine) Notified() <-chan struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.notify
}

// wakeLocked closes and replaces the notify channel. Must be called with mu held.
func (e *Engine) wakeLocked() {
	close(e.notify)
	e.notify = make(chan struct{})
}

// broadcast fans msg out to every subscriber. A subscriber whose channel
// is full is disconnected (its channel closed and removed) rather than
// having the message silently dropped: the connection loop observes the
// close and tears the connection down, and the client resynchronizes via
// history on reconnect.
func (e *Engine) broadcast(msg protocol.ServerMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.subscribers {
		select {
		case ch <- msg:
		default:
			close(ch)
			delete(e.subscribers, id)
		}
	}
}

// InitConnection assigns a fresh connection id and returns the messages a
// newly-joined peer must replay in order: Identity, Meta, History (if the
// log is non-empty), then one UserInfo per live user and one UserCursor
// per live cursor. The returned revision is where streaming should
// continue from — it already covers everything in the returned History.
func (e *Engine) InitConnection() (connID uint64, revision uint64, initial []protocol.ServerMsg) {
	connID = e.count.Add(1) - 1

	e.mu.RLock()
	defer e.mu.RUnlock()

	initial = make([]protocol.ServerMsg, 0, 2+len(e.state.users)+len(e.state.cursors))
	initial = append(initial, protocol.NewIdentityMsg(connID, nil))
	initial = append(initial, protocol.NewMetaMsg(e.state.meta.Language, e.state.meta.Visibility))

	if len(e.state.operations) > 0 {
		ops := make([]protocol.UserOperation, len(e.state.operations))
		copy(ops, e.state.operations)
		initial = append(initial, protocol.NewHistoryMsg(0, ops))
	}
	for id, info := range e.state.users {
		initial = append(initial, protocol.NewUserInfoMsg(id, info))
	}
	for id, data := range e.state.cursors {
		initial = append(initial, protocol.NewUserCursorMsg(id, data))
	}

	revision = uint64(len(e.state.operations))
	return connID, revision, initial
}

// CloseConnection removes connID's presence and notifies peers.
func (e *Engine) CloseConnection(connID uint64) {
	e.mu.Lock()
	delete(e.state.users, connID)
	delete(e.state.cursors, connID)
	e.mu.Unlock()

	e.Unsubscribe(connID)
	e.broadcast(protocol.NewUserDisconnectMsg(connID))
}

// SendHistory returns the operation log slice starting at fromRevision,
// and the revision a caller should advance its local bookkeeping to.
func (e *Engine) SendHistory(fromRevision uint64) (newRevision uint64, msg protocol.ServerMsg) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	length := uint64(len(e.state.operations))
	var ops []protocol.UserOperation
	if fromRevision < length {
		ops = make([]protocol.UserOperation, length-fromRevision)
		copy(ops, e.state.operations[fromRevision:])
	} else {
		ops = []protocol.UserOperation{}
	}
	return length, protocol.NewHistoryMsg(fromRevision, ops)
}

// ErrInvalidRevision is returned when a client edit names a revision it
// cannot possibly have observed.
type ErrInvalidRevision struct {
	Got, Current uint64
}

func (e ErrInvalidRevision) Error() string {
	return fmt.Sprintf("document: invalid revision: got %d, current is %d", e.Got, e.Current)
}

// ErrOversizedOperation is returned when an edit's transformed target
// length exceeds the configured maximum.
type ErrOversizedOperation struct {
	TargetLen uint64
	Max       int
}

func (e ErrOversizedOperation) Error() string {
	return fmt.Sprintf("document: target length %d exceeds maximum of %d", e.TargetLen, e.Max)
}

// HandleMessage admits one client message on behalf of connID. A non-nil
// error is connection-fatal: the caller must close the connection without
// persisting the change.
func (e *Engine) HandleMessage(connID uint64, msg protocol.ClientMsg, user *session.User) error {
	switch {
	case msg.Edit != nil:
		return e.applyEdit(connID, msg.Edit.Revision, msg.Edit.Operation)
	case msg.SetMeta != nil:
		e.setMeta(msg.SetMeta)
		return nil
	case msg.ClientInfo != nil:
		e.clientInfo(connID, msg.ClientInfo, user)
		return nil
	case msg.CursorData != nil:
		e.cursorData(connID, *msg.CursorData)
		return nil
	default:
		return fmt.Errorf("document: client message has no variant set")
	}
}

// applyEdit implements the edit admission algorithm: transform against
// concurrent history, enforce the size limit, apply to text, transform
// live cursors, append to the log, and wake waiters.
func (e *Engine) applyEdit(connID uint64, revision uint64, operation *ot.OperationSeq) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	currentLen := uint64(len(e.state.operations))
	if revision > currentLen {
		return ErrInvalidRevision{Got: revision, Current: currentLen}
	}

	transformed := operation
	for _, histOp := range e.state.operations[revision:] {
		aPrime, _, err := transformed.Transform(histOp.Operation)
		if err != nil {
			return fmt.Errorf("document: transform: %w", err)
		}
		transformed = aPrime
	}

	if int(transformed.TargetLen()) > e.maxDocumentSize {
		return ErrOversizedOperation{TargetLen: transformed.TargetLen(), Max: e.maxDocumentSize}
	}

	newText, err := transformed.Apply(e.state.text)
	if err != nil {
		return fmt.Errorf("document: apply: %w", err)
	}

	for id, cursorData := range e.state.cursors {
		newCursors := make([]uint32, len(cursorData.Cursors))
		for i, c := range cursorData.Cursors {
			newCursors[i] = ot.TransformIndex(transformed, c)
		}
		newSelections := make([][2]uint32, len(cursorData.Selections))
		for i, sel := range cursorData.Selections {
			newSelections[i] = [2]uint32{
				ot.TransformIndex(transformed, sel[0]),
				ot.TransformIndex(transformed, sel[1]),
			}
		}
		e.state.cursors[id] = protocol.CursorData{Cursors: newCursors, Selections: newSelections}
	}

	e.state.operations = append(e.state.operations, protocol.UserOperation{ID: connID, Operation: transformed})
	e.state.text = newText
	e.state.dirty = true

	if !e.killed.Load() {
		e.wakeLocked()
	}
	return nil
}

// setMeta applies a metadata change. A visibility change to a stricter
// value wakes waiters so connection loops re-check access on their next
// iteration and disconnect now-unauthorized peers.
func (e *Engine) setMeta(msg *protocol.SetMetaMsg) {
	e.mu.Lock()
	if msg.Language != nil {
		e.state.meta.Language = *msg.Language
	}
	stricter := false
	if msg.Visibility != nil {
		if *msg.Visibility < e.state.meta.Visibility {
			stricter = true
		}
		e.state.meta.Visibility = *msg.Visibility
	}
	e.state.dirty = true
	meta := e.state.meta
	if stricter && !e.killed.Load() {
		e.wakeLocked()
	}
	e.mu.Unlock()

	e.broadcast(protocol.NewMetaMsg(meta.Language, meta.Visibility))
}

// clientInfo records a connection's display identity. An authenticated
// user's name and role always win over whatever the client submitted.
func (e *Engine) clientInfo(connID uint64, msg *protocol.ClientInfoMsg, user *session.User) {
	info := protocol.OnlineUser{Name: msg.Name, Hue: msg.Hue % 360, Role: auth.RoleAnon}
	if user != nil {
		info.Name = user.Name
		info.Role = auth.RoleFor(user)
	}

	e.mu.Lock()
	e.state.users[connID] = info
	e.mu.Unlock()

	e.broadcast(protocol.NewUserInfoMsg(connID, info))
}

// cursorData records a connection's cursor positions.
func (e *Engine) cursorData(connID uint64, data protocol.CursorData) {
	e.mu.Lock()
	e.state.cursors[connID] = data
	e.mu.Unlock()

	e.broadcast(protocol.NewUserCursorMsg(connID, data))
}

// UpdateUser applies an authoritative user-record update (e.g. after a
// profile change elsewhere) to any live connection whose recorded name
// matches, and broadcasts the result.
func (e *Engine) UpdateUser(user session.User) {
	role := auth.RoleFor(&user)

	e.mu.Lock()
	var changed []uint64
	for id, info := range e.state.users {
		if info.Name == user.Name {
			info.Role = role
			e.state.users[id] = info
			changed = append(changed, id)
		}
	}
	e.mu.Unlock()

	for _, id := range changed {
		e.broadcast(protocol.NewUserInfoMsg(id, e.userInfo(id)))
	}
}

func (e *Engine) userInfo(id uint64) protocol.OnlineUser {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.users[id]
}

// killLocked tears down every subscriber and wakes every waiter. Callers
// must hold mu and must already have won the killed CAS.
func (e *Engine) killLocked() {
	for _, ch := range e.subscribers {
		close(ch)
	}
	e.subscribers = make(map[uint64]chan protocol.ServerMsg)
	close(e.notify)
}

// Kill marks the engine terminal, disconnecting every live connection.
func (e *Engine) Kill() {
	if !e.killed.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	e.killLocked()
	e.mu.Unlock()
}

// Killed reports whether Kill (explicit or via KillIfIdle) has fired.
func (e *Engine) Killed() bool {
	return e.killed.Load()
}

// KillIfIdle kills the engine iff it has no live users and no unpersisted
// changes, checked atomically so a racing edit cannot be evicted before
// persistence. Returns true if the engine is (now, or already was) killed.
func (e *Engine) KillIfIdle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.killed.Load() {
		return true
	}
	if len(e.state.users) != 0 || e.state.dirty {
		return false
	}
	if !e.killed.CompareAndSwap(false, true) {
		return true
	}
	e.killLocked()
	return true
}
