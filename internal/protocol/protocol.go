// Package protocol defines the websocket wire protocol between client and
// server: a JSON tagged union in both directions, ported from the
// teacher's internal/protocol and generalized from a bare language string
// to the spec's full language/visibility metadata and UserDisconnect.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/collabpad/core/internal/auth"
	"github.com/collabpad/core/internal/ot"
)

// SystemUserID is the user id attached to system-generated operations,
// such as the synthetic initial-text insert produced by loading a
// persisted document. Set to max uint64 so it never collides with a real
// connection id (0, 1, 2, ...).
const SystemUserID = ^uint64(0)

// OnlineUser is a connected user's display identity as broadcast to peers.
type OnlineUser struct {
	Name string    `json:"name"`
	Hue  uint32    `json:"hue"`
	Role auth.Role `json:"role"`
}

// MarshalJSON encodes Role using its lowercase name.
func (u OnlineUser) MarshalJSON() ([]byte, error) {
	type alias struct {
		Name string `json:"name"`
		Hue  uint32 `json:"hue"`
		Role string `json:"role"`
	}
	return json.Marshal(alias{Name: u.Name, Hue: u.Hue, Role: u.Role.String()})
}

// CursorData is a user's cursor positions and selection ranges, in
// Unicode code-point units.
type CursorData struct {
	Cursors    []uint32    `json:"cursors"`
	Selections [][2]uint32 `json:"selections"`
}

// UserOperation pairs a logged operation with the connection id that
// produced it.
type UserOperation struct {
	ID        uint64           `json:"id"`
	Operation *ot.OperationSeq `json:"operation"`
}

// EditMsg is a client's proposed edit, relative to the revision it last observed.
type EditMsg struct {
	Revision  uint64           `json:"revision"`
	Operation *ot.OperationSeq `json:"operation"`
}

// SetMetaMsg requests a metadata change. Both fields are optional; only
// fields present in the wire payload are applied.
type SetMetaMsg struct {
	Language   *string         `json:"language,omitempty"`
	Visibility *auth.Visibility `json:"visibility,omitempty"`
}

// ClientInfoMsg announces (or updates) the sender's display identity.
type ClientInfoMsg struct {
	Name string `json:"name"`
	Hue  uint32 `json:"hue"`
}

// ClientMsg is a tagged union of every message a client may send. Exactly
// one field is non-nil.
type ClientMsg struct {
	Edit       *EditMsg
	SetMeta    *SetMetaMsg
	ClientInfo *ClientInfoMsg
	CursorData *CursorData
}

// UnmarshalJSON decodes the tagged-union wire form into whichever field
// the payload names. Any other shape, or an Edit without an operation, is
// an error: the caller must treat this as a client-protocol error and
// close the connection. Other absent fields of a known variant are not
// checked; they decode to their zero values.
func (m *ClientMsg) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("protocol: decode client message: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("protocol: client message must set exactly one variant, got %d", len(raw))
	}

	if v, ok := raw["Edit"]; ok {
		var edit EditMsg
		if err := json.Unmarshal(v, &edit); err != nil {
			return fmt.Errorf("protocol: decode Edit: %w", err)
		}
		if edit.Operation == nil {
			return fmt.Errorf("protocol: Edit missing operation")
		}
		m.Edit = &edit
		return nil
	}
	if v, ok := raw["SetMeta"]; ok {
		var meta SetMetaMsg
		if err := json.Unmarshal(v, &meta); err != nil {
			return fmt.Errorf("protocol: decode SetMeta: %w", err)
		}
		m.SetMeta = &meta
		return nil
	}
	if v, ok := raw["ClientInfo"]; ok {
		var info ClientInfoMsg
		if err := json.Unmarshal(v, &info); err != nil {
			return fmt.Errorf("protocol: decode ClientInfo: %w", err)
		}
		m.ClientInfo = &info
		return nil
	}
	if v, ok := raw["CursorData"]; ok {
		var cursor CursorData
		if err := json.Unmarshal(v, &cursor); err != nil {
			return fmt.Errorf("protocol: decode CursorData: %w", err)
		}
		m.CursorData = &cursor
		return nil
	}
	return fmt.Errorf("protocol: unknown client message variant")
}

// HistoryMsg carries a slice of the operation log starting at Start.
type HistoryMsg struct {
	Start      uint64          `json:"start"`
	Operations []UserOperation `json:"operations"`
}

// MetaMsg broadcasts the document's current metadata.
type MetaMsg struct {
	Language   string          `json:"language"`
	Visibility auth.Visibility `json:"visibility"`
}

// IdentityMsg tells a newly-connected client its own connection id and,
// if it has already announced itself, its current display identity.
type IdentityMsg struct {
	ID   uint64      `json:"id"`
	Info *OnlineUser `json:"info,omitempty"`
}

// UserInfoMsg broadcasts a peer's display identity.
type UserInfoMsg struct {
	ID   uint64     `json:"id"`
	User OnlineUser `json:"user"`
}

// UserDisconnectMsg broadcasts a peer's departure.
type UserDisconnectMsg struct {
	ID uint64 `json:"id"`
}

// UserCursorMsg broadcasts a peer's cursor update.
type UserCursorMsg struct {
	ID   uint64     `json:"id"`
	Data CursorData `json:"data"`
}

// ServerMsg is a tagged union of every message the server may send.
// Exactly one field is non-nil.
type ServerMsg struct {
	Identity       *IdentityMsg
	History        *HistoryMsg
	Meta           *MetaMsg
	UserInfo       *UserInfoMsg
	UserDisconnect *UserDisconnectMsg
	UserCursor     *UserCursorMsg
}

// MarshalJSON emits only the set variant, tagged by field name.
func (m ServerMsg) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{}, 1)
	switch {
	case m.Identity != nil:
		result["Identity"] = m.Identity
	case m.History != nil:
		result["History"] = m.History
	case m.Meta != nil:
		result["Meta"] = m.Meta
	case m.UserInfo != nil:
		result["UserInfo"] = m.UserInfo
	case m.UserDisconnect != nil:
		result["UserDisconnect"] = m.UserDisconnect
	case m.UserCursor != nil:
		result["UserCursor"] = m.UserCursor
	default:
		return nil, fmt.Errorf("protocol: server message has no variant set")
	}
	return json.Marshal(result)
}

// NewIdentityMsg constructs an Identity server message.
func NewIdentityMsg(id uint64, info *OnlineUser) ServerMsg {
	return ServerMsg{Identity: &IdentityMsg{ID: id, Info: info}}
}

// NewHistoryMsg constructs a History server message.
func NewHistoryMsg(start uint64, ops []UserOperation) ServerMsg {
	return ServerMsg{History: &HistoryMsg{Start: start, Operations: ops}}
}

// NewMetaMsg constructs a Meta server message.
func NewMetaMsg(language string, visibility auth.Visibility) ServerMsg {
	return ServerMsg{Meta: &MetaMsg{Language: language, Visibility: visibility}}
}

// NewUserInfoMsg constructs a UserInfo server message.
func NewUserInfoMsg(id uint64, user OnlineUser) ServerMsg {
	return ServerMsg{UserInfo: &UserInfoMsg{ID: id, User: user}}
}

// NewUserDisconnectMsg constructs a UserDisconnect server message.
func NewUserDisconnectMsg(id uint64) ServerMsg {
	return ServerMsg{UserDisconnect: &UserDisconnectMsg{ID: id}}
}

// NewUserCursorMsg constructs a UserCursor server message.
func NewUserCursorMsg(id uint64, data CursorData) ServerMsg {
	return ServerMsg{UserCursor: &UserCursorMsg{ID: id, Data: data}}
}
