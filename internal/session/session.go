// Package session implements the opaque 64-byte session token and the
// session table that maps it to an authenticated user, ported from the
// original util.rs Session / auth.rs UserSessions design.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// Size is the number of random bytes carried by a Session.
const Size = 64

// CookieName is the name of the cookie carrying the session token.
const CookieName = "collabpad_session"

// LoggedInExpiry is how long a logged-in session remains valid.
const LoggedInExpiry = 48 * time.Hour

// LoginExpiry is how long an in-progress login attempt remains valid.
const LoginExpiry = 15 * time.Minute

// Session is an opaque 64-byte token. It is not itself a credential: it is
// only ever used as a key into the session table.
type Session [Size]byte

// New draws a fresh session from a cryptographic random source.
func New() (Session, error) {
	var s Session
	if _, err := rand.Read(s[:]); err != nil {
		return Session{}, fmt.Errorf("session: generate: %w", err)
	}
	return s, nil
}

// String encodes the session as URL-safe, unpadded base64 for cookie transport.
func (s Session) String() string {
	return base64.RawURLEncoding.EncodeToString(s[:])
}

// Cookie renders the Set-Cookie header value for this session.
func (s Session) Cookie() string {
	return fmt.Sprintf("%s=%s; Path=/; HttpOnly; Max-Age=%d; SameSite=Lax",
		CookieName, s.String(), int(LoggedInExpiry.Seconds()))
}

// FromCookie decodes a URL-safe unpadded base64 cookie value of exactly
// Size bytes.
func FromCookie(value string) (Session, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return Session{}, fmt.Errorf("session: decode cookie: %w", err)
	}
	if len(decoded) != Size {
		return Session{}, fmt.Errorf("session: decoded length %d, want %d", len(decoded), Size)
	}
	var s Session
	copy(s[:], decoded)
	return s, nil
}

// User is the authenticated identity a session resolves to.
type User struct {
	Name  string
	Admin bool
	Hue   uint16
}

type entry struct {
	user      User
	expiresAt time.Time
}

// Table is the concurrent, lazily-expiring session -> user map that
// auth.TableProvider reads from. Reads opportunistically evict expired
// entries.
type Table struct {
	mu      sync.Mutex
	entries map[Session]entry
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{entries: make(map[Session]entry)}
}

// Put records an authenticated user under session, expiring after LoggedInExpiry.
func (t *Table) Put(s Session, user User) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[s] = entry{user: user, expiresAt: time.Now().Add(LoggedInExpiry)}
}

// Get returns the user for session, or ok=false if absent or expired.
// Expired entries are removed opportunistically.
func (t *Table) Get(s Session) (User, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[s]
	if !ok {
		return User{}, false
	}
	if time.Now().After(e.expiresAt) {
		delete(t.entries, s)
		return User{}, false
	}
	return e.user, true
}

// Remove drops a session, e.g. on logout.
func (t *Table) Remove(s Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, s)
}

// Sweep removes all expired entries.
func (t *Table) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for s, e := range t.entries {
		if now.After(e.expiresAt) {
			delete(t.entries, s)
		}
	}
}
