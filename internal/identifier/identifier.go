// Package identifier implements the bounded, allocation-free document/user
// name used throughout the core, ported from the original util.rs
// Identifier: a fixed 64-byte right-zero-padded buffer so it can be used as
// a map key without per-lookup allocation.
package identifier

import (
	"encoding/json"
	"fmt"
)

// MaxLen is the maximum length of an identifier, in bytes.
const MaxLen = 64

// Identifier is a bounded, printable name for a document or user: 1-64
// bytes, each byte ASCII alphanumeric or '-', '_', space.
type Identifier struct {
	buf [MaxLen]byte
	n   int
}

func validChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == ' ':
		return true
	default:
		return false
	}
}

// Parse validates and constructs an Identifier from s.
func Parse(s string) (Identifier, error) {
	var id Identifier
	if len(s) == 0 {
		return id, fmt.Errorf("identifier: empty")
	}
	if len(s) > MaxLen {
		return id, fmt.Errorf("identifier: %q exceeds %d bytes", s, MaxLen)
	}
	for i := 0; i < len(s); i++ {
		if !validChar(s[i]) {
			return id, fmt.Errorf("identifier: %q contains invalid character %q", s, s[i])
		}
	}
	copy(id.buf[:], s)
	id.n = len(s)
	return id, nil
}

// MustParse is Parse but panics on error; for constants and tests.
func MustParse(s string) Identifier {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the identifier's text.
func (id Identifier) String() string {
	return string(id.buf[:id.n])
}

// MarshalJSON encodes the identifier as its string form.
func (id Identifier) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON parses and validates the identifier's string form.
func (id *Identifier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
