// Package store implements the abstract OpStore the document engine and
// registry consume for persistence, plus a concrete SQLite-backed
// implementation ported from the teacher's pkg/database.
package store

import (
	"context"

	"github.com/collabpad/core/internal/auth"
)

// Meta is a persisted document's metadata.
type Meta struct {
	Language   string
	Visibility auth.Visibility
}

// DefaultMeta is the metadata assigned to a brand-new document.
func DefaultMeta() Meta {
	return Meta{Language: "markdown", Visibility: auth.VisibilityPublic}
}

// Document is the full persisted state of one document.
type Document struct {
	Text string
	Meta Meta
}

// OpStore is what the core consumes from persistence: load, store, and
// count documents by identifier. The concrete layout behind it (file
// format, SQL schema, and so on) is an external implementation detail the
// core does not depend on.
type OpStore interface {
	// Load returns the persisted document for id, or ErrNotFound if there
	// is none.
	Load(ctx context.Context, id string) (Document, error)
	// Store persists doc under id, atomically per id.
	Store(ctx context.Context, id string, doc Document) error
	// Count returns the number of persisted documents.
	Count(ctx context.Context) (int, error)
}

// ErrNotFound is returned by OpStore.Load when id has no persisted document.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: document not found" }
