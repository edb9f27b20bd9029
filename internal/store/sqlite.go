package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/collabpad/core/internal/auth"
)

// SQLiteStore is the default OpStore, persisting one row per document.
// It carries forward the teacher's legacy "limited" boolean column and
// migrates it to the richer Visibility enum on first read of a row that
// predates the visibility column.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at uri and applies
// any pending migrations.
func Open(uri string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load implements OpStore.
func (s *SQLiteStore) Load(ctx context.Context, id string) (Document, error) {
	var text string
	var language sql.NullString
	var limited bool
	var visibility sql.NullString

	err := s.db.QueryRowContext(ctx,
		"SELECT text, language, limited, visibility FROM document WHERE id = ?",
		id,
	).Scan(&text, &language, &limited, &visibility)

	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("store: load %q: %w", id, err)
	}

	meta := Meta{Visibility: auth.VisibilityPublic}
	if language.Valid {
		meta.Language = language.String
	}
	if visibility.Valid {
		if v, ok := parseVisibility(visibility.String); ok {
			meta.Visibility = v
		}
	} else if limited {
		// Row predates the visibility column: migrate the legacy flag.
		meta.Visibility = auth.VisibilityPrivate
	}

	return Document{Text: text, Meta: meta}, nil
}

// Store implements OpStore.
func (s *SQLiteStore) Store(ctx context.Context, id string, doc Document) error {
	visibility := doc.Meta.Visibility.String()
	limited := doc.Meta.Visibility != auth.VisibilityPublic

	query := `
	INSERT INTO document (id, text, language, limited, visibility)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		text = excluded.text,
		language = excluded.language,
		limited = excluded.limited,
		visibility = excluded.visibility
	`
	_, err := s.db.ExecContext(ctx, query, id, doc.Text, nullableString(doc.Meta.Language), limited, visibility)
	if err != nil {
		return fmt.Errorf("store: store %q: %w", id, err)
	}
	return nil
}

// Count implements OpStore.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM document").Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return count, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseVisibility(s string) (auth.Visibility, bool) {
	switch s {
	case "private":
		return auth.VisibilityPrivate, true
	case "internal":
		return auth.VisibilityInternal, true
	case "public":
		return auth.VisibilityPublic, true
	default:
		return 0, false
	}
}
