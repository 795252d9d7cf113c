// Package docstore is a small document-store abstraction: named collections
// of JSON-like documents with equality queries. It mirrors the subset of
// Firestore the coach needs so the same code runs on sqlite locally.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrNotFound     = errors.New("document not found")
	ErrInvalidField = errors.New("invalid field name")
)

// Fields holds a document's data.
type Fields map[string]any

// Document is a stored document and its store-assigned id.
type Document struct {
	ID     string
	Fields Fields
}

// Filter matches documents whose Field equals Value.
type Filter struct {
	Field string
	Value any
}

// Eq builds an equality filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

type serverTimestamp struct{}

// ServerTimestamp may be used as a field value; the store replaces it with its
// own clock at write time.
var ServerTimestamp any = serverTimestamp{}

// Store is implemented by every backend.
type Store interface {
	Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	Create(ctx context.Context, collection string, fields Fields) (string, error)
	Update(ctx context.Context, collection, id string, fields Fields) error
	// Delete removes the listed documents and reports how many were removed.
	// Backends that cannot tell whether a document existed count every id.
	Delete(ctx context.Context, collection string, ids ...string) (int, error)
	Close() error
}

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateField rejects names that cannot be used as a query path.
func ValidateField(name string) error {
	if !fieldName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidField, name)
	}
	return nil
}
