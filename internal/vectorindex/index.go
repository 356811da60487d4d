// Package vectorindex defines the pluggable vector index used for semantic
// retrieval and its backends.
//
// The index stores embeddings for memory items and category summaries. All
// entries carry their full scope key as metadata; every query is filtered by
// a validated scope selector before ranking, never after. Backends must be
// fail-closed: a query with an empty selector is an error, not a full scan.
//
// Embedding happens upstream in the capability layer. The index only stores
// and searches vectors it is handed.
package vectorindex

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/memoryd/internal/scope"
)

// Sentinel errors for vector index operations.
var (
	// ErrEmptySelector is returned when a query carries no scope selector.
	ErrEmptySelector = errors.New("scope selector is required")

	// ErrEmptyEntries indicates an upsert with no entries.
	ErrEmptyEntries = errors.New("no entries to upsert")

	// ErrDimensionMismatch indicates a vector with the wrong dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrUnknownKind indicates an entry kind the index does not handle.
	ErrUnknownKind = errors.New("unknown entry kind")
)

// Kind distinguishes what an indexed vector represents.
type Kind string

const (
	// KindItem indexes memory item text.
	KindItem Kind = "item"

	// KindCategory indexes category summaries for coarse routing.
	KindCategory Kind = "category"
)

// KnownKind reports whether k is a supported entry kind.
func KnownKind(k Kind) bool { return k == KindItem || k == KindCategory }

// Entry is one vector to store, keyed by entity ID within its kind.
type Entry struct {
	ID     string
	Kind   Kind
	Scope  scope.Key
	Text   string
	Vector []float32
}

// Hit is one ranked query result. Score is cosine similarity in [-1, 1],
// higher is closer.
type Hit struct {
	ID    string
	Kind  Kind
	Scope scope.Key
	Text  string
	Score float32
}

// Query describes one similarity search.
type Query struct {
	// Selector bounds which scopes are searched. Must not be empty; backends
	// reject unselected queries rather than scanning everything.
	Selector scope.Selector

	// Kind restricts results to one entry kind.
	Kind Kind

	// Vector is the query embedding.
	Vector []float32

	// K is the maximum number of hits.
	K int
}

// Index is the vector index contract.
type Index interface {
	// Upsert stores or replaces entries by (kind, id).
	Upsert(ctx context.Context, entries []Entry) error

	// Delete removes entries by ID within a kind. Missing IDs are ignored.
	Delete(ctx context.Context, kind Kind, ids []string) error

	// Search returns up to q.K hits ordered by descending score, drawn only
	// from scopes the selector matches.
	Search(ctx context.Context, q Query) ([]Hit, error)

	// DeleteScope removes every entry in one scope (tenant purge).
	DeleteScope(ctx context.Context, sk scope.Key) error

	// Close releases backend resources.
	Close() error
}

// validateQuery applies the shared fail-closed checks.
func validateQuery(q Query) error {
	if len(q.Selector) == 0 {
		return ErrEmptySelector
	}
	if !KnownKind(q.Kind) {
		return ErrUnknownKind
	}
	if len(q.Vector) == 0 {
		return errors.New("query vector is empty")
	}
	if q.K <= 0 {
		return errors.New("k must be positive")
	}
	return nil
}
