package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/memoryd/internal/scope"
)

// Brute is the in-memory exact-search backend: linear scan with cosine
// similarity. Intended for tests and small single-process deployments.
type Brute struct {
	mu      sync.RWMutex
	entries map[Kind]map[string]Entry
}

var _ Index = (*Brute)(nil)

// NewBrute creates an empty in-memory index.
func NewBrute() *Brute {
	return &Brute{entries: map[Kind]map[string]Entry{
		KindItem:     {},
		KindCategory: {},
	}}
}

// Upsert implements Index.
func (b *Brute) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return ErrEmptyEntries
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		if !KnownKind(e.Kind) {
			return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
		}
		e.Scope = e.Scope.Clone()
		e.Vector = append([]float32(nil), e.Vector...)
		b.entries[e.Kind][e.ID] = e
	}
	return nil
}

// Delete implements Index.
func (b *Brute) Delete(ctx context.Context, kind Kind, ids []string) error {
	if !KnownKind(kind) {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		delete(b.entries[kind], id)
	}
	return nil
}

// Search implements Index.
func (b *Brute) Search(ctx context.Context, q Query) ([]Hit, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var hits []Hit
	for _, e := range b.entries[q.Kind] {
		if !q.Selector.Matches(e.Scope) {
			continue
		}
		if len(e.Vector) != len(q.Vector) {
			return nil, fmt.Errorf("%w: entry %s has %d dims, query has %d",
				ErrDimensionMismatch, e.ID, len(e.Vector), len(q.Vector))
		}
		hits = append(hits, Hit{
			ID:    e.ID,
			Kind:  e.Kind,
			Scope: e.Scope.Clone(),
			Text:  e.Text,
			Score: Cosine(e.Vector, q.Vector),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > q.K {
		hits = hits[:q.K]
	}
	return hits, nil
}

// DeleteScope implements Index.
func (b *Brute) DeleteScope(ctx context.Context, sk scope.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, byID := range b.entries {
		for id, e := range byID {
			if e.Scope.Equal(sk) {
				delete(byID, id)
			}
		}
	}
	return nil
}

// Close implements Index.
func (b *Brute) Close() error { return nil }

// Cosine computes cosine similarity between two vectors of equal length.
// Zero vectors score 0.
func Cosine(a, c []float32) float32 {
	var dot, na, nc float64
	for i := range a {
		dot += float64(a[i]) * float64(c[i])
		na += float64(a[i]) * float64(a[i])
		nc += float64(c[i]) * float64(c[i])
	}
	if na == 0 || nc == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nc)))
}
