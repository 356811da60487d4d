package vectorindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memoryd/internal/scope"
)

// The shared suite runs against the in-memory and chromem backends; qdrant
// and pgvector require external services and share the same contract.
func indexBackends(t *testing.T) map[string]Index {
	t.Helper()
	chromem, err := NewChromem(ChromemConfig{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = chromem.Close() })
	return map[string]Index{
		"brute":   NewBrute(),
		"chromem": chromem,
	}
}

var (
	idxAlice = scope.Key{"user_id": "alice"}
	idxBob   = scope.Key{"user_id": "bob"}
)

func seedIndex(t *testing.T, idx Index) {
	t.Helper()
	require.NoError(t, idx.Upsert(context.Background(), []Entry{
		{ID: "i1", Kind: KindItem, Scope: idxAlice, Text: "prefers dark roast", Vector: []float32{1, 0, 0}},
		{ID: "i2", Kind: KindItem, Scope: idxAlice, Text: "dislikes mornings", Vector: []float32{0, 1, 0}},
		{ID: "i3", Kind: KindItem, Scope: idxBob, Text: "prefers tea", Vector: []float32{0.9, 0.1, 0}},
		{ID: "c1", Kind: KindCategory, Scope: idxAlice, Text: "preferences", Vector: []float32{0.8, 0.2, 0}},
	}))
}

func TestIndexSearchScopeFiltered(t *testing.T) {
	for name, idx := range indexBackends(t) {
		t.Run(name, func(t *testing.T) {
			seedIndex(t, idx)

			hits, err := idx.Search(context.Background(), Query{
				Selector: scope.Selector{"user_id": scope.Exact("alice")},
				Kind:     KindItem,
				Vector:   []float32{1, 0, 0},
				K:        10,
			})
			require.NoError(t, err)
			require.Len(t, hits, 2)
			// Bob's closest entry never appears.
			assert.Equal(t, "i1", hits[0].ID)
			for _, h := range hits {
				assert.True(t, h.Scope.Equal(idxAlice))
			}
		})
	}
}

func TestIndexSearchMultiValueSelector(t *testing.T) {
	for name, idx := range indexBackends(t) {
		t.Run(name, func(t *testing.T) {
			seedIndex(t, idx)

			hits, err := idx.Search(context.Background(), Query{
				Selector: scope.Selector{"user_id": scope.OneOf("alice", "bob")},
				Kind:     KindItem,
				Vector:   []float32{1, 0, 0},
				K:        10,
			})
			require.NoError(t, err)
			require.Len(t, hits, 3)
			assert.Equal(t, "i1", hits[0].ID)
			assert.Equal(t, "i3", hits[1].ID)
		})
	}
}

func TestIndexSearchKindSeparation(t *testing.T) {
	for name, idx := range indexBackends(t) {
		t.Run(name, func(t *testing.T) {
			seedIndex(t, idx)

			hits, err := idx.Search(context.Background(), Query{
				Selector: scope.Selector{"user_id": scope.Exact("alice")},
				Kind:     KindCategory,
				Vector:   []float32{1, 0, 0},
				K:        10,
			})
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, "c1", hits[0].ID)
		})
	}
}

func TestIndexFailClosed(t *testing.T) {
	for name, idx := range indexBackends(t) {
		t.Run(name, func(t *testing.T) {
			seedIndex(t, idx)

			_, err := idx.Search(context.Background(), Query{
				Kind:   KindItem,
				Vector: []float32{1, 0, 0},
				K:      5,
			})
			assert.ErrorIs(t, err, ErrEmptySelector)

			err = idx.Upsert(context.Background(), nil)
			assert.ErrorIs(t, err, ErrEmptyEntries)
		})
	}
}

func TestIndexUpsertReplaces(t *testing.T) {
	for name, idx := range indexBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedIndex(t, idx)
			require.NoError(t, idx.Upsert(ctx, []Entry{
				{ID: "i1", Kind: KindItem, Scope: idxAlice, Text: "prefers espresso now", Vector: []float32{0, 0, 1}},
			}))

			hits, err := idx.Search(ctx, Query{
				Selector: scope.Selector{"user_id": scope.Exact("alice")},
				Kind:     KindItem,
				Vector:   []float32{0, 0, 1},
				K:        1,
			})
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, "i1", hits[0].ID)
			assert.Equal(t, "prefers espresso now", hits[0].Text)
		})
	}
}

func TestIndexDelete(t *testing.T) {
	for name, idx := range indexBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedIndex(t, idx)
			require.NoError(t, idx.Delete(ctx, KindItem, []string{"i1", "missing"}))

			hits, err := idx.Search(ctx, Query{
				Selector: scope.Selector{"user_id": scope.Exact("alice")},
				Kind:     KindItem,
				Vector:   []float32{1, 0, 0},
				K:        10,
			})
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, "i2", hits[0].ID)
		})
	}
}

func TestIndexDeleteScope(t *testing.T) {
	for name, idx := range indexBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedIndex(t, idx)
			require.NoError(t, idx.DeleteScope(ctx, idxAlice))

			hits, err := idx.Search(ctx, Query{
				Selector: scope.Selector{"user_id": scope.OneOf("alice", "bob")},
				Kind:     KindItem,
				Vector:   []float32{1, 0, 0},
				K:        10,
			})
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, "i3", hits[0].ID)
		})
	}
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-6)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.InDelta(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 0}), 1e-6)
}
