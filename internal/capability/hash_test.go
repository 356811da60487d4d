package capability

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	a, err := e.EmbedQuery(context.Background(), "dark roast coffee")
	require.NoError(t, err)
	b, err := e.EmbedQuery(context.Background(), "dark roast coffee")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.Equal(t, 64, e.Dimension())
}

func TestHashEmbedderNormalized(t *testing.T) {
	e := NewHashEmbedder(0)
	assert.Equal(t, 256, e.Dimension())

	v, err := e.EmbedQuery(context.Background(), "some text with several tokens")
	require.NoError(t, err)
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestHashEmbedderSharedTokensScoreCloser(t *testing.T) {
	e := NewHashEmbedder(256)
	vecs, err := e.EmbedDocuments(context.Background(), []string{
		"dark roast coffee preference",
		"coffee roast flavor",
		"quarterly revenue figures",
	})
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	q, err := e.EmbedQuery(context.Background(), "dark roast coffee")
	require.NoError(t, err)

	related := dot(q, vecs[1])
	unrelated := dot(q, vecs[2])
	assert.Greater(t, dot(q, vecs[0]), related)
	assert.Greater(t, related, unrelated)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
