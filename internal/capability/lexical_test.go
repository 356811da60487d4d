package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLexicalRerank(t *testing.T) {
	r := NewLexicalReranker()
	scores, err := r.Rerank(context.Background(), "favorite coffee roast", []string{
		"User prefers dark roast coffee",
		"User dislikes early meetings",
		"",
	})
	require.NoError(t, err)
	require.Len(t, scores, 3)
	// Two of three query terms appear in the first text, none in the others.
	assert.InDelta(t, 2.0/3.0, scores[0], 1e-9)
	assert.Zero(t, scores[1])
	assert.Zero(t, scores[2])
}

func TestLexicalRerankEmptyQuery(t *testing.T) {
	r := NewLexicalReranker()
	scores, err := r.Rerank(context.Background(), "??", []string{"anything"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, scores)
}

func TestTokenize(t *testing.T) {
	toks := tokenize("The User's favorite-coffee is... COFFEE!")
	assert.True(t, toks["coffee"])
	assert.True(t, toks["favorite"])
	// Single-character fragments are dropped.
	assert.False(t, toks["s"])
}
