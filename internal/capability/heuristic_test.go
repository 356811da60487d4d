package capability

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

func TestHeuristicExtract(t *testing.T) {
	ex := NewHeuristicExtractor(HeuristicConfig{})
	content := "My favorite coffee is dark roast. The weather is nice today. I work at Acme as a platform engineer."

	cands, err := ex.Extract(context.Background(), ExtractRequest{
		Modality: memory.ModalityConversation,
		Content:  content,
	})
	require.NoError(t, err)
	require.Len(t, cands, 2)

	// Ordered by confidence: identity (0.85) before favorite (0.8).
	assert.Contains(t, cands[0].Text, "I work at Acme")
	assert.Contains(t, cands[1].Text, "favorite coffee")
	assert.True(t, cands[0].Stable)
	assert.Equal(t, []string{"profile"}, cands[0].Categories)
	assert.Equal(t, []string{"preferences"}, cands[1].Categories)

	// Evidence offsets point back into the source content.
	for _, c := range cands {
		span := content[c.Evidence.Offset : c.Evidence.Offset+c.Evidence.Length]
		assert.Equal(t, c.Text, strings.TrimSpace(span))
	}
}

func TestHeuristicExtractSegments(t *testing.T) {
	ex := NewHeuristicExtractor(HeuristicConfig{})
	content := "user: I prefer tabs over spaces\nassistant: Noted."
	segLen := len("user: I prefer tabs over spaces")

	cands, err := ex.Extract(context.Background(), ExtractRequest{
		Modality: memory.ModalityConversation,
		Content:  content,
		Segments: []memory.Segment{
			{Index: 0, Role: "user", Offset: 0, Length: segLen},
			{Index: 1, Role: "assistant", Offset: segLen + 1, Length: len(content) - segLen - 1},
		},
	})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Contains(t, cands[0].Text, "prefer tabs")
	assert.Equal(t, 0, cands[0].Evidence.Segment)
}

func TestHeuristicExtractMaxCandidates(t *testing.T) {
	ex := NewHeuristicExtractor(HeuristicConfig{})
	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString("I really like option number ")
		b.WriteString(strings.Repeat("x", i+1))
		b.WriteString(". ")
	}

	cands, err := ex.Extract(context.Background(), ExtractRequest{
		Modality:      memory.ModalityConversation,
		Content:       b.String(),
		MaxCandidates: 3,
	})
	require.NoError(t, err)
	assert.Len(t, cands, 3)
}

func TestHeuristicExtractNoMatches(t *testing.T) {
	ex := NewHeuristicExtractor(HeuristicConfig{})
	cands, err := ex.Extract(context.Background(), ExtractRequest{
		Modality: memory.ModalityDocument,
		Content:  "The quarterly report shows steady figures across regions.",
	})
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestSplitSentences(t *testing.T) {
	sents := splitSentences("One. Two!  Three?\nFour")
	require.Len(t, sents, 4)
	text := "One. Two!  Three?\nFour"
	for _, s := range sents {
		assert.Equal(t, s.text, text[s.offset:s.offset+len(s.text)])
	}
}
