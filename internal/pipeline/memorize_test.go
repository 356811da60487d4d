package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/scope"
)

func TestTokenSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "prefers dark roast coffee", "prefers dark roast coffee", 1.0},
		{"restatement", "user prefers dark roast coffee", "prefers dark roast coffee", 0.8},
		{"disjoint", "prefers dark roast", "quarterly revenue figures", 0.0},
		{"empty", "", "anything", 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tokenSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestClosestItemRespectsThreshold(t *testing.T) {
	sk := scope.Key{"user_id": "alice"}
	near, err := memory.NewItem(sk, "r1", "prefers dark roast coffee", memory.Evidence{}, 0.8, true)
	require.NoError(t, err)
	far, err := memory.NewItem(sk, "r1", "dislikes early meetings", memory.Evidence{}, 0.8, true)
	require.NoError(t, err)

	match := closestItem("user prefers dark roast coffee", []*memory.Item{far, near})
	require.NotNil(t, match)
	assert.Equal(t, near.ID, match.ID)

	assert.Nil(t, closestItem("enjoys hiking on weekends", []*memory.Item{far, near}))
}

func TestSegmentConversationOffsets(t *testing.T) {
	content := "user: hello there\n\nassistant: hi, how can I help?"
	segs := segmentConversation(content)
	require.Len(t, segs, 2)

	assert.Equal(t, "user", segs[0].Role)
	assert.Equal(t, "assistant", segs[1].Role)
	for _, seg := range segs {
		assert.Equal(t, len(content[seg.Offset:seg.Offset+seg.Length]), seg.Length)
	}
	assert.Equal(t, "assistant: hi, how can I help?", content[segs[1].Offset:segs[1].Offset+segs[1].Length])
}

func TestSegmentParagraphs(t *testing.T) {
	segs := segmentParagraphs("first paragraph\n\nsecond paragraph\n\n\n")
	require.Len(t, segs, 2)
	assert.Equal(t, 0, segs[0].Index)
	assert.Equal(t, 1, segs[1].Index)
}

func TestNormalizeCategoryName(t *testing.T) {
	assert.Equal(t, "user preferences", normalizeCategoryName("  User   Preferences "))
	assert.Equal(t, "", normalizeCategoryName("   "))
}
