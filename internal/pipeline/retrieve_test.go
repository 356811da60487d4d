package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryCoverage(t *testing.T) {
	tests := []struct {
		name  string
		query string
		text  string
		want  float64
	}{
		{"full", "improve retrieval latency", "I plan to improve retrieval latency.", 1.0},
		{"partial", "improve search quality", "I plan to improve retrieval latency.", 1.0 / 3},
		{"none", "favorite color", "I plan to improve retrieval latency.", 0.0},
		{"empty query", "", "anything", 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, queryCoverage(tt.query, tt.text), 1e-9)
		})
	}
}

func TestDefaultPipelineShapes(t *testing.T) {
	mem, err := DefaultMemorize()
	require.NoError(t, err)
	assert.Equal(t, []string{"dedup", "preprocess", "extract", "merge", "categorize", "update_intention", "commit"}, mem.StepIDs())

	ret, err := DefaultRetrieve()
	require.NoError(t, err)
	assert.Equal(t, []string{"plan", "route_intention", "embed_query", "route_categories", "search_items", "rerank", "assemble"}, ret.StepIDs())

	evo, err := DefaultEvolve()
	require.NoError(t, err)
	assert.Equal(t, []string{"load_snapshot", "consolidate", "refresh_summaries", "update_intention", "commit_evolve"}, evo.StepIDs())

	// Every stock step carries a declared role.
	for _, rev := range []*Revision{mem, ret, evo} {
		for _, s := range rev.Steps() {
			assert.True(t, KnownRole(s.Role()), "step %s/%s", rev.Operation(), s.ID())
		}
	}
	extract, ok := mem.Step("extract")
	require.True(t, ok)
	assert.Equal(t, RoleExtraction, extract.Role())
	rerank, ok := ret.Step("rerank")
	require.True(t, ok)
	assert.Equal(t, RoleVerification, rerank.Role())
}
