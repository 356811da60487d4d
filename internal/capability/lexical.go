package capability

import (
	"context"
	"strings"
	"unicode"
)

// LexicalReranker scores candidate texts by term overlap with the query.
// It is the zero-dependency reranker and the fallback keyword scorer used
// when retrieval runs without an embedder.
type LexicalReranker struct{}

var _ Reranker = (*LexicalReranker)(nil)

// NewLexicalReranker creates a LexicalReranker.
func NewLexicalReranker() *LexicalReranker { return &LexicalReranker{} }

// Rerank implements Reranker. Each text scores the fraction of distinct
// query terms it contains, in [0, 1].
func (r *LexicalReranker) Rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	queryTokens := tokenize(query)
	scores := make([]float64, len(texts))
	if len(queryTokens) == 0 {
		return scores, nil
	}
	for i, text := range texts {
		scores[i] = termOverlap(queryTokens, tokenize(text))
	}
	return scores, nil
}

// tokenize lowercases and splits on non-alphanumeric runes, dropping terms
// shorter than two characters.
func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(tok) >= 2 {
			tokens[tok] = true
		}
	}
	return tokens
}

// termOverlap is the fraction of query terms present in the document.
func termOverlap(query, doc map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	matched := 0
	for tok := range query {
		if doc[tok] {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}
