// Package capability defines the pluggable model-backed capabilities the
// pipelines consume: fact extraction, embedding, reranking, summarization,
// and blob fetching.
//
// Pipelines never call providers directly; they declare capability names and
// receive a Set. Availability is checked statically when a pipeline revision
// is installed, so a step requiring an unconfigured capability fails at
// configuration time rather than mid-run.
package capability

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/memoryd/internal/memerr"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

// Capability names used by pipeline step declarations.
const (
	CapExtractor   = "extractor"
	CapEmbedder    = "embedder"
	CapReranker    = "reranker"
	CapSummarizer  = "summarizer"
	CapBlobFetcher = "blob_fetcher"
)

// Sentinel errors for capability providers.
var (
	// ErrMissingAPIKey indicates a provider configured without credentials.
	ErrMissingAPIKey = errors.New("API key is required")

	// ErrEmptyResponse indicates a model returned no usable output.
	ErrEmptyResponse = errors.New("empty model response")
)

// Candidate is one fact a extractor proposes from a resource, before it
// becomes a memory item.
type Candidate struct {
	// Text is the extracted fact, self-contained and reusable.
	Text string `json:"text"`

	// Evidence locates the supporting span in the source resource.
	Evidence memory.Evidence `json:"evidence"`

	// Confidence scores extraction reliability, 0.0 to 1.0.
	Confidence float64 `json:"confidence"`

	// Stable marks facts not expected to change.
	Stable bool `json:"stable"`

	// Categories are suggested category names for the fact.
	Categories []string `json:"categories,omitempty"`
}

// ExtractRequest carries one resource's content into extraction.
type ExtractRequest struct {
	Modality memory.Modality
	Content  string
	Segments []memory.Segment

	// Goals is the scope's current intention, used to bias extraction
	// toward relevant facts. May be empty.
	Goals string

	// MaxCandidates caps the number of returned candidates. Zero means
	// provider default.
	MaxCandidates int
}

// Extractor derives candidate facts from resource content.
type Extractor interface {
	// Extract returns candidate facts ordered by confidence.
	Extract(ctx context.Context, req ExtractRequest) ([]Candidate, error)
}

// Embedder generates vector embeddings from text.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension reports the embedding size this embedder produces.
	Dimension() int
}

// Reranker rescores candidate texts against a query. Scores are in [0, 1],
// higher is more relevant; the caller reorders.
type Reranker interface {
	Rerank(ctx context.Context, query string, texts []string) ([]float64, error)
}

// SummarizeRequest carries texts to condense.
type SummarizeRequest struct {
	// Instruction frames the summary (e.g. "summarize these facts about
	// the user's development preferences").
	Instruction string

	// Texts are the inputs to condense.
	Texts []string

	// Existing is the previous summary to refresh, if any.
	Existing string
}

// Summarizer condenses member items into category summaries and intention
// updates.
type Summarizer interface {
	Summarize(ctx context.Context, req SummarizeRequest) (string, error)
}

// BlobFetcher resolves a resource URI to raw bytes, for resources ingested
// by reference.
type BlobFetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Set is the configured capability surface handed to pipelines. Nil fields
// mean the capability is unavailable in this deployment.
type Set struct {
	Extractor   Extractor
	Embedder    Embedder
	Reranker    Reranker
	Summarizer  Summarizer
	BlobFetcher BlobFetcher
}

// Has reports whether the named capability is configured.
func (s *Set) Has(name string) bool {
	switch name {
	case CapExtractor:
		return s.Extractor != nil
	case CapEmbedder:
		return s.Embedder != nil
	case CapReranker:
		return s.Reranker != nil
	case CapSummarizer:
		return s.Summarizer != nil
	case CapBlobFetcher:
		return s.BlobFetcher != nil
	}
	return false
}

// Available lists the configured capability names.
func (s *Set) Available() []string {
	var names []string
	for _, name := range []string{CapExtractor, CapEmbedder, CapReranker, CapSummarizer, CapBlobFetcher} {
		if s.Has(name) {
			names = append(names, name)
		}
	}
	return names
}

// Transient wraps a provider failure as retryable: rate limits, network
// errors, and model timeouts are all worth another attempt.
func Transient(op string, err error) error {
	return memerr.E(memerr.KindTransientCapability, op, err)
}
