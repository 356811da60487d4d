package capability

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

// Pattern is one heuristic extraction rule.
type Pattern struct {
	// Name identifies the pattern in logs.
	Name string

	// Regex matches sentences that carry a memorable fact.
	Regex string

	// Weight becomes the candidate's confidence.
	Weight float64

	// Stable marks facts from this pattern as durable.
	Stable bool

	// Category is the suggested category for matches.
	Category string
}

// DefaultPatterns covers the common fact shapes in conversational content.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "favorite", Regex: `(?i)\b(my favou?rite\s+\w+\s+is|i\s+(really\s+)?(love|like|prefer|enjoy))\b`, Weight: 0.8, Stable: true, Category: "preferences"},
		{Name: "dislike", Regex: `(?i)\bi\s+(hate|dislike|can't stand|avoid)\b`, Weight: 0.75, Stable: true, Category: "preferences"},
		{Name: "identity", Regex: `(?i)\b(my name is|i am a|i'm a|i work (at|as|for)|i live in)\b`, Weight: 0.85, Stable: true, Category: "profile"},
		{Name: "decision", Regex: `(?i)\b(we (decided|agreed|chose)|let's go with|going with|settled on)\b`, Weight: 0.7, Category: "decisions"},
		{Name: "constraint", Regex: `(?i)\b(must (not\s+)?|never|always|required to|not allowed to)\b`, Weight: 0.6, Category: "constraints"},
		{Name: "plan", Regex: `(?i)\b(i (plan|want|intend|need) to|my goal is)\b`, Weight: 0.65, Category: "goals"},
	}
}

type compiledPattern struct {
	Pattern
	regex *regexp.Regexp
}

// HeuristicExtractor finds candidate facts by pattern matching. It is the
// zero-dependency fallback for deployments without a model provider, and the
// deterministic extractor used in tests.
type HeuristicExtractor struct {
	patterns            []*compiledPattern
	confidenceThreshold float64
	maxCandidates       int
}

var _ Extractor = (*HeuristicExtractor)(nil)

// HeuristicConfig configures the heuristic extractor.
type HeuristicConfig struct {
	// Patterns override DefaultPatterns when non-empty.
	Patterns []Pattern

	// ConfidenceThreshold drops matches below this weight. Default: 0.5
	ConfidenceThreshold float64

	// MaxCandidates caps output when the request does not. Default: 20
	MaxCandidates int
}

// NewHeuristicExtractor compiles the configured patterns. Invalid patterns
// are skipped.
func NewHeuristicExtractor(cfg HeuristicConfig) *HeuristicExtractor {
	patterns := cfg.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	compiled := make([]*compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			continue
		}
		compiled = append(compiled, &compiledPattern{Pattern: p, regex: re})
	}
	threshold := cfg.ConfidenceThreshold
	if threshold == 0 {
		threshold = 0.5
	}
	maxCandidates := cfg.MaxCandidates
	if maxCandidates == 0 {
		maxCandidates = 20
	}
	return &HeuristicExtractor{
		patterns:            compiled,
		confidenceThreshold: threshold,
		maxCandidates:       maxCandidates,
	}
}

// Extract implements Extractor. Content is split into sentences; each
// sentence is matched against every pattern and the best match wins.
// Evidence offsets point at the matched sentence.
func (h *HeuristicExtractor) Extract(ctx context.Context, req ExtractRequest) ([]Candidate, error) {
	var candidates []Candidate
	if len(req.Segments) > 0 {
		for _, seg := range req.Segments {
			end := seg.Offset + seg.Length
			if seg.Offset < 0 || end > len(req.Content) {
				continue
			}
			candidates = append(candidates, h.extractSpan(req.Content[seg.Offset:end], seg.Offset, seg.Index)...)
		}
	} else {
		candidates = h.extractSpan(req.Content, 0, 0)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	limit := req.MaxCandidates
	if limit <= 0 {
		limit = h.maxCandidates
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (h *HeuristicExtractor) extractSpan(text string, base, segment int) []Candidate {
	var out []Candidate
	for _, sent := range splitSentences(text) {
		match := h.findBestMatch(sent.text)
		if match == nil || match.Weight < h.confidenceThreshold {
			continue
		}
		out = append(out, Candidate{
			Text: strings.TrimSpace(sent.text),
			Evidence: memory.Evidence{
				Offset:  base + sent.offset,
				Length:  len(sent.text),
				Segment: segment,
			},
			Confidence: match.Weight,
			Stable:     match.Stable,
			Categories: []string{match.Category},
		})
	}
	return out
}

func (h *HeuristicExtractor) findBestMatch(sentence string) *compiledPattern {
	var best *compiledPattern
	var bestWeight float64
	for _, p := range h.patterns {
		if p.regex.MatchString(sentence) && p.Weight > bestWeight {
			best = p
			bestWeight = p.Weight
		}
	}
	return best
}

type sentence struct {
	text   string
	offset int
}

// splitSentences is a byte-offset-preserving sentence splitter. Terminators
// are sentence punctuation and newlines.
func splitSentences(text string) []sentence {
	var out []sentence
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := text[start : i+1]; strings.TrimSpace(s) != "" {
				out = append(out, sentence{text: s, offset: start})
			}
			start = i + 1
		}
	}
	if start < len(text) {
		if s := text[start:]; strings.TrimSpace(s) != "" {
			out = append(out, sentence{text: s, offset: start})
		}
	}
	return out
}
