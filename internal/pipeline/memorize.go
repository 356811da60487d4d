package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/capability"
	"github.com/fyrsmithlabs/memoryd/internal/memerr"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/metastore"
	"github.com/fyrsmithlabs/memoryd/internal/vectorindex"
)

// sameFactThreshold is the token-set similarity above which a candidate is
// treated as a restatement of an existing item rather than a new fact.
const sameFactThreshold = 0.75

// DefaultMemorize builds the stock memorize pipeline. The extractor is the
// only hard capability requirement; embedding and summarization degrade to
// doing less rather than failing.
func DefaultMemorize() (*Revision, error) {
	return NewRevision(memory.OpMemorize, []Step{
		&dedupStep{},
		&preprocessStep{},
		&extractStep{},
		&mergeStep{},
		&categorizeStep{},
		&intentionStep{},
		&commitStep{},
	})
}

// notFound reports whether err is the store's not-found error.
func notFound(err error) bool {
	return memerr.KindOf(err) == memerr.KindNotFound
}

// dedupStep resolves the incoming content to a resource: an identical
// non-superseded resource short-circuits the run, changed content under a
// known URI supersedes the old resource, anything else is new.
type dedupStep struct{}

func (s *dedupStep) ID() string             { return "dedup" }
func (s *dedupStep) Role() Role             { return RoleRouting }
func (s *dedupStep) Requires() []string     { return []string{KeyInput} }
func (s *dedupStep) Produces() []string     { return []string{KeyResource} }
func (s *dedupStep) Capabilities() []string { return nil }

func (s *dedupStep) Run(ctx context.Context, st *State, deps Deps) error {
	in := st.Memorize
	hash := memory.HashContent(in.Content + "\x00" + in.URI)

	existing, err := deps.Store.FindResourceByHash(ctx, st.Scope, hash)
	if err == nil {
		st.Resource = existing
		st.Done = true
		st.Reason = fmt.Sprintf("identical resource %s already ingested", existing.ID)
		deps.Logger.Debug("memorize deduplicated",
			zap.String("run_id", st.RunID),
			zap.String("resource_id", existing.ID),
		)
		return nil
	}
	if !notFound(err) {
		return err
	}

	res, err := memory.NewResource(st.Scope, in.Modality, in.Content, in.URI)
	if err != nil {
		return memerr.E(memerr.KindValidation, "memorize.dedup", err)
	}
	st.Resource = res

	// Re-ingestion of a known URI with changed content supersedes the old
	// resource rather than duplicating it.
	if in.URI != "" {
		prior, err := deps.Store.ListResources(ctx, st.Scope, metastore.ListResourcesOptions{})
		if err != nil {
			return err
		}
		for _, p := range prior {
			if p.URI == in.URI {
				st.Supersedes = p.ID
				break
			}
		}
	}
	return nil
}

// preprocessStep attaches artifacts to the resource: fetched blobs for
// by-reference ingestion, and modality-aware segmentation for inline text.
type preprocessStep struct{}

func (s *preprocessStep) ID() string             { return "preprocess" }
func (s *preprocessStep) Role() Role             { return RoleRouting }
func (s *preprocessStep) Requires() []string     { return []string{KeyResource} }
func (s *preprocessStep) Produces() []string     { return []string{KeyArtifacts} }
func (s *preprocessStep) Capabilities() []string { return nil }

func (s *preprocessStep) Run(ctx context.Context, st *State, deps Deps) error {
	res := st.Resource
	if res.Content == "" && res.URI != "" {
		if deps.Caps.BlobFetcher == nil {
			return memerr.E(memerr.KindCapabilityUnavailable, "memorize.preprocess",
				"resource has no inline content and no blob fetcher is configured")
		}
		data, err := deps.Caps.BlobFetcher.Fetch(ctx, res.URI)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", res.URI, err)
		}
		res.Content = string(data)
	}

	switch res.Modality {
	case memory.ModalityConversation:
		res.Artifacts.Segments = segmentConversation(res.Content)
	case memory.ModalityDocument:
		res.Artifacts.Segments = segmentParagraphs(res.Content)
	case memory.ModalityAudio:
		// Inline content for audio is its transcription.
		if res.Artifacts.Transcription == "" {
			res.Artifacts.Transcription = res.Content
		}
	case memory.ModalityImage:
		if res.Artifacts.Caption == "" {
			res.Artifacts.Caption = res.Content
		}
	}
	return nil
}

// segmentConversation splits "role: text" lines into turn segments.
func segmentConversation(content string) []memory.Segment {
	var segs []memory.Segment
	offset := 0
	for i, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) != "" {
			role := ""
			if c := strings.Index(line, ":"); c > 0 && c < 20 {
				role = strings.ToLower(strings.TrimSpace(line[:c]))
			}
			segs = append(segs, memory.Segment{
				Index:  i,
				Role:   role,
				Offset: offset,
				Length: len(line),
			})
		}
		offset += len(line) + 1
	}
	return segs
}

// segmentParagraphs splits documents on blank lines.
func segmentParagraphs(content string) []memory.Segment {
	var segs []memory.Segment
	offset := 0
	index := 0
	for _, para := range strings.Split(content, "\n\n") {
		if strings.TrimSpace(para) != "" {
			segs = append(segs, memory.Segment{
				Index:  index,
				Offset: offset,
				Length: len(para),
			})
			index++
		}
		offset += len(para) + 2
	}
	return segs
}

// extractStep runs the configured extractor over the resource, biased by
// the scope's current intention.
type extractStep struct{}

func (s *extractStep) ID() string             { return "extract" }
func (s *extractStep) Role() Role             { return RoleExtraction }
func (s *extractStep) Requires() []string     { return []string{KeyResource, KeyArtifacts} }
func (s *extractStep) Produces() []string     { return []string{KeyCandidates} }
func (s *extractStep) Capabilities() []string { return nil }

func (s *extractStep) Run(ctx context.Context, st *State, deps Deps) error {
	goals := ""
	intention, err := deps.Store.GetIntention(ctx, st.Scope)
	if err == nil {
		goals = intention.Goals
	} else if !notFound(err) {
		return err
	}

	content := st.Resource.Content
	if st.Resource.Artifacts.Transcription != "" {
		content = st.Resource.Artifacts.Transcription
	} else if st.Resource.Artifacts.Caption != "" {
		content = st.Resource.Artifacts.Caption
	}

	candidates, err := deps.Caps.Extractor.Extract(ctx, capability.ExtractRequest{
		Modality: st.Resource.Modality,
		Content:  content,
		Segments: st.Resource.Artifacts.Segments,
		Goals:    goals,
	})
	if err != nil {
		return fmt.Errorf("extracting candidates: %w", err)
	}
	st.Candidates = candidates
	deps.Logger.Debug("extracted candidates",
		zap.String("run_id", st.RunID),
		zap.Int("count", len(candidates)),
	)
	return nil
}

// mergeStep reconciles candidates with the scope's active items. A candidate
// restating an existing item either revises it (confidence at least as high)
// or is dropped (lower confidence never displaces a stronger fact). Prior
// versions are marked superseded, never deleted.
type mergeStep struct{}

func (s *mergeStep) ID() string             { return "merge" }
func (s *mergeStep) Role() Role             { return RoleClustering }
func (s *mergeStep) Requires() []string     { return []string{KeyCandidates} }
func (s *mergeStep) Produces() []string     { return []string{KeyItems} }
func (s *mergeStep) Capabilities() []string { return nil }

func (s *mergeStep) Run(ctx context.Context, st *State, deps Deps) error {
	existing, err := deps.Store.ListItems(ctx, st.Scope, metastore.ListItemsOptions{ActiveOnly: true})
	if err != nil {
		return err
	}

	st.Assignments = make(map[string][]string)
	st.RevisedItems = make(map[string]string)
	for _, c := range st.Candidates {
		match := closestItem(c.Text, existing)
		if match == nil {
			item, err := memory.NewItem(st.Scope, st.Resource.ID, c.Text, c.Evidence, c.Confidence, c.Stable)
			if err != nil {
				return memerr.E(memerr.KindValidation, "memorize.merge", err)
			}
			st.NewItems = append(st.NewItems, item)
			for _, name := range c.Categories {
				st.Assignments[name] = append(st.Assignments[name], item.ID)
			}
			continue
		}
		if c.Confidence < match.Confidence {
			// Weaker evidence does not displace the established fact.
			continue
		}
		next, err := match.Revise(c.Text, c.Confidence)
		if err != nil {
			return memerr.E(memerr.KindValidation, "memorize.merge", err)
		}
		next.ResourceID = st.Resource.ID
		next.Evidence = c.Evidence
		old := *match
		old.SupersededBy = next.ID
		st.Superseded = append(st.Superseded, &old)
		st.NewItems = append(st.NewItems, next)
		st.RevisedItems[match.ID] = next.ID
		for _, name := range c.Categories {
			st.Assignments[name] = append(st.Assignments[name], next.ID)
		}
	}
	return nil
}

// closestItem returns the active item most similar to text, if any clears
// the same-fact threshold.
func closestItem(text string, items []*memory.Item) *memory.Item {
	var best *memory.Item
	var bestScore float64
	for _, it := range items {
		score := tokenSimilarity(text, it.Text)
		if score >= sameFactThreshold && score > bestScore {
			best = it
			bestScore = score
		}
	}
	return best
}

// tokenSimilarity is Jaccard similarity over lowercased token sets. It
// detects restatements of a fact, which is a stricter question than the
// reranker's relevance scoring.
func tokenSimilarity(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range strings.Fields(strings.ToLower(s)) {
		t = strings.Trim(t, ".,!?;:\"'()")
		if len(t) >= 2 {
			out[t] = true
		}
	}
	return out
}

// categorizeStep resolves suggested category names to categories, creating
// them lazily, and records the membership links.
type categorizeStep struct{}

func (s *categorizeStep) ID() string             { return "categorize" }
func (s *categorizeStep) Role() Role             { return RoleClustering }
func (s *categorizeStep) Requires() []string     { return []string{KeyItems} }
func (s *categorizeStep) Produces() []string     { return []string{KeyCategories} }
func (s *categorizeStep) Capabilities() []string { return nil }

func (s *categorizeStep) Run(ctx context.Context, st *State, deps Deps) error {
	now := time.Now().UTC()
	for name, itemIDs := range st.Assignments {
		name = normalizeCategoryName(name)
		if name == "" {
			continue
		}
		cat, err := deps.Store.GetCategoryByName(ctx, st.Scope, name)
		if notFound(err) {
			cat, err = memory.NewCategory(st.Scope, name, "")
			if err != nil {
				return memerr.E(memerr.KindValidation, "memorize.categorize", err)
			}
			st.UpdatedCategories = append(st.UpdatedCategories, cat)
		} else if err != nil {
			return err
		}
		for _, itemID := range itemIDs {
			st.Links = append(st.Links, memory.CategoryLink{
				Scope:      st.Scope.Clone(),
				CategoryID: cat.ID,
				ItemID:     itemID,
				CreatedAt:  now,
			})
		}
	}
	return nil
}

// normalizeCategoryName lowercases and collapses whitespace so model and
// heuristic suggestions converge on the same taxonomy nodes.
func normalizeCategoryName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// intentionStep rederives the scope's intention from its goal and
// constraint facts, counting the items this run is about to commit. A
// changed derivation bumps the intention version.
type intentionStep struct{}

func (s *intentionStep) ID() string             { return "update_intention" }
func (s *intentionStep) Role() Role             { return RoleClustering }
func (s *intentionStep) Requires() []string     { return []string{KeyItems, KeyCategories} }
func (s *intentionStep) Produces() []string     { return nil }
func (s *intentionStep) Capabilities() []string { return nil }

func (s *intentionStep) Run(ctx context.Context, st *State, deps Deps) error {
	itemText := make(map[string]string, len(st.NewItems))
	for _, it := range st.NewItems {
		itemText[it.ID] = it.Text
	}
	pending := make(map[string][]string)
	for name, ids := range st.Assignments {
		name = normalizeCategoryName(name)
		for _, id := range ids {
			if text, ok := itemText[id]; ok {
				pending[name] = append(pending[name], text)
			}
		}
	}

	goals, err := collectCategoryTexts(ctx, deps, st, "goals", pending["goals"])
	if err != nil {
		return err
	}
	constraints, err := collectCategoryTexts(ctx, deps, st, "constraints", pending["constraints"])
	if err != nil {
		return err
	}
	if goals == "" && constraints == "" {
		return nil
	}

	prev, err := deps.Store.GetIntention(ctx, st.Scope)
	if err != nil && !notFound(err) {
		return err
	}
	if prev != nil && prev.Goals == goals && prev.Constraints == constraints {
		return nil
	}
	version := 1
	if prev != nil {
		version = prev.Version + 1
	}
	st.NewIntention = &memory.Intention{
		Scope:       st.Scope.Clone(),
		Goals:       goals,
		Constraints: constraints,
		Version:     version,
		UpdatedAt:   time.Now().UTC(),
	}
	deps.Logger.Debug("intention rederived",
		zap.String("run_id", st.RunID),
		zap.Int("version", version),
	)
	return nil
}

// commitStep applies every entity write of the run in one atomic batch,
// then refreshes the vector index. Index writes follow the metadata commit;
// they are retried by the runner but never roll the batch back, because the
// metadata store is authoritative.
type commitStep struct{}

func (s *commitStep) ID() string             { return "commit" }
func (s *commitStep) Role() Role             { return RoleRouting }
func (s *commitStep) Requires() []string     { return []string{KeyItems, KeyCategories} }
func (s *commitStep) Produces() []string     { return []string{KeyCommitted} }
func (s *commitStep) Capabilities() []string { return nil }

func (s *commitStep) Run(ctx context.Context, st *State, deps Deps) error {
	batch := &metastore.Batch{
		Resources:  []*memory.Resource{st.Resource},
		Items:      append(append([]*memory.Item{}, st.NewItems...), st.Superseded...),
		Categories: st.UpdatedCategories,
		Links:      st.Links,
		Intention:  st.NewIntention,
	}
	if st.Supersedes != "" {
		old, err := deps.Store.GetResource(ctx, st.Scope, st.Supersedes)
		if err != nil && !notFound(err) {
			return err
		}
		if err == nil {
			old.SupersededBy = st.Resource.ID
			batch.Resources = append(batch.Resources, old)
		}
	}
	if err := deps.Store.Apply(ctx, st.Scope, batch); err != nil {
		return err
	}

	if err := indexItems(ctx, deps, st.NewItems); err != nil {
		return err
	}
	if len(st.Superseded) > 0 {
		ids := make([]string, len(st.Superseded))
		for i, it := range st.Superseded {
			ids[i] = it.ID
		}
		if err := deps.Index.Delete(ctx, vectorindex.KindItem, ids); err != nil {
			return err
		}
	}
	deps.Logger.Info("memorize committed",
		zap.String("run_id", st.RunID),
		zap.String("resource_id", st.Resource.ID),
		zap.Int("new_items", len(st.NewItems)),
		zap.Int("superseded_items", len(st.Superseded)),
	)
	return nil
}

// indexItems embeds and upserts item vectors. Without an embedder the
// deployment runs metadata-only retrieval, so this is a no-op.
func indexItems(ctx context.Context, deps Deps, items []*memory.Item) error {
	if deps.Caps.Embedder == nil || len(items) == 0 {
		return nil
	}
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Text
	}
	vecs, err := deps.Caps.Embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding items: %w", err)
	}
	entries := make([]vectorindex.Entry, len(items))
	for i, it := range items {
		entries[i] = vectorindex.Entry{
			ID:     it.ID,
			Kind:   vectorindex.KindItem,
			Scope:  it.Scope,
			Text:   it.Text,
			Vector: vecs[i],
		}
	}
	return deps.Index.Upsert(ctx, entries)
}
