package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/capability"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/metastore"
	"github.com/fyrsmithlabs/memoryd/internal/vectorindex"
)

const (
	// duplicateThreshold is the similarity above which two active items are
	// consolidated into one.
	duplicateThreshold = 0.9

	// maxAnchors is how many representative items a category keeps.
	maxAnchors = 3

	// maxSummaryInputs caps how many member items feed a summary.
	maxSummaryInputs = 12
)

// DefaultEvolve builds the stock evolve pipeline: consolidate duplicate
// items, refresh category summaries and anchors, rederive the intention,
// and commit the whole change set atomically with an audit diff.
func DefaultEvolve() (*Revision, error) {
	return NewRevision(memory.OpEvolve, []Step{
		&loadSnapshotStep{},
		&consolidateStep{},
		&refreshSummariesStep{},
		&updateIntentionStep{},
		&commitEvolveStep{},
	})
}

// loadSnapshotStep loads the scope's active items, categories, and
// intention into the state.
type loadSnapshotStep struct{}

func (s *loadSnapshotStep) ID() string             { return "load_snapshot" }
func (s *loadSnapshotStep) Role() Role             { return RoleRouting }
func (s *loadSnapshotStep) Requires() []string     { return []string{KeyInput} }
func (s *loadSnapshotStep) Produces() []string     { return []string{KeySnapshot} }
func (s *loadSnapshotStep) Capabilities() []string { return nil }

func (s *loadSnapshotStep) Run(ctx context.Context, st *State, deps Deps) error {
	items, err := deps.Store.ListItems(ctx, st.Scope, metastore.ListItemsOptions{ActiveOnly: true})
	if err != nil {
		return err
	}
	categories, err := deps.Store.ListCategories(ctx, st.Scope, metastore.ListCategoriesOptions{})
	if err != nil {
		return err
	}
	snap := &Snapshot{Items: items, Categories: categories}
	intention, err := deps.Store.GetIntention(ctx, st.Scope)
	if err == nil {
		snap.Intention = intention
	} else if !notFound(err) {
		return err
	}
	st.Snapshot = snap
	st.Diff = &memory.EvolveDiff{}
	return nil
}

// consolidateStep folds near-duplicate active items together: the stronger
// item absorbs the weaker one, which is marked superseded. Nothing is
// deleted; every prior version stays reachable for audit.
type consolidateStep struct{}

func (s *consolidateStep) ID() string             { return "consolidate" }
func (s *consolidateStep) Role() Role             { return RoleClustering }
func (s *consolidateStep) Requires() []string     { return []string{KeySnapshot} }
func (s *consolidateStep) Produces() []string     { return []string{KeyItems} }
func (s *consolidateStep) Capabilities() []string { return nil }

func (s *consolidateStep) Run(ctx context.Context, st *State, deps Deps) error {
	items := st.Snapshot.Items
	// Higher confidence first, so the absorbing item is always the stronger.
	sorted := append([]*memory.Item(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

	absorbed := make(map[string]bool)
	st.RevisedItems = make(map[string]string)
	for i, keeper := range sorted {
		if absorbed[keeper.ID] {
			continue
		}
		for _, other := range sorted[i+1:] {
			if absorbed[other.ID] {
				continue
			}
			if tokenSimilarity(keeper.Text, other.Text) < duplicateThreshold {
				continue
			}
			old := *other
			old.SupersededBy = keeper.ID
			old.UpdatedAt = time.Now().UTC()
			st.Superseded = append(st.Superseded, &old)
			absorbed[other.ID] = true
			st.Diff.ArchivedItems = append(st.Diff.ArchivedItems, other.ID)
		}
	}
	if len(absorbed) > 0 {
		deps.Logger.Info("consolidated duplicate items",
			zap.String("run_id", st.RunID),
			zap.Int("absorbed", len(absorbed)),
		)
	}
	return nil
}

// refreshSummariesStep recomputes each category's rolling summary and
// anchor set from its current members. With a summarizer configured the
// summary is model-written; otherwise it is a deterministic digest of the
// top members.
type refreshSummariesStep struct{}

func (s *refreshSummariesStep) ID() string             { return "refresh_summaries" }
func (s *refreshSummariesStep) Role() Role             { return RoleClustering }
func (s *refreshSummariesStep) Requires() []string     { return []string{KeySnapshot, KeyItems} }
func (s *refreshSummariesStep) Produces() []string     { return []string{KeyCategories} }
func (s *refreshSummariesStep) Capabilities() []string { return nil }

func (s *refreshSummariesStep) Run(ctx context.Context, st *State, deps Deps) error {
	superseded := make(map[string]bool, len(st.Superseded))
	for _, it := range st.Superseded {
		superseded[it.ID] = true
	}

	for _, cat := range st.Snapshot.Categories {
		members, err := deps.Store.ListItemsInCategory(ctx, st.Scope, cat.ID)
		if err != nil {
			return err
		}
		active := members[:0]
		for _, it := range members {
			if !superseded[it.ID] {
				active = append(active, it)
			}
		}
		sort.SliceStable(active, func(i, j int) bool { return active[i].Confidence > active[j].Confidence })

		anchors := make([]string, 0, maxAnchors)
		for _, it := range active {
			if len(anchors) == maxAnchors {
				break
			}
			anchors = append(anchors, it.ID)
		}

		summary, err := summarizeCategory(ctx, deps, cat, active)
		if err != nil {
			return err
		}

		if summary == cat.Summary && equalStrings(anchors, cat.AnchorItemIDs) {
			continue
		}
		updated := *cat
		updated.Summary = summary
		updated.AnchorItemIDs = anchors
		updated.UpdatedAt = time.Now().UTC()
		st.UpdatedCategories = append(st.UpdatedCategories, &updated)
		st.Diff.UpdatedCategories = append(st.Diff.UpdatedCategories, cat.ID)
	}
	return nil
}

func summarizeCategory(ctx context.Context, deps Deps, cat *memory.Category, members []*memory.Item) (string, error) {
	if len(members) == 0 {
		return "", nil
	}
	limit := len(members)
	if limit > maxSummaryInputs {
		limit = maxSummaryInputs
	}
	texts := make([]string, limit)
	for i := 0; i < limit; i++ {
		texts[i] = members[i].Text
	}
	if deps.Caps.Summarizer != nil {
		summary, err := deps.Caps.Summarizer.Summarize(ctx, capability.SummarizeRequest{
			Instruction: fmt.Sprintf("Summarize what is known under %q.", cat.Name),
			Texts:       texts,
			Existing:    cat.Summary,
		})
		if err != nil {
			return "", fmt.Errorf("summarizing category %s: %w", cat.Name, err)
		}
		return summary, nil
	}
	// Deterministic fallback: the strongest facts, joined.
	if len(texts) > maxAnchors {
		texts = texts[:maxAnchors]
	}
	return strings.Join(texts, " "), nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// updateIntentionStep rederives the scope's intention from its goal and
// constraint items. A changed derivation bumps the intention version.
type updateIntentionStep struct{}

func (s *updateIntentionStep) ID() string             { return "update_intention" }
func (s *updateIntentionStep) Role() Role             { return RoleClustering }
func (s *updateIntentionStep) Requires() []string     { return []string{KeySnapshot} }
func (s *updateIntentionStep) Produces() []string     { return nil }
func (s *updateIntentionStep) Capabilities() []string { return nil }

func (s *updateIntentionStep) Run(ctx context.Context, st *State, deps Deps) error {
	goals, err := collectCategoryTexts(ctx, deps, st, "goals", nil)
	if err != nil {
		return err
	}
	constraints, err := collectCategoryTexts(ctx, deps, st, "constraints", nil)
	if err != nil {
		return err
	}
	if goals == "" && constraints == "" {
		return nil
	}

	prev := st.Snapshot.Intention
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
	st.Diff.IntentionChanged = true
	return nil
}

// collectCategoryTexts digests the named category into intention text:
// the newest member texts, pending ones from the current run first.
func collectCategoryTexts(ctx context.Context, deps Deps, st *State, name string, pending []string) (string, error) {
	texts := append([]string(nil), pending...)

	cat, err := deps.Store.GetCategoryByName(ctx, st.Scope, name)
	if err != nil && !notFound(err) {
		return "", err
	}
	if err == nil {
		members, err := deps.Store.ListItemsInCategory(ctx, st.Scope, cat.ID)
		if err != nil {
			return "", err
		}
		sort.SliceStable(members, func(i, j int) bool { return members[i].UpdatedAt.After(members[j].UpdatedAt) })
		for _, m := range members {
			texts = append(texts, m.Text)
		}
	}
	if len(texts) > maxAnchors {
		texts = texts[:maxAnchors]
	}
	return strings.Join(texts, " "), nil
}

// commitEvolveStep applies the evolve change set in one batch and syncs the
// vector index: absorbed item vectors are removed, rewritten category
// summaries re-embedded.
type commitEvolveStep struct{}

func (s *commitEvolveStep) ID() string             { return "commit_evolve" }
func (s *commitEvolveStep) Role() Role             { return RoleRouting }
func (s *commitEvolveStep) Requires() []string     { return []string{KeyItems, KeyCategories} }
func (s *commitEvolveStep) Produces() []string     { return []string{KeyCommitted, KeyDiff} }
func (s *commitEvolveStep) Capabilities() []string { return nil }

func (s *commitEvolveStep) Run(ctx context.Context, st *State, deps Deps) error {
	batch := &metastore.Batch{
		Items:      st.Superseded,
		Categories: st.UpdatedCategories,
		Intention:  st.NewIntention,
	}
	if batch.Empty() {
		deps.Logger.Debug("evolve found nothing to change", zap.String("run_id", st.RunID))
		return nil
	}
	if err := deps.Store.Apply(ctx, st.Scope, batch); err != nil {
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
	if err := indexCategories(ctx, deps, st.UpdatedCategories); err != nil {
		return err
	}
	deps.Logger.Info("evolve committed",
		zap.String("run_id", st.RunID),
		zap.Int("archived_items", len(st.Diff.ArchivedItems)),
		zap.Int("updated_categories", len(st.Diff.UpdatedCategories)),
		zap.Bool("intention_changed", st.Diff.IntentionChanged),
	)
	return nil
}

// indexCategories embeds and upserts category summary vectors.
func indexCategories(ctx context.Context, deps Deps, categories []*memory.Category) error {
	if deps.Caps.Embedder == nil || len(categories) == 0 {
		return nil
	}
	var entries []vectorindex.Entry
	var texts []string
	for _, cat := range categories {
		if cat.Summary == "" {
			continue
		}
		texts = append(texts, cat.Name+": "+cat.Summary)
		entries = append(entries, vectorindex.Entry{
			ID:    cat.ID,
			Kind:  vectorindex.KindCategory,
			Scope: cat.Scope,
		})
	}
	if len(entries) == 0 {
		return nil
	}
	vecs, err := deps.Caps.Embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding category summaries: %w", err)
	}
	for i := range entries {
		entries[i].Text = texts[i]
		entries[i].Vector = vecs[i]
	}
	return deps.Index.Upsert(ctx, entries)
}
