package pipeline

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/metastore"
	"github.com/fyrsmithlabs/memoryd/internal/vectorindex"
)

const (
	// categoryRouteK is how many categories the routing layer considers.
	categoryRouteK = 4

	// intentionSufficiency is the query-token coverage above which the
	// intention layer alone answers the query and the run stops descending.
	intentionSufficiency = 0.8
)

// DefaultRetrieve builds the stock retrieve pipeline. Retrieval descends
// the layers top-down, stopping at the first sufficient one, and degrades
// gracefully: a failed routing or search layer marks the run degraded and
// the assemble step returns whatever layers survived.
func DefaultRetrieve() (*Revision, error) {
	return NewRevision(memory.OpRetrieve, []Step{
		&planStep{},
		&intentionRouteStep{},
		&embedQueryStep{},
		&routeStep{},
		&searchStep{},
		&rerankStep{},
		&assembleStep{},
	})
}

// planStep validates the selector against the schema and the cross-scope
// policy. Nothing touches storage before this step passes.
type planStep struct{}

func (s *planStep) ID() string             { return "plan" }
func (s *planStep) Role() Role             { return RoleRouting }
func (s *planStep) Requires() []string     { return []string{KeyInput} }
func (s *planStep) Produces() []string     { return []string{KeyPlan} }
func (s *planStep) Capabilities() []string { return nil }

func (s *planStep) Run(ctx context.Context, st *State, deps Deps) error {
	in := st.Retrieve
	if err := deps.Scopes.CheckSelector(in.Selector); err != nil {
		return err
	}
	decision, err := deps.Policy.Evaluate(deps.Scopes.Schema(), in.Selector)
	if err != nil {
		return err
	}
	st.Plan = &Plan{
		CrossScope:    decision.CrossScope,
		Combinations:  decision.Combinations,
		MaxCandidates: decision.MaxCandidates,
		Vectorless:    deps.Caps.Embedder == nil,
	}
	if k, ok := in.Selector.ExactKey(); ok {
		st.Scope = k
	}
	return nil
}

// intentionRouteStep consults the intention layer before any deeper
// search. When the scope's goals and constraints already cover the query,
// the run answers from the intention alone and skips the category and
// item layers; the suggested next-step query lets the caller descend
// explicitly if the answer was too shallow.
type intentionRouteStep struct{}

func (s *intentionRouteStep) ID() string             { return "route_intention" }
func (s *intentionRouteStep) Role() Role             { return RoleRouting }
func (s *intentionRouteStep) Requires() []string     { return []string{KeyPlan} }
func (s *intentionRouteStep) Produces() []string     { return nil }
func (s *intentionRouteStep) Capabilities() []string { return nil }

func (s *intentionRouteStep) Run(ctx context.Context, st *State, deps Deps) error {
	// Intention is a single-scope record; cross-scope retrievals descend.
	if st.Scope == nil {
		return nil
	}
	intention, err := deps.Store.GetIntention(ctx, st.Scope)
	if err != nil {
		if notFound(err) {
			return nil
		}
		return err
	}
	coverage := queryCoverage(st.Retrieve.Query, intention.Goals+" "+intention.Constraints)
	if coverage < intentionSufficiency {
		return nil
	}
	st.Results = &Context{
		Intention:     intention,
		NextStepQuery: st.Retrieve.Query,
	}
	st.Done = true
	st.Reason = "intention layer covers the query"
	deps.Logger.Debug("answered from intention layer",
		zap.String("run_id", st.RunID),
		zap.Float64("coverage", coverage),
	)
	return nil
}

// queryCoverage is the fraction of query tokens present in text.
func queryCoverage(query, text string) float64 {
	qt, tt := tokens(query), tokens(text)
	if len(qt) == 0 {
		return 0
	}
	covered := 0
	for t := range qt {
		if tt[t] {
			covered++
		}
	}
	return float64(covered) / float64(len(qt))
}

// embedQueryStep embeds the query text. In vectorless deployments this is
// a no-op and retrieval falls back to lexical scoring.
type embedQueryStep struct{}

func (s *embedQueryStep) ID() string             { return "embed_query" }
func (s *embedQueryStep) Role() Role             { return RoleRouting }
func (s *embedQueryStep) Requires() []string     { return []string{KeyPlan} }
func (s *embedQueryStep) Produces() []string     { return []string{KeyQueryVector} }
func (s *embedQueryStep) Capabilities() []string { return nil }

func (s *embedQueryStep) Run(ctx context.Context, st *State, deps Deps) error {
	if st.Plan.Vectorless {
		return nil
	}
	vec, err := deps.Caps.Embedder.EmbedQuery(ctx, st.Retrieve.Query)
	if err != nil {
		return fmt.Errorf("embedding query: %w", err)
	}
	st.QueryVector = vec
	return nil
}

// routeStep searches category summaries to find the taxonomy neighborhoods
// the query falls into. Routing is an optimization: its failure degrades
// the run instead of aborting it.
type routeStep struct{}

func (s *routeStep) ID() string             { return "route_categories" }
func (s *routeStep) Role() Role             { return RoleRouting }
func (s *routeStep) Requires() []string     { return []string{KeyQueryVector} }
func (s *routeStep) Produces() []string     { return []string{KeyRoutes} }
func (s *routeStep) Capabilities() []string { return nil }

func (s *routeStep) Run(ctx context.Context, st *State, deps Deps) error {
	if st.Plan.Vectorless {
		return nil
	}
	hits, err := deps.Index.Search(ctx, vectorindex.Query{
		Selector: st.Retrieve.Selector,
		Kind:     vectorindex.KindCategory,
		Vector:   st.QueryVector,
		K:        categoryRouteK,
	})
	if err != nil {
		st.Degraded = true
		deps.Logger.Warn("category routing failed, degrading",
			zap.String("run_id", st.RunID),
			zap.Error(err),
		)
		return nil
	}
	for _, h := range hits {
		st.Routes = append(st.Routes, Route{CategoryID: h.ID, Scope: h.Scope, Score: h.Score})
	}
	return nil
}

// searchStep collects item candidates: vector search when embeddings are
// available, otherwise recent active items from the selected scopes scored
// lexically downstream.
type searchStep struct{}

func (s *searchStep) ID() string             { return "search_items" }
func (s *searchStep) Role() Role             { return RoleRouting }
func (s *searchStep) Requires() []string     { return []string{KeyPlan, KeyQueryVector} }
func (s *searchStep) Produces() []string     { return []string{KeyHits} }
func (s *searchStep) Capabilities() []string { return nil }

func (s *searchStep) Run(ctx context.Context, st *State, deps Deps) error {
	if !st.Plan.Vectorless {
		hits, err := deps.Index.Search(ctx, vectorindex.Query{
			Selector: st.Retrieve.Selector,
			Kind:     vectorindex.KindItem,
			Vector:   st.QueryVector,
			K:        st.Plan.MaxCandidates,
		})
		if err != nil {
			st.Degraded = true
			deps.Logger.Warn("item search failed, degrading",
				zap.String("run_id", st.RunID),
				zap.Error(err),
			)
			return nil
		}
		st.Hits = hits
		return nil
	}

	// Vectorless fallback: enumerate the selected scopes and pull recent
	// active items. Wildcard selectors cannot be enumerated without an
	// index, so they degrade to empty.
	keys, finite := st.Retrieve.Selector.Expand(deps.Scopes.Schema())
	if !finite {
		st.Degraded = true
		return nil
	}
	perScope := st.Plan.MaxCandidates / len(keys)
	if perScope < 1 {
		perScope = 1
	}
	for _, key := range keys {
		items, err := deps.Store.ListItems(ctx, key, metastore.ListItemsOptions{
			ActiveOnly: true,
			Limit:      perScope,
		})
		if err != nil {
			st.Degraded = true
			continue
		}
		for _, it := range items {
			st.Hits = append(st.Hits, vectorindex.Hit{
				ID:    it.ID,
				Kind:  vectorindex.KindItem,
				Scope: it.Scope,
				Text:  it.Text,
			})
		}
	}
	return nil
}

// rerankStep rescores hits against the query text and reorders them. The
// final score blends the index similarity with the reranker's judgment.
type rerankStep struct{}

func (s *rerankStep) ID() string             { return "rerank" }
func (s *rerankStep) Role() Role             { return RoleVerification }
func (s *rerankStep) Requires() []string     { return []string{KeyHits} }
func (s *rerankStep) Produces() []string     { return nil }
func (s *rerankStep) Capabilities() []string { return nil }

func (s *rerankStep) Run(ctx context.Context, st *State, deps Deps) error {
	if len(st.Hits) == 0 {
		return nil
	}
	texts := make([]string, len(st.Hits))
	for i, h := range st.Hits {
		texts[i] = h.Text
	}
	scores, err := deps.Caps.Reranker.Rerank(ctx, st.Retrieve.Query, texts)
	if err != nil {
		return fmt.Errorf("reranking: %w", err)
	}
	const indexWeight, rerankWeight = 0.5, 0.5
	for i := range st.Hits {
		st.Hits[i].Score = float32(indexWeight)*st.Hits[i].Score + float32(rerankWeight*scores[i])
	}
	sort.SliceStable(st.Hits, func(i, j int) bool { return st.Hits[i].Score > st.Hits[j].Score })
	return nil
}

// assembleStep builds the layered context: intention, routed category
// summaries, the top-K items with evidence, and the source resources the
// items trace back to. Entities that vanished between search and load are
// skipped, not fatal.
type assembleStep struct{}

func (s *assembleStep) ID() string             { return "assemble" }
func (s *assembleStep) Role() Role             { return RoleRouting }
func (s *assembleStep) Requires() []string     { return []string{KeyHits, KeyRoutes} }
func (s *assembleStep) Produces() []string     { return []string{KeyResults} }
func (s *assembleStep) Capabilities() []string { return nil }

func (s *assembleStep) Run(ctx context.Context, st *State, deps Deps) error {
	out := &Context{Degraded: st.Degraded}

	// Intention is a single-scope record; cross-scope retrievals skip it.
	if st.Scope != nil {
		intention, err := deps.Store.GetIntention(ctx, st.Scope)
		if err == nil {
			out.Intention = intention
		} else if !notFound(err) {
			return err
		}
	}

	for _, route := range st.Routes {
		cat, err := deps.Store.GetCategory(ctx, route.Scope, route.CategoryID)
		if err != nil {
			if notFound(err) {
				continue
			}
			return err
		}
		out.Categories = append(out.Categories, cat)
	}

	routedNames := make(map[string][]string)
	for _, cat := range out.Categories {
		for _, anchor := range cat.AnchorItemIDs {
			routedNames[anchor] = append(routedNames[anchor], cat.Name)
		}
	}

	k := st.Retrieve.K
	for _, h := range st.Hits {
		if len(out.Items) >= k {
			break
		}
		item, err := deps.Store.GetItem(ctx, h.Scope, h.ID)
		if err != nil {
			if notFound(err) {
				continue
			}
			return err
		}
		if !item.Active() {
			continue
		}
		out.Items = append(out.Items, Result{
			Item:       item,
			Score:      float64(h.Score),
			Categories: routedNames[item.ID],
		})
	}

	// Provenance: the distinct source resources behind the returned items.
	seen := make(map[string]bool)
	for _, r := range out.Items {
		if r.Item.ResourceID == "" || seen[r.Item.ResourceID] {
			continue
		}
		seen[r.Item.ResourceID] = true
		res, err := deps.Store.GetResource(ctx, r.Item.Scope, r.Item.ResourceID)
		if err != nil {
			if notFound(err) {
				continue
			}
			return err
		}
		out.Resources = append(out.Resources, res)
	}

	st.Results = out
	deps.Logger.Debug("retrieval assembled",
		zap.String("run_id", st.RunID),
		zap.Int("items", len(out.Items)),
		zap.Int("categories", len(out.Categories)),
		zap.Int("resources", len(out.Resources)),
		zap.Bool("degraded", out.Degraded),
	)
	return nil
}
