package pipeline

import (
	"github.com/fyrsmithlabs/memoryd/internal/capability"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/scope"
	"github.com/fyrsmithlabs/memoryd/internal/vectorindex"
)

// MemorizeInput is the validated input of a memorize run.
type MemorizeInput struct {
	Modality memory.Modality `json:"modality"`
	Content  string          `json:"content,omitempty"`
	URI      string          `json:"uri,omitempty"`
}

// RetrieveInput is the validated input of a retrieve run.
type RetrieveInput struct {
	Query    string         `json:"query"`
	Selector scope.Selector `json:"selector"`
	K        int            `json:"k"`
}

// Plan is the policy-approved scope plan of a retrieval.
type Plan struct {
	CrossScope    bool `json:"cross_scope"`
	Combinations  int  `json:"combinations"`
	MaxCandidates int  `json:"max_candidates"`

	// Vectorless is set when no embedder is available and retrieval falls
	// back to lexical scoring over recent items.
	Vectorless bool `json:"vectorless,omitempty"`
}

// Route is one category a retrieval was routed through.
type Route struct {
	CategoryID string    `json:"category_id"`
	Scope      scope.Key `json:"scope"`
	Score      float32   `json:"score"`
}

// Result is one retrieved item with its relevance score.
type Result struct {
	Item       *memory.Item `json:"item"`
	Score      float64      `json:"score"`
	Categories []string     `json:"categories,omitempty"`
}

// Context is the layered output of a retrieve run: intention first, then
// routed category summaries, then ranked items with evidence and the
// source resources they trace back to.
type Context struct {
	Intention  *memory.Intention  `json:"intention,omitempty"`
	Categories []*memory.Category `json:"categories,omitempty"`
	Items      []Result           `json:"items,omitempty"`
	Resources  []*memory.Resource `json:"resources,omitempty"`

	// NextStepQuery is the query to reissue against deeper layers when an
	// upper layer answered and the caller wants more detail.
	NextStepQuery string `json:"next_step_query,omitempty"`

	// Degraded is set when a deeper layer failed and the context was
	// assembled from the layers that survived.
	Degraded bool `json:"degraded,omitempty"`
}

// Snapshot is the scope state an evolve run works over.
type Snapshot struct {
	Items      []*memory.Item     `json:"items"`
	Categories []*memory.Category `json:"categories"`
	Intention  *memory.Intention  `json:"intention,omitempty"`
}

// State is the whole of a run's mutable data. It is JSON-serializable so
// the durable runner can checkpoint it between steps; anything a step needs
// beyond this arrives through Deps.
type State struct {
	RunID     string           `json:"run_id"`
	Operation memory.Operation `json:"operation"`
	Scope     scope.Key        `json:"scope,omitempty"`

	// Done short-circuits the remaining steps (e.g. duplicate ingestion).
	// Reason explains it in the run log.
	Done   bool   `json:"done,omitempty"`
	Reason string `json:"reason,omitempty"`

	// Memorize flow.
	Memorize   *MemorizeInput         `json:"memorize,omitempty"`
	Resource   *memory.Resource       `json:"resource,omitempty"`
	Supersedes string                 `json:"supersedes,omitempty"`
	Candidates []capability.Candidate `json:"candidates,omitempty"`
	NewItems   []*memory.Item         `json:"new_items,omitempty"`
	// Superseded holds prior item versions marked replaced in this run.
	Superseded []*memory.Item `json:"superseded,omitempty"`
	// RevisedItems maps old item ID to its replacement item ID.
	RevisedItems map[string]string `json:"revised_items,omitempty"`
	// Assignments maps category name to member item IDs of this run.
	Assignments map[string][]string `json:"assignments,omitempty"`
	// UpdatedCategories are categories created or rewritten in this run.
	UpdatedCategories []*memory.Category `json:"updated_categories,omitempty"`
	// Links are category memberships to commit with this run.
	Links []memory.CategoryLink `json:"links,omitempty"`
	// NewIntention is the revised intention record, when one was derived.
	NewIntention *memory.Intention `json:"new_intention,omitempty"`

	// Retrieve flow.
	Retrieve    *RetrieveInput    `json:"retrieve,omitempty"`
	Plan        *Plan             `json:"plan,omitempty"`
	QueryVector []float32         `json:"query_vector,omitempty"`
	Routes      []Route           `json:"routes,omitempty"`
	Hits        []vectorindex.Hit `json:"hits,omitempty"`
	Results     *Context          `json:"results,omitempty"`
	Degraded    bool              `json:"degraded,omitempty"`

	// Evolve flow.
	Snapshot *Snapshot          `json:"snapshot,omitempty"`
	Diff     *memory.EvolveDiff `json:"diff,omitempty"`
}

// NewMemorizeState builds the initial state of a memorize run.
func NewMemorizeState(runID string, sk scope.Key, in MemorizeInput) *State {
	return &State{
		RunID:     runID,
		Operation: memory.OpMemorize,
		Scope:     sk.Clone(),
		Memorize:  &in,
	}
}

// NewRetrieveState builds the initial state of a retrieve run.
func NewRetrieveState(runID string, in RetrieveInput) *State {
	return &State{
		RunID:     runID,
		Operation: memory.OpRetrieve,
		Retrieve:  &in,
	}
}

// NewEvolveState builds the initial state of an evolve run.
func NewEvolveState(runID string, sk scope.Key) *State {
	return &State{
		RunID:     runID,
		Operation: memory.OpEvolve,
		Scope:     sk.Clone(),
	}
}
