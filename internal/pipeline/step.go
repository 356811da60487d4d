// Package pipeline defines the inspectable step pipelines behind the three
// memory operations and the revision registry that versions them.
//
// A pipeline is an ordered list of steps. Each step declares the state keys
// it requires and produces and the capabilities it calls, so a revision can
// be validated statically when it is installed: dependency order and
// capability availability are checked before any run starts, never during
// one. Installed revisions are immutable; edits produce a new revision and
// old revisions stay resolvable for runs already in flight.
package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/capability"
	"github.com/fyrsmithlabs/memoryd/internal/metastore"
	"github.com/fyrsmithlabs/memoryd/internal/policy"
	"github.com/fyrsmithlabs/memoryd/internal/scope"
	"github.com/fyrsmithlabs/memoryd/internal/vectorindex"
)

// State keys steps declare in Requires/Produces. Initial keys are present
// before the first step runs; the rest are produced along the way.
const (
	// KeyInput marks the operation's validated input (always initial).
	KeyInput = "input"

	// KeyResource is the resolved resource under ingestion.
	KeyResource = "resource"

	// KeyArtifacts marks preprocessing output attached to the resource.
	KeyArtifacts = "artifacts"

	// KeyCandidates are extracted fact candidates.
	KeyCandidates = "candidates"

	// KeyItems are the new or revised memory items of this run.
	KeyItems = "items"

	// KeyCategories are the category assignments of this run.
	KeyCategories = "categories"

	// KeyCommitted marks that entity writes have been applied.
	KeyCommitted = "committed"

	// KeyPlan is the policy-approved scope plan of a retrieval.
	KeyPlan = "plan"

	// KeyQueryVector is the embedded query.
	KeyQueryVector = "query_vector"

	// KeyRoutes are the routed categories of a retrieval.
	KeyRoutes = "routes"

	// KeyHits are raw item-level search hits.
	KeyHits = "hits"

	// KeyResults is the assembled retrieval context.
	KeyResults = "results"

	// KeySnapshot is the loaded scope state of an evolve run.
	KeySnapshot = "snapshot"

	// KeyDiff is the accumulated evolve diff.
	KeyDiff = "diff"
)

// Role classifies what a step does to the memory graph. Validation uses
// the role to infer the default capability a step of that kind calls when
// it declares none explicitly.
type Role string

const (
	// RoleExtraction turns raw content into fact candidates.
	RoleExtraction Role = "extraction"

	// RoleClustering organizes items into categories and summaries.
	RoleClustering Role = "clustering"

	// RoleVerification judges or rescores what other steps produced.
	RoleVerification Role = "verification"

	// RoleRouting moves a run through scopes, layers, and storage without
	// creating new knowledge.
	RoleRouting Role = "routing"
)

// KnownRole reports whether r is one of the declared roles.
func KnownRole(r Role) bool {
	switch r {
	case RoleExtraction, RoleClustering, RoleVerification, RoleRouting:
		return true
	}
	return false
}

// DefaultCapabilities returns the capability a step of this role calls
// when it declares none of its own.
func (r Role) DefaultCapabilities() []string {
	switch r {
	case RoleExtraction:
		return []string{capability.CapExtractor}
	case RoleVerification:
		return []string{capability.CapReranker}
	}
	return nil
}

// Deps is the environment steps run against. It is injected per execution
// and never serialized.
type Deps struct {
	Store  metastore.Store
	Index  vectorindex.Index
	Caps   *capability.Set
	Policy *policy.Engine
	Scopes *scope.Manager
	Logger *zap.Logger
}

// Step is one unit of pipeline work. Implementations must be stateless:
// everything a step reads or writes lives in the State, so a run can be
// checkpointed between steps and resumed on another worker.
type Step interface {
	// ID names the step uniquely within its pipeline.
	ID() string

	// Role classifies the step: extraction, clustering, verification, or
	// routing. The role drives default capability checks at validation.
	Role() Role

	// Requires lists the state keys that must be produced before this step.
	Requires() []string

	// Produces lists the state keys this step makes available.
	Produces() []string

	// Capabilities lists extra capability names this step calls beyond its
	// role's default. Empty for steps that only touch the store and index.
	Capabilities() []string

	// Run executes the step, mutating the state. Returning an error aborts
	// or degrades the run according to the operation's failure mode.
	Run(ctx context.Context, st *State, deps Deps) error
}
