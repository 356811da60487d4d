// Package metastore defines the transactional metadata store interface and
// its backends.
//
// The store persists resources, items, categories, category links,
// intentions, run logs, and the single deployment metadata record. Every
// entity row carries the full tenant scope key, every read is scope-filtered,
// and all entity writes of a pipeline run commit atomically through Apply.
//
// Three backends satisfy identical semantics: a volatile in-memory store, an
// embedded SQLite store, and a PostgreSQL store. Relational backends add
// composite indexes with the scope fields as the leading prefix.
package metastore

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/memoryd/internal/memerr"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/scope"
)

// ListResourcesOptions filters ListResources.
type ListResourcesOptions struct {
	Modality          memory.Modality
	IncludeSuperseded bool
	Limit             int
}

// ListItemsOptions filters ListItems.
type ListItemsOptions struct {
	// ResourceID restricts items to one owning resource.
	ResourceID string

	// ActiveOnly excludes superseded versions.
	ActiveOnly bool

	Limit int
}

// ListCategoriesOptions filters ListCategories.
type ListCategoriesOptions struct {
	Limit int
}

// Batch is the atomic write set of one memorize or evolve run.
// All entries are upserts keyed by entity ID; links are idempotent inserts.
// Apply commits the whole batch or none of it.
type Batch struct {
	Resources  []*memory.Resource
	Items      []*memory.Item
	Categories []*memory.Category
	Links      []memory.CategoryLink
	Unlinks    []memory.CategoryLink
	Intention  *memory.Intention
}

// Empty reports whether the batch carries no writes.
func (b *Batch) Empty() bool {
	return b == nil ||
		len(b.Resources) == 0 && len(b.Items) == 0 && len(b.Categories) == 0 &&
			len(b.Links) == 0 && len(b.Unlinks) == 0 && b.Intention == nil
}

// Validate checks the scope invariant: every entity in the batch carries
// exactly the key the batch is committed under.
func (b *Batch) Validate(sk scope.Key) error {
	const op = "metastore.Batch"
	for _, r := range b.Resources {
		if !r.Scope.Equal(sk) {
			return memerr.E(memerr.KindValidation, op, fmt.Sprintf("resource %s scope does not match batch scope", r.ID))
		}
	}
	for _, it := range b.Items {
		if !it.Scope.Equal(sk) {
			return memerr.E(memerr.KindValidation, op, fmt.Sprintf("item %s scope does not match batch scope", it.ID))
		}
	}
	for _, c := range b.Categories {
		if !c.Scope.Equal(sk) {
			return memerr.E(memerr.KindValidation, op, fmt.Sprintf("category %s scope does not match batch scope", c.ID))
		}
	}
	for _, l := range append(append([]memory.CategoryLink{}, b.Links...), b.Unlinks...) {
		if !l.Scope.Equal(sk) {
			return memerr.E(memerr.KindValidation, op, "link scope does not match batch scope")
		}
	}
	if b.Intention != nil && !b.Intention.Scope.Equal(sk) {
		return memerr.E(memerr.KindValidation, op, "intention scope does not match batch scope")
	}
	return nil
}

// Store is the metadata store contract. All entity reads take a validated
// scope key and return only rows from that scope; run logs and deployment
// metadata are deployment-wide.
type Store interface {
	scope.DeploymentStore

	// GetResource returns the resource, or a not-found error.
	GetResource(ctx context.Context, sk scope.Key, id string) (*memory.Resource, error)

	// FindResourceByHash returns the non-superseded resource with the given
	// content hash, or a not-found error. Used for re-ingestion detection.
	FindResourceByHash(ctx context.Context, sk scope.Key, hash string) (*memory.Resource, error)

	// ListResources lists resources in the scope, newest first.
	ListResources(ctx context.Context, sk scope.Key, opts ListResourcesOptions) ([]*memory.Resource, error)

	// GetItem returns the item, or a not-found error.
	GetItem(ctx context.Context, sk scope.Key, id string) (*memory.Item, error)

	// ListItems lists items in the scope, newest first.
	ListItems(ctx context.Context, sk scope.Key, opts ListItemsOptions) ([]*memory.Item, error)

	// GetCategory returns the category by ID, or a not-found error.
	GetCategory(ctx context.Context, sk scope.Key, id string) (*memory.Category, error)

	// GetCategoryByName returns the category by its per-scope unique name.
	GetCategoryByName(ctx context.Context, sk scope.Key, name string) (*memory.Category, error)

	// ListCategories lists categories in the scope by name.
	ListCategories(ctx context.Context, sk scope.Key, opts ListCategoriesOptions) ([]*memory.Category, error)

	// ListItemsInCategory returns the active items linked to a category.
	ListItemsInCategory(ctx context.Context, sk scope.Key, categoryID string) ([]*memory.Item, error)

	// ListCategoriesForItem returns the categories an item is linked into.
	ListCategoriesForItem(ctx context.Context, sk scope.Key, itemID string) ([]*memory.Category, error)

	// GetIntention returns the scope's intention record, or a not-found error
	// if the scope has never recorded one.
	GetIntention(ctx context.Context, sk scope.Key) (*memory.Intention, error)

	// Apply atomically commits a batch of writes for one scope.
	// Either every write in the batch becomes visible or none does.
	Apply(ctx context.Context, sk scope.Key, b *Batch) error

	// PutRunLog upserts a run log. Run logs are written outside batches so
	// they are retained for failed runs too.
	PutRunLog(ctx context.Context, rl *memory.RunLog) error

	// GetRunLog returns a run log by run ID, or a not-found error.
	GetRunLog(ctx context.Context, runID string) (*memory.RunLog, error)

	// DeleteScope removes every entity in the scope. This is the only
	// hard-delete path (explicit tenant purge).
	DeleteScope(ctx context.Context, sk scope.Key) error

	// Close releases backend resources.
	Close() error
}

// NotFound builds the canonical not-found error for an entity.
func NotFound(op, entity, id string) error {
	return memerr.E(memerr.KindNotFound, op, fmt.Sprintf("%s %s not found", entity, id))
}
