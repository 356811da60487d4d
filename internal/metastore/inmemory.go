package metastore

import (
	"context"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/scope"
)

// InMemory is the volatile metadata store backend.
//
// Data is partitioned by canonical scope key in plain maps guarded by one
// RWMutex; Apply commits under the write lock, which makes batches atomic by
// construction. Intended for tests and single-process deployments that do
// not need durability.
type InMemory struct {
	mu         sync.RWMutex
	deployment *scope.Deployment
	parts      map[string]*partition
	runs       map[string]*memory.RunLog
}

type partition struct {
	resources  map[string]*memory.Resource
	items      map[string]*memory.Item
	categories map[string]*memory.Category
	byName     map[string]string
	links      map[string]map[string]bool
	intention  *memory.Intention
}

func newPartition() *partition {
	return &partition{
		resources:  make(map[string]*memory.Resource),
		items:      make(map[string]*memory.Item),
		categories: make(map[string]*memory.Category),
		byName:     make(map[string]string),
		links:      make(map[string]map[string]bool),
	}
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		parts: make(map[string]*partition),
		runs:  make(map[string]*memory.RunLog),
	}
}

var _ Store = (*InMemory)(nil)

// partKey derives the partition key. The sorted field-order string form is
// deterministic for validated keys regardless of schema order.
func partKey(sk scope.Key) string { return sk.String() }

func (s *InMemory) part(sk scope.Key) *partition {
	p, ok := s.parts[partKey(sk)]
	if !ok {
		p = newPartition()
		s.parts[partKey(sk)] = p
	}
	return p
}

// readPart returns the partition for reads, or nil if the scope has no data.
func (s *InMemory) readPart(sk scope.Key) *partition {
	return s.parts[partKey(sk)]
}

// LoadDeployment implements scope.DeploymentStore.
func (s *InMemory) LoadDeployment(ctx context.Context) (*scope.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.deployment == nil {
		return nil, nil
	}
	cp := *s.deployment
	return &cp, nil
}

// SaveDeployment implements scope.DeploymentStore.
func (s *InMemory) SaveDeployment(ctx context.Context, d *scope.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.deployment = &cp
	return nil
}

// Provision is a no-op: maps need no partitioning DDL.
func (s *InMemory) Provision(ctx context.Context, schema *scope.Schema) error {
	return nil
}

// GetResource implements Store.
func (s *InMemory) GetResource(ctx context.Context, sk scope.Key, id string) (*memory.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p := s.readPart(sk); p != nil {
		if r, ok := p.resources[id]; ok {
			return cloneResource(r), nil
		}
	}
	return nil, NotFound("inmemory.GetResource", "resource", id)
}

// FindResourceByHash implements Store.
func (s *InMemory) FindResourceByHash(ctx context.Context, sk scope.Key, hash string) (*memory.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p := s.readPart(sk); p != nil {
		for _, r := range p.resources {
			if r.ContentHash == hash && r.SupersededBy == "" {
				return cloneResource(r), nil
			}
		}
	}
	return nil, NotFound("inmemory.FindResourceByHash", "resource with hash", hash)
}

// ListResources implements Store.
func (s *InMemory) ListResources(ctx context.Context, sk scope.Key, opts ListResourcesOptions) ([]*memory.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*memory.Resource
	if p := s.readPart(sk); p != nil {
		for _, r := range p.resources {
			if opts.Modality != "" && r.Modality != opts.Modality {
				continue
			}
			if !opts.IncludeSuperseded && r.SupersededBy != "" {
				continue
			}
			out = append(out, cloneResource(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IngestedAt.After(out[j].IngestedAt) })
	return truncate(out, opts.Limit), nil
}

// GetItem implements Store.
func (s *InMemory) GetItem(ctx context.Context, sk scope.Key, id string) (*memory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p := s.readPart(sk); p != nil {
		if it, ok := p.items[id]; ok {
			return cloneItem(it), nil
		}
	}
	return nil, NotFound("inmemory.GetItem", "item", id)
}

// ListItems implements Store.
func (s *InMemory) ListItems(ctx context.Context, sk scope.Key, opts ListItemsOptions) ([]*memory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*memory.Item
	if p := s.readPart(sk); p != nil {
		for _, it := range p.items {
			if opts.ResourceID != "" && it.ResourceID != opts.ResourceID {
				continue
			}
			if opts.ActiveOnly && !it.Active() {
				continue
			}
			out = append(out, cloneItem(it))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return truncate(out, opts.Limit), nil
}

// GetCategory implements Store.
func (s *InMemory) GetCategory(ctx context.Context, sk scope.Key, id string) (*memory.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p := s.readPart(sk); p != nil {
		if c, ok := p.categories[id]; ok {
			return cloneCategory(c), nil
		}
	}
	return nil, NotFound("inmemory.GetCategory", "category", id)
}

// GetCategoryByName implements Store.
func (s *InMemory) GetCategoryByName(ctx context.Context, sk scope.Key, name string) (*memory.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p := s.readPart(sk); p != nil {
		if id, ok := p.byName[name]; ok {
			return cloneCategory(p.categories[id]), nil
		}
	}
	return nil, NotFound("inmemory.GetCategoryByName", "category", name)
}

// ListCategories implements Store.
func (s *InMemory) ListCategories(ctx context.Context, sk scope.Key, opts ListCategoriesOptions) ([]*memory.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*memory.Category
	if p := s.readPart(sk); p != nil {
		for _, c := range p.categories {
			out = append(out, cloneCategory(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return truncate(out, opts.Limit), nil
}

// ListItemsInCategory implements Store.
func (s *InMemory) ListItemsInCategory(ctx context.Context, sk scope.Key, categoryID string) ([]*memory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*memory.Item
	if p := s.readPart(sk); p != nil {
		for itemID := range p.links[categoryID] {
			if it, ok := p.items[itemID]; ok && it.Active() {
				out = append(out, cloneItem(it))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// ListCategoriesForItem implements Store.
func (s *InMemory) ListCategoriesForItem(ctx context.Context, sk scope.Key, itemID string) ([]*memory.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*memory.Category
	if p := s.readPart(sk); p != nil {
		for categoryID, members := range p.links {
			if members[itemID] {
				if c, ok := p.categories[categoryID]; ok {
					out = append(out, cloneCategory(c))
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetIntention implements Store.
func (s *InMemory) GetIntention(ctx context.Context, sk scope.Key) (*memory.Intention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p := s.readPart(sk); p != nil && p.intention != nil {
		cp := *p.intention
		cp.Scope = p.intention.Scope.Clone()
		return &cp, nil
	}
	return nil, NotFound("inmemory.GetIntention", "intention for scope", sk.String())
}

// Apply implements Store. The single write lock makes the batch atomic.
func (s *InMemory) Apply(ctx context.Context, sk scope.Key, b *Batch) error {
	if b.Empty() {
		return nil
	}
	if err := b.Validate(sk); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.part(sk)
	for _, r := range b.Resources {
		p.resources[r.ID] = cloneResource(r)
	}
	for _, it := range b.Items {
		p.items[it.ID] = cloneItem(it)
	}
	for _, c := range b.Categories {
		p.categories[c.ID] = cloneCategory(c)
		p.byName[c.Name] = c.ID
	}
	for _, l := range b.Links {
		members, ok := p.links[l.CategoryID]
		if !ok {
			members = make(map[string]bool)
			p.links[l.CategoryID] = members
		}
		members[l.ItemID] = true
	}
	for _, l := range b.Unlinks {
		delete(p.links[l.CategoryID], l.ItemID)
	}
	if b.Intention != nil {
		cp := *b.Intention
		cp.Scope = b.Intention.Scope.Clone()
		p.intention = &cp
	}
	return nil
}

// PutRunLog implements Store.
func (s *InMemory) PutRunLog(ctx context.Context, rl *memory.RunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[rl.RunID] = cloneRunLog(rl)
	return nil
}

// GetRunLog implements Store.
func (s *InMemory) GetRunLog(ctx context.Context, runID string) (*memory.RunLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rl, ok := s.runs[runID]; ok {
		return cloneRunLog(rl), nil
	}
	return nil, NotFound("inmemory.GetRunLog", "run", runID)
}

// DeleteScope implements Store.
func (s *InMemory) DeleteScope(ctx context.Context, sk scope.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.parts, partKey(sk))
	return nil
}

// Close implements Store.
func (s *InMemory) Close() error { return nil }

func truncate[T any](xs []T, limit int) []T {
	if limit > 0 && len(xs) > limit {
		return xs[:limit]
	}
	return xs
}

// Clone helpers keep callers from aliasing stored state.

func cloneResource(r *memory.Resource) *memory.Resource {
	cp := *r
	cp.Scope = r.Scope.Clone()
	cp.Artifacts.Segments = append([]memory.Segment(nil), r.Artifacts.Segments...)
	return &cp
}

func cloneItem(it *memory.Item) *memory.Item {
	cp := *it
	cp.Scope = it.Scope.Clone()
	return &cp
}

func cloneCategory(c *memory.Category) *memory.Category {
	cp := *c
	cp.Scope = c.Scope.Clone()
	cp.AnchorItemIDs = append([]string(nil), c.AnchorItemIDs...)
	return &cp
}

func cloneRunLog(rl *memory.RunLog) *memory.RunLog {
	cp := *rl
	cp.Scope = rl.Scope.Clone()
	cp.Steps = append([]memory.StepLog(nil), rl.Steps...)
	if rl.Diff != nil {
		d := *rl.Diff
		cp.Diff = &d
	}
	return &cp
}
