package vectorindex

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/scope"
)

// ChromemConfig configures the embedded chromem-go backend.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty means in-memory.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool

	// CollectionPrefix prefixes the per-kind collection names.
	// Default: "memoryd"
	CollectionPrefix string
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.CollectionPrefix == "" {
		c.CollectionPrefix = "memoryd"
	}
}

// Chromem is the embedded vector index backend.
//
// One collection per entry kind. Scope fields are stored as metadata under
// scope_<field> keys and every query carries them as a where filter, so scope
// filtering happens inside the engine rather than on returned results.
// chromem's where filters are exact-match only, so multi-value selector
// fields are expanded into one sub-query per value combination and the
// results merged.
type Chromem struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger

	mu          sync.Mutex
	collections map[Kind]*chromem.Collection
}

var _ Index = (*Chromem)(nil)

// NewChromem creates the embedded index. With a configured path the index
// persists across restarts; without one it is volatile.
func NewChromem(config ChromemConfig, logger *zap.Logger) (*Chromem, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(config.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", config.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(config.Path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	logger.Info("chromem index initialized",
		zap.String("path", config.Path),
		zap.Bool("compress", config.Compress),
	)
	return &Chromem{
		db:          db,
		config:      config,
		logger:      logger,
		collections: make(map[Kind]*chromem.Collection),
	}, nil
}

func (c *Chromem) collection(kind Kind) (*chromem.Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok := c.collections[kind]; ok {
		return col, nil
	}
	name := fmt.Sprintf("%s_%ss", c.config.CollectionPrefix, kind)
	// No embedding func: all vectors arrive precomputed.
	col, err := c.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", name, err)
	}
	c.collections[kind] = col
	return col, nil
}

const scopeMetaPrefix = "scope_"

func scopeMetadata(sk scope.Key) map[string]string {
	md := make(map[string]string, len(sk))
	for name, value := range sk {
		md[scopeMetaPrefix+name] = value
	}
	return md
}

func scopeFromMetadata(md map[string]string) scope.Key {
	sk := make(scope.Key)
	for k, v := range md {
		if len(k) > len(scopeMetaPrefix) && k[:len(scopeMetaPrefix)] == scopeMetaPrefix {
			sk[k[len(scopeMetaPrefix):]] = v
		}
	}
	return sk
}

// Upsert implements Index.
func (c *Chromem) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return ErrEmptyEntries
	}
	byKind := make(map[Kind][]chromem.Document)
	for _, e := range entries {
		if !KnownKind(e.Kind) {
			return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
		}
		byKind[e.Kind] = append(byKind[e.Kind], chromem.Document{
			ID:        e.ID,
			Content:   e.Text,
			Metadata:  scopeMetadata(e.Scope),
			Embedding: e.Vector,
		})
	}
	for kind, docs := range byKind {
		col, err := c.collection(kind)
		if err != nil {
			return err
		}
		if err := col.AddDocuments(ctx, docs, 1); err != nil {
			return fmt.Errorf("adding %s documents: %w", kind, err)
		}
	}
	return nil
}

// Delete implements Index.
func (c *Chromem) Delete(ctx context.Context, kind Kind, ids []string) error {
	if !KnownKind(kind) {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(ids) == 0 {
		return nil
	}
	col, err := c.collection(kind)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("deleting %s documents: %w", kind, err)
	}
	return nil
}

// selectorFilters expands a selector into exact-match chromem where filters:
// exact fields bind directly, wildcard fields are omitted, and multi-value
// fields fan out into one filter per value combination.
func selectorFilters(sel scope.Selector) []map[string]string {
	filters := []map[string]string{{}}
	// Deterministic field order keeps sub-query order stable.
	names := make([]string, 0, len(sel))
	for name := range sel {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fs := sel[name]
		if fs.Wildcard {
			continue
		}
		next := make([]map[string]string, 0, len(filters)*len(fs.Values))
		for _, f := range filters {
			for _, v := range fs.Values {
				nf := make(map[string]string, len(f)+1)
				for k, val := range f {
					nf[k] = val
				}
				nf[scopeMetaPrefix+name] = v
				next = append(next, nf)
			}
		}
		filters = next
	}
	return filters
}

// Search implements Index.
func (c *Chromem) Search(ctx context.Context, q Query) ([]Hit, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	col, err := c.collection(q.Kind)
	if err != nil {
		return nil, err
	}
	docCount := col.Count()
	if docCount == 0 {
		return nil, nil
	}
	k := q.K
	if k > docCount {
		k = docCount
	}

	seen := make(map[string]bool)
	var hits []Hit
	for _, where := range selectorFilters(q.Selector) {
		results, err := col.QueryEmbedding(ctx, q.Vector, k, where, nil)
		if err != nil {
			return nil, fmt.Errorf("querying %s collection: %w", q.Kind, err)
		}
		for _, r := range results {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			hits = append(hits, Hit{
				ID:    r.ID,
				Kind:  q.Kind,
				Scope: scopeFromMetadata(r.Metadata),
				Text:  r.Content,
				Score: r.Similarity,
			})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > q.K {
		hits = hits[:q.K]
	}
	return hits, nil
}

// DeleteScope implements Index.
func (c *Chromem) DeleteScope(ctx context.Context, sk scope.Key) error {
	where := scopeMetadata(sk)
	for _, kind := range []Kind{KindItem, KindCategory} {
		col, err := c.collection(kind)
		if err != nil {
			return err
		}
		if err := col.Delete(ctx, where, nil); err != nil {
			return fmt.Errorf("purging %s scope entries: %w", kind, err)
		}
	}
	return nil
}

// Close implements Index.
func (c *Chromem) Close() error { return nil }
