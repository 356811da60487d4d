// Package service is the facade over the memory engine: it owns run
// lifecycle, per-scope write serialization, and the read paths that do not
// need a pipeline.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/capability"
	"github.com/fyrsmithlabs/memoryd/internal/memerr"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/metastore"
	"github.com/fyrsmithlabs/memoryd/internal/pipeline"
	"github.com/fyrsmithlabs/memoryd/internal/runner"
	"github.com/fyrsmithlabs/memoryd/internal/scope"
	"github.com/fyrsmithlabs/memoryd/internal/vectorindex"
)

// Config configures the facade.
type Config struct {
	// DefaultK is the retrieval result count when the caller passes zero.
	// Default: 8.
	DefaultK int `koanf:"default_k"`

	// MaxContentBytes rejects oversized inline content. Default: 1 MiB.
	MaxContentBytes int `koanf:"max_content_bytes"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.DefaultK == 0 {
		c.DefaultK = 8
	}
	if c.MaxContentBytes == 0 {
		c.MaxContentBytes = 1 << 20
	}
}

// Service orchestrates the three memory operations over the configured
// store, index, capabilities, and runner.
type Service struct {
	config   Config
	store    metastore.Store
	index    vectorindex.Index
	caps     *capability.Set
	scopes   *scope.Manager
	registry *pipeline.Registry
	runner   runner.Runner
	metrics  *Metrics
	logger   *zap.Logger

	// scopeLocks serializes writes per scope, so concurrent memorize calls
	// for the same content cannot both miss the dedup check.
	mu         sync.Mutex
	scopeLocks map[string]*sync.Mutex
}

// New creates the service facade. The scope manager must be provisioned.
func New(config Config, store metastore.Store, index vectorindex.Index, caps *capability.Set,
	scopes *scope.Manager, registry *pipeline.Registry, run runner.Runner,
	metrics *Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	return &Service{
		config:     config,
		store:      store,
		index:      index,
		caps:       caps,
		scopes:     scopes,
		registry:   registry,
		runner:     run,
		metrics:    metrics,
		logger:     logger,
		scopeLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) scopeLock(sk scope.Key) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sk.String()
	l, ok := s.scopeLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.scopeLocks[key] = l
	}
	return l
}

// MemorizeResult is the outcome of a memorize run.
type MemorizeResult struct {
	RunID        string            `json:"run_id"`
	Resource     *memory.Resource  `json:"resource"`
	NewItems     []*memory.Item    `json:"new_items,omitempty"`
	RevisedItems map[string]string `json:"revised_items,omitempty"`

	// Deduplicated is set when the content was already ingested and the
	// run short-circuited.
	Deduplicated bool `json:"deduplicated,omitempty"`
}

// Memorize ingests content into a scope and distills it into memory items.
func (s *Service) Memorize(ctx context.Context, sk scope.Key, in pipeline.MemorizeInput) (*MemorizeResult, error) {
	const op = "service.Memorize"
	if err := s.scopes.CheckKey(sk); err != nil {
		return nil, err
	}
	if !memory.KnownModality(in.Modality) {
		return nil, memerr.E(memerr.KindValidation, op, fmt.Sprintf("unknown modality %q", in.Modality))
	}
	if in.Content == "" && in.URI == "" {
		return nil, memerr.E(memerr.KindValidation, op, "content or uri is required")
	}
	if len(in.Content) > s.config.MaxContentBytes {
		return nil, memerr.E(memerr.KindValidation, op,
			fmt.Sprintf("content exceeds %d byte limit", s.config.MaxContentBytes))
	}

	rev, ok := s.registry.Current(memory.OpMemorize)
	if !ok {
		return nil, memerr.E(memerr.KindInternal, op, "no memorize pipeline installed")
	}

	lock := s.scopeLock(sk)
	lock.Lock()
	defer lock.Unlock()

	rl := memory.NewRunLog(sk, memory.OpMemorize, rev.ID(), summarizeInput(in))
	st := pipeline.NewMemorizeState(rl.RunID, sk, in)
	st, runErr := s.finishRun(ctx, rev, st, rl)
	if runErr != nil {
		return nil, runErr
	}
	return &MemorizeResult{
		RunID:        rl.RunID,
		Resource:     st.Resource,
		NewItems:     st.NewItems,
		RevisedItems: st.RevisedItems,
		Deduplicated: st.Done,
	}, nil
}

// RetrieveResult is the outcome of a retrieve run.
type RetrieveResult struct {
	RunID   string            `json:"run_id"`
	Context *pipeline.Context `json:"context"`
}

// Retrieve assembles layered context for a query over the selected scopes.
func (s *Service) Retrieve(ctx context.Context, sel scope.Selector, query string, k int) (*RetrieveResult, error) {
	const op = "service.Retrieve"
	if query == "" {
		return nil, memerr.E(memerr.KindValidation, op, "query is required")
	}
	if k <= 0 {
		k = s.config.DefaultK
	}
	rev, ok := s.registry.Current(memory.OpRetrieve)
	if !ok {
		return nil, memerr.E(memerr.KindInternal, op, "no retrieve pipeline installed")
	}

	var logScope scope.Key
	if exact, ok := sel.ExactKey(); ok {
		logScope = exact
	}
	rl := memory.NewRunLog(logScope, memory.OpRetrieve, rev.ID(), truncateSummary(query))
	st := pipeline.NewRetrieveState(rl.RunID, pipeline.RetrieveInput{Query: query, Selector: sel, K: k})
	st, runErr := s.finishRun(ctx, rev, st, rl)
	if runErr != nil {
		return nil, runErr
	}
	return &RetrieveResult{RunID: rl.RunID, Context: st.Results}, nil
}

// EvolveResult is the outcome of an evolve run.
type EvolveResult struct {
	RunID string             `json:"run_id"`
	Diff  *memory.EvolveDiff `json:"diff"`
}

// Evolve reorganizes a scope: consolidates duplicates, refreshes category
// summaries and anchors, and rederives the intention.
func (s *Service) Evolve(ctx context.Context, sk scope.Key) (*EvolveResult, error) {
	const op = "service.Evolve"
	if err := s.scopes.CheckKey(sk); err != nil {
		return nil, err
	}
	rev, ok := s.registry.Current(memory.OpEvolve)
	if !ok {
		return nil, memerr.E(memerr.KindInternal, op, "no evolve pipeline installed")
	}

	lock := s.scopeLock(sk)
	lock.Lock()
	defer lock.Unlock()

	rl := memory.NewRunLog(sk, memory.OpEvolve, rev.ID(), "")
	st := pipeline.NewEvolveState(rl.RunID, sk)
	st, runErr := s.finishRun(ctx, rev, st, rl)
	if runErr != nil {
		return nil, runErr
	}
	diff := st.Diff
	if diff == nil {
		diff = &memory.EvolveDiff{}
	}
	return &EvolveResult{RunID: rl.RunID, Diff: diff}, nil
}

// finishRun drives a run to its terminal state and persists the run log
// regardless of outcome. Run logs survive failed runs; that is their point.
func (s *Service) finishRun(ctx context.Context, rev *pipeline.Revision, st *pipeline.State, rl *memory.RunLog) (*pipeline.State, error) {
	start := time.Now()
	if err := s.store.PutRunLog(ctx, rl); err != nil {
		return st, err
	}

	st, runErr := s.runner.Run(ctx, rev, st, rl)

	status := memory.RunSucceeded
	switch {
	case runErr != nil:
		status = memory.RunFailed
	case st.Results != nil && st.Results.Degraded:
		status = memory.RunDegraded
	}
	rl.Diff = st.Diff
	rl.Finish(status, runErr)
	if err := s.store.PutRunLog(ctx, rl); err != nil {
		s.logger.Error("persisting run log failed",
			zap.String("run_id", rl.RunID),
			zap.Error(err),
		)
	}

	if s.metrics != nil {
		s.metrics.runsTotal.WithLabelValues(string(rl.Operation), string(status)).Inc()
		s.metrics.runDuration.WithLabelValues(string(rl.Operation)).Observe(time.Since(start).Seconds())
		for _, sl := range rl.Steps {
			if sl.Attempts > 1 {
				s.metrics.stepRetries.Add(float64(sl.Attempts - 1))
			}
		}
		s.metrics.itemsWritten.Add(float64(len(st.NewItems)))
	}

	s.logger.Info("run finished",
		zap.String("run_id", rl.RunID),
		zap.String("operation", string(rl.Operation)),
		zap.String("status", string(status)),
		zap.Duration("duration", time.Since(start)),
	)
	return st, runErr
}

// GetRun returns the run log for a run ID.
func (s *Service) GetRun(ctx context.Context, runID string) (*memory.RunLog, error) {
	return s.store.GetRunLog(ctx, runID)
}

// GetResource returns a resource by ID within a scope.
func (s *Service) GetResource(ctx context.Context, sk scope.Key, id string) (*memory.Resource, error) {
	if err := s.scopes.CheckKey(sk); err != nil {
		return nil, err
	}
	return s.store.GetResource(ctx, sk, id)
}

// GetItem returns an item by ID within a scope.
func (s *Service) GetItem(ctx context.Context, sk scope.Key, id string) (*memory.Item, error) {
	if err := s.scopes.CheckKey(sk); err != nil {
		return nil, err
	}
	return s.store.GetItem(ctx, sk, id)
}

// ListCategories lists a scope's categories.
func (s *Service) ListCategories(ctx context.Context, sk scope.Key) ([]*memory.Category, error) {
	if err := s.scopes.CheckKey(sk); err != nil {
		return nil, err
	}
	return s.store.ListCategories(ctx, sk, metastore.ListCategoriesOptions{})
}

// CategoryDetail is a category with its active members.
type CategoryDetail struct {
	Category *memory.Category `json:"category"`
	Items    []*memory.Item   `json:"items"`
}

// GetCategory returns a category and its active member items.
func (s *Service) GetCategory(ctx context.Context, sk scope.Key, name string) (*CategoryDetail, error) {
	if err := s.scopes.CheckKey(sk); err != nil {
		return nil, err
	}
	cat, err := s.store.GetCategoryByName(ctx, sk, name)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListItemsInCategory(ctx, sk, cat.ID)
	if err != nil {
		return nil, err
	}
	return &CategoryDetail{Category: cat, Items: items}, nil
}

// GetIntention returns a scope's intention record.
func (s *Service) GetIntention(ctx context.Context, sk scope.Key) (*memory.Intention, error) {
	if err := s.scopes.CheckKey(sk); err != nil {
		return nil, err
	}
	return s.store.GetIntention(ctx, sk)
}

// DeleteScope hard-deletes everything a scope owns from the store and the
// index. This is the tenant purge path and the only hard delete.
func (s *Service) DeleteScope(ctx context.Context, sk scope.Key) error {
	if err := s.scopes.CheckKey(sk); err != nil {
		return err
	}
	lock := s.scopeLock(sk)
	lock.Lock()
	defer lock.Unlock()

	if err := s.store.DeleteScope(ctx, sk); err != nil {
		return err
	}
	if err := s.index.DeleteScope(ctx, sk); err != nil {
		return err
	}
	s.logger.Info("scope purged", zap.String("scope", sk.String()))
	return nil
}

// summarizeInput renders a short run-log summary without retaining content.
func summarizeInput(in pipeline.MemorizeInput) string {
	if in.URI != "" {
		return fmt.Sprintf("%s %s", in.Modality, in.URI)
	}
	return fmt.Sprintf("%s inline (%d bytes)", in.Modality, len(in.Content))
}

func truncateSummary(s string) string {
	const max = 120
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
