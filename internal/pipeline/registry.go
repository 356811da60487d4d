package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/capability"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

// RevisionRecorder persists the active revision ID per operation into the
// deployment metadata record. *scope.Manager implements it.
type RevisionRecorder interface {
	RecordPipelineRevision(ctx context.Context, op string, revisionID string) error
}

// Registry holds the current pipeline revision per operation and retains
// every revision ever installed, so a run started against an older revision
// keeps resolving its steps even after the pipeline was edited.
type Registry struct {
	caps     *capability.Set
	recorder RevisionRecorder
	logger   *zap.Logger

	mu      sync.RWMutex
	current map[memory.Operation]*Revision
	byID    map[string]*Revision
}

// NewRegistry creates a registry bound to the deployment's capability set.
// The recorder may be nil when deployment metadata is not tracked, as in
// unit tests.
func NewRegistry(caps *capability.Set, recorder RevisionRecorder, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		caps:     caps,
		recorder: recorder,
		logger:   logger,
		current:  make(map[memory.Operation]*Revision),
		byID:     make(map[string]*Revision),
	}
}

// Install validates a revision, makes it the current pipeline for its
// operation, and records its ID in the deployment metadata. Validation
// failure leaves the previous revision in place.
func (r *Registry) Install(ctx context.Context, rev *Revision) error {
	if err := rev.Validate(r.caps); err != nil {
		return fmt.Errorf("installing %s revision: %w", rev.Operation(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[rev.ID()] = rev
	r.current[rev.Operation()] = rev
	if r.recorder != nil {
		if err := r.recorder.RecordPipelineRevision(ctx, string(rev.Operation()), rev.ID()); err != nil {
			return fmt.Errorf("recording %s revision: %w", rev.Operation(), err)
		}
	}
	r.logger.Info("pipeline revision installed",
		zap.String("operation", string(rev.Operation())),
		zap.String("revision", rev.ID()),
		zap.Strings("steps", rev.StepIDs()),
	)
	return nil
}

// Current returns the operation's active revision.
func (r *Registry) Current(op memory.Operation) (*Revision, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rev, ok := r.current[op]
	return rev, ok
}

// Get resolves a revision by ID, current or retained.
func (r *Registry) Get(id string) (*Revision, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rev, ok := r.byID[id]
	return rev, ok
}

// InstallDefaults builds and installs the stock pipelines for all three
// operations.
func (r *Registry) InstallDefaults(ctx context.Context) error {
	for _, build := range []func() (*Revision, error){
		DefaultMemorize,
		DefaultRetrieve,
		DefaultEvolve,
	} {
		rev, err := build()
		if err != nil {
			return err
		}
		if err := r.Install(ctx, rev); err != nil {
			return err
		}
	}
	return nil
}
