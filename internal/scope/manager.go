package scope

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/memerr"
)

// DeploymentStore is the narrow persistence surface the Manager needs.
// The metadata store implements it alongside the entity operations.
type DeploymentStore interface {
	// LoadDeployment returns the deployment metadata record, or (nil, nil)
	// if the deployment has never been provisioned.
	LoadDeployment(ctx context.Context) (*Deployment, error)

	// SaveDeployment persists the deployment metadata record.
	SaveDeployment(ctx context.Context, d *Deployment) error

	// Provision prepares storage partitioning for the schema: scope columns
	// on every core table and composite indexes with the scope fields as
	// the leading prefix.
	Provision(ctx context.Context, schema *Schema) error
}

// Manager owns the tenant identity schema for a deployment.
//
// It provisions storage for the schema once, persists the schema fingerprint
// and versions as deployment metadata, and verifies every subsequent
// request's scope against the locked schema. A mismatch is a hard error;
// the manager performs no automatic migration.
type Manager struct {
	store  DeploymentStore
	logger *zap.Logger

	mu         sync.RWMutex
	schema     *Schema
	deployment *Deployment
}

// NewManager creates a Manager backed by the given deployment store.
func NewManager(store DeploymentStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, logger: logger}
}

// Provision locks the deployment to the given schema.
//
// On a fresh deployment it creates the storage partitioning and persists the
// deployment metadata. On an already-provisioned deployment it verifies the
// fingerprint: a matching schema is adopted, a different one is rejected
// with ScopeSchemaMismatch.
func (m *Manager) Provision(ctx context.Context, schema *Schema) error {
	const op = "scope.Provision"

	if err := schema.Validate(); err != nil {
		return memerr.E(memerr.KindValidation, op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.LoadDeployment(ctx)
	if err != nil {
		return fmt.Errorf("loading deployment metadata: %w", err)
	}
	if existing != nil {
		if existing.SchemaFingerprint != schema.Fingerprint() {
			return memerr.E(memerr.KindScopeSchemaMismatch, op,
				fmt.Sprintf("deployment is provisioned with schema %s; migration required", existing.SchemaFingerprint))
		}
		m.schema = existing.Schema
		m.deployment = existing
		m.logger.Debug("adopted existing tenancy schema",
			zap.String("fingerprint", existing.SchemaFingerprint),
			zap.Int("schema_version", existing.SchemaVersion))
		return nil
	}

	if err := m.store.Provision(ctx, schema); err != nil {
		return fmt.Errorf("provisioning storage for schema: %w", err)
	}

	d := &Deployment{
		SchemaFingerprint: schema.Fingerprint(),
		Schema:            schema,
		SchemaVersion:     1,
		TaxonomyVersion:   1,
		PipelineRevisions: map[string]string{},
	}
	if err := m.store.SaveDeployment(ctx, d); err != nil {
		return fmt.Errorf("saving deployment metadata: %w", err)
	}

	m.schema = schema
	m.deployment = d
	m.logger.Info("tenancy schema provisioned",
		zap.Strings("fields", schema.FieldNames()),
		zap.String("fingerprint", d.SchemaFingerprint))
	return nil
}

// Schema returns the locked schema. Panics if called before Provision; the
// facade constructor guarantees ordering.
func (m *Manager) Schema() *Schema {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.schema == nil {
		panic("scope: manager used before Provision")
	}
	return m.schema
}

// Deployment returns a copy of the deployment metadata record.
func (m *Manager) Deployment() Deployment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.deployment
}

// RecordPipelineRevision persists the active pipeline revision ID for an
// operation into the deployment metadata. Recording an unchanged ID is a
// no-op, so reinstalling the same revision never rewrites the record.
func (m *Manager) RecordPipelineRevision(ctx context.Context, op string, revisionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deployment == nil {
		panic("scope: manager used before Provision")
	}
	if m.deployment.PipelineRevisions == nil {
		m.deployment.PipelineRevisions = map[string]string{}
	}
	if m.deployment.PipelineRevisions[op] == revisionID {
		return nil
	}
	m.deployment.PipelineRevisions[op] = revisionID
	return m.store.SaveDeployment(ctx, m.deployment)
}

// BumpTaxonomyVersion increments the taxonomy version after evolve reshapes
// the category taxonomy.
func (m *Manager) BumpTaxonomyVersion(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deployment.TaxonomyVersion++
	return m.store.SaveDeployment(ctx, m.deployment)
}

// CheckKey validates a caller-supplied scope key against the locked schema.
// Failures are classified as ScopeSchemaMismatch.
func (m *Manager) CheckKey(k Key) error {
	if err := m.Schema().ValidateKey(k); err != nil {
		return memerr.E(memerr.KindScopeSchemaMismatch, "scope.CheckKey", err)
	}
	return nil
}

// CheckSelector validates a caller-supplied scope selector against the
// locked schema. Failures are classified as ScopeSchemaMismatch.
func (m *Manager) CheckSelector(sel Selector) error {
	if err := m.Schema().ValidateSelector(sel); err != nil {
		return memerr.E(memerr.KindScopeSchemaMismatch, "scope.CheckSelector", err)
	}
	return nil
}

// Canonical returns the canonical partition string for a validated key.
func (m *Manager) Canonical(k Key) string {
	return m.Schema().Canonical(k)
}
